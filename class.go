package pmemobj

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/pbalcer/pmemobj/internal/perrors"
	"github.com/pbalcer/pmemobj/internal/playout"
)

// hugeClassID is reserved for the always-present whole-chunk class; the
// default classes use ids below maxUserClasses (spec §4.5: "the
// heap has a small fixed number of classes plus one huge class").
const hugeClassID uint8 = 255

// maxUserClasses bounds the fixed set of default allocation classes.
const maxUserClasses = 8

// maxUnitsPerBlock bounds a run class's bitmap to a single 64-bit word
// (DESIGN.md's run-class scope decision).
const maxUnitsPerBlock = 64

// runBitmapSize is the size, in bytes, reserved at the front of a run
// chunk's data area for its free/used bitmap.
const runBitmapSize = 8

// chunkFlagsWordShift is the bit offset of a ChunkHeader's flags byte
// within the first 8-byte word of the header, used to build a redo-log
// OpOr entry that sets the USED flag without disturbing the rest of the
// header word.
const chunkFlagsWordShift = 5 * 8

// allocClass describes one size class: a unit size, how many units a
// carved run chunk holds, and whether it is the huge (whole-chunk) class
// (spec §4.5).
type allocClass struct {
	id            uint8
	headerKind    string
	unitSize      uint64
	unitsPerBlock uint32
	huge          bool
}

type rangeEntry struct {
	start, end uint64
	classID    uint8
}

// defaultClasses returns the small fixed set of classes every pool starts
// with; CTL may redescribe their parameters but not add or remove classes
// (DESIGN.md scope decision).
func defaultClasses() []*allocClass {
	return []*allocClass{
		{id: 0, headerKind: "COMPACT", unitSize: 16, unitsPerBlock: 64},
		{id: 1, headerKind: "COMPACT", unitSize: 32, unitsPerBlock: 64},
		{id: 2, headerKind: "COMPACT", unitSize: 64, unitsPerBlock: 64},
		{id: 3, headerKind: "COMPACT", unitSize: 128, unitsPerBlock: 64},
		{id: 4, headerKind: "MINIMAL", unitSize: 256, unitsPerBlock: 32},
	}
}

var (
	errZeroSize         = errors.New("pmemobj: size must be non-zero")
	errNotNullPtr       = errors.New("pmemobj: destination must be null before pmalloc")
	errRunMultiUnit     = errors.New("pmemobj: size needs more than one unit of its class")
	errNoMatchingClass  = errors.New("pmemobj: no allocation class covers this size")
	errDoubleFree       = errors.New("pmemobj: target chunk is not in use")
	errOffsetOutOfRange = errors.New("pmemobj: offset out of pool range")
	errUnknownClass     = errors.New("pmemobj: unknown allocation class id")
)

// classFor resolves size to the allocation class and unit count that must
// satisfy it, following the CTL-configured size ranges (spec §4.5/§8 S3):
// a size that lands inside a registered range always uses that range's
// class; a size that falls outside every registered range but is no
// larger than the widest range's end is EINVAL (no implicit huge
// fallback for sizes that were clearly meant to be classed); anything
// bigger always uses the huge class.
func (p *Pool) classFor(size uint64) (*allocClass, uint32, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var widestEnd uint64
	for _, r := range p.ranges {
		if r.end > widestEnd {
			widestEnd = r.end
		}
		if size >= r.start && size <= r.end {
			class := p.classes[r.classID]
			// unit size comes from the class, which CTL may have
			// redescribed after its global bucket was created
			units := uint32((size-1)/class.unitSize) + 1
			if units > 1 {
				return nil, 0, perrors.New(perrors.Einval, "pmemobj.classFor", errRunMultiUnit)
			}
			return class, units, nil
		}
	}

	if widestEnd > 0 && size <= widestEnd {
		return nil, 0, perrors.New(perrors.Einval, "pmemobj.classFor", errNoMatchingClass)
	}

	huge := p.classes[hugeClassID]
	units := p.globals[hugeClassID].CalcUnits(size)
	return huge, units, nil
}

func (p *Pool) classByID(id uint8) (*allocClass, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.classes[id]
	if !ok {
		return nil, perrors.New(perrors.Einval, "pmemobj.classByID", errUnknownClass)
	}
	return c, nil
}

// registerCtl wires the fixed leaf set of spec §4.8 into p.ctl.
func (p *Pool) registerCtl() {
	p.ctl.Register("stats.heap.allocated", func() (string, error) {
		return strconv.FormatInt(atomicLoad(&p.allocated), 10), nil
	}, nil)
	p.ctl.Register("stats.heap.freed", func() (string, error) {
		return strconv.FormatInt(atomicLoad(&p.freed), 10), nil
	}, nil)
	p.ctl.Register("stats.heap.active_zones", func() (string, error) {
		return strconv.Itoa(len(p.be.Zones())), nil
	}, nil)

	for _, id := range []uint8{0, 1, 2, 3, 4} {
		id := id
		p.ctl.Register(fmt.Sprintf("heap.alloc_class.%d.desc", id),
			func() (string, error) {
				c, err := p.classByID(id)
				if err != nil {
					return "", err
				}
				p.mu.Lock()
				defer p.mu.Unlock()
				return fmt.Sprintf("%s,%d,%d", c.headerKind, c.unitSize, c.unitsPerBlock), nil
			},
			func(value string) error { return p.setClassDesc(id, value) },
		)
	}

	p.ctl.Register("heap.alloc_class.map.range", nil, p.setClassRange)
	p.ctl.Register("heap.alloc_class.reset", nil, func(string) error {
		p.mu.Lock()
		p.ranges = nil
		p.mu.Unlock()
		return nil
	})

	p.ctl.Register("prefault.at_create", func() (string, error) {
		return boolStr(p.prefaultAtCreate), nil
	}, func(v string) error { p.prefaultAtCreate = v == "1"; return nil })
	p.ctl.Register("prefault.at_open", func() (string, error) {
		return boolStr(p.prefaultAtOpen), nil
	}, func(v string) error { p.prefaultAtOpen = v == "1"; return nil })

	p.ctl.Register("debug.test_rw",
		func() (string, error) {
			p.mu.Lock()
			defer p.mu.Unlock()
			return strconv.Itoa(p.debugSentinel), nil
		},
		func(v string) error {
			n, err := strconv.Atoi(v)
			if err != nil {
				return perrors.New(perrors.Einval, "pmemobj.debug.test_rw", err)
			}
			p.mu.Lock()
			p.debugSentinel = n
			p.mu.Unlock()
			return nil
		},
	)

	// debug.test_ro and debug.test_wo are read-only/write-only siblings of
	// test_rw, registered purely to exercise ctl.Get/Set's
	// ErrNotReadable/ErrNotWritable paths against a leaf that genuinely
	// only supports one direction, the way src/test/obj_ctl exercises
	// ctl.c's leaves.
	p.ctl.Register("debug.test_ro",
		func() (string, error) {
			p.mu.Lock()
			defer p.mu.Unlock()
			return strconv.Itoa(p.debugSentinel), nil
		},
		nil,
	)
	p.ctl.Register("debug.test_wo", nil,
		func(v string) error {
			n, err := strconv.Atoi(v)
			if err != nil {
				return perrors.New(perrors.Einval, "pmemobj.debug.test_wo", err)
			}
			p.mu.Lock()
			p.debugSentinel = n
			p.mu.Unlock()
			return nil
		},
	)
}

func boolStr(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

// setClassDesc parses "header_kind,unit_size,units_per_block" and applies
// it to an existing class id (classes are never created by CTL, only
// redescribed -- see DESIGN.md).
func (p *Pool) setClassDesc(id uint8, value string) error {
	parts := strings.Split(value, ",")
	if len(parts) != 3 {
		return perrors.New(perrors.Einval, "pmemobj.setClassDesc", errors.New("expected header_kind,unit_size,units_per_block"))
	}
	unitSize, err := strconv.ParseUint(parts[1], 10, 64)
	if err != nil {
		return perrors.New(perrors.Einval, "pmemobj.setClassDesc", err)
	}
	unitsPerBlock, err := strconv.ParseUint(parts[2], 10, 32)
	if err != nil {
		return perrors.New(perrors.Einval, "pmemobj.setClassDesc", err)
	}
	if unitsPerBlock > maxUnitsPerBlock {
		return perrors.New(perrors.Einval, "pmemobj.setClassDesc", errors.New("units_per_block exceeds the single-word bitmap limit"))
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.classes[id]
	if !ok {
		return perrors.New(perrors.Einval, "pmemobj.setClassDesc", errUnknownClass)
	}
	c.headerKind = parts[0]
	c.unitSize = unitSize
	c.unitsPerBlock = uint32(unitsPerBlock)
	return nil
}

// setClassRange parses "class_id,start,end" and assigns the size range
// [start,end] to that class.
func (p *Pool) setClassRange(value string) error {
	parts := strings.Split(value, ",")
	if len(parts) != 3 {
		return perrors.New(perrors.Einval, "pmemobj.setClassRange", errors.New("expected class_id,start,end"))
	}
	id, err := strconv.ParseUint(parts[0], 10, 8)
	if err != nil {
		return perrors.New(perrors.Einval, "pmemobj.setClassRange", err)
	}
	start, err := strconv.ParseUint(parts[1], 10, 64)
	if err != nil {
		return perrors.New(perrors.Einval, "pmemobj.setClassRange", err)
	}
	end, err := strconv.ParseUint(parts[2], 10, 64)
	if err != nil {
		return perrors.New(perrors.Einval, "pmemobj.setClassRange", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.classes[uint8(id)]; !ok {
		return perrors.New(perrors.Einval, "pmemobj.setClassRange", errUnknownClass)
	}
	p.ranges = append(p.ranges, rangeEntry{start: start, end: end, classID: uint8(id)})
	return nil
}

// playoutHugeUnitSize is a readability alias for the huge class's unit
// size, one chunk.
const playoutHugeUnitSize = playout.ChunkSize
