// Package pmemobj is a crash-consistent persistent-memory object
// allocator: a pmalloc/pfree/prealloc/pdirect heap backed by a
// memory-mapped pool file, with thread-affine arenas and a dotted-name
// CTL tree for statistics and allocation-class configuration.
//
// Open/Create follow bar.go's Open/newDB shape: create-or-open the
// backing file, map it, and hand back a handle. Malloc/Free/Realloc
// mirror get.go/put.go's exported Get/Set naming, operating on
// pool-offsets (the allocator's "pointers") instead of keys.
package pmemobj

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/pbalcer/pmemobj/ctl"
	"github.com/pbalcer/pmemobj/internal/arena"
	"github.com/pbalcer/pmemobj/internal/backend"
	"github.com/pbalcer/pmemobj/internal/bucket"
	"github.com/pbalcer/pmemobj/internal/container"
	"github.com/pbalcer/pmemobj/internal/perrors"
	"github.com/pbalcer/pmemobj/internal/playout"
	"github.com/pbalcer/pmemobj/internal/plog"
)

// Kind re-exports the internal error taxonomy (spec §7) so callers can
// inspect a returned error's kind without importing an internal package.
type Kind = perrors.Kind

// Error taxonomy constants, re-exported from internal/perrors.
const (
	Nomem      = perrors.Nomem
	Einval     = perrors.Einval
	Corrupt    = perrors.Corrupt
	IO         = perrors.IO
	DoubleFree = perrors.DoubleFree
)

// maxArenas bounds how many thread-affine arenas a Pool will construct.
const maxArenas = 128

// Pool is a top-level handle onto an open pool: the backend mapping, the
// arena manager, the fixed allocation classes, and their global (cross-
// arena) buckets (spec §3's "Pool (frontend)").
type Pool struct {
	be     *backend.Backend
	arenas *arena.Manager
	ctl    *ctl.Tree

	mu      sync.Mutex
	classes map[uint8]*allocClass
	globals map[uint8]*bucket.Bucket
	ranges  []rangeEntry

	prefaultAtCreate bool
	prefaultAtOpen   bool
	debugSentinel    int

	allocated int64
	freed     int64
}

func atomicLoad(p *int64) int64 { return atomic.LoadInt64(p) }

// Create creates a new pool file at path with the given total size and
// opens it (spec §6's open(path, layout, size?, mode?)).
func Create(path string, size int64) (*Pool, error) {
	plog.InitFromEnv()
	be, err := backend.Create(path, size)
	if err != nil {
		return nil, err
	}
	return newPool(be)
}

// Open opens an existing pool file, recovering it if necessary.
func Open(path string) (*Pool, error) {
	plog.InitFromEnv()
	be, err := backend.Open(path)
	if err != nil {
		return nil, err
	}
	return newPool(be)
}

func newPool(be *backend.Backend) (*Pool, error) {
	p := &Pool{
		be:      be,
		arenas:  arena.NewManager(be, maxArenas),
		ctl:     ctl.New(),
		classes: make(map[uint8]*allocClass),
		globals: make(map[uint8]*bucket.Bucket),
	}

	huge := &allocClass{id: hugeClassID, headerKind: "HUGE", unitSize: playout.ChunkSize, unitsPerBlock: 1, huge: true}
	p.classes[hugeClassID] = huge
	p.globals[hugeClassID] = bucket.New(hugeClassID, huge.unitSize, 1, true)

	for _, c := range defaultClasses() {
		p.classes[c.id] = c
		p.globals[c.id] = bucket.New(c.id, c.unitSize, c.unitsPerBlock, false)
	}

	if err := p.seedBuckets(); err != nil {
		be.Close()
		return nil, err
	}

	p.registerCtl()
	plog.L.Info("pmemobj: pool ready", "zones", len(be.Zones()))
	return p, nil
}

// seedBuckets rebuilds every class's global free-block inventory by
// walking the persistent chunk headers -- the volatile buckets are
// transient and must be reconstructed from media on every open, just as
// the zone/chunk layout itself is (spec §4.3's recovery walk, generalized
// to also repopulate free lists rather than only validate headers).
func (p *Pool) seedBuckets() error {
	for zi, z := range p.be.Zones() {
		var ci uint32
		for ci < z.ChunkCount {
			ch := p.be.ChunkHeader(zi, ci)
			size := ch.SizeIdx()
			if size == 0 {
				size = 1
			}

			switch {
			case ch.Type() == playout.ChunkTypeBase && !ch.IsUsed():
				blk := container.Block{ZoneID: uint16(zi), ChunkID: uint16(ci), SizeIdx: uint16(size)}
				if err := p.globals[hugeClassID].AddObject(blk); err != nil {
					return perrors.Wrap(perrors.Corrupt, "pmemobj.seedBuckets", err)
				}
			case ch.Type() == playout.ChunkTypeRun:
				if err := p.seedRunChunk(zi, ci, ch); err != nil {
					return err
				}
			}
			ci += size
		}
	}
	return nil
}

func (p *Pool) seedRunChunk(zi int, ci uint32, ch *playout.ChunkHeader) error {
	class, ok := p.classes[uint8(ch.Aux())]
	if !ok {
		// a run chunk carved by a class id this process no longer knows
		// about (e.g. CTL never re-registered it this session); leave it
		// out of circulation rather than guess at its unit size.
		plog.L.Warn("pmemobj: run chunk with unknown class id, skipping", "zone", zi, "chunk", ci, "class", ch.Aux())
		return nil
	}

	word, err := p.be.Word(uint64(p.be.Zones()[zi].ChunkDataOffset(ci)))
	if err != nil {
		return perrors.Wrap(perrors.Corrupt, "pmemobj.seedRunChunk", err)
	}

	buck := p.globals[class.id]
	var unit uint32
	for unit < class.unitsPerBlock {
		if word&(1<<unit) != 0 {
			unit++
			continue
		}
		start := unit
		for unit < class.unitsPerBlock && word&(1<<unit) == 0 {
			unit++
		}
		blk := container.Block{ZoneID: uint16(zi), ChunkID: uint16(ci), BlockOff: uint16(start), SizeIdx: uint16(unit - start)}
		if err := buck.AddObject(blk); err != nil {
			return perrors.Wrap(perrors.Corrupt, "pmemobj.seedRunChunk", err)
		}
	}
	return nil
}

func (p *Pool) globalBucket(classID uint8) *bucket.Bucket { return p.globals[classID] }

// Close unmaps and closes the backing pool file.
func (p *Pool) Close() error { return p.be.Close() }

// Check verifies the pool's on-media consistency (spec §6's
// check(path, layout)).
func (p *Pool) Check() error { return p.be.Check() }

// CtlGet reads the current value at a dotted CTL path (spec §4.8).
func (p *Pool) CtlGet(name string) (string, error) { return p.ctl.Get(name) }

// CtlSet writes value at a dotted CTL path.
func (p *Pool) CtlSet(name, value string) error { return p.ctl.Set(name, value) }

var errOffsetOutsidePool = errors.New("pmemobj: pool-offset does not resolve to any chunk")
