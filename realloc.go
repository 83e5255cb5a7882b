package pmemobj

import (
	"sync/atomic"

	"github.com/pbalcer/pmemobj/internal/perrors"
	"github.com/pbalcer/pmemobj/internal/playout"
)

// Realloc implements prealloc (spec §4.7). size==0 degrades to Free;
// *destOffset==0 degrades to Malloc. Otherwise it resizes the block
// destOffset names, reallocating and copying the overlapping prefix only
// when the current block cannot satisfy size in place.
func (p *Pool) Realloc(destOffset, size uint64) error {
	if size == 0 {
		return p.Free(destOffset)
	}
	current, err := p.be.Word(destOffset)
	if err != nil {
		return err
	}
	if current == 0 {
		return p.Malloc(destOffset, size)
	}

	zi, ci, ok := p.be.ChunkForOffset(current)
	if !ok {
		return perrors.New(perrors.Corrupt, "pmemobj.Realloc", errOffsetOutsidePool)
	}
	ch := p.be.ChunkHeader(zi, ci)

	class, units, err := p.classFor(size)
	if err != nil {
		return err
	}

	if fits, err := p.fitsInPlace(ch, class, units); err != nil {
		return err
	} else if fits {
		return nil
	}

	a := p.arenas.ArenaFor()
	if err := a.GuardUp(playout.SlotRealloc, destOffset, current); err != nil {
		return err
	}

	newOffset, wordOffset, mask, err := p.allocate(a, class, units)
	if err != nil {
		a.GuardDown()
		return err
	}

	oldSize, err := p.usableSizeAt(ch)
	if err != nil {
		a.GuardDown()
		return err
	}
	copyLen := oldSize
	if size < copyLen {
		copyLen = size
	}
	data := p.be.Data()
	copy(data[newOffset:newOffset+copyLen], data[current:current+copyLen])
	if err := p.be.FlushAt(int(newOffset), int(copyLen)); err != nil {
		a.GuardDown()
		return err
	}

	// Publishing the new offset atomically with marking its chunk USED is
	// what spec §4.4's REALLOC recovery bullet relies on: *destOffset !=
	// old can only be observed once the new block is fully live, so only
	// the old block still needs releasing.
	if err := a.PublishAlloc(destOffset, newOffset, wordOffset, mask); err != nil {
		return err
	}

	freedBytes, err := p.release(current)
	if err != nil {
		return err
	}

	if err := a.GuardDown(); err != nil {
		return err
	}

	atomic.AddInt64(&p.allocated, int64(units)*int64(class.unitSize))
	atomic.AddInt64(&p.freed, int64(freedBytes))
	return nil
}

// fitsInPlace reports whether the block already backing ch can serve
// units of class without any reallocation. A huge block that is already
// larger than needed is kept oversized rather than split down, and a run
// unit only fits in place when the new request still resolves to the
// same class (growth or shrinkage within a class's own unit size).
func (p *Pool) fitsInPlace(ch *playout.ChunkHeader, class *allocClass, units uint32) (bool, error) {
	if ch.Type() == playout.ChunkTypeRun {
		cur, err := p.classByID(uint8(ch.Aux()))
		if err != nil {
			return false, err
		}
		return !class.huge && class.id == cur.id, nil
	}
	return class.huge && units <= ch.SizeIdx(), nil
}

// usableSizeAt returns the number of bytes available at the block backing
// ch, used to bound how much of the old block's contents prealloc copies
// into a freshly allocated replacement.
func (p *Pool) usableSizeAt(ch *playout.ChunkHeader) (uint64, error) {
	if ch.Type() == playout.ChunkTypeRun {
		class, err := p.classByID(uint8(ch.Aux()))
		if err != nil {
			return 0, err
		}
		return class.unitSize, nil
	}
	return uint64(ch.SizeIdx()) * playout.ChunkSize, nil
}
