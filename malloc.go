package pmemobj

import (
	"github.com/pbalcer/pmemobj/internal/arena"
	"github.com/pbalcer/pmemobj/internal/bucket"
	"github.com/pbalcer/pmemobj/internal/container"
	"github.com/pbalcer/pmemobj/internal/perrors"
	"github.com/pbalcer/pmemobj/internal/playout"
	"sync/atomic"
)

// Malloc implements pmalloc (spec §4.7): destOffset must name a pool
// offset currently holding 0; on success that word holds the offset of a
// freshly allocated, USED block of at least size bytes.
func (p *Pool) Malloc(destOffset, size uint64) error {
	if size == 0 {
		return perrors.New(perrors.Einval, "pmemobj.Malloc", errZeroSize)
	}
	current, err := p.be.Word(destOffset)
	if err != nil {
		return err
	}
	if current != 0 {
		return perrors.New(perrors.Einval, "pmemobj.Malloc", errNotNullPtr)
	}

	class, units, err := p.classFor(size)
	if err != nil {
		return err
	}

	a := p.arenas.ArenaFor()
	if err := a.GuardUp(playout.SlotAlloc, destOffset, 0); err != nil {
		return err
	}

	offset, wordOffset, mask, err := p.allocate(a, class, units)
	if err != nil {
		a.GuardDown()
		return err
	}

	if err := a.PublishAlloc(destOffset, offset, wordOffset, mask); err != nil {
		return err
	}
	if err := a.GuardDown(); err != nil {
		return err
	}

	atomic.AddInt64(&p.allocated, int64(units)*int64(class.unitSize))
	return nil
}

// allocate draws a block from class's free inventory and reports its
// offset together with the chunk-header-or-bitmap word (and OR mask) that
// must be flipped to mark it USED. It does not touch persistent state
// itself: the caller publishes offset at its destination and flips that
// word atomically, in that order, via arena.PublishAlloc (spec §4.4 step
// 2, §4.6's set_alloc_ptr-before-bucket_mark_allocated ordering). Must run
// between GuardUp and the eventual GuardDown.
func (p *Pool) allocate(a *arena.Arena, class *allocClass, units uint32) (offset, wordOffset, mask uint64, err error) {
	if class.huge {
		zi, ci, err := p.acquireHugeBlock(a, units)
		if err != nil {
			return 0, 0, 0, err
		}
		offset = uint64(p.be.Zones()[zi].ChunkDataOffset(ci))
		wordOffset = p.be.ChunkHeaderOffset(zi, ci)
		mask = uint64(playout.ChunkFlagUsed) << chunkFlagsWordShift
		return offset, wordOffset, mask, nil
	}

	zi, ci, unitOff, err := p.acquireRunBlock(a, class)
	if err != nil {
		return 0, 0, 0, err
	}
	dataOff := uint64(p.be.Zones()[zi].ChunkDataOffset(ci))
	offset = dataOff + runBitmapSize + uint64(unitOff)*class.unitSize
	wordOffset = dataOff
	mask = uint64(1) << unitOff
	return offset, wordOffset, mask, nil
}

// getFromBucket draws units from buck, falling back to global if buck is
// a private bucket that came up short (spec §4.7's "attempt auxiliary
// bucket" fallback). It returns the bucket the block actually came from,
// so remainder splices go back to the right free list.
func getFromBucket(buck, global *bucket.Bucket, units uint32) (container.Block, *bucket.Bucket, error) {
	buck.Lock()
	blk, err := buck.GetObject(units)
	buck.Unlock()
	if err == nil {
		return blk, buck, nil
	}
	if buck == global {
		return container.Block{}, nil, err
	}
	global.Lock()
	blk, err = global.GetObject(units)
	global.Unlock()
	if err != nil {
		return container.Block{}, nil, err
	}
	return blk, global, nil
}

// acquireHugeBlock removes a chunk-granular free run of at least units
// chunks, splitting off and reinserting any surplus.
func (p *Pool) acquireHugeBlock(a *arena.Arena, units uint32) (zoneIdx int, chunkIdx uint32, err error) {
	class := p.classes[hugeClassID]
	global := p.globalBucket(hugeClassID)
	priv := a.SelectBucket(hugeClassID, class.unitSize, class.unitsPerBlock, true, global)

	blk, src, err := getFromBucket(priv, global, units)
	if err != nil {
		return 0, 0, err
	}

	total := uint32(blk.SizeIdx)
	zi, ci := int(blk.ZoneID), uint32(blk.ChunkID)
	if total > units {
		remIdx, ok, err := p.be.SplitChunk(zi, ci, units)
		if err != nil {
			return 0, 0, err
		}
		if ok {
			src.Lock()
			src.AddObject(container.Block{ZoneID: blk.ZoneID, ChunkID: uint16(remIdx), SizeIdx: uint16(total - units)})
			src.Unlock()
		}
	}
	return zi, ci, nil
}

// acquireRunBlock draws one free unit from class's bucket, refilling from
// the huge pool first if the class has never been used (or has run dry).
// Run allocations are single-unit only (DESIGN.md scope decision).
func (p *Pool) acquireRunBlock(a *arena.Arena, class *allocClass) (zoneIdx int, chunkIdx uint32, unitOff uint32, err error) {
	global := p.globalBucket(class.id)
	priv := a.SelectBucket(class.id, class.unitSize, class.unitsPerBlock, false, global)

	blk, src, err := getFromBucket(priv, global, 1)
	if err != nil {
		if err := p.refillRunClass(class); err != nil {
			return 0, 0, 0, err
		}
		blk, src, err = getFromBucket(priv, global, 1)
		if err != nil {
			return 0, 0, 0, err
		}
	}

	if blk.SizeIdx > 1 {
		rem := container.Block{ZoneID: blk.ZoneID, ChunkID: blk.ChunkID, BlockOff: blk.BlockOff + 1, SizeIdx: blk.SizeIdx - 1}
		src.Lock()
		src.AddObject(rem)
		src.Unlock()
	}
	return int(blk.ZoneID), uint32(blk.ChunkID), uint32(blk.BlockOff), nil
}

// refillRunClass carves one whole chunk out of the huge free pool and
// formats it as a fresh, all-free run chunk for class.
func (p *Pool) refillRunClass(class *allocClass) error {
	global := p.globalBucket(hugeClassID)
	global.Lock()
	blk, err := global.GetObject(1)
	global.Unlock()
	if err != nil {
		return perrors.New(perrors.Nomem, "pmemobj.refillRunClass", err)
	}

	zi, ci := int(blk.ZoneID), uint32(blk.ChunkID)
	if blk.SizeIdx > 1 {
		remIdx, ok, err := p.be.SplitChunk(zi, ci, 1)
		if err != nil {
			return err
		}
		if ok {
			global.Lock()
			global.AddObject(container.Block{ZoneID: blk.ZoneID, ChunkID: uint16(remIdx), SizeIdx: blk.SizeIdx - 1})
			global.Unlock()
		}
	}

	ch := p.be.ChunkHeader(zi, ci)
	ch.SetType(playout.ChunkTypeRun)
	ch.SetAux(uint16(class.id))
	ch.SetUsed(true)
	if err := p.be.FlushChunkHeader(zi, ci); err != nil {
		return err
	}

	dataOff := uint64(p.be.Zones()[zi].ChunkDataOffset(ci))
	if err := p.be.SetWord(dataOff, 0); err != nil {
		return err
	}

	buck := p.globalBucket(class.id)
	buck.Lock()
	err = buck.AddObject(container.Block{ZoneID: uint16(zi), ChunkID: uint16(ci), BlockOff: 0, SizeIdx: uint16(class.unitsPerBlock)})
	buck.Unlock()
	return err
}

func (p *Pool) setRunUnitUsed(zi int, ci uint32, unitIdx uint32, used bool) error {
	off := uint64(p.be.Zones()[zi].ChunkDataOffset(ci))
	word, err := p.be.Word(off)
	if err != nil {
		return err
	}
	if used {
		word |= 1 << unitIdx
	} else {
		word &^= 1 << unitIdx
	}
	return p.be.SetWord(off, word)
}

// Free implements pfree (spec §4.7): no-op if *destOffset is 0, otherwise
// recycles the block it names and resets the word to 0.
func (p *Pool) Free(destOffset uint64) error {
	current, err := p.be.Word(destOffset)
	if err != nil {
		return err
	}
	if current == 0 {
		return nil
	}

	a := p.arenas.ArenaFor()
	if err := a.GuardUp(playout.SlotFree, destOffset, 0); err != nil {
		return err
	}

	freedBytes, err := p.release(current)
	if err != nil {
		return err
	}

	if err := a.SetAllocPtr(destOffset, 0); err != nil {
		return err
	}
	if err := a.GuardDown(); err != nil {
		return err
	}

	atomic.AddInt64(&p.freed, int64(freedBytes))
	return nil
}

// release recycles the block whose data starts at pool offset off,
// dispatching on whether it lives in a huge (whole-chunk) or run
// (sub-chunk bitmap) chunk, and returns the number of bytes it frees.
func (p *Pool) release(off uint64) (uint64, error) {
	zi, ci, ok := p.be.ChunkForOffset(off)
	if !ok {
		return 0, perrors.New(perrors.Corrupt, "pmemobj.release", errOffsetOutsidePool)
	}
	ch := p.be.ChunkHeader(zi, ci)
	if ch.Type() == playout.ChunkTypeRun {
		return p.releaseRunUnit(zi, ci, off, ch)
	}
	return p.releaseHugeBlock(zi, ci, ch)
}

func (p *Pool) releaseHugeBlock(zi int, ci uint32, ch *playout.ChunkHeader) (uint64, error) {
	if !ch.IsUsed() {
		return 0, perrors.New(perrors.DoubleFree, "pmemobj.Free", errDoubleFree)
	}
	size := ch.SizeIdx()
	ch.SetUsed(false)
	if err := p.be.FlushChunkHeader(zi, ci); err != nil {
		return 0, err
	}

	buck := p.globalBucket(hugeClassID)
	buck.Lock()
	defer buck.Unlock()

	zones := p.be.Zones()
	nextIdx := ci + size
	if nextIdx < zones[zi].ChunkCount {
		next := p.be.ChunkHeader(zi, nextIdx)
		if !next.IsUsed() && next.Type() == playout.ChunkTypeBase {
			nextSize := next.SizeIdx()
			if err := buck.MarkAllocated(container.Block{ZoneID: uint16(zi), ChunkID: uint16(nextIdx), SizeIdx: uint16(nextSize)}); err == nil {
				if err := p.be.MergeChunks(zi, ci); err == nil {
					size += nextSize
				}
			}
		}
	}

	if err := buck.AddObject(container.Block{ZoneID: uint16(zi), ChunkID: uint16(ci), SizeIdx: uint16(size)}); err != nil {
		return 0, err
	}
	return uint64(size) * playout.ChunkSize, nil
}

func (p *Pool) releaseRunUnit(zi int, ci uint32, off uint64, ch *playout.ChunkHeader) (uint64, error) {
	class, err := p.classByID(uint8(ch.Aux()))
	if err != nil {
		return 0, err
	}

	dataOff := uint64(p.be.Zones()[zi].ChunkDataOffset(ci))
	dataStart := dataOff + runBitmapSize
	unitIdx := uint32((off - dataStart) / class.unitSize)

	word, err := p.be.Word(dataOff)
	if err != nil {
		return 0, err
	}
	if word&(1<<unitIdx) == 0 {
		return 0, perrors.New(perrors.DoubleFree, "pmemobj.Free", errDoubleFree)
	}

	if err := p.setRunUnitUsed(zi, ci, unitIdx, false); err != nil {
		return 0, err
	}

	buck := p.globalBucket(class.id)
	buck.Lock()
	err = buck.AddObject(container.Block{ZoneID: uint16(zi), ChunkID: uint16(ci), BlockOff: uint16(unitIdx), SizeIdx: 1})
	buck.Unlock()
	if err != nil {
		return 0, err
	}
	return class.unitSize, nil
}

// Direct implements pdirect: a direct slice view into the pool's mapping
// starting at offset. No persistence is implied by reading or writing
// through it (spec §4.7).
func (p *Pool) Direct(offset uint64) ([]byte, error) {
	data := p.be.Data()
	if offset == 0 || offset >= uint64(len(data)) {
		return nil, perrors.New(perrors.Einval, "pmemobj.Direct", errOffsetOutOfRange)
	}
	return data[offset:], nil
}
