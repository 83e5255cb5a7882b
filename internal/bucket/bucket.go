// Package bucket implements the size-class free lists from spec §4.5: a
// bucket owns one container.Container of free blocks all belonging to the
// same allocation class, and is the synchronization boundary the
// container itself does not provide.
//
// Grounded on PMDK's src/libpmemobj/bucket.c: bucket_new/bucket_calc_units/
// bucket_insert_block/bucket_get_block/bucket_lock, generalized from a
// pthread_mutex_t to a sync.Mutex and from the crit-bit tree's raw key
// packing to internal/container's Block type.
package bucket

import (
	"sync"

	"github.com/pbalcer/pmemobj/internal/container"
	"github.com/pbalcer/pmemobj/internal/perrors"
)

// Bucket is one allocation class's free-block list.
type Bucket struct {
	mu       sync.Mutex
	classID  uint8
	unitSize uint64
	unitMax  uint32
	huge     bool
	tree     *container.Container
}

// New creates an empty bucket for allocation class classID, whose unit
// size is unitSize bytes and which groups up to unitMax units into a
// single run chunk. huge marks the bucket reserved for whole-chunk
// (ChunkTypeBase) allocations, which bypass per-unit bitmaps entirely.
func New(classID uint8, unitSize uint64, unitMax uint32, huge bool) *Bucket {
	return &Bucket{
		classID:  classID,
		unitSize: unitSize,
		unitMax:  unitMax,
		huge:     huge,
		tree:     container.New(),
	}
}

// ClassID returns the allocation class id this bucket serves.
func (b *Bucket) ClassID() uint8 { return b.classID }

// UnitSize returns the size, in bytes, of one unit in this bucket's class.
func (b *Bucket) UnitSize() uint64 { return b.unitSize }

// UnitMax returns the maximum number of units a single run chunk in this
// bucket can hold.
func (b *Bucket) UnitMax() uint32 { return b.unitMax }

// IsHuge reports whether this bucket serves whole-chunk allocations.
func (b *Bucket) IsHuge() bool { return b.huge }

// CalcUnits returns the number of whole units of this bucket's unit size
// needed to satisfy a request of size bytes (bucket_calc_units:
// ((size-1)/unit_size)+1 -- rounds up, and treats size==0 as one unit).
func (b *Bucket) CalcUnits(size uint64) uint32 {
	if size == 0 {
		size = 1
	}
	return uint32((size-1)/b.unitSize) + 1
}

// Lock acquires the bucket's lock. Callers hold it across a GetObject/
// AddObject/MarkAllocated sequence that must be observed atomically by
// other arenas sharing this bucket (spec §4.5).
func (b *Bucket) Lock() { b.mu.Lock() }

// Unlock releases the bucket's lock.
func (b *Bucket) Unlock() { b.mu.Unlock() }

// AddObject returns a free block to the bucket, making it available to a
// future GetObject. Used both by pfree and to seed a bucket with the
// initial free run produced when a chunk is formatted or split.
func (b *Bucket) AddObject(blk container.Block) error {
	if err := b.tree.Insert(blk); err != nil {
		return perrors.Wrap(perrors.Einval, "bucket.AddObject", err)
	}
	return nil
}

// GetObject removes and returns the best-fit free block of at least
// unitsNeeded units -- the smallest such block, breaking ties by lowest
// address (spec §4.1, §8.6) -- or perrors.Nomem if none exists.
func (b *Bucket) GetObject(unitsNeeded uint32) (container.Block, error) {
	blk, err := b.tree.RemoveBestFit(uint16(unitsNeeded))
	if err != nil {
		return container.Block{}, perrors.New(perrors.Nomem, "bucket.GetObject", err)
	}
	return blk, nil
}

// MarkAllocated removes a specific, already-located block from the free
// list without searching, e.g. when a caller has independently identified
// a block (via a neighbor lookup during coalescing) and needs it taken out
// of circulation before splicing in its replacement pieces.
func (b *Bucket) MarkAllocated(blk container.Block) error {
	if err := b.tree.RemoveExact(blk); err != nil {
		return perrors.Wrap(perrors.Einval, "bucket.MarkAllocated", err)
	}
	return nil
}

// IsEmpty reports whether the bucket currently holds no free blocks.
func (b *Bucket) IsEmpty() bool { return b.tree.IsEmpty() }

// Len returns the number of free blocks currently tracked.
func (b *Bucket) Len() int { return b.tree.Len() }
