package pmemobj

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pbalcer/pmemobj/internal/perrors"
	"github.com/pbalcer/pmemobj/internal/playout"
	"github.com/pbalcer/pmemobj/internal/redolog"
)

func poolPath(t *testing.T) string {
	return filepath.Join(t.TempDir(), "pool.pmem")
}

// S1: a freshly created pool opens clean and passes consistency check.
func TestCreateFreshPool(t *testing.T) {
	path := poolPath(t)

	p, err := Create(path, 16<<20)
	require.NoError(t, err)
	require.NoError(t, p.Check())
	require.NoError(t, p.Close())

	p2, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, p2.Check())
	require.NoError(t, p2.Close())
}

// S2: alloc, free, and a second alloc of the same size reuses the freed
// block (first-fit over the seeded huge bucket).
func TestMallocFreeReuse(t *testing.T) {
	p, err := Create(poolPath(t), 16<<20)
	require.NoError(t, err)
	defer p.Close()

	var dest uint64 = 1 << 20
	require.NoError(t, p.Malloc(dest, 4096))
	first, err := p.be.Word(dest)
	require.NoError(t, err)
	require.NotZero(t, first)

	require.NoError(t, p.Free(dest))
	after, err := p.be.Word(dest)
	require.NoError(t, err)
	require.Zero(t, after)

	require.NoError(t, p.Malloc(dest, 4096))
	second, err := p.be.Word(dest)
	require.NoError(t, err)
	require.Equal(t, first, second)
}

// S3: a class map range binds a size to a class; a smaller size that
// falls outside every registered range but within the widest range's
// span is rejected rather than silently promoted to huge.
func TestAllocClassRangeRouting(t *testing.T) {
	p, err := Create(poolPath(t), 16<<20)
	require.NoError(t, err)
	defer p.Close()

	require.NoError(t, p.CtlSet("heap.alloc_class.0.desc", "MINIMAL,128,64"))
	require.NoError(t, p.CtlSet("heap.alloc_class.map.range", "0,17,128"))

	var dest uint64 = 1 << 20
	require.NoError(t, p.Malloc(dest, 128))

	var dest2 uint64 = 2 << 20
	err = p.Malloc(dest2, 8)
	require.Error(t, err)
	var perr *perrors.Error
	require.True(t, errors.As(err, &perr))
	require.Equal(t, Einval, perr.Kind)
}

// S4-style: Malloc refuses a non-null destination, matching pmalloc's
// contract that the target word must start at 0.
func TestMallocRejectsNonNullDest(t *testing.T) {
	p, err := Create(poolPath(t), 16<<20)
	require.NoError(t, err)
	defer p.Close()

	var dest uint64 = 1 << 20
	require.NoError(t, p.Malloc(dest, 64))
	err = p.Malloc(dest, 64)
	require.Error(t, err)
}

// Free on an already-null destination is a no-op, and double-freeing a
// live offset directly is rejected.
func TestFreeNoopAndDoubleFree(t *testing.T) {
	p, err := Create(poolPath(t), 16<<20)
	require.NoError(t, err)
	defer p.Close()

	var dest uint64 = 1 << 20
	require.NoError(t, p.Free(dest))

	require.NoError(t, p.Malloc(dest, 64))
	live, err := p.be.Word(dest)
	require.NoError(t, err)
	require.NoError(t, p.Free(dest))

	offset, err := p.be.Word(dest)
	require.NoError(t, err)
	require.Zero(t, offset)

	_, err = p.release(live)
	var perr *perrors.Error
	require.True(t, errors.As(err, &perr))
	require.Equal(t, DoubleFree, perr.Kind)
}

// Realloc degrades to Malloc/Free at the size==0 / *dest==0 boundaries,
// and preserves content when growing into a fresh block.
func TestReallocGrowsAndPreservesContent(t *testing.T) {
	p, err := Create(poolPath(t), 16<<20)
	require.NoError(t, err)
	defer p.Close()

	var dest uint64 = 1 << 20
	require.NoError(t, p.Realloc(dest, 64))
	offset, err := p.be.Word(dest)
	require.NoError(t, err)
	require.NotZero(t, offset)

	direct, err := p.Direct(offset)
	require.NoError(t, err)
	copy(direct, []byte("hello world"))
	require.NoError(t, p.be.FlushAt(int(offset), 16))

	require.NoError(t, p.Realloc(dest, 300*1024))
	newOffset, err := p.be.Word(dest)
	require.NoError(t, err)
	require.NotEqual(t, offset, newOffset)

	grown, err := p.Direct(newOffset)
	require.NoError(t, err)
	require.Equal(t, []byte("hello world"), grown[:11])

	require.NoError(t, p.Realloc(dest, 0))
	cleared, err := p.be.Word(dest)
	require.NoError(t, err)
	require.Zero(t, cleared)
}

// Run-class allocations carve a run chunk out of the huge pool on first
// use, then serve subsequent same-class requests from that chunk's
// bitmap without consuming additional huge chunks.
func TestRunClassAllocation(t *testing.T) {
	p, err := Create(poolPath(t), 16<<20)
	require.NoError(t, err)
	defer p.Close()

	require.NoError(t, p.CtlSet("heap.alloc_class.map.range", "0,1,16"))

	var a, b uint64 = 1 << 20, 2 << 20
	require.NoError(t, p.Malloc(a, 16))
	require.NoError(t, p.Malloc(b, 16))

	offA, err := p.be.Word(a)
	require.NoError(t, err)
	offB, err := p.be.Word(b)
	require.NoError(t, err)
	require.NotEqual(t, offA, offB)

	zi, ci, ok := p.be.ChunkForOffset(offA)
	require.True(t, ok)
	zi2, ci2, ok := p.be.ChunkForOffset(offB)
	require.True(t, ok)
	require.Equal(t, zi, zi2)
	require.Equal(t, ci, ci2)

	require.NoError(t, p.Free(a))
	require.NoError(t, p.Free(b))
}

// Direct rejects a null or out-of-range offset but otherwise hands back
// a live window into the mapping.
func TestDirectBoundsChecking(t *testing.T) {
	p, err := Create(poolPath(t), 16<<20)
	require.NoError(t, err)
	defer p.Close()

	_, err = p.Direct(0)
	require.Error(t, err)

	_, err = p.Direct(1 << 40)
	require.Error(t, err)

	var dest uint64 = 1 << 20
	require.NoError(t, p.Malloc(dest, 64))
	offset, err := p.be.Word(dest)
	require.NoError(t, err)
	view, err := p.Direct(offset)
	require.NoError(t, err)
	require.NotNil(t, view)
}

// CtlGet/CtlSet round-trip stats and an unknown path surfaces an error
// rather than silently no-opping.
func TestCtlStatsRoundTrip(t *testing.T) {
	p, err := Create(poolPath(t), 16<<20)
	require.NoError(t, err)
	defer p.Close()

	v, err := p.CtlGet("stats.heap.allocated")
	require.NoError(t, err)
	require.Equal(t, "0", v)

	var dest uint64 = 1 << 20
	require.NoError(t, p.Malloc(dest, 64))

	v, err = p.CtlGet("stats.heap.allocated")
	require.NoError(t, err)
	require.NotEqual(t, "0", v)

	_, err = p.CtlGet("heap.does.not.exist")
	require.Error(t, err)
}

// debug.test_ro and debug.test_wo are one-directional siblings of
// debug.test_rw: reading the write-only leaf and writing the read-only one
// must both fail with a not-readable/not-writable error rather than
// silently succeeding or routing to the wrong callback.
func TestDebugTestLeavesAreOneDirectional(t *testing.T) {
	p, err := Create(poolPath(t), 16<<20)
	require.NoError(t, err)
	defer p.Close()

	_, err = p.CtlGet("debug.test_ro")
	require.NoError(t, err)
	require.Error(t, p.CtlSet("debug.test_ro", "not-applicable"))

	_, err = p.CtlGet("debug.test_wo")
	require.Error(t, err)
	require.NoError(t, p.CtlSet("debug.test_wo", "7"))

	v, err := p.CtlGet("debug.test_rw")
	require.NoError(t, err)
	require.Equal(t, "7", v)
}

// A crash any time before Malloc's GuardDown must leave destOffset in one
// of its two legal states: 0 (the allocation never happened) or pointing
// at a USED chunk -- never a USED chunk with nothing referencing it (spec
// Testable Property 5, scenarios S4/S5). This covers a crash before the
// redo-log transaction is even stored.
func TestCrashBeforeRedoStoreRollsBackCleanly(t *testing.T) {
	path := poolPath(t)
	p, err := Create(path, 16<<20)
	require.NoError(t, err)

	var dest uint64 = 1 << 20
	class, units, err := p.classFor(4096)
	require.NoError(t, err)

	a := p.arenas.ArenaFor()
	require.NoError(t, a.GuardUp(playout.SlotAlloc, dest, 0))

	offset, _, _, err := p.allocate(a, class, units)
	require.NoError(t, err)
	require.NoError(t, p.be.Close())

	p2, err := Open(path)
	require.NoError(t, err)
	defer p2.Close()

	got, err := p2.be.Word(dest)
	require.NoError(t, err)
	require.Zero(t, got)

	zi, ci, ok := p2.be.ChunkForOffset(offset)
	require.True(t, ok)
	require.False(t, p2.be.ChunkHeader(zi, ci).IsUsed())
}

// A crash after the redo-log transaction is durably stored but before it is
// processed -- and well before GuardDown -- must still roll back to the
// same clean state: recovery treats a still-set info slot as "the caller
// never got a result back," so it undoes the allocation even though the
// low-level redo log itself would have replayed successfully.
func TestCrashAfterRedoStoreRollsBackCleanly(t *testing.T) {
	path := poolPath(t)
	p, err := Create(path, 16<<20)
	require.NoError(t, err)

	var dest uint64 = 1 << 20
	class, units, err := p.classFor(4096)
	require.NoError(t, err)

	a := p.arenas.ArenaFor()
	require.NoError(t, a.GuardUp(playout.SlotAlloc, dest, 0))

	offset, wordOffset, mask, err := p.allocate(a, class, units)
	require.NoError(t, err)

	require.NoError(t, p.be.RedoLog(a.ID()).Store([]redolog.Entry{
		{Offset: dest, Op: redolog.OpSet, Value: offset},
		{Offset: wordOffset, Op: redolog.OpOr, Value: mask},
	}))
	require.NoError(t, p.be.Close())

	p2, err := Open(path)
	require.NoError(t, err)
	defer p2.Close()

	got, err := p2.be.Word(dest)
	require.NoError(t, err)
	require.Zero(t, got)

	zi, ci, ok := p2.be.ChunkForOffset(offset)
	require.True(t, ok)
	require.False(t, p2.be.ChunkHeader(zi, ci).IsUsed())
}

// Reopening a pool after a clean close reseeds the free-block buckets
// from the persistent chunk headers, so a prior free block is still
// available for reuse.
func TestReopenReseedsBuckets(t *testing.T) {
	path := poolPath(t)

	p, err := Create(path, 16<<20)
	require.NoError(t, err)

	var dest uint64 = 1 << 20
	require.NoError(t, p.Malloc(dest, 4096))
	offset, err := p.be.Word(dest)
	require.NoError(t, err)
	require.NoError(t, p.Free(dest))
	require.NoError(t, p.Close())

	p2, err := Open(path)
	require.NoError(t, err)
	defer p2.Close()

	var dest2 uint64 = 2 << 20
	require.NoError(t, p2.Malloc(dest2, 4096))
	reused, err := p2.be.Word(dest2)
	require.NoError(t, err)
	require.Equal(t, offset, reused)
}
