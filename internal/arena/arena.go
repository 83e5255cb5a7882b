// Package arena implements the thread-affine allocator frontend from spec
// §4.5-§4.6: each arena holds a private set of per-class buckets and owns
// one persistent info slot used to guard in-flight allocator operations.
//
// Threads are assigned to the least-loaded arena on first use and the
// assignment is cached by OS thread id, following the lease/cache-by-id
// shape of vmware-archive-go-redis-pmem's per-thread undo-log pool
// (transaction/undo.go's pool [2]chan *undoTx keyed by a fixed lane count)
// adapted here to golang.org/x/sys/unix.Gettid() lanes capped at the
// info-slot table width, since that repo's module is not importable and
// pmemobj's affinity key is the OS thread, not a lane index handed out by
// a channel.
package arena

import (
	"encoding/binary"
	"errors"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/pbalcer/pmemobj/internal/backend"
	"github.com/pbalcer/pmemobj/internal/bucket"
	"github.com/pbalcer/pmemobj/internal/perrors"
	"github.com/pbalcer/pmemobj/internal/playout"
	"github.com/pbalcer/pmemobj/internal/redolog"
)

var order = binary.LittleEndian

var (
	errUnknownGuardKind = errors.New("arena: unknown guard kind")
	errOffsetOutOfRange = errors.New("arena: offset out of pool range")
)

// Arena is one thread-affine front end: a private bucket per allocation
// class plus the guard protocol over its persistent info slot.
type Arena struct {
	id      int
	be      *backend.Backend
	mu      sync.Mutex
	buckets map[uint8]*bucket.Bucket
}

func newArena(id int, be *backend.Backend) *Arena {
	return &Arena{id: id, be: be, buckets: make(map[uint8]*bucket.Bucket)}
}

// ID returns this arena's id, which doubles as its info-slot index.
func (a *Arena) ID() int { return a.id }

// SelectBucket returns the arena-private bucket for classID if it has
// stock, otherwise falls back to global (spec §4.6's select_bucket). The
// private bucket is created lazily on first use.
func (a *Arena) SelectBucket(classID uint8, unitSize uint64, unitMax uint32, huge bool, global *bucket.Bucket) *bucket.Bucket {
	a.mu.Lock()
	priv, ok := a.buckets[classID]
	if !ok {
		priv = bucket.New(classID, unitSize, unitMax, huge)
		a.buckets[classID] = priv
	}
	a.mu.Unlock()

	priv.Lock()
	empty := priv.IsEmpty()
	priv.Unlock()
	if !empty {
		return priv
	}
	return global
}

// PrivateBucket returns the arena's private bucket for classID, creating
// it if necessary. Used to refill a private bucket by moving stock out of
// the global bucket of the same class.
func (a *Arena) PrivateBucket(classID uint8, unitSize uint64, unitMax uint32, huge bool) *bucket.Bucket {
	a.mu.Lock()
	defer a.mu.Unlock()
	priv, ok := a.buckets[classID]
	if !ok {
		priv = bucket.New(classID, unitSize, unitMax, huge)
		a.buckets[classID] = priv
	}
	return priv
}

// GuardUp records an in-flight operation in this arena's info slot and
// persists it before any chunk-header mutation proceeds (spec §4.4 step
// 1). kind must be SlotAlloc, SlotFree or SlotRealloc.
func (a *Arena) GuardUp(kind playout.InfoSlotType, dest uint64, old uint64) error {
	slot := a.be.InfoSlot(a.id)
	switch kind {
	case playout.SlotAlloc:
		slot.SetAlloc(dest)
	case playout.SlotFree:
		slot.SetFree(dest)
	case playout.SlotRealloc:
		slot.SetRealloc(dest, old)
	default:
		return perrors.New(perrors.Einval, "arena.GuardUp", errUnknownGuardKind)
	}
	if err := a.be.FlushInfoSlot(a.id); err != nil {
		return perrors.Wrap(perrors.IO, "arena.GuardUp", err)
	}
	return nil
}

// GuardDown clears this arena's info slot and persists the clear (spec
// §4.4 step 3).
func (a *Arena) GuardDown() error {
	slot := a.be.InfoSlot(a.id)
	slot.Clear()
	if err := a.be.FlushInfoSlot(a.id); err != nil {
		return perrors.Wrap(perrors.IO, "arena.GuardDown", err)
	}
	return nil
}

// SetAllocPtr publishes value at byte offset dest within the pool mapping
// and persists it -- a single-word crash-atomic publish used when the
// redo log is unnecessary (spec §4.6's set_alloc_ptr).
func (a *Arena) SetAllocPtr(dest uint64, value uint64) error {
	data := a.be.Data()
	if dest+8 > uint64(len(data)) {
		return perrors.New(perrors.Einval, "arena.SetAllocPtr", errOffsetOutOfRange)
	}
	order.PutUint64(data[dest:], value)
	if err := a.be.FlushAt(int(dest), 8); err != nil {
		return perrors.Wrap(perrors.IO, "arena.SetAllocPtr", err)
	}
	return nil
}

// PublishAlloc atomically publishes offset at dest and ORs mask into the
// word at wordOffset (a chunk header's flags word or a run chunk's unit
// bitmap), in that order, via a single 2-entry redo-log transaction. This
// mirrors the original's alloc_from_bucket, which calls set_alloc_ptr
// before bucket_mark_allocated: publishing the pointer first is what makes
// recoverSlot's "if current != 0, roll back" rule sound, since a crash
// partway through the transaction always leaves either neither write or
// both applied, never the flag set with dest still 0.
func (a *Arena) PublishAlloc(dest, offset, wordOffset, mask uint64) error {
	entries := []redolog.Entry{
		{Offset: dest, Op: redolog.OpSet, Value: offset},
		{Offset: wordOffset, Op: redolog.OpOr, Value: mask},
	}
	if err := a.be.ApplyRedo(a.id, entries); err != nil {
		return perrors.Wrap(perrors.IO, "arena.PublishAlloc", err)
	}
	return nil
}

// Manager assigns threads to arenas and lazily constructs arenas on first
// use (spec §4.6). A thread is identified by its OS thread id
// (unix.Gettid()); assignment is to the least-loaded arena, ties broken by
// the lowest arena id.
type Manager struct {
	be        *backend.Backend
	mu        sync.Mutex
	maxArenas int
	arenas    []*Arena
	refcount  []int32
	byThread  map[int]int
}

// NewManager creates a Manager bounded by maxArenas (clamped to
// [1, playout.InfoSlotCount], the info-slot table width).
func NewManager(be *backend.Backend, maxArenas int) *Manager {
	if maxArenas <= 0 || maxArenas > playout.InfoSlotCount {
		maxArenas = playout.InfoSlotCount
	}
	return &Manager{
		be:        be,
		maxArenas: maxArenas,
		arenas:    make([]*Arena, maxArenas),
		refcount:  make([]int32, maxArenas),
		byThread:  make(map[int]int),
	}
}

// ArenaFor returns the arena assigned to the calling OS thread, assigning
// one on first call from that thread.
func (m *Manager) ArenaFor() *Arena {
	tid := unix.Gettid()

	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.byThread[tid]
	if !ok {
		id = m.leastLoadedLocked()
		m.byThread[tid] = id
		m.refcount[id]++
	}
	return m.arenaLocked(id)
}

// ReleaseThread drops the calling OS thread's arena assignment, e.g. when
// a worker goroutine that pinned itself to an OS thread is about to exit.
func (m *Manager) ReleaseThread() {
	tid := unix.Gettid()

	m.mu.Lock()
	defer m.mu.Unlock()
	if id, ok := m.byThread[tid]; ok {
		delete(m.byThread, tid)
		if m.refcount[id] > 0 {
			m.refcount[id]--
		}
	}
}

func (m *Manager) leastLoadedLocked() int {
	best := 0
	for i := 1; i < m.maxArenas; i++ {
		if m.refcount[i] < m.refcount[best] {
			best = i
		}
	}
	return best
}

func (m *Manager) arenaLocked(id int) *Arena {
	if m.arenas[id] == nil {
		m.arenas[id] = newArena(id, m.be)
	}
	return m.arenas[id]
}

// Count returns the number of arenas constructed so far.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, a := range m.arenas {
		if a != nil {
			n++
		}
	}
	return n
}
