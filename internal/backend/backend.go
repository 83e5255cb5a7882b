// Package backend owns the memory-mapped pool file: creating and opening
// it, verifying and recovering its headers, and exposing the zone/chunk
// geometry and info-slot/redo-log tables the bucket and arena layers build
// on (spec §4.3, §4.4).
//
// The open sequence -- os.OpenFile, unix.Fallocate to the target size,
// unix.Mmap the whole file, overlay fixed-layout types on the mapping with
// unsafe.Pointer -- follows bar.go's newDB exactly, just against the
// pool's zone/chunk layout instead of bar's single 4 KiB head page.
package backend

import (
	"encoding/binary"
	"errors"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/pbalcer/pmemobj/internal/perrors"
	"github.com/pbalcer/pmemobj/internal/persist"
	"github.com/pbalcer/pmemobj/internal/playout"
	"github.com/pbalcer/pmemobj/internal/plog"
	"github.com/pbalcer/pmemobj/internal/redolog"
)

var order = binary.LittleEndian

// Backend owns one pool's memory mapping.
type Backend struct {
	file   *os.File
	data   []byte
	region *persist.Region
	zones  []playout.ZoneGeometry
}

var (
	errTooSmall     = errors.New("backend: pool size below minimum")
	errAlreadyExist = errors.New("backend: pool already exists")
	errNoZones      = errors.New("backend: pool too small for even one zone")
)

// Create creates a new pool file at path with the given total size and
// formats it fresh: primary header, zone backup headers, and every chunk
// header initialized to one free ChunkTypeBase run spanning its whole
// zone.
func Create(path string, poolSize int64) (*Backend, error) {
	if poolSize < playout.MinPoolSize {
		return nil, perrors.New(perrors.Einval, "backend.Create", errTooSmall)
	}

	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		if os.IsExist(err) {
			return nil, perrors.New(perrors.Einval, "backend.Create", errAlreadyExist)
		}
		return nil, perrors.Wrap(perrors.IO, "backend.Create", err)
	}

	if err := unix.Fallocate(int(file.Fd()), 0, 0, poolSize); err != nil {
		file.Close()
		os.Remove(path)
		return nil, perrors.Wrap(perrors.IO, "backend.Create", err)
	}

	b, err := mapFile(file, poolSize)
	if err != nil {
		os.Remove(path)
		return nil, err
	}

	zones := playout.PlanZones(poolSize)
	if len(zones) == 0 {
		b.Close()
		os.Remove(path)
		return nil, perrors.New(perrors.Einval, "backend.Create", errNoZones)
	}
	b.zones = zones

	b.formatFresh(poolSize)

	plog.L.Info("backend: created pool", "path", path, "size", poolSize, "zones", len(zones))
	return b, nil
}

// Open opens an existing pool file, verifying the primary header (zone
// backup headers are only examined when the primary is invalid),
// recovering from a backup copy or a pending redo log/info slot where
// necessary (spec §4.4).
func Open(path string) (*Backend, error) {
	file, err := os.OpenFile(path, os.O_RDWR, 0644)
	if err != nil {
		return nil, perrors.Wrap(perrors.IO, "backend.Open", err)
	}

	fi, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, perrors.Wrap(perrors.IO, "backend.Open", err)
	}

	b, err := mapFile(file, fi.Size())
	if err != nil {
		return nil, err
	}

	b.zones = playout.PlanZones(fi.Size())
	if len(b.zones) == 0 {
		b.Close()
		return nil, perrors.New(perrors.Corrupt, "backend.Open", errNoZones)
	}

	if err := b.recoverHeaders(); err != nil {
		b.Close()
		return nil, err
	}

	if err := b.recoverPendingOps(); err != nil {
		b.Close()
		return nil, err
	}

	b.Header().SetState(playout.StateOpen)
	b.Header().UpdateChecksum()
	if err := b.syncBackupHeaders(); err != nil {
		b.Close()
		return nil, perrors.Wrap(perrors.IO, "backend.Open", err)
	}

	plog.L.Info("backend: opened pool", "path", path, "size", fi.Size(), "zones", len(b.zones))
	return b, nil
}

func mapFile(file *os.File, size int64) (*Backend, error) {
	data, err := unix.Mmap(int(file.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		file.Close()
		return nil, perrors.Wrap(perrors.IO, "backend.mapFile", err)
	}
	return &Backend{
		file:   file,
		data:   data,
		region: persist.NewRegion(data),
	}, nil
}

// formatFresh writes the primary header, every zone's backup header, and
// every chunk's initial free-run header.
func (b *Backend) formatFresh(poolSize int64) {
	h := b.Header()
	h.SetMagic(playout.PoolMagic)
	h.SetMajor(playout.MajorVersion)
	h.SetMinor(playout.MinorVersion)
	h.SetPoolSize(uint64(poolSize))
	h.SetChunkSize(playout.ChunkSize)
	h.SetChunksPerZone(playout.MaxChunksPerZone)
	h.SetState(playout.StateOpen)
	h.UpdateChecksum()

	for zi, z := range b.zones {
		zh := b.zoneBackupHeader(zi)
		*zh = *h
		for ci := uint32(0); ci < z.ChunkCount; ci++ {
			ch := b.chunkHeaderAt(zi, ci)
			ch.Init(playout.ChunkTypeUnused, 0)
		}
		first := b.chunkHeaderAt(zi, 0)
		first.Init(playout.ChunkTypeBase, z.ChunkCount)
	}

	b.region.Flush()
}

// recoverHeaders verifies the primary header; if it is invalid, the first
// zone whose backup header is valid is copied back over it (spec §4.4,
// "primary corrupt, backup intact" edge case). If no header anywhere is
// valid the pool is unrecoverable.
func (b *Backend) recoverHeaders() error {
	h := b.Header()
	if h.Valid() {
		return b.syncBackupHeaders()
	}

	plog.L.Warn("backend: primary header invalid, searching backups")
	for zi := range b.zones {
		zh := b.zoneBackupHeader(zi)
		if zh.Valid() {
			*h = *zh
			if err := b.region.FlushRange(0, playout.PoolHeaderSize); err != nil {
				return perrors.Wrap(perrors.IO, "backend.recoverHeaders", err)
			}
			plog.L.Info("backend: recovered primary header from zone backup", "zone", zi)
			return b.syncBackupHeaders()
		}
	}

	return perrors.New(perrors.Corrupt, "backend.recoverHeaders", errors.New("no valid header found"))
}

// syncBackupHeaders copies the (now known-good) primary header into every
// zone's backup header. Called on every state transition per DESIGN.md's
// "backup header copy timing" decision.
func (b *Backend) syncBackupHeaders() error {
	h := *b.Header()
	for zi := range b.zones {
		*b.zoneBackupHeader(zi) = h
	}
	return b.region.Flush()
}

// recoverPendingOps replays, per arena, any redo log left with a pending
// low-level header/pointer write by an unclean shutdown (the word-level
// atomicity layer of spec §4.2), then applies the slot-specific recovery
// action for any info slot still recording an in-flight guarded operation
// (spec §4.4's ALLOC/REALLOC/FREE recovery actions), and finally clears the
// slot.
func (b *Backend) recoverPendingOps() error {
	for id := 0; id < playout.InfoSlotCount; id++ {
		log := b.RedoLog(id)
		if err := log.Recover(); err != nil {
			return perrors.Wrap(perrors.Corrupt, "backend.recoverPendingOps", err)
		}

		slot := b.InfoSlot(id)
		if slot.IsEmpty() {
			continue
		}
		if err := b.recoverSlot(id, slot); err != nil {
			return err
		}
	}
	return nil
}

// recoverSlot applies the recovery action for one non-empty info slot (spec
// §4.4):
//
//	ALLOC:   if *dest is non-zero, the chunk it names was marked used but the
//	         allocation never finished publishing -- clear USED on that
//	         chunk and reset *dest to 0.
//	REALLOC: if *dest is non-zero and differs from old, a new chunk was
//	         marked used for the grown copy but the publish never
//	         completed -- clear USED on the new chunk and restore *dest to
//	         old.
//	FREE:    if *dest is non-zero, the chunk it names may have had USED
//	         cleared before the free's bookkeeping finished -- restore USED
//	         on that chunk.
//
// In every case dest is the pool offset of the *pointer field* being
// guarded, not the chunk offset itself; the chunk it currently names is
// whatever value is stored at that field.
func (b *Backend) recoverSlot(id int, slot *playout.InfoSlot) error {
	fieldOffset := slot.Dest()
	current, err := b.readWord(fieldOffset)
	if err != nil {
		return err
	}

	switch slot.Type() {
	case playout.SlotAlloc:
		if current != 0 {
			if err := b.rollbackUsedAt(current, false); err != nil {
				return err
			}
			if err := b.writeWord(fieldOffset, 0); err != nil {
				return err
			}
		}
	case playout.SlotRealloc:
		old := slot.Old()
		if current != 0 && current != old {
			if err := b.rollbackUsedAt(current, false); err != nil {
				return err
			}
			if err := b.writeWord(fieldOffset, old); err != nil {
				return err
			}
		}
	case playout.SlotFree:
		if current != 0 {
			if err := b.rollbackUsedAt(current, true); err != nil {
				return err
			}
		}
	}

	plog.L.Info("backend: recovered info slot", "arena", id, "type", slot.Type().String())
	slot.Clear()
	return b.FlushInfoSlot(id)
}

// ChunkForOffset locates the zone/chunk indices whose data area contains
// the pool offset off (spec §4.3's chunk-by-offset arithmetic).
func (b *Backend) ChunkForOffset(off uint64) (zoneIdx int, chunkIdx uint32, ok bool) {
	for zi, z := range b.zones {
		dataStart := uint64(z.ChunkDataAreaOffset())
		dataEnd := uint64(z.Offset + z.Size())
		if off < dataStart || off >= dataEnd {
			continue
		}
		return zi, uint32((off - dataStart) / playout.ChunkSize), true
	}
	return 0, 0, false
}

// rollbackUsedAt sets or clears (per used) the USED flag of the chunk whose
// data area contains pool offset off. Run chunks are excluded: once a chunk
// is carved into a bitmap of run units it stays USED for its whole life as
// a run carrier, and the bitmap bit of the unit it last published is not
// rolled back (a documented scope reduction -- see DESIGN.md's "run-class
// recovery granularity" entry).
func (b *Backend) rollbackUsedAt(off uint64, used bool) error {
	zi, ci, ok := b.ChunkForOffset(off)
	if !ok {
		return perrors.New(perrors.Corrupt, "backend.rollbackUsedAt", errors.New("info slot dest outside any chunk"))
	}
	ch := b.chunkHeaderAt(zi, ci)
	if ch.Type() == playout.ChunkTypeRun {
		return nil
	}
	ch.SetUsed(used)
	return b.FlushChunkHeader(zi, ci)
}

func (b *Backend) readWord(off uint64) (uint64, error) {
	if off+8 > uint64(len(b.data)) {
		return 0, perrors.New(perrors.Corrupt, "backend.readWord", errors.New("offset out of range"))
	}
	return order.Uint64(b.data[off:]), nil
}

func (b *Backend) writeWord(off uint64, v uint64) error {
	if off+8 > uint64(len(b.data)) {
		return perrors.New(perrors.Corrupt, "backend.writeWord", errors.New("offset out of range"))
	}
	order.PutUint64(b.data[off:], v)
	return b.region.FlushRange(int(off), 8)
}

// Word reads the uint64 stored at pool offset off.
func (b *Backend) Word(off uint64) (uint64, error) { return b.readWord(off) }

// SetWord writes and persists the uint64 v at pool offset off.
func (b *Backend) SetWord(off uint64, v uint64) error { return b.writeWord(off, v) }

// Close unmaps and closes the pool file, after marking it cleanly closed.
func (b *Backend) Close() error {
	if b.data == nil {
		return nil
	}
	h := b.Header()
	h.SetState(playout.StateClosed)
	h.UpdateChecksum()
	b.region.FlushRange(0, playout.PoolHeaderSize)
	b.syncBackupHeaders()

	err := unix.Munmap(b.data)
	b.data = nil
	closeErr := b.file.Close()
	if err != nil {
		return perrors.Wrap(perrors.IO, "backend.Close", err)
	}
	return perrors.Wrap(perrors.IO, "backend.Close", closeErr)
}

// Check walks every zone and chunk header and verifies headers and magic
// values are intact (spec §4.4's Check operation).
func (b *Backend) Check() error {
	h := b.Header()
	if !h.Valid() {
		return perrors.New(perrors.Corrupt, "backend.Check", errors.New("primary header invalid"))
	}
	for zi, z := range b.zones {
		zh := b.zoneBackupHeader(zi)
		if !zh.Valid() {
			return perrors.New(perrors.Corrupt, "backend.Check", errors.New("zone backup header invalid"))
		}
		var ci uint32
		for ci < z.ChunkCount {
			ch := b.chunkHeaderAt(zi, ci)
			if !ch.VerifyMagic() {
				return perrors.New(perrors.Corrupt, "backend.Check", errors.New("chunk header magic mismatch"))
			}
			size := ch.SizeIdx()
			if size == 0 {
				size = 1
			}
			ci += size
		}
	}
	return nil
}

// Data returns the whole mapped pool file.
func (b *Backend) Data() []byte { return b.data }

// Header returns the primary header, overlaid on the mapping.
func (b *Backend) Header() *playout.PoolHeader {
	return (*playout.PoolHeader)(unsafe.Pointer(&b.data[0]))
}

// Zones returns the pool's zone layout.
func (b *Backend) Zones() []playout.ZoneGeometry { return b.zones }

func (b *Backend) zoneBackupHeader(zoneIdx int) *playout.PoolHeader {
	off := b.zones[zoneIdx].HeaderOffset()
	return (*playout.PoolHeader)(unsafe.Pointer(&b.data[off]))
}

func (b *Backend) chunkHeaderAt(zoneIdx int, chunkIdx uint32) *playout.ChunkHeader {
	off := b.zones[zoneIdx].ChunkHeaderOffset(chunkIdx)
	return (*playout.ChunkHeader)(unsafe.Pointer(&b.data[off]))
}

// ChunkHeader returns the chunk header at (zoneIdx, chunkIdx).
func (b *Backend) ChunkHeader(zoneIdx int, chunkIdx uint32) *playout.ChunkHeader {
	return b.chunkHeaderAt(zoneIdx, chunkIdx)
}

// ChunkData returns the data area belonging to chunk chunkIdx in zone
// zoneIdx; it does not include any chunks an allocation spanning multiple
// chunks would also occupy.
func (b *Backend) ChunkData(zoneIdx int, chunkIdx uint32) []byte {
	off := b.zones[zoneIdx].ChunkDataOffset(chunkIdx)
	return b.data[off : off+playout.ChunkSize]
}

// FlushChunkHeader persists the chunk header at (zoneIdx, chunkIdx).
func (b *Backend) FlushChunkHeader(zoneIdx int, chunkIdx uint32) error {
	off := int(b.zones[zoneIdx].ChunkHeaderOffset(chunkIdx))
	return b.region.FlushRange(off, playout.ChunkHeaderSize)
}

// InfoSlot returns the info slot for arena id.
func (b *Backend) InfoSlot(id int) *playout.InfoSlot {
	off := playout.InfoSlotTableOffset + id*playout.InfoSlotSize
	return (*playout.InfoSlot)(unsafe.Pointer(&b.data[off]))
}

// FlushAt persists data[offset:offset+length] of the pool mapping. Used by
// the arena layer for single-word crash-atomic publishes (spec §4.6's
// set_alloc_ptr).
func (b *Backend) FlushAt(offset, length int) error {
	return b.region.FlushRange(offset, length)
}

// FlushInfoSlot persists the info slot for arena id.
func (b *Backend) FlushInfoSlot(id int) error {
	off := playout.InfoSlotTableOffset + id*playout.InfoSlotSize
	return b.region.FlushRange(off, playout.InfoSlotSize)
}

// RedoLog returns the redo log for arena id.
func (b *Backend) RedoLog(id int) *redolog.Log {
	off := playout.RedoLogTableOffset + id*playout.RedoLogAreaSize
	return redolog.New(b.region, off)
}

// ApplyRedo stores entries in arena id's redo log and immediately processes
// them against the pool mapping, making the whole set of writes durable as
// one unit before any of them takes effect from a crash's perspective (spec
// §4.2, §4.6's publish-then-flag-flip ordering).
func (b *Backend) ApplyRedo(id int, entries []redolog.Entry) error {
	log := b.RedoLog(id)
	if err := log.Store(entries); err != nil {
		return err
	}
	return log.Process()
}

// ChunkHeaderOffset is the absolute pool offset of the chunk header at
// (zoneIdx, chunkIdx), for callers building redo-log entries that target a
// chunk header word directly.
func (b *Backend) ChunkHeaderOffset(zoneIdx int, chunkIdx uint32) uint64 {
	return uint64(b.zones[zoneIdx].ChunkHeaderOffset(chunkIdx))
}

// SplitChunk splits the free run header at (zoneIdx, chunkIdx), which must
// span at least firstSizeIdx chunks, into a first header of exactly
// firstSizeIdx chunks and (if any chunks remain) a second free header
// covering the remainder. It returns the chunk index of the remainder
// header, or ok=false if the run was consumed exactly.
func (b *Backend) SplitChunk(zoneIdx int, chunkIdx uint32, firstSizeIdx uint32) (remainderIdx uint32, ok bool, err error) {
	ch := b.chunkHeaderAt(zoneIdx, chunkIdx)
	total := ch.SizeIdx()
	if firstSizeIdx == 0 || firstSizeIdx > total {
		return 0, false, perrors.New(perrors.Einval, "backend.SplitChunk", errors.New("invalid split size"))
	}

	ch.SetSizeIdx(firstSizeIdx)
	if err := b.FlushChunkHeader(zoneIdx, chunkIdx); err != nil {
		return 0, false, perrors.Wrap(perrors.IO, "backend.SplitChunk", err)
	}

	if firstSizeIdx == total {
		return 0, false, nil
	}

	remainderIdx = chunkIdx + firstSizeIdx
	rest := b.chunkHeaderAt(zoneIdx, remainderIdx)
	rest.Init(playout.ChunkTypeBase, total-firstSizeIdx)
	if err := b.FlushChunkHeader(zoneIdx, remainderIdx); err != nil {
		return 0, false, perrors.Wrap(perrors.IO, "backend.SplitChunk", err)
	}
	return remainderIdx, true, nil
}

// MergeChunks combines the free run header at (zoneIdx, firstIdx) with the
// immediately following free run header at (zoneIdx, firstIdx+firstSize)
// into a single free run. Both runs must currently be unused.
func (b *Backend) MergeChunks(zoneIdx int, firstIdx uint32) error {
	first := b.chunkHeaderAt(zoneIdx, firstIdx)
	if first.IsUsed() {
		return perrors.New(perrors.Einval, "backend.MergeChunks", errors.New("first run is in use"))
	}
	secondIdx := firstIdx + first.SizeIdx()
	if secondIdx >= b.zones[zoneIdx].ChunkCount {
		return perrors.New(perrors.Einval, "backend.MergeChunks", errors.New("no following chunk"))
	}
	second := b.chunkHeaderAt(zoneIdx, secondIdx)
	if second.IsUsed() {
		return perrors.New(perrors.Einval, "backend.MergeChunks", errors.New("second run is in use"))
	}

	merged := first.SizeIdx() + second.SizeIdx()
	second.Init(playout.ChunkTypeUnused, 0)
	first.SetSizeIdx(merged)

	if err := b.FlushChunkHeader(zoneIdx, secondIdx); err != nil {
		return perrors.Wrap(perrors.IO, "backend.MergeChunks", err)
	}
	if err := b.FlushChunkHeader(zoneIdx, firstIdx); err != nil {
		return perrors.Wrap(perrors.IO, "backend.MergeChunks", err)
	}
	return nil
}
