// Package redolog implements the fixed-capacity persistent redo log from
// spec §4.2: a small, self-contained transaction log that records the
// handful of stores a pmalloc/pfree/prealloc operation must make durable
// before it is safe to publish the operation's result, so a crash between
// "store" and "publish" can be rolled forward on the next open instead of
// leaving the heap in a half-updated state.
//
// The entry encoding -- a finish flag in the low bit, a 2-bit operation
// type above it, and the target offset in the remaining high bits --
// mirrors PMDK's src/libpmemobj/redo.c (REDO_FINISH_FLAG,
// REDO_OPERATION/REDO_OPERATION_MASK) exactly, including the
// store/check/process/recover split. Each arena owns one fixed 2-entry log
// (internal/playout.RedoLogCapacity); pmemobj never needs more than two
// pending stores for a single allocator operation (publish the pool
// offset, rewrite the chunk header), so there is no log-extension chain.
package redolog

import (
	"encoding/binary"
	"errors"
	"hash/crc32"

	"github.com/pbalcer/pmemobj/internal/perrors"
	"github.com/pbalcer/pmemobj/internal/persist"
	"github.com/pbalcer/pmemobj/internal/playout"
)

var binaryOrder = binary.LittleEndian

var (
	errEmptyStore       = errors.New("redolog: Store called with no entries")
	errTooManyEntries   = errors.New("redolog: too many entries for log capacity")
	errTornFinishFlags  = errors.New("redolog: more than one finish flag set")
	errChecksumMismatch = errors.New("redolog: checksum mismatch")
	errOffsetOutOfRange = errors.New("redolog: entry offset out of range")
	errUnknownOp        = errors.New("redolog: unknown operation tag")
)

// Op is the operation a redo entry applies to its target word on replay.
type Op uint8

const (
	// OpSet overwrites the target word with Value.
	OpSet Op = iota
	// OpAnd applies Value as a bitwise AND mask.
	OpAnd
	// OpOr applies Value as a bitwise OR mask.
	OpOr
)

func (o Op) String() string {
	switch o {
	case OpSet:
		return "set"
	case OpAnd:
		return "and"
	case OpOr:
		return "or"
	default:
		return "unknown"
	}
}

const (
	finishFlag    uint64 = 1 << 0
	opShift               = 1
	opBits        uint64 = 0x3
	opMask        uint64 = opBits << opShift
	offsetMask    uint64 = ^(finishFlag | opMask)
)

// Entry is a single pending store: apply Op to the pmem word at Offset
// (relative to the pool's base address) using Value.
type Entry struct {
	Offset uint64
	Op     Op
	Value  uint64
}

func packTag(offset uint64, op Op, last bool) uint64 {
	tag := (offset &^ (finishFlag | opMask)) | (uint64(op) << opShift)
	if last {
		tag |= finishFlag
	}
	return tag
}

func isLast(tag uint64) bool  { return tag&finishFlag != 0 }
func opOf(tag uint64) Op      { return Op((tag & opMask) >> opShift) }
func offsetOf(tag uint64) uint64 { return tag & offsetMask }

// on-media layout of one arena's redo log area
// (internal/playout.RedoLogAreaSize bytes):
//
//	[0:8)   checksum
//	[8:16)  reserved
//	[16:32) entry 0 (tag uint64, value uint64)
//	[32:48) entry 1 (tag uint64, value uint64)
const (
	hdrOffChecksum = 0
	hdrOffReserved = 8
	entriesOffset  = playout.RedoLogHeaderSize
)

func entryOffset(i int) int { return entriesOffset + i*playout.RedoEntrySize }

// Log is a view over one arena's fixed-capacity redo log area within pool,
// the Region covering the whole pool mapping. Every flush this log or its
// applied entries perform goes through pool's page-rounding FlushRange, at
// absolute pool offsets, since msync requires page-aligned addresses and
// the log's own area is rarely page-aligned itself.
type Log struct {
	pool   *persist.Region
	offset int
	data   []byte
}

// New returns the redo log occupying pool[offset : offset+RedoLogAreaSize],
// at playout.RedoLogTableOffset + id*playout.RedoLogAreaSize for arena id.
func New(pool *persist.Region, offset int) *Log {
	data := pool.Bytes()[offset : offset+playout.RedoLogAreaSize]
	return &Log{pool: pool, offset: offset, data: data}
}

func (l *Log) checksum() uint32 {
	return binaryOrder.Uint32(l.data[hdrOffChecksum:])
}

func (l *Log) setChecksum(v uint32) {
	binaryOrder.PutUint32(l.data[hdrOffChecksum:], v)
}

func (l *Log) tag(i int) uint64 {
	return binaryOrder.Uint64(l.data[entryOffset(i):])
}

func (l *Log) setTag(i int, v uint64) {
	binaryOrder.PutUint64(l.data[entryOffset(i):], v)
}

func (l *Log) value(i int) uint64 {
	return binaryOrder.Uint64(l.data[entryOffset(i)+8:])
}

func (l *Log) setValue(i int, v uint64) {
	binaryOrder.PutUint64(l.data[entryOffset(i)+8:], v)
}

// computeChecksum covers the entries actually in use (up to n), mirroring
// redo_log_store's util_checksum over "sizeof(header) + n*sizeof(entry)".
func (l *Log) computeChecksum(n int) uint32 {
	end := entriesOffset + n*playout.RedoEntrySize
	buf := make([]byte, 0, end)
	buf = append(buf, l.data[hdrOffReserved:entriesOffset]...)
	buf = append(buf, l.data[entriesOffset:end]...)
	return crc32.ChecksumIEEE(buf)
}

// Store durably records entries (at most playout.RedoLogCapacity of them)
// as pending, marking the last one with the finish flag. After Store
// returns, a crash before Process completes will be rolled forward by
// Recover on the next open; Store itself performs no modification of the
// target words.
func (l *Log) Store(entries []Entry) error {
	if len(entries) == 0 {
		return perrors.New(perrors.Einval, "redolog.Store", errEmptyStore)
	}
	if len(entries) > playout.RedoLogCapacity {
		return perrors.New(perrors.Einval, "redolog.Store", errTooManyEntries)
	}

	for i, e := range entries {
		l.setTag(i, packTag(e.Offset, e.Op, i == len(entries)-1))
		l.setValue(i, e.Value)
	}
	for i := len(entries); i < playout.RedoLogCapacity; i++ {
		l.setTag(i, 0)
		l.setValue(i, 0)
	}
	l.setChecksum(l.computeChecksum(len(entries)))

	if err := l.pool.FlushRange(l.offset, playout.RedoLogAreaSize); err != nil {
		return perrors.Wrap(perrors.IO, "redolog.Store", err)
	}
	return nil
}

// nentries returns the number of live entries (ending at the first finish
// flag) and whether exactly one finish flag was found, following
// redo_log_nflags: more than one finish flag among the fixed two slots
// means a torn, unrecoverable write.
func (l *Log) nentries() (n int, flags int) {
	for i := 0; i < playout.RedoLogCapacity; i++ {
		tag := l.tag(i)
		if isLast(tag) {
			flags++
			if flags == 1 {
				n = i + 1
			}
		}
	}
	return n, flags
}

// Check validates that the log's entries are internally consistent: at
// most one finish flag, and (if present) a checksum that matches the
// entries it covers.
func (l *Log) Check() error {
	n, flags := l.nentries()
	if flags > 1 {
		return perrors.New(perrors.Corrupt, "redolog.Check", errTornFinishFlags)
	}
	if flags == 1 && l.checksum() != l.computeChecksum(n) {
		return perrors.New(perrors.Corrupt, "redolog.Check", errChecksumMismatch)
	}
	return nil
}

// applyEntry mutates the pmem word at l.pool[offsetOf(tag):] and flushes it
// through the pool's own page-rounding FlushRange, mirroring
// redo_log_entry_apply. msync requires a page-aligned address, so the
// flush must go through the owning Region at an absolute pool offset
// rather than a Region built over an arbitrary, unaligned sub-slice.
func (l *Log) applyEntry(tag, value uint64) error {
	base := l.pool.Bytes()
	off := offsetOf(tag)
	if off+8 > uint64(len(base)) {
		return perrors.New(perrors.Corrupt, "redolog.apply", errOffsetOutOfRange)
	}
	word := binaryOrder.Uint64(base[off:])
	switch opOf(tag) {
	case OpSet:
		word = value
	case OpAnd:
		word &= value
	case OpOr:
		word |= value
	default:
		return perrors.New(perrors.Corrupt, "redolog.apply", errUnknownOp)
	}
	binaryOrder.PutUint64(base[off:], word)
	return l.pool.FlushRange(int(off), 8)
}

// Process applies every pending entry to the pool, in order, flushing each
// word as it is written, then clears the finish flag on the last entry so
// the log reads as empty. Process assumes Check has already passed.
func (l *Log) Process() error {
	n, flags := l.nentries()
	if flags != 1 {
		return nil
	}
	for i := 0; i < n; i++ {
		if err := l.applyEntry(l.tag(i), l.value(i)); err != nil {
			return perrors.Wrap(perrors.IO, "redolog.Process", err)
		}
	}
	l.setTag(n-1, 0)
	if err := l.pool.FlushRange(l.offset+entryOffset(n-1), 8); err != nil {
		return perrors.Wrap(perrors.IO, "redolog.Process", err)
	}
	return nil
}

// Recover is called when reopening a pool: if the log holds a consistent
// pending operation (exactly one finish flag, checksum intact) it is
// replayed and cleared; a log that fails Check (torn finish flags or a
// checksum mismatch) is discarded via Reset without being applied, and an
// empty log is left untouched -- in both cases no operation was committed.
func (l *Log) Recover() error {
	if err := l.Check(); err != nil {
		return l.Reset()
	}
	return l.Process()
}

// Reset clears the log unconditionally, discarding any pending entries
// without applying them. Recover uses it to drop a log that fails Check.
func (l *Log) Reset() error {
	for i := 0; i < playout.RedoLogCapacity; i++ {
		l.setTag(i, 0)
		l.setValue(i, 0)
	}
	l.setChecksum(0)
	return l.pool.FlushRange(l.offset, playout.RedoLogAreaSize)
}

// IsEmpty reports whether the log currently holds no pending entries, i.e.
// no entry carries the finish flag.
func (l *Log) IsEmpty() bool {
	_, flags := l.nentries()
	return flags == 0
}
