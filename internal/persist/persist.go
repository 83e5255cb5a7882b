// Package persist wraps the "flush + fence" operation the rest of pmemobj
// needs every time it writes something that must survive a crash before a
// dependent write proceeds (spec Design Notes: "wrap flush+fence as an
// explicit PersistRegion scope-bound operation").
//
// bar/put.go called unix.Msync/unix.Fdatasync/unix.SyncFileRange directly
// at each call site; this package centralizes that so every persistence
// path in pmemobj is auditable from one place.
package persist

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// Region is a memory-mapped byte range backing a pool. All persistence in
// pmemobj flows through a Region.
type Region struct {
	data []byte
}

// NewRegion wraps an already-mapped byte slice.
func NewRegion(data []byte) *Region {
	return &Region{data: data}
}

// Bytes returns the underlying mapped slice.
func (r *Region) Bytes() []byte { return r.data }

// Base returns a pointer to the first byte of the region.
func (r *Region) Base() unsafe.Pointer {
	if len(r.data) == 0 {
		return nil
	}
	return unsafe.Pointer(&r.data[0])
}

// Flush persists the entire region: equivalent to a full msync(MS_SYNC).
// Use FlushRange in hot paths; Flush exists for header/close paths where
// the extra work is immaterial.
func (r *Region) Flush() error {
	if len(r.data) == 0 {
		return nil
	}
	return unix.Msync(r.data, unix.MS_SYNC)
}

// FlushRange persists data[offset:offset+length], rounded out to whole
// pages since msync only operates at page granularity.
func (r *Region) FlushRange(offset, length int) error {
	if length <= 0 {
		return nil
	}
	pageSize := unix.Getpagesize()
	start := (offset / pageSize) * pageSize
	end := offset + length
	if end > len(r.data) {
		end = len(r.data)
	}
	if start >= end {
		return nil
	}
	return unix.Msync(r.data[start:end], unix.MS_SYNC)
}

// FlushPointer persists the bytes backing a value at ptr, given its size in
// bytes. ptr must point inside the region.
func (r *Region) FlushPointer(ptr unsafe.Pointer, size uintptr) error {
	base := uintptr(r.Base())
	off := int(uintptr(ptr) - base)
	return r.FlushRange(off, int(size))
}

// Drain is a no-op placeholder for the CPU-side store fence PMem code
// issues after a non-temporal copy and before the matching msync. On a
// regular mmap'd file (as opposed to a DAX-mapped persistent memory
// device) the msync call itself is the durability barrier, so Drain exists
// only so call sites read the same way the spec's guard protocol expects
// ("persisted, then drained") and so a future DAX-backed Region can hook a
// real sfence in without changing call sites.
func (r *Region) Drain() {}
