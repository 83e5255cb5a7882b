package playout

// InfoSlotType tags the kind of in-flight operation an info slot records
// (spec §3, §4.4).
type InfoSlotType uint8

const (
	SlotUnknown InfoSlotType = iota
	SlotAlloc
	SlotRealloc
	SlotFree
)

func (t InfoSlotType) String() string {
	switch t {
	case SlotAlloc:
		return "ALLOC"
	case SlotRealloc:
		return "REALLOC"
	case SlotFree:
		return "FREE"
	default:
		return "UNKNOWN"
	}
}

// InfoSlot is the 32-byte tagged record used for crash recovery.
//
// Layout:
//
//	[0:1)   type
//	[1:8)   reserved
//	[8:16)  dest -- pool-offset of the user-visible pointer field this
//	               operation is publishing into
//	[16:24) old  -- REALLOC only: the pre-existing value of *dest
//	[24:32) reserved
type InfoSlot [InfoSlotSize]byte

const (
	slotOffType = 0
	slotOffDest = 8
	slotOffOld  = 16
)

func (s *InfoSlot) Type() InfoSlotType   { return InfoSlotType(s[slotOffType]) }
func (s *InfoSlot) SetType(t InfoSlotType) { s[slotOffType] = byte(t) }
func (s *InfoSlot) Dest() uint64         { return order.Uint64(s[slotOffDest:]) }
func (s *InfoSlot) SetDest(v uint64)     { order.PutUint64(s[slotOffDest:], v) }
func (s *InfoSlot) Old() uint64          { return order.Uint64(s[slotOffOld:]) }
func (s *InfoSlot) SetOld(v uint64)      { order.PutUint64(s[slotOffOld:], v) }

// IsEmpty reports whether the slot has no in-flight operation recorded.
func (s *InfoSlot) IsEmpty() bool { return s.Type() == SlotUnknown }

// Clear zero-fills the slot (spec §4.4: "clears the info slot (zero-fill +
// persist)").
func (s *InfoSlot) Clear() {
	for i := range s {
		s[i] = 0
	}
}

// SetAlloc records an ALLOC guard.
func (s *InfoSlot) SetAlloc(dest uint64) {
	s.Clear()
	s.SetType(SlotAlloc)
	s.SetDest(dest)
}

// SetRealloc records a REALLOC guard.
func (s *InfoSlot) SetRealloc(dest, old uint64) {
	s.Clear()
	s.SetType(SlotRealloc)
	s.SetDest(dest)
	s.SetOld(old)
}

// SetFree records a FREE guard.
func (s *InfoSlot) SetFree(dest uint64) {
	s.Clear()
	s.SetType(SlotFree)
	s.SetDest(dest)
}
