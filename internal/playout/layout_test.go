package playout

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"
)

func TestLayoutSizes(t *testing.T) {
	require.EqualValues(t, 1024, unsafe.Sizeof(PoolHeader{}))
	require.EqualValues(t, 32, unsafe.Sizeof(InfoSlot{}))
	require.EqualValues(t, 16, unsafe.Sizeof(ChunkHeader{}))
	require.EqualValues(t, 32*1024, InfoSlotTableSize)
	require.EqualValues(t, 48, RedoLogAreaSize)
	require.EqualValues(t, 81*1024, FirstZoneOffset)
}

func TestPoolHeaderChecksumAndMagic(t *testing.T) {
	var h PoolHeader
	h.SetMagic(PoolMagic)
	h.SetState(StateOpen)
	h.SetMajor(MajorVersion)
	h.SetMinor(MinorVersion)
	h.SetPoolSize(64 << 20)
	h.SetChunkSize(ChunkSize)
	h.SetChunksPerZone(MaxChunksPerZone)
	h.UpdateChecksum()

	require.True(t, h.Valid())

	// flipping any byte before the checksum must invalidate it
	h[40] ^= 0xFF
	require.False(t, h.VerifyChecksum())
}

func TestInfoSlotRoundTrip(t *testing.T) {
	var s InfoSlot
	require.True(t, s.IsEmpty())

	s.SetAlloc(128)
	require.Equal(t, SlotAlloc, s.Type())
	require.EqualValues(t, 128, s.Dest())

	s.SetRealloc(256, 512)
	require.Equal(t, SlotRealloc, s.Type())
	require.EqualValues(t, 256, s.Dest())
	require.EqualValues(t, 512, s.Old())

	s.Clear()
	require.True(t, s.IsEmpty())
}

func TestChunkHeaderInit(t *testing.T) {
	var c ChunkHeader
	c.Init(ChunkTypeRun, 1)
	require.True(t, c.VerifyMagic())
	require.False(t, c.IsUsed())

	c.SetUsed(true)
	require.True(t, c.IsUsed())
	require.EqualValues(t, 1, c.SizeIdx())
}

func TestPlanZonesSingleFullZone(t *testing.T) {
	zones := PlanZones(FirstZoneOffset + ZoneGeometry{ChunkCount: MaxChunksPerZone}.Size())
	require.Len(t, zones, 1)
	require.EqualValues(t, MaxChunksPerZone, zones[0].ChunkCount)
}

func TestPlanZonesTrailingShortZone(t *testing.T) {
	full := ZoneGeometry{ChunkCount: MaxChunksPerZone}.Size()
	trailingChunks := int64(40)
	trailingSize := ZoneHeaderSize + trailingChunks*(ChunkHeaderSize+ChunkSize)
	poolSize := FirstZoneOffset + full + trailingSize

	zones := PlanZones(poolSize)
	require.Len(t, zones, 2)
	require.EqualValues(t, MaxChunksPerZone, zones[0].ChunkCount)
	require.EqualValues(t, trailingChunks, zones[1].ChunkCount)
}

func TestPlanZonesRejectsTooShortTrailingZone(t *testing.T) {
	full := ZoneGeometry{ChunkCount: MaxChunksPerZone}.Size()
	tooFewChunks := int64(MinZoneChunks - 1)
	trailingSize := ZoneHeaderSize + tooFewChunks*(ChunkHeaderSize+ChunkSize)
	poolSize := FirstZoneOffset + full + trailingSize

	zones := PlanZones(poolSize)
	require.Len(t, zones, 1, "a trailing zone below MinZoneChunks must be dropped")
}
