package bucket

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pbalcer/pmemobj/internal/container"
)

func TestCalcUnits(t *testing.T) {
	b := New(0, 64, 256, false)
	require.EqualValues(t, 1, b.CalcUnits(0))
	require.EqualValues(t, 1, b.CalcUnits(1))
	require.EqualValues(t, 1, b.CalcUnits(64))
	require.EqualValues(t, 2, b.CalcUnits(65))
	require.EqualValues(t, 4, b.CalcUnits(256))
}

func TestAddGetObject(t *testing.T) {
	b := New(1, 128, 256, false)
	require.True(t, b.IsEmpty())

	blk := container.Block{ZoneID: 0, ChunkID: 5, BlockOff: 0, SizeIdx: 4}
	require.NoError(t, b.AddObject(blk))
	require.Equal(t, 1, b.Len())

	got, err := b.GetObject(2)
	require.NoError(t, err)
	require.Equal(t, blk, got)
	require.True(t, b.IsEmpty())
}

func TestGetObjectNomemWhenNoFit(t *testing.T) {
	b := New(1, 128, 256, false)
	require.NoError(t, b.AddObject(container.Block{ChunkID: 1, SizeIdx: 2}))

	_, err := b.GetObject(5)
	require.Error(t, err)
}

func TestMarkAllocatedRemovesExactBlock(t *testing.T) {
	b := New(2, 256, 16, false)
	blk := container.Block{ZoneID: 1, ChunkID: 2, SizeIdx: 3}
	require.NoError(t, b.AddObject(blk))

	require.NoError(t, b.MarkAllocated(blk))
	require.True(t, b.IsEmpty())

	require.Error(t, b.MarkAllocated(blk))
}

func TestHugeBucketFlag(t *testing.T) {
	huge := New(0, 256*1024, 1, true)
	require.True(t, huge.IsHuge())

	small := New(1, 64, 256, false)
	require.False(t, small.IsHuge())
}
