package container

import (
	"math/rand"
	"sort"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestInsertFindExactRemoveExact(t *testing.T) {
	c := New()
	require.True(t, c.IsEmpty())

	b1 := Block{ZoneID: 0, ChunkID: 1, BlockOff: 0, SizeIdx: 4}
	b2 := Block{ZoneID: 0, ChunkID: 2, BlockOff: 0, SizeIdx: 8}

	require.NoError(t, c.Insert(b1))
	require.NoError(t, c.Insert(b2))
	require.Equal(t, 2, c.Len())

	require.True(t, c.FindExact(b1))
	require.True(t, c.FindExact(b2))
	require.False(t, c.FindExact(Block{ZoneID: 9, ChunkID: 9, SizeIdx: 9}))

	require.ErrorIs(t, c.Insert(b1), ErrExists)

	require.NoError(t, c.RemoveExact(b1))
	require.False(t, c.FindExact(b1))
	require.Equal(t, 1, c.Len())

	require.ErrorIs(t, c.RemoveExact(b1), ErrNotFound)
}

func TestRemoveBestFitPicksSmallestSizeThenLowestAddress(t *testing.T) {
	c := New()
	require.NoError(t, c.Insert(Block{ZoneID: 0, ChunkID: 5, SizeIdx: 10}))
	require.NoError(t, c.Insert(Block{ZoneID: 0, ChunkID: 2, SizeIdx: 10})) // same size, lower chunk id
	require.NoError(t, c.Insert(Block{ZoneID: 0, ChunkID: 1, SizeIdx: 20}))
	require.NoError(t, c.Insert(Block{ZoneID: 0, ChunkID: 1, SizeIdx: 4}))

	got, err := c.RemoveBestFit(8)
	require.NoError(t, err)
	require.EqualValues(t, 10, got.SizeIdx)
	require.EqualValues(t, 2, got.ChunkID, "must pick the lowest address among equal-size candidates")

	got, err = c.RemoveBestFit(8)
	require.NoError(t, err)
	require.EqualValues(t, 10, got.SizeIdx)
	require.EqualValues(t, 5, got.ChunkID)

	got, err = c.RemoveBestFit(15)
	require.NoError(t, err)
	require.EqualValues(t, 20, got.SizeIdx)

	_, err = c.RemoveBestFit(1)
	require.NoError(t, err) // the size-4 block remains
}

func TestRemoveBestFitNoMatch(t *testing.T) {
	c := New()
	require.NoError(t, c.Insert(Block{ZoneID: 0, ChunkID: 1, SizeIdx: 4}))
	_, err := c.RemoveBestFit(5)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestRemoveBestFitRandomized(t *testing.T) {
	rng := rand.New(rand.NewSource(1))

	for trial := 0; trial < 50; trial++ {
		c := New()
		type entry struct {
			size uint16
			key  uint64
			b    Block
		}
		var entries []entry
		seen := map[uint64]bool{}

		n := 1 + rng.Intn(200)
		for len(entries) < n {
			b := Block{
				ZoneID:   uint16(rng.Intn(4)),
				ChunkID:  uint16(rng.Intn(30)),
				BlockOff: 0,
				SizeIdx:  uint16(1 + rng.Intn(50)),
			}
			key := packedKey(b)
			if seen[key] {
				continue
			}
			seen[key] = true
			entries = append(entries, entry{size: b.SizeIdx, key: key, b: b})
			require.NoError(t, c.Insert(b))
		}

		for i := 0; i < 5 && len(entries) > 0; i++ {
			requested := uint16(1 + rng.Intn(55))

			sort.Slice(entries, func(i, j int) bool { return entries[i].key < entries[j].key })

			wantIdx := -1
			for idx, e := range entries {
				if e.size >= requested {
					wantIdx = idx
					break
				}
			}

			got, err := c.RemoveBestFit(requested)
			if wantIdx == -1 {
				require.ErrorIs(t, err, ErrNotFound)
				continue
			}
			require.NoError(t, err)
			require.Equal(t, entries[wantIdx].b, got)

			entries = append(entries[:wantIdx], entries[wantIdx+1:]...)
		}
	}
}

func TestClear(t *testing.T) {
	c := New()
	require.NoError(t, c.Insert(Block{ChunkID: 1, SizeIdx: 1}))
	require.NoError(t, c.Insert(Block{ChunkID: 2, SizeIdx: 2}))
	c.Clear()
	require.True(t, c.IsEmpty())
	require.Equal(t, 0, c.Len())
}
