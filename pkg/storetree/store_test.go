package storetree

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSeekExactHitAndMiss(t *testing.T) {
	s := NewStore()
	key := BodyKeyPrecise(1, 0)
	s.Insert(&Item{Key: key, Units: []Unit{{Width: 1, State: Allocated}}})

	item, coord, err := s.Seek(key, BiasExact)
	require.NoError(t, err)
	assert.True(t, coord.Exact)
	assert.Equal(t, key, item.Key)

	_, _, err = s.Seek(BodyKeyPrecise(1, 4096), BiasExact)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSeekMaxNotMoreThanFindsClosestOrdering(t *testing.T) {
	s := NewStore()
	s.Insert(&Item{Key: BodyKeyPrecise(1, 0), Units: []Unit{{Width: 1, State: Allocated}}})
	s.Insert(&Item{Key: BodyKeyPrecise(2, 0), Units: []Unit{{Width: 1, State: Allocated}}})

	item, coord, err := s.Seek(Key{Locality: FSRootLocality, Type: BodyType, Ordering: 2, Offset: 0}, BiasMaxNotMoreThan)
	require.NoError(t, err)
	assert.True(t, coord.Found)
	assert.Equal(t, uint64(2), item.Key.Ordering)
}

func TestSeekMaxNotMoreThanRespectsImpreciseSentinel(t *testing.T) {
	s := NewStore()
	s.Insert(&Item{Key: BodyKeyPrecise(1, 0), Units: []Unit{{Width: 1, State: Allocated}}})
	s.Insert(&Item{Key: BodyKeyPrecise(3, 0), Units: []Unit{{Width: 1, State: Allocated}}})

	item, _, err := s.Seek(BodyKeyImprecise(0), BiasMaxNotMoreThan)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), item.Key.Ordering, "OrderingMax search key matches the greatest ordering present")
}

func TestNeighbourRightAndLeft(t *testing.T) {
	s := NewStore()
	k1 := BodyKeyPrecise(1, 0)
	k2 := BodyKeyPrecise(1, 4096)
	k3 := BodyKeyPrecise(1, 8192)
	s.Insert(&Item{Key: k1, Units: []Unit{{Width: 1, State: Allocated}}})
	s.Insert(&Item{Key: k2, Units: []Unit{{Width: 1, State: Allocated}}})
	s.Insert(&Item{Key: k3, Units: []Unit{{Width: 1, State: Allocated}}})

	right, ok := s.NeighbourRight(k1)
	require.True(t, ok)
	assert.Equal(t, k2, right.Key)

	left, ok := s.NeighbourLeft(k3)
	require.True(t, ok)
	assert.Equal(t, k2, left.Key)

	_, ok = s.NeighbourRight(k3)
	assert.False(t, ok)
}

func TestInsertIsCopyIsolatedFromCaller(t *testing.T) {
	s := NewStore()
	units := []Unit{{Width: 1, State: Allocated}}
	s.Insert(&Item{Key: BodyKeyPrecise(1, 0), Units: units})

	units[0].Width = 99
	item, _, err := s.Seek(BodyKeyPrecise(1, 0), BiasExact)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), item.Units[0].Width, "store must not alias the caller's slice")
}

func TestCutRangeInvokesKillAndRemoves(t *testing.T) {
	s := NewStore()
	for _, off := range []uint64{0, 4096, 8192, 12288} {
		s.Insert(&Item{Key: BodyKeyPrecise(1, off), Units: []Unit{{Width: 1, State: Allocated}}})
	}

	var killed []uint64
	smallest, ok := s.CutRange(BodyKeyPrecise(1, 4096), BodyKeyPrecise(1, 12288), 4096, func(it *Item) {
		killed = append(killed, it.Key.Offset)
	})
	require.True(t, ok)
	assert.Equal(t, uint64(4096), smallest.Offset)
	assert.ElementsMatch(t, []uint64{4096, 8192}, killed)
	assert.Equal(t, 2, s.Len())
}

func TestCutRangeEmptyRangeReportsNotOK(t *testing.T) {
	s := NewStore()
	s.Insert(&Item{Key: BodyKeyPrecise(1, 0), Units: []Unit{{Width: 1, State: Allocated}}})

	_, ok := s.CutRange(BodyKeyPrecise(1, 4096), BodyKeyPrecise(1, 8192), 4096, nil)
	assert.False(t, ok)
}

func TestCutRangeSplitsStraddlingItem(t *testing.T) {
	s := NewStore()
	// One merged item spanning four blocks, [0, 16384).
	s.Insert(&Item{Key: BodyKeyPrecise(1, 0), Units: []Unit{
		{Start: 100, Width: 1, State: Allocated},
		{Start: 101, Width: 1, State: Allocated},
		{Start: 102, Width: 1, State: Allocated},
		{Start: 103, Width: 1, State: Allocated},
	}})

	hi := Key{Locality: FSRootLocality, Type: BodyType, Ordering: OrderingMax, Offset: ^uint64(0)}
	var killed []Unit
	smallest, ok := s.CutRange(BodyKeyPrecise(1, 8192), hi, 4096, func(it *Item) {
		killed = append(killed, it.Units...)
	})
	require.True(t, ok)
	assert.Equal(t, uint64(8192), smallest.Offset, "straddling item must be cut exactly at the range start")
	assert.Len(t, killed, 2, "only the trailing two blocks must be freed")

	remaining, coord, err := s.Seek(BodyKeyPrecise(1, 0), BiasExact)
	require.NoError(t, err)
	assert.True(t, coord.Exact)
	require.Len(t, remaining.Units, 2, "the leading two blocks must survive as a trimmed item")
	assert.Equal(t, uint64(100), remaining.Units[0].Start)
	assert.Equal(t, uint64(101), remaining.Units[1].Start)

	_, _, err = s.Seek(BodyKeyPrecise(1, 8192), BiasExact)
	assert.ErrorIs(t, err, ErrNotFound, "the cut portion must not remain addressable under its old key")
}

func TestAscendStopsAtNamespaceBoundary(t *testing.T) {
	s := NewStore()
	s.Insert(&Item{Key: BodyKeyPrecise(1, 0), Units: []Unit{{Width: 1, State: Allocated}}})
	s.Insert(&Item{Key: BodyKeyPrecise(1, 4096), Units: []Unit{{Width: 1, State: Allocated}}})
	s.Insert(&Item{Key: StatDataKey(5)})

	var seen []uint64
	s.Ascend(Key{Locality: FSRootLocality, Type: BodyType}, func(it *Item) bool {
		seen = append(seen, it.Key.Offset)
		return true
	})
	assert.Equal(t, []uint64{0, 4096}, seen)
}

func TestVersionBumpsOnMutation(t *testing.T) {
	s := NewStore()
	v0 := s.Version()
	s.Insert(&Item{Key: BodyKeyPrecise(1, 0), Units: []Unit{{Width: 1, State: Allocated}}})
	assert.Greater(t, s.Version(), v0)
}
