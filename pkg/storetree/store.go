package storetree

import (
	"sync"

	"github.com/google/btree"
	"github.com/pkg/errors"
)

// SearchBias resolves the Open Question about the two stripe-key builders:
// every caller states explicitly whether it wants the precise item at Key
// or, when Key's ordering is the OrderingMax sentinel, the item with the
// largest ordering not exceeding it.
type SearchBias int

const (
	// BiasExact requires the stored key to equal the search key exactly.
	BiasExact SearchBias = iota
	// BiasMaxNotMoreThan implements FIND_MAX_NOT_MORE_THAN: among items
	// with the search key's Locality and Type, return the one with the
	// greatest Offset <= the search key's Offset, breaking ties by the
	// greatest Ordering <= the search key's Ordering (OrderingMax matches
	// anything).
	BiasMaxNotMoreThan
)

// ErrNotFound is returned by Seek when no item satisfies the search.
var ErrNotFound = errors.New("storetree: key not found")

// entry is the btree element: items are ordered by Key.
type entry struct {
	item *Item
}

func (e entry) Less(than btree.Item) bool {
	return e.item.Key.Less(than.(entry).item.Key)
}

// Version is a monotonically increasing counter bumped on every mutation,
// used by Seal to detect that a node (in our case, the whole store) has
// been rewritten since a hint was cached.
type Version uint64

// Coord names a located item plus its position, standing in for the real
// tree's (node, unit-in-item) coordinate. Twig/leaf level distinction from
// the source design collapses to a single level here since the backing
// store has no node hierarchy to speak of.
type Coord struct {
	Key     Key
	Found   bool
	Exact   bool
	Version Version
}

// Store is the in-memory, btree-backed stand-in for the metadata tree.
// Safe for concurrent use; callers needing the exclusive-longterm-lock
// discipline described in spec section 5 should serialize mutations
// themselves (the production tree would hold per-node locks, which this
// stub has no nodes to model).
type Store struct {
	mu      sync.RWMutex
	tree    *btree.BTree
	version Version
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{tree: btree.New(32)}
}

// Version returns the current mutation version, for seal construction.
func (s *Store) Version() Version {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

// Seek performs coord_by_key: search for key under the given bias. For
// BiasMaxNotMoreThan it returns the item with the greatest Offset <=
// key.Offset within key's (locality,type), and among those the one with
// greatest Ordering <= key.Ordering.
func (s *Store) Seek(key Key, bias SearchBias) (*Item, Coord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	switch bias {
	case BiasExact:
		found, ok := s.tree.Get(entry{item: &Item{Key: key}})
		if !ok {
			return nil, Coord{Key: key, Version: s.version}, ErrNotFound
		}
		it := found.(entry).item
		return it, Coord{Key: it.Key, Found: true, Exact: true, Version: s.version}, nil

	case BiasMaxNotMoreThan:
		var best *Item
		s.tree.Ascend(func(i btree.Item) bool {
			it := i.(entry).item
			if it.Key.Locality != key.Locality || it.Key.Type != key.Type {
				return true
			}
			if it.Key.Offset > key.Offset {
				return true
			}
			if key.Ordering != OrderingMax && it.Key.Ordering > key.Ordering {
				return true
			}
			if best == nil || it.Key.Offset > best.Key.Offset ||
				(it.Key.Offset == best.Key.Offset && it.Key.Ordering > best.Key.Ordering) {
				best = it
			}
			return true
		})
		if best == nil {
			return nil, Coord{Key: key, Version: s.version}, ErrNotFound
		}
		return best, Coord{Key: best.Key, Found: true, Exact: best.Key.Offset == key.Offset, Version: s.version}, nil
	}
	return nil, Coord{}, errors.Errorf("storetree: unknown bias %d", bias)
}

// NeighbourRight returns the item immediately following key in key order
// within the same (locality,type) namespace, implementing goto_right_neighbor
// at the item granularity this stub models.
func (s *Store) NeighbourRight(key Key) (*Item, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var next *Item
	s.tree.AscendGreaterOrEqual(entry{item: &Item{Key: key}}, func(i btree.Item) bool {
		it := i.(entry).item
		if it.Key.Equal(key) {
			return true
		}
		next = it
		return false
	})
	if next == nil {
		return nil, false
	}
	return next, true
}

// NeighbourLeft returns the item immediately preceding key in key order.
func (s *Store) NeighbourLeft(key Key) (*Item, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var prev *Item
	s.tree.DescendLessOrEqual(entry{item: &Item{Key: key}}, func(i btree.Item) bool {
		it := i.(entry).item
		if it.Key.Equal(key) {
			return true
		}
		prev = it
		return false
	})
	if prev == nil {
		return nil, false
	}
	return prev, true
}

// Insert places item, overwriting any item with the same key, and bumps the
// version.
func (s *Store) Insert(item *Item) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *item
	cp.Units = append([]Unit(nil), item.Units...)
	s.tree.ReplaceOrInsert(entry{item: &cp})
	s.version++
}

// Delete removes the item at key, if present.
func (s *Store) Delete(key Key) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tree.Delete(entry{item: &Item{Key: key}})
	s.version++
}

// CutRange deletes every byte-range in [lo.Offset, hi.Offset) within the
// same (locality,type) namespace as lo, invoking kill for the portion of
// each overlapping item that falls inside the range so callers can free
// backing blocks (the per-item kill hooks §4.5 truncate relies on). An
// item that only partially overlaps the range is split at the boundary
// with Item.Split and its surviving remainder is reinserted, rather than
// being skipped or deleted whole — this is what lets Truncate cut a
// straddling extent at new_size instead of leaving it untouched. Ordering
// (owning brick id) is deliberately ignored for the range bounds: items
// are keyed primarily by Ordering in tree order (I3), so a plain
// AscendRange over the full key would miss items whose concrete brick id
// sorts below an imprecise OrderingMax bound — this walks the whole
// namespace and filters on Offset directly instead, the same way Seek's
// BiasMaxNotMoreThan does. Returns the smallest offset actually removed,
// or ok=false if nothing in range existed.
func (s *Store) CutRange(lo, hi Key, blockSize uint64, kill func(*Item)) (smallest Key, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var overlapping []*Item
	s.tree.Ascend(func(i btree.Item) bool {
		it := i.(entry).item
		if it.Key.Locality != lo.Locality || it.Key.Type != lo.Type {
			return true
		}
		off1, off2 := it.KeyRange(blockSize)
		if off2 > lo.Offset && off1 < hi.Offset {
			overlapping = append(overlapping, it)
		}
		return true
	})

	for _, it := range overlapping {
		off1, off2 := it.KeyRange(blockSize)
		cur := it
		var keepLeft, keepRight *Item

		if off1 < lo.Offset {
			keepLeft, cur = cur.Split(lo.Offset, blockSize)
		}
		if off2 > hi.Offset {
			cur, keepRight = cur.Split(hi.Offset, blockSize)
		}

		if kill != nil {
			kill(cur)
		}
		s.tree.Delete(entry{item: it})
		if keepLeft != nil {
			s.tree.ReplaceOrInsert(entry{item: keepLeft})
		}
		if keepRight != nil {
			s.tree.ReplaceOrInsert(entry{item: keepRight})
		}

		removedOff := cur.Key.Offset
		if !ok || removedOff < smallest.Offset {
			smallest = cur.Key
			ok = true
		}
	}
	if ok {
		s.version++
	}
	return
}

// Ascend visits every item in key order starting at from, within the same
// (locality, type) namespace, until visit returns false.
func (s *Store) Ascend(from Key, visit func(*Item) bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	s.tree.AscendGreaterOrEqual(entry{item: &Item{Key: from}}, func(i btree.Item) bool {
		it := i.(entry).item
		if it.Key.Locality != from.Locality || it.Key.Type != from.Type {
			return false
		}
		return visit(it)
	})
}

// Len reports the number of items currently stored.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tree.Len()
}
