package storetree

// UnitState classifies one (start,width) unit within an extent item, per
// the on-disk extent item format of spec section 6.
type UnitState uint8

const (
	// Allocated means the unit names real, already-placed blocks.
	Allocated UnitState = iota
	// Unallocated means the unit is dirty and pending allocation at flush
	// time; Start is meaningless until then.
	Unallocated
	// Hole units are never represented in the striped regime: a gap in
	// offsets simply carries no item. The state exists so callers of
	// Item.MergeRight share one vocabulary with the on-disk format even though
	// the striped engine never emits it.
	Hole
)

// UnallocatedSentinel is the on-disk start-block value (0xFFFFFFFFFFFFFFFE)
// that denotes an Unallocated unit, per spec section 6.
const UnallocatedSentinel uint64 = 0xFFFFFFFFFFFFFFFE

// Unit is one (start, width) pointer, in units of blocks.
type Unit struct {
	Start uint64
	Width uint64
	State UnitState
}

// Item is a single extent item: a dense run of Units that all live on the
// brick named by Key.Ordering (invariant I3).
type Item struct {
	Key   Key
	Units []Unit
}

// byteLen returns the logical byte range width this item covers, assuming
// the caller supplies the block size (the tree layer is block-size
// agnostic).
func (it *Item) byteLen(blockSize uint64) uint64 {
	var blocks uint64
	for _, u := range it.Units {
		blocks += u.Width
	}
	return blocks * blockSize
}

// KeyRange returns [off1, off2) covered by this item for the given block
// size, matching the range the rebalance walk decodes per item (§4.6 step 1).
func (it *Item) KeyRange(blockSize uint64) (off1, off2 uint64) {
	off1 = it.Key.Offset
	off2 = off1 + it.byteLen(blockSize)
	return
}

// MergeRight appends other's units onto it if they are contiguous: same key
// ordering, and other's starting offset is exactly its end offset, and the
// adjoining units are both Allocated with contiguous start
// blocks (or both Unallocated, widths simply combine). This implements
// invariant I8 — the tree-insert path must merge adjacent same-brick extents.
func (it *Item) MergeRight(other *Item, blockSize uint64) bool {
	if it.Key.Ordering != other.Key.Ordering {
		return false
	}
	_, end := it.KeyRange(blockSize)
	if end != other.Key.Offset {
		return false
	}
	if len(it.Units) == 0 || len(other.Units) == 0 {
		return false
	}
	last := &it.Units[len(it.Units)-1]
	first := other.Units[0]
	if last.State != first.State {
		return false
	}
	switch last.State {
	case Allocated:
		if last.Start+last.Width != first.Start {
			return false
		}
		last.Width += first.Width
		it.Units = append(it.Units, other.Units[1:]...)
	case Unallocated:
		last.Width += first.Width
		it.Units = append(it.Units, other.Units[1:]...)
	default:
		return false
	}
	return true
}

// Split cuts the item at splitOff (a byte offset strictly inside its range)
// into a left and right item, preserving per-unit width accounting. Both
// halves keep the original key ordering; the right half's Key.Offset is
// advanced to splitOff (§4.6 step 3).
func (it *Item) Split(splitOff uint64, blockSize uint64) (left, right *Item) {
	off1, _ := it.KeyRange(blockSize)
	cut := (splitOff - off1) / blockSize

	left = &Item{Key: it.Key}
	right = &Item{Key: Key{Locality: it.Key.Locality, Type: it.Key.Type, Ordering: it.Key.Ordering, Offset: splitOff}}

	var consumed uint64
	for _, u := range it.Units {
		if consumed+u.Width <= cut {
			left.Units = append(left.Units, u)
			consumed += u.Width
			continue
		}
		if consumed >= cut {
			right.Units = append(right.Units, u)
			continue
		}
		// the unit straddles the cut point
		leftWidth := cut - consumed
		rightWidth := u.Width - leftWidth
		lu := u
		lu.Width = leftWidth
		left.Units = append(left.Units, lu)
		ru := u
		ru.Width = rightWidth
		if u.State == Allocated {
			ru.Start = u.Start + leftWidth
		}
		right.Units = append(right.Units, ru)
		consumed += u.Width
	}
	return
}

// Width returns the total block width of the item.
func (it *Item) Width() uint64 {
	var w uint64
	for _, u := range it.Units {
		w += u.Width
	}
	return w
}
