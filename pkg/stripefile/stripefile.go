// Package stripefile implements component C5: translating (inode, offset)
// pairs into extent-pointer items, and the create/extend/shorten
// operations on a striped file body. Grounded on the teacher's pkg/ext4
// extent-walking style (pkg/ext4/data.go), generalised from a single-device
// extent tree to one whose items are scattered across bricks by key
// ordering.
package stripefile

import (
	"github.com/pkg/errors"
	"github.com/vorteil/stripefs/pkg/distribution"
	"github.com/vorteil/stripefs/pkg/storetree"
	"github.com/vorteil/stripefs/pkg/volerr"
	"github.com/vorteil/stripefs/pkg/walk"
)

// BlockSize is the unit extent units are expressed in, shared with package
// volume's on-disk block size.
const BlockSize = 4096

// PageSize is the unit of write-path granularity (one VM page), matching
// walk.PageSize.
const PageSize = walk.PageSize

// Resolver supplies the distribution lookups a file body needs without
// coupling this package to package volume directly: Brick/Volume wiring is
// the caller's job, this package only needs seed + table + DSA + plugin.
type Resolver struct {
	Plugin distribution.Plugin
	Table  *distribution.Table
	DSA    distribution.DSA
	Seed   uint32
}

// File is the per-open-file context a caller (the VFS glue, out of scope)
// threads through body operations: the backing store, a cached hint for
// sequential access, and enough identity to derive keys and stripes.
type File struct {
	OID        uint64
	StripeBits uint8
	Store      *storetree.Store
	Resolver   Resolver
	hint       walk.Hint
}

// NewFile returns a file body context ready for reads and writes.
func NewFile(oid uint64, stripeBits uint8, store *storetree.Store, resolver Resolver) *File {
	return &File{OID: oid, StripeBits: stripeBits, Store: store, Resolver: resolver}
}

// buildBodyKeyStripe is build_body_key_stripe: forms the imprecise search
// key for a page-aligned offset.
func (f *File) buildBodyKeyStripe(offset uint64) storetree.Key {
	return storetree.BodyKeyImprecise(offset)
}

func (f *File) stripeKeyBytes(offset uint64) []byte {
	b := distribution.StripeKeyBytes(offset, f.StripeBits)
	return b[:]
}

// WritePage runs the write path of §4.5 for one page starting at
// pageIndex*PageSize: find or create the extent unit covering it, choosing
// a target brick, and folding it into the tree with merge-on-insert
// (invariant I8).
func (f *File) WritePage(pageIndex uint64, flags distribution.LookupFlags) error {
	offset := pageIndex * PageSize
	key := f.buildBodyKeyStripe(offset)

	item, _, err := walk.FindStripeItem(f.Store, &f.hint, key, walk.ModeWrite)
	if err != nil {
		return errors.Wrap(err, "stripefile: find_stripe_item")
	}

	brickID, err := f.locateReserveData(item, key, offset, flags)
	if err != nil {
		return err
	}

	return f.addBlockPointer(item, key, offset, brickID)
}

// locateReserveData is locate_reserve_data: if the search landed on an
// existing unit, reuse its owning brick (read from the item's key
// ordering); otherwise defer to the distribution engine, which itself
// applies proxy precedence.
func (f *File) locateReserveData(item *storetree.Item, key storetree.Key, offset uint64, flags distribution.LookupFlags) (uint64, error) {
	if item != nil && coversOffset(item, offset, BlockSize) {
		return item.Key.Ordering, nil
	}
	brickID, err := distribution.CalcBrick(f.Resolver.Plugin, f.Resolver.Table, f.Resolver.DSA,
		f.stripeKeyBytes(offset), f.Resolver.Seed, flags)
	if err != nil {
		return 0, volerr.Wrap(volerr.KindNoSpace, err, "stripefile: locate_reserve_data")
	}
	return brickID, nil
}

func coversOffset(item *storetree.Item, offset, blockSize uint64) bool {
	off1, off2 := item.KeyRange(blockSize)
	return offset >= off1 && offset < off2
}

// addBlockPointer is add_block_pointer's four sub-cases (§4.5 step 4):
// widen the previous unit in place, prepend onto the next item, leave an
// existing unit that already covers the offset as it is (only
// updateExtent runs), or insert a brand-new single-unit item and try a
// right-merge.
func (f *File) addBlockPointer(existing *storetree.Item, key storetree.Key, offset uint64, brickID uint64) error {
	preciseKey := storetree.BodyKeyPrecise(brickID, offset)

	if existing != nil && coversOffset(existing, offset, BlockSize) {
		// The write landed inside an already-allocated unit: nothing to
		// insert, __update_extent (below) handles rebind/dirty.
		return f.updateExtent(existing, offset, brickID)
	}

	if existing != nil && existing.Key.Ordering == brickID {
		off1, off2 := existing.KeyRange(BlockSize)
		if off2 == offset {
			// Widen the previous unit in place (append).
			last := &existing.Units[len(existing.Units)-1]
			if last.State == storetree.Unallocated {
				last.Width++
				f.Store.Insert(existing)
				return f.mergeRightNeighbour(existing)
			}
		}
		if off1 == offset+PageSize {
			// Prepend: the item moves to a new, earlier key, so the old key
			// must be deleted rather than mutated in place (the btree does
			// not re-sort a live entry whose key changes under it).
			prepended := &storetree.Item{
				Key:   storetree.Key{Locality: existing.Key.Locality, Type: existing.Key.Type, Ordering: existing.Key.Ordering, Offset: offset},
				Units: append([]storetree.Unit{{Width: 1, State: storetree.Unallocated}}, existing.Units...),
			}
			f.Store.Delete(existing.Key)
			f.Store.Insert(prepended)
			return f.mergeRightNeighbour(prepended)
		}
	}

	// Otherwise: a brand new single-unit item.
	fresh := &storetree.Item{
		Key:   preciseKey,
		Units: []storetree.Unit{{Width: 1, State: storetree.Unallocated}},
	}
	f.Store.Insert(fresh)
	return f.mergeRightNeighbour(fresh)
}

// mergeRightNeighbour implements invariant I8: after any insert, try to
// fold the right-hand neighbour item into this one if they are contiguous
// on the same brick.
func (f *File) mergeRightNeighbour(item *storetree.Item) error {
	_, end := item.KeyRange(BlockSize)
	neighbourKey := storetree.Key{Locality: item.Key.Locality, Type: item.Key.Type, Ordering: item.Key.Ordering, Offset: end}
	right, ok := f.Store.NeighbourRight(item.Key)
	if !ok || right.Key.Offset != neighbourKey.Offset || right.Key.Ordering != item.Key.Ordering {
		return nil
	}
	if item.MergeRight(right, BlockSize) {
		f.Store.Delete(right.Key)
		f.Store.Insert(item)
	}
	return nil
}

// updateExtent is __update_extent: checks that the item's ordering is
// brickID and refreshes the hint seal for the next sequential write. It
// keeps no per-page binding or created/dirty state and leaves the item's
// units unchanged.
func (f *File) updateExtent(item *storetree.Item, offset, brickID uint64) error {
	if item.Key.Ordering != brickID {
		return errors.Errorf("stripefile: update_extent: key ordering %d != resolved brick %d", item.Key.Ordering, brickID)
	}
	f.hint.Seal(item.Key, offset, walk.ModeWrite, f.Store.Version())
	return nil
}

// ReadPage builds the search key for pageIndex, and returns the item
// covering it (nil, nil on a hole: the caller zero-fills).
func (f *File) ReadPage(pageIndex uint64) (*storetree.Item, error) {
	offset := pageIndex * PageSize
	key := f.buildBodyKeyStripe(offset)

	item, _, err := walk.FindStripeItem(f.Store, &f.hint, key, walk.ModeRead)
	if err != nil {
		return nil, errors.Wrap(err, "stripefile: find_stripe_item")
	}
	if item == nil || !coversOffset(item, offset, BlockSize) {
		return nil, nil
	}
	return item, nil
}

// Truncate implements the shorten path of §4.5: cut every item at or past
// newSize, drop trailing partial-page state, and if the cut boundary fell
// mid-page, zero the tail and reserve a new unallocated block for it.
func (f *File) Truncate(newSize uint64, free func(brickID uint64, item *storetree.Item)) error {
	lo := storetree.BodyKeyImprecise(newSize)
	hi := storetree.Key{Locality: storetree.FSRootLocality, Type: storetree.BodyType, Ordering: storetree.OrderingMax, Offset: ^uint64(0)}

	smallest, ok := f.Store.CutRange(lo, hi, BlockSize, func(it *storetree.Item) {
		if free != nil {
			free(it.Key.Ordering, it)
		}
	})
	f.hint.Invalidate()

	if !ok {
		return nil
	}

	if newSize%PageSize != 0 && smallest.Offset == newSize {
		pageIndex := newSize / PageSize
		if err := f.WritePage(pageIndex, 0); err != nil {
			return errors.Wrap(err, "stripefile: truncate tail rewrite")
		}
	}

	return nil
}
