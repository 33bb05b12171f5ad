// Package walk implements the stateless tree-walk helpers of component C8:
// a cached coordinate ("hint") plus a version token ("seal") that lets
// sequential extent-item access skip a full tree search when the next
// request is for the immediately following page.
package walk

import "github.com/vorteil/stripefs/pkg/storetree"

// Mode selects whether a hint was taken for a read or a write, matching the
// hint.mode field of the design.
type Mode int

const (
	// ModeRead marks a hint taken by a read path.
	ModeRead Mode = iota
	// ModeWrite marks a hint taken by a write path.
	ModeWrite
)

// Hint is the cached coordinate carried by a file's per-access context: the
// last item key touched, the offset it was sealed at, the tree version at
// seal time, and which mode it was taken in.
type Hint struct {
	Set     bool
	Mode    Mode
	Key     storetree.Key
	Offset  uint64
	Version storetree.Version
}

// Invalidate clears a hint, forcing the next lookup through a full search.
func (h *Hint) Invalidate() {
	*h = Hint{}
}

// Seal captures the current coordinate into the hint after a successful
// operation, refreshing the fast path for the next adjacent access.
func (h *Hint) Seal(key storetree.Key, offset uint64, mode Mode, version storetree.Version) {
	h.Set = true
	h.Mode = mode
	h.Key = key
	h.Offset = offset
	h.Version = version
}

// validates reports whether the hint can be trusted as a starting point for
// a request at newKey/mode, without yet touching the store: the hint must
// be set, modes must match, the new key must share the sealed key's
// Locality and Type (Ordering is not compared: the sealed key is an item's
// precise key while requests carry the imprecise sentinel), and the new
// offset must be exactly one pageSize past the sealed offset.
func (h *Hint) validates(newKey storetree.Key, mode Mode, pageSize uint64) bool {
	if !h.Set || h.Mode != mode {
		return false
	}
	if h.Key.Locality != newKey.Locality || h.Key.Type != newKey.Type {
		return false
	}
	return newKey.Offset == h.Offset+pageSize
}

// PageSize is the unit of sequential-access advancement the hint fast path
// is built around (one VM page in the source design).
const PageSize = 4096

// FindStripeItem implements find_stripe_item: on a hint hit it advances
// through the store's neighbour links without a full search; on a miss (or
// a seal invalidated by a concurrent mutation) it falls through to a full
// Seek and invalidates the coord extension. Returns the item (nil on a
// genuine miss, i.e. a hole) and whether the fast path was taken.
func FindStripeItem(store *storetree.Store, h *Hint, key storetree.Key, mode Mode) (item *storetree.Item, fastPath bool, err error) {
	if h.validates(key, mode, PageSize) && h.Version == store.Version() {
		if it, ok := store.NeighbourRight(storetree.Key{
			Locality: key.Locality, Type: key.Type, Ordering: h.Key.Ordering, Offset: h.Offset,
		}); ok && it.Key.SameRange(key) {
			h.Seal(it.Key, key.Offset, mode, store.Version())
			return it, true, nil
		}
		// Hint said there should be a neighbour but the store disagrees —
		// the seal is stale (a concurrent writer landed in between).
		h.Invalidate()
	}

	it, coord, err := store.Seek(key, storetree.BiasMaxNotMoreThan)
	h.Invalidate()
	if err != nil {
		if err == storetree.ErrNotFound {
			return nil, false, nil
		}
		return nil, false, err
	}
	if coord.Found {
		h.Seal(it.Key, key.Offset, mode, store.Version())
	}
	return it, false, nil
}
