// Package storetree models the metadata-tree contract the volume engine
// issues operations against. The real balanced search tree (node splits,
// block allocation, parent-before-child longterm locking) is explicitly an
// external collaborator per the design's scope section; this package gives
// the core something concrete to call so that key derivation, search bias,
// and item merge/split logic can be built and tested without reimplementing
// a B-tree from scratch. The in-memory driver is backed by
// github.com/google/btree.
package storetree

import "fmt"

// Locality identifies the root namespace a key belongs to. The engine only
// ever uses one locality for striped file bodies (FSRootLocality), but the
// field is kept explicit because stat-data keys and body keys share a key
// space.
type Locality uint64

// FSRootLocality is the locality used for every object in a volume's
// metadata tree.
const FSRootLocality Locality = 1

// ItemType distinguishes stat-data items from file-body (extent) items
// sharing the same locality.
type ItemType uint8

const (
	// StatDataType marks a stat-data item (inode-like metadata record).
	StatDataType ItemType = iota
	// BodyType marks a file-body extent item.
	BodyType
)

// OrderingMax is the sentinel "imprecise" ordering value used by search keys
// issued before the owning brick is known.
const OrderingMax = ^uint64(0)

// Key is the four-component key described in the data model: locality,
// item type, ordering (brick id for body items, OrderingMax when imprecise),
// and a byte offset.
type Key struct {
	Locality Locality
	Type     ItemType
	Ordering uint64
	Offset   uint64
}

func (k Key) String() string {
	return fmt.Sprintf("(%d,%d,%d,%d)", k.Locality, k.Type, k.Ordering, k.Offset)
}

// Less implements the ordering used by the underlying btree: locality,
// then type, then ordering, then offset — lexicographic, matching the
// on-disk key comparison a real storage tree performs.
func (k Key) Less(o Key) bool {
	if k.Locality != o.Locality {
		return k.Locality < o.Locality
	}
	if k.Type != o.Type {
		return k.Type < o.Type
	}
	if k.Ordering != o.Ordering {
		return k.Ordering < o.Ordering
	}
	return k.Offset < o.Offset
}

// Equal compares two keys for exact equality, all four fields included
// (the neighbour walks use it to skip the start key; SameRange is the
// predicate that ignores Ordering).
func (k Key) Equal(o Key) bool {
	return k == o
}

// SameRange reports whether k and o differ only in Ordering — i.e. they'd
// address the same logical stripe if it weren't for which brick owns it.
// Resolves the "two key builders" Open Question by giving callers one
// explicit predicate instead of inferring it from context.
func (k Key) SameRange(o Key) bool {
	return k.Locality == o.Locality && k.Type == o.Type && k.Offset == o.Offset
}

// StatDataKey builds the canonical stat-data key for an object id, matching
// the derivation used when migration resolves an extent item back to its
// owning inode.
func StatDataKey(oid uint64) Key {
	return Key{Locality: FSRootLocality, Type: StatDataType, Ordering: OrderingMax, Offset: 0}.withOID(oid)
}

// oid is folded into Offset for stat-data keys since StatDataType items are
// one-per-object and never need a byte range; keeping a single Key shape
// avoids introducing a second key type only used by one caller.
func (k Key) withOID(oid uint64) Key {
	k.Offset = oid
	return k
}

// BodyKeyPrecise builds the precise (ordering = owning brick id) body key
// for a byte offset within a file.
func BodyKeyPrecise(brickID uint64, offset uint64) Key {
	return Key{Locality: FSRootLocality, Type: BodyType, Ordering: brickID, Offset: offset}
}

// BodyKeyImprecise builds a search key with the ordering sentinel, used
// before the owning brick is known (§4.5 build_body_key_stripe).
func BodyKeyImprecise(offset uint64) Key {
	return Key{Locality: FSRootLocality, Type: BodyType, Ordering: OrderingMax, Offset: offset}
}
