package distribution

// LookupFlags mirrors the caller-supplied flags bit for proxy bypass.
type LookupFlags uint32

// UPXProxyFull tells CalcBrick to ignore proxy routing even while the
// volume's PROXY_IO flag is set — used by the one write-path retry after
// -ENOSPC when the caller wants to force the real distribution instead of
// the (possibly full) proxy brick.
const UPXProxyFull LookupFlags = 1 << 0

// DSA describes the state CalcBrick needs: the bucket vector (brick ids
// participating in the Data Storage Array, index = dsa_idx, kept in sync
// with lv_conf per the data model), which of those is the metadata brick,
// and optional active proxy routing.
type DSA struct {
	Buckets       []uint64 // brick id per dsa_idx
	MetadataBrick uint64
	ProxyEnabled  bool
	ProxyIO       bool
	ProxyBrickID  uint64
}

// CalcBrick implements the calc_brick edge cases of §4.3: proxy precedence
// first, then the 1-brick DSA short circuit (the sole bucket is returned
// outright, metadata brick or not), falling through to the plugin's hashed
// Lookup.
func CalcBrick(plugin Plugin, table *Table, dsa DSA, stripeKey []byte, seed uint32, flags LookupFlags) (uint64, error) {
	if dsa.ProxyIO && flags&UPXProxyFull == 0 {
		return dsa.ProxyBrickID, nil
	}

	if len(dsa.Buckets) == 1 {
		return dsa.Buckets[0], nil
	}

	idx, err := plugin.Lookup(table, stripeKey, seed, len(dsa.Buckets))
	if err != nil {
		return 0, err
	}
	return dsa.Buckets[idx], nil
}
