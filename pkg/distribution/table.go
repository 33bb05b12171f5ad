package distribution

import (
	"encoding/binary"

	"github.com/pkg/errors"
	"github.com/spaolacci/murmur3"
)

// Table is the distribution table: opaque to the rest of the core (data
// model §3), owned end-to-end by this package. It maps each of
// 1<<SegBits segments to a bucket index into the DSA bucket vector.
type Table struct {
	SegBits  uint8
	Segments []uint32
}

// NewTable returns an empty table with 1<<segBits segments, all pointing at
// bucket 0 (valid once nrBuckets >= 1; Init re-points only segments whose
// bucket is >= nrBuckets, so these stay at bucket 0).
func NewTable(segBits uint8) *Table {
	return &Table{
		SegBits:  segBits,
		Segments: make([]uint32, 1<<segBits),
	}
}

// Clone returns a deep copy, used by the rebalance protocol to build a
// "new" table from a clone of "current" before mutating it (§2 reconfigure
// control flow).
func (t *Table) Clone() *Table {
	cp := &Table{SegBits: t.SegBits, Segments: make([]uint32, len(t.Segments))}
	copy(cp.Segments, t.Segments)
	return cp
}

// Equal reports whether two tables have identical segment maps — used by
// property P5 (round-trip of volume-info).
func (t *Table) Equal(o *Table) bool {
	if t == nil || o == nil {
		return t == o
	}
	if t.SegBits != o.SegBits || len(t.Segments) != len(o.Segments) {
		return false
	}
	for i := range t.Segments {
		if t.Segments[i] != o.Segments[i] {
			return false
		}
	}
	return true
}

// Plugin is the distribution-plugin contract of spec section 4.3.
type Plugin interface {
	// Init builds in-memory state from a (possibly empty) table.
	Init(table *Table, nrBuckets int, segBits uint8) error
	// Pack serialises segments [firstSegment, firstSegment+segmentsPerBlock)
	// into buf.
	Pack(table *Table, buf []byte, firstSegment, segmentsPerBlock int) error
	// Unpack deserialises a block's worth of segments from buf into table,
	// starting at firstSegment.
	Unpack(table *Table, buf []byte, firstSegment, segmentsPerBlock int) error
	// Lookup is the hot path: hash stripeKey (seeded by seed) to a bucket
	// index in [0, nrBuckets).
	Lookup(table *Table, stripeKey []byte, seed uint32, nrBuckets int) (bucket int, err error)
	// Inc grows the DSA by one bucket at positionInDSA, migrating a fair
	// share of segments onto it.
	Inc(table *Table, positionInDSA int) error
	// Dec shrinks the DSA, removing victim and redistributing its segments.
	Dec(table *Table, victim int) error
	// Spl doubles the segment table (factorBits additional bits of
	// resolution), used by the scale operation.
	Spl(table *Table, factorBits uint8) (*Table, error)
}

// segmentsPerBlock / firstSegment bookkeeping match the spec's derived
// constants: entries_per_volmap and segments_per_voltab are computed by the
// volmap package from block size and SegBits; this package only needs the
// raw segment slice.

// HashPlugin is the sole distribution plugin StripeFS ships: a flat
// segment table addressed by a murmur3 hash of the stripe key, with
// deterministic rebalancing on bucket add/remove. The segment-table
// format, not the specific rebalancing algorithm, is what §4.3/§6 actually
// constrain — the table is "opaque to the core" by design.
type HashPlugin struct{}

var _ Plugin = HashPlugin{}

func (HashPlugin) Init(table *Table, nrBuckets int, segBits uint8) error {
	if table.SegBits == 0 && len(table.Segments) == 0 {
		table.SegBits = segBits
		table.Segments = make([]uint32, 1<<segBits)
	}
	if nrBuckets <= 0 {
		return nil
	}
	for i := range table.Segments {
		if int(table.Segments[i]) >= nrBuckets {
			table.Segments[i] = uint32(i % nrBuckets)
		}
	}
	return nil
}

func (HashPlugin) Pack(table *Table, buf []byte, firstSegment, segmentsPerBlock int) error {
	need := segmentsPerBlock * 4
	if len(buf) < need {
		return errors.Errorf("distribution: pack buffer too small: need %d have %d", need, len(buf))
	}
	for i := 0; i < segmentsPerBlock; i++ {
		idx := firstSegment + i
		var v uint32
		if idx < len(table.Segments) {
			v = table.Segments[idx]
		}
		binary.LittleEndian.PutUint32(buf[i*4:], v)
	}
	return nil
}

func (HashPlugin) Unpack(table *Table, buf []byte, firstSegment, segmentsPerBlock int) error {
	need := segmentsPerBlock * 4
	if len(buf) < need {
		return errors.Errorf("distribution: unpack buffer too small: need %d have %d", need, len(buf))
	}
	for i := 0; i < segmentsPerBlock; i++ {
		idx := firstSegment + i
		if idx >= len(table.Segments) {
			break
		}
		table.Segments[idx] = binary.LittleEndian.Uint32(buf[i*4:])
	}
	return nil
}

func (HashPlugin) Lookup(table *Table, stripeKey []byte, seed uint32, nrBuckets int) (int, error) {
	if nrBuckets <= 0 {
		return 0, errors.New("distribution: lookup with zero-bucket DSA")
	}
	if nrBuckets == 1 {
		// 1-brick DSA: calc_brick short-circuits, see calc_brick edge cases.
		return 0, nil
	}
	if len(table.Segments) == 0 {
		return int(murmur3.Sum32WithSeed(stripeKey, seed)) % nrBuckets, nil
	}
	h := murmur3.Sum32WithSeed(stripeKey, seed)
	seg := int(h) % len(table.Segments)
	if seg < 0 {
		seg += len(table.Segments)
	}
	bucket := int(table.Segments[seg])
	if bucket >= nrBuckets {
		bucket %= nrBuckets
	}
	return bucket, nil
}

func (HashPlugin) Inc(table *Table, positionInDSA int) error {
	if positionInDSA < 0 {
		return errors.New("distribution: inc with negative position")
	}
	n := positionInDSA + 1
	for i := range table.Segments {
		// Deterministic ~1/n fraction of segments move to the new bucket,
		// the same fraction a fresh hash over (segment index, new bucket)
		// would produce; this keeps Inc idempotent and side-effect free to
		// re-run after a crash (§4.6 brick-add step is restart-safe).
		if murmur3.Sum32WithSeed(segmentKeyBytes(i), uint32(positionInDSA))%uint32(n) == 0 {
			table.Segments[i] = uint32(positionInDSA)
		}
	}
	return nil
}

func (HashPlugin) Dec(table *Table, victim int) error {
	if len(table.Segments) == 0 {
		return nil
	}
	// Redistribute victim's segments round-robin across the remaining
	// buckets in ascending order, skipping the victim itself.
	remaining := make([]int, 0)
	maxBucket := 0
	for _, b := range table.Segments {
		if int(b) > maxBucket {
			maxBucket = int(b)
		}
	}
	for i := 0; i <= maxBucket; i++ {
		if i != victim {
			remaining = append(remaining, i)
		}
	}
	if len(remaining) == 0 {
		return errors.New("distribution: dec would empty the DSA")
	}
	var rr int
	for i, b := range table.Segments {
		if int(b) != victim {
			continue
		}
		table.Segments[i] = uint32(remaining[rr%len(remaining)])
		rr++
	}
	return nil
}

func (HashPlugin) Spl(table *Table, factorBits uint8) (*Table, error) {
	if factorBits == 0 {
		return table.Clone(), nil
	}
	factor := 1 << factorBits
	out := &Table{
		SegBits:  table.SegBits + factorBits,
		Segments: make([]uint32, len(table.Segments)*factor),
	}
	for i, b := range table.Segments {
		for f := 0; f < factor; f++ {
			out.Segments[i*factor+f] = b
		}
	}
	return out, nil
}

func segmentKeyBytes(seg int) []byte {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], uint64(seg))
	return b[:]
}
