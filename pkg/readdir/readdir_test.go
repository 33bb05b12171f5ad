package readdir

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeCookieRoundTrip(t *testing.T) {
	cookie := EncodeCookie(42, 1000)
	cid, pos := DecodeCookie(cookie)
	assert.Equal(t, uint64(42), cid)
	assert.Equal(t, uint64(1000), pos)
}

func TestLookupZeroCookieMintsFreshCursor(t *testing.T) {
	pool := NewPool()
	c := pool.Lookup(1, 0)
	require.NotNil(t, c)
	assert.Equal(t, uint64(1), c.OID)
	assert.NotZero(t, c.CID)
}

func TestLookupResolvesKnownCookie(t *testing.T) {
	pool := NewPool()
	c := pool.Lookup(1, 0)
	c.Pos = 5
	cookie := c.Cookie()
	pool.Release(c)

	resolved := pool.Lookup(1, cookie)
	assert.Same(t, c, resolved)
	assert.Equal(t, uint64(5), resolved.Pos)
}

func TestLookupUnknownCookieStartsFresh(t *testing.T) {
	pool := NewPool()
	resolved := pool.Lookup(1, EncodeCookie(999, 5))
	require.NotNil(t, resolved)
	assert.NotEqual(t, uint64(999), resolved.CID)
}

func TestReleaseThenReclaimRemovesFromIndex(t *testing.T) {
	pool := NewPool()
	c := pool.Lookup(1, 0)
	cookie := c.Cookie()
	pool.Release(c)

	n := pool.Reclaim(10)
	assert.Equal(t, 1, n)

	resolved := pool.Lookup(1, cookie)
	assert.NotSame(t, c, resolved, "a reclaimed cursor must not resolve by its old cookie")
}

func TestLookupOnUnusedCursorDetachesFromLRU(t *testing.T) {
	pool := NewPool()
	c := pool.Lookup(1, 0)
	cookie := c.Cookie()
	pool.Release(c)

	resolved := pool.Lookup(1, cookie)
	assert.Same(t, c, resolved)

	// Having been re-looked-up, it must not be reclaimable anymore until
	// released again.
	n := pool.Reclaim(10)
	assert.Equal(t, 0, n)
}

func TestMultipleCursorsSameOIDDoNotCorruptRing(t *testing.T) {
	pool := NewPool()
	c1 := pool.Lookup(1, 0)
	c2 := pool.Lookup(1, 0)
	c3 := pool.Lookup(1, 0)

	pool.Release(c2) // push c2 onto the unused list while c1/c3 stay active

	// The oid ring must still link all three; Adjust should reach every
	// cursor including the one sitting on the unused list.
	c1.Pos = 10
	c2.Pos = 20
	c3.Pos = 30

	pool.Adjust(1, 5, true, 0)

	assert.Equal(t, uint64(1), c1.EntryID)
	assert.Equal(t, uint64(1), c2.EntryID)
	assert.Equal(t, uint64(1), c3.EntryID)
}

func TestReclaimDoesNotTouchStillActiveCursors(t *testing.T) {
	pool := NewPool()
	c1 := pool.Lookup(1, 0)
	c2 := pool.Lookup(1, 0)
	pool.Release(c2)

	reclaimed := pool.Reclaim(10)
	assert.Equal(t, 1, reclaimed)

	// c1 is still referenced; its cookie must still resolve.
	resolved := pool.Lookup(1, c1.Cookie())
	assert.Same(t, c1, resolved)
}

func TestAdjustResetsCursorAtExactRemovalOffset(t *testing.T) {
	pool := NewPool()
	c := pool.Lookup(1, 0)
	c.Pos = 100
	c.EntryID = 7

	pool.Adjust(1, 100, false, 0)

	assert.Equal(t, uint64(0), c.Pos)
	assert.Equal(t, uint64(0), c.EntryID)
}

func TestAdjustShiftsEntryIDForCursorsPastModOffset(t *testing.T) {
	pool := NewPool()
	c := pool.Lookup(1, 0)
	c.Pos = 100
	c.EntryID = 5

	pool.Adjust(1, 50, true, 0)
	assert.Equal(t, uint64(6), c.EntryID)

	pool.Adjust(1, 50, false, 0)
	assert.Equal(t, uint64(5), c.EntryID)
}

func TestAdjustIgnoresUnrelatedOID(t *testing.T) {
	pool := NewPool()
	c := pool.Lookup(1, 0)
	c.Pos = 100

	pool.Adjust(2, 50, true, 0)
	assert.Equal(t, uint64(0), c.EntryID)
}
