package walk

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vorteil/stripefs/pkg/storetree"
)

func TestHintInvalidateClearsEverything(t *testing.T) {
	h := &Hint{}
	h.Seal(storetree.BodyKeyPrecise(1, 0), 0, ModeRead, 5)
	h.Invalidate()
	assert.Equal(t, Hint{}, *h)
}

func TestFindStripeItemMissReturnsNilWithoutError(t *testing.T) {
	store := storetree.NewStore()
	h := &Hint{}

	item, fast, err := FindStripeItem(store, h, storetree.BodyKeyImprecise(0), ModeRead)
	require.NoError(t, err)
	assert.False(t, fast)
	assert.Nil(t, item)
}

func TestFindStripeItemFullSearchSealsHint(t *testing.T) {
	store := storetree.NewStore()
	store.Insert(&storetree.Item{
		Key:   storetree.BodyKeyPrecise(1, 0),
		Units: []storetree.Unit{{Width: 1, State: storetree.Allocated}},
	})
	h := &Hint{}

	item, fast, err := FindStripeItem(store, h, storetree.BodyKeyImprecise(0), ModeRead)
	require.NoError(t, err)
	assert.False(t, fast)
	require.NotNil(t, item)
	assert.True(t, h.Set)
	assert.Equal(t, uint64(0), h.Offset)
}

func TestFindStripeItemFastPathOnSequentialAccess(t *testing.T) {
	store := storetree.NewStore()
	store.Insert(&storetree.Item{
		Key:   storetree.BodyKeyPrecise(1, 0),
		Units: []storetree.Unit{{Width: 1, State: storetree.Allocated}},
	})
	store.Insert(&storetree.Item{
		Key:   storetree.BodyKeyPrecise(1, PageSize),
		Units: []storetree.Unit{{Width: 1, State: storetree.Allocated}},
	})
	h := &Hint{}

	_, _, err := FindStripeItem(store, h, storetree.BodyKeyImprecise(0), ModeRead)
	require.NoError(t, err)

	item, fast, err := FindStripeItem(store, h, storetree.BodyKeyImprecise(PageSize), ModeRead)
	require.NoError(t, err)
	assert.True(t, fast)
	require.NotNil(t, item)
	assert.Equal(t, uint64(PageSize), item.Key.Offset)
}

func TestFindStripeItemModeMismatchForcesFullSearch(t *testing.T) {
	store := storetree.NewStore()
	store.Insert(&storetree.Item{
		Key:   storetree.BodyKeyPrecise(1, 0),
		Units: []storetree.Unit{{Width: 1, State: storetree.Allocated}},
	})
	store.Insert(&storetree.Item{
		Key:   storetree.BodyKeyPrecise(1, PageSize),
		Units: []storetree.Unit{{Width: 1, State: storetree.Allocated}},
	})
	h := &Hint{}

	_, _, err := FindStripeItem(store, h, storetree.BodyKeyImprecise(0), ModeWrite)
	require.NoError(t, err)

	_, fast, err := FindStripeItem(store, h, storetree.BodyKeyImprecise(PageSize), ModeRead)
	require.NoError(t, err)
	assert.False(t, fast, "a hint taken in write mode must not serve a read request")
}

func TestFindStripeItemConcurrentMutationInvalidatesHint(t *testing.T) {
	store := storetree.NewStore()
	store.Insert(&storetree.Item{
		Key:   storetree.BodyKeyPrecise(1, 0),
		Units: []storetree.Unit{{Width: 1, State: storetree.Allocated}},
	})
	store.Insert(&storetree.Item{
		Key:   storetree.BodyKeyPrecise(1, PageSize),
		Units: []storetree.Unit{{Width: 1, State: storetree.Allocated}},
	})
	h := &Hint{}

	_, _, err := FindStripeItem(store, h, storetree.BodyKeyImprecise(0), ModeRead)
	require.NoError(t, err)

	// A concurrent mutation bumps the store version without updating h.
	store.Insert(&storetree.Item{
		Key:   storetree.BodyKeyPrecise(1, 2*PageSize),
		Units: []storetree.Unit{{Width: 1, State: storetree.Allocated}},
	})

	_, fast, err := FindStripeItem(store, h, storetree.BodyKeyImprecise(PageSize), ModeRead)
	require.NoError(t, err)
	assert.False(t, fast, "a stale version must force a full search")
}
