// Package rebalance implements component C6: walking the metadata tree to
// find extent items that map to the wrong brick under a new distribution
// table, migrating their data, and the three-step brick removal protocol.
// Grounded on the teacher's pkg/xfs directory-walk style (iterate entries,
// decide, advance) generalised to an extent-item walk that mutates items
// in place.
package rebalance

import (
	"context"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/vorteil/stripefs/pkg/distribution"
	"github.com/vorteil/stripefs/pkg/storetree"
	"github.com/vorteil/stripefs/pkg/volerr"
	"github.com/vorteil/stripefs/pkg/volume"
)

// MigrationGranularity caps how far past an extent item's start a single
// split will look for a brick change before forcing a split anyway (§4.6
// step 3, MIGRATION_GRANULARITY).
const MigrationGranularity = 64 * defaultBlockSize

const defaultBlockSize = 4096

// BlockAllocator hands out fresh block numbers on a brick; an external
// collaborator per spec section 1 (the real allocator lives in the
// journal/format layer).
type BlockAllocator interface {
	Alloc(brickID uint64, width uint64) (uint64, error)
	Free(brickID uint64, start, width uint64) error
}

// PageCopier reads every page backing a unit through the old pointer and
// rebinds it to the new brick; an external collaborator standing in for
// jnode pin/capture (spec section 1 excludes page-cache integration).
type PageCopier interface {
	Copy(oldBrickID, newBrickID uint64, start, width uint64) error
}

// Target resolves what brick a stripe key maps to under a given
// distribution table — the same contract stripefile.Resolver exposes,
// duplicated here to avoid an import of package stripefile purely for this
// one function shape.
type Target struct {
	Plugin distribution.Plugin
	Table  *distribution.Table
	DSA    distribution.DSA
	Seed   uint32
}

func (t Target) brickFor(offset uint64, stripeBits uint8) (uint64, error) {
	key := distribution.StripeKeyBytes(offset, stripeBits)
	return distribution.CalcBrick(t.Plugin, t.Table, t.DSA, key[:], t.Seed, 0)
}

// decision is the per-item outcome of step 2 of §4.6.
type decision int

const (
	decisionSkip decision = iota
	decisionMigrate
)

// planItem implements steps 1-3: decode the item's current brick and key
// range, ask whether the new table agrees, and if not, compute the
// smallest split offset within MigrationGranularity where a migrate chunk
// boundary should fall.
func planItem(item *storetree.Item, newTarget Target, stripeBits uint8, blockSize uint64) (decision, uint64) {
	off1, off2 := item.KeyRange(blockSize)
	currentBrick := item.Key.Ordering

	firstStripeOff := off1
	newBrick, err := newTarget.brickFor(firstStripeOff, stripeBits)
	if err != nil || newBrick == currentBrick {
		return decisionSkip, 0
	}

	stripeSize := uint64(1) << stripeBits
	if stripeBits == 0 {
		stripeSize = off2 - off1
	}

	splitOff := off1 + stripeSize
	for splitOff < off2 && splitOff-off1 < MigrationGranularity {
		b, err := newTarget.brickFor(splitOff, stripeBits)
		if err == nil && b != newBrick {
			break
		}
		splitOff += stripeSize
	}
	if splitOff > off2 {
		splitOff = off2
	}

	return decisionMigrate, splitOff
}

// MigrateItem performs step 4 of §4.6 on a single (possibly just-split)
// item: allocate width blocks on the new brick, copy every underlying page,
// then rewrite the item as a single Unallocated unit on the new brick.
func MigrateItem(store *storetree.Store, item *storetree.Item, newBrickID uint64, alloc BlockAllocator, copier PageCopier, blockSize uint64) error {
	width := item.Width()
	oldBrickID := item.Key.Ordering

	if _, err := alloc.Alloc(newBrickID, width); err != nil {
		return volerr.Wrap(volerr.KindNoSpace, err, "rebalance: allocate migration target")
	}

	// Each unit names a disjoint block range on the old brick, so the reads
	// through the old pointer and binds onto the new brick (§4.6 step 4b)
	// fan out across an errgroup instead of running one at a time.
	g := new(errgroup.Group)
	for _, u := range item.Units {
		if u.State != storetree.Allocated {
			continue
		}
		u := u
		g.Go(func() error {
			if err := copier.Copy(oldBrickID, newBrickID, u.Start, u.Width); err != nil {
				return volerr.Wrap(volerr.KindIO, err, "rebalance: copy migrated blocks")
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for _, u := range item.Units {
		if u.State == storetree.Allocated {
			if err := alloc.Free(oldBrickID, u.Start, u.Width); err != nil {
				return errors.Wrap(err, "rebalance: free old blocks")
			}
		}
	}

	store.Delete(item.Key)
	item.Key.Ordering = newBrickID
	item.Units = []storetree.Unit{{Width: width, State: storetree.Unallocated}}
	store.Insert(item)

	return nil
}

// MigrateFile is migrate_stripe (§4.6 per-file path): walk the file body
// from right to left so splits never invalidate keys of yet-unprocessed
// parts, migrating every item the new target disagrees with.
func MigrateFile(ctx context.Context, store *storetree.Store, oid uint64, newTarget Target, stripeBits uint8,
	alloc BlockAllocator, copier PageCopier, blockSize uint64) error {

	items := collectFileItems(store, oid)
	for i := len(items) - 1; i >= 0; i-- {
		if err := ctx.Err(); err != nil {
			return volerr.Wrap(volerr.KindAgain, err, "rebalance: migrate_stripe interrupted")
		}

		item := items[i]
		dec, splitOff := planItem(item, newTarget, stripeBits, blockSize)
		if dec == decisionSkip {
			continue
		}

		off1, off2 := item.KeyRange(blockSize)
		if splitOff > off1 && splitOff < off2 {
			left, right := item.Split(splitOff, blockSize)
			store.Delete(item.Key)
			store.Insert(left)
			store.Insert(right)
			item = left
		}

		newBrick, err := newTarget.brickFor(off1, stripeBits)
		if err != nil {
			return errors.Wrap(err, "rebalance: resolve new brick")
		}
		if err := MigrateItem(store, item, newBrick, alloc, copier, blockSize); err != nil {
			return err
		}
	}

	return nil
}

// collectFileItems returns every BodyType item in the store in ascending
// key order. oid does not filter the result: the stub tree's body keys
// carry no object id, so all body items are returned whatever oid is.
func collectFileItems(store *storetree.Store, oid uint64) []*storetree.Item {
	var items []*storetree.Item
	from := storetree.Key{Locality: storetree.FSRootLocality, Type: storetree.BodyType}
	store.Ascend(from, func(it *storetree.Item) bool {
		items = append(items, it)
		return true
	})
	_ = oid // file identity is out of scope for the in-memory store stub
	return items
}

// BalanceFlags mirrors the VBF_* caller flags of §4.6.
type BalanceFlags uint32

const (
	// MigrateAll ignores the per-file IMMOBILE flag.
	MigrateAll BalanceFlags = 1 << iota
	// ClrImmobile clears IMMOBILE on every file visited (used by brick
	// removal's drain step).
	ClrImmobile
)

// VolumeBalancer is the per-call state balance_volume_asym needs: every
// file's immobile flag, so the walk can decide whether to skip it.
type VolumeBalancer struct {
	Store      *storetree.Store
	NewTarget  Target
	StripeBits uint8
	BlockSize  uint64
	Alloc      BlockAllocator
	Copier     PageCopier
	Immobile   map[uint64]bool
}

// Balance implements balance_volume_asym (§4.6): iterate every oid keyed
// in vb.Immobile, migrating it unless flagged IMMOBILE without
// MigrateAll. Commits (in the real engine, every MIGR_LARGE_CHUNK_PAGES)
// are elided here since the in-memory store has no journal to batch
// against; this function runs to completion or returns the first error.
func (vb *VolumeBalancer) Balance(ctx context.Context, flags BalanceFlags) error {
	oids := vb.distinctOIDs()
	for _, oid := range oids {
		if vb.Immobile[oid] && flags&MigrateAll == 0 {
			continue
		}
		if err := MigrateFile(ctx, vb.Store, oid, vb.NewTarget, vb.StripeBits, vb.Alloc, vb.Copier, vb.BlockSize); err != nil {
			return err
		}
		if flags&ClrImmobile != 0 {
			delete(vb.Immobile, oid)
		}
	}
	return nil
}

// distinctOIDs is a placeholder for the real walk's ability to derive an
// owning object id from each twig-level extent's stat-data back-reference;
// the in-memory store models a single implicit file per call, so callers
// of Balance set vb.Immobile keyed by whatever oid convention they use and
// this returns those keys, not a tree-derived set.
func (vb *VolumeBalancer) distinctOIDs() []uint64 {
	oids := make([]uint64, 0, len(vb.Immobile))
	for oid := range vb.Immobile {
		oids = append(oids, oid)
	}
	return oids
}

// AddBrick is the symmetric counterpart of RemoveBrick (§4.6 brick add):
// new slot, dist_plug.inc, persist new table, UNBALANCED, rebalance,
// clear. Adding a proxy skips the rebalance entirely — it only routes
// subsequent writes to the new brick; this package has no proxy step, and
// stripefsctl's add-proxy command sets the proxy flags itself.
type AddBrick struct {
	Plugin distribution.Plugin
}

// Step1 installs newBrick into the first empty slot (or appends one),
// grows the distribution table via dist_plug.inc, and sets UNBALANCED.
// The caller runs a VolumeBalancer.Balance pass afterward and then clears
// UNBALANCED once it returns cleanly.
func (a AddBrick) Step1(ctx context.Context, vol *volume.Volume, newBrick *volume.Brick) (*volume.Conf, error) {
	if err := vol.LockWrite(ctx); err != nil {
		return nil, err
	}
	defer vol.UnlockWrite()

	old := vol.Conf()
	transitional := volume.CloneConf(old)

	slot := -1
	for i, s := range transitional.Mslots {
		if len(s) == 0 {
			slot = i
			break
		}
	}
	if slot < 0 {
		slot = len(transitional.Mslots)
		transitional.Mslots = append(transitional.Mslots, nil)
	}

	newBrick.ID = slot
	newBrick.Flags |= volume.HasDataRoom
	transitional.Mslots[slot] = []*volume.Brick{newBrick}

	newTable := old.Table.Clone()
	positionInDSA := len(old.DSABuckets())
	if err := a.Plugin.Inc(newTable, positionInDSA); err != nil {
		return nil, volerr.Wrap(volerr.KindConfigRefused, err, "rebalance: dist_plug.inc")
	}
	transitional.Table = newTable

	if err := transitional.CheckInvariants(); err != nil {
		return nil, err
	}

	vol.Bricks = append(vol.Bricks, newBrick)
	vol.NrOrigins++
	vol.NewConf = transitional
	vol.Flags |= volume.Unbalanced

	return transitional, nil
}

// Finish publishes the transitional config as current and clears
// UNBALANCED, called once the rebalance pass following Step1 returns
// cleanly.
func (a AddBrick) Finish(ctx context.Context, vol *volume.Volume) error {
	if err := vol.LockWrite(ctx); err != nil {
		return err
	}
	defer vol.UnlockWrite()

	if vol.NewConf == nil {
		return volerr.New(volerr.KindConfigRefused, "rebalance: add_brick: no in-progress reconfiguration")
	}
	vol.Publish(vol.NewConf)
	vol.NewConf = nil
	vol.Flags &^= volume.Unbalanced

	return nil
}

// RemoveBrick is the three-step removal protocol of §4.6.
type RemoveBrick struct {
	Plugin distribution.Plugin
}

// Step1 builds the transitional config: a clone of the current lv_conf
// with the victim still in its slot (Step3 blanks it), a new distribution
// table with one fewer bucket via
// dist_plug.dec, and the UNBALANCED | INCOMPLETE_REMOVAL flags set. The
// victim is flagged TO_BE_REMOVED and loses HAS_DATA_ROOM so the allocator
// stops using it.
func (r RemoveBrick) Step1(ctx context.Context, vol *volume.Volume, victimID int) (*volume.Conf, error) {
	if err := vol.LockWrite(ctx); err != nil {
		return nil, err
	}
	defer vol.UnlockWrite()

	old := vol.Conf()
	victim := old.BrickByID(victimID)
	if victim == nil {
		return nil, volerr.New(volerr.KindConfigRefused, "rebalance: remove_brick: unknown victim slot")
	}

	buckets := old.DSABuckets()
	pos := -1
	for i, id := range buckets {
		if id == uint64(victimID) {
			pos = i
			break
		}
	}
	if pos < 0 {
		return nil, volerr.New(volerr.KindConfigRefused, "rebalance: remove_brick: victim not in DSA")
	}
	if len(buckets) == 1 {
		return nil, volerr.New(volerr.KindConfigRefused, "rebalance: remove_brick: would empty the DSA")
	}

	newTable := old.Table.Clone()
	if err := r.Plugin.Dec(newTable, pos); err != nil {
		return nil, volerr.Wrap(volerr.KindConfigRefused, err, "rebalance: dist_plug.dec")
	}

	transitional := volume.CloneConf(old)
	transitional.Table = newTable

	victim.Flags |= volume.ToBeRemoved
	victim.Flags &^= volume.HasDataRoom

	vol.NewConf = transitional
	vol.Flags |= volume.Unbalanced | volume.IncompleteRemoval

	return transitional, nil
}

// Step3 is remove_brick_tail: verify the victim holds no more data blocks,
// publish the final config with the slot physically gone, and clear
// INCOMPLETE_REMOVAL. Deactivation/unregistration of the victim brick is
// the caller's responsibility (package volume owns that lifecycle).
func (r RemoveBrick) Step3(ctx context.Context, vol *volume.Volume, victimID int) error {
	if err := vol.LockWrite(ctx); err != nil {
		return err
	}
	defer vol.UnlockWrite()

	victim := vol.Conf().BrickByID(victimID)
	if victim == nil && vol.NewConf != nil {
		victim = vol.NewConf.BrickByID(victimID)
	}
	if victim == nil {
		return volerr.New(volerr.KindConfigRefused, "rebalance: remove_brick_tail: unknown victim slot")
	}
	if victim.BlocksUsed != victim.MinBlocksUsed {
		return volerr.New(volerr.KindConfigRefused, "rebalance: remove_brick_tail: victim still holds data")
	}

	final := vol.NewConf
	if final == nil {
		final = volume.CloneConf(vol.Conf())
	}
	if victimID < len(final.Mslots) {
		final.Mslots[victimID] = nil
	}

	vol.Publish(final)
	vol.NewConf = nil
	vol.Flags &^= (volume.Unbalanced | volume.IncompleteRemoval)

	return nil
}
