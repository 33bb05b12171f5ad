package volume

import (
	"context"

	"github.com/pkg/errors"
	"github.com/vorteil/stripefs/pkg/distribution"
)

// Activate brings every registered brick online in the strict order
// required by §4.2: metadata replicas, then the metadata origin, then data
// replicas, then data origins. Any failure rolls the volume back to fully
// deactivated rather than leaving it half-up.
func Activate(ctx context.Context, vol *Volume, format func(*Brick) error) error {
	if err := vol.LockWrite(ctx); err != nil {
		return err
	}
	defer vol.UnlockWrite()

	passes := []func(*Brick) bool{
		func(b *Brick) bool { return b.SubvolID == 0 && b.Role().IsReplica() },
		func(b *Brick) bool { return b.SubvolID == 0 && b.Role().IsOrigin() },
		func(b *Brick) bool { return b.SubvolID != 0 && b.Role().IsReplica() },
		func(b *Brick) bool { return b.SubvolID != 0 && b.Role().IsOrigin() },
	}

	activated := make([]*Brick, 0, len(vol.Bricks))
	rollback := func(cause error) error {
		for i := len(activated) - 1; i >= 0; i-- {
			activated[i].Flags &^= Activated
		}
		return cause
	}

	for _, match := range passes {
		for _, b := range vol.Bricks {
			if !match(b) {
				continue
			}
			if b.Flags.Has(Activated) {
				continue
			}
			if format != nil {
				if err := format(b); err != nil {
					return rollback(errors.Wrapf(err, "volume: activate brick %d", b.ID))
				}
			}
			b.Flags |= Activated
			// A freshly activated origin brick joins the DSA by default,
			// unless it's a proxy stand-in or already mid-removal (I4):
			// those states are installed explicitly by the reconfiguration
			// protocols in package rebalance, not by first activation.
			if b.Role().IsOrigin() && !b.Flags.Has(IsProxy) && !b.Flags.Has(ToBeRemoved) {
				b.Flags |= HasDataRoom
			}
			activated = append(activated, b)
		}
	}

	nrActivatedOrigins := 0
	for _, b := range vol.Bricks {
		if b.Role().IsOrigin() && b.Flags.Has(Activated) {
			nrActivatedOrigins++
		}
	}
	if nrActivatedOrigins != vol.NrOrigins {
		return rollback(errors.Errorf("volume: activate: %d of %d origins came up", nrActivatedOrigins, vol.NrOrigins))
	}

	conf := buildInitialConf(vol)
	if err := conf.CheckInvariants(); err != nil {
		return rollback(err)
	}
	vol.publish(conf)
	vol.Flags |= VolActivated

	return nil
}

// buildInitialConf assembles a Conf from the volume's currently activated
// bricks, one mirror slot per distinct origin id, plus a freshly sized
// distribution table of 1<<SegmentBits segments (§4.2 activate_volume, simplified: the
// real engine restores the table from the volmap rather than rebuilding it,
// but construction from scratch is equivalent when no volmap exists yet).
func buildInitialConf(vol *Volume) *Conf {
	maxID := -1
	for _, b := range vol.Bricks {
		if b.Role().IsOrigin() && b.ID > maxID {
			maxID = b.ID
		}
	}

	conf := &Conf{Mslots: make([][]*Brick, maxID+1)}
	for _, b := range vol.Bricks {
		if !b.Role().IsOrigin() {
			continue
		}
		slot := []*Brick{b}
		for _, r := range vol.Bricks {
			if r.Role().IsReplica() && r.SubvolID == b.SubvolID {
				slot = append(slot, r)
			}
		}
		conf.Mslots[b.ID] = slot
	}

	buckets := conf.DSABuckets()
	table := distribution.NewTable(vol.SegmentBits)
	plugin := distribution.HashPlugin{}
	plugin.Init(table, len(buckets), vol.SegmentBits)
	conf.Table = table

	return conf
}

// Deactivate takes every brick back offline, non-replicas first and then
// replicas, the mirror image of Activate's ordering (§4.2 deactivate_volume).
func Deactivate(ctx context.Context, vol *Volume) error {
	if err := vol.LockWrite(ctx); err != nil {
		return err
	}
	defer vol.UnlockWrite()

	passes := []func(*Brick) bool{
		func(b *Brick) bool { return b.Role().IsOrigin() },
		func(b *Brick) bool { return b.Role().IsReplica() },
	}
	for _, match := range passes {
		for _, b := range vol.Bricks {
			if match(b) {
				b.Flags &^= Activated
			}
		}
	}

	vol.publish(&Conf{})
	vol.Flags &^= VolActivated

	return nil
}
