// Package volume implements components C1 (brick registry) and C2
// (configuration store), plus the Volume/Brick/Conf data model of spec
// section 3.
package volume

import (
	"context"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/vorteil/stripefs/pkg/distribution"
	"github.com/vorteil/stripefs/pkg/volerr"
)

// BrickFlags are the per-brick status bits of the data model.
type BrickFlags uint32

const (
	Activated BrickFlags = 1 << iota
	HasDataRoom
	IsProxy
	IsOrphan
	ToBeRemoved
	InMigration
	IsNonRotDevice
)

func (f BrickFlags) Has(bit BrickFlags) bool { return f&bit != 0 }

// Role classifies a brick for activation ordering (§4.2): metadata vs data,
// and origin vs replica.
type Role struct {
	IsMetadata bool
	MirrorID   uint8 // 0 == origin
}

func (r Role) IsOrigin() bool  { return r.MirrorID == 0 }
func (r Role) IsReplica() bool { return r.MirrorID != 0 }

// VolmapSlot names CUR or NEW in the metadata brick's volmap_loc pair.
type VolmapSlot int

const (
	VolmapCur VolmapSlot = iota
	VolmapNew
)

// Brick is the per-device record of the data model (subvolume).
type Brick struct {
	UUID       uuid.UUID
	ID         int // slot index, equal to its position in Volume.Bricks
	DevicePath string

	DataCapacityBlocks uint64
	BlocksFree         uint64
	BlocksUsed         uint64
	MinBlocksUsed      uint64 // system reserve

	NumReplicas uint8
	MirrorID    uint8 // 0 == origin
	SubvolID    uint8

	FormatPluginID       uint32
	VolumePluginID       uint32
	DistributionPluginID uint32
	StripeBits           uint8

	Flags BrickFlags

	// VolmapLoc holds the first block address of the current/new volmap
	// chains; only meaningful when this brick is the volume's metadata
	// brick.
	VolmapLoc [2]uint64

	volumeUUID uuid.UUID
}

func (b *Brick) Role() Role {
	return Role{MirrorID: b.MirrorID}
}

// InDSA reports whether the brick currently participates in the Data
// Storage Array (invariant I4: HasDataRoom set, not a proxy).
func (b *Brick) InDSA() bool {
	return b.Flags.Has(HasDataRoom) && !b.Flags.Has(IsProxy)
}

// Conf is the immutable configuration: a vector of mirror slots plus a
// pointer to an immutable distribution table (data model §3, lv_conf).
type Conf struct {
	// Mslots[i] is nil for an empty slot, or the ordered
	// [origin, replica1, replica2, ...] bricks for slot i.
	Mslots [][]*Brick
	Table  *distribution.Table
}

// NrOrigins returns the number of populated slots (invariant I2).
func (c *Conf) NrOrigins() int {
	n := 0
	for _, s := range c.Mslots {
		if len(s) > 0 {
			n++
		}
	}
	return n
}

// CheckInvariants verifies I1: each populated slot's origin id equals its
// slot index. It does not check I2 (the origin count).
func (c *Conf) CheckInvariants() error {
	for i, s := range c.Mslots {
		if len(s) == 0 {
			continue
		}
		if s[0].ID != i {
			return errors.Errorf("volume: invariant I1 violated: slot %d holds origin id %d", i, s[0].ID)
		}
	}
	return nil
}

// CloneConf shallow-copies the slot table; the distribution-table pointer is
// not copied, matching §4.2 clone_conf (callers mutate the table separately
// via distribution.Table.Clone before installing it on the clone).
func CloneConf(old *Conf) *Conf {
	cp := &Conf{Mslots: make([][]*Brick, len(old.Mslots))}
	for i, s := range old.Mslots {
		if s == nil {
			continue
		}
		cp.Mslots[i] = append([]*Brick(nil), s...)
	}
	return cp
}

// DSABuckets returns the brick-id bucket vector consistent with conf, in
// dsa_idx order, for use with distribution.CalcBrick.
func (c *Conf) DSABuckets() []uint64 {
	var buckets []uint64
	for _, s := range c.Mslots {
		if len(s) == 0 {
			continue
		}
		origin := s[0]
		if origin.InDSA() {
			buckets = append(buckets, uint64(origin.ID))
		}
	}
	return buckets
}

// BrickByID returns the origin brick with the given slot id, or nil.
func (c *Conf) BrickByID(id int) *Brick {
	for _, s := range c.Mslots {
		if len(s) > 0 && s[0].ID == id {
			return s[0]
		}
	}
	return nil
}

// Status flags persisted in the metadata superblock (§6).
type StatusFlags uint32

const (
	Unbalanced StatusFlags = 1 << iota
	IncompleteRemoval
	ProxyEnabled
	ProxyIO
	VolActivated
)

func (f StatusFlags) Has(bit StatusFlags) bool { return f&bit != 0 }

// Volume is the process-wide record identified by a 16-byte UUID (data
// model §3); it carries no reference count.
type Volume struct {
	UUID uuid.UUID

	Bricks []*Brick // ordered list, index == Brick.ID

	confPtr *confBox // published under RCU-like store-release

	NewConf *Conf // in-progress reconfiguration target, nil when quiescent

	NrOrigins   int
	StripeBits  uint8
	SegmentBits uint8

	Flags StatusFlags

	ProxyBrick *Brick // back-reference, nil unless a proxy is active

	volumeSem       *rwsem
	brickRemovalSem *rwsem
}

// confBox lets us swap *Conf atomically without a data race, standing in
// for rcu_assign_pointer/synchronize_rcu (design notes §9): the reader side
// takes a stable snapshot with Conf(); the writer installs a new one with
// publish() while holding volumeSem for write, which in this single-process
// port is already a sufficient quiescence guarantee in place of an explicit
// grace period.
type confBox struct {
	conf *Conf
}

// NewVolume constructs an empty volume ready to receive bricks via the
// registry.
func NewVolume(id uuid.UUID, stripeBits, segmentBits uint8) *Volume {
	return &Volume{
		UUID:            id,
		confPtr:         &confBox{conf: &Conf{}},
		StripeBits:      stripeBits,
		SegmentBits:     segmentBits,
		volumeSem:       newRWSem(),
		brickRemovalSem: newRWSem(),
	}
}

// Conf returns the currently published configuration.
func (v *Volume) Conf() *Conf {
	return v.confPtr.conf
}

// publish installs newConf as the active configuration. Callers must hold
// volumeSem for write.
func (v *Volume) publish(newConf *Conf) {
	v.confPtr = &confBox{conf: newConf}
}

// Publish is the exported form of publish for reconfiguration protocols
// living outside this package (e.g. package rebalance's remove/add-brick
// steps); callers must hold volumeSem for write, same as publish.
func (v *Volume) Publish(newConf *Conf) {
	v.publish(newConf)
}

// LockWrite acquires volumeSem for write, blocking.
func (v *Volume) LockWrite(ctx context.Context) error { return v.volumeSem.Lock(ctx) }

// UnlockWrite releases a write-held volumeSem.
func (v *Volume) UnlockWrite() { v.volumeSem.Unlock() }

// TryLockWrite attempts a non-blocking write acquisition of volumeSem,
// returning a "volume busy" error wrapped with volerr.KindVolumeBusy on
// failure (the E_VOLUME_BUSY contract of §6).
func (v *Volume) TryLockWrite() error {
	if !v.volumeSem.TryLock() {
		return volerr.Wrap(volerr.KindVolumeBusy, errors.New("volume busy"), "volume: try-lock write")
	}
	return nil
}

// LockRead acquires volumeSem for read, blocking.
func (v *Volume) LockRead(ctx context.Context) error { return v.volumeSem.RLock(ctx) }

// UnlockRead releases a read-held volumeSem.
func (v *Volume) UnlockRead() { v.volumeSem.RUnlock() }

// TryLockRead attempts a non-blocking read acquisition of volumeSem.
func (v *Volume) TryLockRead() error {
	if !v.volumeSem.TryRLock() {
		return volerr.Wrap(volerr.KindVolumeBusy, errors.New("volume busy"), "volume: try-lock read")
	}
	return nil
}

// LockRemovalWrite/LockRemovalRead guard brickRemovalSem, held write
// together with volumeSem during the removal handshake so concurrent file
// migration (which holds it read) drains before the victim is deactivated.
func (v *Volume) LockRemovalWrite(ctx context.Context) error { return v.brickRemovalSem.Lock(ctx) }
func (v *Volume) UnlockRemovalWrite()                        { v.brickRemovalSem.Unlock() }
func (v *Volume) LockRemovalRead(ctx context.Context) error  { return v.brickRemovalSem.RLock(ctx) }
func (v *Volume) UnlockRemovalRead()                         { v.brickRemovalSem.RUnlock() }

// MetadataBrick returns the volume's metadata brick (subvol id 0 by
// convention), or nil if none is registered yet.
func (v *Volume) MetadataBrick() *Brick {
	for _, b := range v.Bricks {
		if b.SubvolID == 0 {
			return b
		}
	}
	return nil
}
