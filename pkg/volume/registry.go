package volume

import (
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/vorteil/stripefs/pkg/volerr"
)

// Registry is the process-wide, coarse-locked record of discovered volumes,
// component C1. Grounded on the teacher's vdecompiler.Open +
// readSuperblock pattern (open device, read a fixed-offset superblock,
// validate magic) generalised from a single VM image to many independently
// registered bricks that group into volumes by UUID.
type Registry struct {
	mu      sync.Mutex
	volumes map[uuid.UUID]*Volume
}

// NewRegistry returns an empty, ready-to-use registry (the init half of the
// init/teardown pair called for in §4.1).
func NewRegistry() *Registry {
	return &Registry{volumes: make(map[uuid.UUID]*Volume)}
}

// Teardown releases every registered volume's bricks. Callers must have
// already deactivated any active volumes.
func (r *Registry) Teardown() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.volumes = make(map[uuid.UUID]*Volume)
}

// Scan opens path, reads and validates its master superblock, and either
// attaches the brick to an existing volume (verifying parameter equality)
// or creates a new one. Returns the existing brick together with
// volerr.ErrAlreadyRegistered (not a hard failure) if the brick uuid is
// already present in its volume.
func (r *Registry) Scan(path string, dev Device) (*Brick, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sb, err := ReadMasterSuperblock(dev)
	if err != nil {
		return nil, err
	}

	vol, exists := r.volumes[sb.VolumeUUID]
	if exists {
		if err := checkVolumeParamsMatch(vol, sb); err != nil {
			return nil, err
		}
		if b := findBrickByUUID(vol, sb.BrickUUID); b != nil {
			return b, volerr.ErrAlreadyRegistered
		}
	} else {
		vol = NewVolume(sb.VolumeUUID, sb.StripeBits, 16)
		r.volumes[sb.VolumeUUID] = vol
	}

	cap, err := dev.Size()
	if err != nil {
		return nil, volerrIO(err, "volume: stat device")
	}

	b := &Brick{
		UUID:                 sb.BrickUUID,
		ID:                   len(vol.Bricks),
		DevicePath:           path,
		DataCapacityBlocks:   uint64(cap) / BlockSize,
		NumReplicas:          sb.NumReplicas,
		MirrorID:             sb.MirrorID,
		SubvolID:             sb.SubvolID,
		FormatPluginID:       sb.FormatPluginID,
		VolumePluginID:       sb.VolumePluginID,
		DistributionPluginID: sb.DistributionPluginID,
		StripeBits:           sb.StripeBits,
		volumeUUID:           sb.VolumeUUID,
	}
	b.BlocksFree = b.DataCapacityBlocks

	vol.Bricks = append(vol.Bricks, b)
	if b.Role().IsOrigin() {
		vol.NrOrigins++
	}

	return b, nil
}

func findBrickByUUID(vol *Volume, id uuid.UUID) *Brick {
	for _, b := range vol.Bricks {
		if b.UUID == id {
			return b
		}
	}
	return nil
}

// checkVolumeParamsMatch verifies a newly scanned brick's shared volume
// parameters (stripe-bits is the only one carried per-brick in the wire
// superblock that must agree across the whole volume) against the already
// registered volume, failing with a clear reason on mismatch (§4.1).
func checkVolumeParamsMatch(vol *Volume, sb *MasterSuperblock) error {
	if len(vol.Bricks) == 0 {
		return nil
	}
	if vol.StripeBits != sb.StripeBits {
		return volerrConfigRefused(errors.Errorf("volume: stripe-bits mismatch: volume has %d, brick reports %d",
			vol.StripeBits, sb.StripeBits).Error())
	}
	return nil
}

// Unregister detaches brick from its volume. Fails if the brick is
// currently activated (§4.1).
func (r *Registry) Unregister(vol *Volume, brick *Brick) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if brick.Flags.Has(Activated) {
		return volerr.ErrActivated
	}

	for i, b := range vol.Bricks {
		if b == brick {
			vol.Bricks = append(vol.Bricks[:i], vol.Bricks[i+1:]...)
			if b.Role().IsOrigin() {
				vol.NrOrigins--
			}
			break
		}
	}

	if len(vol.Bricks) == 0 {
		delete(r.volumes, vol.UUID)
	}

	return nil
}

// ScanAll and UnregisterAll iterate scan/unregister operations under the
// registry's single mutex (§4.1): a thin convenience, not a new locking
// discipline, since Scan/Unregister already take it per-call.

// ScanAll scans every (path, device) pair, stopping at the first error.
func (r *Registry) ScanAll(devices map[string]Device) ([]*Brick, error) {
	var bricks []*Brick
	for path, dev := range devices {
		b, err := r.Scan(path, dev)
		if err != nil && errors.Cause(err) != volerr.ErrAlreadyRegistered {
			return bricks, err
		}
		bricks = append(bricks, b)
	}
	return bricks, nil
}

// UnregisterAll unregisters every brick of vol, stopping at the first
// activated brick encountered.
func (r *Registry) UnregisterAll(vol *Volume) error {
	for len(vol.Bricks) > 0 {
		if err := r.Unregister(vol, vol.Bricks[0]); err != nil {
			return err
		}
	}
	return nil
}

// Volumes returns a snapshot of the currently registered volumes.
func (r *Registry) Volumes() []*Volume {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Volume, 0, len(r.volumes))
	for _, v := range r.volumes {
		out = append(out, v)
	}
	return out
}

// Lookup returns the registered volume with the given uuid, or nil.
func (r *Registry) Lookup(id uuid.UUID) *Volume {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.volumes[id]
}
