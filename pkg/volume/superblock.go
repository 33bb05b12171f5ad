package volume

import (
	"bytes"
	"encoding/binary"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// masterMagic is the on-disk magic of the master superblock (§6).
var masterMagic = [8]byte{'R', 'e', 'I', 's', 'E', 'r', '4', 0}

// wireMasterSuperblock is the exact on-disk layout, little-endian, read at
// MasterSuperblockOffset on every brick. Field order and sizes follow the
// teacher's approach in pkg/ext4/super.go: a single fixed struct read with
// encoding/binary rather than hand-rolled offset math.
type wireMasterSuperblock struct {
	Magic                [8]byte
	VolumeUUID           [16]byte
	BrickUUID            [16]byte
	FormatPluginID       uint32
	VolumePluginID       uint32
	DistributionPluginID uint32
	StripeBits           uint8
	MirrorID             uint8
	NumReplicas          uint8
	SubvolID             uint8
	_                    [4]byte // 4 reserved bytes; the record is 60 bytes on disk
}

// MasterSuperblock is the parsed, host-native form of wireMasterSuperblock.
type MasterSuperblock struct {
	VolumeUUID           uuid.UUID
	BrickUUID            uuid.UUID
	FormatPluginID       uint32
	VolumePluginID       uint32
	DistributionPluginID uint32
	StripeBits           uint8
	MirrorID             uint8
	NumReplicas          uint8
	SubvolID             uint8
}

// knownFormatPlugins, knownVolumePlugins and knownDistributionPlugins gate
// scan() against unknown plugin ids (§4.1).
var knownFormatPlugins = map[uint32]bool{1: true}
var knownVolumePlugins = map[uint32]bool{1: true}
var knownDistributionPlugins = map[uint32]bool{1: true}

const pageShift = 12 // 4 KiB pages, matching BlockSize

// ReadMasterSuperblock reads and validates the master superblock from dev,
// per §4.1 scan(): bad magic, unknown plugin ids, mirror-id > num-replicas,
// or stripe-bits outside [page-shift, 63] (0 excepted, meaning unstriped)
// are all rejected here so callers never see a half-valid record.
func ReadMasterSuperblock(dev Device) (*MasterSuperblock, error) {
	buf := make([]byte, binary.Size(wireMasterSuperblock{}))
	if _, err := dev.ReadAt(buf, MasterSuperblockOffset); err != nil {
		return nil, volerrIO(err, "volume: read master superblock")
	}

	var w wireMasterSuperblock
	if err := binary.Read(bytes.NewReader(buf), binary.LittleEndian, &w); err != nil {
		return nil, volerrIO(err, "volume: decode master superblock")
	}

	if w.Magic != masterMagic {
		return nil, volerrCorrupt(errors.New("bad master superblock magic"))
	}

	sb := &MasterSuperblock{
		VolumeUUID:           uuid.UUID(w.VolumeUUID),
		BrickUUID:            uuid.UUID(w.BrickUUID),
		FormatPluginID:       w.FormatPluginID,
		VolumePluginID:       w.VolumePluginID,
		DistributionPluginID: w.DistributionPluginID,
		StripeBits:           w.StripeBits,
		MirrorID:             w.MirrorID,
		NumReplicas:          w.NumReplicas,
		SubvolID:             w.SubvolID,
	}

	if err := sb.validate(); err != nil {
		return nil, err
	}

	return sb, nil
}

func (sb *MasterSuperblock) validate() error {
	if !knownFormatPlugins[sb.FormatPluginID] {
		return volerrCorrupt(errors.Errorf("unknown format plugin id %d", sb.FormatPluginID))
	}
	if !knownVolumePlugins[sb.VolumePluginID] {
		return volerrCorrupt(errors.Errorf("unknown volume plugin id %d", sb.VolumePluginID))
	}
	if !knownDistributionPlugins[sb.DistributionPluginID] {
		return volerrCorrupt(errors.Errorf("unknown distribution plugin id %d", sb.DistributionPluginID))
	}
	if sb.MirrorID > sb.NumReplicas {
		return volerrCorrupt(errors.Errorf("mirror id %d exceeds replica count %d", sb.MirrorID, sb.NumReplicas))
	}
	if sb.StripeBits != 0 && (sb.StripeBits < pageShift || sb.StripeBits > 63) {
		return volerrCorrupt(errors.Errorf("stripe-bits %d outside [%d,63] (0 also accepted)", sb.StripeBits, pageShift))
	}
	return nil
}

// WriteMasterSuperblock serialises sb to dev at MasterSuperblockOffset.
func WriteMasterSuperblock(dev Device, sb *MasterSuperblock) error {
	w := wireMasterSuperblock{
		Magic:                masterMagic,
		VolumeUUID:           sb.VolumeUUID,
		BrickUUID:            sb.BrickUUID,
		FormatPluginID:       sb.FormatPluginID,
		VolumePluginID:       sb.VolumePluginID,
		DistributionPluginID: sb.DistributionPluginID,
		StripeBits:           sb.StripeBits,
		MirrorID:             sb.MirrorID,
		NumReplicas:          sb.NumReplicas,
		SubvolID:             sb.SubvolID,
	}
	buf := new(bytes.Buffer)
	if err := binary.Write(buf, binary.LittleEndian, &w); err != nil {
		return errors.Wrap(err, "volume: encode master superblock")
	}
	if _, err := dev.WriteAt(buf.Bytes(), MasterSuperblockOffset); err != nil {
		return errors.Wrap(err, "volume: write master superblock")
	}
	return nil
}
