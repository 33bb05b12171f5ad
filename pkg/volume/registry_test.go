package volume

import (
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vorteil/stripefs/pkg/volerr"
)

func makeBrickDevice(t *testing.T, volID, brickID uuid.UUID, stripeBits uint8) Device {
	t.Helper()
	dev, err := CreateFileDevice(filepath.Join(t.TempDir(), "brick.img"), 8*1024*1024)
	require.NoError(t, err)
	t.Cleanup(func() { dev.Close() })

	sb := &MasterSuperblock{
		VolumeUUID:           volID,
		BrickUUID:            brickID,
		FormatPluginID:       1,
		VolumePluginID:       1,
		DistributionPluginID: 1,
		StripeBits:           stripeBits,
	}
	require.NoError(t, WriteMasterSuperblock(dev, sb))
	return dev
}

func TestScanRegistersNewVolume(t *testing.T) {
	r := NewRegistry()
	volID := uuid.New()
	dev := makeBrickDevice(t, volID, uuid.New(), 0)

	b, err := r.Scan("/dev/fake0", dev)
	require.NoError(t, err)
	assert.Equal(t, 0, b.ID)

	vol := r.Lookup(volID)
	require.NotNil(t, vol)
	assert.Len(t, vol.Bricks, 1)
}

func TestScanGroupsSecondBrickIntoSameVolume(t *testing.T) {
	r := NewRegistry()
	volID := uuid.New()
	dev1 := makeBrickDevice(t, volID, uuid.New(), 0)
	dev2 := makeBrickDevice(t, volID, uuid.New(), 0)

	_, err := r.Scan("/dev/fake0", dev1)
	require.NoError(t, err)
	b2, err := r.Scan("/dev/fake1", dev2)
	require.NoError(t, err)
	assert.Equal(t, 1, b2.ID)

	vol := r.Lookup(volID)
	assert.Len(t, vol.Bricks, 2)
}

func TestScanRejectsStripeBitsMismatch(t *testing.T) {
	r := NewRegistry()
	volID := uuid.New()
	dev1 := makeBrickDevice(t, volID, uuid.New(), 0)
	dev2 := makeBrickDevice(t, volID, uuid.New(), 16)

	_, err := r.Scan("/dev/fake0", dev1)
	require.NoError(t, err)
	_, err = r.Scan("/dev/fake1", dev2)
	assert.Error(t, err)
}

func TestScanSameBrickTwiceReportsAlreadyRegistered(t *testing.T) {
	r := NewRegistry()
	volID := uuid.New()
	brickID := uuid.New()
	dev := makeBrickDevice(t, volID, brickID, 0)

	_, err := r.Scan("/dev/fake0", dev)
	require.NoError(t, err)
	_, err = r.Scan("/dev/fake0", dev)
	assert.ErrorIs(t, err, volerr.ErrAlreadyRegistered)
}

func TestScanRejectsBadMagic(t *testing.T) {
	r := NewRegistry()
	dev, err := CreateFileDevice(filepath.Join(t.TempDir(), "bad.img"), 8*1024*1024)
	require.NoError(t, err)
	defer dev.Close()

	_, err = r.Scan("/dev/fake0", dev)
	assert.Error(t, err)
}

func TestUnregisterRejectsActivatedBrick(t *testing.T) {
	r := NewRegistry()
	volID := uuid.New()
	dev := makeBrickDevice(t, volID, uuid.New(), 0)

	b, err := r.Scan("/dev/fake0", dev)
	require.NoError(t, err)
	b.Flags |= Activated

	vol := r.Lookup(volID)
	err = r.Unregister(vol, b)
	assert.ErrorIs(t, err, volerr.ErrActivated)
}

func TestUnregisterLastBrickRemovesVolume(t *testing.T) {
	r := NewRegistry()
	volID := uuid.New()
	dev := makeBrickDevice(t, volID, uuid.New(), 0)

	b, err := r.Scan("/dev/fake0", dev)
	require.NoError(t, err)
	vol := r.Lookup(volID)

	require.NoError(t, r.Unregister(vol, b))
	assert.Nil(t, r.Lookup(volID))
}
