package main

import (
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vorteil/stripefs/pkg/elog"
	"github.com/vorteil/stripefs/pkg/volerr"
	"github.com/vorteil/stripefs/pkg/volume"
)

func init() {
	log = &elog.CLI{DisableTTY: true}
}

func makeTestCmd(t *testing.T) *cobra.Command {
	t.Helper()
	cmd := &cobra.Command{Use: "test"}
	cmd.Flags().String("volume", "", "")
	cmd.Flags().Int("brick", -1, "")
	return cmd
}

func registerVolume(t *testing.T) (uuid.UUID, *volume.Volume) {
	t.Helper()
	dev, err := volume.CreateFileDevice(filepath.Join(t.TempDir(), "brick.img"), 8*1024*1024)
	require.NoError(t, err)
	t.Cleanup(func() { dev.Close() })

	volID := uuid.New()
	sb := &volume.MasterSuperblock{
		VolumeUUID:           volID,
		BrickUUID:            uuid.New(),
		FormatPluginID:       1,
		VolumePluginID:       1,
		DistributionPluginID: 1,
	}
	require.NoError(t, volume.WriteMasterSuperblock(dev, sb))

	_, err = eng.registry.Scan(filepath.Join(t.TempDir(), "ignored"), dev)
	require.NoError(t, err)

	vol := eng.registry.Lookup(volID)
	require.NotNil(t, vol)
	return volID, vol
}

func TestVolumeFlagResolvesRegisteredVolume(t *testing.T) {
	volID, vol := registerVolume(t)

	cmd := makeTestCmd(t)
	require.NoError(t, cmd.Flags().Set("volume", volID.String()))

	got, err := volumeFlag(cmd)
	require.NoError(t, err)
	assert.Same(t, vol, got)
}

func TestVolumeFlagRejectsBadUUID(t *testing.T) {
	cmd := makeTestCmd(t)
	require.NoError(t, cmd.Flags().Set("volume", "not-a-uuid"))

	_, err := volumeFlag(cmd)
	assert.Error(t, err)
}

func TestVolumeFlagRejectsUnknownVolume(t *testing.T) {
	cmd := makeTestCmd(t)
	require.NoError(t, cmd.Flags().Set("volume", uuid.New().String()))

	_, err := volumeFlag(cmd)
	assert.Error(t, err)
}

func TestReportVolErrPassesNilThrough(t *testing.T) {
	assert.NoError(t, reportVolErr(nil))
}

func TestReportVolErrReturnsOriginalError(t *testing.T) {
	err := volerr.New(volerr.KindVolumeBusy, "busy")
	got := reportVolErr(err)
	assert.Same(t, err, got)
}

func TestRegisterBrickCmdScansAndPrints(t *testing.T) {
	eng = newEngine()

	path := filepath.Join(t.TempDir(), "b.img")
	dev, err := volume.CreateFileDevice(path, 8*1024*1024)
	require.NoError(t, err)

	sb := &volume.MasterSuperblock{
		VolumeUUID:           uuid.New(),
		BrickUUID:            uuid.New(),
		FormatPluginID:       1,
		VolumePluginID:       1,
		DistributionPluginID: 1,
	}
	require.NoError(t, volume.WriteMasterSuperblock(dev, sb))
	require.NoError(t, dev.Close())

	require.NoError(t, registerBrickCmd.RunE(registerBrickCmd, []string{path}))
}
