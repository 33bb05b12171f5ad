package main

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/vorteil/stripefs/pkg/elog"
	"github.com/vorteil/stripefs/pkg/rebalance"
	"github.com/vorteil/stripefs/pkg/volerr"
	"github.com/vorteil/stripefs/pkg/volume"
)

var log elog.View

var (
	flagJSON    bool
	flagVerbose bool
	flagDebug   bool
)

func commandInit() {
	rootCmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVarP(&flagDebug, "debug", "d", false, "enable debug output")
	rootCmd.PersistentFlags().BoolVarP(&flagJSON, "json", "j", false, "enable json output")

	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		logger := &elog.CLI{}

		if flagJSON {
			logger.DisableTTY = true
			logrus.SetFormatter(&logrus.JSONFormatter{})
		} else {
			logrus.SetFormatter(logger)
		}

		logrus.SetLevel(logrus.TraceLevel)

		if flagDebug {
			logger.IsDebug = true
			logger.IsVerbose = true
		} else if flagVerbose {
			logger.IsVerbose = true
		}

		log = logger
		return nil
	}

	rootCmd.AddCommand(registerBrickCmd)
	rootCmd.AddCommand(unregisterBrickCmd)
	rootCmd.AddCommand(volumeHeaderCmd)
	rootCmd.AddCommand(brickHeaderCmd)
	rootCmd.AddCommand(printVolumeCmd)
	rootCmd.AddCommand(printBrickCmd)
	rootCmd.AddCommand(addBrickCmd)
	rootCmd.AddCommand(addProxyCmd)
	rootCmd.AddCommand(removeBrickCmd)
	rootCmd.AddCommand(finishRemovalCmd)
	rootCmd.AddCommand(balanceVolumeCmd)
	rootCmd.AddCommand(migrateFileCmd)
}

var rootCmd = &cobra.Command{
	Use:   "stripefsctl",
	Short: "StripeFS volume administration CLI",
	Long: `stripefsctl multiplexes the REISER4_IOC_VOLUME sub-operations of the
StripeFS core as individual subcommands: brick registration, volume
activation, distribution rebalancing, and single-file migration.`,
}

// volumeFlag resolves a --volume uuid string shared by most subcommands.
func volumeFlag(cmd *cobra.Command) (*volume.Volume, error) {
	s, err := cmd.Flags().GetString("volume")
	if err != nil {
		return nil, err
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return nil, errors.Wrap(err, "stripefsctl: parse --volume")
	}
	vol := eng.registry.Lookup(id)
	if vol == nil {
		return nil, errors.Errorf("stripefsctl: no registered volume with uuid %s", id)
	}
	return vol, nil
}

// reportVolErr prints args.error-style structured output on a Kind-carrying
// error, matching the E_VOLUME_BUSY/-EINVAL contract of spec section 6.
func reportVolErr(err error) error {
	if err == nil {
		return nil
	}
	kind := volerr.KindOf(err)
	if kind != volerr.KindNone {
		log.Errorf("%s: %v", kind, err)
	} else {
		log.Errorf("%v", err)
	}
	return err
}

var registerBrickCmd = &cobra.Command{
	Use:   "register-brick PATH",
	Short: "Scan a device and register it as a brick",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dev, err := volume.OpenFileDevice(args[0])
		if err != nil {
			return reportVolErr(err)
		}
		brick, err := eng.registry.Scan(args[0], dev)
		if err != nil && errors.Cause(err) != volerr.ErrAlreadyRegistered {
			return reportVolErr(err)
		}
		log.Printf("registered brick %s (id %d) at %s", brick.UUID, brick.ID, args[0])
		return nil
	},
}

var unregisterBrickCmd = &cobra.Command{
	Use:   "unregister-brick",
	Short: "Detach a non-activated brick from its volume",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		vol, err := volumeFlag(cmd)
		if err != nil {
			return reportVolErr(err)
		}
		brickID, err := cmd.Flags().GetInt("brick")
		if err != nil {
			return err
		}
		brick := vol.Conf().BrickByID(brickID)
		if brick == nil {
			return reportVolErr(errors.Errorf("stripefsctl: no brick with id %d", brickID))
		}
		return reportVolErr(eng.registry.Unregister(vol, brick))
	},
}

var volumeHeaderCmd = &cobra.Command{
	Use:   "volume-header PATH",
	Short: "Read and print a brick's master superblock (offline)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dev, err := volume.OpenFileDevice(args[0])
		if err != nil {
			return reportVolErr(err)
		}
		defer dev.Close()
		sb, err := volume.ReadMasterSuperblock(dev)
		if err != nil {
			return reportVolErr(err)
		}
		fmt.Printf("volume-uuid: %s\nbrick-uuid:  %s\nstripe-bits: %d\nmirror-id:   %d\nnum-replicas: %d\n",
			sb.VolumeUUID, sb.BrickUUID, sb.StripeBits, sb.MirrorID, sb.NumReplicas)
		return nil
	},
}

var brickHeaderCmd = &cobra.Command{
	Use:   "brick-header",
	Short: "Print a registered brick's in-memory record",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		vol, err := volumeFlag(cmd)
		if err != nil {
			return reportVolErr(err)
		}
		brickID, err := cmd.Flags().GetInt("brick")
		if err != nil {
			return err
		}
		brick := vol.Conf().BrickByID(brickID)
		if brick == nil {
			return reportVolErr(errors.Errorf("stripefsctl: no brick with id %d", brickID))
		}
		fmt.Printf("id: %d uuid: %s path: %s flags: %#x free: %d/%d\n",
			brick.ID, brick.UUID, brick.DevicePath, brick.Flags, brick.BlocksFree, brick.DataCapacityBlocks)
		return nil
	},
}

var printVolumeCmd = &cobra.Command{
	Use:   "print-volume",
	Short: "Print a volume's current configuration (read lock)",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		vol, err := volumeFlag(cmd)
		if err != nil {
			return reportVolErr(err)
		}
		if err := vol.TryLockRead(); err != nil {
			return reportVolErr(err)
		}
		defer vol.UnlockRead()

		conf := vol.Conf()
		fmt.Printf("volume %s: %d origins, %d slots, unbalanced=%v\n",
			vol.UUID, conf.NrOrigins(), len(conf.Mslots), vol.Flags.Has(volume.Unbalanced))
		for i, slot := range conf.Mslots {
			if len(slot) == 0 {
				continue
			}
			fmt.Printf("  slot %d: origin brick %d, %d replicas\n", i, slot[0].ID, len(slot)-1)
		}
		return nil
	},
}

var printBrickCmd = &cobra.Command{
	Use:   "print-brick",
	Short: "Print one brick's record (read lock)",
	Args:  cobra.NoArgs,
	RunE:  brickHeaderCmd.RunE,
}

var addBrickCmd = &cobra.Command{
	Use:   "add-brick PATH",
	Short: "Add a scanned brick to the DSA and begin a rebalance",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		vol, err := volumeFlag(cmd)
		if err != nil {
			return reportVolErr(err)
		}
		dev, err := volume.OpenFileDevice(args[0])
		if err != nil {
			return reportVolErr(err)
		}
		brick, err := eng.registry.Scan(args[0], dev)
		if err != nil && errors.Cause(err) != volerr.ErrAlreadyRegistered {
			return reportVolErr(err)
		}
		brick.Flags |= volume.Activated

		op := rebalance.AddBrick{Plugin: eng.plugin}
		if _, err := op.Step1(withContext(), vol, brick); err != nil {
			return reportVolErr(err)
		}
		log.Printf("brick %d added, volume unbalanced; run balance-volume then finish-removal-equivalent clear", brick.ID)
		return nil
	},
}

var addProxyCmd = &cobra.Command{
	Use:   "add-proxy PATH",
	Short: "Add a scanned brick as the volume's proxy (no rebalance)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		vol, err := volumeFlag(cmd)
		if err != nil {
			return reportVolErr(err)
		}
		if vol.ProxyBrick != nil {
			return reportVolErr(volerr.New(volerr.KindConfigRefused, "stripefsctl: volume already has a proxy brick"))
		}
		dev, err := volume.OpenFileDevice(args[0])
		if err != nil {
			return reportVolErr(err)
		}
		brick, err := eng.registry.Scan(args[0], dev)
		if err != nil && errors.Cause(err) != volerr.ErrAlreadyRegistered {
			return reportVolErr(err)
		}
		brick.Flags |= volume.Activated | volume.IsProxy
		vol.ProxyBrick = brick
		vol.Flags |= volume.ProxyEnabled | volume.ProxyIO
		log.Printf("brick %d is now the volume's proxy", brick.ID)
		return nil
	},
}

var removeBrickCmd = &cobra.Command{
	Use:   "remove-brick",
	Short: "Begin removing a brick (step 1 of the removal protocol)",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		vol, err := volumeFlag(cmd)
		if err != nil {
			return reportVolErr(err)
		}
		brickID, err := cmd.Flags().GetInt("brick")
		if err != nil {
			return err
		}
		if err := vol.LockRemovalWrite(withContext()); err != nil {
			return reportVolErr(err)
		}
		defer vol.UnlockRemovalWrite()

		op := rebalance.RemoveBrick{Plugin: eng.plugin}
		if _, err := op.Step1(withContext(), vol, brickID); err != nil {
			return reportVolErr(err)
		}
		log.Printf("brick %d flagged TO_BE_REMOVED; run balance-volume then finish-removal", brickID)
		return nil
	},
}

var finishRemovalCmd = &cobra.Command{
	Use:   "finish-removal",
	Short: "Complete a brick removal once the victim is drained (step 3)",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		vol, err := volumeFlag(cmd)
		if err != nil {
			return reportVolErr(err)
		}
		brickID, err := cmd.Flags().GetInt("brick")
		if err != nil {
			return err
		}
		op := rebalance.RemoveBrick{Plugin: eng.plugin}
		if err := op.Step3(withContext(), vol, brickID); err != nil {
			return reportVolErr(err)
		}
		brick := vol.Conf().BrickByID(brickID)
		if brick != nil {
			if err := eng.registry.Unregister(vol, brick); err != nil {
				return reportVolErr(err)
			}
		}
		log.Printf("brick %d physically removed", brickID)
		return nil
	},
}

var balanceVolumeCmd = &cobra.Command{
	Use:   "balance-volume",
	Short: "Run a rebalance pass over every mobile file (read lock)",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		vol, err := volumeFlag(cmd)
		if err != nil {
			return reportVolErr(err)
		}
		if err := vol.TryLockRead(); err != nil {
			return reportVolErr(err)
		}
		defer vol.UnlockRead()

		log.Printf("balance-volume: %d origins, unbalanced=%v (wire a BlockAllocator/PageCopier from the journal to actually drain)",
			vol.Conf().NrOrigins(), vol.Flags.Has(volume.Unbalanced))
		return nil
	},
}

var migrateFileCmd = &cobra.Command{
	Use:   "migrate-file",
	Short: "Migrate a single file's stripes to the current distribution table",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		vol, err := volumeFlag(cmd)
		if err != nil {
			return reportVolErr(err)
		}
		if err := vol.LockRemovalRead(withContext()); err != nil {
			return reportVolErr(err)
		}
		defer vol.UnlockRemovalRead()

		oid, err := cmd.Flags().GetUint64("oid")
		if err != nil {
			return err
		}
		log.Printf("migrate-file: oid %d queued against volume %s (wire a BlockAllocator/PageCopier to execute)", oid, vol.UUID)
		return nil
	},
}

func init() {
	for _, cmd := range []*cobra.Command{unregisterBrickCmd, brickHeaderCmd, printVolumeCmd, printBrickCmd,
		addBrickCmd, addProxyCmd, removeBrickCmd, finishRemovalCmd, balanceVolumeCmd, migrateFileCmd} {
		cmd.Flags().String("volume", "", "volume uuid")
		_ = cmd.MarkFlagRequired("volume")
	}
	for _, cmd := range []*cobra.Command{unregisterBrickCmd, brickHeaderCmd, printBrickCmd, removeBrickCmd, finishRemovalCmd} {
		cmd.Flags().Int("brick", -1, "brick slot id")
		_ = cmd.MarkFlagRequired("brick")
	}
	migrateFileCmd.Flags().Uint64("oid", 0, "object id of the file to migrate")
	_ = migrateFileCmd.MarkFlagRequired("oid")
}
