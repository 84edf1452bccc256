// Command wdevc is the userspace control tool for the walb kernel
// module: format a log/data device pair, start (create-wdev) and stop
// (delete-wdev) the /dev/walb/<N> control surface, and a couple of
// maintenance operations on a log device's metadata. Grounded on
// original_source/binsrc/wdevc.cpp, which this port follows command for
// command; the three operations that actually drive a kernel ioctl in
// the original (format-ldev, create-wdev, delete-wdev) get the same
// treatment here. wdevc.cpp's remaining ~20 subcommands are routed
// through a defaultRunner that unconditionally throws "not implemented
// yet" even in the original source, so they are not reproduced here —
// see DESIGN.md for the full list and the two (reset-wal,
// get-log-usage) implemented anyway against the super block directly.
package main

import (
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/cybozu-go/walb-tools/internal/blockdev"
	"github.com/cybozu-go/walb-tools/internal/wlog"
)

var rootCmd = &cobra.Command{
	Use:   "wdevc",
	Short: "Control the walb kernel module's log devices",
}

func init() {
	rootCmd.AddCommand(formatLdevCmd, createWdevCmd, deleteWdevCmd, resetWalCmd, getLogUsageCmd)
}

var (
	flagName               string
	flagMaxLogpackKB       uint32
	flagMaxPendingMB       uint32
	flagMinPendingMB       uint32
	flagQueueStopTimeoutMs uint32
	flagLogFlushIntervalMB uint32
	flagLogFlushIntervalMs uint32
	flagNPackBulk          uint32
	flagNIoBulk            uint32
	flagDiscard            bool
)

// defaults mirror wdevc.cpp's DEFAULT_MAX_LOGPACK_KB and friends.
const (
	defaultMaxLogpackKB       = 32
	defaultMaxPendingMB       = 32
	defaultMinPendingMB       = 16
	defaultQueueStopTimeoutMs = 100
	defaultFlushIntervalMB    = 16
	defaultFlushIntervalMs    = 100
	defaultNPackBulk          = 128
	defaultNIoBulk            = 1024
)

var formatLdevCmd = &cobra.Command{
	Use:   "format-ldev LDEV DDEV",
	Short: "Initialize a log device's super block for a (ldev, ddev) pair",
	Args:  cobra.ExactArgs(2),
	RunE:  runFormatLdev,
}

func init() {
	formatLdevCmd.Flags().StringVar(&flagName, "name", "", "walb device name recorded in the super block")
	formatLdevCmd.Flags().BoolVar(&flagDiscard, "discard", false, "discard the log device before formatting it")
}

// runFormatLdev writes the initial super sector, matching wdevc.cpp's
// formatLdev: verify both devices are block devices, optionally discard
// ldev, then write a fresh metadata block (pbs fixed at 4096) with an
// oldest/written lsid of zero. The two devices' physical block sizes
// are not compared.
func runFormatLdev(cmd *cobra.Command, args []string) error {
	ldevPath, ddevPath := args[0], args[1]
	if !isBlockDevice(ldevPath) {
		return fmt.Errorf("format-ldev: %s is not a block device", ldevPath)
	}
	if !isBlockDevice(ddevPath) {
		return fmt.Errorf("format-ldev: %s is not a block device", ddevPath)
	}

	ldev, err := blockdev.OpenReadWrite(ldevPath)
	if err != nil {
		return err
	}
	defer ldev.Close()

	ddev, err := blockdev.OpenReadWrite(ddevPath)
	if err != nil {
		return err
	}
	defer ddev.Close()

	if flagDiscard {
		if err := discard(ldevPath); err != nil {
			return fmt.Errorf("format-ldev: discard %s: %w", ldevPath, err)
		}
	}

	ldevSize, err := ldev.Size()
	if err != nil {
		return err
	}
	ddevSize, err := ddev.Size()
	if err != nil {
		return err
	}

	const pbs = 4096
	super := wlog.SuperBlock{
		Pbs:              pbs,
		LogicalBs:        512,
		UUID:             uuid.New(),
		Name:             flagName,
		RingBufferOffset: 1,
		RingBufferSize:   uint64(ldevSize)/pbs - 1,
		OldestLsid:       0,
		WrittenLsid:      0,
		DeviceSize:       uint64(ddevSize) / 512,
	}
	if super.RingBufferSize == 0 {
		return fmt.Errorf("format-ldev: %s is too small to hold a ring buffer", ldevPath)
	}
	if err := wlog.WriteSuperBlock(ldev, super); err != nil {
		return err
	}
	fmt.Printf("formatted %s: uuid=%s ring=%d physical blocks, data device %d logical blocks\n",
		ldevPath, super.UUID, super.RingBufferSize, super.DeviceSize)
	return nil
}

var createWdevCmd = &cobra.Command{
	Use:   "create-wdev LDEV DDEV",
	Short: "Start a walb device over an already-formatted (ldev, ddev) pair",
	Args:  cobra.ExactArgs(2),
	RunE:  runCreateWdev,
}

func init() {
	f := createWdevCmd.Flags()
	f.StringVar(&flagName, "name", "", "walb device name; empty lets the kernel assign one")
	f.Uint32Var(&flagMaxLogpackKB, "max-logpack-kb", defaultMaxLogpackKB, "max size of a single logpack, in KiB")
	f.Uint32Var(&flagMaxPendingMB, "max-pending-mb", defaultMaxPendingMB, "high water mark for pending IOs, in MiB")
	f.Uint32Var(&flagMinPendingMB, "min-pending-mb", defaultMinPendingMB, "low water mark for pending IOs, in MiB")
	f.Uint32Var(&flagQueueStopTimeoutMs, "queue-stop-timeout-ms", defaultQueueStopTimeoutMs, "request queue stop timeout")
	f.Uint32Var(&flagLogFlushIntervalMB, "log-flush-interval-mb", defaultFlushIntervalMB, "log flush threshold, in MiB")
	f.Uint32Var(&flagLogFlushIntervalMs, "log-flush-interval-ms", defaultFlushIntervalMs, "log flush threshold, in milliseconds")
	f.Uint32Var(&flagNPackBulk, "n-pack-bulk", defaultNPackBulk, "number of logpacks to submit per bulk")
	f.Uint32Var(&flagNIoBulk, "n-io-bulk", defaultNIoBulk, "number of IOs to submit per bulk")
}

// runCreateWdev issues WALB_IOCTL_START_DEV, matching wdevc.cpp's
// createWdev: validate the start parameters, load the ldev/ddev
// major/minor pairs, populate walb_ctl.u2k with both, and report the
// device name and major/minor the kernel hands back in k2u.
func runCreateWdev(cmd *cobra.Command, args []string) error {
	ldevPath, ddevPath := args[0], args[1]
	if flagMinPendingMB >= flagMaxPendingMB {
		return fmt.Errorf("create-wdev: min-pending-mb (%d) must be less than max-pending-mb (%d)", flagMinPendingMB, flagMaxPendingMB)
	}

	lmajor, lminor, err := bdevMajorMinor(ldevPath)
	if err != nil {
		return err
	}
	dmajor, dminor, err := bdevMajorMinor(ddevPath)
	if err != nil {
		return err
	}

	param := startParam{
		MaxLogpackKB:       flagMaxLogpackKB,
		MaxPendingMB:       flagMaxPendingMB,
		MinPendingMB:       flagMinPendingMB,
		QueueStopTimeoutMs: flagQueueStopTimeoutMs,
		LogFlushIntervalMB: flagLogFlushIntervalMB,
		LogFlushIntervalMs: flagLogFlushIntervalMs,
		NPackBulk:          flagNPackBulk,
		NIoBulk:            flagNIoBulk,
		Name:               nameToFixed(flagName),
	}

	ctl := &walbCtl{
		Command: walbIoctlStartDev,
		U2K: walbU2K{
			Wminor: dynamicMinor,
			LMajor: lmajor, LMinor: lminor,
			DMajor: dmajor, DMinor: dminor,
			BufSize: startParamSize,
		},
		K2U: walbK2U{BufSize: uint32(len(walbK2U{}.Buf))},
	}
	copy(ctl.U2K.Buf[:], param.encode())

	if err := invokeIoctl(ctl); err != nil {
		return fmt.Errorf("create-wdev: %w", err)
	}

	var nameBuf [diskNameLen]byte
	copy(nameBuf[:], ctl.K2U.Buf[:diskNameLen])
	major := leUint32(ctl.K2U.Buf[diskNameLen:])
	minor := leUint32(ctl.K2U.Buf[diskNameLen+4:])
	fmt.Printf("created /dev/walb/%s (major=%d minor=%d)\n", fixedToName(nameBuf), major, minor)
	return nil
}

var deleteWdevCmd = &cobra.Command{
	Use:   "delete-wdev WDEV",
	Short: "Stop a running walb device",
	Args:  cobra.ExactArgs(1),
	RunE:  runDeleteWdev,
}

// runDeleteWdev issues WALB_IOCTL_STOP_DEV against the wdev's own
// major/minor, matching wdevc.cpp's deleteWdev.
func runDeleteWdev(cmd *cobra.Command, args []string) error {
	wmajor, wminor, err := bdevMajorMinor(args[0])
	if err != nil {
		return err
	}
	ctl := &walbCtl{
		Command: walbIoctlStopDev,
		U2K:     walbU2K{WMajor: wmajor, Wminor: wminor},
	}
	if err := invokeIoctl(ctl); err != nil {
		return fmt.Errorf("delete-wdev: %w", err)
	}
	fmt.Printf("stopped %s\n", args[0])
	return nil
}

var resetWalCmd = &cobra.Command{
	Use:   "reset-wal LDEV",
	Short: "Drop every logpack currently recorded in a log device's ring buffer",
	Args:  cobra.ExactArgs(1),
	RunE:  runResetWal,
}

// runResetWal implements the "reset log" operation the rest of this
// module only ever requests in the abstract (advance oldestLsid to
// writtenLsid, discarding anything still in the ring buffer). wdevc.cpp
// names this command reset-wal but leaves its body a QQQ stub; the
// semantics here follow directly from the super block fields it already
// defines rather than a guess.
func runResetWal(cmd *cobra.Command, args []string) error {
	dev, err := blockdev.OpenReadWrite(args[0])
	if err != nil {
		return err
	}
	defer dev.Close()

	super, err := wlog.ReadSuperBlock(dev)
	if err != nil {
		return err
	}
	super.OldestLsid = super.WrittenLsid
	if err := wlog.WriteSuperBlock(dev, super); err != nil {
		return err
	}
	fmt.Printf("reset %s: oldest_lsid now %d\n", args[0], super.OldestLsid)
	return nil
}

var getLogUsageCmd = &cobra.Command{
	Use:   "get-log-usage LDEV",
	Short: "Print a log device's ring buffer usage",
	Args:  cobra.ExactArgs(1),
	RunE:  runGetLogUsage,
}

func runGetLogUsage(cmd *cobra.Command, args []string) error {
	dev, err := blockdev.OpenReadOnly(args[0])
	if err != nil {
		return err
	}
	defer dev.Close()

	super, err := wlog.ReadSuperBlock(dev)
	if err != nil {
		return err
	}
	used := super.WrittenLsid - super.OldestLsid
	pct := float64(used) / float64(super.RingBufferSize) * 100
	fmt.Printf("used=%d capacity=%d (%.2f%%)\n", used, super.RingBufferSize, pct)
	return nil
}

func leUint32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
