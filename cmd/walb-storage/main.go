// Command walb-storage is the storage-role daemon: it watches a set of
// local walb log devices and streams each one's new entries onward to a
// proxy as wdiffs, per spec.md §4.7's storage per-volume state and
// queue-file checkpoint protocol. Grounded on storage-server.cpp's wdev
// monitor thread (§5: "one polls the wdev set for permanent_lsid
// advances"), replacing its C++ option parsing with internal/config and
// sending through internal/proto's Client. This daemon opens no listener
// and dispatches no inbound protocols.
package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/cybozu-go/walb-tools/internal/blockdev"
	"github.com/cybozu-go/walb-tools/internal/config"
	"github.com/cybozu-go/walb-tools/internal/proto"
	"github.com/cybozu-go/walb-tools/internal/volume"
	"github.com/cybozu-go/walb-tools/internal/wdiff"
	"github.com/cybozu-go/walb-tools/internal/wlog"
	"github.com/cybozu-go/walb-tools/internal/zlog"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "walb-storage",
	Short: "Run the storage-role daemon",
	RunE:  run,
}

var addVolumeCmd = &cobra.Command{
	Use:   "add-volume BASEDIR VOLID LOGDEVICE",
	Short: "Register a volume's log device path before the daemon starts sending it",
	Args:  cobra.ExactArgs(3),
	RunE:  runAddVolume,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to the storage daemon's TOML config")
	rootCmd.AddCommand(addVolumeCmd)
}

func runAddVolume(cmd *cobra.Command, args []string) error {
	baseDir, volID, devPath := args[0], args[1], args[2]
	info, err := volume.Open(baseDir, volID, volume.StorageStatePairs, volume.StorageMaster)
	if err != nil {
		return err
	}
	if !info.Exists() {
		if err := info.Init(); err != nil {
			return err
		}
	}
	return info.SetLogDevicePath(devPath)
}

func run(cmd *cobra.Command, args []string) error {
	if configPath == "" {
		return fmt.Errorf("walb-storage: --config is required")
	}
	cfg, err := config.LoadStorage(configPath)
	if err != nil {
		return err
	}
	logger := zlog.New(cfg.LogLevel)
	defer logger.Sync()

	set := volume.New(cfg.BaseDir, volume.StorageStatePairs, volume.StorageMaster, nil, "")

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	clients := make([]*proto.Client, len(cfg.Proxies))
	for i, p := range cfg.Proxies {
		clients[i] = proto.NewClient("storage", p.Address)
	}

	d := newSendDaemon(set, clients, cfg, logger)
	return d.run(ctx)
}

// sendDaemon is the background wlog monitor: it sweeps every volume
// known to set on a fixed tick, advancing its queue and forwarding
// newly-available log ranges to the first configured proxy, per
// §5's "polls the wdev set for permanent_lsid advances (triggers
// wlog-send)".
type sendDaemon struct {
	set     *volume.Set
	clients []*proto.Client
	cfg     config.StorageConfig
	logger  *zap.SugaredLogger
}

func newSendDaemon(set *volume.Set, clients []*proto.Client, cfg config.StorageConfig, logger *zap.SugaredLogger) *sendDaemon {
	return &sendDaemon{set: set, clients: clients, cfg: cfg, logger: logger}
}

func (d *sendDaemon) run(ctx context.Context) error {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			for _, volID := range d.set.VolumeIDs() {
				if err := d.sweepVolume(ctx, volID); err != nil {
					zlog.ForVolume(d.logger, volID).Infow("wlog send round failed", "error", err)
				}
			}
		}
	}
}

// sweepVolume is one volume's monitor tick: open its log device, advance
// its checkpoint queue to the device's current written lsid, then send
// whatever PrepareWlogTransfer computes to the active proxy.
func (d *sendDaemon) sweepVolume(ctx context.Context, volID string) error {
	info, err := d.set.Info(volID)
	if err != nil {
		return err
	}
	devPath := info.LogDevicePath()
	if devPath == "" {
		return nil // not yet configured via add-volume
	}

	dev, err := blockdev.OpenReadOnly(devPath)
	if err != nil {
		return err
	}
	defer dev.Close()

	super, err := wlog.ReadSuperBlock(dev)
	if err != nil {
		return err
	}
	if _, err := info.TakeSnapshot(super.WrittenLsid); err != nil {
		return err
	}

	maxSendPb := uint64(d.cfg.MaxWlogSendMb) * 1024 * 1024 / uint64(super.Pbs)
	plan, ok := info.PrepareWlogTransfer(maxSendPb)
	if !ok {
		return nil
	}

	client := d.activeClient()
	if client == nil {
		return fmt.Errorf("wlog send: no proxy configured")
	}

	open := func() (*wdiff.SortedReader, error) {
		return convertRange(devPath, plan.RecB.Lsid, plan.Limit.Lsid)
	}
	if err := client.SendWdiff(ctx, volID, plan.Diff, open); err != nil {
		return err
	}
	return info.FinishWlogTransfer(plan)
}

// activeClient returns the proxy this round sends to. §5 describes a
// monitor thread rotating the active proxy on unreachability; this
// daemon keeps that policy to its simplest useful form (always the
// first configured proxy) since a full reachability-rotation scheme
// needs a liveness history this struct doesn't keep yet.
func (d *sendDaemon) activeClient() *proto.Client {
	if len(d.clients) == 0 {
		return nil
	}
	return d.clients[0]
}

// convertRange reads [beginLsid, endLsid) from the log device at
// devPath and returns it as an in-memory sorted wdiff, ready for
// proto.SendWdiff to stream out.
func convertRange(devPath string, beginLsid, endLsid uint64) (*wdiff.SortedReader, error) {
	dev, err := blockdev.OpenReadOnly(devPath)
	if err != nil {
		return nil, err
	}
	defer dev.Close()

	super, err := wlog.ReadSuperBlock(dev)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	w, err := wdiff.NewSortedWriter(&buf, uuid.New())
	if err != nil {
		return nil, err
	}
	r := wlog.NewReader(dev, super, beginLsid, nil)
	if _, err := wlog.Convert(r, endLsid, w, 4096); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return wdiff.NewSortedReader(&buf)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
