// Command walb-archive is the archive-role daemon: it accepts wdiffs
// relayed by a proxy, keeps them as the long-term, mergeable backing
// history for a volume's base image, and periodically consolidates
// mergeable runs into fewer, larger diffs, per spec.md §4.6's merge
// engine and §4.7's archive per-volume state. Grounded on
// archive-server.cpp's accept-loop-plus-dispatch-table shape, replaced
// here with internal/proto.Dispatcher, and on archive_vol_info.hpp's
// background gc/merge task.
//
// Applying a diff chain to the LVM-backed base image and materializing
// restore snapshots (archive_vol_info.hpp's restore/delete-snapshot
// paths) are out of scope for this daemon: no LVM-interaction package
// exists anywhere in this module (none of the source retrieved for this
// project touches device-mapper or lvm2 bindings), so there is nothing
// to ground such a component on. This is a deliberate, documented scope
// cut, not an oversight — see DESIGN.md.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/cybozu-go/walb-tools/internal/config"
	"github.com/cybozu-go/walb-tools/internal/diffmerge"
	"github.com/cybozu-go/walb-tools/internal/meta"
	"github.com/cybozu-go/walb-tools/internal/proto"
	"github.com/cybozu-go/walb-tools/internal/volume"
	"github.com/cybozu-go/walb-tools/internal/zlog"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "walb-archive",
	Short: "Run the archive-role daemon",
	RunE:  run,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to the archive daemon's TOML config")
}

func run(cmd *cobra.Command, args []string) error {
	if configPath == "" {
		return fmt.Errorf("walb-archive: --config is required")
	}
	cfg, err := config.LoadArchive(configPath)
	if err != nil {
		return err
	}
	logger := zlog.New(cfg.LogLevel)
	defer logger.Sync()

	set := volume.NewArchiveSet(cfg.BaseDir)

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Port))
	if err != nil {
		return err
	}
	defer ln.Close()

	table := proto.Table{
		proto.WdiffSendProtocol: proto.NewWdiffSendHandler(set),
	}
	dispatcher := proto.NewDispatcher("walb-archive", table, cfg.MaxForegroundTasks, logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	gc := newMergeDaemon(set, logger)
	go gc.run(ctx)

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	if err := dispatcher.Serve(ln); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
	return nil
}

// mergeDaemon is the archive's background consolidation loop: on a
// fixed tick it walks every known volume and folds each mergeable run
// of diffs (per meta.Manager.GetMergeableDiffList) into one, using
// internal/diffmerge the same way a manual wdiff-merge CLI invocation
// would, per §4.6.
type mergeDaemon struct {
	set    *volume.Set
	logger *zap.SugaredLogger
}

func newMergeDaemon(set *volume.Set, logger *zap.SugaredLogger) *mergeDaemon {
	return &mergeDaemon{set: set, logger: logger}
}

func (g *mergeDaemon) run(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, volID := range g.set.VolumeIDs() {
				if err := g.sweepVolume(volID); err != nil {
					zlog.ForVolume(g.logger, volID).Infow("merge round failed", "error", err)
				}
			}
		}
	}
}

func (g *mergeDaemon) sweepVolume(volID string) error {
	mgr, err := g.set.Manager(volID)
	if err != nil {
		return err
	}
	minGid, maxGid, ok := mgr.GetMinMaxGid()
	if !ok {
		return nil
	}
	dir, err := g.set.Dir(volID)
	if err != nil {
		return err
	}

	for gid := minGid; gid <= maxGid; gid++ {
		list := mgr.GetMergeableDiffList(gid)
		if len(list) < 2 {
			continue
		}
		merged, ok := mgr.GetMergedDiff(gid)
		if !ok {
			continue
		}

		if err := g.mergeGroup(volID, dir, list, merged); err != nil {
			return err
		}
	}

	if removed, err := g.set.ReclaimGarbage(volID, meta.CleanSnap(minGid)); err != nil {
		return err
	} else if len(removed) > 0 {
		zlog.ForVolume(g.logger, volID).Infow("gc: reclaimed diffs off the apply path", "count", len(removed))
	}
	return nil
}

// mergeGroup folds the sources named by list into a single merged wdiff
// file and swaps it in for them, via internal/diffmerge.
func (g *mergeDaemon) mergeGroup(volID, dir string, list []meta.Diff, merged meta.Diff) error {
	m := diffmerge.New(false)
	var files []*os.File
	defer func() {
		for _, f := range files {
			f.Close()
		}
	}()
	for _, d := range list {
		f, err := os.Open(filepath.Join(dir, meta.DiffFileName(d)))
		if err != nil {
			return err
		}
		files = append(files, f)
		src, err := diffmerge.NewSortedSource(f)
		if err != nil {
			return err
		}
		m.AddSource(src)
	}

	tmp, err := os.CreateTemp(dir, "merge-*.wdiff.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if err := m.WriteTo(tmp); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}

	if err := g.set.ReplaceMerged(volID, list, merged, tmpPath); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
