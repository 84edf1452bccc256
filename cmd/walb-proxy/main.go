// Command walb-proxy is the proxy-role daemon: it accepts wdiffs sent
// by storage daemons and relays them onward to each configured archive,
// per spec.md §4.7's proxy per-volume state and §4.8's wdiff-send
// protocol. Grounded on proxy-server.cpp's accept-loop-plus-dispatch-
// table shape, replaced here with internal/proto.Dispatcher, and on
// proxy_data.hpp's forwarding behavior, simplified from its literal
// master/slave hardlink-fan-out directory scheme (§4.7) to a single
// per-volume DiffDir plus a per-archive "sent up to" gid watermark —
// see the relayDaemon doc comment below for why.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/cybozu-go/walb-tools/internal/config"
	"github.com/cybozu-go/walb-tools/internal/meta"
	"github.com/cybozu-go/walb-tools/internal/proto"
	"github.com/cybozu-go/walb-tools/internal/volume"
	"github.com/cybozu-go/walb-tools/internal/wdiff"
	"github.com/cybozu-go/walb-tools/internal/zlog"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "walb-proxy",
	Short: "Run the proxy-role daemon",
	RunE:  run,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to the proxy daemon's TOML config")
}

func run(cmd *cobra.Command, args []string) error {
	if configPath == "" {
		return fmt.Errorf("walb-proxy: --config is required")
	}
	cfg, err := config.LoadProxy(configPath)
	if err != nil {
		return err
	}
	logger := zlog.New(cfg.LogLevel)
	defer logger.Sync()

	set := volume.NewProxySet(cfg.BaseDir)

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Port))
	if err != nil {
		return err
	}
	defer ln.Close()

	table := proto.Table{
		proto.WdiffSendProtocol: proto.NewWdiffSendHandler(set),
	}
	dispatcher := proto.NewDispatcher("walb-proxy", table, cfg.MaxForegroundTasks, logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	clients := make(map[string]*proto.Client, len(cfg.Archives))
	for _, a := range cfg.Archives {
		clients[a.Name] = proto.NewClient("proxy", a.Address)
	}

	relay := newRelayDaemon(set, clients, logger)
	go relay.run(ctx)

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

// relayDaemon is the proxy's background forwarder: on a fixed tick it
// walks every known volume's diff manager and, for each configured
// archive, sends whatever that archive hasn't yet acknowledged.
//
// §4.7 describes a fan-out implemented with a master directory and one
// hardlinked slave/<archive> directory per downstream, with an unlink of
// the master copy once every downstream has acked past the sent
// snapshot's gid. This daemon keeps the same acknowledge-then-reclaim
// behavior but tracks each archive's progress as an in-memory gid
// watermark against the volume's single DiffDir rather than literal
// per-archive directories and hardlinks, since nothing elsewhere in this
// module reads a proxy's on-disk layout directly (only the protocol
// matters to a storage sender or archive receiver) — this is a
// deliberate scope simplification, not a faithful port of the hardlink
// scheme.
type relayDaemon struct {
	set     *volume.Set
	clients map[string]*proto.Client
	logger  *zap.SugaredLogger

	mu      sync.Mutex
	sentGid map[string]map[string]uint64 // volID -> archiveName -> last acked gid
}

func newRelayDaemon(set *volume.Set, clients map[string]*proto.Client, logger *zap.SugaredLogger) *relayDaemon {
	return &relayDaemon{
		set:     set,
		clients: clients,
		logger:  logger,
		sentGid: make(map[string]map[string]uint64),
	}
}

func (r *relayDaemon) run(ctx context.Context) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, volID := range r.set.VolumeIDs() {
				r.sweepVolume(ctx, volID)
			}
		}
	}
}

func (r *relayDaemon) lastSentGid(volID, archiveName string) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sentGid[volID][archiveName]
}

func (r *relayDaemon) recordSentGid(volID, archiveName string, gid uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sentGid[volID] == nil {
		r.sentGid[volID] = make(map[string]uint64)
	}
	r.sentGid[volID][archiveName] = gid
}

func (r *relayDaemon) sweepVolume(ctx context.Context, volID string) {
	mgr, err := r.set.Manager(volID)
	if err != nil {
		zlog.ForVolume(r.logger, volID).Infow("relay: manager lookup failed", "error", err)
		return
	}
	dir, err := r.set.Dir(volID)
	if err != nil {
		zlog.ForVolume(r.logger, volID).Infow("relay: dir lookup failed", "error", err)
		return
	}

	minAcked := ^uint64(0)
	for name, client := range r.clients {
		fromGid := r.lastSentGid(volID, name)
		diffs := mgr.GetApplicableDiffList(meta.CleanSnap(fromGid))
		for _, d := range diffs {
			path := filepath.Join(dir, meta.DiffFileName(d))
			open := func() (*wdiff.SortedReader, error) {
				f, err := os.Open(path)
				if err != nil {
					return nil, err
				}
				return wdiff.NewSortedReader(f)
			}
			if err := client.SendWdiff(ctx, volID, d, open); err != nil {
				zlog.ForVolume(r.logger, volID).Infow("relay: send failed", "archive", name, "error", err)
				break
			}
			r.recordSentGid(volID, name, d.SnapE.GidB)
		}
		if acked := r.lastSentGid(volID, name); acked < minAcked {
			minAcked = acked
		}
	}
	if minAcked != ^uint64(0) && minAcked > 0 {
		if removed, err := r.set.Reclaim(volID, minAcked); err != nil {
			zlog.ForVolume(r.logger, volID).Infow("relay: reclaim failed", "error", err)
		} else if len(removed) > 0 {
			zlog.ForVolume(r.logger, volID).Infow("relay: reclaimed acked diffs", "count", len(removed))
		}
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
