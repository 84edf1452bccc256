// Command walbc is an operator CLI for a running walb-proxy or
// walb-archive daemon: it speaks internal/proto.Client's wdiff-send
// protocol against either of those listening role daemons (walb-storage
// opens no listener), for manual
// testing and scripted operations outside the daemons' own background
// loops. Grounded on walb-tools' original controller binary pattern
// (a single small client program that every daemon's protocol targets),
// replaced here with a cobra command tree over internal/proto.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/cybozu-go/walb-tools/internal/meta"
	"github.com/cybozu-go/walb-tools/internal/proto"
	"github.com/cybozu-go/walb-tools/internal/walberr"
	"github.com/cybozu-go/walb-tools/internal/wdiff"
)

var rootCmd = &cobra.Command{
	Use:   "walbc",
	Short: "Talk to a walb-proxy/walb-archive daemon",
}

var sendWdiffCmd = &cobra.Command{
	Use:   "send-wdiff ADDR VOLID WDIFFFILE",
	Short: "Send a local wdiff file to a daemon as a manual wdiff-send",
	Args:  cobra.ExactArgs(3),
	RunE:  runSendWdiff,
}

var pingCmd = &cobra.Command{
	Use:   "ping ADDR",
	Short: "Check that a daemon is listening and completes the greeting handshake",
	Args:  cobra.ExactArgs(1),
	RunE:  runPing,
}

var flagGid uint64
var flagTimeout time.Duration

func init() {
	sendWdiffCmd.Flags().Uint64Var(&flagGid, "gid", 0, "begin gid of the clean (gid, gid+1) snapshot range this wdiff covers")
	rootCmd.PersistentFlags().DurationVar(&flagTimeout, "timeout", 30*time.Second, "overall operation timeout")
	rootCmd.AddCommand(sendWdiffCmd, pingCmd)
}

func runSendWdiff(cmd *cobra.Command, args []string) error {
	addr, volID, path := args[0], args[1], args[2]

	ctx, cancel := context.WithTimeout(context.Background(), flagTimeout)
	defer cancel()

	client := proto.NewClient("walbc", addr)
	diff := meta.Diff{
		SnapB:       meta.CleanSnap(flagGid),
		SnapE:       meta.CleanSnap(flagGid + 1),
		IsMergeable: true,
	}
	open := func() (*wdiff.SortedReader, error) {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		return wdiff.NewSortedReader(f)
	}
	if err := client.SendWdiff(ctx, volID, diff, open); err != nil {
		return err
	}
	fmt.Printf("sent %s for volume %s to %s\n", path, volID, addr)
	return nil
}

// runPing dials addr and completes the greeting handshake using the
// wdiff-send protocol name, the only one both listening role daemons
// (proxy and archive) register.
// A ProtocolMismatch response still proves the daemon is up and
// speaking the greeting wire format, so it counts as reachable too.
func runPing(cmd *cobra.Command, args []string) error {
	addr := args[0]
	d := net.Dialer{Timeout: flagTimeout}
	conn, err := d.Dial("tcp", addr)
	if err != nil {
		return err
	}
	defer conn.Close()

	serverID, err := proto.SendGreeting(conn, proto.Greeting{ClientID: "walbc", ProtocolName: proto.WdiffSendProtocol})
	if err != nil {
		if walberr.Is(err, walberr.ProtocolMismatch) {
			fmt.Printf("%s is reachable (greeting answered, protocol not recognized)\n", addr)
			return nil
		}
		return err
	}
	fmt.Printf("%s is reachable (server id %q)\n", addr, serverID)
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
