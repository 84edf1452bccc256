// Command wlog-show dumps a walb log device's pack headers and record
// summaries in human-readable form, grounded on the teacher pack's
// wlog-show/wlog-cat debugging tools that walk a log device without
// converting it, printing one line per pack for inspection.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/cybozu-go/walb-tools/internal/blockdev"
	"github.com/cybozu-go/walb-tools/internal/wlog"
)

var beginLsid, endLsid uint64

var rootCmd = &cobra.Command{
	Use:   "wlog-show LOGDEVICE",
	Short: "Print a walb log device's pack headers and record summaries",
	Args:  cobra.ExactArgs(1),
	RunE:  run,
}

func init() {
	rootCmd.Flags().Uint64Var(&beginLsid, "begin", 0, "lsid to start at (0 = the device's oldest lsid)")
	rootCmd.Flags().Uint64Var(&endLsid, "end", ^uint64(0), "lsid to stop before (default: read until the writer catches up)")
}

func run(cmd *cobra.Command, args []string) error {
	dev, err := blockdev.OpenReadOnly(args[0])
	if err != nil {
		return err
	}
	defer dev.Close()

	super, err := wlog.ReadSuperBlock(dev)
	if err != nil {
		return err
	}
	fmt.Printf("uuid=%s name=%s pbs=%d lbs=%d salt=%d ringOffset=%d ringSize=%d oldestLsid=%d writtenLsid=%d\n",
		super.UUID, super.Name, super.Pbs, super.LogicalBs, super.Salt,
		super.RingBufferOffset, super.RingBufferSize, super.OldestLsid, super.WrittenLsid)

	lsid := beginLsid
	if lsid == 0 {
		lsid = super.OldestLsid
	}
	stop := endLsid
	if stop == ^uint64(0) {
		stop = super.WrittenLsid
	}

	r := wlog.NewReader(dev, super, lsid, nil)
	for {
		h, _, ok, err := r.ReadPack(stop)
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		fmt.Printf("pack lsid=%d n_records=%d total_io_lb=%d\n", h.Lsid, h.NRecords, h.TotalIoLb)
		for _, rec := range h.Records {
			kind := "NORMAL"
			switch {
			case rec.IsPadding():
				kind = "PADDING"
			case rec.IsDiscard():
				kind = "DISCARD"
			}
			fmt.Printf("  %-7s lsid=%d addr=%d blocks=%d\n", kind, rec.Lsid, rec.IoAddr, rec.IoBlocks)
		}
	}
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
