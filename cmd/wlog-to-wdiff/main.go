// Command wlog-to-wdiff converts a range of a walb log device into a
// wdiff file, grounded on original_source/binsrc's wlog-to-wdiff tool
// and internal/wlog.Convert's per-record classification rules.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/cybozu-go/walb-tools/internal/blockdev"
	"github.com/cybozu-go/walb-tools/internal/wdiff"
	"github.com/cybozu-go/walb-tools/internal/wlog"
)

var (
	beginLsid   uint64
	endLsid     uint64
	maxIoBlocks uint32
	indexed     bool
)

var rootCmd = &cobra.Command{
	Use:   "wlog-to-wdiff LOGDEVICE OUTFILE",
	Short: "Convert a walb log device range into a wdiff file",
	Args:  cobra.ExactArgs(2),
	RunE:  run,
}

func init() {
	rootCmd.Flags().Uint64Var(&beginLsid, "begin", 0, "lsid to start at (0 = the device's oldest lsid)")
	rootCmd.Flags().Uint64Var(&endLsid, "end", ^uint64(0), "lsid to stop before (default: the device's written lsid)")
	rootCmd.Flags().Uint32Var(&maxIoBlocks, "max-io-blocks", 4096, "split any IO larger than this many logical blocks")
	rootCmd.Flags().BoolVar(&indexed, "indexed", false, "write the indexed wdiff container format instead of sorted")
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
	lsid := beginLsid
	if lsid == 0 {
		lsid = super.OldestLsid
	}
	stop := endLsid
	if stop == ^uint64(0) {
		stop = super.WrittenLsid
	}

	out, err := os.Create(args[1])
	if err != nil {
		return err
	}
	defer out.Close()

	id := super.UUID
	if indexed {
		w, err := wdiff.NewIndexedWriter(out, id)
		if err != nil {
			return err
		}
		if _, err := wlog.Convert(wlog.NewReader(dev, super, lsid, nil), stop, w, maxIoBlocks); err != nil {
			return err
		}
		return w.Close()
	}
	w, err := wdiff.NewSortedWriter(out, id)
	if err != nil {
		return err
	}
	final, err := wlog.Convert(wlog.NewReader(dev, super, lsid, nil), stop, w, maxIoBlocks)
	if err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "converted lsid [%d, %d) into %s (uuid %s)\n", lsid, final, args[1], id)
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
