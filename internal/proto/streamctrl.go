package proto

import (
	"io"

	"github.com/cybozu-go/walb-tools/internal/walberr"
)

// streamCtrl is the one-byte tag preceding each pack in a wdiff-send
// stream, matching §4.8 step 3: "for each pack, a stream-control tag
// NEXT, ... ; ends with a stream-control tag END."
type streamCtrl uint8

const (
	ctrlNext streamCtrl = 0
	ctrlEnd  streamCtrl = 1
)

func writeCtrl(w io.Writer, c streamCtrl) error {
	if _, err := w.Write([]byte{byte(c)}); err != nil {
		return walberr.Wrap(walberr.IoError, err, "proto: write stream-control tag")
	}
	return nil
}

func readCtrl(r io.Reader) (streamCtrl, error) {
	var b [1]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, walberr.Wrap(walberr.IoError, err, "proto: read stream-control tag")
	}
	c := streamCtrl(b[0])
	if c != ctrlNext && c != ctrlEnd {
		return 0, walberr.New(walberr.ProtocolMismatch, "proto: unknown stream-control tag %d", b[0])
	}
	return c, nil
}
