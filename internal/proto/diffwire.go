package proto

import (
	"encoding/binary"
	"io"
	"time"

	"github.com/cybozu-go/walb-tools/internal/meta"
	"github.com/cybozu-go/walb-tools/internal/walberr"
)

// diffWireSize is the fixed encoding of a meta.Diff on the wire: two
// Snap pairs (4x uint64), a Unix timestamp (int64), and two flag bytes.
const diffWireSize = 8*4 + 8 + 1 + 1

func encodeDiff(w io.Writer, d meta.Diff) error {
	var buf [diffWireSize]byte
	binary.LittleEndian.PutUint64(buf[0:], d.SnapB.GidB)
	binary.LittleEndian.PutUint64(buf[8:], d.SnapB.GidE)
	binary.LittleEndian.PutUint64(buf[16:], d.SnapE.GidB)
	binary.LittleEndian.PutUint64(buf[24:], d.SnapE.GidE)
	binary.LittleEndian.PutUint64(buf[32:], uint64(d.Timestamp.Unix()))
	if d.IsMergeable {
		buf[40] = 1
	}
	if d.IsCompDiff {
		buf[41] = 1
	}
	if _, err := w.Write(buf[:]); err != nil {
		return walberr.Wrap(walberr.IoError, err, "proto: write diff")
	}
	return nil
}

func decodeDiff(r io.Reader) (meta.Diff, error) {
	var buf [diffWireSize]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return meta.Diff{}, walberr.Wrap(walberr.IoError, err, "proto: read diff")
	}
	d := meta.Diff{
		SnapB: meta.Snap{
			GidB: binary.LittleEndian.Uint64(buf[0:]),
			GidE: binary.LittleEndian.Uint64(buf[8:]),
		},
		SnapE: meta.Snap{
			GidB: binary.LittleEndian.Uint64(buf[16:]),
			GidE: binary.LittleEndian.Uint64(buf[24:]),
		},
		Timestamp:   time.Unix(int64(binary.LittleEndian.Uint64(buf[32:])), 0).UTC(),
		IsMergeable: buf[40] != 0,
		IsCompDiff:  buf[41] != 0,
	}
	if err := d.Verify(); err != nil {
		return meta.Diff{}, err
	}
	return d, nil
}
