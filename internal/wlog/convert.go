package wlog

import (
	"github.com/cybozu-go/walb-tools/internal/diffrec"
)

// DiffWriter is satisfied by both wdiff.SortedWriter and wdiff.IndexedWriter;
// the converter is agnostic to which container format the caller chose for
// its output, per §4.5 ("fed to either a sorted writer ... or an indexed
// writer").
type DiffWriter interface {
	AddRecord(rec diffrec.Record, payload []byte) error
}

// ToDiffRecords converts one decoded log pack into diff records per §4.5's
// per-record rules, grounded on the padding/discard/allZero/normal
// classification in walb_log_redo.hpp's WlogApplyer::run. Records with no
// output (padding) are simply omitted.
func ToDiffRecords(h LogPackHeader, payloads [][]byte, maxIoBlocks uint32) []diffrec.RecIo {
	var out []diffrec.RecIo
	for i, rec := range h.Records {
		switch {
		case rec.IsPadding():
			continue
		case rec.IsDiscard():
			dr := diffrec.Record{IoAddress: rec.IoAddr, IoBlocks: rec.IoBlocks}
			dr.SetDiscard()
			out = append(out, diffrec.RecIo{Rec: dr}.Split(maxIoBlocks)...)
		default:
			payload := payloads[i]
			dr := diffrec.Record{IoAddress: rec.IoAddr, IoBlocks: rec.IoBlocks}
			if diffrec.IsAllZeroBytes(payload) {
				dr.SetAllZero()
				out = append(out, diffrec.RecIo{Rec: dr}.Split(maxIoBlocks)...)
				continue
			}
			dr.SetNormal()
			dr.DataSize = uint32(len(payload))
			dr.Checksum = diffrec.ChecksumPayload(payload)
			for _, piece := range (diffrec.RecIo{Rec: dr, Io: payload}).Split(maxIoBlocks) {
				piece.Rec.DataSize = uint32(len(piece.Io))
				piece.Rec.Checksum = diffrec.ChecksumPayload(piece.Io)
				out = append(out, piece)
			}
		}
	}
	return out
}

// Convert drains reader from its current lsid up to (not including)
// endLsid, writing every resulting diff record to w. It returns the lsid
// the reader stopped at (== endLsid on full success).
func Convert(r *Reader, endLsid uint64, w DiffWriter, maxIoBlocks uint32) (uint64, error) {
	for {
		h, payloads, ok, err := r.ReadPack(endLsid)
		if err != nil {
			return r.Lsid(), err
		}
		if !ok {
			return r.Lsid(), nil
		}
		for _, ri := range ToDiffRecords(h, payloads, maxIoBlocks) {
			if err := w.AddRecord(ri.Rec, ri.Io); err != nil {
				return r.Lsid(), err
			}
		}
	}
}
