package proto

import (
	"bufio"
	"io"
	"net"
	"os"

	"github.com/google/uuid"

	"github.com/cybozu-go/walb-tools/internal/diffrec"
	"github.com/cybozu-go/walb-tools/internal/meta"
	"github.com/cybozu-go/walb-tools/internal/walberr"
	"github.com/cybozu-go/walb-tools/internal/wdiff"
)

// WdiffSendProtocol is the protocol name used in the greeting for the
// wdiff-send exchange, matching §4.8.
const WdiffSendProtocol = "wdiff-send"

// wdiffSendBatcher accumulates records into wire packs respecting the
// same record-count and payload-size caps as the on-disk sorted format
// (wdiff.MaxRecordsInPack, wdiff.MaxPackPayloadSize), so a received
// stream reassembles into a valid sorted wdiff file.
type wdiffSendBatcher struct {
	records   []diffrec.Record
	payloads  [][]byte
	totalSize uint32
}

func (b *wdiffSendBatcher) wouldOverflow(rec diffrec.Record) bool {
	if len(b.records)+1 > wdiff.MaxRecordsInPack {
		return true
	}
	if rec.IsNormal() && uint64(b.totalSize)+uint64(rec.DataSize) > wdiff.MaxPackPayloadSize {
		return true
	}
	return false
}

func (b *wdiffSendBatcher) add(rec diffrec.Record, payload []byte) {
	if rec.IsNormal() {
		rec.DataOffset = b.totalSize
		b.totalSize += rec.DataSize
	}
	b.records = append(b.records, rec)
	b.payloads = append(b.payloads, payload)
}

func (b *wdiffSendBatcher) empty() bool { return len(b.records) == 0 }

func (b *wdiffSendBatcher) flush(w io.Writer) error {
	if b.empty() {
		return nil
	}
	if err := writeCtrl(w, ctrlNext); err != nil {
		return err
	}
	h := wdiff.PackHeader{TotalSize: b.totalSize, Records: b.records}
	if _, err := w.Write(h.Encode()); err != nil {
		return walberr.Wrap(walberr.IoError, err, "proto: write pack header")
	}
	for _, p := range b.payloads {
		if len(p) == 0 {
			continue
		}
		if _, err := w.Write(p); err != nil {
			return walberr.Wrap(walberr.IoError, err, "proto: write pack payload")
		}
	}
	b.records = nil
	b.payloads = nil
	b.totalSize = 0
	return nil
}

// SendWdiff runs the client side of §4.8's wdiff-send protocol over an
// already-greeted conn: it announces (volumeID, diff), waits for the
// server's accept/reject, then streams src's records as NEXT-tagged
// packs and closes with END. src is typically opened from a local
// sorted wdiff file via wdiff.NewSortedReader.
func SendWdiff(conn net.Conn, volumeID string, diff meta.Diff, src *wdiff.SortedReader) error {
	if err := writeString(conn, volumeID); err != nil {
		return err
	}
	if err := encodeDiff(conn, diff); err != nil {
		return err
	}
	accepted, err := readAck(conn)
	if err != nil {
		return err
	}
	if !accepted {
		return walberr.New(walberr.BadState, "proto: wdiff-send rejected for volume %s", volumeID)
	}

	var batch wdiffSendBatcher
	for {
		recIo, ok, err := src.ReadDiff()
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		if batch.wouldOverflow(recIo.Rec) {
			if err := batch.flush(conn); err != nil {
				return err
			}
		}
		batch.add(recIo.Rec, recIo.Io)
	}
	if err := batch.flush(conn); err != nil {
		return err
	}
	if err := writeCtrl(conn, ctrlEnd); err != nil {
		return err
	}

	stored, err := readAck(conn)
	if err != nil {
		return err
	}
	if !stored {
		return walberr.New(walberr.IoError, "proto: server failed to store wdiff for volume %s", volumeID)
	}
	return nil
}

// WdiffReceiver is the volume-management side of the server's
// wdiff-send handler: everything specific to a role daemon's state
// machine and diff manager, so this package stays free of a direct
// internal/volume dependency.
type WdiffReceiver interface {
	// AcceptState reports whether volumeID is currently able to accept
	// an inbound wdiff-send (pAcceptForWdiffSend on proxy, Archived or
	// a transitional receive state on archive).
	AcceptState(volumeID string) bool
	// Dir returns the directory the temp file and final wdiff should
	// live in.
	Dir(volumeID string) (string, error)
	// AlreadyPresent reports whether volumeID already has a diff whose
	// (SnapB, SnapE) matches diff, making this an idempotent retry.
	AlreadyPresent(volumeID string, diff meta.Diff) bool
	// Store finalizes tmpPath as volumeID's stored wdiff (typically a
	// rename to meta.DiffFileName(diff)) and registers diff with the
	// volume's meta-diff manager.
	Store(volumeID string, diff meta.Diff, tmpPath string) error
}

// NewWdiffSendHandler builds the server-side Handler for
// WdiffSendProtocol, matching §4.8 steps 2-4 and its idempotency
// requirement: a retried (volumeId, MetaDiff) that is already present
// and identical is accepted without being re-stored.
func NewWdiffSendHandler(recv WdiffReceiver) Handler {
	return func(conn net.Conn, clientID string) error {
		br := bufio.NewReaderSize(conn, wdiff.PackHeaderSize)

		volumeID, err := readString(br)
		if err != nil {
			return err
		}
		diff, err := decodeDiff(br)
		if err != nil {
			return err
		}

		if !recv.AcceptState(volumeID) {
			return writeAck(conn, false)
		}
		if err := writeAck(conn, true); err != nil {
			return err
		}

		dir, err := recv.Dir(volumeID)
		if err != nil {
			return err
		}
		tmpFile, err := os.CreateTemp(dir, "recv-*.wdiff.tmp")
		if err != nil {
			return walberr.Wrap(walberr.IoError, err, "proto: create temp wdiff for %s", volumeID)
		}
		tmpPath := tmpFile.Name()
		defer os.Remove(tmpPath) // no-op once Store has renamed it away

		if err := receiveWdiffStream(br, tmpFile); err != nil {
			tmpFile.Close()
			writeAck(conn, false)
			return err
		}
		if err := tmpFile.Close(); err != nil {
			writeAck(conn, false)
			return walberr.Wrap(walberr.IoError, err, "proto: close temp wdiff for %s", volumeID)
		}

		if recv.AlreadyPresent(volumeID, diff) {
			return writeAck(conn, true)
		}
		if err := recv.Store(volumeID, diff, tmpPath); err != nil {
			writeAck(conn, false)
			return err
		}
		return writeAck(conn, true)
	}
}

// receiveWdiffStream reads NEXT-tagged packs until END, reassembling
// them into a valid sorted wdiff file (with its own terminator pack) in
// w.
func receiveWdiffStream(r io.Reader, w io.Writer) error {
	sw, err := wdiff.NewSortedWriter(w, uuid.New())
	if err != nil {
		return err
	}
	buf := make([]byte, wdiff.PackHeaderSize)
	for {
		ctrl, err := readCtrl(r)
		if err != nil {
			return err
		}
		if ctrl == ctrlEnd {
			return sw.Close()
		}
		if _, err := io.ReadFull(r, buf); err != nil {
			return walberr.Wrap(walberr.IoError, err, "proto: read pack header")
		}
		pack, err := wdiff.DecodePackHeader(buf)
		if err != nil {
			return err
		}
		for _, rec := range pack.Records {
			var payload []byte
			if rec.IsNormal() && rec.DataSize > 0 {
				payload = make([]byte, rec.DataSize)
				if _, err := io.ReadFull(r, payload); err != nil {
					return walberr.Wrap(walberr.IoError, err, "proto: read pack payload")
				}
				if rec.Checksum != diffrec.ChecksumPayload(payload) {
					return walberr.New(walberr.InvalidFormat, "proto: payload checksum mismatch at addr %d", rec.IoAddress)
				}
			}
			if err := sw.AddRecord(rec, payload); err != nil {
				return err
			}
		}
	}
}
