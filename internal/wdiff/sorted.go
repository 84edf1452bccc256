package wdiff

import (
	"bufio"
	"io"

	"github.com/google/uuid"

	"github.com/cybozu-go/walb-tools/internal/diffrec"
	"github.com/cybozu-go/walb-tools/internal/walberr"
)

// SortedWriter streams the append-only sorted wdiff format: header, then a
// run of 4 KiB-framed packs each followed by its concatenated payloads,
// then a zero-record END pack. Grounded on walb_diff_file.hpp's
// PackHeader/pack-write loop.
type SortedWriter struct {
	w       io.Writer
	builder packBuilder
	closed  bool
}

// NewSortedWriter writes the file header immediately and returns a writer
// ready to accept records via AddRecord.
func NewSortedWriter(w io.Writer, id uuid.UUID) (*SortedWriter, error) {
	h := FileHeader{Version: Version, Type: TypeSorted, UUID: id}
	if _, err := w.Write(h.Encode()); err != nil {
		return nil, walberr.Wrap(walberr.IoError, err, "write wdiff header")
	}
	return &SortedWriter{w: w}, nil
}

// AddRecord appends one diff record and its (already compressed, if
// applicable) payload, flushing the current pack first if it would
// otherwise overflow the record-count or MaxPackPayloadSize bound.
func (sw *SortedWriter) AddRecord(rec diffrec.Record, payload []byte) error {
	if sw.builder.WouldOverflow(rec) {
		if err := sw.flushPack(false); err != nil {
			return err
		}
	}
	if rec.IsNormal() {
		rec.DataOffset = sw.builder.totalSize
	}
	sw.builder.Add(rec, payload)
	return nil
}

func (sw *SortedWriter) flushPack(end bool) error {
	if sw.builder.Empty() && !end {
		return nil
	}
	h := sw.builder.Header()
	h.End = end
	buf := h.Encode()
	if _, err := sw.w.Write(buf); err != nil {
		return walberr.Wrap(walberr.IoError, err, "write pack header")
	}
	for _, p := range sw.builder.payloads {
		if len(p) == 0 {
			continue
		}
		if _, err := sw.w.Write(p); err != nil {
			return walberr.Wrap(walberr.IoError, err, "write pack payload")
		}
	}
	sw.builder.reset()
	return nil
}

// Close flushes any pending records and writes the terminator pack.
func (sw *SortedWriter) Close() error {
	if sw.closed {
		return nil
	}
	if err := sw.flushPack(false); err != nil {
		return err
	}
	if err := sw.flushPack(true); err != nil {
		return err
	}
	sw.closed = true
	return nil
}

// SortedReader reads the sorted format back in record order.
type SortedReader struct {
	r      *bufio.Reader
	header FileHeader
	pack   PackHeader
	idx    int
	done   bool
}

// NewSortedReader reads and verifies the file header.
func NewSortedReader(r io.Reader) (*SortedReader, error) {
	buf := make([]byte, FileHeaderSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, walberr.Wrap(walberr.IoError, err, "read wdiff header")
	}
	h, err := Decode(buf)
	if err != nil {
		return nil, err
	}
	if h.Type != TypeSorted {
		return nil, walberr.New(walberr.InvalidFormat, "not a sorted wdiff (type=%d)", h.Type)
	}
	return &SortedReader{r: bufio.NewReaderSize(r, PackHeaderSize), header: h}, nil
}

// Header returns the already-validated file header.
func (sr *SortedReader) Header() FileHeader { return sr.header }

func (sr *SortedReader) nextPack() error {
	buf := make([]byte, PackHeaderSize)
	if _, err := io.ReadFull(sr.r, buf); err != nil {
		return walberr.Wrap(walberr.IoError, err, "read pack header")
	}
	pack, err := DecodePackHeader(buf)
	if err != nil {
		return err
	}
	sr.pack = pack
	sr.idx = 0
	if pack.End {
		sr.done = true
	}
	return nil
}

// ReadDiff returns the next (record, payload) pair, or ok=false once the
// terminator pack has been consumed.
func (sr *SortedReader) ReadDiff() (diffrec.RecIo, bool, error) {
	for {
		if sr.idx >= len(sr.pack.Records) {
			if sr.done {
				return diffrec.RecIo{}, false, nil
			}
			if err := sr.nextPack(); err != nil {
				return diffrec.RecIo{}, false, err
			}
			continue
		}
		rec := sr.pack.Records[sr.idx]
		sr.idx++
		var payload []byte
		if rec.IsNormal() && rec.DataSize > 0 {
			payload = make([]byte, rec.DataSize)
			if _, err := io.ReadFull(sr.r, payload); err != nil {
				return diffrec.RecIo{}, false, walberr.Wrap(walberr.IoError, err, "read payload")
			}
			if rec.Checksum != diffrec.ChecksumPayload(payload) {
				return diffrec.RecIo{}, false, walberr.New(walberr.InvalidFormat, "payload checksum mismatch at addr %d", rec.IoAddress)
			}
		}
		return diffrec.RecIo{Rec: rec, Io: payload}, true, nil
	}
}
