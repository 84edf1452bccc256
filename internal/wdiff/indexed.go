package wdiff

import (
	"encoding/binary"
	"io"
	"sort"

	"github.com/google/uuid"

	"github.com/cybozu-go/walb-tools/internal/checksum"
	"github.com/cybozu-go/walb-tools/internal/diffrec"
	"github.com/cybozu-go/walb-tools/internal/walberr"
)

// IndexRecordSize is sizeof(walb_indexed_diff_record): 48 bytes.
const IndexRecordSize = 48

// IndexSuperSize is sizeof(walb_diff_index_super): 24 bytes.
const IndexSuperSize = 24

// IndexRecord is one entry of the indexed format's footer index: it
// locates a (possibly shared) compressed payload blob and the logical
// decompressed sub-range of it this record covers, matching
// walb_indexed_diff_record.
type IndexRecord struct {
	IoAddress       uint64
	IoBlocks        uint32
	Flags           diffrec.Flag
	CompressionType diffrec.CompressionType
	DataOffset      uint64
	DataSize        uint32
	IoOffset        uint32
	OrigBlocks      uint32
	IoChecksum      uint32
	RecChecksum     uint32
}

func (r IndexRecord) EndIoAddress() uint64 { return r.IoAddress + uint64(r.IoBlocks) }
func (r IndexRecord) IsAllZero() bool      { return r.Flags&diffrec.FlagAllZero != 0 }
func (r IndexRecord) IsDiscard() bool      { return r.Flags&diffrec.FlagDiscard != 0 }
func (r IndexRecord) IsNormal() bool       { return !r.IsAllZero() && !r.IsDiscard() }

func encodeIndexRecord(buf []byte, r IndexRecord) {
	binary.LittleEndian.PutUint64(buf[0:], r.IoAddress)
	binary.LittleEndian.PutUint32(buf[8:], r.IoBlocks)
	buf[12] = byte(r.Flags)
	buf[13] = byte(r.CompressionType)
	binary.LittleEndian.PutUint64(buf[16:], r.DataOffset)
	binary.LittleEndian.PutUint32(buf[24:], r.DataSize)
	binary.LittleEndian.PutUint32(buf[28:], r.IoOffset)
	binary.LittleEndian.PutUint32(buf[32:], r.OrigBlocks)
	binary.LittleEndian.PutUint32(buf[40:], r.IoChecksum)
	// RecChecksum (self-checksum) written zero first, patched below.
	binary.LittleEndian.PutUint32(buf[44:], checksum.Sum(buf[:44], 0))
}

func decodeIndexRecord(buf []byte) (IndexRecord, error) {
	if !checksum.Verify(buf, 0) {
		return IndexRecord{}, walberr.New(walberr.InvalidFormat, "index record: bad self-checksum")
	}
	r := IndexRecord{
		IoAddress:       binary.LittleEndian.Uint64(buf[0:]),
		IoBlocks:        binary.LittleEndian.Uint32(buf[8:]),
		Flags:           diffrec.Flag(buf[12]),
		CompressionType: diffrec.CompressionType(buf[13]),
		DataOffset:      binary.LittleEndian.Uint64(buf[16:]),
		DataSize:        binary.LittleEndian.Uint32(buf[24:]),
		IoOffset:        binary.LittleEndian.Uint32(buf[28:]),
		OrigBlocks:      binary.LittleEndian.Uint32(buf[32:]),
		IoChecksum:      binary.LittleEndian.Uint32(buf[40:]),
		RecChecksum:     binary.LittleEndian.Uint32(buf[44:]),
	}
	return r, nil
}

// DiffIndexSuper is the footer super block for the indexed format.
type DiffIndexSuper struct {
	IndexOffset uint64
	NRecords    uint32
	NData       uint32
	Checksum    uint32
}

func (s DiffIndexSuper) Encode() []byte {
	buf := make([]byte, IndexSuperSize)
	binary.LittleEndian.PutUint64(buf[0:], s.IndexOffset)
	binary.LittleEndian.PutUint32(buf[8:], s.NRecords)
	binary.LittleEndian.PutUint32(buf[12:], s.NData)
	binary.LittleEndian.PutUint32(buf[20:], checksum.Sum(buf[:20], 0))
	return buf
}

func decodeIndexSuper(buf []byte) (DiffIndexSuper, error) {
	if len(buf) != IndexSuperSize {
		return DiffIndexSuper{}, walberr.New(walberr.InvalidFormat, "index super: wrong size %d", len(buf))
	}
	if !checksum.Verify(buf, 0) {
		return DiffIndexSuper{}, walberr.New(walberr.InvalidFormat, "index super: bad checksum")
	}
	return DiffIndexSuper{
		IndexOffset: binary.LittleEndian.Uint64(buf[0:]),
		NRecords:    binary.LittleEndian.Uint32(buf[8:]),
		NData:       binary.LittleEndian.Uint32(buf[12:]),
		Checksum:    binary.LittleEndian.Uint32(buf[20:]),
	}, nil
}

// IndexedWriter builds the indexed format: payload blobs are appended as
// they arrive (possibly out of address order), and the sorted index plus
// footer are emitted on Close.
type IndexedWriter struct {
	w       io.Writer
	offset  uint64 // bytes written after the file header
	records []IndexRecord
	nData   uint32
}

// NewIndexedWriter writes the file header and returns a writer that
// accepts AddRecord calls in any address order.
func NewIndexedWriter(w io.Writer, id uuid.UUID) (*IndexedWriter, error) {
	h := FileHeader{Version: Version, Type: TypeIndexed, UUID: id}
	if _, err := w.Write(h.Encode()); err != nil {
		return nil, walberr.Wrap(walberr.IoError, err, "write wdiff header")
	}
	return &IndexedWriter{w: w}, nil
}

// AddRecord writes one record's payload (already compressed, if
// applicable) immediately, if it has one, and records an index entry
// pointing at it.
func (iw *IndexedWriter) AddRecord(rec diffrec.Record, payload []byte) error {
	ir := IndexRecord{
		IoAddress:       rec.IoAddress,
		IoBlocks:        rec.IoBlocks,
		Flags:           rec.Flags,
		CompressionType: rec.CompressionType,
		OrigBlocks:      rec.IoBlocks,
	}
	if rec.IsNormal() && len(payload) > 0 {
		ir.DataOffset = FileHeaderSize + iw.offset
		ir.DataSize = uint32(len(payload))
		ir.IoChecksum = diffrec.ChecksumPayload(payload)
		if _, err := iw.w.Write(payload); err != nil {
			return walberr.Wrap(walberr.IoError, err, "write indexed payload")
		}
		iw.offset += uint64(len(payload))
		iw.nData++
	}
	iw.records = append(iw.records, ir)
	return nil
}

// Close pads to an 8-byte boundary, writes the sorted index, and writes
// the footer super block.
func (iw *IndexedWriter) Close() error {
	if pad := iw.offset % 8; pad != 0 {
		n := 8 - pad
		if _, err := iw.w.Write(make([]byte, n)); err != nil {
			return walberr.Wrap(walberr.IoError, err, "write index padding")
		}
		iw.offset += n
	}
	indexOffset := FileHeaderSize + iw.offset

	sort.Slice(iw.records, func(i, j int) bool {
		return iw.records[i].IoAddress < iw.records[j].IoAddress
	})
	for i := 1; i < len(iw.records); i++ {
		if iw.records[i].IoAddress < iw.records[i-1].EndIoAddress() {
			return walberr.New(walberr.Internal, "indexed wdiff: overlapping index records at %d", iw.records[i].IoAddress)
		}
	}

	buf := make([]byte, IndexRecordSize)
	for _, r := range iw.records {
		encodeIndexRecord(buf, r)
		if _, err := iw.w.Write(buf); err != nil {
			return walberr.Wrap(walberr.IoError, err, "write index record")
		}
	}

	footer := DiffIndexSuper{
		IndexOffset: indexOffset,
		NRecords:    uint32(len(iw.records)),
		NData:       iw.nData,
	}
	if _, err := iw.w.Write(footer.Encode()); err != nil {
		return walberr.Wrap(walberr.IoError, err, "write index super")
	}
	return nil
}

// IndexedReader supports streaming iteration and random point lookup over
// a closed indexed wdiff file via io.ReaderAt.
type IndexedReader struct {
	ra      io.ReaderAt
	header  FileHeader
	super   DiffIndexSuper
	records []IndexRecord
}

// OpenIndexed reads the header, footer, and index of an indexed wdiff file
// whose total size is size bytes.
func OpenIndexed(ra io.ReaderAt, size int64) (*IndexedReader, error) {
	hbuf := make([]byte, FileHeaderSize)
	if _, err := ra.ReadAt(hbuf, 0); err != nil {
		return nil, walberr.Wrap(walberr.IoError, err, "read wdiff header")
	}
	h, err := Decode(hbuf)
	if err != nil {
		return nil, err
	}
	if h.Type != TypeIndexed {
		return nil, walberr.New(walberr.InvalidFormat, "not an indexed wdiff (type=%d)", h.Type)
	}

	sbuf := make([]byte, IndexSuperSize)
	if _, err := ra.ReadAt(sbuf, size-IndexSuperSize); err != nil {
		return nil, walberr.Wrap(walberr.IoError, err, "read index super")
	}
	super, err := decodeIndexSuper(sbuf)
	if err != nil {
		return nil, err
	}

	ir := &IndexedReader{ra: ra, header: h, super: super}
	buf := make([]byte, IndexRecordSize)
	off := int64(super.IndexOffset)
	for i := uint32(0); i < super.NRecords; i++ {
		if _, err := ra.ReadAt(buf, off); err != nil {
			return nil, walberr.Wrap(walberr.IoError, err, "read index record %d", i)
		}
		rec, err := decodeIndexRecord(buf)
		if err != nil {
			return nil, err
		}
		if i > 0 && rec.IoAddress < ir.records[i-1].EndIoAddress() {
			return nil, walberr.New(walberr.InvalidFormat, "index records not sorted/non-overlapping at %d", i)
		}
		ir.records = append(ir.records, rec)
		off += IndexRecordSize
	}
	return ir, nil
}

func (ir *IndexedReader) Header() FileHeader { return ir.header }

// All returns every index record in address order.
func (ir *IndexedReader) All() []IndexRecord { return ir.records }

// ReadPayload reads and validates the compressed payload blob for rec.
func (ir *IndexedReader) ReadPayload(rec IndexRecord) ([]byte, error) {
	if !rec.IsNormal() || rec.DataSize == 0 {
		return nil, nil
	}
	buf := make([]byte, rec.DataSize)
	if _, err := ir.ra.ReadAt(buf, int64(rec.DataOffset)); err != nil {
		return nil, walberr.Wrap(walberr.IoError, err, "read indexed payload")
	}
	if diffrec.ChecksumPayload(buf) != rec.IoChecksum {
		return nil, walberr.New(walberr.InvalidFormat, "indexed payload checksum mismatch at addr %d", rec.IoAddress)
	}
	return buf, nil
}

// Lookup finds the index record (if any) whose range covers addr, via
// binary search over the sorted, non-overlapping index.
func (ir *IndexedReader) Lookup(addr uint64) (IndexRecord, bool) {
	i := sort.Search(len(ir.records), func(i int) bool {
		return ir.records[i].EndIoAddress() > addr
	})
	if i >= len(ir.records) || ir.records[i].IoAddress > addr {
		return IndexRecord{}, false
	}
	return ir.records[i], true
}
