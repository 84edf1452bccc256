package wdiff

import (
	"encoding/binary"

	"github.com/cybozu-go/walb-tools/internal/checksum"
	"github.com/cybozu-go/walb-tools/internal/diffrec"
	"github.com/cybozu-go/walb-tools/internal/walberr"
)

// PackHeaderSize is the fixed on-disk size of a sorted-format pack header.
const PackHeaderSize = 4096

// recordWireSize is sizeof(walb_diff_record): 32 bytes.
const recordWireSize = 32

// packFixedSize is the pack header's fixed part before the record array.
const packFixedSize = 16

// MaxRecordsInPack is MAX_N_RECORDS_IN_WALB_DIFF_PACK.
const MaxRecordsInPack = (PackHeaderSize - packFixedSize) / recordWireSize

// MaxPackPayloadSize is WALB_DIFF_PACK_MAX_SIZE: the payload budget per pack.
const MaxPackPayloadSize = 32 * 1024 * 1024

const packFlagEnd = 1 << 0

// PackHeader is one 4 KiB sorted-format pack: a fixed header plus up to
// MaxRecordsInPack diffrec.Record entries, whose payloads follow in the
// file in record order.
type PackHeader struct {
	NRecords  uint16
	End       bool
	TotalSize uint32
	Records   []diffrec.Record
}

// Encode serializes h into a PackHeaderSize buffer with a valid checksum.
func (h PackHeader) Encode() []byte {
	buf := make([]byte, PackHeaderSize)
	binary.LittleEndian.PutUint16(buf[4:], uint16(len(h.Records)))
	if h.End {
		buf[6] = packFlagEnd
	}
	binary.LittleEndian.PutUint32(buf[8:], h.TotalSize)
	for i, r := range h.Records {
		off := packFixedSize + i*recordWireSize
		encodeRecord(buf[off:off+recordWireSize], r)
	}
	binary.LittleEndian.PutUint32(buf[0:], checksum.Sum(buf, 0))
	return buf
}

// DecodePackHeader parses and verifies a PackHeaderSize buffer.
func DecodePackHeader(buf []byte) (PackHeader, error) {
	if len(buf) != PackHeaderSize {
		return PackHeader{}, walberr.New(walberr.InvalidFormat, "pack header: wrong size %d", len(buf))
	}
	if !checksum.Verify(buf, 0) {
		return PackHeader{}, walberr.New(walberr.InvalidFormat, "pack header: bad checksum")
	}
	n := binary.LittleEndian.Uint16(buf[4:])
	flags := buf[6]
	totalSize := binary.LittleEndian.Uint32(buf[8:])
	if uint64(n) > uint64(MaxRecordsInPack) {
		return PackHeader{}, walberr.New(walberr.InvalidFormat, "pack header: n_records %d exceeds max %d", n, MaxRecordsInPack)
	}
	h := PackHeader{
		NRecords:  n,
		End:       flags&packFlagEnd != 0,
		TotalSize: totalSize,
	}
	var sumSize uint32
	for i := 0; i < int(n); i++ {
		off := packFixedSize + i*recordWireSize
		rec, err := decodeRecord(buf[off : off+recordWireSize])
		if err != nil {
			return PackHeader{}, err
		}
		if rec.IsNormal() {
			sumSize += rec.DataSize
		}
		h.Records = append(h.Records, rec)
	}
	if sumSize != totalSize {
		return PackHeader{}, walberr.New(walberr.InvalidFormat,
			"pack header: total_size %d disagrees with sum of record sizes %d", totalSize, sumSize)
	}
	return h, nil
}

func encodeRecord(buf []byte, r diffrec.Record) {
	binary.LittleEndian.PutUint64(buf[0:], r.IoAddress)
	binary.LittleEndian.PutUint32(buf[8:], r.IoBlocks)
	buf[12] = byte(r.Flags)
	buf[13] = byte(r.CompressionType)
	binary.LittleEndian.PutUint32(buf[16:], r.DataOffset)
	binary.LittleEndian.PutUint32(buf[20:], r.DataSize)
	binary.LittleEndian.PutUint32(buf[24:], r.Checksum)
}

func decodeRecord(buf []byte) (diffrec.Record, error) {
	r := diffrec.Record{
		IoAddress:       binary.LittleEndian.Uint64(buf[0:]),
		IoBlocks:        binary.LittleEndian.Uint32(buf[8:]),
		Flags:           diffrec.Flag(buf[12]),
		CompressionType: diffrec.CompressionType(buf[13]),
		DataOffset:      binary.LittleEndian.Uint32(buf[16:]),
		DataSize:        binary.LittleEndian.Uint32(buf[20:]),
		Checksum:        binary.LittleEndian.Uint32(buf[24:]),
	}
	if err := r.Verify(); err != nil {
		return diffrec.Record{}, err
	}
	return r, nil
}

// packBuilder accumulates a sorted-format pack in progress.
type packBuilder struct {
	records   []diffrec.Record
	payloads  [][]byte
	totalSize uint32
}

// WouldOverflow reports whether appending rec/payload to the in-progress
// pack would violate the record-count cap or the MaxPackPayloadSize cap,
// per §4.2: "writers must flush the current pack as soon as the next
// record would violate either bound."
func (b *packBuilder) WouldOverflow(rec diffrec.Record) bool {
	if len(b.records)+1 > MaxRecordsInPack {
		return true
	}
	if rec.IsNormal() && uint64(b.totalSize)+uint64(rec.DataSize) > MaxPackPayloadSize {
		return true
	}
	return false
}

func (b *packBuilder) Add(rec diffrec.Record, payload []byte) {
	b.records = append(b.records, rec)
	b.payloads = append(b.payloads, payload)
	if rec.IsNormal() {
		b.totalSize += rec.DataSize
	}
}

func (b *packBuilder) Empty() bool { return len(b.records) == 0 }

func (b *packBuilder) Header() PackHeader {
	return PackHeader{TotalSize: b.totalSize, Records: b.records}
}

func (b *packBuilder) reset() {
	b.records = nil
	b.payloads = nil
	b.totalSize = 0
}
