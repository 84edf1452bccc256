package wlog

import (
	"encoding/binary"

	"github.com/cybozu-go/walb-tools/internal/checksum"
	"github.com/cybozu-go/walb-tools/internal/walberr"
)

// RecordFlag bits for a single log record within a pack.
type RecordFlag uint8

const (
	RecordExist RecordFlag = 1 << iota
	RecordPadding
	RecordDiscard
)

// recordWireSize is one log record's fixed on-disk size.
const recordWireSize = 32

// packFixedSize is the log pack header's fixed part before the record
// array. The rest of one physical block holds the records ("up to a
// handful of log records", §4.4), so the record-count bound depends on
// pbs and is computed in DecodeLogPackHeader.
const packFixedSize = 24

// LogRecord is one entry of a log pack header: offset/size are in logical
// blocks, matching §4.4's (offset_lb, io_size_lb, lsid, flags).
type LogRecord struct {
	Lsid     uint64
	IoAddr   uint64 // offset_lb
	IoBlocks uint32 // io_size_lb
	Flags    RecordFlag
	Checksum uint32 // checksum(data, salt); zero for padding/discard
}

func (r LogRecord) IsPadding() bool { return r.Flags&RecordPadding != 0 }
func (r LogRecord) IsDiscard() bool { return r.Flags&RecordDiscard != 0 }
func (r LogRecord) IsNormal() bool  { return !r.IsPadding() && !r.IsDiscard() }

func encodeLogRecord(buf []byte, r LogRecord) {
	binary.LittleEndian.PutUint64(buf[0:], r.Lsid)
	binary.LittleEndian.PutUint64(buf[8:], r.IoAddr)
	binary.LittleEndian.PutUint32(buf[16:], r.IoBlocks)
	buf[20] = byte(r.Flags)
	binary.LittleEndian.PutUint32(buf[24:], r.Checksum)
}

func decodeLogRecord(buf []byte) LogRecord {
	return LogRecord{
		Lsid:     binary.LittleEndian.Uint64(buf[0:]),
		IoAddr:   binary.LittleEndian.Uint64(buf[8:]),
		IoBlocks: binary.LittleEndian.Uint32(buf[16:]),
		Flags:    RecordFlag(buf[20]),
		Checksum: binary.LittleEndian.Uint32(buf[24:]),
	}
}

// LogPackHeader is the 1-pbs header framing a log pack: its own
// self-checksum salted by the device's log checksum salt (§4.4), plus up
// to N in-line log records.
type LogPackHeader struct {
	Lsid      uint64
	NRecords  uint16
	TotalIoLb uint32
	Records   []LogRecord
}

// Encode serializes h into a pbs-sized buffer with a valid salted
// self-checksum.
func (h LogPackHeader) Encode(pbs uint32, salt uint32) []byte {
	buf := make([]byte, pbs)
	binary.LittleEndian.PutUint64(buf[4:], h.Lsid)
	binary.LittleEndian.PutUint16(buf[12:], uint16(len(h.Records)))
	binary.LittleEndian.PutUint32(buf[16:], h.TotalIoLb)
	for i, r := range h.Records {
		off := packFixedSize + i*recordWireSize
		encodeLogRecord(buf[off:off+recordWireSize], r)
	}
	binary.LittleEndian.PutUint32(buf[0:], checksum.Sum(buf, salt))
	return buf
}

// DecodeLogPackHeader parses and verifies a pbs-sized buffer.
func DecodeLogPackHeader(buf []byte, salt uint32) (LogPackHeader, error) {
	pbs := uint32(len(buf))
	if pbs == 0 {
		return LogPackHeader{}, walberr.New(walberr.InvalidFormat, "log pack header: empty buffer")
	}
	if !checksum.Verify(buf, salt) {
		return LogPackHeader{}, walberr.New(walberr.InvalidFormat, "log pack header: bad checksum")
	}
	h := LogPackHeader{
		Lsid:      binary.LittleEndian.Uint64(buf[4:]),
		NRecords:  binary.LittleEndian.Uint16(buf[12:]),
		TotalIoLb: binary.LittleEndian.Uint32(buf[16:]),
	}
	maxRecords := (pbs - packFixedSize) / recordWireSize
	if uint32(h.NRecords) > maxRecords {
		return LogPackHeader{}, walberr.New(walberr.InvalidFormat,
			"log pack header: n_records %d exceeds max %d for pbs %d", h.NRecords, maxRecords, pbs)
	}
	for i := 0; i < int(h.NRecords); i++ {
		off := packFixedSize + i*recordWireSize
		h.Records = append(h.Records, decodeLogRecord(buf[off:off+recordWireSize]))
	}
	return h, nil
}

// IsEndMarker reports whether h is the zero-record sentinel a reader sees
// when it has caught up to the writer (no sealed pack yet at this lsid).
func (h LogPackHeader) IsEndMarker() bool { return h.NRecords == 0 }
