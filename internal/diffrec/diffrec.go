// Package diffrec implements the diff record primitives of the wdiff
// format: flags, splitting, and address-range subtraction, grounded on
// original_source/src/walb_diff_base.hpp's DiffRecord and DiffRecIo.
package diffrec

import (
	"github.com/cybozu-go/walb-tools/internal/checksum"
	"github.com/cybozu-go/walb-tools/internal/walberr"
)

// CompressionType names the payload codec, matching WALB_DIFF_CMPR_*.
type CompressionType uint8

const (
	CompressionNone CompressionType = iota
	CompressionGzip
	CompressionSnappy
	CompressionLZMA
	CompressionLZ4
	CompressionZstd
	compressionMax
)

func (c CompressionType) Valid() bool { return c < compressionMax }

// Flag bits, matching WALB_DIFF_FLAG_*. ALLZERO and DISCARD are mutually
// exclusive; at most one is set.
type Flag uint8

const (
	FlagExist Flag = 1 << iota
	FlagAllZero
	FlagDiscard
)

// Record is a diff record header: the on-wire walb_diff_record without its
// payload bytes. ioAddress/ioBlocks are in logical blocks (512 bytes).
type Record struct {
	IoAddress       uint64
	IoBlocks        uint32
	Flags           Flag
	CompressionType CompressionType
	DataOffset      uint32
	DataSize        uint32
	Checksum        uint32
}

// EndIoAddress is the first logical block address past this record's range.
func (r Record) EndIoAddress() uint64 { return r.IoAddress + uint64(r.IoBlocks) }

func (r Record) IsCompressed() bool { return r.CompressionType != CompressionNone }
func (r Record) IsAllZero() bool    { return r.Flags&FlagAllZero != 0 }
func (r Record) IsDiscard() bool    { return r.Flags&FlagDiscard != 0 }
func (r Record) IsNormal() bool     { return !r.IsAllZero() && !r.IsDiscard() }

func (r *Record) SetNormal() {
	r.Flags &^= FlagAllZero
	r.Flags &^= FlagDiscard
}

func (r *Record) SetAllZero() {
	r.Flags |= FlagAllZero
	r.Flags &^= FlagDiscard
}

func (r *Record) SetDiscard() {
	r.Flags &^= FlagAllZero
	r.Flags |= FlagDiscard
}

// IsOverwrittenBy reports whether rhs's range fully covers r's range.
func (r Record) IsOverwrittenBy(rhs Record) bool {
	return rhs.IoAddress <= r.IoAddress && r.EndIoAddress() <= rhs.EndIoAddress()
}

// IsOverlapped reports whether r and rhs's ranges intersect.
func (r Record) IsOverlapped(rhs Record) bool {
	return r.IoAddress < rhs.EndIoAddress() && rhs.IoAddress < r.EndIoAddress()
}

// Verify checks the invariants of §4.1: a non-normal record carries no
// payload, and ALLZERO/DISCARD are mutually exclusive.
func (r Record) Verify() error {
	if r.IsAllZero() && r.IsDiscard() {
		return walberr.New(walberr.InvalidFormat, "ALLZERO and DISCARD both set")
	}
	if !r.IsNormal() {
		if r.DataSize != 0 || r.CompressionType != CompressionNone {
			return walberr.New(walberr.InvalidFormat, "non-normal record carries a payload")
		}
	}
	if !r.CompressionType.Valid() {
		return walberr.New(walberr.InvalidFormat, "bad compression type %d", r.CompressionType)
	}
	return nil
}

// ChecksumPayload computes the salt-0 checksum of a payload byte slice.
func ChecksumPayload(payload []byte) uint32 {
	if len(payload) == 0 {
		return 0
	}
	return checksum.Sum(payload, 0)
}

// IsAllZeroBytes reports whether every byte of buf is zero, used to decide
// whether a normal write should instead be recorded as ALLZERO.
func IsAllZeroBytes(buf []byte) bool {
	if len(buf) == 0 {
		return false
	}
	for _, b := range buf {
		if b != 0 {
			return false
		}
	}
	return true
}

const LogicalBlockSize = 512

// Split breaks a non-compressed record into consecutive sub-records of at
// most k logical blocks each. The caller must recompute checksums for the
// results; DataOffset/DataSize/Checksum here are left as split-but-stale.
func (r Record) Split(k uint32) []Record {
	if k == 0 || r.IoBlocks <= k {
		return []Record{r}
	}
	var out []Record
	addr := r.IoAddress
	remaining := r.IoBlocks
	for remaining > 0 {
		n := remaining
		if n > k {
			n = k
		}
		rec := r
		rec.IoAddress = addr
		rec.IoBlocks = n
		out = append(out, rec)
		addr += uint64(n)
		remaining -= n
	}
	return out
}

// SplitPayload splits a payload buffer in lockstep with Split, for
// uncompressed normal records; payload must be exactly r.IoBlocks blocks.
func SplitPayload(payload []byte, ioBlocks uint32, k uint32) [][]byte {
	if k == 0 || ioBlocks <= k {
		return [][]byte{payload}
	}
	var out [][]byte
	remaining := ioBlocks
	off := 0
	for remaining > 0 {
		n := remaining
		if n > k {
			n = k
		}
		size := int(n) * LogicalBlockSize
		out = append(out, payload[off:off+size])
		off += size
		remaining -= n
	}
	return out
}

// RecIo pairs a Record with its (possibly empty) uncompressed payload,
// mirroring original_source's DiffRecIo.
type RecIo struct {
	Rec Record
	Io  []byte
}

// IsValid checks that a normal record's payload size and checksum agree
// with the header (checksum only when checkChecksum is set).
func (ri RecIo) IsValid(checkChecksum bool) bool {
	if !ri.Rec.IsNormal() {
		return len(ri.Io) == 0
	}
	if int(ri.Rec.DataSize) != len(ri.Io) {
		return false
	}
	if !checkChecksum {
		return true
	}
	return ri.Rec.Checksum == ChecksumPayload(ri.Io)
}

// Minus computes ri - rhs over the shared logical-block address space,
// returning 0, 1, or 2 residual RecIo values (left-only, right-only, or
// both), each carrying the appropriate slice of ri's payload and ri's
// record-type flags. Ported from original_source's DiffRecIo::minus, whose
// four cases are preserved verbatim in the branch structure below.
func (ri RecIo) Minus(rhs RecIo) ([]RecIo, error) {
	if !ri.Rec.IsOverlapped(rhs.Rec) {
		return nil, walberr.New(walberr.Internal, "diffrec.Minus: non-overlapped records")
	}

	// Pattern 1: ri fully covered by rhs -> nothing survives.
	if ri.Rec.IsOverwrittenBy(rhs.Rec) {
		return nil, nil
	}

	isNormal := ri.Rec.IsNormal()
	blockBytes := func(blocks uint32) int { return int(blocks) * LogicalBlockSize }

	// Pattern 2: rhs strictly inside ri -> left and right residues.
	if rhs.Rec.IsOverwrittenBy(ri.Rec) {
		blks0 := uint32(rhs.Rec.IoAddress - ri.Rec.IoAddress)
		blks1 := uint32(ri.Rec.EndIoAddress() - rhs.Rec.EndIoAddress())
		addr0 := ri.Rec.IoAddress
		addr1 := ri.Rec.EndIoAddress() - uint64(blks1)

		var out []RecIo
		if blks0 > 0 {
			rec0 := ri.Rec
			rec0.IoAddress = addr0
			rec0.IoBlocks = blks0
			var data0 []byte
			if isNormal {
				size0 := blockBytes(blks0)
				rec0.DataSize = uint32(size0)
				data0 = append([]byte(nil), ri.Io[:size0]...)
				rec0.Checksum = ChecksumPayload(data0)
			}
			out = append(out, RecIo{Rec: rec0, Io: data0})
		}
		if blks1 > 0 {
			rec1 := ri.Rec
			rec1.IoAddress = addr1
			rec1.IoBlocks = blks1
			var data1 []byte
			if isNormal {
				off1 := int(addr1-ri.Rec.IoAddress) * LogicalBlockSize
				size1 := blockBytes(blks1)
				rec1.DataSize = uint32(size1)
				data1 = append([]byte(nil), ri.Io[off1:off1+size1]...)
				rec1.Checksum = ChecksumPayload(data1)
			}
			out = append(out, RecIo{Rec: rec1, Io: data1})
		}
		return out, nil
	}

	// Pattern 3: ri starts before rhs -> keep the left slice of ri.
	if ri.Rec.IoAddress < rhs.Rec.IoAddress {
		endAddr := ri.Rec.EndIoAddress()
		rblks := uint32(endAddr - rhs.Rec.IoAddress)
		rec := ri.Rec
		rec.IoBlocks = ri.Rec.IoBlocks - rblks
		var data []byte
		if isNormal {
			size := len(ri.Io) - int(rblks)*LogicalBlockSize
			rec.DataSize = uint32(size)
			data = append([]byte(nil), ri.Io[:size]...)
			rec.Checksum = ChecksumPayload(data)
		}
		return []RecIo{{Rec: rec, Io: data}}, nil
	}

	// Pattern 4: ri ends after rhs -> keep the right slice of ri.
	rhsEnd := rhs.Rec.EndIoAddress()
	rblks := uint32(rhsEnd - ri.Rec.IoAddress)
	off := int(rblks) * LogicalBlockSize
	rec := ri.Rec
	rec.IoAddress = ri.Rec.IoAddress + uint64(rblks)
	rec.IoBlocks = ri.Rec.IoBlocks - rblks
	var data []byte
	if isNormal {
		size := len(ri.Io) - off
		rec.DataSize = uint32(size)
		data = append([]byte(nil), ri.Io[off:off+size]...)
		rec.Checksum = ChecksumPayload(data)
	}
	return []RecIo{{Rec: rec, Io: data}}, nil
}

// Split breaks a RecIo in lockstep with Record.Split/SplitPayload.
func (ri RecIo) Split(k uint32) []RecIo {
	recs := ri.Rec.Split(k)
	if len(recs) == 1 {
		return []RecIo{ri}
	}
	var ios [][]byte
	if ri.Rec.IsNormal() {
		ios = SplitPayload(ri.Io, ri.Rec.IoBlocks, k)
	} else {
		ios = make([][]byte, len(recs))
	}
	out := make([]RecIo, len(recs))
	for i := range recs {
		out[i] = RecIo{Rec: recs[i], Io: ios[i]}
	}
	return out
}
