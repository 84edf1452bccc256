// Package wdiff implements the two wdiff container formats: the
// streaming, append-only sorted format and the random-access indexed
// format, both sharing a common file header. Grounded on
// original_source/src/walb_diff_file.hpp and walb_diff.h (§4.2, §6).
package wdiff

import (
	"encoding/binary"

	"github.com/google/uuid"

	"github.com/cybozu-go/walb-tools/internal/checksum"
	"github.com/cybozu-go/walb-tools/internal/walberr"
)

// FileType distinguishes the two container formats.
type FileType uint8

const (
	TypeSorted FileType = 0
	TypeIndexed FileType = 1
)

// Version is the only wdiff format version this core speaks.
const Version uint16 = 2

// FileHeaderSize is sizeof(walb_diff_file_header): 8-byte aligned, 32 bytes.
const FileHeaderSize = 32

// FileHeader is the fixed header shared by sorted and indexed wdiff files.
type FileHeader struct {
	Checksum uint32
	Version  uint16
	Type     FileType
	UUID     uuid.UUID
}

// Encode serializes h into exactly FileHeaderSize bytes with a valid
// self-checksum (salt 0).
func (h FileHeader) Encode() []byte {
	buf := make([]byte, FileHeaderSize)
	binary.LittleEndian.PutUint16(buf[4:], h.Version)
	buf[6] = byte(h.Type)
	copy(buf[16:32], h.UUID[:])
	binary.LittleEndian.PutUint32(buf[0:], checksum.Sum(buf, 0))
	return buf
}

// Decode parses and verifies a FileHeader, returning InvalidFormat on a bad
// checksum, unsupported version, or unknown type.
func Decode(buf []byte) (FileHeader, error) {
	if len(buf) != FileHeaderSize {
		return FileHeader{}, walberr.New(walberr.InvalidFormat, "wdiff header: wrong size %d", len(buf))
	}
	if !checksum.Verify(buf, 0) {
		return FileHeader{}, walberr.New(walberr.InvalidFormat, "wdiff header: bad checksum")
	}
	var h FileHeader
	h.Checksum = binary.LittleEndian.Uint32(buf[0:])
	h.Version = binary.LittleEndian.Uint16(buf[4:])
	h.Type = FileType(buf[6])
	if h.Version != Version {
		return FileHeader{}, walberr.New(walberr.InvalidFormat, "wdiff header: unsupported version %d", h.Version)
	}
	if h.Type != TypeSorted && h.Type != TypeIndexed {
		return FileHeader{}, walberr.New(walberr.InvalidFormat, "wdiff header: unknown type %d", h.Type)
	}
	copy(h.UUID[:], buf[16:32])
	return h, nil
}
