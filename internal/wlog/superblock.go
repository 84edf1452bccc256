// Package wlog reads the kernel-journaled log pack stream off a walb log
// device's ring buffer and converts it into wdiff records. Grounded on
// original_source/src/wdev_log.hpp (SuperBlock, SimpleWldevReader,
// AsyncWldevReader) and walb_log_redo.hpp (the pack-to-diff conversion
// rules quoted in full in that file's redoLogPackHeader/redoLogPackIo).
package wlog

import (
	"encoding/binary"

	"github.com/google/uuid"

	"github.com/cybozu-go/walb-tools/internal/blockdev"
	"github.com/cybozu-go/walb-tools/internal/checksum"
	"github.com/cybozu-go/walb-tools/internal/walberr"
)

// SuperBlockSize is the fixed on-disk size of the log device's super
// sector, always one physical block's worth at minimum; 4096 covers every
// pbs the format allows.
const SuperBlockSize = 4096

// SuperBlock mirrors wdev_log.hpp's SuperBlock: the fixed metadata block
// at the head of a walb log device describing its ring buffer geometry.
type SuperBlock struct {
	Pbs              uint32
	LogicalBs        uint32
	Salt             uint32
	UUID             uuid.UUID
	Name             string
	RingBufferOffset uint64 // in physical blocks, from the start of ldev
	RingBufferSize   uint64 // in physical blocks
	OldestLsid       uint64
	WrittenLsid      uint64
	DeviceSize       uint64 // data device size, in logical blocks
}

const nameFieldSize = 64

// OffsetFromLsid converts a log sequence id to its physical-block offset
// in the log device, per §4.4: ringBufferOffset + (lsid mod ringBufferSize).
func (s SuperBlock) OffsetFromLsid(lsid uint64) uint64 {
	return s.RingBufferOffset + lsid%s.RingBufferSize
}

// Encode serializes the super block with a valid self-checksum.
func (s SuperBlock) Encode() []byte {
	buf := make([]byte, SuperBlockSize)
	binary.LittleEndian.PutUint32(buf[4:], s.Pbs)
	binary.LittleEndian.PutUint32(buf[8:], s.LogicalBs)
	binary.LittleEndian.PutUint32(buf[12:], s.Salt)
	copy(buf[16:32], s.UUID[:])
	nameBytes := []byte(s.Name)
	if len(nameBytes) > nameFieldSize {
		nameBytes = nameBytes[:nameFieldSize]
	}
	copy(buf[32:32+nameFieldSize], nameBytes)
	off := 32 + nameFieldSize
	binary.LittleEndian.PutUint64(buf[off:], s.RingBufferOffset)
	binary.LittleEndian.PutUint64(buf[off+8:], s.RingBufferSize)
	binary.LittleEndian.PutUint64(buf[off+16:], s.OldestLsid)
	binary.LittleEndian.PutUint64(buf[off+24:], s.WrittenLsid)
	binary.LittleEndian.PutUint64(buf[off+32:], s.DeviceSize)
	binary.LittleEndian.PutUint32(buf[0:], checksum.Sum(buf, 0))
	return buf
}

// DecodeSuperBlock parses and verifies a SuperBlockSize buffer.
func DecodeSuperBlock(buf []byte) (SuperBlock, error) {
	if len(buf) != SuperBlockSize {
		return SuperBlock{}, walberr.New(walberr.InvalidFormat, "wlog super block: wrong size %d", len(buf))
	}
	if !checksum.Verify(buf, 0) {
		return SuperBlock{}, walberr.New(walberr.InvalidFormat, "wlog super block: bad checksum")
	}
	var s SuperBlock
	s.Pbs = binary.LittleEndian.Uint32(buf[4:])
	s.LogicalBs = binary.LittleEndian.Uint32(buf[8:])
	s.Salt = binary.LittleEndian.Uint32(buf[12:])
	copy(s.UUID[:], buf[16:32])
	off := 32 + nameFieldSize
	nameEnd := 32
	for nameEnd < off && buf[nameEnd] != 0 {
		nameEnd++
	}
	s.Name = string(buf[32:nameEnd])
	s.RingBufferOffset = binary.LittleEndian.Uint64(buf[off:])
	s.RingBufferSize = binary.LittleEndian.Uint64(buf[off+8:])
	s.OldestLsid = binary.LittleEndian.Uint64(buf[off+16:])
	s.WrittenLsid = binary.LittleEndian.Uint64(buf[off+24:])
	s.DeviceSize = binary.LittleEndian.Uint64(buf[off+32:])
	if s.RingBufferSize == 0 {
		return SuperBlock{}, walberr.New(walberr.InvalidFormat, "wlog super block: zero ring buffer size")
	}
	return s, nil
}

// ReadSuperBlock reads and decodes the super block from offset 0 of dev.
func ReadSuperBlock(dev blockdev.Device) (SuperBlock, error) {
	buf := make([]byte, SuperBlockSize)
	if err := dev.ReadAt(0, buf); err != nil {
		return SuperBlock{}, walberr.Wrap(walberr.IoError, err, "read wlog super block")
	}
	return DecodeSuperBlock(buf)
}

// WriteSuperBlock writes s to offset 0 of dev and syncs it.
func WriteSuperBlock(dev blockdev.Device, s SuperBlock) error {
	if err := dev.WriteAt(0, s.Encode()); err != nil {
		return walberr.Wrap(walberr.IoError, err, "write wlog super block")
	}
	return dev.Sync()
}
