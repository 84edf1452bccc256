// Package checksum implements the walb "self-checksum" convention used by
// every checksum-bearing struct in the core: compute the running sum of the
// buffer (with the checksum field zeroed and a salt added first), then
// store its two's-complement negation so that recomputing the sum over the
// stored buffer, salt included, always yields zero.
//
// Grounded on original_source's cybozu::util::calcChecksum convention,
// referenced throughout walb_diff_file.hpp/walb_diff_base.hpp as
// "checksum=0 then set to residual" / "self-checksum".
package checksum

import "encoding/binary"

// Sum computes the walb checksum of buf seeded with salt: the buffer is
// read as little-endian uint32 words (the final partial word, if any, is
// zero-padded), summed together with salt, and the running sum is negated.
func Sum(buf []byte, salt uint32) uint32 {
	var sum uint32 = salt
	n := len(buf) / 4
	for i := 0; i < n; i++ {
		sum += binary.LittleEndian.Uint32(buf[i*4:])
	}
	if rem := len(buf) % 4; rem != 0 {
		var last [4]byte
		copy(last[:], buf[n*4:])
		sum += binary.LittleEndian.Uint32(last[:])
	}
	return -sum
}

// Verify reports whether buf (which embeds its own checksum field, already
// populated) carries a valid checksum for salt, i.e. Sum(buf, salt) == 0.
func Verify(buf []byte, salt uint32) bool {
	return Sum(buf, salt) == 0
}
