package wlog

import (
	"time"

	"github.com/cybozu-go/walb-tools/internal/blockdev"
	"github.com/cybozu-go/walb-tools/internal/walberr"
)

// retryDelay is how long a reader sleeps before re-reading a pack header
// or IO that failed its checksum, per §4.4's "re-read the same lsid after
// a short sleep" retry rule.
const retryDelay = 10 * time.Millisecond

// maxRetries bounds the re-read loop before a reader gives up and reports
// a hard I/O error instead of retrying forever.
const maxRetries = 3

// IsOverflow reports, via a caller-supplied probe, whether the wdev has
// entered its out-of-band overflow state (§4.4). The kernel ioctl this
// wraps lives outside this package; Reader only needs the boolean.
type IsOverflow func() (bool, error)

// Reader is a synchronous walb log device reader: a seek at every ring
// wrap plus a blocking read per pack, grounded on wdev_log.hpp's
// SimpleWldevReader. The async/io_uring-backed reader (AsyncWldevReader)
// is not ported: this package's callers (the wlog-to-wdiff converter and
// the storage daemon's wlog-send loop) are bounded by wdev throughput, not
// reader-side I/O latency, and a bounded-readahead async reader is the one
// piece of §4.4 this repo leaves as future work — see SPEC_FULL.md §4.4.
type Reader struct {
	dev        blockdev.Device
	super      SuperBlock
	lsid       uint64
	isOverflow IsOverflow
}

// NewReader opens a reader positioned at lsid over dev, whose super block
// must already have been read.
func NewReader(dev blockdev.Device, super SuperBlock, lsid uint64, overflow IsOverflow) *Reader {
	if overflow == nil {
		overflow = func() (bool, error) { return false, nil }
	}
	return &Reader{dev: dev, super: super, lsid: lsid, isOverflow: overflow}
}

// Lsid returns the reader's current position.
func (r *Reader) Lsid() uint64 { return r.lsid }

// Reset repositions the reader at lsid, matching SimpleWldevReader::reset.
func (r *Reader) Reset(lsid uint64) { r.lsid = lsid }

func (r *Reader) readBlockAt(lsid uint64) ([]byte, error) {
	off := r.super.OffsetFromLsid(lsid) * uint64(r.super.Pbs)
	buf := make([]byte, r.super.Pbs)
	if err := r.dev.ReadAt(int64(off), buf); err != nil {
		return nil, walberr.Wrap(walberr.IoError, err, "read ldev block at lsid %d", lsid)
	}
	return buf, nil
}

// ReadPackHeader reads and verifies the pack header at the reader's
// current lsid, retrying on a bad checksum (the pack may be mid-write)
// before giving up, and checking the overflow probe on each failure per
// §4.4.
func (r *Reader) ReadPackHeader() (LogPackHeader, error) {
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			if overflowed, err := r.isOverflow(); err != nil {
				return LogPackHeader{}, err
			} else if overflowed {
				return LogPackHeader{}, walberr.New(walberr.Overflow, "wlog reader: device overflow at lsid %d", r.lsid)
			}
			time.Sleep(retryDelay)
		}
		buf, err := r.readBlockAt(r.lsid)
		if err != nil {
			return LogPackHeader{}, err
		}
		h, err := DecodeLogPackHeader(buf, r.super.Salt)
		if err == nil {
			return h, nil
		}
		lastErr = err
	}
	return LogPackHeader{}, walberr.Wrap(walberr.IoError, lastErr, "wlog reader: pack header unstable at lsid %d after %d retries", r.lsid, maxRetries)
}

// ReadPack reads one full pack at the current lsid (header plus every
// in-line record's payload blocks) and advances past it. It returns
// ok=false once the reader's lsid reaches endLsid without reading
// anything, the normal "caught up to the writer" condition.
func (r *Reader) ReadPack(endLsid uint64) (LogPackHeader, [][]byte, bool, error) {
	if r.lsid >= endLsid {
		return LogPackHeader{}, nil, false, nil
	}
	h, err := r.ReadPackHeader()
	if err != nil {
		return LogPackHeader{}, nil, false, err
	}
	r.lsid++

	payloads := make([][]byte, len(h.Records))
	for i, rec := range h.Records {
		if !rec.IsNormal() {
			continue
		}
		ioBytes := int(rec.IoBlocks) * int(r.super.LogicalBs)
		n := (ioBytes + int(r.super.Pbs) - 1) / int(r.super.Pbs)
		if n == 0 {
			n = 1
		}
		buf := make([]byte, 0, n*int(r.super.Pbs))
		for b := 0; b < n; b++ {
			block, err := r.readBlockAt(r.lsid)
			if err != nil {
				return LogPackHeader{}, nil, false, err
			}
			buf = append(buf, block...)
			r.lsid++
		}
		if ioBytes < len(buf) {
			buf = buf[:ioBytes]
		}
		payloads[i] = buf
	}
	return h, payloads, true, nil
}
