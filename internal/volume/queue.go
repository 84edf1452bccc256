package volume

import (
	"bufio"
	"encoding/binary"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cybozu-go/walb-tools/internal/meta"
	"github.com/cybozu-go/walb-tools/internal/walberr"
)

// Queue is a durable FIFO of meta.LsidGid checkpoints — the "must have at
// least one record" queue file storage_vol_info.hpp keeps per volume,
// recording which wlog-transfer units have been sent downstream and not
// yet acknowledged. The real queue_file.hpp (a true circular append-only
// file with in-place pop) was not present in the retrieved source tree;
// this package instead persists the whole queue by serializing it to a
// temp file and renaming over the target on every mutation, the same
// atomic-replace convention util::saveFile/tmp_file_serializer.hpp
// describe elsewhere in this source tree for small, infrequently-updated
// records. A transfer checkpoint queue is exactly that: pushed once per
// wlog-send round, not a hot path, so whole-file rewrite is the right
// trade against reimplementing a circular file format blind.
type Queue struct {
	mu      sync.Mutex
	path    string
	records []meta.LsidGid
}

const recordWireSize = 8 + 8 + 1 + 8 // lsid, gid, isMergeable, timestamp(unix seconds)

// OpenQueue loads the queue file at path, creating it empty if it does
// not yet exist.
func OpenQueue(path string) (*Queue, error) {
	q := &Queue{path: path}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return q, nil
		}
		return nil, walberr.Wrap(walberr.IoError, err, "volume queue: open %s", path)
	}
	defer f.Close()
	r := bufio.NewReader(f)
	for {
		buf := make([]byte, recordWireSize)
		if _, err := io.ReadFull(r, buf); err != nil {
			if err == io.EOF {
				break
			}
			return nil, walberr.Wrap(walberr.InvalidFormat, err, "volume queue: truncated record in %s", path)
		}
		q.records = append(q.records, decodeLsidGid(buf))
	}
	return q, nil
}

func encodeLsidGid(r meta.LsidGid) []byte {
	buf := make([]byte, recordWireSize)
	binary.LittleEndian.PutUint64(buf[0:], r.Lsid)
	binary.LittleEndian.PutUint64(buf[8:], r.Gid)
	if r.IsMergeable {
		buf[16] = 1
	}
	binary.LittleEndian.PutUint64(buf[17:], uint64(r.Timestamp.Unix()))
	return buf
}

func decodeLsidGid(buf []byte) meta.LsidGid {
	return meta.LsidGid{
		Lsid:        binary.LittleEndian.Uint64(buf[0:]),
		Gid:         binary.LittleEndian.Uint64(buf[8:]),
		IsMergeable: buf[16] != 0,
		Timestamp:   time.Unix(int64(binary.LittleEndian.Uint64(buf[17:])), 0).UTC(),
	}
}

// Len returns the number of queued records.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.records)
}

// Front returns the oldest record (the next one a consumer should act
// on), matching queue_file's front().
func (q *Queue) Front() (meta.LsidGid, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.records) == 0 {
		return meta.LsidGid{}, false
	}
	return q.records[0], true
}

// Back returns the newest record.
func (q *Queue) Back() (meta.LsidGid, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.records) == 0 {
		return meta.LsidGid{}, false
	}
	return q.records[len(q.records)-1], true
}

// PushBack appends rec as the newest record and persists the queue.
func (q *Queue) PushBack(rec meta.LsidGid) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.records = append(q.records, rec)
	return q.syncLocked()
}

// PushFront prepends rec as the oldest record and persists the queue,
// used to put back a checkpoint a send round failed to deliver.
func (q *Queue) PushFront(rec meta.LsidGid) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.records = append([]meta.LsidGid{rec}, q.records...)
	return q.syncLocked()
}

// PopBack removes and returns the newest record.
func (q *Queue) PopBack() (meta.LsidGid, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.records) == 0 {
		return meta.LsidGid{}, false, nil
	}
	rec := q.records[len(q.records)-1]
	q.records = q.records[:len(q.records)-1]
	return rec, true, q.syncLocked()
}

// PopFront removes and returns the oldest record.
func (q *Queue) PopFront() (meta.LsidGid, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.records) == 0 {
		return meta.LsidGid{}, false, nil
	}
	rec := q.records[0]
	q.records = q.records[1:]
	return rec, true, q.syncLocked()
}

// All returns every record, oldest first.
func (q *Queue) All() []meta.LsidGid {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]meta.LsidGid, len(q.records))
	copy(out, q.records)
	return out
}

// Sync persists the queue's current contents.
func (q *Queue) Sync() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.syncLocked()
}

func (q *Queue) syncLocked() error {
	dir := filepath.Dir(q.path)
	tmp, err := os.CreateTemp(dir, ".queue-*.tmp")
	if err != nil {
		return walberr.Wrap(walberr.IoError, err, "volume queue: create temp in %s", dir)
	}
	tmpPath := tmp.Name()
	for _, rec := range q.records {
		if _, err := tmp.Write(encodeLsidGid(rec)); err != nil {
			tmp.Close()
			os.Remove(tmpPath)
			return walberr.Wrap(walberr.IoError, err, "volume queue: write temp %s", tmpPath)
		}
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return walberr.Wrap(walberr.IoError, err, "volume queue: fsync temp %s", tmpPath)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return walberr.Wrap(walberr.IoError, err, "volume queue: close temp %s", tmpPath)
	}
	if err := os.Rename(tmpPath, q.path); err != nil {
		os.Remove(tmpPath)
		return walberr.Wrap(walberr.IoError, err, "volume queue: rename temp over %s", q.path)
	}
	return nil
}
