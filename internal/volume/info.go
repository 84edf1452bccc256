package volume

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/cybozu-go/walb-tools/internal/meta"
	"github.com/cybozu-go/walb-tools/internal/walberr"
)

// sideFile is the small JSON sidecar a volume directory keeps for its
// uuid and last-applied/sent checkpoint, matching the scattered
// util::saveFile("uuid")/setDoneRecord calls in storage_vol_info.hpp and
// archive_vol_info.hpp — collapsed into one file here since Go's
// encoding/json makes a single atomically-replaced record simpler than
// one file per field.
type sideFile struct {
	UUID          uuid.UUID    `json:"uuid"`
	Done          meta.LsidGid `json:"done"`
	LogDevicePath string       `json:"log_device_path,omitempty"`
}

// Info is the persistent, per-volume directory a storage/proxy/archive
// daemon keeps: its identifier, its state machine, its checkpoint queue,
// and its uuid/done-record sidecar. Grounded on StorageVolInfo/
// ArchiveVolInfo/ProxyData's shared shape (a volume subdirectory under
// the daemon's base directory, a queue file, and small persisted
// fields), generalized across the three roles since each one's C++ type
// differed only in which state table and which extra fields it kept.
type Info struct {
	Dir   string
	VolID string

	Machine *Machine
	Queue   *Queue

	side sideFile
}

// Open loads (or prepares to initialize) the volume directory
// baseDir/volID using the given role state table and initial state.
func Open(baseDir, volID string, pairs []Pair, initialState string) (*Info, error) {
	dir := filepath.Join(baseDir, volID)
	info := &Info{Dir: dir, VolID: volID, Machine: NewMachine(pairs, initialState)}
	if !info.Exists() {
		return info, nil
	}
	if err := info.load(); err != nil {
		return nil, err
	}
	return info, nil
}

// Exists reports whether the volume directory has been initialized.
func (info *Info) Exists() bool {
	st, err := os.Stat(info.Dir)
	return err == nil && st.IsDir()
}

func (info *Info) sidePath() string { return filepath.Join(info.Dir, "info.json") }
func (info *Info) queuePath() string { return filepath.Join(info.Dir, "queue") }

// Init creates the volume directory, an empty checkpoint queue, a fresh
// uuid, and a sentinel (never-checkpointed) done record, matching
// StorageVolInfo::init.
func (info *Info) Init() error {
	if err := os.MkdirAll(info.Dir, 0o755); err != nil {
		return walberr.Wrap(walberr.IoError, err, "volume: mkdir %s", info.Dir)
	}
	q, err := OpenQueue(info.queuePath())
	if err != nil {
		return err
	}
	info.Queue = q
	info.side = sideFile{
		UUID: uuid.New(),
		Done: meta.LsidGid{Lsid: ^uint64(0), Gid: ^uint64(0)},
	}
	return info.save()
}

// Clear deletes the volume directory entirely; info must not be used
// afterward, matching StorageVolInfo::clear.
func (info *Info) Clear() error {
	if err := os.RemoveAll(info.Dir); err != nil {
		return walberr.Wrap(walberr.IoError, err, "volume: clear %s", info.Dir)
	}
	return nil
}

func (info *Info) load() error {
	q, err := OpenQueue(info.queuePath())
	if err != nil {
		return err
	}
	info.Queue = q
	buf, err := os.ReadFile(info.sidePath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return walberr.Wrap(walberr.IoError, err, "volume: read %s", info.sidePath())
	}
	if err := json.Unmarshal(buf, &info.side); err != nil {
		return walberr.Wrap(walberr.InvalidFormat, err, "volume: decode %s", info.sidePath())
	}
	return nil
}

func (info *Info) save() error {
	buf, err := json.Marshal(info.side)
	if err != nil {
		return walberr.Wrap(walberr.Internal, err, "volume: encode side file")
	}
	dir := filepath.Dir(info.sidePath())
	tmp, err := os.CreateTemp(dir, ".info-*.tmp")
	if err != nil {
		return walberr.Wrap(walberr.IoError, err, "volume: create temp in %s", dir)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(buf); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return walberr.Wrap(walberr.IoError, err, "volume: write temp %s", tmpPath)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return walberr.Wrap(walberr.IoError, err, "volume: close temp %s", tmpPath)
	}
	if err := os.Rename(tmpPath, info.sidePath()); err != nil {
		os.Remove(tmpPath)
		return walberr.Wrap(walberr.IoError, err, "volume: rename temp over %s", info.sidePath())
	}
	return nil
}

// UUID returns the volume's persisted identity.
func (info *Info) UUID() uuid.UUID { return info.side.UUID }

// SetUUID updates and persists the volume's identity, used after a full
// resync against a new replication source.
func (info *Info) SetUUID(id uuid.UUID) error {
	info.side.UUID = id
	return info.save()
}

// DoneRecord returns the last checkpoint this volume has fully applied
// or sent, depending on the daemon role.
func (info *Info) DoneRecord() meta.LsidGid { return info.side.Done }

// SetDoneRecord updates and persists the checkpoint.
func (info *Info) SetDoneRecord(rec meta.LsidGid) error {
	info.side.Done = rec
	return info.save()
}

// LogDevicePath returns the storage role's "path" file contents: the
// wdev's log device path this volume reads from, per §6's storage
// volume directory layout.
func (info *Info) LogDevicePath() string { return info.side.LogDevicePath }

// SetLogDevicePath updates and persists the log device path.
func (info *Info) SetLogDevicePath(path string) error {
	info.side.LogDevicePath = path
	return info.save()
}
