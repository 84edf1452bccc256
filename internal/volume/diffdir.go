package volume

import (
	"os"
	"path/filepath"

	"github.com/cybozu-go/walb-tools/internal/meta"
	"github.com/cybozu-go/walb-tools/internal/walberr"
)

// DiffDir is a volume's wdiff storage: an in-memory meta.Manager backed
// one-to-one by actual .wdiff files on disk, each named by
// meta.DiffFileName. There is no separate manager persistence format —
// the files themselves carry the metadata the manager indexes, so a
// restart just rescans the directory, matching how archive_vol_info.hpp
// and proxy_data.hpp both treat the diff directory as the single source
// of truth rather than keeping a shadow index file.
type DiffDir struct {
	dir     string
	manager *meta.Manager
}

// OpenDiffDir loads (or prepares to create) dir as a volume's diff
// directory, rebuilding its Manager from the .wdiff files already
// present.
func OpenDiffDir(dir string) (*DiffDir, error) {
	d := &DiffDir{dir: dir, manager: meta.NewManager()}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return d, nil
		}
		return nil, walberr.Wrap(walberr.IoError, err, "diffdir: read %s", dir)
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		diff, err := meta.ParseDiffFileName(e.Name())
		if err != nil {
			continue // not a diff file (temp file, sidecar, etc.)
		}
		if err := d.manager.Add(diff); err != nil {
			return nil, walberr.Wrap(walberr.InvalidFormat, err, "diffdir: %s names an invalid diff", e.Name())
		}
	}
	return d, nil
}

// Dir returns the directory path, satisfying proto.WdiffReceiver.
func (d *DiffDir) Dir() string { return d.dir }

// Manager returns the live diff index for chain/merge/gc queries.
func (d *DiffDir) Manager() *meta.Manager { return d.manager }

// Path returns the on-disk path a diff would be stored at.
func (d *DiffDir) Path(diff meta.Diff) string {
	return filepath.Join(d.dir, meta.DiffFileName(diff))
}

// AlreadyPresent reports whether an identical (SnapB, SnapE) diff is
// already tracked, satisfying proto.WdiffReceiver's idempotency check.
func (d *DiffDir) AlreadyPresent(diff meta.Diff) bool {
	return d.manager.Exists(diff)
}

// Store finalizes tmpPath (a fully-received, checksum-verified wdiff
// file) as diff's permanent file and adds it to the manager, satisfying
// proto.WdiffReceiver.
func (d *DiffDir) Store(diff meta.Diff, tmpPath string) error {
	if err := os.MkdirAll(d.dir, 0o755); err != nil {
		return walberr.Wrap(walberr.IoError, err, "diffdir: mkdir %s", d.dir)
	}
	target := d.Path(diff)
	if err := os.Rename(tmpPath, target); err != nil {
		return walberr.Wrap(walberr.IoError, err, "diffdir: rename %s to %s", tmpPath, target)
	}
	return d.manager.Add(diff)
}

// Remove deletes diff's file and drops it from the manager, used by gc
// and by a merge round replacing several diffs with one.
func (d *DiffDir) Remove(diff meta.Diff) error {
	if err := os.Remove(d.Path(diff)); err != nil && !os.IsNotExist(err) {
		return walberr.Wrap(walberr.IoError, err, "diffdir: remove %s", d.Path(diff))
	}
	d.manager.Erase(diff)
	return nil
}
