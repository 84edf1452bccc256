package volume

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cybozu-go/walb-tools/internal/meta"
)

func mustTempWdiff(t *testing.T, dir string) string {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0o755))
	f, err := os.CreateTemp(dir, "x-*.tmp")
	require.NoError(t, err)
	require.NoError(t, f.Close())
	return f.Name()
}

func TestSetAcceptsConfiguredStates(t *testing.T) {
	set := NewProxySet(t.TempDir())
	assert.True(t, set.AcceptState("vol0"))
}

func TestSetStoreAndAlreadyPresent(t *testing.T) {
	set := NewProxySet(t.TempDir())
	diff := meta.Diff{SnapB: meta.CleanSnap(0), SnapE: meta.CleanSnap(1), IsMergeable: true}

	dir, err := set.Dir("vol0")
	require.NoError(t, err)
	tmp := mustTempWdiff(t, dir)

	require.NoError(t, set.Store("vol0", diff, tmp))
	assert.True(t, set.AlreadyPresent("vol0", diff))

	mgr, err := set.Manager("vol0")
	require.NoError(t, err)
	assert.Len(t, mgr.GetAll(), 1)

	info, err := set.Info("vol0")
	require.NoError(t, err)
	assert.Equal(t, ProxyStarted, info.Machine.Get(), "Store must return to the original state after the transaction")
}

func TestSetReclaimRemovesOnlyFullyAckedDiffs(t *testing.T) {
	set := NewArchiveSet(t.TempDir())
	dir, err := set.Dir("vol0")
	require.NoError(t, err)

	d1 := meta.Diff{SnapB: meta.CleanSnap(0), SnapE: meta.CleanSnap(1), IsMergeable: true}
	d2 := meta.Diff{SnapB: meta.CleanSnap(1), SnapE: meta.CleanSnap(2), IsMergeable: true}
	require.NoError(t, set.Store("vol0", d1, mustTempWdiff(t, dir)))
	require.NoError(t, set.Store("vol0", d2, mustTempWdiff(t, dir)))

	removed, err := set.Reclaim("vol0", 1)
	require.NoError(t, err)
	require.Len(t, removed, 1)
	assert.Equal(t, d1, removed[0])

	_, err = os.Stat(filepath.Join(dir, meta.DiffFileName(d1)))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(dir, meta.DiffFileName(d2)))
	assert.NoError(t, err)

	mgr, err := set.Manager("vol0")
	require.NoError(t, err)
	assert.Len(t, mgr.GetAll(), 1)
}

func TestSetReplaceMergedSwapsSourcesForMergedDiff(t *testing.T) {
	set := NewArchiveSet(t.TempDir())
	dir, err := set.Dir("vol0")
	require.NoError(t, err)

	d1 := meta.Diff{SnapB: meta.CleanSnap(0), SnapE: meta.CleanSnap(1), IsMergeable: true}
	d2 := meta.Diff{SnapB: meta.CleanSnap(1), SnapE: meta.CleanSnap(2), IsMergeable: true}
	require.NoError(t, set.Store("vol0", d1, mustTempWdiff(t, dir)))
	require.NoError(t, set.Store("vol0", d2, mustTempWdiff(t, dir)))

	merged := meta.Merge(d1, d2)
	require.NoError(t, set.ReplaceMerged("vol0", []meta.Diff{d1, d2}, merged, mustTempWdiff(t, dir)))

	mgr, err := set.Manager("vol0")
	require.NoError(t, err)
	all := mgr.GetAll()
	require.Len(t, all, 1)
	assert.Equal(t, merged, all[0])

	_, err = os.Stat(filepath.Join(dir, meta.DiffFileName(d1)))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(dir, meta.DiffFileName(d2)))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(dir, meta.DiffFileName(merged)))
	assert.NoError(t, err)
}

func TestSetVolumeIDsTracksTouchedVolumes(t *testing.T) {
	set := NewProxySet(t.TempDir())
	_, err := set.Dir("vol0")
	require.NoError(t, err)
	_, err = set.Dir("vol1")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"vol0", "vol1"}, set.VolumeIDs())
}
