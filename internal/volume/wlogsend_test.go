package volume

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestInfo(t *testing.T) *Info {
	t.Helper()
	dir := t.TempDir()
	info, err := Open(dir, "vol0", StorageStatePairs, StorageMaster)
	require.NoError(t, err)
	require.NoError(t, info.Init())
	return info
}

func TestPrepareWlogTransferNothingQueued(t *testing.T) {
	info := newTestInfo(t)
	_, ok := info.PrepareWlogTransfer(1024)
	assert.False(t, ok)
}

func TestPrepareAndFinishWlogTransferFullRound(t *testing.T) {
	info := newTestInfo(t)
	rec, err := info.TakeSnapshot(1000)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), rec.Gid)

	plan, ok := info.PrepareWlogTransfer(10000)
	require.True(t, ok)
	assert.True(t, plan.WholeRangeSent)
	assert.Equal(t, uint64(0), plan.Diff.SnapB.GidB)
	assert.Equal(t, uint64(1), plan.Diff.SnapE.GidB)
	assert.Equal(t, uint64(1000), plan.Limit.Lsid)

	require.NoError(t, info.FinishWlogTransfer(plan))
	assert.Equal(t, uint64(1000), info.DoneRecord().Lsid)
	assert.Equal(t, 0, info.Queue.Len())
}

func TestPrepareWlogTransferPartialRoundDoesNotPopQueue(t *testing.T) {
	info := newTestInfo(t)
	_, err := info.TakeSnapshot(1000)
	require.NoError(t, err)

	plan, ok := info.PrepareWlogTransfer(100)
	require.True(t, ok)
	assert.False(t, plan.WholeRangeSent)
	assert.Equal(t, uint64(100), plan.Limit.Lsid)

	require.NoError(t, info.FinishWlogTransfer(plan))
	assert.Equal(t, uint64(100), info.DoneRecord().Lsid)
	assert.Equal(t, 1, info.Queue.Len(), "a partial round must leave the queue's back in place")

	plan2, ok := info.PrepareWlogTransfer(10000)
	require.True(t, ok)
	assert.True(t, plan2.WholeRangeSent)
	assert.Equal(t, uint64(100), plan2.RecB.Lsid)
}

func TestTakeSnapshotIgnoresNonAdvancingLsid(t *testing.T) {
	info := newTestInfo(t)
	rec, err := info.TakeSnapshot(1000)
	require.NoError(t, err)

	same, err := info.TakeSnapshot(500)
	require.NoError(t, err)
	assert.Equal(t, rec, same)
	assert.Equal(t, 1, info.Queue.Len())
}
