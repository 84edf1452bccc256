package volume

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cybozu-go/walb-tools/internal/meta"
)

func TestMachineTransitionsGuarded(t *testing.T) {
	m := NewMachine(ProxyStatePairs, ProxyClear)
	assert.True(t, m.CanGo(ProxyClear, proxyAddArchiveInfo))
	assert.False(t, m.CanGo(ProxyClear, proxyStart))
}

func TestTransactionCommit(t *testing.T) {
	m := NewMachine(ProxyStatePairs, ProxyStopped)
	tx, err := Begin(m, ProxyStopped, proxyStart)
	require.NoError(t, err)
	require.NoError(t, tx.Commit(ProxyStarted))
	assert.Equal(t, ProxyStarted, m.Get())
}

func TestTransactionRollback(t *testing.T) {
	m := NewMachine(ProxyStatePairs, ProxyStopped)
	tx, err := Begin(m, ProxyStopped, proxyStart)
	require.NoError(t, err)
	tx.Rollback()
	assert.Equal(t, ProxyStopped, m.Get())
}

func TestTransactionBeginRejectsWrongState(t *testing.T) {
	m := NewMachine(ProxyStatePairs, ProxyClear)
	_, err := Begin(m, ProxyStopped, proxyStart)
	assert.Error(t, err)
}

func TestQueuePushPopPersists(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "queue")
	q, err := OpenQueue(path)
	require.NoError(t, err)

	now := time.Now().Truncate(time.Second).UTC()
	r1 := meta.LsidGid{Lsid: 10, Gid: 1, Timestamp: now}
	r2 := meta.LsidGid{Lsid: 20, Gid: 2, IsMergeable: true, Timestamp: now}
	require.NoError(t, q.PushBack(r1))
	require.NoError(t, q.PushBack(r2))
	assert.Equal(t, 2, q.Len())

	front, ok := q.Front()
	require.True(t, ok)
	assert.Equal(t, r1.Gid, front.Gid)

	q2, err := OpenQueue(path)
	require.NoError(t, err)
	assert.Equal(t, 2, q2.Len())

	rec, ok, err := q2.PopFront()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, r1.Lsid, rec.Lsid)
	assert.Equal(t, r1.Gid, rec.Gid)
	assert.True(t, rec.Timestamp.Equal(now))

	rec2, ok, err := q2.PopFront()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, r2.Gid, rec2.Gid)
	assert.True(t, rec2.IsMergeable)

	assert.Equal(t, 0, q2.Len())
}

func TestInfoInitAndReload(t *testing.T) {
	base := t.TempDir()
	info, err := Open(base, "vol0", StorageStatePairs, StorageSyncReady)
	require.NoError(t, err)
	require.NoError(t, info.Init())
	assert.True(t, info.Exists())

	rec := meta.LsidGid{Lsid: 42, Gid: 7}
	require.NoError(t, info.SetDoneRecord(rec))

	reloaded, err := Open(base, "vol0", StorageStatePairs, StorageSyncReady)
	require.NoError(t, err)
	assert.Equal(t, rec.Lsid, reloaded.DoneRecord().Lsid)
	assert.Equal(t, info.UUID(), reloaded.UUID())
}

func TestLocksAcquireRelease(t *testing.T) {
	l := NewLocks()
	l.Acquire("vol0")
	done := make(chan struct{})
	go func() {
		l.Acquire("vol0")
		l.Release("vol0")
		close(done)
	}()
	select {
	case <-done:
		t.Fatal("second acquire should have blocked")
	case <-time.After(20 * time.Millisecond):
	}
	l.Release("vol0")
	<-done
}
