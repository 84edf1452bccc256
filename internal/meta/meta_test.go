package meta

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ts(s string) time.Time {
	t, err := time.ParseInLocation(timestampLayout, s, time.UTC)
	if err != nil {
		panic(err)
	}
	return t
}

func TestSnapCleanDirty(t *testing.T) {
	assert.True(t, CleanSnap(3).IsClean())
	assert.True(t, DirtySnap(3, 5).IsDirty())
	assert.NoError(t, CleanSnap(3).Verify())
	assert.Error(t, Snap{GidB: 5, GidE: 3}.Verify())
}

func TestCanApplyClean(t *testing.T) {
	snap := CleanSnap(3)
	diff := Diff{SnapB: CleanSnap(3), SnapE: CleanSnap(5)}
	assert.True(t, CanApply(snap, diff))
	assert.Equal(t, CleanSnap(5), Apply(snap, diff))

	other := Diff{SnapB: CleanSnap(4), SnapE: CleanSnap(5)}
	assert.False(t, CanApply(snap, other))
}

func TestCanApplyDirty(t *testing.T) {
	snap := DirtySnap(3, 6)
	diff := Diff{SnapB: DirtySnap(2, 7), SnapE: CleanSnap(7)}
	require.True(t, CanApply(snap, diff))
	assert.Equal(t, CleanSnap(7), Apply(snap, diff))

	tooNarrow := Diff{SnapB: DirtySnap(3, 5), SnapE: CleanSnap(5)}
	assert.False(t, CanApply(snap, tooNarrow))
}

func TestApplyDirtyWidensGidE(t *testing.T) {
	snap := DirtySnap(3, 6)
	diff := Diff{SnapB: DirtySnap(2, 7), SnapE: DirtySnap(7, 8)}
	got := Apply(snap, diff)
	assert.Equal(t, DirtySnap(7, 8), got)
}

func TestCanMergeAndMerge(t *testing.T) {
	a := Diff{SnapB: CleanSnap(1), SnapE: CleanSnap(3), IsMergeable: true, Timestamp: ts("20260101000000")}
	b := Diff{SnapB: CleanSnap(3), SnapE: CleanSnap(5), IsMergeable: true, Timestamp: ts("20260102000000")}
	require.True(t, CanMerge(a, b))
	m := Merge(a, b)
	assert.Equal(t, CleanSnap(1), m.SnapB)
	assert.Equal(t, CleanSnap(5), m.SnapE)
	assert.True(t, m.IsMergeable)
	assert.Equal(t, b.Timestamp, m.Timestamp)
}

func TestCanMergeRejectsNonMergeable(t *testing.T) {
	a := Diff{SnapB: CleanSnap(1), SnapE: CleanSnap(3)}
	b := Diff{SnapB: CleanSnap(3), SnapE: CleanSnap(5), IsMergeable: false}
	assert.False(t, CanMerge(a, b))
}

func TestCanMergeCompDiffBoundary(t *testing.T) {
	a := Diff{SnapB: CleanSnap(1), SnapE: DirtySnap(3, 6)}
	mid := Diff{SnapB: DirtySnap(4, 6), SnapE: CleanSnap(6), IsMergeable: true, IsCompDiff: true}
	assert.False(t, CanMerge(a, mid))

	edge := Diff{SnapB: DirtySnap(3, 6), SnapE: CleanSnap(6), IsMergeable: true, IsCompDiff: true}
	assert.True(t, CanMerge(a, edge))
}

func TestDiffFileNameRoundTripClean(t *testing.T) {
	d := Diff{
		SnapB: CleanSnap(10), SnapE: CleanSnap(20),
		Timestamp: ts("20260802123456"), IsMergeable: true,
	}
	name := DiffFileName(d)
	assert.Equal(t, "20260802123456-M--10-20.wdiff", name)

	got, err := ParseDiffFileName(name)
	require.NoError(t, err)
	assert.Equal(t, d.SnapB, got.SnapB)
	assert.Equal(t, d.SnapE, got.SnapE)
	assert.True(t, got.IsMergeable)
	assert.False(t, got.IsCompDiff)
	assert.Equal(t, d.Timestamp, got.Timestamp)
}

func TestDiffFileNameRoundTripDirty(t *testing.T) {
	d := Diff{
		SnapB: DirtySnap(10, 15), SnapE: DirtySnap(20, 25),
		Timestamp: ts("20260802000000"), IsCompDiff: true,
	}
	name := DiffFileName(d)
	got, err := ParseDiffFileName(name)
	require.NoError(t, err)
	assert.Equal(t, d.SnapB, got.SnapB)
	assert.Equal(t, d.SnapE, got.SnapE)
	assert.True(t, got.IsCompDiff)
}

func TestStateStringRoundTripResting(t *testing.T) {
	st := Resting(CleanSnap(7), ts("20260802000000"))
	s := StateString(st)
	assert.Equal(t, "<|7|>-20260802000000", s)

	got, err := ParseStateString(s)
	require.NoError(t, err)
	assert.Equal(t, st.SnapB, got.SnapB)
	assert.False(t, got.IsApplying)
	assert.True(t, got.IsExplicit)
}

func TestStateStringRoundTripApplying(t *testing.T) {
	st := Applying(DirtySnap(3, 5), CleanSnap(6), ts("20260802000000"))
	s := StateString(st)
	got, err := ParseStateString(s)
	require.NoError(t, err)
	assert.Equal(t, st.SnapB, got.SnapB)
	assert.True(t, got.IsApplying)
	assert.Equal(t, st.SnapE, got.SnapE)
}

func TestManagerAddExistsErase(t *testing.T) {
	m := NewManager()
	d := Diff{SnapB: CleanSnap(0), SnapE: CleanSnap(1), Timestamp: ts("20260101000000")}
	require.NoError(t, m.Add(d))
	assert.True(t, m.Exists(d))
	assert.True(t, m.Erase(d))
	assert.False(t, m.Exists(d))
}

func TestManagerGetApplicableDiffListChain(t *testing.T) {
	m := NewManager()
	d1 := Diff{SnapB: CleanSnap(0), SnapE: CleanSnap(1), Timestamp: ts("20260101000000")}
	d2 := Diff{SnapB: CleanSnap(1), SnapE: CleanSnap(2), Timestamp: ts("20260101000001")}
	d3 := Diff{SnapB: CleanSnap(2), SnapE: CleanSnap(3), Timestamp: ts("20260101000002")}
	require.NoError(t, m.Add(d1))
	require.NoError(t, m.Add(d2))
	require.NoError(t, m.Add(d3))

	list := m.GetApplicableDiffList(CleanSnap(0))
	require.Len(t, list, 3)
	assert.Equal(t, CleanSnap(1), list[0].SnapE)
	assert.Equal(t, CleanSnap(2), list[1].SnapE)
	assert.Equal(t, CleanSnap(3), list[2].SnapE)
}

func TestManagerGetMergeableDiffListAndMerged(t *testing.T) {
	m := NewManager()
	d1 := Diff{SnapB: CleanSnap(0), SnapE: CleanSnap(1), IsMergeable: true, Timestamp: ts("20260101000000")}
	d2 := Diff{SnapB: CleanSnap(1), SnapE: CleanSnap(2), IsMergeable: true, Timestamp: ts("20260101000001")}
	require.NoError(t, m.Add(d1))
	require.NoError(t, m.Add(d2))

	list := m.GetMergeableDiffList(0)
	require.Len(t, list, 2)

	merged, ok := m.GetMergedDiff(0)
	require.True(t, ok)
	assert.Equal(t, CleanSnap(0), merged.SnapB)
	assert.Equal(t, CleanSnap(2), merged.SnapE)
}

func TestManagerEraseBeforeGid(t *testing.T) {
	m := NewManager()
	d1 := Diff{SnapB: CleanSnap(0), SnapE: CleanSnap(1), Timestamp: ts("20260101000000")}
	d2 := Diff{SnapB: CleanSnap(5), SnapE: CleanSnap(6), Timestamp: ts("20260101000000")}
	require.NoError(t, m.Add(d1))
	require.NoError(t, m.Add(d2))

	n := m.EraseBeforeGid(2)
	assert.Equal(t, 1, n)
	assert.False(t, m.Exists(d1))
	assert.True(t, m.Exists(d2))
}

func TestManagerGetDiffListToSync(t *testing.T) {
	m := NewManager()
	d1 := Diff{SnapB: CleanSnap(0), SnapE: CleanSnap(1), Timestamp: ts("20260101000000")}
	d2 := Diff{SnapB: CleanSnap(1), SnapE: CleanSnap(6), Timestamp: ts("20260101000000")}
	require.NoError(t, m.Add(d1))
	require.NoError(t, m.Add(d2))

	list := m.GetDiffListToSync(Resting(CleanSnap(0), ts("20260101000000")), CleanSnap(6))
	require.Len(t, list, 2)
	assert.Equal(t, d1, list[0])
	assert.Equal(t, d2, list[1])

	assert.Nil(t, m.GetDiffListToSync(Resting(CleanSnap(0), ts("20260101000000")), CleanSnap(3)),
		"no diff in the chain lands exactly on gid 3")
}

func TestManagerGetDiffListToSyncForcesInFlightApplyFirst(t *testing.T) {
	m := NewManager()
	d1 := Diff{SnapB: DirtySnap(0, 4), SnapE: CleanSnap(4), Timestamp: ts("20260101000000")}
	d2 := Diff{SnapB: CleanSnap(4), SnapE: CleanSnap(6), Timestamp: ts("20260101000001")}
	require.NoError(t, m.Add(d1))
	require.NoError(t, m.Add(d2))

	st := Applying(DirtySnap(0, 4), CleanSnap(4), ts("20260101000000"))
	list := m.GetDiffListToSync(st, CleanSnap(6))
	require.Len(t, list, 2)
	assert.Equal(t, d1, list[0])
	assert.Equal(t, d2, list[1])
}

func TestManagerGetRestorableList(t *testing.T) {
	m := NewManager()
	d1 := Diff{SnapB: CleanSnap(0), SnapE: CleanSnap(1), Timestamp: ts("20260101000000")}
	d2 := Diff{SnapB: CleanSnap(1), SnapE: DirtySnap(2, 4), Timestamp: ts("20260101000001")}
	d3 := Diff{SnapB: DirtySnap(2, 4), SnapE: CleanSnap(4), Timestamp: ts("20260101000002")}
	require.NoError(t, m.Add(d1))
	require.NoError(t, m.Add(d2))
	require.NoError(t, m.Add(d3))

	list, err := m.GetRestorableList(Resting(CleanSnap(0), ts("20260101000000")), true)
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, CleanSnap(0), list[0].SnapB)
	assert.Equal(t, CleanSnap(1), list[1].SnapB)
	assert.Equal(t, CleanSnap(4), list[2].SnapB)
}

func TestManagerGetDiffListToApplyForcesInFlightApplyPastTarget(t *testing.T) {
	m := NewManager()
	d1 := Diff{SnapB: DirtySnap(0, 4), SnapE: CleanSnap(4), Timestamp: ts("20260101000000")}
	require.NoError(t, m.Add(d1))

	st := Applying(DirtySnap(0, 4), CleanSnap(4), ts("20260101000000"))
	list, err := m.GetDiffListToApply(st, 0)
	require.NoError(t, err)
	require.Len(t, list, 1, "the in-flight apply's minimum prefix must be forced through even past targetGid")
	assert.Equal(t, d1, list[0])
}

func TestManagerGetDiffListToApplyErrorsWhenInFlightApplyIsUnreconstructable(t *testing.T) {
	m := NewManager()
	st := Applying(DirtySnap(0, 4), CleanSnap(4), ts("20260101000000"))
	_, err := m.GetDiffListToApply(st, 10)
	assert.Error(t, err)
}

func TestManagerGetApplicableDiffListPicksMaxProgressNotLatestTimestamp(t *testing.T) {
	m := NewManager()
	// Two diffs fork from the same snapshot; the one with the earlier
	// timestamp makes more progress and must win the chain-building
	// step, per §4.6's "maximum snapE.gidB" rule.
	shallow := Diff{SnapB: CleanSnap(0), SnapE: CleanSnap(1), Timestamp: ts("20260101000005")}
	deep := Diff{SnapB: CleanSnap(0), SnapE: CleanSnap(3), Timestamp: ts("20260101000000")}
	require.NoError(t, m.Add(shallow))
	require.NoError(t, m.Add(deep))

	list := m.GetApplicableDiffList(CleanSnap(0))
	require.Len(t, list, 1)
	assert.Equal(t, deep, list[0])
}

func TestManagerChangeSnapshotFlipsIsMergeable(t *testing.T) {
	m := NewManager()
	d := Diff{SnapB: CleanSnap(0), SnapE: CleanSnap(1), IsMergeable: true, Timestamp: ts("20260101000000")}
	require.NoError(t, m.Add(d))

	changed := m.ChangeSnapshot(0, true)
	require.Len(t, changed, 1)
	assert.False(t, changed[0].IsMergeable)
	assert.False(t, m.GetAll()[0].IsMergeable)

	changed = m.ChangeSnapshot(0, false)
	require.Len(t, changed, 1)
	assert.True(t, changed[0].IsMergeable)

	assert.Empty(t, m.ChangeSnapshot(0, false), "already enabled, nothing left to flip")
}

func TestManagerGCKeepsOnlyTheApplyPathFromSnap(t *testing.T) {
	m := NewManager()
	onPath1 := Diff{SnapB: CleanSnap(0), SnapE: CleanSnap(1), Timestamp: ts("20260101000000")}
	onPath2 := Diff{SnapB: CleanSnap(1), SnapE: CleanSnap(2), Timestamp: ts("20260101000001")}
	orphan := Diff{SnapB: CleanSnap(5), SnapE: CleanSnap(6), Timestamp: ts("20260101000000")}
	require.NoError(t, m.Add(onPath1))
	require.NoError(t, m.Add(onPath2))
	require.NoError(t, m.Add(orphan))

	garbage := m.GC(CleanSnap(0))
	assert.ElementsMatch(t, []Diff{orphan}, garbage)
	assert.ElementsMatch(t, []Diff{onPath1, onPath2}, m.GetAll(),
		"GC must never delete a diff still reachable from snap")
}
