package meta

import (
	"sort"
	"sync"

	"github.com/google/btree"

	"github.com/cybozu-go/walb-tools/internal/walberr"
)

// entry is one diff tracked by Manager, tagged with its insertion order so
// two diffs sharing a snapB.gidB (a legitimate multiset case — e.g. a
// dirty diff and the comp-diff that later replaces it) remain individually
// addressable.
type entry struct {
	diff Diff
	seq  uint64
}

// Manager is the gid-indexed diff multiset of §4.6, keyed by snapB.gidB.
// Candidate lookups use a two-tier search: a btree.BTreeG of the distinct
// gidB keys currently present gives an O(log n) window of candidate
// buckets (fastSearch in meta.cpp), and each bucket is then scanned
// linearly — buckets hold at most a handful of entries in practice, so the
// linear step stays cheap while the key lookup itself avoids the O(n)
// scan meta.cpp's fastSearch was written to avoid.
type Manager struct {
	mu      sync.RWMutex
	byGidB  map[uint64][]*entry
	keys    *btree.BTreeG[uint64]
	nextSeq uint64
}

func lessUint64(a, b uint64) bool { return a < b }

// NewManager returns an empty diff manager.
func NewManager() *Manager {
	return &Manager{
		byGidB: make(map[uint64][]*entry),
		keys:   btree.NewG(32, lessUint64),
	}
}

// Add inserts diff into the manager. It does not deduplicate: callers
// wanting multiset-exact semantics should check Exists first.
func (m *Manager) Add(diff Diff) error {
	if err := diff.Verify(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.addNolock(diff)
	return nil
}

func (m *Manager) addNolock(diff Diff) {
	gidB := diff.SnapB.GidB
	if _, ok := m.byGidB[gidB]; !ok {
		m.keys.ReplaceOrInsert(gidB)
	}
	m.nextSeq++
	m.byGidB[gidB] = append(m.byGidB[gidB], &entry{diff: diff, seq: m.nextSeq})
}

// Erase removes the first diff equal to target (by SnapB/SnapE), reporting
// whether one was found.
func (m *Manager) Erase(target Diff) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.eraseNolock(target)
}

func (m *Manager) eraseNolock(target Diff) bool {
	bucket := m.byGidB[target.SnapB.GidB]
	for i, e := range bucket {
		if e.diff.Equal(target) {
			bucket = append(bucket[:i], bucket[i+1:]...)
			if len(bucket) == 0 {
				delete(m.byGidB, target.SnapB.GidB)
				m.keys.Delete(target.SnapB.GidB)
			} else {
				m.byGidB[target.SnapB.GidB] = bucket
			}
			return true
		}
	}
	return false
}

// Exists reports whether a diff equal to target is present.
func (m *Manager) Exists(target Diff) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, e := range m.byGidB[target.SnapB.GidB] {
		if e.diff.Equal(target) {
			return true
		}
	}
	return false
}

// GetAll returns every tracked diff, ordered by (snapB.gidB, insertion
// order), matching meta.cpp's multiset iteration order.
func (m *Manager) GetAll() []Diff {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.allNolock()
}

func (m *Manager) allNolock() []Diff {
	var out []Diff
	m.keys.Ascend(func(gidB uint64) bool {
		bucket := append([]*entry(nil), m.byGidB[gidB]...)
		sort.Slice(bucket, func(i, j int) bool { return bucket[i].seq < bucket[j].seq })
		for _, e := range bucket {
			out = append(out, e.diff)
		}
		return true
	})
	return out
}

// GetMinMaxGid returns the smallest snapB.gidB and largest snapE.gidB
// currently tracked. ok is false when the manager is empty.
func (m *Manager) GetMinMaxGid() (minGid, maxGid uint64, ok bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getMinMaxGidNolock()
}

func (m *Manager) getMinMaxGidNolock() (minGid, maxGid uint64, ok bool) {
	if m.keys.Len() == 0 {
		return 0, 0, false
	}
	minKey, _ := m.keys.Min()
	minGid = minKey
	for _, bucket := range m.byGidB {
		for _, e := range bucket {
			if e.diff.SnapE.GidB > maxGid {
				maxGid = e.diff.SnapE.GidB
			}
		}
	}
	return minGid, maxGid, true
}

// getFirstDiffs returns every diff whose snapB.gidB equals the manager's
// current minimum key — the set of candidate starting points for both
// apply and merge chains, matching meta.cpp's getFirstDiffs.
func (m *Manager) getFirstDiffs() []Diff {
	if m.keys.Len() == 0 {
		return nil
	}
	minKey, _ := m.keys.Min()
	bucket := append([]*entry(nil), m.byGidB[minKey]...)
	sort.Slice(bucket, func(i, j int) bool { return bucket[i].seq < bucket[j].seq })
	out := make([]Diff, len(bucket))
	for i, e := range bucket {
		out[i] = e.diff
	}
	return out
}

// candidatesInWindow returns every diff whose snapB.gidB lies in
// [gid, gid+searchLen), the bounded-window step of the two-tier search.
// The caller must hold at least m.mu.RLock.
func (m *Manager) candidatesInWindow(gid, searchLen uint64) []Diff {
	var out []Diff
	hi := gid + searchLen
	m.keys.AscendRange(gid, hi, func(k uint64) bool {
		bucket := append([]*entry(nil), m.byGidB[k]...)
		sort.Slice(bucket, func(i, j int) bool { return bucket[i].seq < bucket[j].seq })
		for _, e := range bucket {
			out = append(out, e.diff)
		}
		return true
	})
	return out
}

const (
	initialSearchLen = 32
	maxSearchLen     = 1 << 20
)

// getApplicableCandidatesNolock returns diffs able to apply on top of
// snap, widening its search window geometrically (fastSearch in meta.cpp)
// until it either finds matches or exhausts the manager's key range. The
// caller must hold at least m.mu.RLock.
func (m *Manager) getApplicableCandidatesNolock(snap Snap, maxGid uint64) []Diff {
	for searchLen := uint64(initialSearchLen); ; searchLen *= 2 {
		var out []Diff
		for _, d := range m.candidatesInWindow(snap.GidB, searchLen) {
			if CanApply(snap, d) {
				out = append(out, d)
			}
		}
		if len(out) > 0 || snap.GidB+searchLen > maxGid || searchLen > maxSearchLen {
			return out
		}
	}
}

// getMergeableCandidatesNolock returns diffs able to merge after base,
// using the same widening-window search as
// getApplicableCandidatesNolock. The caller must hold at least
// m.mu.RLock.
func (m *Manager) getMergeableCandidatesNolock(base Diff, maxGid uint64) []Diff {
	for searchLen := uint64(initialSearchLen); ; searchLen *= 2 {
		var out []Diff
		for _, d := range m.candidatesInWindow(base.SnapE.GidB, searchLen) {
			if CanMerge(base, d) {
				out = append(out, d)
			}
		}
		if len(out) > 0 || base.SnapE.GidB+searchLen > maxGid || searchLen > maxSearchLen {
			return out
		}
	}
}

// pickMaxProgress chooses the candidate with maximum snapE.gidB, per
// §4.6's getApplicableDiffList/getMergeableDiffList ("choose the canApply
// candidate with maximum snapE.gidB") and meta.cpp's getMaxProgressDiff,
// which both key the chain-building loop on progress, never on
// timestamp.
func pickMaxProgress(cands []Diff) Diff {
	best := cands[0]
	for _, d := range cands[1:] {
		if best.SnapE.GidB < d.SnapE.GidB {
			best = d
		}
	}
	return best
}

// GetApplicableDiffList returns the longest chain of diffs, each applying
// to the snapshot left by the previous, starting from snap. This is the
// list a restore operation would replay in order.
func (m *Manager) GetApplicableDiffList(snap Snap) []Diff {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getApplicableDiffListNolock(snap)
}

func (m *Manager) getApplicableDiffListNolock(snap Snap) []Diff {
	_, maxGid, ok := m.getMinMaxGidNolock()
	if !ok {
		return nil
	}
	var out []Diff
	cur := snap
	for {
		cands := m.getApplicableCandidatesNolock(cur, maxGid)
		if len(cands) == 0 {
			return out
		}
		next := pickMaxProgress(cands)
		nextSnap := Apply(cur, next)
		if nextSnap == cur {
			return out
		}
		out = append(out, next)
		cur = nextSnap
	}
}

// GetMergeableDiffList returns the mergeable chain starting at the first
// diff whose snapB.gidB equals gid, per meta.cpp's getMergeableDiffList.
func (m *Manager) GetMergeableDiffList(gid uint64) []Diff {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getMergeableDiffListNolock(gid)
}

func (m *Manager) getMergeableDiffListNolock(gid uint64) []Diff {
	bucket := append([]*entry(nil), m.byGidB[gid]...)
	if len(bucket) == 0 {
		return nil
	}
	_, maxGid, _ := m.getMinMaxGidNolock()
	sort.Slice(bucket, func(i, j int) bool { return bucket[i].seq < bucket[j].seq })
	cur := bucket[0].diff
	out := []Diff{cur}
	for {
		cands := m.getMergeableCandidatesNolock(cur, maxGid)
		if len(cands) == 0 {
			return out
		}
		next := pickMaxProgress(cands)
		out = append(out, next)
		cur = Merge(cur, next)
	}
}

// GetMergedDiff folds GetMergeableDiffList(gid) into a single diff, or
// reports ok=false if there is nothing to merge at gid.
func (m *Manager) GetMergedDiff(gid uint64) (Diff, bool) {
	list := m.GetMergeableDiffList(gid)
	if len(list) == 0 {
		return Diff{}, false
	}
	merged := list[0]
	for _, d := range list[1:] {
		merged = Merge(merged, d)
	}
	return merged, true
}

// minimumApplicableDiffList returns the prefix of full (an applicable
// chain from state.SnapB) that turns the in-flight state.SnapB ->
// state.SnapE apply into a completed state.SnapE, per §4.6's "minimum
// applicable list for an applying state". It is a hard error — the
// manager reports Internal — if the persisted diffs cannot reconstruct
// that prefix, since a crash-recovering caller has no other way to make
// progress.
func minimumApplicableDiffList(full []Diff, state State) ([]Diff, error) {
	cur := state.SnapB
	for i, d := range full {
		cur = Apply(cur, d)
		if cur == state.SnapE {
			return full[:i+1], nil
		}
	}
	return nil, walberr.New(walberr.Internal,
		"meta: cannot reconstruct the diffs needed to complete the in-flight apply %s -> %s",
		StateString(state), StateString(State{SnapB: state.SnapE}))
}

// GetDiffListToApply returns the applicable chain from state.SnapB
// constrained to snapE.gidB <= targetGid, first forcing through the
// minimum prefix needed to complete an in-flight apply (state.IsApplying)
// even if that prefix alone already exceeds targetGid — per §4.6's
// crash-recovery resumption rule, a partially-applied base image must be
// finished before anything else is considered.
func (m *Manager) GetDiffListToApply(state State, targetGid uint64) ([]Diff, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	full := m.getApplicableDiffListNolock(state.SnapB)

	var minLen int
	if state.IsApplying {
		minV, err := minimumApplicableDiffList(full, state)
		if err != nil {
			return nil, err
		}
		minLen = len(minV)
	}

	cut := minLen
	for i := cut; i < len(full); i++ {
		if full[i].SnapE.GidB > targetGid {
			break
		}
		cut = i + 1
	}
	return full[:cut], nil
}

// GetDiffListToSync returns the applicable chain from state.SnapB that
// lands exactly on targetSnap, or nil if no such chain exists (the tail
// overshoots or undershoots targetSnap, or an in-flight apply can't be
// completed with the diffs on hand), per §4.6's getDiffListToSync and
// meta.cpp:328-340.
func (m *Manager) GetDiffListToSync(state State, targetSnap Snap) []Diff {
	m.mu.RLock()
	defer m.mu.RUnlock()

	full := m.getApplicableDiffListNolock(state.SnapB)

	var minLen int
	if state.IsApplying {
		minV, err := minimumApplicableDiffList(full, state)
		if err != nil {
			return nil
		}
		minLen = len(minV)
	}

	cut := minLen
	for i := cut; i < len(full); i++ {
		if full[i].SnapE.GidB > targetSnap.GidB {
			break
		}
		cut = i + 1
	}
	if minLen > cut {
		return nil
	}
	applicableV := full[:cut]

	cur := state.SnapB
	for _, d := range applicableV {
		cur = Apply(cur, d)
	}
	if cur != targetSnap {
		return nil
	}
	return applicableV
}

// GetRestorableList enumerates every clean MetaState reachable by
// applying some prefix of state's applicable diff chain — after forcing
// through the minimum in-flight-apply prefix, exactly as
// GetDiffListToApply does — per §4.6 item 5 and meta.cpp's
// getRestorableList. isAll includes implicit (mergeable-run-internal)
// snapshots; otherwise only isExplicit ones (the last diff of the chain,
// or any point followed by a non-mergeable diff) are reported.
func (m *Manager) GetRestorableList(state State, isAll bool) ([]State, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	full := m.getApplicableDiffListNolock(state.SnapB)

	var minV []Diff
	if state.IsApplying {
		v, err := minimumApplicableDiffList(full, state)
		if err != nil {
			return nil, err
		}
		minV = v
	}

	cur := state.SnapB
	for _, d := range minV {
		cur = Apply(cur, d)
	}

	var out []State
	if cur.IsClean() {
		out = append(out, State{SnapB: cur, IsExplicit: true})
	}
	for i := len(minV); i < len(full); i++ {
		cur = Apply(cur, full[i])
		isLast := i+1 == len(full)
		isExplicit := isLast || !full[i+1].IsMergeable
		if cur.IsClean() && (isAll || isExplicit) {
			out = append(out, State{SnapB: cur, IsExplicit: isExplicit})
		}
	}
	return out, nil
}

// GC erases every diff that is not on the apply-path from snap and
// returns them as garbage, per §4.6 item 6 and meta.cpp's gc: it keeps
// exactly GetApplicableDiffList(snap) in the manager and reports
// everything else it removed, for the caller to delete on disk. This is
// the operation the §8 "GC soundness" property is about: a diff still
// reachable from snap must never come back as garbage.
func (m *Manager) GC(snap Snap) []Diff {
	m.mu.Lock()
	defer m.mu.Unlock()

	keep := m.getApplicableDiffListNolock(snap)
	keepSet := make(map[Diff]bool, len(keep))
	for _, d := range keep {
		keepSet[d] = true
	}

	all := m.allNolock()
	var garbage []Diff
	for _, d := range all {
		if !keepSet[d] {
			garbage = append(garbage, d)
		}
	}

	m.byGidB = make(map[uint64][]*entry)
	m.keys = btree.NewG(32, lessUint64)
	m.nextSeq = 0
	for _, d := range keep {
		m.addNolock(d)
	}
	return garbage
}

// GCRange removes diffs whose snapB.gidB lies in [gidB, gidE).
func (m *Manager) GCRange(gidB, gidE uint64) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	var toDelete []uint64
	m.keys.AscendRange(gidB, gidE, func(k uint64) bool {
		toDelete = append(toDelete, k)
		return true
	})
	for _, k := range toDelete {
		n += len(m.byGidB[k])
		delete(m.byGidB, k)
		m.keys.Delete(k)
	}
	return n
}

// EraseBeforeGid removes every diff whose snapE.gidB <= gid: diffs fully
// subsumed by a base snapshot already at or past gid.
func (m *Manager) EraseBeforeGid(gid uint64) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.eraseBeforeGidNolock(gid)
}

func (m *Manager) eraseBeforeGidNolock(gid uint64) int {
	n := 0
	var emptyKeys []uint64
	for k, bucket := range m.byGidB {
		kept := bucket[:0:0]
		for _, e := range bucket {
			if e.diff.SnapE.GidB <= gid {
				n++
				continue
			}
			kept = append(kept, e)
		}
		if len(kept) == 0 {
			emptyKeys = append(emptyKeys, k)
		} else {
			m.byGidB[k] = kept
		}
	}
	for _, k := range emptyKeys {
		delete(m.byGidB, k)
		m.keys.Delete(k)
	}
	return n
}

// ChangeSnapshot flips IsMergeable on every diff whose SnapB.GidB equals
// gidB, reporting the diffs it changed, per §4.6 item 8 and
// meta.cpp:104-124. enable=true pins the boundary (IsMergeable -> false,
// protecting it from a future merge sweep, e.g. because an operator
// marked the snapshot at gidB explicitly restorable); enable=false
// releases it back into the mergeable pool (IsMergeable -> true).
func (m *Manager) ChangeSnapshot(gidB uint64, enable bool) []Diff {
	m.mu.Lock()
	defer m.mu.Unlock()
	var changed []Diff
	for _, e := range m.byGidB[gidB] {
		if enable == e.diff.IsMergeable {
			e.diff.IsMergeable = !enable
			changed = append(changed, e.diff)
		}
	}
	return changed
}
