// Package meta implements the gid-indexed metadata model: MetaSnap,
// MetaDiff, MetaState, and the MetaDiffManager DAG of applicable/
// mergeable diffs, grounded on original_source/src/meta.cpp (the
// companion meta.hpp, which would declare these types' exact method
// signatures, was not present in the retrieved source tree; the
// predicates below follow §4.6's restatement of canApply/apply/canMerge/
// merge verbatim, and every manager method mirrors meta.cpp's body).
package meta

import (
	"time"

	"github.com/cybozu-go/walb-tools/internal/walberr"
)

// Snap is a snapshot marker: clean when GidB == GidE, dirty ("state is
// somewhere between those two snapshots") when GidB < GidE.
type Snap struct {
	GidB uint64
	GidE uint64
}

// CleanSnap constructs a clean snapshot at gid.
func CleanSnap(gid uint64) Snap { return Snap{GidB: gid, GidE: gid} }

// DirtySnap constructs a dirty snapshot over [gidB, gidE).
func DirtySnap(gidB, gidE uint64) Snap { return Snap{GidB: gidB, GidE: gidE} }

func (s Snap) IsClean() bool { return s.GidB == s.GidE }
func (s Snap) IsDirty() bool { return !s.IsClean() }

// Verify checks the GidB <= GidE invariant.
func (s Snap) Verify() error {
	if s.GidB > s.GidE {
		return walberr.New(walberr.InvalidFormat, "meta snap: gidB %d > gidE %d", s.GidB, s.GidE)
	}
	return nil
}

// Diff is a transformation SnapB -> SnapE.
type Diff struct {
	SnapB       Snap
	SnapE       Snap
	Timestamp   time.Time
	IsMergeable bool
	IsCompDiff  bool
}

func (d Diff) IsDirty() bool { return d.SnapB.IsDirty() }

// Verify checks the invariants of §3: snapB.gidB < snapE.gidB, and if
// snapB is dirty then snapE.gidB >= snapB.gidE (progress).
func (d Diff) Verify() error {
	if err := d.SnapB.Verify(); err != nil {
		return err
	}
	if err := d.SnapE.Verify(); err != nil {
		return err
	}
	if d.SnapB.GidB >= d.SnapE.GidB {
		return walberr.New(walberr.InvalidFormat, "meta diff: snapB.gidB %d >= snapE.gidB %d", d.SnapB.GidB, d.SnapE.GidB)
	}
	if d.SnapB.IsDirty() && d.SnapE.GidB < d.SnapB.GidE {
		return walberr.New(walberr.InvalidFormat, "meta diff: dirty snapB requires progress (snapE.gidB %d < snapB.gidE %d)", d.SnapE.GidB, d.SnapB.GidE)
	}
	return nil
}

// Equal reports whether two diffs name the same transform (ignoring
// timestamp/flags), matching meta.cpp's MetaDiff::operator==.
func (d Diff) Equal(o Diff) bool {
	return d.SnapB == o.SnapB && d.SnapE == o.SnapE
}

// Merge combines a (earlier) and b (later, mergeable into a) into the
// single diff a.snapB -> b.snapE, per §4.6's merge(a,b).
func Merge(a, b Diff) Diff {
	ts := a.Timestamp
	if b.Timestamp.After(ts) {
		ts = b.Timestamp
	}
	return Diff{
		SnapB:       a.SnapB,
		SnapE:       b.SnapE,
		Timestamp:   ts,
		IsMergeable: a.IsMergeable && b.IsMergeable,
		IsCompDiff:  a.IsCompDiff || b.IsCompDiff,
	}
}

// CanApply reports whether diff can be applied to snap, per §4.6:
// clean case requires diff.snapB == snap; dirty case requires
// diff.snapB.gidB <= snap.gidB && snap.gidE <= diff.snapB.gidE.
func CanApply(snap Snap, diff Diff) bool {
	if snap.IsClean() {
		return diff.SnapB == snap
	}
	return diff.SnapB.GidB <= snap.GidB && snap.GidE <= diff.SnapB.GidE
}

// Apply applies diff to snap, returning diff.snapE on a clean apply, or
// snapE with gidE widened to max(snapE.gidE, snap.gidE) on a dirty apply
// so in-flight progress is never lost.
func Apply(snap Snap, diff Diff) Snap {
	if snap.IsClean() {
		return diff.SnapE
	}
	out := diff.SnapE
	if snap.GidE > out.GidE {
		out.GidE = snap.GidE
	}
	return out
}

// CanMerge reports whether b can merge after a, per §4.6's loose
// compatibility rule tightened when b.isCompDiff.
func CanMerge(a, b Diff) bool {
	if !b.IsMergeable {
		return false
	}
	if !(a.SnapE.GidB <= b.SnapB.GidB && b.SnapB.GidE <= a.SnapE.GidE) {
		return false
	}
	if b.IsCompDiff && a.SnapE.GidB != b.SnapB.GidB {
		// A comp(acted) diff may only merge exactly at its own
		// left boundary, never partway through a dirty overlap.
		return false
	}
	return true
}

// State is a base-image marker: resting (SnapB only) or applying
// (SnapB -> SnapE, a merged diff mid-write). IsExplicit marks states at
// non-mergeable boundaries — restorable targets without ambiguity.
type State struct {
	SnapB      Snap
	SnapE      Snap
	IsApplying bool
	Timestamp  time.Time
	IsExplicit bool
}

// Resting constructs a resting state at snap.
func Resting(snap Snap, ts time.Time) State {
	return State{SnapB: snap, Timestamp: ts, IsExplicit: true}
}

// Applying constructs an in-flight applying state snapB -> snapE.
func Applying(snapB, snapE Snap, ts time.Time) State {
	return State{SnapB: snapB, SnapE: snapE, IsApplying: true, Timestamp: ts}
}

// LsidGid is a storage checkpoint delimiting a wlog-transfer unit.
type LsidGid struct {
	Lsid        uint64
	Gid         uint64
	IsMergeable bool
	Timestamp   time.Time
}
