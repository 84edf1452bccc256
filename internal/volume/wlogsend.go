package volume

import (
	"github.com/cybozu-go/walb-tools/internal/meta"
)

// sentinelLsid marks Info's Done record before this volume has ever
// completed a wlog transfer, matching Init's never-checkpointed
// (^uint64(0), ^uint64(0)) record.
const sentinelLsid = ^uint64(0)

// TakeSnapshot pushes a new queue head recording that lsid is now a
// candidate boundary for a future wlog-send round, per §4.7's
// "takeSnapshot pushes a new head". The storage daemon's wdev monitor
// calls this whenever it observes the log device's written lsid advance
// past the queue's current back.
func (info *Info) TakeSnapshot(lsid uint64) (meta.LsidGid, error) {
	gid := uint64(1)
	if back, ok := info.Queue.Back(); ok {
		if lsid <= back.Lsid {
			return back, nil
		}
		gid = back.Gid + 1
	}
	rec := meta.LsidGid{Lsid: lsid, Gid: gid}
	if err := info.Queue.PushBack(rec); err != nil {
		return meta.LsidGid{}, err
	}
	return rec, nil
}

// WlogTransferPlan is one round's worth of work computed by
// PrepareWlogTransfer: the diff to send, and the bookkeeping
// FinishWlogTransfer needs once it has been sent successfully.
type WlogTransferPlan struct {
	Diff           meta.Diff
	RecB           meta.LsidGid
	Limit          meta.LsidGid
	WholeRangeSent bool
}

// PrepareWlogTransfer computes the next transfer unit: recB is the last
// fully-sent checkpoint (or the queue's front, at gid 0, if nothing has
// ever been sent), recE is the queue's current back, and the round sends
// up to lsidLimit = min(recB.lsid+maxSendPb, recE.lsid), per §4.7. ok is
// false when nothing is queued yet.
func (info *Info) PrepareWlogTransfer(maxSendPb uint64) (plan WlogTransferPlan, ok bool) {
	recE, ok := info.Queue.Back()
	if !ok {
		return WlogTransferPlan{}, false
	}
	recB := info.DoneRecord()
	if recB.Lsid == sentinelLsid {
		front, _ := info.Queue.Front()
		recB = meta.LsidGid{Lsid: front.Lsid, Gid: 0}
	}
	if recB.Lsid >= recE.Lsid {
		return WlogTransferPlan{}, false
	}

	lsidLimit := recB.Lsid + maxSendPb
	wholeRangeSent := lsidLimit >= recE.Lsid
	if wholeRangeSent {
		lsidLimit = recE.Lsid
	}

	snapB := meta.CleanSnap(recB.Gid)
	var limitGid uint64
	if wholeRangeSent {
		limitGid = recE.Gid
	} else {
		limitGid = recB.Gid + 1
	}
	diff := meta.Diff{SnapB: snapB, SnapE: meta.CleanSnap(limitGid), IsMergeable: true}
	return WlogTransferPlan{
		Diff:           diff,
		RecB:           recB,
		Limit:          meta.LsidGid{Lsid: lsidLimit, Gid: limitGid},
		WholeRangeSent: wholeRangeSent,
	}, true
}

// FinishWlogTransfer advances the done record to plan.Limit and, if the
// round covered the queue's entire back-of-queue range, pops it, per
// §4.7's "finishWlogTransfer advances done and pops recE iff the whole
// range was sent".
func (info *Info) FinishWlogTransfer(plan WlogTransferPlan) error {
	if err := info.SetDoneRecord(plan.Limit); err != nil {
		return err
	}
	if plan.WholeRangeSent {
		if _, _, err := info.Queue.PopBack(); err != nil {
			return err
		}
	}
	return nil
}
