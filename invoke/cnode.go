/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package invoke

import (
	"github.com/capkernel/capkernel/captab"
	"github.com/capkernel/capkernel/cspace"
	"github.com/capkernel/capkernel/ipc"
	"github.com/capkernel/capkernel/sched"
	"github.com/capkernel/capkernel/zombie"
)

// resolveDest is the common "look up a destination cptr in destRoot's
// CSpace" step every CNode invocation starts with.
func resolveDest(objs *cspace.ObjTable, destRoot captab.Cap, cptr uint64, depth uint8) (cspace.Slot, SysError) {
	slot, failure := objs.ResolveAddressBits(destRoot, cptr, depth)
	if failure != nil {
		return cspace.Slot{}, ErrFailedLookup
	}
	return slot, ErrNone
}

// CNodeCopy implements seL4_CNode_Copy: derive srcCap (no rights
// narrowing beyond what Derive already enforces) and insert the
// derived copy into dest, linked as an MDB child of src.
func CNodeCopy(objs *cspace.ObjTable, srcRoot captab.Cap, srcCptr uint64, srcDepth uint8, destRoot captab.Cap, destCptr uint64, destDepth uint8) Outcome {
	srcSlot, e := resolveDest(objs, srcRoot, srcCptr, srcDepth)
	if e != ErrNone {
		return syscallErr(e)
	}
	destSlot, e := resolveDest(objs, destRoot, destCptr, destDepth)
	if e != ErrNone {
		return syscallErr(e)
	}
	derived, err := objs.Derive(srcSlot)
	if err != nil {
		return syscallErr(ErrInvalidCapability)
	}
	if err := objs.Insert(derived, srcSlot, destSlot); err != nil {
		return syscallErr(ErrDeleteFirst)
	}
	return ok()
}

// CNodeMint implements seL4_CNode_Mint: like Copy, but the derived
// capability is re-badged (endpoint/notification) or has its CNode
// guard rewritten first.
func CNodeMint(objs *cspace.ObjTable, srcRoot captab.Cap, srcCptr uint64, srcDepth uint8, destRoot captab.Cap, destCptr uint64, destDepth uint8, badge uint32, guardBits uint8, guardValue uint32) Outcome {
	srcSlot, e := resolveDest(objs, srcRoot, srcCptr, srcDepth)
	if e != ErrNone {
		return syscallErr(e)
	}
	destSlot, e := resolveDest(objs, destRoot, destCptr, destDepth)
	if e != ErrNone {
		return syscallErr(e)
	}
	derived, err := objs.Derive(srcSlot)
	if err != nil {
		return syscallErr(ErrInvalidCapability)
	}
	switch derived.Tag() {
	case captab.CapEndpoint:
		derived = derived.WithEndpointBadge(badge)
	case captab.CapNotification:
		derived = derived.WithNotificationBadge(badge)
	case captab.CapCNode:
		derived = derived.WithCNodeGuard(guardBits, guardValue)
	}
	if err := objs.Insert(derived, srcSlot, destSlot); err != nil {
		return syscallErr(ErrDeleteFirst)
	}
	return ok()
}

// CNodeMove implements seL4_CNode_Move: relocate src's capability to
// dest, preserving its place in the MDB.
func CNodeMove(objs *cspace.ObjTable, srcRoot captab.Cap, srcCptr uint64, srcDepth uint8, destRoot captab.Cap, destCptr uint64, destDepth uint8) Outcome {
	srcSlot, e := resolveDest(objs, srcRoot, srcCptr, srcDepth)
	if e != ErrNone {
		return syscallErr(e)
	}
	destSlot, e := resolveDest(objs, destRoot, destCptr, destDepth)
	if e != ErrNone {
		return syscallErr(e)
	}
	if err := objs.Move(srcSlot, destSlot); err != nil {
		return syscallErr(ErrDeleteFirst)
	}
	return ok()
}

// CNodeMutate is Move plus an in-place badge/guard rewrite (the
// combined "Move+Mint" seL4_CNode_Mutate offers to avoid a redundant
// derivation when the caller already owns the only reference).
func CNodeMutate(objs *cspace.ObjTable, srcRoot captab.Cap, srcCptr uint64, srcDepth uint8, destRoot captab.Cap, destCptr uint64, destDepth uint8, badge uint32, guardBits uint8, guardValue uint32) Outcome {
	srcSlot, e := resolveDest(objs, srcRoot, srcCptr, srcDepth)
	if e != ErrNone {
		return syscallErr(e)
	}
	destSlot, e := resolveDest(objs, destRoot, destCptr, destDepth)
	if e != ErrNone {
		return syscallErr(e)
	}
	cap := objs.Get(srcSlot)
	switch cap.Tag() {
	case captab.CapEndpoint:
		cap = cap.WithEndpointBadge(badge)
	case captab.CapNotification:
		cap = cap.WithNotificationBadge(badge)
	case captab.CapCNode:
		cap = cap.WithCNodeGuard(guardBits, guardValue)
	}
	if err := objs.SetCap(srcSlot, cap); err != nil {
		return syscallErr(ErrInvalidCapability)
	}
	if err := objs.Move(srcSlot, destSlot); err != nil {
		return syscallErr(ErrDeleteFirst)
	}
	return ok()
}

// CNodeRotate implements seL4_CNode_Rotate: moves src's capability into
// dest and pivot's capability into src in one step, the way a thread
// swaps two capabilities without the Move the second leg would need
// rejected for colliding with the still-occupied first leg. Built on
// cspace.ObjTable.Swap exactly as its doc comment describes (a swap
// followed by a move into the now-empty dest).
func CNodeRotate(objs *cspace.ObjTable, destRoot captab.Cap, destCptr uint64, destDepth uint8, srcRoot captab.Cap, srcCptr uint64, srcDepth uint8, pivotRoot captab.Cap, pivotCptr uint64, pivotDepth uint8) Outcome {
	destSlot, e := resolveDest(objs, destRoot, destCptr, destDepth)
	if e != ErrNone {
		return syscallErr(e)
	}
	srcSlot, e := resolveDest(objs, srcRoot, srcCptr, srcDepth)
	if e != ErrNone {
		return syscallErr(e)
	}
	pivotSlot, e := resolveDest(objs, pivotRoot, pivotCptr, pivotDepth)
	if e != ErrNone {
		return syscallErr(e)
	}
	if objs.Get(destSlot).Tag() != captab.CapNull {
		return syscallErr(ErrDeleteFirst)
	}
	if err := objs.Swap(srcSlot, pivotSlot); err != nil {
		return syscallErr(ErrInvalidCapability)
	}
	if err := objs.Move(pivotSlot, destSlot); err != nil {
		return syscallErr(ErrDeleteFirst)
	}
	return ok()
}

// CNodeSaveCaller implements seL4_CNode_SaveCaller: moves the calling
// thread's own reply cap (parked in its SlotCaller slot by the Call
// that most recently granted it) into an ordinary cspace slot, so it
// can be held past the next Recv the way a server fielding multiple
// pending callers needs to.
func CNodeSaveCaller(objs *cspace.ObjTable, caller *sched.TCB, destRoot captab.Cap, destCptr uint64, destDepth uint8) Outcome {
	destSlot, e := resolveDest(objs, destRoot, destCptr, destDepth)
	if e != ErrNone {
		return syscallErr(e)
	}
	callerSlot := sched.CapSlot(caller, sched.SlotCaller)
	if objs.Get(callerSlot).Tag() != captab.CapReply {
		return syscallErr(ErrInvalidCapability)
	}
	if err := objs.Move(callerSlot, destSlot); err != nil {
		return syscallErr(ErrDeleteFirst)
	}
	return ok()
}

// CNodeCancelBadgedSends implements seL4_CNode_CancelBadgedSends: wakes
// every sender queued on the named endpoint whose badge matches,
// leaving other badges' senders queued.
func CNodeCancelBadgedSends(objs *cspace.ObjTable, arena *ipc.Arena, tcbs *sched.Table, sc *sched.Scheduler, epRoot captab.Cap, epCptr uint64, epDepth uint8, badge uint64) Outcome {
	slot, e := resolveDest(objs, epRoot, epCptr, epDepth)
	if e != ErrNone {
		return syscallErr(e)
	}
	cap := objs.Get(slot)
	if cap.Tag() != captab.CapEndpoint {
		return syscallErr(ErrInvalidCapability)
	}
	ipc.CancelBadgedSends(cap.EndpointRef(), badge, arena, tcbs, sc)
	return ok()
}

// CNodeDelete implements seL4_CNode_Delete: a single preemptible
// delete_all(slot, immediate=true) (spec.md §4.H).
func CNodeDelete(engine *zombie.Engine, objs *cspace.ObjTable, root captab.Cap, cptr uint64, depth uint8) Outcome {
	slot, e := resolveDest(objs, root, cptr, depth)
	if e != ErrNone {
		return syscallErr(e)
	}
	if engine.Delete(slot) == zombie.Preempted {
		return preempted()
	}
	return ok()
}

// CNodeRevoke implements seL4_CNode_Revoke: delete every MDB-derived
// child of slot's capability, leaving slot's own cap in place.
func CNodeRevoke(engine *zombie.Engine, objs *cspace.ObjTable, root captab.Cap, cptr uint64, depth uint8) Outcome {
	slot, e := resolveDest(objs, root, cptr, depth)
	if e != ErrNone {
		return syscallErr(e)
	}
	if engine.Revoke(slot) == zombie.Preempted {
		return preempted()
	}
	return ok()
}
