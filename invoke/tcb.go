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
)

// TCBConfigure wires the three capabilities seL4_TCB_Configure/SetSpace
// install into a thread's inline capability array: a CNode root, a
// VSpace root, and (optionally) an IPC buffer frame. Each destination
// slot is first emptied with cspace.ObjTable.Unlink (the displaced
// capability's object is not finalized) before the new cap is moved
// in, so re-configuring an already-configured thread is legal.
func TCBConfigure(k *Kernel, targetRef captab.ObjRef, cspaceRootSlot, vspaceRootSlot cspace.Slot, ipcBufferSlot *cspace.Slot, faultHandlerCptr uint64) Outcome {
	target := k.TCBs.Get(targetRef)
	if target == nil {
		return syscallErr(ErrInvalidCapability)
	}

	moveInto := func(which uint32, src cspace.Slot) SysError {
		dest := sched.CapSlot(target, which)
		k.Objs.Unlink(dest)
		if src == (cspace.Slot{}) {
			return ErrNone
		}
		if err := k.Objs.Move(src, dest); err != nil {
			return ErrDeleteFirst
		}
		return ErrNone
	}

	if e := moveInto(sched.SlotCSpaceRoot, cspaceRootSlot); e != ErrNone {
		return syscallErr(e)
	}
	if e := moveInto(sched.SlotVSpaceRoot, vspaceRootSlot); e != ErrNone {
		return syscallErr(e)
	}
	if ipcBufferSlot != nil {
		if e := moveInto(sched.SlotIPCBuffer, *ipcBufferSlot); e != ErrNone {
			return syscallErr(e)
		}
	}
	target.FaultHandlerCPtr = faultHandlerCptr
	return ok()
}

// TCBSetPriority implements seL4_TCB_SetPriority: authority is the TCB
// named by the invoking thread's authority cap (its own TCB, in the
// common case of a thread configuring itself).
func TCBSetPriority(k *Kernel, targetRef captab.ObjRef, authority *sched.TCB, prio uint8) Outcome {
	if err := k.Sched.SetPriority(targetRef, authority, prio); err != nil {
		return syscallErr(ErrInvalidArgument)
	}
	return ok()
}

// TCBSetMCPriority implements seL4_TCB_SetMCPriority.
func TCBSetMCPriority(k *Kernel, targetRef captab.ObjRef, authority *sched.TCB, mcp uint8) Outcome {
	if err := k.Sched.SetMCPriority(targetRef, authority, mcp); err != nil {
		return syscallErr(ErrInvalidArgument)
	}
	return ok()
}

// TCBSuspend implements seL4_TCB_Suspend: cancels any IPC the target is
// blocked in and forces it Inactive, the way the corresponding fault/
// cancel paths already leave a thread that can no longer proceed.
func TCBSuspend(k *Kernel, targetRef captab.ObjRef) Outcome {
	target := k.TCBs.Get(targetRef)
	if target == nil {
		return syscallErr(ErrInvalidCapability)
	}
	if target.HasBlockingObject {
		ipc.CancelAllIPC(target.BlockingObject, k.IPC, k.TCBs, k.Sched)
	}
	k.Sched.Dequeue(targetRef)
	target.State = sched.Inactive
	target.HasBlockingObject = false
	return ok()
}

// TCBResume implements seL4_TCB_Resume: an Inactive or BlockedOnReply
// thread (one that will never otherwise wake) is promoted to Restart
// and enqueued; any other state, including a thread blocked on a
// send, receive or notification, is left untouched.
func TCBResume(k *Kernel, targetRef captab.ObjRef) Outcome {
	target := k.TCBs.Get(targetRef)
	if target == nil {
		return syscallErr(ErrInvalidCapability)
	}
	switch target.State {
	case sched.Inactive, sched.BlockedOnReply:
		target.State = sched.Restart
		target.HasBlockingObject = false
		k.Sched.PossibleSwitchTo(targetRef)
	}
	return ok()
}

// TCBBindNotification implements seL4_TCB_BindNotification.
func TCBBindNotification(k *Kernel, targetRef, notifRef captab.ObjRef) Outcome {
	if err := k.IPC.Bind(notifRef, targetRef, k.TCBs); err != nil {
		return syscallErr(ErrInvalidCapability)
	}
	return ok()
}

// TCBUnbindNotification implements seL4_TCB_UnbindNotification.
func TCBUnbindNotification(k *Kernel, targetRef captab.ObjRef) Outcome {
	target := k.TCBs.Get(targetRef)
	if target == nil {
		return syscallErr(ErrInvalidCapability)
	}
	k.IPC.Unbind(target.BoundNotification, k.TCBs)
	return ok()
}

// TCBSetDomain implements the domain decoder's DomainSet{thread,domain}
// (spec.md §4.G's final bullet): an authority-gated direct write; a
// runnable thread is dequeued before the write and re-enqueued right
// after it, so it sits in its new domain's ready queue at once.
func TCBSetDomain(k *Kernel, targetRef captab.ObjRef, domain uint8) Outcome {
	target := k.TCBs.Get(targetRef)
	if target == nil {
		return syscallErr(ErrInvalidCapability)
	}
	wasRunnable := target.State.Runnable()
	if wasRunnable {
		k.Sched.Dequeue(targetRef)
	}
	target.Domain = domain
	if wasRunnable {
		k.Sched.Enqueue(targetRef)
	}
	return ok()
}
