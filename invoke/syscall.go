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

// Syscall numbers are negative per spec.md §6; these are the values
// as found in the fixed syscall-number register.
type Syscall int8

const (
	SysCall Syscall = -(iota + 1)
	SysReplyRecv
	SysSend
	SysNBSend
	SysRecv
	SysReply
	SysYield
	SysNBRecv
)

// Kernel bundles the object tables every invocation decoder needs.
// invoke never constructs one itself; kernel wires it from the
// concrete subsystems it owns.
type Kernel struct {
	Objs  *cspace.ObjTable
	TCBs  *sched.Table
	Sched *sched.Scheduler
	IPC   *ipc.Arena
}

// DoSyscall dispatches one of the eight core syscalls (spec.md §6) for
// callerRef against capCptr resolved in the caller's own CSpace.
// Decode of the invoked object's method table (CNode/Untyped/TCB/VM/...)
// happens in kernel.HandleSyscall's generic-invocation path; this is
// purely the IPC-shaped syscalls.
func (k *Kernel) DoSyscall(callerRef captab.ObjRef, sys Syscall, capCptr uint64, capDepth uint8, msg ipc.Message, buf ipc.Buffer) Outcome {
	caller := k.TCBs.Get(callerRef)
	if caller == nil {
		return syscallErr(ErrInvalidCapability)
	}
	cspaceRoot := k.Objs.Get(sched.CapSlot(caller, sched.SlotCSpaceRoot))

	resolve := func() (captab.Cap, bool) {
		slot, failure := k.Objs.ResolveAddressBits(cspaceRoot, capCptr, capDepth)
		if failure != nil {
			return captab.Cap{}, false
		}
		return k.Objs.Get(slot), true
	}

	switch sys {
	case SysSend, SysNBSend, SysCall:
		cap, resolved := resolve()
		if !resolved {
			return syscallErr(ErrInvalidCapability)
		}
		if cap.Tag() == captab.CapNotification {
			if sys == SysCall || !cap.NotificationCanSend() {
				return syscallErr(ErrInvalidCapability)
			}
			if err := k.IPC.Signal(cap.NotificationRef(), uint64(cap.NotificationBadge()), k.TCBs, k.Sched); err != nil {
				return syscallErr(ErrInvalidCapability)
			}
			return ok()
		}
		if cap.Tag() != captab.CapEndpoint {
			return syscallErr(ErrInvalidCapability)
		}
		rights := cap.EndpointRights()
		if !rights.CanSend {
			return syscallErr(ErrInvalidCapability)
		}
		params := ipc.SendParams{
			Blocking:      sys != SysNBSend,
			DoCall:        sys == SysCall,
			CanGrant:      rights.CanGrant,
			CanGrantReply: rights.CanGrantReply,
			Badge:         cap.EndpointBadge(),
		}
		if err := k.IPC.Send(cap.EndpointRef(), callerRef, k.TCBs, k.Sched, k.Objs, params, msg); err != nil {
			return syscallErr(ErrInvalidCapability)
		}
		return ok()
	case SysRecv, SysNBRecv:
		cap, resolved := resolve()
		if !resolved {
			return syscallErr(ErrInvalidCapability)
		}
		if cap.Tag() == captab.CapNotification {
			if !cap.NotificationCanRecv() {
				return syscallErr(ErrInvalidCapability)
			}
			if err := k.IPC.Wait(cap.NotificationRef(), callerRef, k.TCBs, k.Sched, buf); err != nil {
				return syscallErr(ErrInvalidCapability)
			}
			return ok()
		}
		if cap.Tag() != captab.CapEndpoint {
			return syscallErr(ErrInvalidCapability)
		}
		if !cap.EndpointRights().CanReceive {
			return syscallErr(ErrInvalidCapability)
		}
		if err := k.IPC.Receive(cap.EndpointRef(), callerRef, k.TCBs, k.Sched, k.Objs, k.IPC, buf); err != nil {
			return syscallErr(ErrInvalidCapability)
		}
		return ok()
	case SysReply:
		callerSlot := sched.CapSlot(caller, sched.SlotCaller)
		replyCap := k.Objs.Get(callerSlot)
		if replyCap.Tag() != captab.CapReply {
			return syscallErr(ErrInvalidCapability)
		}
		if err := ipc.DoReply(k.Objs, k.TCBs, k.Sched, callerRef, replyCap, msg, buf); err != nil {
			return syscallErr(ErrInvalidCapability)
		}
		return ok()
	case SysReplyRecv:
		// buf backs the Recv half below (callerRef's own buffer); the
		// reply half's overflow registers land there too rather than in
		// the original caller's buffer, since DoSyscall is only handed
		// one Buffer per call. A kernel wiring layer that wants the
		// reply's overflow words delivered precisely would need to
		// split this into a separate Reply then Recv pair instead.
		callerSlot := sched.CapSlot(caller, sched.SlotCaller)
		if replyCap := k.Objs.Get(callerSlot); replyCap.Tag() == captab.CapReply {
			ipc.DoReply(k.Objs, k.TCBs, k.Sched, callerRef, replyCap, msg, buf)
		}
		cap, resolved := resolve()
		if !resolved || cap.Tag() != captab.CapEndpoint || !cap.EndpointRights().CanReceive {
			return syscallErr(ErrInvalidCapability)
		}
		if err := k.IPC.Receive(cap.EndpointRef(), callerRef, k.TCBs, k.Sched, k.Objs, k.IPC, buf); err != nil {
			return syscallErr(ErrInvalidCapability)
		}
		return ok()
	case SysYield:
		k.Sched.Dequeue(callerRef)
		k.Sched.Enqueue(callerRef)
		k.Sched.RequestReschedule()
		return ok()
	}
	return syscallErr(ErrIllegalOperation)
}
