/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package ipc

import (
	"github.com/capkernel/capkernel/captab"
	"github.com/capkernel/capkernel/cspace"
	"github.com/capkernel/capkernel/sched"
)

// DoReply implements spec.md §4.E's seL4_Send-to-a-reply-cap path: the
// single-use reply capability a server holds in its own SlotCaller slot
// (deposited there by the matching Call's Send/Receive) is consumed
// exactly once, transferring msg back to the original caller and
// restoring it to Restart.
//
// replyCap is read out of the server's own SlotCaller by the invoking
// syscall handler; DoReply only needs the decoded cap and the server's
// ref to clear the slot afterward.
func DoReply(objs *cspace.ObjTable, tcbs *sched.Table, sc *sched.Scheduler, serverRef captab.ObjRef, replyCap captab.Cap, msg Message, callerBuf Buffer) error {
	if replyCap.Tag() != captab.CapReply {
		return ErrInvalidCapability
	}
	server := tcbs.Get(serverRef)
	if server == nil {
		return ErrInvalidTCB
	}
	callerRef := replyCap.ReplyTCB()
	caller := tcbs.Get(callerRef)
	if caller == nil {
		return ErrInvalidTCB
	}

	callerSlot := sched.CapSlot(server, sched.SlotCaller)
	objs.Unlink(callerSlot)

	if caller.State != sched.BlockedOnReply {
		return ErrInvalidState
	}

	transfer(objs, msg, replyCap.ReplyCanGrant(), 0, false, callerBuf)

	caller.State = sched.Restart
	caller.HasBlockingObject = false
	sc.PossibleSwitchTo(callerRef)
	return nil
}

// DoFaultReply interprets a fault handler's reply per spec.md §4.F: a
// zero label restarts the faulter, and for UnknownSyscall/UserException
// specifically also copies the handler-provided registers back into the
// faulter's saved context (the handler "fixed it up"); any other label
// leaves the faulter Inactive (the handler declined to resolve the
// fault). Other fault kinds restart on a zero label with no register
// copy — there is no syscall/exception register set to restore.
func DoFaultReply(objs *cspace.ObjTable, tcbs *sched.Table, sc *sched.Scheduler, serverRef captab.ObjRef, replyCap captab.Cap, msg Message) error {
	if replyCap.Tag() != captab.CapReply {
		return ErrInvalidCapability
	}
	server := tcbs.Get(serverRef)
	if server == nil {
		return ErrInvalidTCB
	}
	callerRef := replyCap.ReplyTCB()
	caller := tcbs.Get(callerRef)
	if caller == nil {
		return ErrInvalidTCB
	}

	callerSlot := sched.CapSlot(server, sched.SlotCaller)
	objs.Unlink(callerSlot)

	if caller.State != sched.BlockedOnReply {
		return ErrInvalidState
	}

	if msg.Info.Label() == 0 {
		switch caller.Fault.Kind {
		case captab.UnknownSyscall, captab.UserException:
			caller.Registers = msg.Registers
		}
		caller.Fault = captab.Fault{}
		caller.State = sched.Restart
	} else {
		caller.State = sched.Inactive
	}
	caller.HasBlockingObject = false
	if caller.State == sched.Restart {
		sc.PossibleSwitchTo(callerRef)
	}
	return nil
}
