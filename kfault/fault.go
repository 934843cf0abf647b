/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package kfault builds and dispatches the fault IPC spec.md §4.F
// describes: when a thread faults, send_fault_ipc looks up its fault
// handler, and either delivers a call-IPC carrying the fault's
// registers or leaves the thread Inactive. Grounded on cspace's
// guarded-radix lookup (already built) and ipc's Send/DoFaultReply
// (already built) — this package is the glue between them, not a new
// object model of its own.
package kfault

import (
	"errors"

	"github.com/capkernel/capkernel/captab"
	"github.com/capkernel/capkernel/cspace"
	"github.com/capkernel/capkernel/ipc"
	"github.com/capkernel/capkernel/sched"
)

var ErrInvalidTCB = errors.New("invalid tcb reference")

// faultMessage builds the label and fixed register sequence spec.md
// §6's "Fault messages" describes: label equals the fault tag, and a
// fixed sequence of registers/IPC-buffer slots follows, with CapFault's
// lookup-failure subrecord occupying however many registers its own
// kind needs.
func faultMessage(f captab.Fault) ipc.Message {
	var regs []uint64
	switch f.Kind {
	case captab.CapFault:
		inReceive := uint64(0)
		if f.InReceivePhase {
			inReceive = 1
		}
		regs = append([]uint64{f.Address, inReceive})
		if f.LookupFailure != nil {
			regs = append(regs, f.LookupFailure.Registers()...)
		} else {
			regs = append(regs, uint64(captab.LookupInvalidRoot))
		}
	case captab.UnknownSyscall:
		regs = []uint64{f.SyscallNumber}
	case captab.UserException:
		regs = []uint64{f.ExceptionNumber, f.ExceptionCode}
	case captab.VMFault:
		instr := uint64(0)
		if f.Instruction {
			instr = 1
		}
		regs = []uint64{f.Address, f.FSR, instr}
	default:
		regs = nil
	}

	var direct [ipc.MsgRegisterCount]uint64
	n := len(regs)
	for i := 0; i < n && i < ipc.MsgRegisterCount; i++ {
		direct[i] = regs[i]
	}
	var overflow []uint64
	if n > ipc.MsgRegisterCount {
		overflow = regs[ipc.MsgRegisterCount:]
	}
	return ipc.Message{
		Info:      captab.NewMessageInfo(uint64(f.Kind), 0, 0, uint8(n)),
		Registers: direct,
		Overflow:  overflow,
	}
}

// SendFaultIPC implements spec.md §4.F's three-step algorithm: look up
// t's fault_handler_cptr in t's own CSpace; if it resolves to an
// endpoint with can_grant or can_grant_reply, record the fault and send
// a call-IPC with fault-specific registers and label = fault tag (the
// faulter becomes BlockedOnReply via the reply-cap handoff ipc.Send
// already performs for a Call); otherwise the thread becomes Inactive.
func SendFaultIPC(objs *cspace.ObjTable, tcbs *sched.Table, sc *sched.Scheduler, arena *ipc.Arena, faulterRef captab.ObjRef, fault captab.Fault) error {
	faulter := tcbs.Get(faulterRef)
	if faulter == nil {
		return ErrInvalidTCB
	}

	cspaceRootSlot := sched.CapSlot(faulter, sched.SlotCSpaceRoot)
	cspaceRoot := objs.Get(cspaceRootSlot)

	slot, failure := objs.ResolveAddressBits(cspaceRoot, faulter.FaultHandlerCPtr, cspace.WordBits)
	if failure != nil {
		faulter.Fault = captab.Fault{
			Kind:           captab.CapFault,
			Address:        faulter.FaultHandlerCPtr,
			InReceivePhase: false,
			LookupFailure:  failure,
		}
		faulter.State = sched.Inactive
		return nil
	}

	handlerCap := objs.Get(slot)
	if handlerCap.Tag() != captab.CapEndpoint {
		faulter.Fault = fault
		faulter.State = sched.Inactive
		return nil
	}
	rights := handlerCap.EndpointRights()
	if !rights.CanGrant && !rights.CanGrantReply {
		faulter.Fault = fault
		faulter.State = sched.Inactive
		return nil
	}

	faulter.Fault = fault
	msg := faultMessage(fault)
	params := ipc.SendParams{
		Blocking:      true,
		DoCall:        true,
		CanGrant:      rights.CanGrant,
		CanGrantReply: rights.CanGrantReply,
		Badge:         handlerCap.EndpointBadge(),
	}
	return arena.Send(handlerCap.EndpointRef(), faulterRef, tcbs, sc, objs, params, msg)
}
