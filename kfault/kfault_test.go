/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package kfault

import (
	"testing"

	"github.com/capkernel/capkernel/captab"
	"github.com/capkernel/capkernel/cspace"
	"github.com/capkernel/capkernel/hal"
	"github.com/capkernel/capkernel/ipc"
	"github.com/capkernel/capkernel/kconfig"
	"github.com/capkernel/capkernel/sched"
)

type fakeMMU struct{}

func (m *fakeMMU) SetRoot(asid uint16, rootPaddr uint64)   {}
func (m *fakeMMU) FlushTLB(asid uint16)                    {}
func (m *fakeMMU) FlushTLBPage(asid uint16, vaddr uint64)  {}
func (m *fakeMMU) CleanInvalidateCache(vaddr, size uint64) {}

var _ hal.MMU = (*fakeMMU)(nil)

type fixture struct {
	objs *cspace.ObjTable
	tcbs *sched.Table
	sc   *sched.Scheduler
	ipc  *ipc.Arena
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	objs := cspace.NewObjTable()
	tcbs := sched.NewTable(objs)
	idle := tcbs.Alloc()
	tcbs.Get(idle).State = sched.IdleThreadState
	sc, err := sched.New(tcbs, &fakeMMU{}, []kconfig.DomainScheduleEntry{{Domain: 0, Length: 5}}, idle)
	if err != nil {
		t.Fatalf("sched.New: %v", err)
	}
	return &fixture{objs: objs, tcbs: tcbs, sc: sc, ipc: ipc.NewArena()}
}

// installHandler gives ref a one-level CSpace root (radix 3, guard
// covering the rest of word-bits) with an endpoint capability at
// slot idx, and points its fault_handler_cptr at that slot.
func (f *fixture) installHandler(t *testing.T, ref captab.ObjRef, idx uint32, rights captab.EndpointRights) captab.ObjRef {
	t.Helper()
	tcb := f.tcbs.Get(ref)
	cnodeRef := f.objs.Alloc(cspace.NewCNode(3))
	rootCap := captab.NewCNodeCap(cnodeRef, 3, 61, 0)
	if err := f.objs.InsertRoot(rootCap, sched.CapSlot(tcb, sched.SlotCSpaceRoot)); err != nil {
		t.Fatalf("InsertRoot cspace root: %v", err)
	}
	epRef := f.ipc.AllocEndpoint()
	epCap := captab.NewEndpointCap(epRef, 0, rights)
	if err := f.objs.InsertRoot(epCap, cspace.Slot{CNode: cnodeRef, Index: idx}); err != nil {
		t.Fatalf("InsertRoot endpoint: %v", err)
	}
	tcb.FaultHandlerCPtr = uint64(idx)
	return epRef
}

func TestSendFaultIPCInactiveWhenHandlerCPtrUnresolved(t *testing.T) {
	f := newFixture(t)
	faulter := f.tcbs.Alloc()
	f.tcbs.Get(faulter).State = sched.Running
	f.tcbs.Get(faulter).FaultHandlerCPtr = 0xdead

	fault := captab.Fault{Kind: captab.VMFault, Address: 0x1000, FSR: 5}
	if err := SendFaultIPC(f.objs, f.tcbs, f.sc, f.ipc, faulter, fault); err != nil {
		t.Fatalf("SendFaultIPC: %v", err)
	}
	tcb := f.tcbs.Get(faulter)
	if tcb.State != sched.Inactive {
		t.Fatalf("expected Inactive when handler cptr can't resolve, got %v", tcb.State)
	}
	if tcb.Fault.Kind != captab.CapFault {
		t.Fatalf("expected the unresolved lookup itself recorded as a CapFault, got %v", tcb.Fault.Kind)
	}
}

func TestSendFaultIPCInactiveWhenHandlerLacksGrant(t *testing.T) {
	f := newFixture(t)
	faulter := f.tcbs.Alloc()
	f.tcbs.Get(faulter).State = sched.Running
	f.installHandler(t, faulter, 2, captab.EndpointRights{CanSend: true, CanReceive: true})

	fault := captab.Fault{Kind: captab.UnknownSyscall, SyscallNumber: 7}
	if err := SendFaultIPC(f.objs, f.tcbs, f.sc, f.ipc, faulter, fault); err != nil {
		t.Fatalf("SendFaultIPC: %v", err)
	}
	if f.tcbs.Get(faulter).State != sched.Inactive {
		t.Fatalf("expected Inactive when handler endpoint lacks grant rights")
	}
}

func TestSendFaultIPCBlocksFaulterOnReplyWhenHandlerGrants(t *testing.T) {
	f := newFixture(t)
	faulter := f.tcbs.Alloc()
	f.tcbs.Get(faulter).State = sched.Running
	handler := f.tcbs.Alloc()
	handlerTCB := f.tcbs.Get(handler)
	handlerTCB.State = sched.Running

	epRef := f.installHandler(t, faulter, 1, captab.EndpointRights{CanSend: true, CanReceive: true, CanGrant: true})

	buf := &fakeBuffer{}
	if err := f.ipc.Receive(epRef, handler, f.tcbs, f.sc, f.objs, f.ipc, buf); err != nil {
		t.Fatalf("Receive: %v", err)
	}

	fault := captab.Fault{Kind: captab.UnknownSyscall, SyscallNumber: 42}
	if err := SendFaultIPC(f.objs, f.tcbs, f.sc, f.ipc, faulter, fault); err != nil {
		t.Fatalf("SendFaultIPC: %v", err)
	}

	if f.tcbs.Get(faulter).State != sched.BlockedOnReply {
		t.Fatalf("expected faulter BlockedOnReply, got %v", f.tcbs.Get(faulter).State)
	}
	if buf.words[0] != 42 {
		t.Fatalf("expected syscall number delivered as register 0, got %v", buf.words[0])
	}
}

func TestDoFaultReplyRestoresRegistersOnZeroLabelForUnknownSyscall(t *testing.T) {
	f := newFixture(t)
	faulter := f.tcbs.Alloc()
	f.tcbs.Get(faulter).State = sched.BlockedOnReply
	f.tcbs.Get(faulter).Fault = captab.Fault{Kind: captab.UnknownSyscall, SyscallNumber: 1}
	handler := f.tcbs.Alloc()
	f.tcbs.Get(handler).State = sched.Running

	callerSlot := sched.CapSlot(f.tcbs.Get(handler), sched.SlotCaller)
	masterSlot := sched.CapSlot(f.tcbs.Get(faulter), sched.SlotReplyMaster)
	replyCap := captab.NewReplyCap(faulter, true, false)
	if err := f.objs.Insert(replyCap, masterSlot, callerSlot); err != nil {
		t.Fatalf("Insert reply cap: %v", err)
	}

	reply := ipc.Message{Info: captab.NewMessageInfo(0, 0, 0, 1), Registers: [ipc.MsgRegisterCount]uint64{7}}
	if err := ipc.DoFaultReply(f.objs, f.tcbs, f.sc, handler, replyCap, reply); err != nil {
		t.Fatalf("DoFaultReply: %v", err)
	}
	tcb := f.tcbs.Get(faulter)
	if tcb.State != sched.Restart {
		t.Fatalf("expected Restart, got %v", tcb.State)
	}
	if tcb.Registers[0] != 7 {
		t.Fatalf("expected restored register value, got %v", tcb.Registers[0])
	}
	if !tcb.Fault.IsNull() {
		t.Fatalf("expected fault cleared after successful fault reply")
	}
}

func TestDoFaultReplyLeavesInactiveOnNonzeroLabel(t *testing.T) {
	f := newFixture(t)
	faulter := f.tcbs.Alloc()
	f.tcbs.Get(faulter).State = sched.BlockedOnReply
	f.tcbs.Get(faulter).Fault = captab.Fault{Kind: captab.VMFault}
	handler := f.tcbs.Alloc()
	f.tcbs.Get(handler).State = sched.Running

	callerSlot := sched.CapSlot(f.tcbs.Get(handler), sched.SlotCaller)
	masterSlot := sched.CapSlot(f.tcbs.Get(faulter), sched.SlotReplyMaster)
	replyCap := captab.NewReplyCap(faulter, true, false)
	f.objs.Insert(replyCap, masterSlot, callerSlot)

	reply := ipc.Message{Info: captab.NewMessageInfo(1, 0, 0, 0)}
	if err := ipc.DoFaultReply(f.objs, f.tcbs, f.sc, handler, replyCap, reply); err != nil {
		t.Fatalf("DoFaultReply: %v", err)
	}
	if f.tcbs.Get(faulter).State != sched.Inactive {
		t.Fatalf("expected Inactive on non-zero label reply")
	}
}

type fakeBuffer struct {
	words [16]uint64
}

func (b *fakeBuffer) Word(i int) uint64       { return b.words[i] }
func (b *fakeBuffer) SetWord(i int, v uint64) { b.words[i] = v }
func (b *fakeBuffer) ReceiveSlot() (captab.Cap, uint64, uint8, bool) {
	return captab.Cap{}, 0, 0, false
}
