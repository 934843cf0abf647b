/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package ipc

import (
	"testing"

	"github.com/capkernel/capkernel/captab"
	"github.com/capkernel/capkernel/cspace"
	"github.com/capkernel/capkernel/hal"
	"github.com/capkernel/capkernel/kconfig"
	"github.com/capkernel/capkernel/sched"
)

type fakeMMU struct{}

func (m *fakeMMU) SetRoot(asid uint16, rootPaddr uint64)   {}
func (m *fakeMMU) FlushTLB(asid uint16)                    {}
func (m *fakeMMU) FlushTLBPage(asid uint16, vaddr uint64)  {}
func (m *fakeMMU) CleanInvalidateCache(vaddr, size uint64) {}

var _ hal.MMU = (*fakeMMU)(nil)

// fakeBuffer models a thread's IPC-buffer frame in memory, with a
// fixed receive slot configured up front the way seL4_SetIPCBuffer
// records one.
type fakeBuffer struct {
	words       [64]uint64
	recvRoot    captab.Cap
	recvCPtr    uint64
	recvDepth   uint8
	recvEnabled bool
}

func (b *fakeBuffer) Word(i int) uint64     { return b.words[i] }
func (b *fakeBuffer) SetWord(i int, v uint64) { b.words[i] = v }
func (b *fakeBuffer) ReceiveSlot() (captab.Cap, uint64, uint8, bool) {
	return b.recvRoot, b.recvCPtr, b.recvDepth, b.recvEnabled
}

type fixture struct {
	objs  *cspace.ObjTable
	tcbs  *sched.Table
	sc    *sched.Scheduler
	arena *Arena
	idle  captab.ObjRef
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
	return &fixture{objs: objs, tcbs: tcbs, sc: sc, arena: NewArena(), idle: idle}
}

func (f *fixture) newThread(t *testing.T, prio uint8) captab.ObjRef {
	t.Helper()
	ref := f.tcbs.Alloc()
	tcb := f.tcbs.Get(ref)
	tcb.State = sched.Running
	tcb.Priority = prio
	tcb.MCP = prio
	return ref
}

func TestSendBlocksWhenNobodyReceiving(t *testing.T) {
	f := newFixture(t)
	ep := f.arena.AllocEndpoint()
	sender := f.newThread(t, 100)
	f.sc.Enqueue(sender)

	msg := Message{Info: captab.NewMessageInfo(0, 0, 0, 1), Registers: [MsgRegisterCount]uint64{42}}
	if err := f.arena.Send(ep, sender, f.tcbs, f.sc, f.objs, SendParams{Blocking: true}, msg); err != nil {
		t.Fatalf("Send: %v", err)
	}

	tcb := f.tcbs.Get(sender)
	if tcb.State != sched.BlockedOnSend {
		t.Fatalf("expected BlockedOnSend, got %v", tcb.State)
	}
	if f.arena.Endpoint(ep).State != EPSend {
		t.Fatalf("expected endpoint in Send state")
	}
}

func TestReceiveThenSendDeliversDirectly(t *testing.T) {
	f := newFixture(t)
	ep := f.arena.AllocEndpoint()
	receiver := f.newThread(t, 100)
	sender := f.newThread(t, 100)

	buf := &fakeBuffer{}
	if err := f.arena.Receive(ep, receiver, f.tcbs, f.sc, f.objs, f.arena, buf); err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if f.tcbs.Get(receiver).State != sched.BlockedOnReceive {
		t.Fatalf("expected receiver BlockedOnReceive")
	}

	msg := Message{Info: captab.NewMessageInfo(7, 0, 0, 1), Registers: [MsgRegisterCount]uint64{99}}
	if err := f.arena.Send(ep, sender, f.tcbs, f.sc, f.objs, SendParams{Blocking: true}, msg); err != nil {
		t.Fatalf("Send: %v", err)
	}

	rtcb := f.tcbs.Get(receiver)
	if rtcb.State != sched.Restart {
		t.Fatalf("expected receiver restarted, got %v", rtcb.State)
	}
	if f.tcbs.Get(sender).State != sched.Running {
		t.Fatalf("non-call send should leave the currently-executing sender Running, got %v", f.tcbs.Get(sender).State)
	}
	if f.arena.Endpoint(ep).State != EPIdle {
		t.Fatalf("expected endpoint idle after single rendezvous")
	}
}

func TestCallDepositsReplyCapInCallerSlot(t *testing.T) {
	f := newFixture(t)
	ep := f.arena.AllocEndpoint()
	receiver := f.newThread(t, 100)
	sender := f.newThread(t, 100)

	buf := &fakeBuffer{}
	if err := f.arena.Receive(ep, receiver, f.tcbs, f.sc, f.objs, f.arena, buf); err != nil {
		t.Fatalf("Receive: %v", err)
	}

	msg := Message{Info: captab.NewMessageInfo(1, 0, 0, 0)}
	params := SendParams{Blocking: true, DoCall: true, CanGrant: true}
	if err := f.arena.Send(ep, sender, f.tcbs, f.sc, f.objs, params, msg); err != nil {
		t.Fatalf("Send: %v", err)
	}

	if f.tcbs.Get(sender).State != sched.BlockedOnReply {
		t.Fatalf("expected caller BlockedOnReply after Call, got %v", f.tcbs.Get(sender).State)
	}
	callerSlot := sched.CapSlot(f.tcbs.Get(receiver), sched.SlotCaller)
	cap := f.objs.Get(callerSlot)
	if cap.Tag() != captab.CapReply {
		t.Fatalf("expected reply cap in receiver's caller slot, got tag %v", cap.Tag())
	}
	if cap.ReplyTCB() != sender {
		t.Fatalf("reply cap should name the original caller")
	}
}

func TestDoReplyRestoresCaller(t *testing.T) {
	f := newFixture(t)
	ep := f.arena.AllocEndpoint()
	receiver := f.newThread(t, 100)
	sender := f.newThread(t, 100)

	buf := &fakeBuffer{}
	f.arena.Receive(ep, receiver, f.tcbs, f.sc, f.objs, f.arena, buf)
	f.arena.Send(ep, sender, f.tcbs, f.sc, f.objs, SendParams{Blocking: true, DoCall: true, CanGrant: true}, Message{Info: captab.NewMessageInfo(1, 0, 0, 0)})

	callerSlot := sched.CapSlot(f.tcbs.Get(receiver), sched.SlotCaller)
	replyCap := f.objs.Get(callerSlot)

	callerBuf := &fakeBuffer{}
	reply := Message{Info: captab.NewMessageInfo(0, 0, 0, 1), Registers: [MsgRegisterCount]uint64{123}}
	if err := DoReply(f.objs, f.tcbs, f.sc, receiver, replyCap, reply, callerBuf); err != nil {
		t.Fatalf("DoReply: %v", err)
	}
	if f.tcbs.Get(sender).State != sched.Restart {
		t.Fatalf("expected caller restarted after reply, got %v", f.tcbs.Get(sender).State)
	}
	if !f.objs.Get(callerSlot).IsNull() {
		t.Fatalf("expected caller slot cleared after single-use reply")
	}
}

func TestSignalCoalescesOnActiveWhenNobodyWaiting(t *testing.T) {
	f := newFixture(t)
	n := f.arena.AllocNotification()
	if err := f.arena.Signal(n, 0x1, f.tcbs, f.sc); err != nil {
		t.Fatalf("Signal: %v", err)
	}
	if err := f.arena.Signal(n, 0x4, f.tcbs, f.sc); err != nil {
		t.Fatalf("Signal: %v", err)
	}
	notif := f.arena.Notification(n)
	if notif.State != NotifActive {
		t.Fatalf("expected Active, got %v", notif.State)
	}
	if notif.MsgIdentifier != 0x5 {
		t.Fatalf("expected badges ORed together, got %#x", notif.MsgIdentifier)
	}
}

func TestWaitConsumesActiveNotification(t *testing.T) {
	f := newFixture(t)
	n := f.arena.AllocNotification()
	f.arena.Signal(n, 0x9, f.tcbs, f.sc)

	waiter := f.newThread(t, 50)
	buf := &fakeBuffer{}
	if err := f.arena.Wait(n, waiter, f.tcbs, f.sc, buf); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if f.tcbs.Get(waiter).State != sched.Running {
		t.Fatalf("expected waiter to stay Running when notification already active")
	}
	if buf.words[0] != 0x9 {
		t.Fatalf("expected badge delivered into buffer word 0, got %#x", buf.words[0])
	}
	if f.arena.Notification(n).State != NotifIdle {
		t.Fatalf("expected notification Idle after delivery")
	}
}

func TestBoundNotificationWakesBlockedReceiver(t *testing.T) {
	f := newFixture(t)
	ep := f.arena.AllocEndpoint()
	n := f.arena.AllocNotification()
	receiver := f.newThread(t, 100)

	if err := f.arena.Bind(n, receiver, f.tcbs); err != nil {
		t.Fatalf("Bind: %v", err)
	}
	buf := &fakeBuffer{}
	f.arena.Receive(ep, receiver, f.tcbs, f.sc, f.objs, f.arena, buf)
	if f.tcbs.Get(receiver).State != sched.BlockedOnReceive {
		t.Fatalf("expected receiver blocked on endpoint receive")
	}

	if err := f.arena.Signal(n, 0x2, f.tcbs, f.sc); err != nil {
		t.Fatalf("Signal: %v", err)
	}
	if f.tcbs.Get(receiver).State != sched.Running {
		t.Fatalf("expected bound notification to directly wake the blocked receiver")
	}
}

func TestCancelAllIPCRestartsQueuedSenders(t *testing.T) {
	f := newFixture(t)
	ep := f.arena.AllocEndpoint()
	a := f.newThread(t, 50)
	b := f.newThread(t, 50)
	f.arena.Send(ep, a, f.tcbs, f.sc, f.objs, SendParams{Blocking: true}, Message{Info: captab.NewMessageInfo(0, 0, 0, 0)})
	f.arena.Send(ep, b, f.tcbs, f.sc, f.objs, SendParams{Blocking: true}, Message{Info: captab.NewMessageInfo(0, 0, 0, 0)})

	CancelAllIPC(ep, f.arena, f.tcbs, f.sc)

	if f.tcbs.Get(a).State != sched.Restart || f.tcbs.Get(b).State != sched.Restart {
		t.Fatalf("expected both queued senders restarted")
	}
	if f.arena.Endpoint(ep).State != EPIdle {
		t.Fatalf("expected endpoint idle after cancel-all")
	}
}

func TestCancelBadgedSendsOnlyAffectsMatchingBadge(t *testing.T) {
	f := newFixture(t)
	ep := f.arena.AllocEndpoint()
	a := f.newThread(t, 50)
	b := f.newThread(t, 50)
	f.arena.Send(ep, a, f.tcbs, f.sc, f.objs, SendParams{Blocking: true, Badge: 1}, Message{Info: captab.NewMessageInfo(0, 0, 0, 0)})
	f.arena.Send(ep, b, f.tcbs, f.sc, f.objs, SendParams{Blocking: true, Badge: 2}, Message{Info: captab.NewMessageInfo(0, 0, 0, 0)})

	CancelBadgedSends(ep, 1, f.arena, f.tcbs, f.sc)

	if f.tcbs.Get(a).State != sched.Restart {
		t.Fatalf("expected badge-1 sender restarted")
	}
	if f.tcbs.Get(b).State != sched.BlockedOnSend {
		t.Fatalf("expected badge-2 sender to remain blocked")
	}
}
