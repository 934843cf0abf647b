/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Command demo boots a simboard.Board and drives it through three
// scenarios end to end through kernel.HandleTrap, the single entry
// vector every arch backend funnels into, rather than calling any
// invoke decoder directly: a Call/ReplyRecv round trip between two
// threads over an endpoint, a generic TCB invocation (suspend/resume),
// and an external interrupt reaching a bound notification. It exists
// to give the kernel a runnable demonstration the way SimpleRelay gives
// the ingest pipeline one.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/capkernel/capkernel/captab"
	"github.com/capkernel/capkernel/cspace"
	"github.com/capkernel/capkernel/invoke"
	"github.com/capkernel/capkernel/kernel"
	"github.com/capkernel/capkernel/klog"
	"github.com/capkernel/capkernel/sched"
	"github.com/capkernel/capkernel/simboard"
)

var verbose = flag.Bool("v", false, "log every scenario step at INFO instead of just the summary")

// radix is the depth every demo thread's private CNode resolves its
// fixed capability slots at: small enough to read as literals below,
// big enough to hold the handful of caps each scenario installs.
const radix = 4

const (
	slotEndpoint uint64 = 1
	slotThread   uint64 = 2
	slotNotif    uint64 = 3
)

func must(err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "demo: %v\n", err)
		os.Exit(1)
	}
}

// newCSpace allocates a fresh radix-bit CNode and returns both its ref
// (for InsertRoot) and an unguarded root capability to it.
func newCSpace(b *simboard.Board) (captab.ObjRef, captab.Cap) {
	ref := b.Objs.Alloc(cspace.NewCNode(radix))
	return ref, captab.NewCNodeCap(ref, radix, 0, 0)
}

// trap drives regs through HandleTrap on core 0 as TrapSyscall, the
// same entry point a real arch backend's syscall vector calls after
// saving who's trapping.
func trap(b *simboard.Board, who captab.ObjRef, regs kernel.Registers) invoke.Outcome {
	return b.Kernel.HandleTrap(0, kernel.Trap{Kind: kernel.TrapSyscall, CallerRef: who, Regs: regs})
}

func main() {
	flag.Parse()

	logger := klog.New(os.Stderr)
	must(logger.SetLevel(klog.INFO))
	if !*verbose {
		must(logger.SetLevel(klog.WARN))
	}

	board, err := simboard.New(logger)
	must(err)

	vspaceCap := captab.NewVSpaceRootCap(board.Root.VSpaceRoot)

	fmt.Println("=== scenario 1: Call/ReplyRecv round trip ===")
	runCallReplyRecv(board, vspaceCap)

	fmt.Println("=== scenario 2: generic TCB invocation (suspend/resume) ===")
	runTCBInvocation(board, vspaceCap)

	fmt.Println("=== scenario 3: external interrupt to a bound notification ===")
	runInterrupt(board, vspaceCap)
}

func runCallReplyRecv(b *simboard.Board, vspaceCap captab.Cap) {
	epRef := b.IPC.AllocEndpoint()
	rights := captab.EndpointRights{CanSend: true, CanReceive: true, CanGrant: true, CanGrantReply: true}

	serverCNodeRef, serverCNodeCap := newCSpace(b)
	must(b.Objs.InsertRoot(captab.NewEndpointCap(epRef, 0, rights), cspace.Slot{CNode: serverCNodeRef, Index: uint32(slotEndpoint)}))
	serverRef, err := b.NewThread(serverCNodeCap, vspaceCap)
	must(err)

	clientCNodeRef, clientCNodeCap := newCSpace(b)
	must(b.Objs.InsertRoot(captab.NewEndpointCap(epRef, 0, rights), cspace.Slot{CNode: clientCNodeRef, Index: uint32(slotEndpoint)}))
	clientRef, err := b.NewThread(clientCNodeCap, vspaceCap)
	must(err)

	// Length 5 carries one word past the four direct message
	// registers, through the server's own IPC buffer (ipc.transfer's
	// overflow path) — the only part of the payload this simulated
	// trap, with no real shared register file, can actually observe
	// landing on the other side.
	callRegs := kernel.Registers{
		Syscall:  invoke.SysCall,
		CapPtr:   slotEndpoint,
		CapDepth: radix,
		Info:     captab.NewMessageInfo(0, 0, 0, 5),
		Data:     [4]uint64{0xC0FFEE, 0, 0, 0},
		Overflow: []uint64{0xFEEDFACE},
	}
	out := trap(b, clientRef, callRegs)
	fmt.Printf("client Call -> %+v (client state now %v)\n", out, b.TCBs.Get(clientRef).State)

	recvRegs := kernel.Registers{Syscall: invoke.SysRecv, CapPtr: slotEndpoint, CapDepth: radix}
	out = trap(b, serverRef, recvRegs)
	fmt.Printf("server Recv -> %+v, overflow word=0x%x, client is now %v\n",
		out, b.Buffers[serverRef].Word(4), b.TCBs.Get(clientRef).State)

	replyRegs := kernel.Registers{
		Syscall:  invoke.SysReply,
		Info:     captab.NewMessageInfo(0, 0, 0, 5),
		Data:     [4]uint64{0xA5A5, 0, 0, 0},
		Overflow: []uint64{0x1337},
	}
	out = trap(b, serverRef, replyRegs)
	fmt.Printf("server Reply -> %+v, client overflow word=0x%x, client is now %v\n",
		out, b.Buffers[clientRef].Word(4), b.TCBs.Get(clientRef).State)
}

func runTCBInvocation(b *simboard.Board, vspaceCap captab.Cap) {
	_, targetCNodeCap := newCSpace(b)
	targetRef, err := b.NewThread(targetCNodeCap, vspaceCap)
	must(err)

	controllerCNodeRef, controllerCNodeCap := newCSpace(b)
	must(b.Objs.InsertRoot(captab.NewThreadCap(targetRef), cspace.Slot{CNode: controllerCNodeRef, Index: uint32(slotThread)}))
	controllerRef, err := b.NewThread(controllerCNodeCap, vspaceCap)
	must(err)

	b.TCBs.Get(targetRef).State = sched.Running

	suspend := kernel.Registers{
		Syscall:  invoke.SysCall,
		CapPtr:   slotThread,
		CapDepth: radix,
		Info:     captab.NewMessageInfo(uint64(kernel.LabelTCBSuspend), 0, 0, 0),
	}
	out := trap(b, controllerRef, suspend)
	fmt.Printf("controller TCBSuspend(target) -> %+v, target is now %v\n", out, b.TCBs.Get(targetRef).State)

	resume := kernel.Registers{
		Syscall:  invoke.SysCall,
		CapPtr:   slotThread,
		CapDepth: radix,
		Info:     captab.NewMessageInfo(uint64(kernel.LabelTCBResume), 0, 0, 0),
	}
	out = trap(b, controllerRef, resume)
	fmt.Printf("controller TCBResume(target) -> %+v, target is now %v\n", out, b.TCBs.Get(targetRef).State)
}

func runInterrupt(b *simboard.Board, vspaceCap captab.Cap) {
	notifRef := b.IPC.AllocNotification()
	waiterCNodeRef, waiterCNodeCap := newCSpace(b)
	must(b.Objs.InsertRoot(captab.NewNotificationCap(notifRef, 0, true, true), cspace.Slot{CNode: waiterCNodeRef, Index: uint32(slotNotif)}))
	waiterRef, err := b.NewThread(waiterCNodeCap, vspaceCap)
	must(err)

	const irq = uint32(7)
	must(b.IRQBind(irq, notifRef))

	waitRegs := kernel.Registers{Syscall: invoke.SysRecv, CapPtr: slotNotif, CapDepth: radix}
	out := trap(b, waiterRef, waitRegs)
	fmt.Printf("waiter Recv(notification) -> %+v, waiter is now %v\n", out, b.TCBs.Get(waiterRef).State)

	b.IC.Raise(irq)
	b.Kernel.HandleTrap(0, kernel.Trap{Kind: kernel.TrapInterrupt, IRQ: irq})
	fmt.Printf("after interrupt %d: waiter is now %v, acked=%v\n", irq, b.TCBs.Get(waiterRef).State, b.IC.Acked())
}
