/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package kernel

import (
	"github.com/capkernel/capkernel/captab"
	"github.com/capkernel/capkernel/hal"
	"github.com/capkernel/capkernel/invoke"
	"github.com/capkernel/capkernel/ipc"
	"github.com/capkernel/capkernel/sched"
	"github.com/capkernel/capkernel/vspace"
)

// kernelHooks is the concrete zombie.Hooks implementation: it replaces
// invoke/invoke_test.go's fakeHooks test double with real delegation
// into ipc/sched/vspace, the piece zombie's own doc comment names as
// "kernel wires the concrete implementation at startup".
type kernelHooks struct {
	ipc   *ipc.Arena
	tcbs  *sched.Table
	sc    *sched.Scheduler
	vsp   *vspace.Arena
	mmu   hal.MMU
	irqs  *invoke.IRQTable
	binds *invoke.IRQBindings
}

var _ interface {
	CancelAllIPC(ref captab.ObjRef)
	UnbindAndCancelSignals(ref captab.ObjRef)
	SuspendAndUnbind(tcb captab.ObjRef) (captab.ObjRef, uint32)
	UnmapFrame(ref captab.ObjRef, asid uint16, vaddr uint64)
	UnmapPageTable(ref captab.ObjRef, asid uint16, vaddr uint64)
	ReleaseASID(asid uint16)
	MarkIRQInactive(irq uint32)
} = (*kernelHooks)(nil)

func (h *kernelHooks) CancelAllIPC(ref captab.ObjRef) {
	ipc.CancelAllIPC(ref, h.ipc, h.tcbs, h.sc)
}

func (h *kernelHooks) UnbindAndCancelSignals(ref captab.ObjRef) {
	h.ipc.UnbindAndCancelSignals(ref, h.tcbs, h.sc)
}

// SuspendAndUnbind implements zombie.Hooks.SuspendAndUnbind: cancel any
// IPC the thread is a party to, drop its bound notification, force it
// Inactive, and hand back its own capability-array CNode for the
// resulting ZombieTCB to walk (sched.NumCapSlots is the fixed size
// every TCB's backing CNode carries, matching how a CNode Zombie always
// reports its whole 1<<radix span rather than just slots in use).
func (h *kernelHooks) SuspendAndUnbind(ref captab.ObjRef) (captab.ObjRef, uint32) {
	tcb := h.tcbs.Get(ref)
	if tcb == nil {
		return captab.ObjRef(0), 0
	}
	if tcb.HasBlockingObject {
		ipc.CancelAllIPC(tcb.BlockingObject, h.ipc, h.tcbs, h.sc)
	}
	if tcb.HasBoundNotification {
		h.ipc.UnbindAndCancelSignals(tcb.BoundNotification, h.tcbs, h.sc)
	}
	h.sc.Dequeue(ref)
	tcb.State = sched.Inactive
	tcb.HasBlockingObject = false
	return tcb.CapSlots, sched.NumCapSlots()
}

func (h *kernelHooks) UnmapFrame(ref captab.ObjRef, asid uint16, vaddr uint64) {
	h.vsp.ClearFrameAt(h.mmu, asid, vaddr, ref, invoke.VMLevels)
}

func (h *kernelHooks) UnmapPageTable(ref captab.ObjRef, asid uint16, vaddr uint64) {
	h.vsp.ClearPageTableAt(h.mmu, asid, vaddr, ref, invoke.VMLevels)
}

func (h *kernelHooks) ReleaseASID(asid uint16) {
	h.mmu.FlushTLB(asid)
	h.vsp.ReleaseASID(asid)
}

// MarkIRQInactive frees irq's claim in the IRQControl table and drops
// any notification binding left pointing at it, so a future
// irq_control.Get can re-claim the line (spec.md §4.B's deferred
// mark-inactive cleanup for a deleted IRQHandler cap).
func (h *kernelHooks) MarkIRQInactive(irq uint32) {
	h.binds.Clear(irq)
	h.irqs.Release(irq)
}
