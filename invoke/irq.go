/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package invoke

import (
	"sync"

	"github.com/capkernel/capkernel/captab"
	"github.com/capkernel/capkernel/cspace"
	"github.com/capkernel/capkernel/hal"
)

// IRQTable is the claimed/unclaimed registry irq_control.Get checks
// (spec.md §4.G: "after checking the IRQ is valid and currently
// inactive"). No arena owns IRQHandler caps the way cspace.ObjTable
// owns CNodes — the capability's only state is the IRQ number itself
// (captab.NewIRQHandlerCap) — so this table exists purely to reject a
// second Get on a line that is already claimed, and to free the line
// back up when the handler cap is deleted.
type IRQTable struct {
	mu      sync.Mutex
	claimed map[uint32]bool
	numIRQs uint32
}

// NewIRQTable returns a table accepting IRQ numbers in [0, numIRQs).
func NewIRQTable(numIRQs uint32) *IRQTable {
	return &IRQTable{claimed: make(map[uint32]bool), numIRQs: numIRQs}
}

func (t *IRQTable) valid(irq uint32) bool { return irq < t.numIRQs }

// Claim marks irq claimed, failing if it is out of range or already
// claimed.
func (t *IRQTable) Claim(irq uint32) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.valid(irq) || t.claimed[irq] {
		return false
	}
	t.claimed[irq] = true
	return true
}

// Release frees irq so a future irq_control.Get can claim it again
// (kernel's MarkIRQInactive deletion hook calls it once the handler
// cap is gone; IRQHandlerClear does not).
func (t *IRQTable) Release(irq uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.claimed, irq)
}

// IRQControlGet implements the irq_control decoder: mint a fresh
// IRQHandler cap for irq into destSlot, enabling the line at the
// interrupt controller, provided it is not already claimed.
func IRQControlGet(objs *cspace.ObjTable, table *IRQTable, ic hal.InterruptController, irqControlSlot, destSlot cspace.Slot, irq uint32) Outcome {
	if objs.Get(irqControlSlot).Tag() != captab.CapIRQControl {
		return syscallErr(ErrInvalidCapability)
	}
	if objs.Get(destSlot).Tag() != captab.CapNull {
		return syscallErr(ErrDeleteFirst)
	}
	if !table.Claim(irq) {
		return syscallErr(ErrRevokeFirst)
	}
	cap := captab.NewIRQHandlerCap(irq)
	if err := objs.Insert(cap, irqControlSlot, destSlot); err != nil {
		table.Release(irq)
		return syscallErr(ErrDeleteFirst)
	}
	ic.Enable(irq)
	return ok()
}

// IRQHandlerAck implements irq_handler.Ack.
func IRQHandlerAck(objs *cspace.ObjTable, ic hal.InterruptController, handlerSlot cspace.Slot) Outcome {
	cap := objs.Get(handlerSlot)
	if cap.Tag() != captab.CapIRQHandler {
		return syscallErr(ErrInvalidCapability)
	}
	ic.Ack(cap.IRQNumber())
	return ok()
}

// IRQBindings maps each IRQ number to the notification the interrupt
// dispatch path signals when that line fires.
type IRQBindings struct {
	mu    sync.Mutex
	binds map[uint32]captab.ObjRef
}

func NewIRQBindings() *IRQBindings { return &IRQBindings{binds: make(map[uint32]captab.ObjRef)} }

func (b *IRQBindings) Set(irq uint32, notifRef captab.ObjRef) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.binds[irq] = notifRef
}

func (b *IRQBindings) Clear(irq uint32) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.binds, irq)
}

// Lookup returns the notification bound to irq, if any.
func (b *IRQBindings) Lookup(irq uint32) (captab.ObjRef, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ref, ok := b.binds[irq]
	return ref, ok
}

// IRQHandlerSetNotification implements irq_handler.SetNotification:
// binds the notification named by notifSlot to the handler's IRQ, to be
// signalled when this line fires (kernel's HandleInterrupt owns that
// dispatch; this only records the association in binds, looked up by
// IRQ number).
func IRQHandlerSetNotification(objs *cspace.ObjTable, binds *IRQBindings, handlerSlot, notifSlot cspace.Slot) Outcome {
	handlerCap := objs.Get(handlerSlot)
	if handlerCap.Tag() != captab.CapIRQHandler {
		return syscallErr(ErrInvalidCapability)
	}
	notifCap := objs.Get(notifSlot)
	if notifCap.Tag() != captab.CapNotification {
		return syscallErr(ErrInvalidCapability)
	}
	binds.Set(handlerCap.IRQNumber(), notifCap.NotificationRef())
	return ok()
}

// IRQHandlerClear implements irq_handler.Clear: drops the notification
// binding and disables the line (a fresh irq_control.Get is still
// needed to re-claim it; Clear does not free the claim itself).
func IRQHandlerClear(objs *cspace.ObjTable, binds *IRQBindings, ic hal.InterruptController, handlerSlot cspace.Slot) Outcome {
	cap := objs.Get(handlerSlot)
	if cap.Tag() != captab.CapIRQHandler {
		return syscallErr(ErrInvalidCapability)
	}
	binds.Clear(cap.IRQNumber())
	ic.Disable(cap.IRQNumber())
	return ok()
}

// DispatchInterrupt is the kernel's HandleInterrupt core: acknowledge
// irq and, if a notification is bound, signal it. Badge 0 means "no
// badge carried on the interrupt signal", matching a plain Signal.
func DispatchInterrupt(k *Kernel, binds *IRQBindings, ic hal.InterruptController, irq uint32) {
	ic.Ack(irq)
	ref, has := binds.Lookup(irq)
	if !has {
		return
	}
	k.IPC.Signal(ref, 0, k.TCBs, k.Sched)
}
