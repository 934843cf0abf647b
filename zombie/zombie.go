/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package zombie is the preemptible object-deletion engine: finalizing
// a composite object (a CNode full of slots, a TCB's own capability
// array) can take arbitrarily long, so the kernel never does it in one
// uninterruptible pass. Instead FinalizeCap replaces a deleted
// composite cap in place with a Zombie — a capability that names how
// much work is left — and DeleteAll drives that Zombie down to nothing
// one unit at a time, checking a Budget after each unit and returning
// Preempted so the caller (invoke's dispatch loop) can resume the same
// slot on the next kernel entry. The Zombie cap sitting in the slot
// *is* the saved continuation; there is no separate coroutine state.
package zombie

import (
	"github.com/capkernel/capkernel/captab"
	"github.com/capkernel/capkernel/cspace"
)

// Engine drives Revoke/Delete/DeleteAll against a CSpace arena.
type Engine struct {
	objs   *cspace.ObjTable
	hooks  Hooks
	budget *Budget
}

// NewEngine returns a deletion engine over objs, calling back into
// hooks for object kinds whose live state lives outside cspace.
func NewEngine(objs *cspace.ObjTable, hooks Hooks, budget *Budget) *Engine {
	return &Engine{objs: objs, hooks: hooks, budget: budget}
}

// Cleanup describes deferred work DeleteAll runs once a slot is fully
// emptied — currently only "mark this IRQ inactive", matching
// spec.md §4.B's "irq_handler: clear the slot and return a cleanup cap
// for deferred mark-inactive".
type Cleanup struct {
	MarkIRQInactive bool
	IRQ             uint32
}

// FinalizeCap computes the result of finalizing cap for deletion. When
// isFinal is false, cap is simply dropped (another reference keeps the
// object alive) and the remainder is the null capability. When
// isFinal is true, the per-kind behavior of spec.md §4.B's
// finalize_cap runs: endpoints/notifications are torn down through
// Hooks, CNodes and threads become Zombies carrying the remaining
// child count, IRQ handlers defer a cleanup, and VM objects are
// unmapped.
func (e *Engine) FinalizeCap(cap captab.Cap, isFinal bool) (captab.Cap, Cleanup) {
	if cap.IsNull() {
		return captab.NullCap(), Cleanup{}
	}
	if cap.Tag() == captab.CapZombie {
		// Already a Zombie: DeleteAll's loop re-finalizes slot.cap on
		// every iteration, including the Zombie it wrote there last
		// time around. It passes through unchanged; reduceZombie is
		// what actually makes progress on it.
		return cap, Cleanup{}
	}
	if !isFinal {
		return captab.NullCap(), Cleanup{}
	}
	switch cap.Tag() {
	case captab.CapEndpoint:
		e.hooks.CancelAllIPC(cap.EndpointRef())
		return captab.NullCap(), Cleanup{}
	case captab.CapNotification:
		e.hooks.UnbindAndCancelSignals(cap.NotificationRef())
		return captab.NullCap(), Cleanup{}
	case captab.CapCNode:
		radix := cap.CNodeRadix()
		return captab.NewZombieCap(cap.CNodeRef(), captab.ZombieCNode, radix, uint32(1)<<radix), Cleanup{}
	case captab.CapThread:
		cteArray, numSlots := e.hooks.SuspendAndUnbind(cap.ThreadTCB())
		return captab.NewZombieCap(cteArray, captab.ZombieTCB, 0, numSlots), Cleanup{}
	case captab.CapIRQHandler:
		return captab.NullCap(), Cleanup{MarkIRQInactive: true, IRQ: cap.IRQNumber()}
	case captab.CapFrame:
		if cap.FrameIsMapped() {
			e.hooks.UnmapFrame(cap.FrameRef(), cap.FrameMappedASID(), cap.FrameMappedVaddr())
		}
		return captab.NullCap(), Cleanup{}
	case captab.CapPageTable:
		if cap.PageTableIsMapped() {
			e.hooks.UnmapPageTable(cap.PageTableRef(), cap.PageTableMappedASID(), cap.PageTableMappedVaddr())
		}
		return captab.NullCap(), Cleanup{}
	case captab.CapVSpaceRoot:
		if cap.VSpaceIsMapped() {
			e.hooks.ReleaseASID(cap.VSpaceMappedASID())
		}
		return captab.NullCap(), Cleanup{}
	default:
		// Untyped, Domain, IRQControl, ASIDControl, ASIDPool, Reply:
		// authority/single-use caps with no finalize side effect.
		return captab.NullCap(), Cleanup{}
	}
}

// Removable implements spec.md §4.B's removable predicate: the null
// cap is always removable; a Zombie is removable once its remaining
// count reaches zero, or when exactly one entry remains and that
// entry is the slot being finalized itself (the self-referencing
// CNode case — nothing more to do, it would just be deleting slot
// out from under itself).
func (e *Engine) Removable(remainder captab.Cap, slot cspace.Slot) bool {
	if remainder.IsNull() {
		return true
	}
	if remainder.Tag() != captab.CapZombie {
		return false
	}
	remaining := remainder.ZombieRemaining()
	if remaining == 0 {
		return true
	}
	if remaining == 1 {
		last := cspace.Slot{CNode: remainder.ZombieRef(), Index: 0}
		if last == slot {
			return true
		}
	}
	return false
}

func (e *Engine) isCyclicZombie(remainder captab.Cap, slot cspace.Slot) bool {
	return remainder.Tag() == captab.CapZombie &&
		remainder.ZombieKind() == captab.ZombieCNode &&
		remainder.ZombieRef() == slot.CNode
}

// reduceZombie performs one unit of progress against the Zombie cap
// sitting in slot: it deletes the zombie array's last remaining
// entry, decrementing the count, unless that entry turns out to
// reference the zombie's own array — in which case the self-reference
// is swapped outward instead of recursing into the object that is
// already being torn down (spec.md §9's "always make progress toward
// a smaller object").
func (e *Engine) reduceZombie(slot cspace.Slot, immediate bool) PreemptResult {
	z := e.objs.Get(slot)
	remaining := z.ZombieRemaining()
	if remaining == 0 {
		return None
	}
	lastIdx := remaining - 1
	last := cspace.Slot{CNode: z.ZombieRef(), Index: lastIdx}

	if last == slot {
		e.objs.SetCap(slot, z.WithZombieRemaining(remaining-1))
		return None
	}

	lastCap := e.objs.Get(last)
	if lastCap.Tag() == captab.CapCNode && lastCap.CNodeRef() == z.ZombieRef() {
		if err := e.objs.Swap(slot, last); err != nil {
			return None
		}
		return None
	}

	if pr := e.DeleteAll(last, false); pr == Preempted {
		return Preempted
	}
	if cur := e.objs.Get(slot); cur.Tag() == captab.CapZombie {
		e.objs.SetCap(slot, cur.WithZombieRemaining(remaining-1))
	}
	return None
}

// DeleteAll drives slot's capability to nothing, one unit of work at a
// time, implementing spec.md §4.H's delete_all loop. immediate=true is
// the top-level Delete entry point; immediate=false is the recursive
// call reduceZombie makes on a composite's children, where a freshly
// produced cyclic Zombie is deferred back to the caller instead of
// being reduced inline.
func (e *Engine) DeleteAll(slot cspace.Slot, immediate bool) PreemptResult {
	for {
		cap := e.objs.Get(slot)
		if cap.IsNull() {
			return None
		}
		isFinal := e.objs.IsFinalCap(slot)
		remainder, cleanup := e.FinalizeCap(cap, isFinal)

		if e.Removable(remainder, slot) {
			e.objs.Unlink(slot)
			if cleanup.MarkIRQInactive {
				e.hooks.MarkIRQInactive(cleanup.IRQ)
			}
			return None
		}

		e.objs.SetCap(slot, remainder)
		if !immediate && e.isCyclicZombie(remainder, slot) {
			return None
		}
		if pr := e.reduceZombie(slot, immediate); pr == Preempted {
			return Preempted
		}
		if e.budget.Tick() {
			return Preempted
		}
	}
}

// Delete is the top-level preemptible single-slot delete: finalize,
// and if what's left is a Zombie, drive it to completion (or until
// preempted), returning control to invoke's dispatch loop either way.
func (e *Engine) Delete(slot cspace.Slot) PreemptResult {
	return e.DeleteAll(slot, true)
}

// Revoke walks slot's MDB-derived children, deleting each one, exactly
// spec.md §4.B's revoke: "walk slot.next while is_parent_of(slot,
// next) and recursively delete(next)". Each child deletion is
// immediate (any Zombie it produces is driven to completion before
// moving to the next sibling), and a Budget check runs after each.
func (e *Engine) Revoke(slot cspace.Slot) PreemptResult {
	for {
		next, isChild := e.objs.NextSibling(slot)
		if !isChild {
			return None
		}
		if pr := e.DeleteAll(next, true); pr == Preempted {
			return Preempted
		}
		if e.budget.Tick() {
			return Preempted
		}
	}
}
