/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package zombie

import "github.com/capkernel/capkernel/captab"

// Hooks is the narrow contract the deletion engine uses to reach into
// the object kinds it does not own storage for: ipc (endpoints,
// notifications), sched (threads), and vspace (frames, page tables,
// ASID pools). Keeping these as an injected interface instead of a
// direct import avoids a cspace/zombie <-> ipc/sched/vspace import
// cycle, since those packages build on cspace/captab but never need to
// know about Zombie reduction themselves; kernel wires the concrete
// implementation at startup, the same split hal draws between core
// subsystems and board-specific collaborators.
type Hooks interface {
	// CancelAllIPC wakes every thread queued on the endpoint ref with
	// Restart, the way deleting an Endpoint cancels pending Call/Recv.
	CancelAllIPC(ref captab.ObjRef)
	// UnbindAndCancelSignals detaches a notification from any bound
	// TCB and cancels any thread waiting on it.
	UnbindAndCancelSignals(ref captab.ObjRef)
	// SuspendAndUnbind safely unbinds tcb's notification, cancels any
	// pending IPC it is a party to, suspends it, and returns the
	// object ref of its own capability array (cspace root, vspace
	// root, ipc buffer frame, fault-handler cap, ...) along with how
	// many slots that array has, for the resulting ZombieTCB to walk.
	SuspendAndUnbind(tcb captab.ObjRef) (cteArray captab.ObjRef, numSlots uint32)
	// UnmapFrame clears the PTE mapping ref at (asid, vaddr) and issues
	// the matching TLB/cache maintenance, a no-op if already unmapped.
	UnmapFrame(ref captab.ObjRef, asid uint16, vaddr uint64)
	// UnmapPageTable is UnmapFrame's equivalent for an intermediate
	// translation-table object.
	UnmapPageTable(ref captab.ObjRef, asid uint16, vaddr uint64)
	// ReleaseASID frees asid back to the ASID allocator when a mapped
	// VSpace root is finalized.
	ReleaseASID(asid uint16)
	// MarkIRQInactive runs the deferred cleanup for a deleted
	// IRQHandler: mark the line no longer claimed and drop its
	// notification binding, so it can be claimed again.
	MarkIRQInactive(irq uint32)
}
