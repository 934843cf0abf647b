/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package sched

import (
	"errors"
	"sync"

	"github.com/capkernel/capkernel/captab"
	"github.com/capkernel/capkernel/cspace"
)

var (
	ErrInvalidTCB      = errors.New("invalid tcb reference")
	ErrPriorityAboveMCP = errors.New("requested priority exceeds authority's max controlled priority")
	ErrNoBoundNotification = errors.New("tcb has no bound notification")
)

// A thread's own capability array is an ordinary CNode allocated in the
// shared cspace.ObjTable arena rather than a distinct Go struct (the
// "TCB-capability-array-as-CNode unification" recorded in DESIGN.md):
// zombie reduction then tears it down with exactly the machinery it
// already has for any other CNode. These are that CNode's fixed slots.
const (
	SlotCSpaceRoot uint32 = iota
	SlotVSpaceRoot
	SlotIPCBuffer
	SlotFaultHandler
	SlotReplyMaster
	SlotCaller // holds the reply cap a Call left behind, until do_reply consumes it
	SlotTemporalFaultHandler
	numTCBSlots
)

// CapArrayRadix is the radix of the CNode backing a TCB's fixed slots:
// 1<<3 == 8 slots, the smallest power of two covering numTCBSlots.
const CapArrayRadix uint8 = 3

// TCB is a thread control block. Field names follow spec.md §4.D/§4.E/§4.F
// directly (blockingObject, blockingIPCBadge, tcbFault, ...).
type TCB struct {
	State    State
	Priority uint8
	MCP      uint8
	Domain   uint8

	TimeSlice uint64 // remaining ticks in the current slice

	// CapSlots is the ObjRef of this thread's own capability-array
	// CNode within the shared cspace.ObjTable; SlotCSpaceRoot etc.
	// above index into it.
	CapSlots captab.ObjRef

	// FaultHandlerCPtr is the cptr (looked up in the thread's own
	// cspace, not a stored cap) send_fault_ipc resolves at fault time.
	FaultHandlerCPtr uint64

	HasBoundNotification bool
	BoundNotification    captab.ObjRef

	// Blocking state: set when entering BlockedOnSend/BlockedOnReceive,
	// cleared on delivery or cancellation.
	HasBlockingObject        bool
	BlockingObject           captab.ObjRef
	BlockingIPCBadge         uint64
	BlockingIPCCanGrant      bool
	BlockingIPCCanGrantReply bool
	BlockingIPCDoCall        bool

	// ReplyCallerSlot is where a fresh reply cap is inserted when this
	// thread performs a blocking Call; valid only while BlockedOnSend
	// with DoCall set, consumed by the receiver's ipc transfer.
	HasReplyCallerSlot bool
	ReplyCallerSlot    cspace.Slot

	Fault captab.Fault

	// Registers holds the handler-provided values a zero-label fault
	// reply restores into the faulter's saved context (spec.md §4.F);
	// the kernel's trap-return path is responsible for actually
	// installing these into the faulter's real register file.
	Registers [4]uint64

	enqueued bool // scheduler bookkeeping: is this ref currently sitting in a ready queue
}

// Table is the TCB arena: threads are addressed by a small captab.ObjRef
// handle, mirroring cspace.ObjTable and vspace.Arena.
type Table struct {
	mu   sync.Mutex
	objs *cspace.ObjTable
	tcbs []*TCB
}

// NewTable returns an empty TCB arena backed by objs for each thread's
// own capability-array CNode.
func NewTable(objs *cspace.ObjTable) *Table {
	return &Table{objs: objs, tcbs: make([]*TCB, 1)} // index 0 reserved
}

// Alloc creates a new TCB (Inactive, priority 0) along with its
// capability-array CNode, returning the handle a CapThread capability
// should carry.
func (tb *Table) Alloc() captab.ObjRef {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	capSlots := tb.objs.Alloc(cspace.NewCNode(CapArrayRadix))
	tb.tcbs = append(tb.tcbs, &TCB{State: Inactive, CapSlots: capSlots})
	return captab.ObjRef(len(tb.tcbs) - 1)
}

// Get returns the TCB ref names, or nil if ref is invalid.
func (tb *Table) Get(ref captab.ObjRef) *TCB {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	if ref == 0 || int(ref) >= len(tb.tcbs) {
		return nil
	}
	return tb.tcbs[ref]
}

// CapSlot returns the cspace.Slot for one of this TCB's fixed slots.
func CapSlot(tcb *TCB, which uint32) cspace.Slot {
	return cspace.Slot{CNode: tcb.CapSlots, Index: which}
}

// NumCapSlots is the slot count zombie.Hooks.SuspendAndUnbind reports
// for the resulting ZombieTCB to walk: the full backing array size, not
// just the slots in active use, matching how a CNode Zombie always
// carries its whole 1<<radix span.
func NumCapSlots() uint32 {
	return uint32(1) << CapArrayRadix
}
