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
	"math/bits"
	"sync"

	"github.com/capkernel/capkernel/captab"
	"github.com/capkernel/capkernel/hal"
	"github.com/capkernel/capkernel/kconfig"
)

var (
	ErrEmptyDomainSchedule = errors.New("domain schedule must have at least one entry")
)

// NumPriorities matches seL4's CONFIG_NUM_PRIORITIES default: priorities
// are a full byte, 0 (lowest) to 255 (highest).
const NumPriorities = 256

// wordBits is the native bitmap word width; l1Groups is the number of
// 64-priority groups the L1 bitmap has one bit per (spec.md §4.D).
const (
	wordBits = 64
	l1Groups = NumPriorities / wordBits
)

// invert flips an L1 group index so that higher-priority groups occupy
// lower L2 array slots, per spec.md §4.D: "invert(l1idx) = size - 1 -
// l1idx ... shrinking the hot L2 row" (the group holding the highest
// priorities is accessed first and stays cache-hot).
func invert(l1idx int) int { return l1Groups - 1 - l1idx }

// domainQueue holds one domain's ready queues and priority bitmaps.
type domainQueue struct {
	l1     uint64
	l2     [l1Groups]uint64
	queues [NumPriorities][]captab.ObjRef
}

func (d *domainQueue) push(prio uint8, ref captab.ObjRef) {
	d.queues[prio] = append(d.queues[prio], ref)
	group := int(prio) / wordBits
	bit := uint(prio) % wordBits
	d.l2[invert(group)] |= 1 << bit
	d.l1 |= 1 << uint(group)
}

// remove deletes ref from prio's queue if present, clearing bitmap bits
// that become empty. Queues are short in practice (bounded by threads
// actually runnable at one priority), so a linear scan is fine.
func (d *domainQueue) remove(prio uint8, ref captab.ObjRef) {
	q := d.queues[prio]
	for i, r := range q {
		if r == ref {
			d.queues[prio] = append(q[:i], q[i+1:]...)
			break
		}
	}
	if len(d.queues[prio]) == 0 {
		group := int(prio) / wordBits
		bit := uint(prio) % wordBits
		d.l2[invert(group)] &^= 1 << bit
		if d.l2[invert(group)] == 0 {
			d.l1 &^= 1 << uint(group)
		}
	}
}

// highestPrio implements spec.md §4.D's formula exactly:
// (wordBits-1 - clz(L1)) * wordBits + (wordBits-1 - clz(L2[invert(l1idx)])).
func (d *domainQueue) highestPrio() (uint8, bool) {
	if d.l1 == 0 {
		return 0, false
	}
	l1idx := wordBits - 1 - bits.LeadingZeros64(d.l1)
	l2word := d.l2[invert(l1idx)]
	if l2word == 0 {
		return 0, false
	}
	l2idx := wordBits - 1 - bits.LeadingZeros64(l2word)
	return uint8(l1idx*wordBits + l2idx), true
}

func (d *domainQueue) popHighest() (captab.ObjRef, bool) {
	prio, ok := d.highestPrio()
	if !ok {
		return 0, false
	}
	q := d.queues[prio]
	ref := q[0]
	d.queues[prio] = q[1:]
	if len(d.queues[prio]) == 0 {
		group := int(prio) / wordBits
		bit := uint(prio) % wordBits
		d.l2[invert(group)] &^= 1 << bit
		if d.l2[invert(group)] == 0 {
			d.l1 &^= 1 << uint(group)
		}
	}
	return ref, true
}

// Action is the single per-CPU ks_scheduler_action variable that
// absorbs the IPC fastpath's "donate to callee" handoff (spec.md §4.D).
type Action uint8

const (
	ActionResumeCurrent Action = iota
	ActionChooseNewThread
	ActionSwitchToThread
)

// Scheduler is the per-CPU ready-queue and domain-schedule state.
// Exactly one exists per core; this module models a single core.
type Scheduler struct {
	mu   sync.Mutex
	tcbs *Table
	mmu  hal.MMU

	domains map[uint8]*domainQueue

	schedule    []kconfig.DomainScheduleEntry
	schedIdx    int
	domainTicks uint64
	curDomain   uint8

	hasCurrent bool
	current    captab.ObjRef

	action    Action
	actionTCB captab.ObjRef

	idle           captab.ObjRef
	curASIDValid   bool
	curASID        uint16
}

// New returns a Scheduler over tcbs, with domain schedule and idle
// thread already installed. idle is the ref of a TCB the caller has
// already allocated and left in state IdleThreadState; New never
// enqueues it (it is only ever reached by falling off the bitmaps).
func New(tcbs *Table, mmu hal.MMU, schedule []kconfig.DomainScheduleEntry, idle captab.ObjRef) (*Scheduler, error) {
	if len(schedule) == 0 {
		return nil, ErrEmptyDomainSchedule
	}
	s := &Scheduler{
		tcbs:      tcbs,
		mmu:       mmu,
		domains:   make(map[uint8]*domainQueue),
		schedule:  schedule,
		curDomain: schedule[0].Domain,
		domainTicks: schedule[0].Length,
		idle:      idle,
	}
	return s, nil
}

func (s *Scheduler) domain(d uint8) *domainQueue {
	dq, ok := s.domains[d]
	if !ok {
		dq = &domainQueue{}
		s.domains[d] = dq
	}
	return dq
}

// Enqueue places ref (already Restart or Running) onto its domain's
// ready queue at its current priority.
func (s *Scheduler) Enqueue(ref captab.ObjRef) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enqueueLocked(ref)
}

func (s *Scheduler) enqueueLocked(ref captab.ObjRef) {
	tcb := s.tcbs.Get(ref)
	if tcb == nil || tcb.enqueued {
		return
	}
	s.domain(tcb.Domain).push(tcb.Priority, ref)
	tcb.enqueued = true
}

// Dequeue removes ref from its ready queue if present; a no-op
// otherwise (e.g. it is blocked or already running).
func (s *Scheduler) Dequeue(ref captab.ObjRef) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dequeueLocked(ref)
}

func (s *Scheduler) dequeueLocked(ref captab.ObjRef) {
	tcb := s.tcbs.Get(ref)
	if tcb == nil || !tcb.enqueued {
		return
	}
	s.domain(tcb.Domain).remove(tcb.Priority, ref)
	tcb.enqueued = false
}

// PossibleSwitchTo implements spec.md §4.E's "offer possible_switch_to(t)":
// t is made Restart and enqueued; if t belongs to the current domain,
// the current action is still ResumeCurrent, and t outranks the running
// thread (or there is no running thread of t's domain), request the
// handoff instead of merely queuing it for later.
func (s *Scheduler) PossibleSwitchTo(ref captab.ObjRef) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tcb := s.tcbs.Get(ref)
	if tcb == nil {
		return
	}
	tcb.State = Restart
	s.enqueueLocked(ref)
	if tcb.Domain != s.curDomain {
		return
	}
	if s.action != ActionResumeCurrent {
		return
	}
	if !s.hasCurrent {
		s.action = ActionChooseNewThread
		return
	}
	cur := s.tcbs.Get(s.current)
	if cur == nil || cur.Domain != tcb.Domain || tcb.Priority > cur.Priority {
		s.action = ActionSwitchToThread
		s.actionTCB = ref
	}
}

// RequestReschedule asks schedule() to pick a new thread on its next
// call, discarding any pending handoff.
func (s *Scheduler) RequestReschedule() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.action = ActionChooseNewThread
}

// Schedule implements spec.md §4.D's schedule(): resolve the pending
// action into a concrete next thread, without yet performing the
// context switch (ActivateThread does that).
func (s *Scheduler) Schedule() {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.action {
	case ActionResumeCurrent:
		return
	case ActionSwitchToThread:
		s.current = s.actionTCB
		s.hasCurrent = true
	case ActionChooseNewThread:
		s.chooseNewLocked()
	}
	s.action = ActionResumeCurrent
}

func (s *Scheduler) chooseNewLocked() {
	dq := s.domain(s.curDomain)
	if ref, ok := dq.popHighest(); ok {
		if tcb := s.tcbs.Get(ref); tcb != nil {
			tcb.enqueued = false
		}
		s.current = ref
		s.hasCurrent = true
		return
	}
	s.current = s.idle
	s.hasCurrent = true
}

// ActivateThread implements switch_to(t): installs t's vspace (skipping
// the MMU write when the ASID is unchanged from the last activation),
// dequeues it if it was still sitting in a ready queue, sets its state
// Running, and records it as current.
func (s *Scheduler) ActivateThread(asid uint16, rootPaddr uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ref := s.current
	tcb := s.tcbs.Get(ref)
	if tcb == nil {
		return
	}
	s.dequeueLocked(ref)
	if ref != s.idle {
		if !s.curASIDValid || s.curASID != asid {
			s.mmu.SetRoot(asid, rootPaddr)
			s.curASIDValid = true
			s.curASID = asid
		}
		tcb.State = Running
	} else {
		tcb.State = IdleThreadState
		s.curASIDValid = false
	}
}

// Current returns the currently scheduled thread's ref.
func (s *Scheduler) Current() captab.ObjRef {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// HandleTimerTick implements spec.md §4.D's timer-tick handling: advance
// the domain schedule, decrement the current thread's time slice, and
// reschedule on expiry, then drive schedule()/activate via the caller
// (the caller supplies asid/rootPaddr for whichever thread schedule()
// lands on, since vspace lookups live outside this package).
func (s *Scheduler) HandleTimerTick() {
	s.mu.Lock()
	if s.domainTicks > 0 {
		s.domainTicks--
	}
	if s.domainTicks == 0 {
		s.schedIdx = (s.schedIdx + 1) % len(s.schedule)
		next := s.schedule[s.schedIdx]
		s.curDomain = next.Domain
		s.domainTicks = next.Length
		s.action = ActionChooseNewThread
	}
	if s.hasCurrent {
		if tcb := s.tcbs.Get(s.current); tcb != nil && tcb.State == Running {
			if tcb.TimeSlice > 0 {
				tcb.TimeSlice--
			}
			if tcb.TimeSlice == 0 {
				tcb.State = Restart
				s.enqueueLocked(s.current)
				s.action = ActionChooseNewThread
			}
		}
	}
	s.mu.Unlock()
}

// ResetTimeSlice restores tcb's time slice to sliceTicks, as done when a
// thread is (re)started and whenever its slice expires.
func ResetTimeSlice(tcb *TCB, sliceTicks uint64) {
	tcb.TimeSlice = sliceTicks
}

// SetPriority implements spec.md §4.D's set_priority: dequeues t,
// updates its priority, and re-enqueues if runnable; requests a
// reschedule if t is the current thread. The write is gated by
// authority's MCP, matching "Priority/MCP writes are gated by an
// authority TCB cap; the new value must be <= authority.mcp".
func (s *Scheduler) SetPriority(ref captab.ObjRef, authority *TCB, prio uint8) error {
	if authority == nil {
		return ErrInvalidTCB
	}
	if prio > authority.MCP {
		return ErrPriorityAboveMCP
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	tcb := s.tcbs.Get(ref)
	if tcb == nil {
		return ErrInvalidTCB
	}
	wasEnqueued := tcb.enqueued
	if wasEnqueued {
		s.dequeueLocked(ref)
	}
	tcb.Priority = prio
	if wasEnqueued {
		s.enqueueLocked(ref)
	}
	if ref == s.current {
		s.action = ActionChooseNewThread
	}
	return nil
}

// SetMCPriority gates a thread's own max controlled priority the same
// way SetPriority gates Priority: the new value must not exceed the
// authorizing TCB's own MCP.
func (s *Scheduler) SetMCPriority(ref captab.ObjRef, authority *TCB, mcp uint8) error {
	if authority == nil {
		return ErrInvalidTCB
	}
	if mcp > authority.MCP {
		return ErrPriorityAboveMCP
	}
	tcb := s.tcbs.Get(ref)
	if tcb == nil {
		return ErrInvalidTCB
	}
	tcb.MCP = mcp
	return nil
}
