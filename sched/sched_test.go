/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package sched

import (
	"testing"

	"github.com/capkernel/capkernel/captab"
	"github.com/capkernel/capkernel/cspace"
	"github.com/capkernel/capkernel/kconfig"
)

type fakeMMU struct {
	roots []uint16
}

func (m *fakeMMU) SetRoot(asid uint16, rootPaddr uint64)   { m.roots = append(m.roots, asid) }
func (m *fakeMMU) FlushTLB(asid uint16)                    {}
func (m *fakeMMU) FlushTLBPage(asid uint16, vaddr uint64)  {}
func (m *fakeMMU) CleanInvalidateCache(vaddr, size uint64) {}

func newFixture(t *testing.T) (*Table, *Scheduler, captab.ObjRef) {
	t.Helper()
	objs := cspace.NewObjTable()
	tbl := NewTable(objs)
	idle := tbl.Alloc()
	tbl.Get(idle).State = IdleThreadState
	sched, err := New(tbl, &fakeMMU{}, []kconfig.DomainScheduleEntry{{Domain: 0, Length: 5}}, idle)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return tbl, sched, idle
}

func TestChooseNewFallsBackToIdleWhenQueueEmpty(t *testing.T) {
	_, s, idle := newFixture(t)
	s.RequestReschedule()
	s.Schedule()
	if s.Current() != idle {
		t.Fatalf("expected idle thread when no other thread is runnable")
	}
}

func TestHighestPriorityThreadIsChosenFirst(t *testing.T) {
	tbl, s, _ := newFixture(t)

	low := tbl.Alloc()
	tbl.Get(low).State = Restart
	tbl.Get(low).Priority = 10
	s.Enqueue(low)

	high := tbl.Alloc()
	tbl.Get(high).State = Restart
	tbl.Get(high).Priority = 200
	s.Enqueue(high)

	s.RequestReschedule()
	s.Schedule()
	if s.Current() != high {
		t.Fatalf("expected the higher-priority thread to be chosen")
	}
}

func TestActivateThreadDequeuesAndSwitchesRoot(t *testing.T) {
	tbl, s, _ := newFixture(t)
	th := tbl.Alloc()
	tbl.Get(th).State = Restart
	tbl.Get(th).Priority = 5
	s.Enqueue(th)

	s.RequestReschedule()
	s.Schedule()
	s.ActivateThread(7, 0x1000)

	if tbl.Get(th).State != Running {
		t.Fatalf("got %v want Running", tbl.Get(th).State)
	}
	if tbl.Get(th).enqueued {
		t.Fatal("activated thread should no longer be sitting in a ready queue")
	}
	if roots := s.mmu.(*fakeMMU).roots; len(roots) != 1 || roots[0] != 7 {
		t.Fatalf("expected one SetRoot for asid 7, got %v", roots)
	}
}

func TestTimeSliceExpiryRequestsReschedule(t *testing.T) {
	tbl, s, _ := newFixture(t)
	a := tbl.Alloc()
	tbl.Get(a).State = Restart
	tbl.Get(a).Priority = 5
	s.Enqueue(a)
	s.RequestReschedule()
	s.Schedule()
	s.ActivateThread(1, 0)
	ResetTimeSlice(tbl.Get(a), 1)

	s.HandleTimerTick()
	if tbl.Get(a).State != Restart {
		t.Fatalf("thread should be back in Restart once its slice hits zero, got %v", tbl.Get(a).State)
	}
	if !tbl.Get(a).enqueued {
		t.Fatal("expired thread should be back on the ready queue")
	}
}

func TestDomainScheduleAdvancesOnExpiry(t *testing.T) {
	objs := cspace.NewObjTable()
	tbl := NewTable(objs)
	idle := tbl.Alloc()
	sched := []kconfig.DomainScheduleEntry{{Domain: 0, Length: 1}, {Domain: 1, Length: 5}}
	s, err := New(tbl, &fakeMMU{}, sched, idle)
	if err != nil {
		t.Fatal(err)
	}
	s.HandleTimerTick()
	if s.curDomain != 1 {
		t.Fatalf("got domain %d want 1", s.curDomain)
	}
}

func TestSetPriorityRejectsAboveMCP(t *testing.T) {
	tbl, s, _ := newFixture(t)
	th := tbl.Alloc()
	authority := tbl.Get(th)
	authority.MCP = 50

	target := tbl.Alloc()
	if err := s.SetPriority(target, authority, 51); err != ErrPriorityAboveMCP {
		t.Fatalf("got %v want ErrPriorityAboveMCP", err)
	}
	if err := s.SetPriority(target, authority, 50); err != nil {
		t.Fatalf("priority == mcp should be allowed: %v", err)
	}
}

func TestPossibleSwitchToRequestsHandoffForHigherPriority(t *testing.T) {
	tbl, s, _ := newFixture(t)

	cur := tbl.Alloc()
	tbl.Get(cur).State = Restart
	tbl.Get(cur).Priority = 10
	s.Enqueue(cur)
	s.RequestReschedule()
	s.Schedule()
	s.ActivateThread(1, 0)

	donee := tbl.Alloc()
	tbl.Get(donee).Priority = 20
	s.PossibleSwitchTo(donee)

	if s.action != ActionSwitchToThread || s.actionTCB != donee {
		t.Fatalf("expected a handoff to the higher-priority donee")
	}
}

func TestPossibleSwitchToJustQueuesLowerPriority(t *testing.T) {
	tbl, s, _ := newFixture(t)

	cur := tbl.Alloc()
	tbl.Get(cur).State = Restart
	tbl.Get(cur).Priority = 50
	s.Enqueue(cur)
	s.RequestReschedule()
	s.Schedule()
	s.ActivateThread(1, 0)

	other := tbl.Alloc()
	tbl.Get(other).Priority = 5
	s.PossibleSwitchTo(other)

	if s.action != ActionResumeCurrent {
		t.Fatalf("a lower-priority thread should not preempt the current handoff state")
	}
	if !tbl.Get(other).enqueued {
		t.Fatal("the lower-priority thread should still be enqueued for later")
	}
}
