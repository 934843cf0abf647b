/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package ipc

import (
	"github.com/capkernel/capkernel/captab"
	"github.com/capkernel/capkernel/sched"
)

// NotificationState is spec.md §4.E's Idle/Waiting/Active tag.
type NotificationState uint8

const (
	NotifIdle NotificationState = iota
	NotifWaiting
	NotifActive
)

// Bind attaches notifRef to tcbRef as its bound notification (the
// object a BlockedOnReceive can be satisfied from without an
// explicit seL4_Wait on the notification itself). Fails if either
// side is already bound.
func (a *Arena) Bind(notifRef captab.ObjRef, tcbRef captab.ObjRef, tcbs *sched.Table) error {
	n := a.Notification(notifRef)
	if n == nil {
		return ErrInvalidNotification
	}
	tcb := tcbs.Get(tcbRef)
	if tcb == nil {
		return ErrInvalidTCB
	}
	if n.HasBoundTCB || tcb.HasBoundNotification {
		return ErrInvalidState
	}
	n.HasBoundTCB = true
	n.BoundTCB = tcbRef
	tcb.HasBoundNotification = true
	tcb.BoundNotification = notifRef
	return nil
}

// Unbind clears whatever notifRef's current binding is, if any.
func (a *Arena) Unbind(notifRef captab.ObjRef, tcbs *sched.Table) {
	n := a.Notification(notifRef)
	if n == nil || !n.HasBoundTCB {
		return
	}
	if tcb := tcbs.Get(n.BoundTCB); tcb != nil && tcb.BoundNotification == notifRef {
		tcb.HasBoundNotification = false
		tcb.BoundNotification = 0
	}
	n.HasBoundTCB = false
	n.BoundTCB = 0
}

// UnbindAndCancelSignals tears a notification's binding and wakes
// every thread still waiting on it with no payload, as zombie
// deletion requires before the notification object itself is
// reclaimed (spec.md §4.E / §5's deletion hook).
func (a *Arena) UnbindAndCancelSignals(notifRef captab.ObjRef, tcbs *sched.Table, sc *sched.Scheduler) {
	n := a.Notification(notifRef)
	if n == nil {
		return
	}
	a.Unbind(notifRef, tcbs)
	for _, ref := range n.waiters {
		if tcb := tcbs.Get(ref); tcb != nil && tcb.State == sched.BlockedOnNotification {
			tcb.State = sched.Restart
			tcb.HasBlockingObject = false
			sc.PossibleSwitchTo(ref)
		}
	}
	n.waiters = nil
	n.State = NotifIdle
	n.MsgIdentifier = 0
}

// Signal implements spec.md §4.E's notification send: word-wise OR
// onto Active if nobody is receiving, direct wake of a bound TCB
// blocked on receive, or wake of the head of the notification's own
// waiter queue.
func (a *Arena) Signal(notifRef captab.ObjRef, badge uint64, tcbs *sched.Table, sc *sched.Scheduler) error {
	n := a.Notification(notifRef)
	if n == nil {
		return ErrInvalidNotification
	}

	if n.HasBoundTCB {
		if tcb := tcbs.Get(n.BoundTCB); tcb != nil && tcb.State == sched.BlockedOnReceive {
			tcb.State = sched.Running
			tcb.HasBlockingObject = false
			sc.PossibleSwitchTo(n.BoundTCB)
			return nil
		}
	}

	switch n.State {
	case NotifIdle, NotifActive:
		n.MsgIdentifier |= badge
		n.State = NotifActive
		return nil
	case NotifWaiting:
		if len(n.waiters) == 0 {
			n.State = NotifIdle
			return a.Signal(notifRef, badge, tcbs, sc)
		}
		head := n.waiters[0]
		n.waiters = n.waiters[1:]
		if len(n.waiters) == 0 {
			n.State = NotifIdle
		}
		if tcb := tcbs.Get(head); tcb != nil {
			tcb.State = sched.Restart
			tcb.HasBlockingObject = false
			sc.PossibleSwitchTo(head)
		}
		return nil
	}
	return nil
}

// Wait implements a direct seL4_Wait on the notification object
// itself (as opposed to being satisfied through a bound receive).
func (a *Arena) Wait(notifRef captab.ObjRef, tcbRef captab.ObjRef, tcbs *sched.Table, sc *sched.Scheduler, buf Buffer) error {
	n := a.Notification(notifRef)
	if n == nil {
		return ErrInvalidNotification
	}
	tcb := tcbs.Get(tcbRef)
	if tcb == nil {
		return ErrInvalidTCB
	}
	if n.State == NotifActive {
		if buf != nil {
			buf.SetWord(0, n.MsgIdentifier)
		}
		n.State = NotifIdle
		n.MsgIdentifier = 0
		tcb.State = sched.Running
		return nil
	}
	tcb.State = sched.BlockedOnNotification
	tcb.HasBlockingObject = true
	tcb.BlockingObject = notifRef
	sc.Dequeue(tcbRef)
	n.State = NotifWaiting
	n.waiters = append(n.waiters, tcbRef)
	return nil
}
