/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package sched is the TCB object model and the per-CPU scheduler: the
// thread state machine, the priority-bitmap ready queues, and the
// fixed domain schedule. Grounded on cspace's arena-plus-handle style
// (a TCB is addressed by a small captab.ObjRef into a Table, not a
// pointer) and on the teacher's sentinel-error convention.
package sched

// State is a thread's position in spec.md §4.D's state machine.
type State uint8

const (
	Inactive State = iota
	Restart
	Running
	BlockedOnSend
	BlockedOnReceive
	BlockedOnNotification
	BlockedOnReply
	IdleThreadState
)

func (s State) String() string {
	switch s {
	case Inactive:
		return "Inactive"
	case Restart:
		return "Restart"
	case Running:
		return "Running"
	case BlockedOnSend:
		return "BlockedOnSend"
	case BlockedOnReceive:
		return "BlockedOnReceive"
	case BlockedOnNotification:
		return "BlockedOnNotification"
	case BlockedOnReply:
		return "BlockedOnReply"
	case IdleThreadState:
		return "IdleThreadState"
	default:
		return "Unknown"
	}
}

// Runnable reports whether a thread in this state belongs in a ready
// queue waiting for the scheduler to pick it.
func (s State) Runnable() bool {
	return s == Restart || s == Running
}
