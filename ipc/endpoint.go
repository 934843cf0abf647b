/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package ipc

import (
	"errors"
	"sync"

	"github.com/capkernel/capkernel/captab"
	"github.com/capkernel/capkernel/cspace"
	"github.com/capkernel/capkernel/sched"
)

var (
	ErrInvalidEndpoint     = errors.New("invalid endpoint reference")
	ErrInvalidNotification = errors.New("invalid notification reference")
	ErrInvalidCapability   = errors.New("capability is not the expected kind")
	ErrInvalidState        = errors.New("tcb is not in the expected state for this operation")
)

// EndpointState is spec.md §4.E's Idle/Send/Recv tag: an endpoint holds
// waiting senders xor waiting receivers, never both.
type EndpointState uint8

const (
	EPIdle EndpointState = iota
	EPSend
	EPRecv
)

type sendWaiter struct {
	tcb    captab.ObjRef
	msg    Message
	params SendParams
}

type recvWaiter struct {
	tcb captab.ObjRef
	buf Buffer
}

// Endpoint is spec.md §4.E's rendezvous object.
type Endpoint struct {
	State     EndpointState
	senders   []sendWaiter
	receivers []recvWaiter
}

// Notification is spec.md §4.E's signal-coalescing object.
type Notification struct {
	State         NotificationState
	MsgIdentifier uint64
	HasBoundTCB   bool
	BoundTCB      captab.ObjRef
	waiters       []captab.ObjRef
}

// Arena is the endpoint/notification object store, addressed by
// captab.ObjRef the same way cspace.ObjTable and vspace.Arena are.
type Arena struct {
	mu            sync.Mutex
	endpoints     []*Endpoint
	notifications []*Notification
}

func NewArena() *Arena {
	return &Arena{
		endpoints:     make([]*Endpoint, 1),
		notifications: make([]*Notification, 1),
	}
}

func (a *Arena) AllocEndpoint() captab.ObjRef {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.endpoints = append(a.endpoints, &Endpoint{})
	return captab.ObjRef(len(a.endpoints) - 1)
}

func (a *Arena) AllocNotification() captab.ObjRef {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.notifications = append(a.notifications, &Notification{})
	return captab.ObjRef(len(a.notifications) - 1)
}

func (a *Arena) Endpoint(ref captab.ObjRef) *Endpoint {
	a.mu.Lock()
	defer a.mu.Unlock()
	if ref == 0 || int(ref) >= len(a.endpoints) {
		return nil
	}
	return a.endpoints[ref]
}

func (a *Arena) Notification(ref captab.ObjRef) *Notification {
	a.mu.Lock()
	defer a.mu.Unlock()
	if ref == 0 || int(ref) >= len(a.notifications) {
		return nil
	}
	return a.notifications[ref]
}

// SendParams are the per-invocation flags spec.md §4.E's endpoint send
// takes, independent of the endpoint object's own state.
type SendParams struct {
	Blocking      bool
	DoCall        bool
	CanGrant      bool
	CanGrantReply bool
	Badge         uint32
}

// Send implements spec.md §4.E's endpoint send.
func (a *Arena) Send(epRef captab.ObjRef, senderRef captab.ObjRef, tcbs *sched.Table, sc *sched.Scheduler, objs *cspace.ObjTable, params SendParams, msg Message) error {
	ep := a.Endpoint(epRef)
	if ep == nil {
		return ErrInvalidEndpoint
	}
	sender := tcbs.Get(senderRef)
	if sender == nil {
		return ErrInvalidTCB
	}

	switch ep.State {
	case EPIdle, EPSend:
		if !params.Blocking {
			return nil // non-blocking send with nobody receiving: dropped
		}
		sender.State = sched.BlockedOnSend
		sender.HasBlockingObject = true
		sender.BlockingObject = epRef
		sender.BlockingIPCBadge = uint64(params.Badge)
		sender.BlockingIPCCanGrant = params.CanGrant
		sender.BlockingIPCCanGrantReply = params.CanGrantReply
		sender.BlockingIPCDoCall = params.DoCall
		sc.Dequeue(senderRef)
		ep.State = EPSend
		ep.senders = append(ep.senders, sendWaiter{tcb: senderRef, msg: msg, params: params})
		return nil
	case EPRecv:
		if len(ep.receivers) == 0 {
			ep.State = EPIdle
			return a.Send(epRef, senderRef, tcbs, sc, objs, params, msg)
		}
		head := ep.receivers[0]
		ep.receivers = ep.receivers[1:]
		if len(ep.receivers) == 0 {
			ep.State = EPIdle
		}
		receiver := tcbs.Get(head.tcb)
		if receiver == nil {
			return ErrInvalidTCB
		}
		transfer(objs, msg, params.CanGrant, epRef, false, head.buf)

		// sender is the currently-executing thread (this send completed
		// synchronously, without ever blocking): a Call leaves it
		// parked on the reply it is about to receive, a plain Send
		// leaves it Running exactly as it was.
		if params.DoCall && (params.CanGrant || params.CanGrantReply) {
			replyCap := captab.NewReplyCap(senderRef, params.CanGrant, false)
			callerSlot := sched.CapSlot(receiver, sched.SlotCaller)
			masterSlot := sched.CapSlot(sender, sched.SlotReplyMaster)
			if err := objs.Insert(replyCap, masterSlot, callerSlot); err != nil {
				sender.State = sched.Inactive
			} else {
				sender.State = sched.BlockedOnReply
			}
		}
		// receiver was dequeued when it blocked; wake and reschedule.
		receiver.State = sched.Restart
		sc.PossibleSwitchTo(head.tcb)
		return nil
	}
	return nil
}

// Receive implements spec.md §4.E's endpoint receive, with the
// pre-step of checking a bound notification's Active state first.
func (a *Arena) Receive(epRef captab.ObjRef, receiverRef captab.ObjRef, tcbs *sched.Table, sc *sched.Scheduler, objs *cspace.ObjTable, notifs *Arena, buf Buffer) error {
	receiver := tcbs.Get(receiverRef)
	if receiver == nil {
		return ErrInvalidTCB
	}
	if receiver.HasBoundNotification {
		if n := notifs.Notification(receiver.BoundNotification); n != nil && n.State == NotifActive {
			if buf != nil {
				buf.SetWord(0, n.MsgIdentifier)
			}
			n.State = NotifIdle
			n.MsgIdentifier = 0
			receiver.State = sched.Running
			return nil
		}
	}

	ep := a.Endpoint(epRef)
	if ep == nil {
		return ErrInvalidEndpoint
	}
	switch ep.State {
	case EPIdle, EPRecv:
		receiver.State = sched.BlockedOnReceive
		receiver.HasBlockingObject = true
		receiver.BlockingObject = epRef
		sc.Dequeue(receiverRef)
		ep.State = EPRecv
		ep.receivers = append(ep.receivers, recvWaiter{tcb: receiverRef, buf: buf})
		return nil
	case EPSend:
		if len(ep.senders) == 0 {
			ep.State = EPIdle
			return a.Receive(epRef, receiverRef, tcbs, sc, objs, notifs, buf)
		}
		head := ep.senders[0]
		ep.senders = ep.senders[1:]
		if len(ep.senders) == 0 {
			ep.State = EPIdle
		}
		sender := tcbs.Get(head.tcb)
		if sender == nil {
			return ErrInvalidTCB
		}
		transfer(objs, head.msg, head.params.CanGrant, epRef, false, buf)
		receiver.State = sched.Running

		// sender was dequeued when it blocked waiting to send. A Call
		// leaves it parked on the reply; a plain Send has nothing left
		// to wait for and must be woken and re-enqueued, since unlike
		// the symmetric case above it is not the thread currently
		// executing this syscall.
		if head.params.DoCall && (head.params.CanGrant || head.params.CanGrantReply) {
			replyCap := captab.NewReplyCap(head.tcb, head.params.CanGrant, false)
			callerSlot := sched.CapSlot(receiver, sched.SlotCaller)
			masterSlot := sched.CapSlot(sender, sched.SlotReplyMaster)
			if err := objs.Insert(replyCap, masterSlot, callerSlot); err != nil {
				sender.State = sched.Inactive
			} else {
				sender.State = sched.BlockedOnReply
			}
			return nil
		}
		sender.State = sched.Restart
		sc.PossibleSwitchTo(head.tcb)
		return nil
	}
	return nil
}

var ErrInvalidTCB = errors.New("invalid tcb reference")
