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

// CancelAllIPC empties an endpoint's sender and receiver queues,
// restarting every waiter with no message transferred. This is the
// zombie.Hooks callback invoked when the last capability to an
// endpoint is deleted (spec.md §4.E/§5): threads blocked on an
// endpoint that is about to disappear must not be left parked forever.
func CancelAllIPC(epRef captab.ObjRef, a *Arena, tcbs *sched.Table, sc *sched.Scheduler) {
	ep := a.Endpoint(epRef)
	if ep == nil {
		return
	}
	for _, w := range ep.senders {
		wake(tcbs, sc, w.tcb)
	}
	for _, w := range ep.receivers {
		wake(tcbs, sc, w.tcb)
	}
	ep.senders = nil
	ep.receivers = nil
	ep.State = EPIdle
}

func wake(tcbs *sched.Table, sc *sched.Scheduler, ref captab.ObjRef) {
	tcb := tcbs.Get(ref)
	if tcb == nil {
		return
	}
	tcb.State = sched.Restart
	tcb.HasBlockingObject = false
	sc.PossibleSwitchTo(ref)
}

// CancelBadgedSends restarts only the senders in epRef's queue whose
// stored badge matches badge, leaving every other waiter (including
// all receivers) untouched. Used when a badged endpoint capability
// specifically is revoked rather than the endpoint object itself
// being deleted.
func CancelBadgedSends(epRef captab.ObjRef, badge uint64, a *Arena, tcbs *sched.Table, sc *sched.Scheduler) {
	ep := a.Endpoint(epRef)
	if ep == nil || ep.State != EPSend {
		return
	}
	kept := ep.senders[:0]
	for _, w := range ep.senders {
		if w.params.Badge == uint32(badge) {
			wake(tcbs, sc, w.tcb)
			continue
		}
		kept = append(kept, w)
	}
	ep.senders = kept
	if len(ep.senders) == 0 {
		ep.State = EPIdle
	}
}
