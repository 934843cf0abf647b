/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package zombie

import "github.com/capkernel/capkernel/hal"

// PreemptResult is the outcome of a call into the deletion engine: it
// either completed (None) or hit the configured work budget with an
// IRQ pending and must be resumed later (Preempted). It is kept
// structurally distinct from a Go error and from invoke.SysError — a
// preempted deletion is not a failure, it is unfinished work recorded
// entirely in the CSpace itself (the slot's Zombie cap is the
// continuation).
type PreemptResult uint8

const (
	None PreemptResult = iota
	Preempted
)

// Budget counts work units spent inside the deletion engine and
// decides when to ask the interrupt controller whether a preemption
// point should yield control back to invoke's dispatch loop.
type Budget struct {
	units uint64
	limit uint64
	irqs  hal.InterruptController
}

// NewBudget returns a Budget that polls irqs once every limit work
// units. limit is normally kconfig.KernelConfig.Scheduler.Work_Units_Per_Check.
func NewBudget(limit uint64, irqs hal.InterruptController) *Budget {
	if limit == 0 {
		limit = 1
	}
	return &Budget{limit: limit, irqs: irqs}
}

// Tick records one unit of work and reports whether the caller should
// preempt now.
func (b *Budget) Tick() bool {
	b.units++
	if b.units < b.limit {
		return false
	}
	b.units = 0
	if b.irqs == nil {
		return false
	}
	_, pending := b.irqs.Pending()
	return pending
}
