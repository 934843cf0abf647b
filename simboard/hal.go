/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package simboard provides the fakes that let the rest of this module
// be built and driven without real hardware: a software console, MMU,
// interrupt controller, and timer implementing hal's four interfaces,
// plus a Board assembling them into a running kernel.Kernel the way a
// real arch port's early-boot assembly would. This is the same split
// gravwell draws between its ingest-pipeline core and each
// backend-specific *Ingester — hal is the interface every board
// targets, simboard is the one backend that targets no physical board
// at all.
package simboard

import (
	"sync"

	"github.com/capkernel/capkernel/hal"
)

// Console is an in-memory hal.Console: PutChar appends to Out, GetChar
// pops from a caller-fed input queue. Good enough to drive a root
// task's printf-to-UART path in a test without any real serial device.
type Console struct {
	mu  sync.Mutex
	Out []byte
	in  []byte
}

func NewConsole() *Console { return &Console{} }

func (c *Console) PutChar(b byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Out = append(c.Out, b)
}

func (c *Console) GetChar() (byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.in) == 0 {
		return 0, false
	}
	b := c.in[0]
	c.in = c.in[1:]
	return b, true
}

// Feed queues bytes for a future GetChar, simulating input arriving at
// the board's UART.
func (c *Console) Feed(b []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.in = append(c.in, b...)
}

var _ hal.Console = (*Console)(nil)

// MMU is a software stand-in for hal.MMU: it records the last root set
// per ASID and every flush, but has no actual page tables to walk —
// vspace.Arena already models the mapping structure in software, so
// this fake only needs to observe what the kernel told the hardware to
// do, the same division invoke/invoke_test.go's fakeMMU draws.
type MMU struct {
	mu          sync.Mutex
	Roots       map[uint16]uint64
	FlushCount  int
	PageFlushes []uint64
}

func NewMMU() *MMU { return &MMU{Roots: make(map[uint16]uint64)} }

func (m *MMU) SetRoot(asid uint16, rootPaddr uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Roots[asid] = rootPaddr
}

func (m *MMU) FlushTLB(asid uint16) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.FlushCount++
}

func (m *MMU) FlushTLBPage(asid uint16, vaddr uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.PageFlushes = append(m.PageFlushes, vaddr)
}

func (m *MMU) CleanInvalidateCache(vaddr, size uint64) {}

var _ hal.MMU = (*MMU)(nil)

// InterruptController is a software interrupt controller: lines are
// raised by test/demo code calling Raise, Pending drains them in FIFO
// order the way a real PLIC/GIC's claim register would, and Ack/Enable/
// Disable just record what the kernel did so a scenario can assert on
// it.
type InterruptController struct {
	mu      sync.Mutex
	enabled map[uint32]bool
	pending []uint32
	acked   []uint32
}

func NewInterruptController() *InterruptController {
	return &InterruptController{enabled: make(map[uint32]bool)}
}

func (ic *InterruptController) Enable(irq uint32) {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	ic.enabled[irq] = true
}

func (ic *InterruptController) Disable(irq uint32) {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	ic.enabled[irq] = false
}

func (ic *InterruptController) Ack(irq uint32) {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	ic.acked = append(ic.acked, irq)
}

func (ic *InterruptController) Pending() (uint32, bool) {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	if len(ic.pending) == 0 {
		return 0, false
	}
	irq := ic.pending[0]
	ic.pending = ic.pending[1:]
	return irq, true
}

// Raise simulates a physical interrupt line firing, for a demo/test to
// call before driving the kernel's HandleTrap(TrapInterrupt) vector.
func (ic *InterruptController) Raise(irq uint32) {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	ic.pending = append(ic.pending, irq)
}

func (ic *InterruptController) Acked() []uint32 {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	out := make([]uint32, len(ic.acked))
	copy(out, ic.acked)
	return out
}

var _ hal.InterruptController = (*InterruptController)(nil)

// Timer is a software clock: Now returns a tick counter the demo/test
// advances explicitly with Advance, rather than reading real wall-clock
// time — scenario tests need deterministic ticks, not real deadlines.
type Timer struct {
	mu       sync.Mutex
	now      uint64
	deadline uint64
	freq     uint64
}

// NewTimer builds a Timer ticking at freqHz, the unit hal.TicksFromDuration
// converts a time.Duration against.
func NewTimer(freqHz uint64) *Timer {
	if freqHz == 0 {
		freqHz = 1_000_000
	}
	return &Timer{freq: freqHz}
}

func (t *Timer) Now() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.now
}

func (t *Timer) SetDeadline(ticks uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.deadline = ticks
}

func (t *Timer) Frequency() uint64 { return t.freq }

// Advance moves the clock forward by ticks, simulating the board's
// timer hardware counting up between traps.
func (t *Timer) Advance(ticks uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.now += ticks
}

// DeadlinePassed reports whether Now has reached the last deadline a
// kernel timeout set via SetDeadline.
func (t *Timer) DeadlinePassed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.now >= t.deadline
}

var _ hal.Timer = (*Timer)(nil)
