/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package hal names the narrow contract between the kernel's core
// subsystems and everything that is board- or architecture-specific:
// the console UART, the interrupt controller, the MMU/cache ops, and
// the timer. Every core package (sched, vspace, invoke, kernel) talks
// to these interfaces only; nothing in the kernel core imports an
// arch-specific or board-specific package directly. simboard provides
// the fakes that let the rest of the module be built and tested
// without real hardware, the same split gravwell draws between its
// ingest-pipeline core and each backend-specific *Ingester.
package hal

import "time"

// Arch identifies the target instruction-set family. vspace uses it to
// parameterize the one page-table walker instead of keeping dead
// per-arch stub functions around.
type Arch uint8

const (
	ArchRISCV64 Arch = iota
	ArchAArch64
)

func (a Arch) String() string {
	switch a {
	case ArchRISCV64:
		return "riscv64"
	case ArchAArch64:
		return "aarch64"
	default:
		return "unknown"
	}
}

// Console is the kernel's serial output/input device. PutChar must be
// safe to call with interrupts disabled and must not block forever;
// boards back it with a polled UART.
type Console interface {
	PutChar(b byte)
	// GetChar returns a byte and true if one is pending, else false.
	GetChar() (byte, bool)
}

// InterruptController is the board's PLIC (RISC-V) or GIC (AArch64)
// abstraction: enough surface for IRQHandler caps to claim, mask, and
// acknowledge a line.
type InterruptController interface {
	Enable(irq uint32)
	Disable(irq uint32)
	Ack(irq uint32)
	// Pending returns the highest-priority pending IRQ and true, or
	// false if none is pending.
	Pending() (uint32, bool)
}

// MMU is the architecture's page-table-root and TLB/cache maintenance
// surface. vspace never pokes satp/TTBR0 or issues cache instructions
// directly; it always goes through this interface.
type MMU interface {
	// SetRoot installs asid's top-level table at physical address root
	// as the active translation for the core SetRoot is called on.
	SetRoot(asid uint16, rootPaddr uint64)
	// FlushTLB invalidates cached translations for asid; asid 0 means
	// "all address spaces" (used when tearing down a whole VSpace).
	FlushTLB(asid uint16)
	// FlushTLBPage invalidates the single mapping for vaddr in asid.
	FlushTLBPage(asid uint16, vaddr uint64)
	// CleanInvalidateCache performs a combined clean+invalidate over
	// [vaddr, vaddr+size), the cache-maintenance primitive
	// invoke.VMCacheMaintenance lowers onto.
	CleanInvalidateCache(vaddr, size uint64)
}

// Timer is the board's periodic or one-shot tick source driving
// preemption and time-slice accounting.
type Timer interface {
	// Now returns a monotonically increasing tick count.
	Now() uint64
	// SetDeadline arms the timer to fire once no later than ticks from
	// now; firing delivers a timer interrupt through InterruptController.
	SetDeadline(ticks uint64)
	// Frequency returns ticks-per-second, for converting a
	// kconfig.KernelConfig time slice (milliseconds) into ticks.
	Frequency() uint64
}

// TicksFromDuration converts a wall-clock duration to a tick count at
// the timer's frequency, rounding up so a requested slice is never
// shorter than asked.
func TicksFromDuration(t Timer, d time.Duration) uint64 {
	freq := t.Frequency()
	if freq == 0 {
		return 0
	}
	ns := uint64(d.Nanoseconds())
	ticks := ns * freq / uint64(time.Second)
	if ns*freq%uint64(time.Second) != 0 {
		ticks++
	}
	return ticks
}
