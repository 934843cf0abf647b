/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package kernel is the glue spec.md §2 describes: the Kernel struct
// wiring cspace/sched/ipc/vspace/zombie/invoke together, and the two
// architecture entry vectors (HandleTrap dispatching to HandleInterrupt
// or HandleSyscall) that every other package in this module builds
// toward but none of them owns. Nothing below reaches into hal's
// concrete implementations directly — Kernel is handed an hal.MMU and
// an hal.InterruptController at construction exactly the way boot.Config
// hands CreateRootserverObjects one, and simboard is what supplies them
// for this module's own tests and demo scenario.
package kernel

import (
	"sync"

	"github.com/google/uuid"

	"github.com/capkernel/capkernel/captab"
	"github.com/capkernel/capkernel/cspace"
	"github.com/capkernel/capkernel/hal"
	"github.com/capkernel/capkernel/invoke"
	"github.com/capkernel/capkernel/ipc"
	"github.com/capkernel/capkernel/kconfig"
	"github.com/capkernel/capkernel/klog"
	"github.com/capkernel/capkernel/sched"
	"github.com/capkernel/capkernel/vspace"
	"github.com/capkernel/capkernel/zombie"
)

// Config bundles everything New needs to assemble a Kernel around the
// already-constructed arenas a board's startup code (ordinarily
// boot.CreateRootserverObjects's caller) owns, plus the board's own
// hal collaborators. Mirrors boot.Config's "board hands over its own
// state, kernel wires it" shape.
type Config struct {
	Objs  *cspace.ObjTable
	TCBs  *sched.Table
	Sched *sched.Scheduler
	IPC   *ipc.Arena

	VSpace *vspace.Arena
	MMU    hal.MMU
	IC     hal.InterruptController

	Logger  *klog.Logger
	KConfig *kconfig.KernelConfig

	// BootID is this boot session's identity, normally copied straight
	// from the boot.Info a prior CreateRootserverObjects call produced
	// (the "boot session id" SPEC_FULL.md's domain stack section names).
	BootID uuid.UUID

	// NumIRQs bounds the IRQControl claim table; NumCores sizes the
	// BigKernelLock's per-core pending-IPI bitmap.
	NumIRQs  uint32
	NumCores int
}

// Kernel is the concrete type spec.md §2 calls "Kernel": it embeds
// invoke.Env (the bundle invoke's decoders are written against) so
// every invoke.* decoder call below reads naturally as k.Objs, k.MMU,
// k.Zombie, ... and adds the state that lives above invoke's layer
// entirely: the boot identity, the fatal-halt logger, and the SMP
// entry lock.
type Kernel struct {
	invoke.Env

	Logger *klog.Logger
	Lock   *BigKernelLock
	BootID uuid.UUID

	buffersMu sync.Mutex
	buffers   map[captab.ObjRef]ipc.Buffer
}

// WithBuffer records buf as ref's IPC-buffer backing for this kernel
// instance, the way a board installs one fake or real buffer per
// thread once its ipc_buffer_vaddr frame is mapped. Safe to call
// repeatedly for the same ref (a thread reconfiguring its IPC buffer).
func (k *Kernel) WithBuffer(ref captab.ObjRef, buf ipc.Buffer) {
	k.buffersMu.Lock()
	defer k.buffersMu.Unlock()
	if k.buffers == nil {
		k.buffers = make(map[captab.ObjRef]ipc.Buffer)
	}
	k.buffers[ref] = buf
}

// New wires a Kernel from cfg. The concrete zombie.Hooks implementation
// (kernelHooks, in hooks.go) is constructed here, closing the
// cspace/zombie <-> ipc/sched/vspace loop zombie.Hooks's doc describes
// — zombie never imports those packages, but kernel, which imports
// everything, can supply the callback.
func New(cfg Config) *Kernel {
	logger := cfg.Logger
	if logger == nil {
		logger = klog.NewDiscard()
	}
	kc := cfg.KConfig
	if kc == nil {
		kc = kconfig.Default()
	}

	numIRQs := cfg.NumIRQs
	if numIRQs == 0 {
		numIRQs = 1024
	}
	cores := cfg.NumCores
	if cores == 0 {
		cores = 1
	}
	irqs := invoke.NewIRQTable(numIRQs)
	irqBinds := invoke.NewIRQBindings()

	hooks := &kernelHooks{
		ipc:   cfg.IPC,
		tcbs:  cfg.TCBs,
		sc:    cfg.Sched,
		vsp:   cfg.VSpace,
		mmu:   cfg.MMU,
		irqs:  irqs,
		binds: irqBinds,
	}
	budget := zombie.NewBudget(kc.Scheduler.Work_Units_Per_Check, cfg.IC)
	engine := zombie.NewEngine(cfg.Objs, hooks, budget)

	inner := &invoke.Kernel{Objs: cfg.Objs, TCBs: cfg.TCBs, Sched: cfg.Sched, IPC: cfg.IPC}
	return &Kernel{
		Env: invoke.Env{
			Kernel:   inner,
			VSpace:   cfg.VSpace,
			MMU:      cfg.MMU,
			IC:       cfg.IC,
			Zombie:   engine,
			IRQs:     irqs,
			IRQBinds: irqBinds,
		},
		Logger: logger,
		Lock:   NewBigKernelLock(cores),
		BootID: cfg.BootID,
	}
}

// bufferFor resolves ref's configured IPC-buffer frame into an
// ipc.Buffer. This kernel models the IPC-buffer frame abstractly (no
// real mapped-memory read/write backs it, since that is exactly the
// arch/board territory spec.md §1 excludes) — simboard's fakeBuffer and
// this package's own tests supply a concrete ipc.Buffer keyed by TCB
// ref through WithBuffer; boards driving real hardware replace this
// with one that reads/writes the mapped frame at the TCB's recorded
// ipc_buffer_vaddr.
func (k *Kernel) bufferFor(ref captab.ObjRef) ipc.Buffer {
	k.buffersMu.Lock()
	defer k.buffersMu.Unlock()
	return k.buffers[ref]
}
