/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package simboard

import (
	"errors"

	"github.com/google/uuid"

	"github.com/capkernel/capkernel/boot"
	"github.com/capkernel/capkernel/captab"
	"github.com/capkernel/capkernel/cspace"
	"github.com/capkernel/capkernel/ipc"
	"github.com/capkernel/capkernel/kconfig"
	"github.com/capkernel/capkernel/kernel"
	"github.com/capkernel/capkernel/klog"
	"github.com/capkernel/capkernel/sched"
	"github.com/capkernel/capkernel/vspace"
)

// ErrIRQAlreadyClaimed is IRQBind's refusal to rebind a line the board
// (or an earlier irq_control.Get) already claimed.
var ErrIRQAlreadyClaimed = errors.New("simboard: irq already claimed")

// Board is the software machine a real RISC-V64/AArch64 port's
// early-boot assembly would hand off to: the cspace/sched/ipc/vspace
// arenas, the fake hal collaborators from hal.go, and the kernel.Kernel
// CreateRootserverObjects and kernel.New assembled it into. Building
// one gives the runnable demonstration that kernel actually dispatches
// a trap end to end.
type Board struct {
	Objs  *cspace.ObjTable
	TCBs  *sched.Table
	Sched *sched.Scheduler
	IPC   *ipc.Arena
	VSpace *vspace.Arena

	Console *Console
	MMU     *MMU
	IC      *InterruptController
	Timer   *Timer

	Logger *klog.Logger
	KConfig *kconfig.KernelConfig

	Kernel *kernel.Kernel
	Root   *boot.Rootserver

	// Buffers indexes every IPCBuffer NewThread installed, by TCB ref,
	// so demo/test code can read back what a scenario's Recv/Call
	// delivered without reaching into kernel's unexported bufferFor.
	Buffers map[captab.ObjRef]*IPCBuffer
}

// New boots a Board: it constructs every software arena, an idle
// thread, the fixed rootserver object graph (boot.CreateRootserverObjects),
// and wires them into a kernel.Kernel — the same sequence a board's
// reset vector, MMU-off init code, and then the root task's own
// bootstrap would run on real hardware, entirely in software.
func New(logger *klog.Logger) (*Board, error) {
	if logger == nil {
		logger = klog.NewDiscard()
	}
	kc := kconfig.Default()

	objs := cspace.NewObjTable()
	tcbs := sched.NewTable(objs)
	idle := tcbs.Alloc()
	tcbs.Get(idle).State = sched.IdleThreadState

	mmu := NewMMU()
	ic := NewInterruptController()
	timer := NewTimer(1_000_000)
	console := NewConsole()

	domains, err := kc.DomainSchedule()
	if err != nil {
		return nil, err
	}
	sc, err := sched.New(tcbs, mmu, domains, idle)
	if err != nil {
		return nil, err
	}

	arena := ipc.NewArena()
	vsp := vspace.NewArena()

	bootCfg := boot.Config{
		NodeID:             0,
		NumNodes:           1,
		InitialDomain:      0,
		IPCBufferVaddr:     0x10_0000,
		BootInfoVaddr:      0x10_1000,
		UserImageVaddrBase: 0x40_0000,
		UserImageFrames:    4,
		Free: []boot.Region{
			{Start: 0x1000_0000, End: 0x2000_0000},
		},
	}
	root, err := boot.CreateRootserverObjects(kc, objs, tcbs, sc, vsp, mmu, logger, bootCfg)
	if err != nil {
		return nil, err
	}

	k := kernel.New(kernel.Config{
		Objs:     objs,
		TCBs:     tcbs,
		Sched:    sc,
		IPC:      arena,
		VSpace:   vsp,
		MMU:      mmu,
		IC:       ic,
		Logger:   logger,
		KConfig:  kc,
		BootID:   root.Info.BootID,
		NumIRQs:  1024,
		NumCores: 1,
	})
	rootBuf := NewIPCBuffer()
	k.WithBuffer(root.InitTCB, rootBuf)

	return &Board{
		Objs: objs, TCBs: tcbs, Sched: sc, IPC: arena, VSpace: vsp,
		Console: console, MMU: mmu, IC: ic, Timer: timer,
		Logger: logger, KConfig: kc,
		Kernel: k, Root: root,
		Buffers: map[captab.ObjRef]*IPCBuffer{root.InitTCB: rootBuf},
	}, nil
}

// NewThread allocates a fresh TCB, stores cspaceRoot/vspaceRoot into
// its fixed slots with cspace.ObjTable.SetCap (no MDB link is made to
// wherever they came from), installs a fresh IPCBuffer for it, and leaves it
// Inactive (a TCBResume invocation starts it, mirroring how the root
// task brings up every other thread in the system).
func (b *Board) NewThread(cspaceRoot, vspaceRoot captab.Cap) (captab.ObjRef, error) {
	ref := b.TCBs.Alloc()
	tcb := b.TCBs.Get(ref)

	croot := cspace.Slot{CNode: tcb.CapSlots, Index: sched.SlotCSpaceRoot}
	vroot := cspace.Slot{CNode: tcb.CapSlots, Index: sched.SlotVSpaceRoot}
	if err := b.Objs.SetCap(croot, cspaceRoot); err != nil {
		return 0, err
	}
	if err := b.Objs.SetCap(vroot, vspaceRoot); err != nil {
		return 0, err
	}

	buf := NewIPCBuffer()
	b.Kernel.WithBuffer(ref, buf)
	b.Buffers[ref] = buf
	return ref, nil
}

// IRQBind claims irq directly against the board's IRQ table, binds it
// to notifRef, and enables the line on the interrupt controller. A real
// caller reaches this state through irq_control.Get followed by
// irq_handler.SetNotification (invoke.IRQControlGet/IRQHandlerSetNotification);
// this shortcut skips that capability dance for demo/test setup.
func (b *Board) IRQBind(irq uint32, notifRef captab.ObjRef) error {
	if !b.Kernel.IRQs.Claim(irq) {
		return ErrIRQAlreadyClaimed
	}
	b.Kernel.IRQBinds.Set(irq, notifRef)
	b.IC.Enable(irq)
	return nil
}

// RootCNodeCap returns a fresh derived copy of the rootserver's own
// CNode capability, for tests that want to address slots in it
// directly rather than through a thread's fixed CSpace root.
func (b *Board) RootCNodeCap() (captab.Cap, error) {
	return b.Objs.Derive(cspace.Slot{CNode: b.Root.RootCNode, Index: boot.SlotInitThreadCNode})
}

// NewBootID is a convenience for demo code that wants a fresh boot
// identity distinct from the one CreateRootserverObjects already
// assigned (e.g. simulating a second node joining the system).
func NewBootID() uuid.UUID { return uuid.New() }
