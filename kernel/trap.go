/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package kernel

import (
	"github.com/capkernel/capkernel/captab"
	"github.com/capkernel/capkernel/cspace"
	"github.com/capkernel/capkernel/invoke"
	"github.com/capkernel/capkernel/ipc"
	"github.com/capkernel/capkernel/sched"
)

func syscallErr(e invoke.SysError) invoke.Outcome {
	return invoke.Outcome{Result: invoke.ResultSyscallError, Err: e}
}

// TrapKind distinguishes the two architecture entry vectors spec.md §6
// names: a synchronous syscall trap and an asynchronous external
// interrupt. A board's arch-specific trap handler (outside this
// module's scope — it lives in the assembly vector table a real
// RISC-V64/AArch64 port supplies) decodes which one fired and builds
// the matching Trap value; simboard's demo drives HandleTrap directly
// instead of through real trap hardware.
type TrapKind uint8

const (
	TrapSyscall TrapKind = iota
	TrapInterrupt
)

// Trap bundles one entry's kind and payload: CallerRef identifies
// which thread trapped (for TrapSyscall) and IRQ names which line
// fired (for TrapInterrupt).
type Trap struct {
	Kind      TrapKind
	CallerRef captab.ObjRef
	Regs      Registers
	IRQ       uint32
}

// HandleTrap is the single entry vector every arch backend funnels
// into once it has saved the trapping thread's register file: acquire
// the big kernel lock, dispatch by kind, release, return whatever
// HandleSyscall decided (a no-op Outcome for an interrupt, since
// nothing replies to hardware).
func (k *Kernel) HandleTrap(core int, t Trap) invoke.Outcome {
	k.Lock.Acquire(core)
	defer k.Lock.Release(core)

	switch t.Kind {
	case TrapInterrupt:
		k.HandleInterrupt(t.IRQ)
		return invoke.Outcome{Result: invoke.ResultNone}
	case TrapSyscall:
		return k.HandleSyscall(t.CallerRef, t.Regs)
	default:
		k.Halt("HandleTrap: unknown TrapKind, arch backend built an invalid Trap value")
		return invoke.Outcome{}
	}
}

// HandleInterrupt is the external-interrupt half of the two vectors;
// it is a thin wrapper over invoke.DispatchInterrupt; the ack+signal
// logic already lives there and this package must not duplicate it.
func (k *Kernel) HandleInterrupt(irq uint32) {
	invoke.DispatchInterrupt(k.Kernel, k.IRQBinds, k.IC, irq)
}

// resolveFullDepth resolves cptr against root at cspace.WordBits depth,
// the convention every extra capability operand uses (spec.md §4.G).
func (k *Kernel) resolveFullDepth(root captab.Cap, cptr uint64) (captab.Cap, bool) {
	slot, failure := k.Kernel.Objs.ResolveAddressBits(root, cptr, cspace.WordBits)
	if failure != nil {
		return captab.Cap{}, false
	}
	return k.Kernel.Objs.Get(slot), true
}

// replyTargetBuffer resolves the Buffer DoReply should deliver into: the
// thread named by caller's own reply capability (SlotCaller), not
// caller itself. Returns nil if caller holds no reply cap — DoSyscall
// rejects the reply on that path before ever touching the buffer.
func (k *Kernel) replyTargetBuffer(caller *sched.TCB) ipc.Buffer {
	replyCap := k.Kernel.Objs.Get(sched.CapSlot(caller, sched.SlotCaller))
	if replyCap.Tag() != captab.CapReply {
		return nil
	}
	return k.bufferFor(replyCap.ReplyTCB())
}

// HandleSyscall is the syscall half of the two entry vectors (spec.md
// §6): the same eight syscall numbers serve double duty. Against an
// Endpoint/Notification/Reply capability they are ordinary IPC,
// handled by invoke.Kernel.DoSyscall. Against any other kernel-object
// capability, SysCall/SysSend/SysNBSend instead mean "invoke a method
// on this object" — decoded here via invoke.DecoderFamilyFor and the
// message-info label, then dispatched to the matching already-built
// invoke decoder. SysReply and SysYield never resolve a capability at
// all; they fall straight through to DoSyscall, which does not
// consult capCptr for either.
func (k *Kernel) HandleSyscall(callerRef captab.ObjRef, regs Registers) invoke.Outcome {
	caller := k.Kernel.TCBs.Get(callerRef)
	if caller == nil {
		return syscallErr(invoke.ErrInvalidCapability)
	}
	callerRoot := k.Kernel.Objs.Get(sched.CapSlot(caller, sched.SlotCSpaceRoot))

	if regs.Syscall == invoke.SysYield {
		return k.Kernel.DoSyscall(callerRef, regs.Syscall, regs.CapPtr, regs.CapDepth, k.msgFor(regs, callerRoot), nil)
	}
	if regs.Syscall == invoke.SysReply {
		// DoReply's buffer argument is the blocked original caller's,
		// not the replier's own — resolve it here since only kernel
		// (not invoke) tracks which Buffer backs which thread.
		return k.Kernel.DoSyscall(callerRef, regs.Syscall, regs.CapPtr, regs.CapDepth, k.msgFor(regs, callerRoot), k.replyTargetBuffer(caller))
	}

	invokedSlot, failure := k.Kernel.Objs.ResolveAddressBits(callerRoot, regs.CapPtr, regs.CapDepth)
	if failure != nil {
		return syscallErr(invoke.ErrFailedLookup)
	}
	invoked := k.Kernel.Objs.Get(invokedSlot)

	family := invoke.DecoderFamilyFor(invoked.Tag())
	if family == invoke.FamilyNone {
		return syscallErr(invoke.ErrInvalidCapability)
	}
	if family == invoke.FamilyEndpoint || family == invoke.FamilyNotification || family == invoke.FamilyReply {
		return k.Kernel.DoSyscall(callerRef, regs.Syscall, regs.CapPtr, regs.CapDepth, k.msgFor(regs, callerRoot), k.bufferFor(callerRef))
	}

	// Every remaining family is a generic method invocation: only
	// Call/Send/NBSend name "invoke a method" (spec.md §6); Recv-style
	// numbers against a non-IPC capability have no meaning.
	if regs.Syscall != invoke.SysCall && regs.Syscall != invoke.SysSend && regs.Syscall != invoke.SysNBSend {
		return syscallErr(invoke.ErrInvalidCapability)
	}

	return k.dispatchInvocation(caller, callerRoot, family, invoked, invokedSlot, regs)
}
