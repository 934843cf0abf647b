/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package invoke

import (
	"github.com/capkernel/capkernel/captab"
	"github.com/capkernel/capkernel/hal"
	"github.com/capkernel/capkernel/vspace"
	"github.com/capkernel/capkernel/zombie"
)

// Env bundles the board/subsystem state an invocation decoder needs
// beyond the core IPC/sched/cspace triad already carried by Kernel:
// the vspace arena, the MMU/interrupt-controller HAL surface, the
// zombie deletion engine, and the IRQ claim/binding tables. kernel
// constructs one of these at boot and owns pulling each invocation's
// arguments out of message registers before calling into the typed
// decoders below (CNodeCopy, Retype, TCBSuspend, VMMapFrame, ...) —
// this file only documents which decoder family answers which
// capability tag (spec.md §4.G); the per-label register layout is
// kernel's HandleSyscall, not a concern of this package.
type Env struct {
	Kernel   *Kernel
	VSpace   *vspace.Arena
	MMU      hal.MMU
	IC       hal.InterruptController
	Zombie   *zombie.Engine
	IRQs     *IRQTable
	IRQBinds *IRQBindings
}

// DecoderFamily names which group of functions in this package answers
// an invocation on a capability of a given tag, per spec.md §4.G's
// decode table. Kernel.HandleSyscall switches on this (via
// DecoderFamilyFor) to know which already-resolved-argument decoder
// to call: CNodeCopy/Mint/Move/Mutate/Rotate/Delete/Revoke/SaveCaller/
// CancelBadgedSends for FamilyCNode, Retype for FamilyUntyped, the
// TCB* functions for FamilyTCB, the VM* functions for FamilyVM, the
// IRQ* functions for FamilyIRQ, TCBSetDomain for FamilyDomain.
type DecoderFamily uint8

const (
	FamilyNone DecoderFamily = iota
	FamilyCNode
	FamilyUntyped
	FamilyTCB
	FamilyVM
	FamilyIRQ
	FamilyDomain
	FamilyEndpoint     // handled directly by Kernel.DoSyscall, not here
	FamilyNotification // handled directly by Kernel.DoSyscall, not here
	FamilyReply        // handled directly by Kernel.DoSyscall, not here
)

// DecoderFamilyFor maps a resolved capability's tag to the decoder
// family that handles it, per spec.md §4.G's dispatch-on-tag rule.
func DecoderFamilyFor(tag captab.CapTag) DecoderFamily {
	switch tag {
	case captab.CapCNode:
		return FamilyCNode
	case captab.CapUntyped:
		return FamilyUntyped
	case captab.CapThread:
		return FamilyTCB
	case captab.CapPageTable, captab.CapFrame, captab.CapVSpaceRoot, captab.CapASIDControl, captab.CapASIDPool:
		return FamilyVM
	case captab.CapIRQControl, captab.CapIRQHandler:
		return FamilyIRQ
	case captab.CapDomain:
		return FamilyDomain
	case captab.CapEndpoint:
		return FamilyEndpoint
	case captab.CapNotification:
		return FamilyNotification
	case captab.CapReply:
		return FamilyReply
	default:
		return FamilyNone
	}
}

func (f DecoderFamily) String() string {
	switch f {
	case FamilyCNode:
		return "CNode"
	case FamilyUntyped:
		return "Untyped"
	case FamilyTCB:
		return "TCB"
	case FamilyVM:
		return "VM"
	case FamilyIRQ:
		return "IRQ"
	case FamilyDomain:
		return "Domain"
	case FamilyEndpoint:
		return "Endpoint"
	case FamilyNotification:
		return "Notification"
	case FamilyReply:
		return "Reply"
	default:
		return "None"
	}
}
