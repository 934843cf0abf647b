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
	"github.com/capkernel/capkernel/sched"
)

// resolveSlotFullDepth is resolveFullDepth's Slot-returning twin, for
// decoders (TCBConfigure, ASIDControlMakePool, IRQHandlerSetNotification, ...)
// that need the destination slot itself rather than the capability
// presently sitting in it.
func (k *Kernel) resolveSlotFullDepth(root captab.Cap, cptr uint64) (cspace.Slot, bool) {
	slot, failure := k.Kernel.Objs.ResolveAddressBits(root, cptr, cspace.WordBits)
	if failure != nil {
		return cspace.Slot{}, false
	}
	return slot, true
}

// extraCap returns regs.ExtraCaps[i] resolved against callerRoot, or
// the null capability if i is out of range or the pointer fails to
// resolve — every family below checks the tag of what it gets back,
// so an absent extra cap surfaces as ErrInvalidCapability/ErrFailedLookup
// the same way a present-but-wrong-type one would.
func (k *Kernel) extraCap(callerRoot captab.Cap, regs Registers, i int) captab.Cap {
	if i >= len(regs.ExtraCaps) {
		return captab.NullCap()
	}
	cap, ok := k.resolveFullDepth(callerRoot, regs.ExtraCaps[i])
	if !ok {
		return captab.NullCap()
	}
	return cap
}

func (k *Kernel) extraSlot(callerRoot captab.Cap, regs Registers, i int) (cspace.Slot, bool) {
	if i >= len(regs.ExtraCaps) {
		return cspace.Slot{}, false
	}
	return k.resolveSlotFullDepth(callerRoot, regs.ExtraCaps[i])
}

// dispatchInvocation is the generic-invocation core HandleSyscall's
// doc comment describes: invoked/invokedSlot is already resolved and
// tag-checked into family by the caller; this only picks the decoder
// within that family by label and unpacks its arguments out of regs.
func (k *Kernel) dispatchInvocation(caller *sched.TCB, callerRoot captab.Cap, family invoke.DecoderFamily, invoked captab.Cap, invokedSlot cspace.Slot, regs Registers) invoke.Outcome {
	label := regs.Info.Label()

	switch family {
	case invoke.FamilyCNode:
		return k.dispatchCNode(caller, callerRoot, invoked, regs, label)

	case invoke.FamilyUntyped:
		destCNode := k.extraCap(callerRoot, regs, 0)
		if destCNode.Tag() != captab.CapCNode {
			return syscallErr(invoke.ErrInvalidCapability)
		}
		if label != LabelUntypedRetype {
			return syscallErr(invoke.ErrIllegalOperation)
		}
		req := invoke.RetypeRequest{
			Type:       invoke.ObjectType(regs.Data[0]),
			SizeArg:    uint8(regs.Data[1]),
			DestCNode:  destCNode,
			DestOffset: uint32(regs.Data[2]),
			DestLength: uint32(regs.Data[3]),
			Device:     len(regs.Overflow) > 0 && regs.Overflow[0] != 0,
		}
		return invoke.Retype(k.Kernel, k.VSpace, invokedSlot, req)

	case invoke.FamilyTCB:
		return k.dispatchTCB(caller, callerRoot, invoked, regs, label)

	case invoke.FamilyDomain:
		if label != LabelDomainSet {
			return syscallErr(invoke.ErrIllegalOperation)
		}
		targetCap := k.extraCap(callerRoot, regs, 0)
		if targetCap.Tag() != captab.CapThread {
			return syscallErr(invoke.ErrInvalidCapability)
		}
		return invoke.TCBSetDomain(k.Kernel, targetCap.ThreadTCB(), uint8(regs.Data[0]))

	case invoke.FamilyVM:
		return k.dispatchVM(callerRoot, invoked, invokedSlot, regs, label)

	case invoke.FamilyIRQ:
		return k.dispatchIRQ(callerRoot, invoked, invokedSlot, regs, label)
	}

	return syscallErr(invoke.ErrInvalidCapability)
}

func (k *Kernel) dispatchCNode(caller *sched.TCB, callerRoot captab.Cap, invoked captab.Cap, regs Registers, label uint64) invoke.Outcome {
	objs := k.Kernel.Objs
	d := regs.Data

	switch label {
	case LabelCNodeCopy:
		srcRoot := k.extraCap(callerRoot, regs, 0)
		return invoke.CNodeCopy(objs, srcRoot, d[2], uint8(d[3]), invoked, d[0], uint8(d[1]))

	case LabelCNodeMint:
		srcRoot := k.extraCap(callerRoot, regs, 0)
		badge, guardBits, guardValue := mintArgs(regs)
		return invoke.CNodeMint(objs, srcRoot, d[2], uint8(d[3]), invoked, d[0], uint8(d[1]), badge, guardBits, guardValue)

	case LabelCNodeMove:
		srcRoot := k.extraCap(callerRoot, regs, 0)
		return invoke.CNodeMove(objs, srcRoot, d[2], uint8(d[3]), invoked, d[0], uint8(d[1]))

	case LabelCNodeMutate:
		srcRoot := k.extraCap(callerRoot, regs, 0)
		badge, guardBits, guardValue := mintArgs(regs)
		return invoke.CNodeMutate(objs, srcRoot, d[2], uint8(d[3]), invoked, d[0], uint8(d[1]), badge, guardBits, guardValue)

	case LabelCNodeRotate:
		srcRoot := k.extraCap(callerRoot, regs, 0)
		pivotRoot := k.extraCap(callerRoot, regs, 1)
		var pivotCptr uint64
		var pivotDepth uint8
		if len(regs.Overflow) >= 2 {
			pivotCptr, pivotDepth = regs.Overflow[0], uint8(regs.Overflow[1])
		}
		return invoke.CNodeRotate(objs, invoked, d[0], uint8(d[1]), srcRoot, d[2], uint8(d[3]), pivotRoot, pivotCptr, pivotDepth)

	case LabelCNodeDelete:
		return invoke.CNodeDelete(k.Zombie, objs, invoked, d[0], uint8(d[1]))

	case LabelCNodeRevoke:
		return invoke.CNodeRevoke(k.Zombie, objs, invoked, d[0], uint8(d[1]))

	case LabelCNodeSaveCaller:
		return invoke.CNodeSaveCaller(objs, caller, invoked, d[0], uint8(d[1]))

	case LabelCNodeCancelBadgedSends:
		return invoke.CNodeCancelBadgedSends(objs, k.Kernel.IPC, k.Kernel.TCBs, k.Kernel.Sched, invoked, d[0], uint8(d[1]), d[2])
	}
	return syscallErr(invoke.ErrIllegalOperation)
}

// mintArgs pulls Mint/Mutate's three extra fields out of the overflow
// registers, since Copy/Move already consume all four direct data
// words for the src/dest cptr+depth pairs.
func mintArgs(regs Registers) (badge uint32, guardBits uint8, guardValue uint32) {
	if len(regs.Overflow) > 0 {
		badge = uint32(regs.Overflow[0])
	}
	if len(regs.Overflow) > 1 {
		guardBits = uint8(regs.Overflow[1])
	}
	if len(regs.Overflow) > 2 {
		guardValue = uint32(regs.Overflow[2])
	}
	return
}

func (k *Kernel) dispatchTCB(caller *sched.TCB, callerRoot captab.Cap, invoked captab.Cap, regs Registers, label uint64) invoke.Outcome {
	targetRef := invoked.ThreadTCB()
	d := regs.Data

	switch label {
	case LabelTCBSuspend:
		return invoke.TCBSuspend(k.Kernel, targetRef)

	case LabelTCBResume:
		return invoke.TCBResume(k.Kernel, targetRef)

	case LabelTCBConfigure:
		cspaceSlot, haveC := k.extraSlot(callerRoot, regs, 0)
		vspaceSlot, haveV := k.extraSlot(callerRoot, regs, 1)
		if !haveC || !haveV {
			return syscallErr(invoke.ErrInvalidCapability)
		}
		var ipcBufferSlot *cspace.Slot
		if slot, ok := k.extraSlot(callerRoot, regs, 2); ok {
			ipcBufferSlot = &slot
		}
		return invoke.TCBConfigure(k.Kernel, targetRef, cspaceSlot, vspaceSlot, ipcBufferSlot, d[0])

	case LabelTCBSetPriority:
		return invoke.TCBSetPriority(k.Kernel, targetRef, caller, uint8(d[0]))

	case LabelTCBSetMCPriority:
		return invoke.TCBSetMCPriority(k.Kernel, targetRef, caller, uint8(d[0]))

	case LabelTCBBindNotification:
		notifCap := k.extraCap(callerRoot, regs, 0)
		if notifCap.Tag() != captab.CapNotification {
			return syscallErr(invoke.ErrInvalidCapability)
		}
		return invoke.TCBBindNotification(k.Kernel, targetRef, notifCap.NotificationRef())

	case LabelTCBUnbindNotification:
		return invoke.TCBUnbindNotification(k.Kernel, targetRef)
	}
	return syscallErr(invoke.ErrIllegalOperation)
}

func (k *Kernel) dispatchVM(callerRoot captab.Cap, invoked captab.Cap, invokedSlot cspace.Slot, regs Registers, label uint64) invoke.Outcome {
	d := regs.Data

	switch invoked.Tag() {
	case captab.CapFrame:
		switch label {
		case LabelVMMap:
			vspaceRootCap := k.extraCap(callerRoot, regs, 0)
			return invoke.VMMapFrame(k.Kernel, k.VSpace, k.MMU, invokedSlot, vspaceRootCap, d[0], captab.VMRights(d[1]))
		case LabelVMUnmap:
			return invoke.VMUnmapFrame(k.Kernel, k.VSpace, k.MMU, invokedSlot)
		case LabelVMCacheMaintenance:
			return invoke.VMCacheMaintenance(k.Kernel, k.MMU, invokedSlot, d[0], d[1])
		}

	case captab.CapPageTable:
		switch label {
		case LabelVMMap:
			vspaceRootCap := k.extraCap(callerRoot, regs, 0)
			return invoke.VMMapPageTable(k.Kernel, k.VSpace, k.MMU, invokedSlot, vspaceRootCap, d[0])
		case LabelVMUnmap:
			vspaceRootCap := k.extraCap(callerRoot, regs, 0)
			if vspaceRootCap.Tag() != captab.CapVSpaceRoot {
				return syscallErr(invoke.ErrInvalidCapability)
			}
			return invoke.VMUnmapPageTable(k.Kernel, k.VSpace, k.MMU, invokedSlot, vspaceRootCap.VSpaceRootRef())
		}

	case captab.CapASIDControl:
		if label != LabelVMASIDControlMakePool {
			break
		}
		untypedSlot, haveU := k.extraSlot(callerRoot, regs, 0)
		destRoot := k.extraCap(callerRoot, regs, 1)
		if !haveU || destRoot.Tag() != captab.CapCNode {
			return syscallErr(invoke.ErrInvalidCapability)
		}
		destSlot, failure := k.Kernel.Objs.ResolveAddressBits(destRoot, d[0], uint8(d[1]))
		if failure != nil {
			return syscallErr(invoke.ErrFailedLookup)
		}
		return invoke.VMASIDControlMakePool(k.Kernel, k.VSpace, untypedSlot, destSlot)

	case captab.CapASIDPool:
		if label != LabelVMASIDPoolAssign {
			break
		}
		vspaceRootSlot, ok := k.extraSlot(callerRoot, regs, 0)
		if !ok {
			return syscallErr(invoke.ErrInvalidCapability)
		}
		return invoke.VMASIDPoolAssign(k.Kernel, k.VSpace, invokedSlot, vspaceRootSlot)
	}
	return syscallErr(invoke.ErrIllegalOperation)
}

func (k *Kernel) dispatchIRQ(callerRoot captab.Cap, invoked captab.Cap, invokedSlot cspace.Slot, regs Registers, label uint64) invoke.Outcome {
	d := regs.Data

	switch invoked.Tag() {
	case captab.CapIRQControl:
		if label != LabelIRQControlGet {
			break
		}
		destRoot := k.extraCap(callerRoot, regs, 0)
		if destRoot.Tag() != captab.CapCNode {
			return syscallErr(invoke.ErrInvalidCapability)
		}
		destSlot, failure := k.Kernel.Objs.ResolveAddressBits(destRoot, d[1], uint8(d[2]))
		if failure != nil {
			return syscallErr(invoke.ErrFailedLookup)
		}
		return invoke.IRQControlGet(k.Kernel.Objs, k.IRQs, k.IC, invokedSlot, destSlot, uint32(d[0]))

	case captab.CapIRQHandler:
		switch label {
		case LabelIRQHandlerAck:
			return invoke.IRQHandlerAck(k.Kernel.Objs, k.IC, invokedSlot)
		case LabelIRQHandlerSetNotification:
			notifSlot, ok := k.extraSlot(callerRoot, regs, 0)
			if !ok {
				return syscallErr(invoke.ErrInvalidCapability)
			}
			return invoke.IRQHandlerSetNotification(k.Kernel.Objs, k.IRQBinds, invokedSlot, notifSlot)
		case LabelIRQHandlerClear:
			return invoke.IRQHandlerClear(k.Kernel.Objs, k.IRQBinds, k.IC, invokedSlot)
		}
	}
	return syscallErr(invoke.ErrIllegalOperation)
}
