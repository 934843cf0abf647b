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
	"github.com/capkernel/capkernel/cspace"
	"github.com/capkernel/capkernel/hal"
	"github.com/capkernel/capkernel/vspace"
)

// VMLevels is this kernel's translation-table depth: 3 for RISC-V64's
// Sv39 (the layout this build targets first; an AArch64 board with a
// 4-level VMSAv8-64 walk would set this to 4 instead). vspace itself
// is level-count agnostic; this is the one place that number is fixed.
const VMLevels = 3

// VMMapFrame implements the frame-cap half of seL4_*_Page_Map.
func VMMapFrame(k *Kernel, vsp *vspace.Arena, mmu hal.MMU, frameSlot cspace.Slot, vspaceRootCap captab.Cap, vaddr uint64, rights captab.VMRights) Outcome {
	frameCap := k.Objs.Get(frameSlot)
	mapped, err := vspace.MapFrame(mmu, vsp, frameCap, vspaceRootCap, VMLevels, vaddr, rights)
	if err != nil {
		return vmOutcome(err)
	}
	if err := k.Objs.SetCap(frameSlot, mapped); err != nil {
		return syscallErr(ErrInvalidCapability)
	}
	return ok()
}

// VMUnmapFrame implements seL4_*_Page_Unmap.
func VMUnmapFrame(k *Kernel, vsp *vspace.Arena, mmu hal.MMU, frameSlot cspace.Slot) Outcome {
	frameCap := k.Objs.Get(frameSlot)
	unmapped, err := vspace.UnmapFrame(mmu, vsp, frameCap, VMLevels)
	if err != nil {
		return vmOutcome(err)
	}
	if err := k.Objs.SetCap(frameSlot, unmapped); err != nil {
		return syscallErr(ErrInvalidCapability)
	}
	return ok()
}

// VMMapPageTable implements seL4_*_PageTable_Map.
func VMMapPageTable(k *Kernel, vsp *vspace.Arena, mmu hal.MMU, ptSlot cspace.Slot, vspaceRootCap captab.Cap, vaddr uint64) Outcome {
	ptCap := k.Objs.Get(ptSlot)
	mapped, err := vspace.MapPageTable(mmu, vsp, ptCap, vspaceRootCap, VMLevels, vaddr)
	if err != nil {
		return vmOutcome(err)
	}
	if err := k.Objs.SetCap(ptSlot, mapped); err != nil {
		return syscallErr(ErrInvalidCapability)
	}
	return ok()
}

// VMUnmapPageTable implements seL4_*_PageTable_Unmap.
func VMUnmapPageTable(k *Kernel, vsp *vspace.Arena, mmu hal.MMU, ptSlot cspace.Slot, vspaceRoot captab.ObjRef) Outcome {
	ptCap := k.Objs.Get(ptSlot)
	unmapped, err := vspace.UnmapPageTable(mmu, vsp, ptCap, vspaceRoot, VMLevels)
	if err != nil {
		return vmOutcome(err)
	}
	if err := k.Objs.SetCap(ptSlot, unmapped); err != nil {
		return syscallErr(ErrInvalidCapability)
	}
	return ok()
}

// VMASIDControlMakePool implements seL4_ASIDControl_MakePool: retypes a
// whole Untyped region directly into an ASID pool capability (no slot
// in an ordinary object arena backs it, so this bypasses Retype).
func VMASIDControlMakePool(k *Kernel, vsp *vspace.Arena, untypedSlot, destSlot cspace.Slot) Outcome {
	untypedCap := k.Objs.Get(untypedSlot)
	poolCap, updatedUntyped, err := vspace.AsidControlMakePool(vsp, untypedCap)
	if err != nil {
		return syscallErr(ErrInvalidArgument)
	}
	if err := k.Objs.Insert(poolCap, untypedSlot, destSlot); err != nil {
		return syscallErr(ErrDeleteFirst)
	}
	if err := k.Objs.SetCap(untypedSlot, updatedUntyped); err != nil {
		return syscallErr(ErrInvalidCapability)
	}
	return ok()
}

// VMASIDPoolAssign implements seL4_ASIDPool_Assign.
func VMASIDPoolAssign(k *Kernel, vsp *vspace.Arena, poolSlot, vspaceRootSlot cspace.Slot) Outcome {
	poolCap := k.Objs.Get(poolSlot)
	vspaceRootCap := k.Objs.Get(vspaceRootSlot)
	assigned, err := vspace.AsidPoolAssign(vsp, poolCap, vspaceRootCap)
	if err != nil {
		return syscallErr(ErrInvalidArgument)
	}
	if err := k.Objs.SetCap(vspaceRootSlot, assigned); err != nil {
		return syscallErr(ErrInvalidCapability)
	}
	return ok()
}

// VMCacheMaintenance implements the Clean/Invalidate/Unify cache-
// maintenance labels spec.md §4.G groups with the VM operations: the
// invoking frame must already be mapped, and [start,end) must lie
// inside it. The physical range handed to the architecture cache op
// is the frame's mapped vaddr offset by the same bounds, since this
// model has no separate physical-address space for frames.
func VMCacheMaintenance(k *Kernel, mmu hal.MMU, frameSlot cspace.Slot, start, end uint64) Outcome {
	frameCap := k.Objs.Get(frameSlot)
	if frameCap.Tag() != captab.CapFrame || !frameCap.FrameIsMapped() {
		return syscallErr(ErrInvalidCapability)
	}
	if end <= start {
		return syscallErr(ErrInvalidArgument)
	}
	size := uint64(1) << frameBitsFromClass(frameCap.FrameSizeClass())
	base := frameCap.FrameMappedVaddr()
	if start < base || end > base+size {
		return syscallErr(ErrRangeError)
	}
	mmu.CleanInvalidateCache(start, end-start)
	return ok()
}

// frameBitsFromClass duplicates vspace's unexported frameSizeBits
// formula (12 + 9*size): that helper cannot be imported across the
// package boundary, and the formula itself is architecture ABI, not
// vspace-internal state.
func frameBitsFromClass(size captab.FrameSizeClass) uint {
	return 12 + 9*uint(size)
}

func vmOutcome(err error) Outcome {
	switch err {
	case vspace.ErrAlignment:
		return syscallErr(ErrAlignmentError)
	case vspace.ErrInvalidCapability:
		return syscallErr(ErrInvalidCapability)
	case vspace.ErrFailedLookup:
		return syscallErr(ErrFailedLookup)
	case vspace.ErrDeleteFirst:
		return syscallErr(ErrDeleteFirst)
	case vspace.ErrASIDPoolFull, vspace.ErrASIDTableFull:
		return syscallErr(ErrNotEnoughMemory)
	case vspace.ErrASIDPoolWrongSize:
		return syscallErr(ErrInvalidArgument)
	default:
		return syscallErr(ErrFailedLookup)
	}
}
