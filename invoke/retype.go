/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package invoke

import (
	"errors"

	"github.com/capkernel/capkernel/captab"
	"github.com/capkernel/capkernel/cspace"
	"github.com/capkernel/capkernel/vspace"
)

// ErrUnknownObjectType is returned internally when newChildCap is asked
// to build a type this package does not know how to retype into; every
// caller routes it to ErrInvalidArgument before it reaches userspace.
var ErrUnknownObjectType = errors.New("unknown retype object type")

// ObjectType is the closed set of retypeable kernel objects spec.md
// §4.G's untyped.Retype dispatches on. CapUntyped is retypeable into
// itself (splitting a region into smaller untypeds); CapReply and the
// control/singleton caps (ASIDControl, IRQControl, Domain) are never
// retype targets, so they have no entry here.
type ObjectType uint8

const (
	ObjUntyped ObjectType = iota
	ObjEndpoint
	ObjNotification
	ObjCNode
	ObjTCB
	ObjPageTable
	ObjVSpaceRoot
	ObjFrame4K
	ObjFrameMega
	ObjFrameGiga
)

// cteSizeBits is seL4_SlotBits: the log2 size in bytes of one CTE,
// used to size a CNode of a given radix for the untyped-accounting
// arithmetic below.
const cteSizeBits = 5

// tcbSizeBits is this kernel's seL4_TCBBits: the accounting size of a
// retyped TCB object, independent of the Go struct's actual size.
const tcbSizeBits = 10

const epSizeBits = 4
const ntfnSizeBits = 4

// objectSizeBits returns the size, in bits, that sizeArg (a CNode
// radix, for ObjCNode; otherwise ignored) implies for ty, mirroring
// vspace's unexported frameSizeBits formula for the frame cases since
// it cannot be imported across packages.
func objectSizeBits(ty ObjectType, sizeArg uint8) uint8 {
	switch ty {
	case ObjUntyped:
		return sizeArg
	case ObjEndpoint:
		return epSizeBits
	case ObjNotification:
		return ntfnSizeBits
	case ObjCNode:
		return sizeArg + cteSizeBits
	case ObjTCB:
		return tcbSizeBits
	case ObjPageTable, ObjVSpaceRoot:
		return 12
	case ObjFrame4K:
		return 12
	case ObjFrameMega:
		return 21
	case ObjFrameGiga:
		return 30
	default:
		return 0
	}
}

// RetypeRequest bundles seL4_Untyped_Retype's arguments (spec.md §4.G).
type RetypeRequest struct {
	Type       ObjectType
	SizeArg    uint8 // CNode radix, or Untyped-split size_bits
	DestCNode  captab.Cap
	DestOffset uint32
	DestLength uint32
	Device     bool
}

// Retype implements seL4_Untyped_Retype: carve DestLength objects of
// Type out of the untyped at untypedSlot and install them at
// consecutive slots [DestOffset, DestOffset+DestLength) of req.DestCNode.
//
// A first retype into an untyped whose previously-retyped children
// have since all been deleted resets free_index to zero before
// consuming it (spec.md §4.G's documented exception) rather than
// accumulating forever across dead children.
func Retype(k *Kernel, vsp *vspace.Arena, untypedSlot cspace.Slot, req RetypeRequest) Outcome {
	untyped := k.Objs.Get(untypedSlot)
	if untyped.Tag() != captab.CapUntyped {
		return syscallErr(ErrInvalidCapability)
	}
	if req.DestLength == 0 {
		return syscallErr(ErrInvalidArgument)
	}
	if req.Device && req.Type != ObjUntyped && req.Type != ObjFrame4K && req.Type != ObjFrameMega && req.Type != ObjFrameGiga {
		return syscallErr(ErrInvalidArgument)
	}

	objSizeBits := objectSizeBits(req.Type, req.SizeArg)
	if objSizeBits == 0 || objSizeBits > untyped.UntypedSizeBits() {
		return syscallErr(ErrInvalidArgument)
	}

	freeIndex := untyped.UntypedFreeIndex()
	if !k.Objs.HasChildren(untypedSlot) {
		freeIndex = 0
	}

	regionBytes := uint64(1) << untyped.UntypedSizeBits()
	objBytes := uint64(1) << objSizeBits
	alignedFree := (freeIndex + objBytes - 1) &^ (objBytes - 1)
	needed := objBytes * uint64(req.DestLength)
	if alignedFree+needed > regionBytes {
		return syscallErr(ErrNotEnoughMemory)
	}

	destSlots := make([]cspace.Slot, req.DestLength)
	for i := uint32(0); i < req.DestLength; i++ {
		slot := cspace.Slot{CNode: req.DestCNode.CNodeRef(), Index: req.DestOffset + i}
		if k.Objs.Get(slot).Tag() != captab.CapNull {
			return syscallErr(ErrDeleteFirst)
		}
		destSlots[i] = slot
	}

	for _, slot := range destSlots {
		childCap, err := newChildCap(k, vsp, req.Type, req.SizeArg, untyped.UntypedBasePptr(), req.Device)
		if err != nil {
			return syscallErr(ErrNotEnoughMemory)
		}
		if err := k.Objs.Insert(childCap, untypedSlot, slot); err != nil {
			return syscallErr(ErrDeleteFirst)
		}
	}

	updated := untyped.WithUntypedFreeIndex(alignedFree + needed)
	if err := k.Objs.SetCap(untypedSlot, updated); err != nil {
		return syscallErr(ErrInvalidCapability)
	}
	return ok()
}

// newChildCap allocates the concrete backing object for ty out of its
// owning arena and returns the freshly minted capability for it. The
// basePptr/device bits only matter for the Untyped-split and Frame
// cases; every other object type is addressed purely by ObjRef.
func newChildCap(k *Kernel, vsp *vspace.Arena, ty ObjectType, sizeArg uint8, basePptr uint64, device bool) (captab.Cap, error) {
	switch ty {
	case ObjUntyped:
		return captab.NewUntypedCap(basePptr, sizeArg, device, 0), nil
	case ObjEndpoint:
		return captab.NewEndpointCap(k.IPC.AllocEndpoint(), 0, captab.EndpointRights{CanSend: true, CanReceive: true, CanGrant: true, CanGrantReply: true}), nil
	case ObjNotification:
		return captab.NewNotificationCap(k.IPC.AllocNotification(), 0, true, true), nil
	case ObjCNode:
		ref := k.Objs.Alloc(cspace.NewCNode(sizeArg))
		return captab.NewCNodeCap(ref, sizeArg, 0, 0), nil
	case ObjTCB:
		ref := k.TCBs.Alloc()
		return captab.NewThreadCap(ref), nil
	case ObjPageTable:
		return captab.NewPageTableCap(vsp.AllocTable(), 0), nil
	case ObjVSpaceRoot:
		return captab.NewVSpaceRootCap(vsp.AllocTable()), nil
	case ObjFrame4K:
		return captab.NewFrameCap(vsp.AllocTable(), captab.FrameSizeClass(0), device, captab.VMReadWrite), nil
	case ObjFrameMega:
		return captab.NewFrameCap(vsp.AllocTable(), captab.FrameSizeClass(1), device, captab.VMReadWrite), nil
	case ObjFrameGiga:
		return captab.NewFrameCap(vsp.AllocTable(), captab.FrameSizeClass(2), device, captab.VMReadWrite), nil
	}
	return captab.Cap{}, ErrUnknownObjectType
}
