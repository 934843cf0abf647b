/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package boot

import "github.com/google/uuid"

// SlotRegion is a half-open range [Start, End) of root-CNode slot
// indices, the bootinfo representation of "empty"/"userImageFrames"/
// "userImagePaging"/"untyped" in spec.md §6's boot info frame.
type SlotRegion struct {
	Start, End uint32
}

func (r SlotRegion) Len() int { return int(r.End - r.Start) }

// UntypedDesc is one entry of the bootinfo untyped list: a physical
// region the root task can Retype, along with whether it is normal RAM
// or a device (MMIO) window.
type UntypedDesc struct {
	PAddr    uint64
	SizeBits uint8
	IsDevice bool
}

// Info is the boot info frame of spec.md §6: a page-sized structure
// placed in the initial thread's address space describing every
// capability CreateRootserverObjects installed for it. The extra-boot-
// info chunk sequence (one of which normally carries a device tree) is
// not produced by this kernel — ExtraBIPages always reports an empty
// region, since nothing in this module parses or forwards a device
// tree blob; a board wanting that needs to populate ExtraBIPages itself
// before mapping the frame.
type Info struct {
	BootID uuid.UUID

	NodeID   uint32
	NumNodes uint32

	InitThreadCNodeSizeBits uint8
	InitialDomain           uint8
	IPCBufferVaddr          uint64

	Empty           SlotRegion
	UserImageFrames SlotRegion
	UserImagePaging SlotRegion
	ExtraBIPages    SlotRegion
	Untyped         SlotRegion

	UntypedList []UntypedDesc
}
