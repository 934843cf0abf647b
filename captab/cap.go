/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package captab is the bitfield/tagged-union layer: a capability is a
// 128-bit record (two uint64 words) tagged by CapTag, addressed and
// mutated only through the typed constructors and accessors in this
// file. No field is ever read or written by hand-indexing into Word0/
// Word1 outside this package, the same discipline entry/block.go uses
// for its packed entry records: one place owns the layout, everything
// else goes through accessors.
//
// Kernel objects (CNodes, TCBs, endpoints, frames, page tables, ASID
// pools) are not addressed by raw pointer here; they live in arenas
// (see cspace.ObjTable and friends) and a capability carries a 32-bit
// ObjRef handle into the owning arena instead of a machine address.
// That keeps every variant's fields well inside a single 128-bit
// record without needing architecture-specific pointer compression.
package captab

import "github.com/capkernel/capkernel/bitrec"

// ObjRef is a handle into a kernel object arena. Zero is never a valid
// live handle; arenas reserve index 0 as "no object".
type ObjRef uint32

// CapTag identifies which union member a Cap holds. The zero value,
// CapNull, is the cap every freshly zeroed CTE slot starts as.
type CapTag uint8

const (
	CapNull CapTag = iota
	CapUntyped
	CapEndpoint
	CapNotification
	CapReply
	CapCNode
	CapThread
	CapIRQControl
	CapIRQHandler
	CapZombie
	CapDomain
	CapFrame
	CapPageTable
	CapASIDControl
	CapASIDPool
	CapVSpaceRoot
	capTagCount
)

func (t CapTag) String() string {
	switch t {
	case CapNull:
		return "Null"
	case CapUntyped:
		return "Untyped"
	case CapEndpoint:
		return "Endpoint"
	case CapNotification:
		return "Notification"
	case CapReply:
		return "Reply"
	case CapCNode:
		return "CNode"
	case CapThread:
		return "Thread"
	case CapIRQControl:
		return "IRQControl"
	case CapIRQHandler:
		return "IRQHandler"
	case CapZombie:
		return "Zombie"
	case CapDomain:
		return "Domain"
	case CapFrame:
		return "Frame"
	case CapPageTable:
		return "PageTable"
	case CapASIDControl:
		return "ASIDControl"
	case CapASIDPool:
		return "ASIDPool"
	case CapVSpaceRoot:
		return "VSpaceRoot"
	default:
		return "Invalid"
	}
}

// Valid reports whether t is a tag this package knows how to interpret.
func (t CapTag) Valid() bool {
	return t < capTagCount
}

var tagField = bitrec.Field{Off: 0, Width: 5}

// Cap is a 128-bit tagged capability record. The zero Cap is CapNull.
// Values are immutable by convention: every mutator below returns a
// new Cap rather than editing the receiver, so a Cap can be copied
// freely (into a CTE, across a channel, into a snapshot for tests)
// without aliasing concerns.
type Cap struct {
	w0 uint64
	w1 uint64
}

// NullCap returns the capability every empty CNode slot holds.
func NullCap() Cap { return Cap{} }

// Tag returns the capability's variant.
func (c Cap) Tag() CapTag {
	return CapTag(bitrec.Get(c.w0, tagField))
}

// IsNull reports whether c is the null capability.
func (c Cap) IsNull() bool {
	return c.Tag() == CapNull
}

func withTag(tag CapTag, w0, w1 uint64) Cap {
	return Cap{w0: bitrec.Set(w0, tagField, uint64(tag)), w1: w1}
}

// Words returns the raw two-word encoding, for code that needs to copy
// a capability into a message register array (ipc) or a CTE slab.
func (c Cap) Words() (uint64, uint64) { return c.w0, c.w1 }

// FromWords reconstructs a Cap from a raw two-word encoding previously
// produced by Words. Used when restoring a capability transferred in
// IPC message registers.
func FromWords(w0, w1 uint64) Cap { return Cap{w0: w0, w1: w1} }

// --- Untyped ---------------------------------------------------------

var (
	untypedSizeBits  = bitrec.Field{Off: 5, Width: 6}
	untypedIsDevice  = bitrec.Bit(11)
	untypedFreeIndex = bitrec.Field{Off: 12, Width: 52}
)

// NewUntypedCap builds an Untyped capability over the region
// [basePptr, basePptr+2^sizeBits). freeIndex is the byte offset within
// that region already carved out by prior Retype calls.
func NewUntypedCap(basePptr uint64, sizeBits uint8, isDevice bool, freeIndex uint64) Cap {
	var w0 uint64
	w0 = bitrec.Set(w0, untypedSizeBits, uint64(sizeBits))
	w0 = bitrec.SetBool(w0, untypedIsDevice, isDevice)
	w0 = bitrec.Set(w0, untypedFreeIndex, freeIndex)
	return withTag(CapUntyped, w0, basePptr)
}

func (c Cap) UntypedBasePptr() uint64  { return c.w1 }
func (c Cap) UntypedSizeBits() uint8   { return uint8(bitrec.Get(c.w0, untypedSizeBits)) }
func (c Cap) UntypedIsDevice() bool    { return bitrec.GetBool(c.w0, untypedIsDevice) }
func (c Cap) UntypedFreeIndex() uint64 { return bitrec.Get(c.w0, untypedFreeIndex) }

// WithUntypedFreeIndex returns a copy of c with its free index advanced.
// Retype calls this after carving a new object out of the untyped region.
func (c Cap) WithUntypedFreeIndex(freeIndex uint64) Cap {
	c.w0 = bitrec.Set(c.w0, untypedFreeIndex, freeIndex)
	return c
}

// --- Endpoint / Notification (share a badge+rights shape) -----------

var (
	epCanSend        = bitrec.Bit(5)
	epCanReceive     = bitrec.Bit(6)
	epCanGrant       = bitrec.Bit(7)
	epCanGrantReply  = bitrec.Bit(8)
	epObjRefField    = bitrec.Field{Off: 0, Width: 32}
	epBadgeField     = bitrec.Field{Off: 32, Width: 32}
)

type EndpointRights struct {
	CanSend, CanReceive, CanGrant, CanGrantReply bool
}

// NewEndpointCap builds a capability to the endpoint object ref, badged
// and rights-restricted. badge 0 means "unbadged".
func NewEndpointCap(ref ObjRef, badge uint32, r EndpointRights) Cap {
	var w0 uint64
	w0 = bitrec.SetBool(w0, epCanSend, r.CanSend)
	w0 = bitrec.SetBool(w0, epCanReceive, r.CanReceive)
	w0 = bitrec.SetBool(w0, epCanGrant, r.CanGrant)
	w0 = bitrec.SetBool(w0, epCanGrantReply, r.CanGrantReply)
	var w1 uint64
	w1 = bitrec.Set(w1, epObjRefField, uint64(ref))
	w1 = bitrec.Set(w1, epBadgeField, uint64(badge))
	return withTag(CapEndpoint, w0, w1)
}

func (c Cap) EndpointRef() ObjRef   { return ObjRef(bitrec.Get(c.w1, epObjRefField)) }
func (c Cap) EndpointBadge() uint32 { return uint32(bitrec.Get(c.w1, epBadgeField)) }
func (c Cap) EndpointRights() EndpointRights {
	return EndpointRights{
		CanSend:       bitrec.GetBool(c.w0, epCanSend),
		CanReceive:    bitrec.GetBool(c.w0, epCanReceive),
		CanGrant:      bitrec.GetBool(c.w0, epCanGrant),
		CanGrantReply: bitrec.GetBool(c.w0, epCanGrantReply),
	}
}

// WithEndpointBadge returns a derived copy of c badged with b. Deriving
// an endpoint cap with a non-zero badge is how cspace.Derive mints the
// distinct badged send caps IPC uses to tell clients apart.
func (c Cap) WithEndpointBadge(b uint32) Cap {
	c.w1 = bitrec.Set(c.w1, epBadgeField, uint64(b))
	return c
}

// NewNotificationCap builds a capability to a notification object.
func NewNotificationCap(ref ObjRef, badge uint32, canSend, canReceive bool) Cap {
	var w0 uint64
	w0 = bitrec.SetBool(w0, epCanSend, canSend)
	w0 = bitrec.SetBool(w0, epCanReceive, canReceive)
	var w1 uint64
	w1 = bitrec.Set(w1, epObjRefField, uint64(ref))
	w1 = bitrec.Set(w1, epBadgeField, uint64(badge))
	return withTag(CapNotification, w0, w1)
}

func (c Cap) NotificationRef() ObjRef   { return ObjRef(bitrec.Get(c.w1, epObjRefField)) }
func (c Cap) NotificationBadge() uint32 { return uint32(bitrec.Get(c.w1, epBadgeField)) }

// WithNotificationBadge returns a derived copy of c badged with b, the
// notification-cap counterpart of WithEndpointBadge.
func (c Cap) WithNotificationBadge(b uint32) Cap {
	c.w1 = bitrec.Set(c.w1, epBadgeField, uint64(b))
	return c
}

func (c Cap) NotificationCanSend() bool { return bitrec.GetBool(c.w0, epCanSend) }
func (c Cap) NotificationCanRecv() bool { return bitrec.GetBool(c.w0, epCanReceive) }

// --- Reply ------------------------------------------------------------

var (
	replyCanGrant = bitrec.Bit(5)
	replyIsMaster = bitrec.Bit(6)
	replyTCBField = bitrec.Field{Off: 0, Width: 32}
)

// NewReplyCap builds a single-use reply capability pointing back at the
// caller's TCB. isMaster marks the one reply slot a TCB keeps for
// itself (never stored in a CNode, only ever in the TCB's own
// sched.SlotReplyMaster slot).
func NewReplyCap(tcb ObjRef, canGrant, isMaster bool) Cap {
	var w0 uint64
	w0 = bitrec.SetBool(w0, replyCanGrant, canGrant)
	w0 = bitrec.SetBool(w0, replyIsMaster, isMaster)
	w1 := bitrec.Set(uint64(0), replyTCBField, uint64(tcb))
	return withTag(CapReply, w0, w1)
}

func (c Cap) ReplyTCB() ObjRef    { return ObjRef(bitrec.Get(c.w1, replyTCBField)) }
func (c Cap) ReplyCanGrant() bool { return bitrec.GetBool(c.w0, replyCanGrant) }
func (c Cap) ReplyIsMaster() bool { return bitrec.GetBool(c.w0, replyIsMaster) }

// --- CNode --------------------------------------------------------------

var (
	cnodeRadix      = bitrec.Field{Off: 5, Width: 6}
	cnodeGuardBits  = bitrec.Field{Off: 11, Width: 6}
	cnodeObjRef     = bitrec.Field{Off: 0, Width: 32}
	cnodeGuardValue = bitrec.Field{Off: 32, Width: 32}
)

// NewCNodeCap builds a capability to a CNode arena entry with radix
// bits of index space and the given guard (guardBits, guardValue) for
// guarded-radix address resolution (cspace.ResolveAddressBits).
func NewCNodeCap(ref ObjRef, radix, guardBits uint8, guardValue uint32) Cap {
	var w0 uint64
	w0 = bitrec.Set(w0, cnodeRadix, uint64(radix))
	w0 = bitrec.Set(w0, cnodeGuardBits, uint64(guardBits))
	var w1 uint64
	w1 = bitrec.Set(w1, cnodeObjRef, uint64(ref))
	w1 = bitrec.Set(w1, cnodeGuardValue, uint64(guardValue))
	return withTag(CapCNode, w0, w1)
}

func (c Cap) CNodeRef() ObjRef        { return ObjRef(bitrec.Get(c.w1, cnodeObjRef)) }
func (c Cap) CNodeRadix() uint8       { return uint8(bitrec.Get(c.w0, cnodeRadix)) }
func (c Cap) CNodeGuardBits() uint8   { return uint8(bitrec.Get(c.w0, cnodeGuardBits)) }
func (c Cap) CNodeGuardValue() uint32 { return uint32(bitrec.Get(c.w1, cnodeGuardValue)) }

// WithCNodeGuard returns a copy of c with a new guard, the operation
// behind seL4_CNode_Mint/Mutate's guard-update path.
func (c Cap) WithCNodeGuard(guardBits uint8, guardValue uint32) Cap {
	c.w0 = bitrec.Set(c.w0, cnodeGuardBits, uint64(guardBits))
	c.w1 = bitrec.Set(c.w1, cnodeGuardValue, uint64(guardValue))
	return c
}

// --- Thread -------------------------------------------------------------

var threadTCBField = bitrec.Field{Off: 0, Width: 32}

func NewThreadCap(tcb ObjRef) Cap {
	return withTag(CapThread, 0, bitrec.Set(uint64(0), threadTCBField, uint64(tcb)))
}

func (c Cap) ThreadTCB() ObjRef { return ObjRef(bitrec.Get(c.w1, threadTCBField)) }

// --- IRQControl / IRQHandler ---------------------------------------------

// NewIRQControlCap builds the single authority capability that permits
// minting IRQHandler caps for not-yet-claimed IRQ lines.
func NewIRQControlCap() Cap { return withTag(CapIRQControl, 0, 0) }

var irqNumberField = bitrec.Field{Off: 5, Width: 19}

func NewIRQHandlerCap(irq uint32) Cap {
	w0 := bitrec.Set(uint64(0), irqNumberField, uint64(irq))
	return withTag(CapIRQHandler, w0, 0)
}

func (c Cap) IRQNumber() uint32 { return uint32(bitrec.Get(c.w0, irqNumberField)) }

// --- Zombie ---------------------------------------------------------------

// ZombieKind distinguishes a zombie left behind by deleting a TCB from
// one left behind by deleting a CNode.
type ZombieKind uint8

const (
	ZombieTCB ZombieKind = iota
	ZombieCNode
)

var (
	zombieKindField  = bitrec.Bit(5)
	zombieRadix      = bitrec.Field{Off: 6, Width: 6}
	zombieRemaining  = bitrec.Field{Off: 12, Width: 32}
	zombieObjRef     = bitrec.Field{Off: 0, Width: 32}
)

// NewZombieCap records a partially-deleted object: the remaining count
// of child capabilities still to finalize, and for a CNode zombie, the
// radix needed to iterate its slots (zombie.DeleteAll/ReduceZombie).
func NewZombieCap(ref ObjRef, kind ZombieKind, radix uint8, remaining uint32) Cap {
	var w0 uint64
	w0 = bitrec.SetBool(w0, zombieKindField, kind == ZombieCNode)
	w0 = bitrec.Set(w0, zombieRadix, uint64(radix))
	w0 = bitrec.Set(w0, zombieRemaining, uint64(remaining))
	w1 := bitrec.Set(uint64(0), zombieObjRef, uint64(ref))
	return withTag(CapZombie, w0, w1)
}

func (c Cap) ZombieRef() ObjRef { return ObjRef(bitrec.Get(c.w1, zombieObjRef)) }
func (c Cap) ZombieKind() ZombieKind {
	if bitrec.GetBool(c.w0, zombieKindField) {
		return ZombieCNode
	}
	return ZombieTCB
}
func (c Cap) ZombieRadix() uint8      { return uint8(bitrec.Get(c.w0, zombieRadix)) }
func (c Cap) ZombieRemaining() uint32 { return uint32(bitrec.Get(c.w0, zombieRemaining)) }

// WithZombieRemaining returns a copy of c with its remaining count
// updated, the step ReduceZombie takes after finalizing one more slot.
func (c Cap) WithZombieRemaining(remaining uint32) Cap {
	c.w0 = bitrec.Set(c.w0, zombieRemaining, uint64(remaining))
	return c
}

// --- Domain ---------------------------------------------------------------

var domainIDField = bitrec.Field{Off: 5, Width: 3}

// NewDomainCap builds the authority capability used to invoke
// seL4_DomainSet_Set; it does not name a kernel object.
func NewDomainCap() Cap { return withTag(CapDomain, 0, 0) }

// --- Frame ------------------------------------------------------------

type VMRights uint8

const (
	VMNoAccess VMRights = iota
	VMReadOnly
	VMReadWrite
	VMReadExecute
)

var (
	frameSizeClass = bitrec.Field{Off: 5, Width: 3}
	frameIsDevice  = bitrec.Bit(8)
	frameVMRights  = bitrec.Field{Off: 9, Width: 3}
	frameIsMapped  = bitrec.Bit(12)
	frameASID      = bitrec.Field{Off: 13, Width: 16}
	frameObjRef    = bitrec.Field{Off: 29, Width: 32}
	frameVaddr     = bitrec.Field{Off: 0, Width: 64}
)

// FrameSizeClass indexes the architecture's supported frame sizes
// (e.g. 4K/2M/1G); vspace owns the actual byte-size table.
type FrameSizeClass uint8

// NewFrameCap builds an as-yet-unmapped capability to a physical frame.
func NewFrameCap(ref ObjRef, size FrameSizeClass, isDevice bool, rights VMRights) Cap {
	var w0 uint64
	w0 = bitrec.Set(w0, frameSizeClass, uint64(size))
	w0 = bitrec.SetBool(w0, frameIsDevice, isDevice)
	w0 = bitrec.Set(w0, frameVMRights, uint64(rights))
	w0 = bitrec.Set(w0, frameObjRef, uint64(ref))
	return withTag(CapFrame, w0, 0)
}

func (c Cap) FrameRef() ObjRef         { return ObjRef(bitrec.Get(c.w0, frameObjRef)) }
func (c Cap) FrameSizeClass() FrameSizeClass { return FrameSizeClass(bitrec.Get(c.w0, frameSizeClass)) }
func (c Cap) FrameIsDevice() bool      { return bitrec.GetBool(c.w0, frameIsDevice) }
func (c Cap) FrameRights() VMRights    { return VMRights(bitrec.Get(c.w0, frameVMRights)) }
func (c Cap) FrameIsMapped() bool      { return bitrec.GetBool(c.w0, frameIsMapped) }
func (c Cap) FrameMappedASID() uint16  { return uint16(bitrec.Get(c.w0, frameASID)) }
func (c Cap) FrameMappedVaddr() uint64 { return bitrec.Get(c.w1, frameVaddr) }

// WithFrameMapping returns a copy of c recording a successful map, or
// with isMapped=false to record an unmap. MapFrame/UnmapFrame replace
// the CTE's cap word wholesale with the result, matching the way a
// real frame cap's mapping fields are part of the cap, not side state.
func (c Cap) WithFrameMapping(isMapped bool, asid uint16, vaddr uint64) Cap {
	c.w0 = bitrec.SetBool(c.w0, frameIsMapped, isMapped)
	c.w0 = bitrec.Set(c.w0, frameASID, uint64(asid))
	c.w1 = bitrec.Set(c.w1, frameVaddr, vaddr)
	return c
}

// --- PageTable (generic, any non-root level) -----------------------------

var (
	ptLevel    = bitrec.Field{Off: 5, Width: 3}
	ptIsMapped = bitrec.Bit(8)
	ptASID     = bitrec.Field{Off: 9, Width: 16}
	ptObjRef   = bitrec.Field{Off: 25, Width: 32}
	ptVaddr    = bitrec.Field{Off: 0, Width: 64}
)

// NewPageTableCap builds a capability to an intermediate page-table
// object at the given translation level (0 = the root level, counted
// the way vspace counts levels).
func NewPageTableCap(ref ObjRef, level uint8) Cap {
	w0 := bitrec.Set(uint64(0), ptLevel, uint64(level))
	w0 = bitrec.Set(w0, ptObjRef, uint64(ref))
	return withTag(CapPageTable, w0, 0)
}

func (c Cap) PageTableRef() ObjRef        { return ObjRef(bitrec.Get(c.w0, ptObjRef)) }
func (c Cap) PageTableLevel() uint8       { return uint8(bitrec.Get(c.w0, ptLevel)) }
func (c Cap) PageTableIsMapped() bool     { return bitrec.GetBool(c.w0, ptIsMapped) }
func (c Cap) PageTableMappedASID() uint16 { return uint16(bitrec.Get(c.w0, ptASID)) }
func (c Cap) PageTableMappedVaddr() uint64 { return bitrec.Get(c.w1, ptVaddr) }

func (c Cap) WithPageTableMapping(isMapped bool, asid uint16, vaddr uint64) Cap {
	c.w0 = bitrec.SetBool(c.w0, ptIsMapped, isMapped)
	c.w0 = bitrec.Set(c.w0, ptASID, uint64(asid))
	c.w1 = bitrec.Set(c.w1, ptVaddr, vaddr)
	return c
}

// --- ASIDControl / ASIDPool / VSpaceRoot ---------------------------------

// NewASIDControlCap builds the single authority capability that permits
// turning an Untyped region into a fresh ASID pool.
func NewASIDControlCap() Cap { return withTag(CapASIDControl, 0, 0) }

var (
	asidPoolHigh   = bitrec.Field{Off: 5, Width: 16}
	asidPoolObjRef = bitrec.Field{Off: 0, Width: 32}
)

// NewASIDPoolCap builds a capability to an allocated ASID pool occupying
// asidHigh's slot in the top-level ASID table.
func NewASIDPoolCap(ref ObjRef, asidHigh uint16) Cap {
	w0 := bitrec.Set(uint64(0), asidPoolHigh, uint64(asidHigh))
	w1 := bitrec.Set(uint64(0), asidPoolObjRef, uint64(ref))
	return withTag(CapASIDPool, w0, w1)
}

func (c Cap) ASIDPoolRef() ObjRef   { return ObjRef(bitrec.Get(c.w1, asidPoolObjRef)) }
func (c Cap) ASIDPoolHigh() uint16  { return uint16(bitrec.Get(c.w0, asidPoolHigh)) }

var (
	vspaceIsMapped = bitrec.Bit(5)
	vspaceASID     = bitrec.Field{Off: 6, Width: 16}
	vspaceObjRef   = bitrec.Field{Off: 22, Width: 32}
)

// NewVSpaceRootCap builds a capability to a top-level translation
// table (the object ASID pools assign addresses to).
func NewVSpaceRootCap(ref ObjRef) Cap {
	w0 := bitrec.Set(uint64(0), vspaceObjRef, uint64(ref))
	return withTag(CapVSpaceRoot, w0, 0)
}

func (c Cap) VSpaceRootRef() ObjRef   { return ObjRef(bitrec.Get(c.w0, vspaceObjRef)) }
func (c Cap) VSpaceIsMapped() bool    { return bitrec.GetBool(c.w0, vspaceIsMapped) }
func (c Cap) VSpaceMappedASID() uint16 { return uint16(bitrec.Get(c.w0, vspaceASID)) }

// WithVSpaceAssigned returns a copy of c recording the ASID an
// AsidPoolAssign invocation bound it to.
func (c Cap) WithVSpaceAssigned(asid uint16) Cap {
	c.w0 = bitrec.SetBool(c.w0, vspaceIsMapped, true)
	c.w0 = bitrec.Set(c.w0, vspaceASID, uint64(asid))
	return c
}
