/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package cspace

import (
	"errors"

	"github.com/capkernel/capkernel/captab"
)

var (
	ErrSlotOccupied   = errors.New("cspace: destination slot is not empty")
	ErrSlotNotFound   = errors.New("cspace: slot does not resolve to a live CTE")
	ErrSlotEmpty      = errors.New("cspace: source slot holds the null capability")
	ErrNotDerivable   = errors.New("cspace: capability cannot be derived")
	ErrUntypedHasKids = errors.New("cspace: untyped has live descendants")
)

// Get returns the capability held in s, or the null capability if s
// does not resolve.
func (t *ObjTable) Get(s Slot) captab.Cap {
	if cte := t.cte(s); cte != nil {
		return cte.Cap
	}
	return captab.NullCap()
}

// GetMDB returns the MDB link held in s.
func (t *ObjTable) GetMDB(s Slot) MDBNode {
	if cte := t.cte(s); cte != nil {
		return cte.MDB
	}
	return MDBNode{}
}

// IsFinalCap reports whether s holds the only live reference to its
// underlying object: neither MDB neighbor in the derivation tree
// addresses the same object. This is a plain same-object check, not
// is_parent_of's revocation-authority relation — a bare copy that
// isn't revocable is still another live reference to the object, even
// though it would never count as a parent for revoke's cascade.
func (t *ObjTable) IsFinalCap(s Slot) bool {
	mdb := t.GetMDB(s)
	cap := t.Get(s)
	if mdb.HasNext && sameRegion(cap, t.Get(mdb.Next)) {
		return false
	}
	if mdb.HasPrev && sameRegion(cap, t.Get(mdb.Prev)) {
		return false
	}
	return true
}

// isRevocable implements spec.md §4.B's is_revocable: badged endpoint/
// notification minting (a badge different from the source's) and
// irq_handler/untyped copies are revocable; every other kind is not.
func isRevocable(newCap, srcCap captab.Cap) bool {
	switch newCap.Tag() {
	case captab.CapEndpoint:
		return newCap.EndpointBadge() != srcCap.EndpointBadge()
	case captab.CapNotification:
		return newCap.NotificationBadge() != srcCap.NotificationBadge()
	case captab.CapIRQHandler:
		return true
	case captab.CapUntyped:
		return true
	default:
		return false
	}
}

// isBadged reports whether cap carries a nonzero badge. Only endpoint
// and notification caps carry badges at all.
func isBadged(cap captab.Cap) bool {
	switch cap.Tag() {
	case captab.CapEndpoint:
		return cap.EndpointBadge() != 0
	case captab.CapNotification:
		return cap.NotificationBadge() != 0
	default:
		return false
	}
}

func sameRegion(a, b captab.Cap) bool {
	if a.Tag() != b.Tag() {
		return false
	}
	switch a.Tag() {
	case captab.CapEndpoint:
		return a.EndpointRef() == b.EndpointRef()
	case captab.CapNotification:
		return a.NotificationRef() == b.NotificationRef()
	case captab.CapUntyped:
		return a.UntypedBasePptr() == b.UntypedBasePptr() && a.UntypedSizeBits() == b.UntypedSizeBits()
	case captab.CapCNode:
		return a.CNodeRef() == b.CNodeRef()
	case captab.CapIRQHandler:
		return a.IRQNumber() == b.IRQNumber()
	case captab.CapFrame:
		return a.FrameRef() == b.FrameRef()
	case captab.CapPageTable:
		return a.PageTableRef() == b.PageTableRef()
	case captab.CapVSpaceRoot:
		return a.VSpaceRootRef() == b.VSpaceRootRef()
	case captab.CapThread:
		return a.ThreadTCB() == b.ThreadTCB()
	default:
		return false
	}
}

func sameBadge(a, b captab.Cap) bool {
	switch a.Tag() {
	case captab.CapEndpoint:
		return a.EndpointBadge() == b.EndpointBadge()
	case captab.CapNotification:
		return a.NotificationBadge() == b.NotificationBadge()
	default:
		return true
	}
}

// isParentOf implements spec.md §4.B's is_parent_of: a revocable slot
// a is the parent of b if they reference the same region/object, and
// — when a itself carries a badge — b continues the same badge group
// (b.first_badged is clear and the badges match) rather than starting
// a sibling lineage of its own. An unbadged a (the common case: the
// original object cap, or a plain cap kind with no badge concept at
// all) is parent to any same-region b regardless of b's badge, which
// is what lets revoking an unbadged root cascade through every minted
// child no matter what badge each one carries.
func isParentOf(aCap captab.Cap, aMDB MDBNode, bCap captab.Cap, bMDB MDBNode) bool {
	if !aMDB.Revocable {
		return false
	}
	if !sameRegion(aCap, bCap) {
		return false
	}
	if !isBadged(aCap) {
		return true
	}
	return !bMDB.FirstBadged && sameBadge(aCap, bCap)
}

// Insert places newCap into dest, linked immediately after src in the
// MDB list. dest must be empty (null cap, untouched MDB). Revocable/
// first_badged are both set from isRevocable(newCap, srcCap). If src
// and newCap are identical untyped caps over the same region, src is
// marked "full" by advancing its free index to the region's full size,
// exactly spec.md §4.B's full-untyped-copy rule.
func (t *ObjTable) Insert(newCap captab.Cap, src, dest Slot) error {
	destCTE := t.cte(dest)
	if destCTE == nil {
		return ErrSlotNotFound
	}
	if !destCTE.isEmpty() {
		return ErrSlotOccupied
	}
	srcCTE := t.cte(src)
	if srcCTE == nil {
		return ErrSlotNotFound
	}

	revocable := isRevocable(newCap, srcCTE.Cap)
	destCTE.Cap = newCap
	destCTE.MDB = MDBNode{
		Prev: src, HasPrev: true,
		Revocable: revocable, FirstBadged: revocable,
	}
	if srcCTE.MDB.HasNext {
		oldNext := srcCTE.MDB.Next
		destCTE.MDB.Next = oldNext
		destCTE.MDB.HasNext = true
		if nextCTE := t.cte(oldNext); nextCTE != nil {
			nextCTE.MDB.Prev = dest
			nextCTE.MDB.HasPrev = true
		}
	}
	srcCTE.MDB.Next = dest
	srcCTE.MDB.HasNext = true

	if newCap.Tag() == captab.CapUntyped && srcCTE.Cap.Tag() == captab.CapUntyped &&
		newCap.UntypedBasePptr() == srcCTE.Cap.UntypedBasePptr() &&
		newCap.UntypedSizeBits() == srcCTE.Cap.UntypedSizeBits() {
		full := uint64(1) << srcCTE.Cap.UntypedSizeBits()
		srcCTE.Cap = srcCTE.Cap.WithUntypedFreeIndex(full)
	}
	return nil
}

// Move relocates the capability in src to dest, preserving its MDB
// position (dest takes over src's prev/next links; src becomes empty).
// Used for seL4_CNode_Move and as the final step of seL4_CNode_Recycle.
func (t *ObjTable) Move(src, dest Slot) error {
	srcCTE := t.cte(src)
	destCTE := t.cte(dest)
	if srcCTE == nil || destCTE == nil {
		return ErrSlotNotFound
	}
	if !destCTE.isEmpty() {
		return ErrSlotOccupied
	}
	if srcCTE.isEmpty() {
		return ErrSlotEmpty
	}

	destCTE.Cap = srcCTE.Cap
	destCTE.MDB = srcCTE.MDB
	t.relink(src, dest)
	*srcCTE = CTE{}
	return nil
}

// Swap exchanges the capabilities (and MDB positions) held in a and b.
// invoke.CNodeRotate builds its three-way cycle from one Swap followed
// by a Move into the empty destination; zombie also uses it when
// reducing a cyclic zombie.
func (t *ObjTable) Swap(a, b Slot) error {
	aCTE := t.cte(a)
	bCTE := t.cte(b)
	if aCTE == nil || bCTE == nil {
		return ErrSlotNotFound
	}
	aCap, aMDB := aCTE.Cap, aCTE.MDB
	bCap, bMDB := bCTE.Cap, bCTE.MDB

	aCTE.Cap, aCTE.MDB = bCap, bMDB
	bCTE.Cap, bCTE.MDB = aCap, aMDB
	t.relink(a, b)
	t.relink(b, a)
	return nil
}

// relink fixes up the neighbors of "from" to point at "to" after a
// move/swap, given to now holds from's old MDB links.
func (t *ObjTable) relink(from, to Slot) {
	mdb := t.GetMDB(to)
	if mdb.HasPrev {
		if prev := t.cte(mdb.Prev); prev != nil && prev.MDB.HasNext && prev.MDB.Next == from {
			prev.MDB.Next = to
		}
	}
	if mdb.HasNext {
		if next := t.cte(mdb.Next); next != nil && next.MDB.HasPrev && next.MDB.Prev == from {
			next.MDB.Prev = to
		}
	}
}

// Derive implements spec.md §4.B's derivation policy for seL4_CNode_
// Copy/Mint's "what capability does the destination actually get"
// step: most kinds derive unchanged, untyped requires no live children,
// page_table/vspace_root require is_mapped, frame zeroes mapped state,
// and reply/irq_control refuse outright.
func (t *ObjTable) Derive(src Slot) (captab.Cap, error) {
	cte := t.cte(src)
	if cte == nil {
		return captab.Cap{}, ErrSlotNotFound
	}
	cap := cte.Cap
	switch cap.Tag() {
	case captab.CapUntyped:
		if t.hasChildren(src) {
			return captab.Cap{}, ErrUntypedHasKids
		}
		return cap, nil
	case captab.CapPageTable:
		if !cap.PageTableIsMapped() {
			return captab.Cap{}, ErrNotDerivable
		}
		return cap, nil
	case captab.CapVSpaceRoot:
		if !cap.VSpaceIsMapped() {
			return captab.Cap{}, ErrNotDerivable
		}
		return cap, nil
	case captab.CapFrame:
		return cap.WithFrameMapping(false, 0, 0), nil
	case captab.CapReply, captab.CapIRQControl:
		return captab.Cap{}, ErrNotDerivable
	default:
		return cap, nil
	}
}

// hasChildren implements spec.md §4.B's "verifies slot has no MDB
// children" for untyped derivation: any MDB-next entry at all, whether
// a plain copy or a retyped object, is a live consumer of the region.
func (t *ObjTable) hasChildren(s Slot) bool {
	return t.GetMDB(s).HasNext
}

// HasChildren exports hasChildren for callers outside this package
// that need the same "any MDB-next entry at all" check, e.g. invoke's
// Retype deciding whether an untyped's free_index is stale and must
// be reset to zero before this retype (spec.md §4.G).
func (t *ObjTable) HasChildren(s Slot) bool {
	return t.hasChildren(s)
}

// SetCap overwrites the capability in s without touching its MDB
// links. zombie uses this to replace a finalized cap with a Zombie
// cap in place and to decrement/swap a Zombie mid-reduction, where the
// MDB position must not move.
func (t *ObjTable) SetCap(s Slot, cap captab.Cap) error {
	cte := t.cte(s)
	if cte == nil {
		return ErrSlotNotFound
	}
	cte.Cap = cap
	return nil
}

// Unlink removes s from the MDB list entirely (splicing its neighbors
// together) and clears its contents to the empty CTE. This is the
// final step of a cap's life once zombie reduction has finished with
// it — ordinary Delete of a non-final cap only needs SetCap(s, Null).
func (t *ObjTable) Unlink(s Slot) error {
	cte := t.cte(s)
	if cte == nil {
		return ErrSlotNotFound
	}
	mdb := cte.MDB
	if mdb.HasPrev {
		if prev := t.cte(mdb.Prev); prev != nil {
			prev.MDB.Next = mdb.Next
			prev.MDB.HasNext = mdb.HasNext
		}
	}
	if mdb.HasNext {
		if next := t.cte(mdb.Next); next != nil {
			next.MDB.Prev = mdb.Prev
			next.MDB.HasPrev = mdb.HasPrev
		}
	}
	*cte = CTE{}
	return nil
}

// NextSibling returns the MDB-next slot and whether it is a live
// derivation child of s (per isParentOf), for zombie's revoke walk.
func (t *ObjTable) NextSibling(s Slot) (Slot, bool) {
	mdb := t.GetMDB(s)
	if !mdb.HasNext {
		return Slot{}, false
	}
	return mdb.Next, isParentOf(t.Get(s), mdb, t.Get(mdb.Next), t.GetMDB(mdb.Next))
}

// InsertRoot places cap directly into dest with no MDB predecessor,
// marked revocable and first-badged. This is for boot-installed root
// capabilities (the initial CNode, the original endpoint before any
// minting) which have no src slot to derive from but must still be
// able to parent whatever gets minted from them later — an ordinary
// empty CTE defaults to Revocable: false, which would make a bare
// SetCap'd root incapable of ever satisfying is_parent_of.
func (t *ObjTable) InsertRoot(cap captab.Cap, dest Slot) error {
	cte := t.cte(dest)
	if cte == nil {
		return ErrSlotNotFound
	}
	if !cte.isEmpty() {
		return ErrSlotOccupied
	}
	cte.Cap = cap
	cte.MDB = MDBNode{Revocable: true, FirstBadged: true}
	return nil
}
