/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package cspace is the capability space: CNode slot storage, the
// mapping-derivation base (MDB) linking every live capability into a
// derivation tree, and the operations (Insert/Move/Swap/Derive/Revoke/
// Delete/ResolveAddressBits) that keep both consistent. Slots are
// addressed by a small index into an arena rather than a raw pointer,
// the way entry/block.go addresses packed entries by offset into a
// fixed backing array instead of walking a pointer-linked list.
package cspace

import "github.com/capkernel/capkernel/captab"

// Slot is a handle to one CTE within a CNode's backing array. It is an
// arena index, not a pointer: CTEs never move once allocated, so a
// Slot remains valid for the CNode's lifetime.
type Slot struct {
	CNode captab.ObjRef
	Index uint32
}

// MDBNode is the doubly linked derivation-tree link a CTE carries
// alongside its capability, plus the two policy bits Insert sets and
// is_parent_of reads: revocable and first_badged.
type MDBNode struct {
	Prev, Next   Slot
	HasPrev      bool
	HasNext      bool
	Revocable    bool
	FirstBadged  bool
}

// CTE is one capability slot: a capability plus its MDB link. The zero
// CTE holds the null capability with an empty MDB node, exactly the
// state a freshly allocated CNode page starts in.
type CTE struct {
	Cap captab.Cap
	MDB MDBNode
}

func (c *CTE) isEmpty() bool {
	return c.Cap.IsNull() && !c.MDB.HasPrev && !c.MDB.HasNext
}

// CNode is a fixed-size array of CTEs, radix bits wide (2^radix slots).
type CNode struct {
	Radix uint8
	Slots []CTE
}

// NewCNode allocates a CNode with 2^radix empty slots.
func NewCNode(radix uint8) *CNode {
	return &CNode{Radix: radix, Slots: make([]CTE, 1<<radix)}
}
