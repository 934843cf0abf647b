/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package cspace

import "github.com/capkernel/capkernel/captab"

// ObjTable is the CNode arena: the backing store captab.ObjRef handles
// on CapCNode capabilities index into. Index 0 is reserved and never
// allocated, matching captab's "zero is never a live handle" contract.
type ObjTable struct {
	cnodes []*CNode
}

// NewObjTable returns an empty CNode arena.
func NewObjTable() *ObjTable {
	return &ObjTable{cnodes: make([]*CNode, 1)} // index 0 reserved
}

// Alloc registers cn and returns the handle a CapCNode capability
// should carry to reach it.
func (t *ObjTable) Alloc(cn *CNode) captab.ObjRef {
	t.cnodes = append(t.cnodes, cn)
	return captab.ObjRef(len(t.cnodes) - 1)
}

// Lookup returns the CNode a ref names, or nil if ref is out of range
// or the reserved zero handle.
func (t *ObjTable) Lookup(ref captab.ObjRef) *CNode {
	if ref == 0 || int(ref) >= len(t.cnodes) {
		return nil
	}
	return t.cnodes[ref]
}

// cte returns a pointer to the CTE a Slot names, or nil if the slot's
// CNode handle or index is invalid.
func (t *ObjTable) cte(s Slot) *CTE {
	cn := t.Lookup(s.CNode)
	if cn == nil || int(s.Index) >= len(cn.Slots) {
		return nil
	}
	return &cn.Slots[s.Index]
}
