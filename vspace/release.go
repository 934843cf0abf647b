/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package vspace

import (
	"github.com/capkernel/capkernel/captab"
	"github.com/capkernel/capkernel/hal"
)

// ClearFrameAt and ClearPageTableAt are UnmapFrame/UnmapPageTable
// generalized to the shape zombie.Hooks calls into during cap
// finalization: by the time the deletion engine reaches a mapped
// frame or page table, the CTE's own capability value is already
// gone, so only the (ref, asid, vaddr) finalize_cap recorded survive
// to identify the mapping — not the capability's Level/size-class
// bits UnmapFrame/UnmapPageTable key off today. Both walk the ASID's
// root exactly as their Cap-shaped counterparts, clearing the first
// entry found pointing at ref.

// ClearFrameAt clears asid's leaf mapping at vaddr if it still points
// at ref; a no-op if the ASID's root is already gone or the slot has
// since been overwritten.
func (a *Arena) ClearFrameAt(mmu hal.MMU, asid uint16, vaddr uint64, ref captab.ObjRef, levels int) {
	root, ok := a.rootForASID(asid)
	if !ok {
		return
	}
	tbl, err := a.walkToLeafParent(root, vaddr, levels)
	if err != nil {
		return
	}
	idx := vaddrIndex(vaddr, levels-1, levels)
	if pte := tbl.Entries[idx]; pte.Valid && pte.Leaf && pte.Frame == ref {
		tbl.Entries[idx] = PTE{}
		mmu.FlushTLBPage(asid, vaddr)
	}
}

// ClearPageTableAt clears asid's non-leaf mapping at vaddr if it still
// points at ref, searching every intermediate level since the caller
// does not know which one ref occupied.
func (a *Arena) ClearPageTableAt(mmu hal.MMU, asid uint16, vaddr uint64, ref captab.ObjRef, levels int) {
	cur, ok := a.rootForASID(asid)
	if !ok {
		return
	}
	for level := 0; level < levels-1; level++ {
		tbl := a.table(cur)
		if tbl == nil {
			return
		}
		idx := vaddrIndex(vaddr, level, levels)
		pte := tbl.Entries[idx]
		if !pte.Valid {
			return
		}
		if !pte.Leaf && pte.Table == ref {
			tbl.Entries[idx] = PTE{}
			mmu.FlushTLBPage(asid, vaddr)
			return
		}
		if pte.Leaf {
			return
		}
		cur = pte.Table
	}
}

// ReleaseASID frees asid's pool slot, the counterpart of
// AsidPoolAssign undone when the owning vspace root is finalized.
func (a *Arena) ReleaseASID(asid uint16) {
	a.mu.Lock()
	defer a.mu.Unlock()
	high := asid >> AsidLowBits
	low := asid & (1<<AsidLowBits - 1)
	if int(high) >= len(a.topUsed) || !a.topUsed[high] {
		return
	}
	pool := a.pools[a.topAsid[high]]
	if pool == nil {
		return
	}
	pool.used[low] = false
	pool.slots[low] = 0
}
