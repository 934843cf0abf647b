/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package vspace holds the virtual memory object model: page tables,
// frames, and ASID bookkeeping, plus the mapping operations that write
// through to the board's MMU via hal.MMU. A frame or page-table
// capability's mapped_* fields travel with the capability value itself
// (same as the teacher's preference for self-describing records over
// side tables), so every operation here returns the updated capability
// for the caller to write back into its CTE.
package vspace

import (
	"errors"
	"sync"

	"github.com/capkernel/capkernel/captab"
	"github.com/capkernel/capkernel/hal"
)

var (
	ErrInvalidCapability = errors.New("vspace: capability is not valid for this operation")
	ErrAlignment         = errors.New("vspace: vaddr is not aligned to the frame size")
	ErrFailedLookup      = errors.New("vspace: no page table path to the final level")
	ErrDeleteFirst       = errors.New("vspace: a conflicting mapping already exists here")
	ErrASIDPoolWrongSize = errors.New("vspace: untyped is not sized for exactly one ASID pool")
	ErrASIDPoolFull      = errors.New("vspace: no empty slot in the ASID pool")
	ErrASIDTableFull     = errors.New("vspace: no empty top-level ASID pool index")
)

// PTEsPerTable is the fan-out of one translation-table level under a
// 4K granule (9 index bits), the same on every level of both the
// RISC-V Sv39 and AArch64 walkers this collapses into one.
const PTEsPerTable = 512

// AsidPoolSizeBits is the size, in bits, an Untyped region must have to
// back exactly one ASID pool object.
const AsidPoolSizeBits = 12

// AsidLowBits is the number of low bits of an ASID that index within a
// pool; the remaining high bits select the pool itself.
const AsidLowBits = 10

type PTE struct {
	Valid  bool
	Leaf   bool
	Table  captab.ObjRef
	Frame  captab.ObjRef
	Rights captab.VMRights
}

type PageTable struct {
	Entries [PTEsPerTable]PTE
}

type asidPool struct {
	slots [1 << AsidLowBits]captab.ObjRef
	used  [1 << AsidLowBits]bool
}

// Arena is the index-addressed backing store for page tables and ASID
// pools, the vspace analogue of cspace.ObjTable: objects are addressed
// by small ObjRef handles rather than pointers.
type Arena struct {
	mu      sync.Mutex
	tables  []*PageTable
	pools   []*asidPool
	topAsid [1 << (16 - AsidLowBits)]captab.ObjRef
	topUsed [1 << (16 - AsidLowBits)]bool
}

// NewArena returns an empty Arena; index 0 of both backing slices is
// reserved so the zero ObjRef never aliases a live object.
func NewArena() *Arena {
	return &Arena{
		tables: make([]*PageTable, 1, 16),
		pools:  make([]*asidPool, 1, 4),
	}
}

func (a *Arena) AllocTable() captab.ObjRef {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.tables = append(a.tables, &PageTable{})
	return captab.ObjRef(len(a.tables) - 1)
}

func (a *Arena) table(ref captab.ObjRef) *PageTable {
	a.mu.Lock()
	defer a.mu.Unlock()
	if int(ref) <= 0 || int(ref) >= len(a.tables) {
		return nil
	}
	return a.tables[ref]
}

func (a *Arena) allocPool() captab.ObjRef {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.pools = append(a.pools, &asidPool{})
	return captab.ObjRef(len(a.pools) - 1)
}

func (a *Arena) pool(ref captab.ObjRef) *asidPool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if int(ref) <= 0 || int(ref) >= len(a.pools) {
		return nil
	}
	return a.pools[ref]
}

// rootForASID recovers the vspace root table an ASID was assigned to,
// via the same top-level/pool-slot indexing AsidPoolAssign used to
// record it. Unmap operations are keyed by (asid, vaddr) alone (the
// frame/page-table cap doesn't carry a root reference), so this is the
// only path back to a walkable table.
func (a *Arena) rootForASID(asid uint16) (captab.ObjRef, bool) {
	high := asid >> AsidLowBits
	low := asid & (1<<AsidLowBits - 1)
	if int(high) >= len(a.topUsed) || !a.topUsed[high] {
		return 0, false
	}
	pool := a.pool(a.topAsid[high])
	if pool == nil || !pool.used[low] {
		return 0, false
	}
	return pool.slots[low], true
}

// vaddrIndex returns the index into the translation table at level
// (0 = root, levels-1 = leaf) that vaddr selects, for a levels-deep
// walk over PTEsPerTable-way tables under a 4K leaf granule. This one
// function replaces the arch-specific, level-specific walkers the
// source carries separately for each of Sv39 and AArch64's stage-1
// tables.
func vaddrIndex(vaddr uint64, level, levels int) int {
	shift := uint(12 + 9*(levels-1-level))
	return int((vaddr >> shift) & (PTEsPerTable - 1))
}

func frameSizeBits(size captab.FrameSizeClass) uint {
	return 12 + 9*uint(size)
}

// intersectRights folds the requested mapping rights down to what the
// frame capability itself was granted, per spec's "rights are ANDed
// with the frame's stored rights": NoAccess dominates, ReadOnly is a
// subset of both ReadWrite and ReadExecute, and the two write/execute
// rights are incomparable so requesting one against a cap holding the
// other narrows to ReadOnly.
func intersectRights(requested, capRights captab.VMRights) captab.VMRights {
	if requested == captab.VMNoAccess || capRights == captab.VMNoAccess {
		return captab.VMNoAccess
	}
	if requested == capRights {
		return requested
	}
	if requested == captab.VMReadOnly || capRights == captab.VMReadOnly {
		return captab.VMReadOnly
	}
	return captab.VMReadOnly
}

// walkToLeafParent walks root down to the table one above the leaf
// level, following Valid non-leaf entries. It does not allocate: a
// missing intermediate table is a failed lookup, exactly as
// map_frame's precondition "a path of page tables exists down to the
// final level".
func (a *Arena) walkToLeafParent(root captab.ObjRef, vaddr uint64, levels int) (*PageTable, error) {
	cur := root
	for level := 0; level < levels-1; level++ {
		tbl := a.table(cur)
		if tbl == nil {
			return nil, ErrFailedLookup
		}
		idx := vaddrIndex(vaddr, level, levels)
		pte := tbl.Entries[idx]
		if !pte.Valid || pte.Leaf {
			return nil, ErrFailedLookup
		}
		cur = pte.Table
	}
	tbl := a.table(cur)
	if tbl == nil {
		return nil, ErrFailedLookup
	}
	return tbl, nil
}

// MapFrame implements spec.md §4.C's map_frame: vaddr must be aligned
// to the frame size, the vspace root must already be assigned an ASID,
// a path of page tables must already reach the final level, and the
// frame must be either unmapped or already mapped at this exact
// (asid, vaddr) — remapping in place (e.g. to narrow rights) is the
// one case spec.md calls out as idempotent rather than an error.
func MapFrame(mmu hal.MMU, arena *Arena, frameCap, vspaceRootCap captab.Cap, levels int, vaddr uint64, rights captab.VMRights) (captab.Cap, error) {
	if frameCap.Tag() != captab.CapFrame || vspaceRootCap.Tag() != captab.CapVSpaceRoot {
		return frameCap, ErrInvalidCapability
	}
	if !vspaceRootCap.VSpaceIsMapped() {
		return frameCap, ErrInvalidCapability
	}
	asid := vspaceRootCap.VSpaceMappedASID()
	sizeBits := frameSizeBits(frameCap.FrameSizeClass())
	if vaddr&((uint64(1)<<sizeBits)-1) != 0 {
		return frameCap, ErrAlignment
	}
	if frameCap.FrameIsMapped() && (frameCap.FrameMappedASID() != asid || frameCap.FrameMappedVaddr() != vaddr) {
		return frameCap, ErrDeleteFirst
	}

	tbl, err := arena.walkToLeafParent(vspaceRootCap.VSpaceRootRef(), vaddr, levels)
	if err != nil {
		return frameCap, err
	}
	idx := vaddrIndex(vaddr, levels-1, levels)
	effectiveRights := intersectRights(rights, frameCap.FrameRights())
	tbl.Entries[idx] = PTE{Valid: true, Leaf: true, Frame: frameCap.FrameRef(), Rights: effectiveRights}

	mmu.CleanInvalidateCache(vaddr, uint64(1)<<sizeBits)
	mmu.FlushTLBPage(asid, vaddr)
	return frameCap.WithFrameMapping(true, asid, vaddr), nil
}

// UnmapFrame implements spec.md §4.C's unmap_frame: clears the PTE
// only if it still points at this frame, so a double-unmap (or
// unmapping a frame someone else's mapping has since overwritten) is a
// silent no-op rather than an error.
func UnmapFrame(mmu hal.MMU, arena *Arena, frameCap captab.Cap, levels int) (captab.Cap, error) {
	if frameCap.Tag() != captab.CapFrame {
		return frameCap, ErrInvalidCapability
	}
	if !frameCap.FrameIsMapped() {
		return frameCap, nil
	}
	asid, vaddr := frameCap.FrameMappedASID(), frameCap.FrameMappedVaddr()
	cleared := frameCap.WithFrameMapping(false, 0, 0)

	vspaceRoot, ok := arena.rootForASID(asid)
	if !ok {
		// ASID pool was torn down out from under this mapping (e.g. the
		// owning vspace root was already deleted); nothing left to walk.
		return cleared, nil
	}
	tbl, err := arena.walkToLeafParent(vspaceRoot, vaddr, levels)
	if err != nil {
		return cleared, nil
	}
	idx := vaddrIndex(vaddr, levels-1, levels)
	pte := tbl.Entries[idx]
	if !pte.Valid || !pte.Leaf || pte.Frame != frameCap.FrameRef() {
		return cleared, nil
	}
	tbl.Entries[idx] = PTE{}
	mmu.FlushTLBPage(asid, vaddr)
	return cleared, nil
}

// MapPageTable implements spec.md §4.C's map_page_table: the
// intermediate-level equivalent of MapFrame, installing ptCap's table
// into its parent slot.
func MapPageTable(mmu hal.MMU, arena *Arena, ptCap, vspaceRootCap captab.Cap, levels int, vaddr uint64) (captab.Cap, error) {
	if ptCap.Tag() != captab.CapPageTable || vspaceRootCap.Tag() != captab.CapVSpaceRoot {
		return ptCap, ErrInvalidCapability
	}
	if !vspaceRootCap.VSpaceIsMapped() {
		return ptCap, ErrInvalidCapability
	}
	asid := vspaceRootCap.VSpaceMappedASID()
	level := int(ptCap.PageTableLevel())
	if level < 0 || level >= levels-1 {
		return ptCap, ErrInvalidCapability
	}
	if ptCap.PageTableIsMapped() && (ptCap.PageTableMappedASID() != asid || ptCap.PageTableMappedVaddr() != vaddr) {
		return ptCap, ErrDeleteFirst
	}

	cur := vspaceRootCap.VSpaceRootRef()
	for l := 0; l < level; l++ {
		tbl := arena.table(cur)
		if tbl == nil {
			return ptCap, ErrFailedLookup
		}
		idx := vaddrIndex(vaddr, l, levels)
		pte := tbl.Entries[idx]
		if !pte.Valid || pte.Leaf {
			return ptCap, ErrFailedLookup
		}
		cur = pte.Table
	}
	tbl := arena.table(cur)
	if tbl == nil {
		return ptCap, ErrFailedLookup
	}
	idx := vaddrIndex(vaddr, level, levels)
	tbl.Entries[idx] = PTE{Valid: true, Leaf: false, Table: ptCap.PageTableRef()}

	mmu.FlushTLBPage(asid, vaddr)
	return ptCap.WithPageTableMapping(true, asid, vaddr), nil
}

// UnmapPageTable implements spec.md §4.C's unmap equivalent for an
// intermediate translation-table object.
func UnmapPageTable(mmu hal.MMU, arena *Arena, ptCap captab.Cap, vspaceRoot captab.ObjRef, levels int) (captab.Cap, error) {
	if ptCap.Tag() != captab.CapPageTable {
		return ptCap, ErrInvalidCapability
	}
	if !ptCap.PageTableIsMapped() {
		return ptCap, nil
	}
	asid, vaddr := ptCap.PageTableMappedASID(), ptCap.PageTableMappedVaddr()
	level := int(ptCap.PageTableLevel())
	cleared := ptCap.WithPageTableMapping(false, 0, 0)

	cur := vspaceRoot
	for l := 0; l < level; l++ {
		tbl := arena.table(cur)
		if tbl == nil {
			return cleared, nil
		}
		idx := vaddrIndex(vaddr, l, levels)
		pte := tbl.Entries[idx]
		if !pte.Valid || pte.Leaf {
			return cleared, nil
		}
		cur = pte.Table
	}
	tbl := arena.table(cur)
	if tbl == nil {
		return cleared, nil
	}
	idx := vaddrIndex(vaddr, level, levels)
	pte := tbl.Entries[idx]
	if !pte.Valid || pte.Leaf || pte.Table != ptCap.PageTableRef() {
		return cleared, nil
	}
	tbl.Entries[idx] = PTE{}
	mmu.FlushTLBPage(asid, vaddr)
	return cleared, nil
}

// AsidControlMakePool implements spec.md §4.C's asid_control.make_pool:
// the untyped must be non-device and sized exactly to one ASID pool;
// it installs the new pool at the lowest empty top-level index.
func AsidControlMakePool(arena *Arena, untypedCap captab.Cap) (captab.Cap, captab.Cap, error) {
	if untypedCap.Tag() != captab.CapUntyped {
		return captab.Cap{}, untypedCap, ErrInvalidCapability
	}
	if untypedCap.UntypedIsDevice() || untypedCap.UntypedSizeBits() != AsidPoolSizeBits {
		return captab.Cap{}, untypedCap, ErrASIDPoolWrongSize
	}
	idx := -1
	for i := range arena.topUsed {
		if !arena.topUsed[i] {
			idx = i
			break
		}
	}
	if idx < 0 {
		return captab.Cap{}, untypedCap, ErrASIDTableFull
	}
	ref := arena.allocPool()
	arena.topAsid[idx] = ref
	arena.topUsed[idx] = true

	full := uint64(1) << untypedCap.UntypedSizeBits()
	return captab.NewASIDPoolCap(ref, uint16(idx)), untypedCap.WithUntypedFreeIndex(full), nil
}

// AsidPoolAssign implements spec.md §4.C's asid_pool.assign: scans the
// pool for an empty slot, records the vspace root there, and marks the
// vspace cap mapped with the resulting ASID.
func AsidPoolAssign(arena *Arena, poolCap, vspaceRootCap captab.Cap) (captab.Cap, error) {
	if poolCap.Tag() != captab.CapASIDPool || vspaceRootCap.Tag() != captab.CapVSpaceRoot {
		return vspaceRootCap, ErrInvalidCapability
	}
	pool := arena.pool(poolCap.ASIDPoolRef())
	if pool == nil {
		return vspaceRootCap, ErrInvalidCapability
	}
	low := -1
	for i := range pool.used {
		if !pool.used[i] {
			low = i
			break
		}
	}
	if low < 0 {
		return vspaceRootCap, ErrASIDPoolFull
	}
	pool.slots[low] = vspaceRootCap.VSpaceRootRef()
	pool.used[low] = true

	asid := uint16(poolCap.ASIDPoolHigh())<<AsidLowBits | uint16(low)
	return vspaceRootCap.WithVSpaceAssigned(asid), nil
}
