/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package vspace

import (
	"testing"

	"github.com/capkernel/capkernel/captab"
)

type fakeMMU struct {
	cleaned    []uint64
	tlbFlushed []uint64
}

func (m *fakeMMU) SetRoot(asid uint16, rootPaddr uint64)        {}
func (m *fakeMMU) FlushTLB(asid uint16)                         {}
func (m *fakeMMU) FlushTLBPage(asid uint16, vaddr uint64)       { m.tlbFlushed = append(m.tlbFlushed, vaddr) }
func (m *fakeMMU) CleanInvalidateCache(vaddr, size uint64)      { m.cleaned = append(m.cleaned, vaddr) }

const levels = 1 // flat table: root doubles as the leaf-parent table

func newMappedVSpace(t *testing.T, arena *Arena) captab.Cap {
	t.Helper()
	ut := captab.NewUntypedCap(0x10000, AsidPoolSizeBits, false, 0)
	poolCap, _, err := AsidControlMakePool(arena, ut)
	if err != nil {
		t.Fatalf("AsidControlMakePool: %v", err)
	}
	rootRef := arena.AllocTable()
	root := captab.NewVSpaceRootCap(rootRef)
	assigned, err := AsidPoolAssign(arena, poolCap, root)
	if err != nil {
		t.Fatalf("AsidPoolAssign: %v", err)
	}
	return assigned
}

func TestMapUnmapFrameRoundTrip(t *testing.T) {
	arena := NewArena()
	mmu := &fakeMMU{}
	root := newMappedVSpace(t, arena)

	frame := captab.NewFrameCap(captab.ObjRef(1), captab.FrameSizeClass(0), false, captab.VMReadWrite)
	mapped, err := MapFrame(mmu, arena, frame, root, levels, 0x1000, captab.VMReadWrite)
	if err != nil {
		t.Fatalf("MapFrame: %v", err)
	}
	if !mapped.FrameIsMapped() || mapped.FrameMappedVaddr() != 0x1000 {
		t.Fatalf("frame should record its mapping: %+v", mapped)
	}

	unmapped, err := UnmapFrame(mmu, arena, mapped, levels)
	if err != nil {
		t.Fatalf("UnmapFrame: %v", err)
	}
	if unmapped.FrameIsMapped() {
		t.Fatal("frame should be unmapped")
	}

	again, err := UnmapFrame(mmu, arena, unmapped, levels)
	if err != nil || again.FrameIsMapped() {
		t.Fatal("double unmap should be a no-op, not an error")
	}
}

func TestUnmapFrameClearsUnderlyingPTE(t *testing.T) {
	arena := NewArena()
	mmu := &fakeMMU{}
	root := newMappedVSpace(t, arena)

	frame := captab.NewFrameCap(captab.ObjRef(1), captab.FrameSizeClass(0), false, captab.VMReadWrite)
	mapped, err := MapFrame(mmu, arena, frame, root, levels, 0x5000, captab.VMReadWrite)
	if err != nil {
		t.Fatalf("MapFrame: %v", err)
	}
	tbl := arena.table(root.VSpaceRootRef())
	idx := vaddrIndex(0x5000, levels-1, levels)
	if !tbl.Entries[idx].Valid {
		t.Fatal("PTE should be installed after MapFrame")
	}

	if _, err := UnmapFrame(mmu, arena, mapped, levels); err != nil {
		t.Fatalf("UnmapFrame: %v", err)
	}
	if tbl.Entries[idx].Valid {
		t.Fatal("UnmapFrame should clear the underlying PTE, not just the capability's mapped bit")
	}
}

func TestMapFrameRequiresAlignment(t *testing.T) {
	arena := NewArena()
	mmu := &fakeMMU{}
	root := newMappedVSpace(t, arena)
	frame := captab.NewFrameCap(captab.ObjRef(1), captab.FrameSizeClass(0), false, captab.VMReadWrite)

	if _, err := MapFrame(mmu, arena, frame, root, levels, 0x1001, captab.VMReadWrite); err != ErrAlignment {
		t.Fatalf("got %v want ErrAlignment", err)
	}
}

func TestMapFrameNarrowsRightsToFrameCap(t *testing.T) {
	arena := NewArena()
	mmu := &fakeMMU{}
	root := newMappedVSpace(t, arena)
	frame := captab.NewFrameCap(captab.ObjRef(1), captab.FrameSizeClass(0), false, captab.VMReadOnly)

	mapped, err := MapFrame(mmu, arena, frame, root, levels, 0x2000, captab.VMReadWrite)
	if err != nil {
		t.Fatal(err)
	}
	tbl := arena.table(root.VSpaceRootRef())
	idx := vaddrIndex(0x2000, levels-1, levels)
	if tbl.Entries[idx].Rights != captab.VMReadOnly {
		t.Fatalf("mapping rights should be narrowed to the frame cap's rights, got %v", tbl.Entries[idx].Rights)
	}
	_ = mapped
}

func TestMapFrameIdempotentRemap(t *testing.T) {
	arena := NewArena()
	mmu := &fakeMMU{}
	root := newMappedVSpace(t, arena)
	frame := captab.NewFrameCap(captab.ObjRef(1), captab.FrameSizeClass(0), false, captab.VMReadWrite)

	mapped, err := MapFrame(mmu, arena, frame, root, levels, 0x3000, captab.VMReadWrite)
	if err != nil {
		t.Fatal(err)
	}
	remapped, err := MapFrame(mmu, arena, mapped, root, levels, 0x3000, captab.VMReadOnly)
	if err != nil {
		t.Fatalf("remap at the same (asid,vaddr) should succeed: %v", err)
	}
	if !remapped.FrameIsMapped() {
		t.Fatal("should still be mapped after narrowing rights")
	}
}

func TestMapFrameFailsWithoutPageTablePath(t *testing.T) {
	arena := NewArena()
	mmu := &fakeMMU{}
	rootRef := arena.AllocTable()
	root := captab.NewVSpaceRootCap(rootRef).WithVSpaceAssigned(1)
	frame := captab.NewFrameCap(captab.ObjRef(1), captab.FrameSizeClass(0), false, captab.VMReadWrite)

	// levels=2 requires an intermediate table between root and leaf;
	// none has been installed via MapPageTable, so this must fail.
	if _, err := MapFrame(mmu, arena, frame, root, 2, 0x4000, captab.VMReadWrite); err != ErrFailedLookup {
		t.Fatalf("got %v want ErrFailedLookup", err)
	}
}

func TestAsidControlMakePoolAndAssign(t *testing.T) {
	arena := NewArena()
	ut := captab.NewUntypedCap(0x10000, AsidPoolSizeBits, false, 0)

	poolCap, usedUt, err := AsidControlMakePool(arena, ut)
	if err != nil {
		t.Fatal(err)
	}
	if usedUt.UntypedFreeIndex() != uint64(1)<<AsidPoolSizeBits {
		t.Fatal("untyped backing the pool should be marked full")
	}

	rootRef := arena.AllocTable()
	root := captab.NewVSpaceRootCap(rootRef)
	assigned, err := AsidPoolAssign(arena, poolCap, root)
	if err != nil {
		t.Fatal(err)
	}
	if !assigned.VSpaceIsMapped() {
		t.Fatal("vspace root should be marked mapped with an ASID")
	}
}

func TestAsidControlMakePoolRejectsWrongSize(t *testing.T) {
	arena := NewArena()
	ut := captab.NewUntypedCap(0x10000, AsidPoolSizeBits+1, false, 0)
	if _, _, err := AsidControlMakePool(arena, ut); err != ErrASIDPoolWrongSize {
		t.Fatalf("got %v want ErrASIDPoolWrongSize", err)
	}
}
