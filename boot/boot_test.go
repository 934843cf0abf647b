/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package boot

import (
	"testing"

	"github.com/capkernel/capkernel/captab"
	"github.com/capkernel/capkernel/cspace"
	"github.com/capkernel/capkernel/hal"
	"github.com/capkernel/capkernel/kconfig"
	"github.com/capkernel/capkernel/sched"
	"github.com/capkernel/capkernel/vspace"
)

type fakeMMU struct{}

func (m *fakeMMU) SetRoot(asid uint16, rootPaddr uint64)   {}
func (m *fakeMMU) FlushTLB(asid uint16)                    {}
func (m *fakeMMU) FlushTLBPage(asid uint16, vaddr uint64)  {}
func (m *fakeMMU) CleanInvalidateCache(vaddr, size uint64) {}

var _ hal.MMU = (*fakeMMU)(nil)

// testConfig returns a default KernelConfig plus a board Config whose
// single free region is large enough for the fixed rootserver objects,
// a handful of image frames, and a generous stock of leftover untyped
// memory to carve up.
func testConfig(t *testing.T, freeBytes uint64) (*kconfig.KernelConfig, Config) {
	t.Helper()
	kc := kconfig.Default()
	cfg := Config{
		NodeID:             0,
		NumNodes:           1,
		InitialDomain:      0,
		IPCBufferVaddr:     0x1000_0000,
		BootInfoVaddr:      0x1000_1000,
		UserImageVaddrBase: 0x2000_0000,
		UserImageFrames:    4,
		Free:               []Region{{Start: 0x8000_0000, End: 0x8000_0000 + freeBytes}},
	}
	return kc, cfg
}

func newBootFixture() (*cspace.ObjTable, *sched.Table, *sched.Scheduler, *vspace.Arena) {
	objs := cspace.NewObjTable()
	tcbs := sched.NewTable(objs)
	idle := tcbs.Alloc()
	tcbs.Get(idle).State = sched.IdleThreadState
	sc, err := sched.New(tcbs, &fakeMMU{}, []kconfig.DomainScheduleEntry{{Domain: 0, Length: 5}}, idle)
	if err != nil {
		panic(err)
	}
	vsp := vspace.NewArena()
	return objs, tcbs, sc, vsp
}

func TestCreateRootserverObjectsPopulatesFixedSlots(t *testing.T) {
	kc, cfg := testConfig(t, 1<<24)
	objs, tcbs, sc, vsp := newBootFixture()

	rs, err := CreateRootserverObjects(kc, objs, tcbs, sc, vsp, &fakeMMU{}, nil, cfg)
	if err != nil {
		t.Fatalf("CreateRootserverObjects: %v", err)
	}

	get := func(slot uint32) captab.Cap {
		return objs.Get(cspace.Slot{CNode: rs.RootCNode, Index: slot})
	}
	cases := []struct {
		slot uint32
		tag  captab.CapTag
	}{
		{SlotInitThreadCNode, captab.CapCNode},
		{SlotInitThreadVSpace, captab.CapVSpaceRoot},
		{SlotInitThreadTCB, captab.CapThread},
		{SlotInitThreadIPCBuffer, captab.CapFrame},
		{SlotBootInfoFrame, captab.CapFrame},
		{SlotInitThreadASIDPool, captab.CapASIDPool},
		{SlotIRQControl, captab.CapIRQControl},
		{SlotASIDControl, captab.CapASIDControl},
		{SlotDomain, captab.CapDomain},
	}
	for _, c := range cases {
		if got := get(c.slot).Tag(); got != c.tag {
			t.Fatalf("slot %d: expected tag %v, got %v", c.slot, c.tag, got)
		}
	}
}

func TestCreateRootserverObjectsActivatesInitialThread(t *testing.T) {
	kc, cfg := testConfig(t, 1<<24)
	objs, tcbs, sc, vsp := newBootFixture()

	rs, err := CreateRootserverObjects(kc, objs, tcbs, sc, vsp, &fakeMMU{}, nil, cfg)
	if err != nil {
		t.Fatalf("CreateRootserverObjects: %v", err)
	}

	tcb := tcbs.Get(rs.InitTCB)
	if tcb.State != sched.Running {
		t.Fatalf("expected initial thread Running, got %v", tcb.State)
	}
	if tcb.Priority != MaxPriority || tcb.MCP != MaxPriority {
		t.Fatalf("expected priority and MCP at MaxPriority, got prio=%d mcp=%d", tcb.Priority, tcb.MCP)
	}
	if tcb.Domain != cfg.InitialDomain {
		t.Fatalf("expected domain %d, got %d", cfg.InitialDomain, tcb.Domain)
	}
	if sc.Current() == rs.InitTCB {
		t.Fatalf("expected the initial thread merely enqueued, not switched to before the first Schedule")
	}
	// Enqueue only places the thread on its ready queue; nothing has
	// asked the scheduler to pick a new thread yet, matching how a real
	// boot path explicitly kicks the idle loop into its first schedule().
	sc.RequestReschedule()
	sc.Schedule()
	if sc.Current() != rs.InitTCB {
		t.Fatalf("expected the initial thread chosen once Schedule runs, got %v want %v", sc.Current(), rs.InitTCB)
	}

	for _, which := range []uint32{sched.SlotCSpaceRoot, sched.SlotVSpaceRoot, sched.SlotIPCBuffer} {
		if objs.Get(sched.CapSlot(tcb, which)).Tag() == captab.CapNull {
			t.Fatalf("expected initial thread cap slot %d populated", which)
		}
	}
}

func TestCreateRootserverObjectsAssignsASIDZeroToInitialVSpace(t *testing.T) {
	kc, cfg := testConfig(t, 1<<24)
	objs, tcbs, sc, vsp := newBootFixture()

	rs, err := CreateRootserverObjects(kc, objs, tcbs, sc, vsp, &fakeMMU{}, nil, cfg)
	if err != nil {
		t.Fatalf("CreateRootserverObjects: %v", err)
	}
	vspaceCap := objs.Get(cspace.Slot{CNode: rs.RootCNode, Index: SlotInitThreadVSpace})
	if !vspaceCap.VSpaceIsMapped() {
		t.Fatalf("expected the initial vspace root to carry an assigned ASID")
	}
}

func TestCreateRootserverObjectsSlotRegionsAreContiguousAndNonOverlapping(t *testing.T) {
	kc, cfg := testConfig(t, 1<<24)
	objs, tcbs, sc, vsp := newBootFixture()

	rs, err := CreateRootserverObjects(kc, objs, tcbs, sc, vsp, &fakeMMU{}, nil, cfg)
	if err != nil {
		t.Fatalf("CreateRootserverObjects: %v", err)
	}
	info := rs.Info
	if info.UserImagePaging.Start != numFixedSlots {
		t.Fatalf("expected paging region to start right after the fixed slots, got %d", info.UserImagePaging.Start)
	}
	if info.UserImageFrames.Start != info.UserImagePaging.End {
		t.Fatalf("expected image-frame region to follow paging region directly")
	}
	if info.UserImageFrames.Len() != cfg.UserImageFrames {
		t.Fatalf("expected %d user image frame slots, got %d", cfg.UserImageFrames, info.UserImageFrames.Len())
	}
	if info.ExtraBIPages.Start != info.UserImageFrames.End || info.ExtraBIPages.Len() != 0 {
		t.Fatalf("expected ExtraBIPages to be an empty region right after the image frames, got %+v", info.ExtraBIPages)
	}
	if info.Untyped.Start != info.ExtraBIPages.End {
		t.Fatalf("expected untyped region to start right after ExtraBIPages")
	}
	if info.Untyped.Len() != len(info.UntypedList) {
		t.Fatalf("expected untyped region length %d to match the untyped list length %d", info.Untyped.Len(), len(info.UntypedList))
	}
	if info.Empty.Start != info.Untyped.End {
		t.Fatalf("expected empty region to start right after the untyped region")
	}
	if info.Empty.End != uint32(1)<<info.InitThreadCNodeSizeBits {
		t.Fatalf("expected empty region to run to the end of the root cnode, got end=%d radix=%d", info.Empty.End, info.InitThreadCNodeSizeBits)
	}

	// Every slot in [1, Empty.End) below the empty region must be occupied
	// (slot 0 is the permanently-null SlotNull), and every slot from
	// Empty.Start onward must be free, confirming none of the regions
	// above overlap or leave gaps.
	for i := uint32(1); i < info.Empty.Start; i++ {
		if objs.Get(cspace.Slot{CNode: rs.RootCNode, Index: i}).Tag() == captab.CapNull {
			t.Fatalf("slot %d: expected occupied, found empty", i)
		}
	}
	for i := info.Empty.Start; i < info.Empty.End; i++ {
		if objs.Get(cspace.Slot{CNode: rs.RootCNode, Index: i}).Tag() != captab.CapNull {
			t.Fatalf("slot %d: expected empty (in the reported Empty region), found occupied", i)
		}
	}
}

func TestCreateRootserverObjectsReportsUntypedList(t *testing.T) {
	kc, cfg := testConfig(t, 1<<24)
	objs, tcbs, sc, vsp := newBootFixture()

	rs, err := CreateRootserverObjects(kc, objs, tcbs, sc, vsp, &fakeMMU{}, nil, cfg)
	if err != nil {
		t.Fatalf("CreateRootserverObjects: %v", err)
	}
	if len(rs.Info.UntypedList) == 0 {
		t.Fatalf("expected at least one leftover untyped region after reserving rootserver memory")
	}
	for _, u := range rs.Info.UntypedList {
		if u.SizeBits < MinUntypedBits || u.SizeBits > MaxUntypedBits {
			t.Fatalf("untyped size bits %d out of [%d, %d]", u.SizeBits, MinUntypedBits, MaxUntypedBits)
		}
		cap := objs.Get(cspace.Slot{CNode: rs.RootCNode, Index: rs.Info.Untyped.Start})
		if cap.Tag() != captab.CapUntyped {
			t.Fatalf("expected untyped region's first slot to carry an untyped cap, got %v", cap.Tag())
		}
	}
}

func TestCreateRootserverObjectsFailsWhenNoFreeMemoryFits(t *testing.T) {
	kc, cfg := testConfig(t, 0)
	cfg.Free = nil // no free regions at all
	objs, tcbs, sc, vsp := newBootFixture()

	_, err := CreateRootserverObjects(kc, objs, tcbs, sc, vsp, &fakeMMU{}, nil, cfg)
	if err != ErrNoFreeMemory {
		t.Fatalf("expected ErrNoFreeMemory, got %v", err)
	}
}

func TestBuildUntypedsDropsPastTheConfiguredCeilingWithoutSilentTruncation(t *testing.T) {
	// 0x180000 (1.5 MiB) is not itself a power of two, so the region
	// splits into more than one untyped capability.
	free := []Region{{Start: 0, End: 0x180000}}
	listUncapped, droppedUncapped := buildUntypeds(free, nil, 1<<30)
	if droppedUncapped != 0 {
		t.Fatalf("expected nothing dropped with a generous cap, got %d", droppedUncapped)
	}
	if len(listUncapped) < 2 {
		t.Fatalf("expected more than one untyped region out of a 1.5MiB span, got %d", len(listUncapped))
	}

	listCapped, droppedCapped := buildUntypeds(free, nil, 1)
	if len(listCapped) != 1 {
		t.Fatalf("expected exactly one untyped cap emitted under the cap, got %d", len(listCapped))
	}
	if droppedCapped != len(listUncapped)-1 {
		t.Fatalf("expected dropped count %d to account for every region past the cap, got %d", len(listUncapped)-1, droppedCapped)
	}
}

func TestBuildUntypedsRespectsAlignmentAtRegionStart(t *testing.T) {
	// start=0x1000 is 4KiB-aligned (12 trailing zero bits); the region is
	// exactly 8KiB, so the first emitted cap may be at most 2^12 even
	// though the remaining-length log2 alone would allow 2^13.
	free := []Region{{Start: 0x1000, End: 0x1000 + 0x2000}}
	list, dropped := buildUntypeds(free, nil, 100)
	if dropped != 0 {
		t.Fatalf("expected nothing dropped, got %d", dropped)
	}
	if len(list) == 0 {
		t.Fatalf("expected at least one untyped region")
	}
	if list[0].SizeBits > 12 {
		t.Fatalf("expected the first cap's size to respect the start address's alignment, got size_bits=%d", list[0].SizeBits)
	}
}

func TestBuildUntypedsTagsDeviceRegionsSeparately(t *testing.T) {
	free := []Region{{Start: 0x10000, End: 0x10000 + (1 << 16)}}
	device := []Region{{Start: 0x9000_0000, End: 0x9000_0000 + (1 << 12)}}
	list, dropped := buildUntypeds(free, device, 100)
	if dropped != 0 {
		t.Fatalf("expected nothing dropped, got %d", dropped)
	}
	var sawDevice, sawRAM bool
	for _, u := range list {
		if u.IsDevice {
			sawDevice = true
		} else {
			sawRAM = true
		}
	}
	if !sawDevice || !sawRAM {
		t.Fatalf("expected both a device and a RAM untyped region, got %+v", list)
	}
}

func TestNeededRadixGrowsWithUserImageFrames(t *testing.T) {
	kc := kconfig.Default()
	small := neededRadix(kc, Config{UserImageFrames: 1})
	large := neededRadix(kc, Config{UserImageFrames: 1000})
	if large <= small {
		t.Fatalf("expected a bigger image to need a bigger root cnode, got small=%d large=%d", small, large)
	}
}

func TestReserveRootserverMemoryCarvesFrontOfLargestRegion(t *testing.T) {
	regions := []Region{{Start: 0, End: 0x1000}, {Start: 0x10000, End: 0x20000}}
	out, err := reserveRootserverMemory(regions, 0x2000)
	if err != nil {
		t.Fatalf("reserveRootserverMemory: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("expected both the untouched small region and the remainder of the large one, got %+v", out)
	}
	if out[0] != (Region{Start: 0, End: 0x1000}) {
		t.Fatalf("expected the small region left untouched, got %+v", out[0])
	}
	if out[1] != (Region{Start: 0x12000, End: 0x20000}) {
		t.Fatalf("expected the large region's front carved off, got %+v", out[1])
	}
}

func TestReserveRootserverMemoryFailsWhenNothingFits(t *testing.T) {
	regions := []Region{{Start: 0, End: 0x100}}
	if _, err := reserveRootserverMemory(regions, 0x1000); err != ErrNoFreeMemory {
		t.Fatalf("expected ErrNoFreeMemory, got %v", err)
	}
}
