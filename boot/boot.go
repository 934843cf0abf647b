/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package boot builds the kernel's one-time root-server object graph:
// the root CNode, the initial thread's VSpace and ASID, the boot info
// frame, and the untyped capabilities the root task uses to bootstrap
// every other object in the system. The capabilities it seeds into the
// root CNode are installed with cspace.ObjTable.InsertRoot, since they
// have no parent slot to be derived from.
package boot

import (
	"errors"
	"math/bits"

	"github.com/google/uuid"

	"github.com/capkernel/capkernel/captab"
	"github.com/capkernel/capkernel/cspace"
	"github.com/capkernel/capkernel/hal"
	"github.com/capkernel/capkernel/kconfig"
	"github.com/capkernel/capkernel/klog"
	"github.com/capkernel/capkernel/sched"
	"github.com/capkernel/capkernel/vspace"
)

var (
	ErrNoFreeMemory  = errors.New("boot: no free memory region large enough for the rootserver objects")
	ErrBootFailed    = errors.New("boot: rootserver object construction failed")
	ErrASIDTableFull = errors.New("boot: no empty top-level ASID pool index for the initial vspace")
)

// Fixed slots of the root CNode. Every board that boots this kernel
// finds its bootstrap capabilities at the same well-known indices,
// exactly as a user image compiled against a known seL4 bootinfo
// layout finds seL4_CapInitThreadTCB etc. at fixed offsets.
const (
	SlotNull uint32 = iota
	SlotInitThreadTCB
	SlotInitThreadCNode
	SlotInitThreadVSpace
	SlotInitThreadIPCBuffer
	SlotBootInfoFrame
	SlotInitThreadASIDPool
	SlotIRQControl
	SlotASIDControl
	SlotDomain
	numFixedSlots
)

// MinUntypedBits/MaxUntypedBits bound the power-of-two size of any one
// emitted Untyped capability, matching seL4_MinUntypedBits/
// seL4_MaxUntypedBits (original_source/sel4_common/src/sel4_config.rs).
const (
	MinUntypedBits = 4
	MaxUntypedBits = 38
)

// objSizeBits are the byte footprints reserved out of physical memory
// for the rootserver's own fixed objects, mirroring
// create_rootserver_objects's fixed allocation order. Our software
// arenas (cspace.ObjTable, vspace.Arena, sched.Table) don't actually
// need a backing physical address to hold these objects — they are
// addressed by ObjRef, not pptr — but the reservation still matters:
// it keeps this span out of the Untyped capabilities handed to the
// root task, exactly as on real hardware where overlap would be a
// memory-safety bug.
const (
	cnodeSlotBytes  = 32 // seL4_SlotBits
	vspaceRootBytes = 1 << 12
	asidPoolBytes   = 1 << vspace.AsidPoolSizeBits
	tcbBytes        = 1 << 10
	frameBytes      = 1 << 12
	pageTableBytes  = 1 << 12
	vmLevels        = 3 // matches invoke.VMLevels; duplicated since invoke doesn't export it as a dependency boot can import without creating a cycle
)

// Region is a half-open physical address range [Start, End).
type Region struct {
	Start, End uint64
}

func (r Region) size() uint64 { return r.End - r.Start }
func (r Region) empty() bool  { return r.End <= r.Start }

// Config is everything board-specific CreateRootserverObjects needs:
// the layout the bootloader already committed to (where the root
// task's ELF image and its IPC buffer land in virtual memory) plus
// the physical memory map the board's early init discovered.
type Config struct {
	NodeID        uint32
	NumNodes      uint32
	InitialDomain uint8

	IPCBufferVaddr     uint64
	BootInfoVaddr      uint64
	UserImageVaddrBase uint64
	// UserImageFrames is the count of already-loaded 4K frames making
	// up the root task's image, contiguously mapped from
	// UserImageVaddrBase. Loading the ELF itself is the bootloader's
	// job, outside this package.
	UserImageFrames int

	// Free lists ordinary RAM available for rootserver construction
	// and untyped carve-up; Device lists physical ranges to report as
	// device untyped caps (MMIO windows etc). Both are consumed
	// (mutated copies, not the caller's slices).
	Free   []Region
	Device []Region
}

// Rootserver is everything CreateRootserverObjects hands back: the
// object refs kernel needs to resume as the initial thread, plus the
// populated boot info the initial thread reads out of its own address
// space.
type Rootserver struct {
	RootCNode    captab.ObjRef
	RootCNodeCap captab.Cap
	InitTCB      captab.ObjRef
	VSpaceRoot   captab.ObjRef
	ASIDPool     captab.ObjRef
	Info         *Info
}

func ceilLog2(n uint64) uint8 {
	if n <= 1 {
		return 0
	}
	return uint8(bits.Len64(n - 1))
}

// neededRadix sizes the root CNode once, up front, from a worst-case
// slot count: the fixed slots, the configured untyped-cap ceiling, the
// user image frames, and an upper bound of two page-table objects per
// mapped vaddr (IPC buffer + boot info + one per image frame) under
// vmLevels' depth. Actual usage is almost always smaller (adjacent
// image frames share their page tables), which is exactly what
// Root_CNode_Slack_Bits is for: the unused tail becomes the "empty"
// slot region the root task derives its first new capabilities into.
func neededRadix(kc *kconfig.KernelConfig, cfg Config) uint8 {
	numVaddrs := 2 + cfg.UserImageFrames // ipc buffer + boot info + each image frame
	pagingUpperBound := (vmLevels - 1) * numVaddrs
	total := uint64(numFixedSlots) + uint64(kc.Boot.Max_Bootinfo_Untyped) + uint64(pagingUpperBound) + uint64(cfg.UserImageFrames)
	return ceilLog2(total) + uint8(kc.Boot.Root_CNode_Slack_Bits)
}

// reserveRootserverMemory removes a reservedBytes-sized span from the
// largest region in regions (by size, first found on ties) and
// returns the updated region list with that span carved off its
// front. Matches root_server_mem_init's "find a free-memory region big
// enough for all rootserver objects" search.
func reserveRootserverMemory(regions []Region, reservedBytes uint64) ([]Region, error) {
	best := -1
	for i, r := range regions {
		if r.size() >= reservedBytes && (best < 0 || r.size() > regions[best].size()) {
			best = i
		}
	}
	if best < 0 {
		return nil, ErrNoFreeMemory
	}
	out := make([]Region, 0, len(regions)+1)
	out = append(out, regions[:best]...)
	remainder := Region{regions[best].Start + reservedBytes, regions[best].End}
	if !remainder.empty() {
		out = append(out, remainder)
	}
	out = append(out, regions[best+1:]...)
	return out, nil
}

// pendingCap is one (cap, slot) pair awaiting installation once the
// root CNode's final size is known; boot.go never calls InsertRoot
// until every slot index is settled, so variable-length regions
// (paging, untyped) never need to be pre-counted exactly.
type pendingCap struct {
	slot uint32
	cap  captab.Cap
}

// pageTableGroupKey identifies which page-table instance at a given
// level a vaddr resolves through, duplicating vspace's unexported
// vaddrIndex/frameSizeBits shift arithmetic (vm.go already duplicates
// this for the same cross-package reason: vspace keeps its walker
// internals unexported, and boot needs to decide whether a table
// already exists before mapping into it).
func pageTableGroupKey(vaddr uint64, level int) uint64 {
	shift := uint(12 + 9*(vmLevels-1-level))
	return vaddr >> shift
}

// mapper accumulates the page-table objects a set of vaddrs need,
// creating and mapping each distinct one exactly once.
type mapper struct {
	mmu       hal.MMU
	vsp       *vspace.Arena
	vspaceCap captab.Cap
	created   map[uint64]bool
	pending   []pendingCap
}

// ensurePath walks levels 0..vmLevels-2 for vaddr, creating and
// mapping any page table not already present. It does not map the
// frame at vaddr itself; mapFrame does that once the path exists.
func (m *mapper) ensurePath(vaddr uint64) error {
	for level := 0; level < vmLevels-1; level++ {
		key := uint64(level)<<56 | pageTableGroupKey(vaddr, level)
		if m.created[key] {
			continue
		}
		ref := m.vsp.AllocTable()
		ptCap := captab.NewPageTableCap(ref, uint8(level))
		mapped, err := vspace.MapPageTable(m.mmu, m.vsp, ptCap, m.vspaceCap, vmLevels, vaddr)
		if err != nil {
			return err
		}
		m.pending = append(m.pending, pendingCap{cap: mapped})
		m.created[key] = true
	}
	return nil
}

func (m *mapper) mapFrame(frameCap captab.Cap, vaddr uint64, rights captab.VMRights) (captab.Cap, error) {
	if err := m.ensurePath(vaddr); err != nil {
		return frameCap, err
	}
	return vspace.MapFrame(m.mmu, m.vsp, frameCap, m.vspaceCap, vmLevels, vaddr, rights)
}

// CreateRootserverObjects performs the kernel's one-time boot
// construction: root CNode, initial thread, VSpace/ASID, untyped
// carve-up from free memory, and the populated boot info frame. This
// directly implements spec.md §3.3's "Untyped → typed. Created at boot
// from free-memory regions," following root_server.rs's fixed order:
// reserve rootserver memory, build the fixed objects, assign ASID 0,
// map the user image and boot info, then emit power-of-two Untyped
// capabilities covering the leftover free-memory and device regions.
func CreateRootserverObjects(
	kc *kconfig.KernelConfig,
	objs *cspace.ObjTable,
	tcbs *sched.Table,
	sc *sched.Scheduler,
	vsp *vspace.Arena,
	mmu hal.MMU,
	logger *klog.Logger,
	cfg Config,
) (*Rootserver, error) {
	if logger == nil {
		logger = klog.NewDiscard()
	}

	radix := neededRadix(kc, cfg)
	numVaddrs := 2 + cfg.UserImageFrames
	pagingUpperBound := uint64(vmLevels-1) * uint64(numVaddrs)
	reserved := uint64(1)<<radix*cnodeSlotBytes + vspaceRootBytes + asidPoolBytes + tcbBytes +
		frameBytes /* ipc buffer */ + frameBytes /* boot info */ + pagingUpperBound*pageTableBytes

	free, err := reserveRootserverMemory(append([]Region(nil), cfg.Free...), reserved)
	if err != nil {
		logger.Errorf("boot: could not reserve %d bytes for rootserver objects: %v", reserved, err)
		return nil, err
	}

	rootRef := objs.Alloc(cspace.NewCNode(radix))
	rootCap := captab.NewCNodeCap(rootRef, radix, 0, 0)

	vspaceRef := vsp.AllocTable()
	vspaceCap := captab.NewVSpaceRootCap(vspaceRef)

	initTCBRef := tcbs.Alloc()
	initTCB := tcbs.Get(initTCBRef)

	untypedForASID := captab.NewUntypedCap(0, vspace.AsidPoolSizeBits, false, 0)
	asidPoolCap, _, err := vspace.AsidControlMakePool(vsp, untypedForASID)
	if err != nil {
		return nil, ErrASIDTableFull
	}
	vspaceCap, err = vspace.AsidPoolAssign(vsp, asidPoolCap, vspaceCap)
	if err != nil {
		return nil, err
	}

	m := &mapper{mmu: mmu, vsp: vsp, vspaceCap: vspaceCap, created: make(map[uint64]bool)}

	ipcBufferCap := captab.NewFrameCap(vsp.AllocTable(), captab.FrameSizeClass(0), false, captab.VMReadWrite)
	ipcBufferCap, err = m.mapFrame(ipcBufferCap, cfg.IPCBufferVaddr, captab.VMReadWrite)
	if err != nil {
		return nil, err
	}

	bootInfoCap := captab.NewFrameCap(vsp.AllocTable(), captab.FrameSizeClass(0), false, captab.VMReadWrite)
	bootInfoCap, err = m.mapFrame(bootInfoCap, cfg.BootInfoVaddr, captab.VMReadWrite)
	if err != nil {
		return nil, err
	}

	userImageStart := len(m.pending)
	for i := 0; i < cfg.UserImageFrames; i++ {
		frameCap := captab.NewFrameCap(vsp.AllocTable(), captab.FrameSizeClass(0), false, captab.VMReadExecute)
		vaddr := cfg.UserImageVaddrBase + uint64(i)<<12
		frameCap, err = m.mapFrame(frameCap, vaddr, captab.VMReadExecute)
		if err != nil {
			return nil, err
		}
		m.pending = append(m.pending, pendingCap{cap: frameCap})
	}
	// The page tables gathered above were appended to m.pending as we
	// walked each vaddr's path, interleaved with image frames; split
	// them back into the two contiguous regions bootinfo reports by
	// re-partitioning on cap tag rather than threading two slices
	// through mapFrame.
	var pagingCaps, imageCaps []captab.Cap
	for i, p := range m.pending {
		if i < userImageStart {
			pagingCaps = append(pagingCaps, p.cap)
			continue
		}
		if p.cap.Tag() == captab.CapPageTable {
			pagingCaps = append(pagingCaps, p.cap)
		} else {
			imageCaps = append(imageCaps, p.cap)
		}
	}

	untypedList, dropped := buildUntypeds(free, cfg.Device, kc.Boot.Max_Bootinfo_Untyped)
	if dropped > 0 {
		logger.Warnf("boot: dropped %d untyped region(s); CONFIG_MAX_NUM_BOOTINFO_UNTYPED_CAPS=%d exceeded", dropped, kc.Boot.Max_Bootinfo_Untyped)
	}

	cursor := numFixedSlots
	pagingRegion := SlotRegion{Start: cursor, End: cursor + uint32(len(pagingCaps))}
	cursor = pagingRegion.End
	imageRegion := SlotRegion{Start: cursor, End: cursor + uint32(len(imageCaps))}
	cursor = imageRegion.End
	extraRegion := SlotRegion{Start: cursor, End: cursor}
	untypedRegion := SlotRegion{Start: cursor, End: cursor + uint32(len(untypedList))}
	cursor = untypedRegion.End
	emptyRegion := SlotRegion{Start: cursor, End: uint32(1) << radix}

	install := func(slot uint32, cap captab.Cap) error {
		return objs.InsertRoot(cap, cspace.Slot{CNode: rootRef, Index: slot})
	}
	if err := install(SlotInitThreadCNode, rootCap); err != nil {
		return nil, ErrBootFailed
	}
	if err := install(SlotInitThreadVSpace, vspaceCap); err != nil {
		return nil, ErrBootFailed
	}
	if err := install(SlotInitThreadTCB, captab.NewThreadCap(initTCBRef)); err != nil {
		return nil, ErrBootFailed
	}
	if err := install(SlotInitThreadIPCBuffer, ipcBufferCap); err != nil {
		return nil, ErrBootFailed
	}
	if err := install(SlotBootInfoFrame, bootInfoCap); err != nil {
		return nil, ErrBootFailed
	}
	if err := install(SlotInitThreadASIDPool, asidPoolCap); err != nil {
		return nil, ErrBootFailed
	}
	if err := install(SlotIRQControl, captab.NewIRQControlCap()); err != nil {
		return nil, ErrBootFailed
	}
	if err := install(SlotASIDControl, captab.NewASIDControlCap()); err != nil {
		return nil, ErrBootFailed
	}
	if err := install(SlotDomain, captab.NewDomainCap()); err != nil {
		return nil, ErrBootFailed
	}
	for i, cap := range pagingCaps {
		if err := install(pagingRegion.Start+uint32(i), cap); err != nil {
			return nil, ErrBootFailed
		}
	}
	for i, cap := range imageCaps {
		if err := install(imageRegion.Start+uint32(i), cap); err != nil {
			return nil, ErrBootFailed
		}
	}
	for i, u := range untypedList {
		cap := captab.NewUntypedCap(u.PAddr, u.SizeBits, u.IsDevice, 0)
		if err := install(untypedRegion.Start+uint32(i), cap); err != nil {
			return nil, ErrBootFailed
		}
	}

	// Wire the initial thread's own fixed slots (its private
	// CapArrayRadix CNode, not the root CNode) by deriving fresh
	// copies of the root/vspace/ipc-buffer caps, the same Derive+
	// Insert pattern invoke.CNodeCopy uses.
	copyInto := func(srcSlot uint32, which uint32) error {
		src := cspace.Slot{CNode: rootRef, Index: srcSlot}
		derived, err := objs.Derive(src)
		if err != nil {
			return err
		}
		dest := sched.CapSlot(initTCB, which)
		return objs.Insert(derived, src, dest)
	}
	if err := copyInto(SlotInitThreadCNode, sched.SlotCSpaceRoot); err != nil {
		return nil, ErrBootFailed
	}
	if err := copyInto(SlotInitThreadVSpace, sched.SlotVSpaceRoot); err != nil {
		return nil, ErrBootFailed
	}
	if err := copyInto(SlotInitThreadIPCBuffer, sched.SlotIPCBuffer); err != nil {
		return nil, ErrBootFailed
	}

	initTCB.Priority = MaxPriority
	initTCB.MCP = MaxPriority
	initTCB.Domain = cfg.InitialDomain
	initTCB.State = sched.Running
	sc.Enqueue(initTCBRef)

	info := &Info{
		BootID:                  uuid.New(),
		NodeID:                  cfg.NodeID,
		NumNodes:                cfg.NumNodes,
		InitThreadCNodeSizeBits: radix,
		InitialDomain:           cfg.InitialDomain,
		IPCBufferVaddr:          cfg.IPCBufferVaddr,
		Empty:                   emptyRegion,
		UserImageFrames:         imageRegion,
		UserImagePaging:         pagingRegion,
		ExtraBIPages:            extraRegion,
		Untyped:                 untypedRegion,
		UntypedList:             untypedList,
	}

	logger.Infof("boot: node %d/%d up, root cnode 2^%d slots, %d untyped cap(s), boot id %s",
		cfg.NodeID, cfg.NumNodes, radix, len(untypedList), info.BootID)

	return &Rootserver{
		RootCNode:    rootRef,
		RootCNodeCap: rootCap,
		InitTCB:      initTCBRef,
		VSpaceRoot:   vspaceRef,
		ASIDPool:     asidPoolCap.ASIDPoolRef(),
		Info:         info,
	}, nil
}

// MaxPriority is the priority (and max controlled priority) the
// initial thread boots at: the top of the priority range, matching
// seL4_MaxPrio in root_server.rs's create_initial_thread.
const MaxPriority = uint8(sched.NumPriorities - 1)

// buildUntypeds walks device (MMIO windows, reported with
// IsDevice=true) then free (recycled boot/RAM regions), splitting each into
// power-of-two, alignment-respecting chunks exactly as
// create_untypeds_for_region, and caps the total emitted at maxCaps
// (CONFIG_MAX_NUM_BOOTINFO_UNTYPED_CAPS). dropped counts the regions
// silently discarded past that cap, so the caller can log it — no
// silent truncation.
func buildUntypeds(free, device []Region, maxCaps int) (list []UntypedDesc, dropped int) {
	for _, r := range device {
		emitUntypedsForRegion(r, true, maxCaps, &list, &dropped)
	}
	for _, r := range free {
		emitUntypedsForRegion(r, false, maxCaps, &list, &dropped)
	}
	return list, dropped
}

// floorLog2 returns the largest n such that 1<<n <= v, for v >= 1.
func floorLog2(v uint64) int {
	return bits.Len64(v) - 1
}

func emitUntypedsForRegion(reg Region, isDevice bool, maxCaps int, list *[]UntypedDesc, dropped *int) {
	start := reg.Start
	for start < reg.End {
		sizeBits := floorLog2(reg.End - start)
		if sizeBits > MaxUntypedBits {
			sizeBits = MaxUntypedBits
		}
		if start != 0 {
			if align := bits.TrailingZeros64(start); sizeBits > align {
				sizeBits = align
			}
		}
		if sizeBits >= MinUntypedBits {
			if len(*list) < maxCaps {
				*list = append(*list, UntypedDesc{PAddr: start, SizeBits: uint8(sizeBits), IsDevice: isDevice})
			} else {
				*dropped++
			}
		}
		start += uint64(1) << uint(sizeBits)
	}
}
