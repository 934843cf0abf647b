/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package zombie

import (
	"testing"

	"github.com/capkernel/capkernel/captab"
	"github.com/capkernel/capkernel/cspace"
)

type fakeHooks struct {
	canceledIPC      []captab.ObjRef
	unboundNotif     []captab.ObjRef
	suspended        []captab.ObjRef
	unmappedFrames   []captab.ObjRef
	releasedASIDs    []uint16
	markedInactive   []uint32
	suspendCTEArray  captab.ObjRef
	suspendNumSlots  uint32
}

func (h *fakeHooks) CancelAllIPC(ref captab.ObjRef)             { h.canceledIPC = append(h.canceledIPC, ref) }
func (h *fakeHooks) UnbindAndCancelSignals(ref captab.ObjRef)   { h.unboundNotif = append(h.unboundNotif, ref) }
func (h *fakeHooks) SuspendAndUnbind(tcb captab.ObjRef) (captab.ObjRef, uint32) {
	h.suspended = append(h.suspended, tcb)
	return h.suspendCTEArray, h.suspendNumSlots
}
func (h *fakeHooks) UnmapFrame(ref captab.ObjRef, asid uint16, vaddr uint64) {
	h.unmappedFrames = append(h.unmappedFrames, ref)
}
func (h *fakeHooks) UnmapPageTable(ref captab.ObjRef, asid uint16, vaddr uint64) {}
func (h *fakeHooks) ReleaseASID(asid uint16)                                    { h.releasedASIDs = append(h.releasedASIDs, asid) }
func (h *fakeHooks) MarkIRQInactive(irq uint32)                                 { h.markedInactive = append(h.markedInactive, irq) }

func newTestEngine() (*Engine, *cspace.ObjTable, *fakeHooks) {
	objs := cspace.NewObjTable()
	hooks := &fakeHooks{}
	budget := NewBudget(1000, nil)
	return NewEngine(objs, hooks, budget), objs, hooks
}

func rootSlot(objs *cspace.ObjTable, radix uint8) (cspace.Slot, captab.Cap) {
	cn := cspace.NewCNode(radix)
	ref := objs.Alloc(cn)
	return cspace.Slot{CNode: ref, Index: 0}, captab.NewCNodeCap(ref, radix, 0, 0)
}

func TestDeleteEndpointCancelsIPC(t *testing.T) {
	e, objs, hooks := newTestEngine()
	slot, _ := rootSlot(objs, 4)
	ep := captab.NewEndpointCap(captab.ObjRef(5), 0, captab.EndpointRights{CanSend: true})
	objs.SetCap(slot, ep)

	if pr := e.Delete(slot); pr != None {
		t.Fatalf("got %v want None", pr)
	}
	if !objs.Get(slot).IsNull() {
		t.Fatal("slot should be empty after delete")
	}
	if len(hooks.canceledIPC) != 1 || hooks.canceledIPC[0] != 5 {
		t.Fatalf("expected CancelAllIPC(5), got %+v", hooks.canceledIPC)
	}
}

func TestDeleteNonFinalCapJustClears(t *testing.T) {
	e, objs, hooks := newTestEngine()
	root, rootCap := rootSlot(objs, 8)
	other := cspace.Slot{CNode: rootCap.CNodeRef(), Index: 1}
	ep := captab.NewEndpointCap(captab.ObjRef(5), 0, captab.EndpointRights{})
	objs.SetCap(root, ep)
	if err := objs.Insert(ep, root, other); err != nil {
		t.Fatal(err)
	}

	if pr := e.Delete(root); pr != None {
		t.Fatalf("got %v want None", pr)
	}
	if !objs.Get(root).IsNull() {
		t.Fatal("root slot should be cleared")
	}
	if len(hooks.canceledIPC) != 0 {
		t.Fatal("deleting a non-final reference must not tear down the object")
	}
	if objs.Get(other).IsNull() {
		t.Fatal("sibling reference should survive")
	}
}

func TestDeleteIRQHandlerDefersMarkInactive(t *testing.T) {
	e, objs, hooks := newTestEngine()
	slot, _ := rootSlot(objs, 4)
	objs.SetCap(slot, captab.NewIRQHandlerCap(42))

	if pr := e.Delete(slot); pr != None {
		t.Fatalf("got %v want None", pr)
	}
	if len(hooks.markedInactive) != 1 || hooks.markedInactive[0] != 42 {
		t.Fatalf("expected MarkIRQInactive(42), got %+v", hooks.markedInactive)
	}
}

func TestDeleteCNodeProducesZombieThenReducesToEmpty(t *testing.T) {
	e, objs, _ := newTestEngine()
	outer, _ := rootSlot(objs, 8)

	child := cspace.NewCNode(2) // 4 slots, all empty
	childRef := objs.Alloc(child)
	childCap := captab.NewCNodeCap(childRef, 2, 0, 0)
	objs.SetCap(outer, childCap)

	pr := e.Delete(outer)
	if pr != None {
		t.Fatalf("got %v want None (small empty CNode should finish without preemption)", pr)
	}
	if !objs.Get(outer).IsNull() {
		t.Fatalf("outer slot should end up empty, got %+v", objs.Get(outer))
	}
}

func TestDeleteThreadProducesZombieAndSuspends(t *testing.T) {
	e, objs, hooks := newTestEngine()
	slot, _ := rootSlot(objs, 4)
	cteArr := cspace.NewCNode(0) // 1 slot
	cteArrRef := objs.Alloc(cteArr)
	hooks.suspendCTEArray = cteArrRef
	hooks.suspendNumSlots = 1

	objs.SetCap(slot, captab.NewThreadCap(captab.ObjRef(3)))
	pr := e.Delete(slot)
	if pr != None {
		t.Fatalf("got %v want None", pr)
	}
	if len(hooks.suspended) != 1 || hooks.suspended[0] != 3 {
		t.Fatalf("expected SuspendAndUnbind(3), got %+v", hooks.suspended)
	}
	if !objs.Get(slot).IsNull() {
		t.Fatal("slot should be empty once the thread's 1-entry CTE array is drained")
	}
}

func TestRemovableNullAlwaysTrue(t *testing.T) {
	e, objs, _ := newTestEngine()
	slot, _ := rootSlot(objs, 4)
	if !e.Removable(captab.NullCap(), slot) {
		t.Fatal("null cap should always be removable")
	}
}

func TestRemovableZombieCountZero(t *testing.T) {
	e, objs, _ := newTestEngine()
	slot, _ := rootSlot(objs, 4)
	z := captab.NewZombieCap(captab.ObjRef(1), captab.ZombieCNode, 4, 0)
	if !e.Removable(z, slot) {
		t.Fatal("zero-remaining zombie should be removable")
	}
}

func TestRevokeCascadeDeletesAllMintedChildren(t *testing.T) {
	e, objs, _ := newTestEngine()
	src, rootCap := rootSlot(objs, 8)
	ep := captab.NewEndpointCap(captab.ObjRef(1), 0, captab.EndpointRights{CanSend: true})
	if err := objs.InsertRoot(ep, src); err != nil {
		t.Fatal(err)
	}

	var children []cspace.Slot
	for i := 1; i < 8; i++ {
		dest := cspace.Slot{CNode: rootCap.CNodeRef(), Index: uint32(i)}
		minted := ep.WithEndpointBadge(uint32(i))
		if err := objs.Insert(minted, src, dest); err != nil {
			t.Fatal(err)
		}
		children = append(children, dest)
	}

	if pr := e.Revoke(src); pr != None {
		t.Fatalf("got %v want None", pr)
	}
	for _, c := range children {
		if !objs.Get(c).IsNull() {
			t.Fatalf("child %+v should be gone after revoke", c)
		}
	}
	if objs.Get(src).IsNull() {
		t.Fatal("revoke must not delete the slot being revoked, only its descendants")
	}
}
