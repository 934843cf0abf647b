/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package ipc implements endpoints, notifications, and the IPC
// transfer/reply protocol of spec.md §4.E. Grounded on sched's
// arena-plus-handle style for the Endpoint/Notification objects, and on
// the teacher's small-interface-to-a-collaborator pattern (hal.Console,
// hal.MMU, ...) for Buffer, the one seam into a thread's IPC-buffer
// frame that this package never reaches into directly.
package ipc

import (
	"github.com/capkernel/capkernel/captab"
	"github.com/capkernel/capkernel/cspace"
)

// MsgRegisterCount is the number of message-register-backed words an
// IPC transfer copies directly; any remaining length travels through
// the receiver's IPC-buffer frame instead.
const MsgRegisterCount = 4

// Buffer is a thread's IPC-buffer frame: the message words beyond
// MsgRegisterCount, and the receive-slot address a receiver configured
// for inbound extra capabilities.
type Buffer interface {
	Word(i int) uint64
	SetWord(i int, v uint64)
	// ReceiveSlot returns the CSpace root, cptr, and depth the receiver
	// last configured (seL4_SetIPCBuffer's receive-slot fields), and
	// whether one was configured at all.
	ReceiveSlot() (root captab.Cap, cptr uint64, depth uint8, ok bool)
}

// Message is the logical content of one IPC transfer: the message-info
// word, its data registers, and the extra capabilities a sender
// supplied alongside it (by cptr, resolved by the caller before Send
// is invoked — spec.md §4.G's "extra_caps" are already-looked-up
// capabilities by the time the transfer runs).
type Message struct {
	Info      captab.MessageInfo
	Registers [MsgRegisterCount]uint64
	Overflow  []uint64 // registers beyond MsgRegisterCount, written through Buffer
	ExtraCaps []captab.Cap
}

// transfer implements spec.md §4.E's "IPC transfer": copy the
// message-info word, the data registers (direct + overflow through the
// receiver's buffer), and then (if grant is allowed) up to Info.ExtraCaps
// extra capabilities, stopping at the first failure.
func transfer(objs *cspace.ObjTable, msg Message, canGrant bool, epRef captab.ObjRef, replyCtx bool, recvBuf Buffer) captab.MessageInfo {
	n := msg.Info.Length()
	direct := int(n)
	if direct > MsgRegisterCount {
		direct = MsgRegisterCount
	}
	if recvBuf != nil {
		for i := MsgRegisterCount; i < int(n) && i-MsgRegisterCount < len(msg.Overflow); i++ {
			recvBuf.SetWord(i, msg.Overflow[i-MsgRegisterCount])
		}
	}

	unwrapped := uint8(0)
	if canGrant {
		x := msg.Info.ExtraCaps()
		for i := uint8(0); i < x && int(i) < len(msg.ExtraCaps); i++ {
			cap := msg.ExtraCaps[i]
			if cap.Tag() == captab.CapEndpoint && cap.EndpointRef() == epRef && replyCtx {
				if recvBuf != nil {
					recvBuf.SetWord(MsgRegisterCount+len(msg.Overflow)+int(i), uint64(cap.EndpointBadge()))
				}
				unwrapped |= 1 << i
				continue
			}
			if !insertExtraCap(objs, cap, recvBuf) {
				break
			}
		}
	}
	return msg.Info.WithLength(uint8(direct) + uint8(len(msg.Overflow))).WithCapsUnwrapped(unwrapped)
}

// insertExtraCap derives cap and inserts it into the receiver's
// configured receive slot; it never carries src-slot information for
// the derivation since the extra cap arrived as a value already looked
// up from the sender's CSpace, so it is inserted as a fresh, non-
// revocable leaf (spec.md doesn't require extra caps to parent further
// derivation; only Copy/Mint do that explicitly).
func insertExtraCap(objs *cspace.ObjTable, cap captab.Cap, recvBuf Buffer) bool {
	if recvBuf == nil {
		return false
	}
	rootCap, cptr, depth, ok := recvBuf.ReceiveSlot()
	if !ok {
		return false
	}
	dest, failure := objs.ResolveAddressBits(rootCap, cptr, depth)
	if failure != nil {
		return false
	}
	return objs.InsertRoot(cap, dest) == nil
}
