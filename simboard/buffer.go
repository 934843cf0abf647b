/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package simboard

import (
	"github.com/capkernel/capkernel/captab"
	"github.com/capkernel/capkernel/ipc"
)

// IPCBuffer is an in-memory ipc.Buffer: a fixed register file plus an
// optional configured receive slot, standing in for the mapped 4K
// frame a real thread's ipc_buffer_vaddr points at. kernel.Kernel
// models the IPC-buffer frame abstractly (kernel/kernel.go's bufferFor
// doc comment) precisely so this fake can back it without any real
// mapped memory behind it.
type IPCBuffer struct {
	words [128]uint64

	hasSlot bool
	slotCap captab.Cap
	cptr    uint64
	depth   uint8
}

func NewIPCBuffer() *IPCBuffer { return &IPCBuffer{} }

func (b *IPCBuffer) Word(i int) uint64 {
	if i < 0 || i >= len(b.words) {
		return 0
	}
	return b.words[i]
}

func (b *IPCBuffer) SetWord(i int, v uint64) {
	if i < 0 || i >= len(b.words) {
		return
	}
	b.words[i] = v
}

// SetReceiveSlot configures the slot a future Recv/Call resolves a
// transferred capability into, mirroring seL4_SetCapReceivePath.
func (b *IPCBuffer) SetReceiveSlot(root captab.Cap, cptr uint64, depth uint8) {
	b.hasSlot = true
	b.slotCap = root
	b.cptr = cptr
	b.depth = depth
}

// ClearReceiveSlot withdraws the configured receive slot, so a
// following Recv/Call that transfers a capability drops it instead
// (seL4_SetCapReceivePath(0,0,0)'s effect).
func (b *IPCBuffer) ClearReceiveSlot() {
	b.hasSlot = false
	b.slotCap = captab.Cap{}
	b.cptr = 0
	b.depth = 0
}

func (b *IPCBuffer) ReceiveSlot() (captab.Cap, uint64, uint8, bool) {
	return b.slotCap, b.cptr, b.depth, b.hasSlot
}

var _ ipc.Buffer = (*IPCBuffer)(nil)
