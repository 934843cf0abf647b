/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package kernel

import (
	"github.com/capkernel/capkernel/captab"
	"github.com/capkernel/capkernel/invoke"
	"github.com/capkernel/capkernel/ipc"
)

// Registers is the fixed set of values HandleSyscall decodes out of a
// trapped thread's register file: the syscall number, the primary
// capability pointer (every syscall, whether plain IPC or a generic
// invocation, names exactly one capability this way), the
// invocation's message-info word and data registers, and any extra
// capability pointers a generic invocation carries alongside it
// (resolved against the caller's own CSpace root, never the invoked
// object's — seL4's "extra caps are always in the sender's namespace"
// convention).
type Registers struct {
	Syscall   invoke.Syscall
	CapPtr    uint64
	CapDepth  uint8
	Info      captab.MessageInfo
	Data      [4]uint64
	Overflow  []uint64
	ExtraCaps []uint64
}

// msgFor builds the ipc.Message DoSyscall's plain IPC path expects out
// of regs, resolving each ExtraCaps pointer against callerRoot at full
// depth exactly as a Send/Call's sender-supplied extra caps are.
func (k *Kernel) msgFor(regs Registers, callerRoot captab.Cap) ipc.Message {
	msg := ipc.Message{
		Info:      regs.Info,
		Registers: regs.Data,
		Overflow:  regs.Overflow,
	}
	if len(regs.ExtraCaps) == 0 {
		return msg
	}
	msg.ExtraCaps = make([]captab.Cap, 0, len(regs.ExtraCaps))
	for _, cptr := range regs.ExtraCaps {
		cap, ok := k.resolveFullDepth(callerRoot, cptr)
		if !ok {
			continue
		}
		msg.ExtraCaps = append(msg.ExtraCaps, cap)
	}
	return msg
}
