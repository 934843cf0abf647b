/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package captab

// FaultKind distinguishes the shapes a thread's current fault can take,
// mirroring seL4's fault_t union tag.
type FaultKind uint8

const (
	NullFault FaultKind = iota
	CapFault
	UnknownSyscall
	UserException
	VMFault
)

// Fault is the fault state recorded in a TCB when it traps. Only the
// fields relevant to Kind are meaningful; kfault.SendFaultIPC serializes
// whichever subset applies into the fault-IPC message registers. It is
// kept as a plain struct rather than a bit-packed record: unlike
// MessageInfo or LookupFailure it never crosses the wire as a single
// machine word, only as the Registers() slice kfault builds from it.
type Fault struct {
	Kind FaultKind

	// CapFault
	Address        uint64
	InReceivePhase bool
	LookupFailure  *LookupFailure

	// UnknownSyscall
	SyscallNumber uint64

	// UserException
	ExceptionNumber uint64
	ExceptionCode   uint64

	// VMFault
	FSR         uint64
	Instruction bool
}

func (f Fault) IsNull() bool { return f.Kind == NullFault }
