/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package invoke is the syscall/invocation decode layer (spec.md §4.G):
// per-captype method tables dispatching on the tag of a resolved
// capability, the closed SysError sum replied to userspace on a failed
// invocation, and the Call/ReplyRecv/Send/... syscall-number dispatch
// built on top of ipc and sched. Grounded on cspace/vspace/sched/ipc's
// already-built operations — this package validates arguments and
// wires them together, it does not reimplement object semantics.
package invoke

// SysError is the closed error-code table (ErrNone plus ten error
// codes) spec.md §6 replies to userspace on a failed invocation (distinct from a Go
// error, which this package uses internally for "this call cannot
// proceed at all" conditions like an invalid capability reference).
type SysError uint8

const (
	ErrNone SysError = iota
	ErrInvalidArgument
	ErrInvalidCapability
	ErrIllegalOperation
	ErrRangeError
	ErrAlignmentError
	ErrFailedLookup
	ErrTruncatedMessage
	ErrDeleteFirst
	ErrRevokeFirst
	ErrNotEnoughMemory
)

func (e SysError) String() string {
	switch e {
	case ErrNone:
		return "None"
	case ErrInvalidArgument:
		return "InvalidArgument"
	case ErrInvalidCapability:
		return "InvalidCapability"
	case ErrIllegalOperation:
		return "IllegalOperation"
	case ErrRangeError:
		return "RangeError"
	case ErrAlignmentError:
		return "AlignmentError"
	case ErrFailedLookup:
		return "FailedLookup"
	case ErrTruncatedMessage:
		return "TruncatedMessage"
	case ErrDeleteFirst:
		return "DeleteFirst"
	case ErrRevokeFirst:
		return "RevokeFirst"
	case ErrNotEnoughMemory:
		return "NotEnoughMemory"
	default:
		return "Unknown"
	}
}

// DecodeResult is the outcome every invocation decoder returns, per
// spec.md §4.G.
type DecodeResult uint8

const (
	ResultNone           DecodeResult = iota // stay in current state
	ResultSyscallError                       // reply to caller with err
	ResultFault                              // send fault IPC instead
	ResultPreempted                          // restart same syscall later
)

// Outcome bundles a DecodeResult with the SysError it carries when the
// result is ResultSyscallError; every decoder function in this package
// returns one.
type Outcome struct {
	Result DecodeResult
	Err    SysError
}

func ok() Outcome                { return Outcome{Result: ResultNone} }
func syscallErr(e SysError) Outcome { return Outcome{Result: ResultSyscallError, Err: e} }
func preempted() Outcome         { return Outcome{Result: ResultPreempted} }
