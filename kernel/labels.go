/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package kernel

// Label values are the MessageInfo.Label() this kernel assigns each
// method within an invoke.DecoderFamily; a generic invocation's label
// selects which of that family's decoders HandleSyscall calls, the
// role seL4's seL4_Invocation_* enum plays in the real ABI. Each
// family's labels are independent — CNode's label 1 and TCB's label 1
// are unrelated constants that happen to share a number.
const (
	LabelCNodeCopy = iota + 1
	LabelCNodeMint
	LabelCNodeMove
	LabelCNodeMutate
	LabelCNodeRotate
	LabelCNodeDelete
	LabelCNodeRevoke
	LabelCNodeSaveCaller
	LabelCNodeCancelBadgedSends
)

const LabelUntypedRetype = 1

const (
	LabelTCBSuspend = iota + 1
	LabelTCBResume
	LabelTCBConfigure
	LabelTCBSetPriority
	LabelTCBSetMCPriority
	LabelTCBBindNotification
	LabelTCBUnbindNotification
)

const LabelDomainSet = 1

// VM labels are shared across every captab tag FamilyVM covers
// (Frame/PageTable/VSpaceRoot/ASIDControl/ASIDPool); which ones are
// legal for a given invoked cap is enforced by the cap's own tag, not
// by the label space.
const (
	LabelVMMap = iota + 1
	LabelVMUnmap
	LabelVMCacheMaintenance
	LabelVMASIDControlMakePool
	LabelVMASIDPoolAssign
)

const (
	LabelIRQControlGet = 1
)

const (
	LabelIRQHandlerAck = iota + 1
	LabelIRQHandlerSetNotification
	LabelIRQHandlerClear
)
