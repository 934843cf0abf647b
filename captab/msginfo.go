/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package captab

import "github.com/capkernel/capkernel/bitrec"

// MessageInfo is the single packed word that precedes a message's data
// registers on every IPC send: a 52-bit label the protocol on top of
// IPC interprets, how many capabilities unwrapped to a badge instead of
// transferring, how many extra capability slots were supplied, and how
// many data registers are valid. label(52) + unwrapped(3) + extraCaps(2)
// + length(7) accounts for all 64 bits, so MessageInfo always fits in
// exactly one machine word regardless of architecture.
type MessageInfo struct {
	w uint64
}

var (
	miLabel      = bitrec.Field{Off: 12, Width: 52}
	miUnwrapped  = bitrec.Field{Off: 9, Width: 3}
	miExtraCaps  = bitrec.Field{Off: 7, Width: 2}
	miLength     = bitrec.Field{Off: 0, Width: 7}
)

// NewMessageInfo packs the four fields into a MessageInfo word.
func NewMessageInfo(label uint64, capsUnwrapped, extraCaps, length uint8) MessageInfo {
	var w uint64
	w = bitrec.Set(w, miLabel, label)
	w = bitrec.Set(w, miUnwrapped, uint64(capsUnwrapped))
	w = bitrec.Set(w, miExtraCaps, uint64(extraCaps))
	w = bitrec.Set(w, miLength, uint64(length))
	return MessageInfo{w: w}
}

// MessageInfoFromWord reconstructs a MessageInfo from a raw register
// value, as received in a syscall's message-info register.
func MessageInfoFromWord(w uint64) MessageInfo { return MessageInfo{w: w} }

// Word returns the packed encoding, for placing into a message register.
func (m MessageInfo) Word() uint64 { return m.w }

func (m MessageInfo) Label() uint64        { return bitrec.Get(m.w, miLabel) }
func (m MessageInfo) CapsUnwrapped() uint8 { return uint8(bitrec.Get(m.w, miUnwrapped)) }
func (m MessageInfo) ExtraCaps() uint8     { return uint8(bitrec.Get(m.w, miExtraCaps)) }
func (m MessageInfo) Length() uint8        { return uint8(bitrec.Get(m.w, miLength)) }

// WithLength returns a copy with the length field replaced; used when a
// fault handler or kernel invocation truncates a message's registers.
func (m MessageInfo) WithLength(length uint8) MessageInfo {
	m.w = bitrec.Set(m.w, miLength, uint64(length))
	return m
}

// WithCapsUnwrapped returns a copy with the caps-unwrapped bitmap
// replaced, set by ipc's transfer when an extra cap resolves to the
// endpoint the message is traversing rather than being derived and
// inserted.
func (m MessageInfo) WithCapsUnwrapped(bitmap uint8) MessageInfo {
	m.w = bitrec.Set(m.w, miUnwrapped, uint64(bitmap))
	return m
}

// LookupFailureKind distinguishes the shapes a guarded-radix walk can
// fail in, each of which serializes into a different number of fault
// IPC registers.
type LookupFailureKind uint8

const (
	LookupInvalidRoot LookupFailureKind = iota
	LookupMissingCapability
	LookupDepthMismatch
	LookupGuardMismatch
)

// LookupFailure is the subrecord kfault and invoke serialize into the
// caller's fault-IPC message registers when a capability-pointer walk
// fails partway through cspace.ResolveAddressBits. Kind is always
// present; the remaining fields are meaningful only for the kinds that
// use them, mirroring how seL4's lookup_fault union only populates the
// members relevant to its tag.
type LookupFailure struct {
	Kind            LookupFailureKind
	BitsLeft        uint8 // MissingCapability: cptr bits still unresolved when the walk bottomed out
	BitsFound       uint8 // DepthMismatch: cptr bits left when the level could not be consumed
	GuardFound      uint64 // GuardMismatch: the guard bits read from the cptr
	GuardBitsFound  uint8  // GuardMismatch: width of the guard present
}

// Registers serializes the failure into the 1-4 words a fault IPC
// carries: word 0 is always the kind, remaining words are populated
// per kind and otherwise omitted entirely (not zero-padded), so a
// NullFault and a LookupInvalidRoot both produce a one-word message.
func (f LookupFailure) Registers() []uint64 {
	switch f.Kind {
	case LookupInvalidRoot:
		return []uint64{uint64(f.Kind)}
	case LookupMissingCapability:
		return []uint64{uint64(f.Kind), uint64(f.BitsLeft)}
	case LookupDepthMismatch:
		return []uint64{uint64(f.Kind), uint64(f.BitsFound)}
	case LookupGuardMismatch:
		return []uint64{uint64(f.Kind), f.GuardFound, uint64(f.GuardBitsFound)}
	default:
		return []uint64{uint64(f.Kind)}
	}
}
