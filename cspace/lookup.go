/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package cspace

import "github.com/capkernel/capkernel/captab"

// WordBits is the default resolve depth when a caller does not specify
// one explicitly, matching a cptr's natural width on either target arch.
const WordBits uint8 = 64

func mask(width uint8) uint64 {
	if width == 0 {
		return 0
	}
	if width >= 64 {
		return ^uint64(0)
	}
	return (uint64(1) << width) - 1
}

// ResolveAddressBits walks cptr through guarded-radix CNode levels
// starting at rootCap, consuming depth bits total. It returns the final
// slot on success, or a LookupFailure identifying exactly where the
// walk went wrong — InvalidRoot if rootCap is not itself a CNode,
// GuardMismatch/DepthMismatch while consuming a level's guard or radix
// bits, or MissingCapability if bits remain but the indexed slot does
// not hold a CNode to recurse into.
func (t *ObjTable) ResolveAddressBits(rootCap captab.Cap, cptr uint64, depth uint8) (Slot, *captab.LookupFailure) {
	if rootCap.Tag() != captab.CapCNode {
		return Slot{}, &captab.LookupFailure{Kind: captab.LookupInvalidRoot}
	}

	cur := rootCap
	bitsLeft := depth

	for {
		guardBits := cur.CNodeGuardBits()
		guardValue := uint64(cur.CNodeGuardValue())
		radix := cur.CNodeRadix()

		if bitsLeft < guardBits {
			return Slot{}, &captab.LookupFailure{Kind: captab.LookupDepthMismatch, BitsFound: bitsLeft}
		}
		shift := bitsLeft - guardBits
		found := (cptr >> shift) & mask(guardBits)
		if found != guardValue&mask(guardBits) {
			return Slot{}, &captab.LookupFailure{
				Kind:           captab.LookupGuardMismatch,
				GuardFound:     found,
				GuardBitsFound: guardBits,
			}
		}
		bitsLeft -= guardBits

		if bitsLeft < radix {
			return Slot{}, &captab.LookupFailure{Kind: captab.LookupDepthMismatch, BitsFound: bitsLeft}
		}
		shift = bitsLeft - radix
		idx := (cptr >> shift) & mask(radix)
		bitsLeft -= radix

		slot := Slot{CNode: cur.CNodeRef(), Index: uint32(idx)}
		cte := t.cte(slot)
		if cte == nil {
			return Slot{}, &captab.LookupFailure{Kind: captab.LookupMissingCapability, BitsLeft: bitsLeft}
		}
		if bitsLeft == 0 {
			return slot, nil
		}
		if cte.Cap.Tag() != captab.CapCNode {
			return Slot{}, &captab.LookupFailure{Kind: captab.LookupMissingCapability, BitsLeft: bitsLeft}
		}
		cur = cte.Cap
	}
}
