/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package bitrec

import "testing"

func TestGetSetRoundTrip(t *testing.T) {
	f := Field{Off: 8, Width: 6}
	var w uint64
	w = Set(w, f, 0x3f)
	if got := Get(w, f); got != 0x3f {
		t.Fatalf("got %#x want 0x3f", got)
	}
}

func TestSetPreservesOtherBits(t *testing.T) {
	low := Field{Off: 0, Width: 4}
	high := Field{Off: 4, Width: 4}
	var w uint64
	w = Set(w, low, 0xf)
	w = Set(w, high, 0xa)
	if got := Get(w, low); got != 0xf {
		t.Fatalf("low field clobbered: got %#x", got)
	}
	if got := Get(w, high); got != 0xa {
		t.Fatalf("high field clobbered: got %#x", got)
	}
}

func TestSetTruncatesOversizedValue(t *testing.T) {
	f := Field{Off: 0, Width: 3}
	w := Set(uint64(0), f, 0xff)
	if got := Get(w, f); got != 0x7 {
		t.Fatalf("got %#x want 0x7 (truncated)", got)
	}
}

func TestFullWidthField(t *testing.T) {
	f := Field{Off: 0, Width: 64}
	w := Set(uint64(0), f, ^uint64(0))
	if got := Get(w, f); got != ^uint64(0) {
		t.Fatalf("got %#x want all-ones", got)
	}
}

func TestBoolRoundTrip(t *testing.T) {
	f := Bit(3)
	w := SetBool(uint64(0), f, true)
	if !GetBool(w, f) {
		t.Fatal("expected true")
	}
	w = SetBool(w, f, false)
	if GetBool(w, f) {
		t.Fatal("expected false")
	}
}

func TestAdjacentBitsIndependent(t *testing.T) {
	a, b := Bit(0), Bit(1)
	w := SetBool(uint64(0), a, true)
	w = SetBool(w, b, true)
	w = SetBool(w, a, false)
	if GetBool(w, a) {
		t.Fatal("bit a should be clear")
	}
	if !GetBool(w, b) {
		t.Fatal("bit b should still be set")
	}
}
