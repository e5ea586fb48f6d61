// Copyright 2017 The Memory Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package blktag

import (
	"testing"
	"unsafe"
)

func TestPackUnpack(t *testing.T) {
	for _, tc := range []struct {
		size      int
		allocated bool
	}{
		{16, true},
		{16, false},
		{4096, true},
		{0, true}, // epilogue
	} {
		w := Pack(tc.size, tc.allocated)
		size, allocated := Unpack(w)
		if size != tc.size || allocated != tc.allocated {
			t.Fatalf("Pack/Unpack(%v, %v) roundtripped to (%v, %v)", tc.size, tc.allocated, size, allocated)
		}
	}
}

func TestSetBlockAndNavigation(t *testing.T) {
	heap := make([]byte, 256)
	tag := Tagger{Heap: heap}

	// Padding(4) + prologue(8) + block(32) + epilogue(4).
	tag.WritePaddingWord(0)
	tag.WritePrologue(8)
	blockOff := 16
	tag.SetBlock(blockOff, 32, true)
	epOff := blockOff + 32
	tag.WriteEpilogue(epOff)

	if g, e := tag.Size(blockOff), 32; g != e {
		t.Fatalf("Size = %v, want %v", g, e)
	}

	if !tag.Allocated(blockOff) {
		t.Fatal("block should be allocated")
	}

	if g, e := tag.PayloadSize(blockOff), 32-8; g != e {
		t.Fatalf("PayloadSize = %v, want %v", g, e)
	}

	if g, e := tag.FooterOffset(blockOff), blockOff+32-8; g != e {
		t.Fatalf("FooterOffset = %v, want %v", g, e)
	}

	if g, e := tag.HeaderOffset(blockOff), blockOff-4; g != e {
		t.Fatalf("HeaderOffset = %v, want %v", g, e)
	}

	if g, e := tag.Next(blockOff), epOff; g != e {
		t.Fatalf("Next = %v, want %v", g, e)
	}

	if !tag.IsEpilogue(epOff) {
		t.Fatal("epilogue not recognised")
	}

	if g, e := tag.Prev(epOff), blockOff; g != e {
		t.Fatalf("Prev(epilogue) = %v, want %v", g, e)
	}

	// header and footer must read back identical.
	hw := *(*uint32)(unsafe.Pointer(&heap[tag.HeaderOffset(blockOff)]))
	fw := *(*uint32)(unsafe.Pointer(&heap[tag.FooterOffset(blockOff)]))
	if hw != fw {
		t.Fatalf("header %#x != footer %#x", hw, fw)
	}
}

func TestFlipToFree(t *testing.T) {
	heap := make([]byte, 64)
	tag := Tagger{Heap: heap}
	tag.SetBlock(8, 24, true)
	if !tag.Allocated(8) {
		t.Fatal("expected allocated")
	}

	tag.SetBlock(8, 24, false)
	if tag.Allocated(8) {
		t.Fatal("expected free")
	}

	if g, e := tag.Size(8), 24; g != e {
		t.Fatalf("Size after flip = %v, want %v", g, e)
	}
}
