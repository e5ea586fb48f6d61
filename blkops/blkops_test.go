// Copyright 2017 The Memory Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package blkops

import (
	"testing"

	"github.com/go-heapalloc/heapalloc/blktag"
)

func newHeap(n int) blktag.Tagger {
	return blktag.Tagger{Heap: make([]byte, n)}
}

func TestPlaceNoSplit(t *testing.T) {
	tag := newHeap(64)
	tag.SetBlock(8, 32, false)

	remOff, remSize, split := Place(tag, 8, 32-8-4) // remainder would be < MinBlockSize
	if split {
		t.Fatalf("expected no split, got remainder %v/%v", remOff, remSize)
	}

	if g, e := tag.Size(8), 32; g != e {
		t.Fatalf("size = %v, want %v", g, e)
	}

	if !tag.Allocated(8) {
		t.Fatal("block should be allocated")
	}
}

func TestPlaceSplits(t *testing.T) {
	tag := newHeap(64)
	tag.SetBlock(8, 48, false)

	remOff, remSize, split := Place(tag, 8, 8)
	if !split {
		t.Fatal("expected split")
	}

	if g, e := tag.Size(8), 16; g != e {
		t.Fatalf("leading size = %v, want %v", g, e)
	}

	if !tag.Allocated(8) {
		t.Fatal("leading block should be allocated")
	}

	if g, e := remOff, 8+16; g != e {
		t.Fatalf("remainder offset = %v, want %v", g, e)
	}

	if g, e := remSize, 32; g != e {
		t.Fatalf("remainder size = %v, want %v", g, e)
	}

	if tag.Allocated(remOff) {
		t.Fatal("remainder should be free")
	}
}

func TestCoalesceNoMerge(t *testing.T) {
	tag := newHeap(64)
	tag.SetBlock(8, 8, true)  // prev (allocated)
	tag.SetBlock(16, 24, false) // the block being freed
	tag.SetBlock(40, 8, true) // next (allocated)

	var unlinked []int
	off, size := Coalesce(tag, 16, func(o int) { unlinked = append(unlinked, o) })
	if off != 16 || size != 24 {
		t.Fatalf("got (%v,%v), want (16,24)", off, size)
	}

	if len(unlinked) != 0 {
		t.Fatalf("unexpected unlink calls: %v", unlinked)
	}
}

func TestCoalesceAbsorbsNext(t *testing.T) {
	tag := newHeap(64)
	tag.SetBlock(8, 8, true)    // prev (allocated)
	tag.SetBlock(16, 16, false) // freed block
	tag.SetBlock(32, 24, false) // next (free)
	tag.SetBlock(56, 8, true)   // far sentinel so Next() on merged block is valid

	var unlinked []int
	off, size := Coalesce(tag, 16, func(o int) { unlinked = append(unlinked, o) })
	if off != 16 || size != 16+24 {
		t.Fatalf("got (%v,%v), want (16,%v)", off, size, 16+24)
	}

	if len(unlinked) != 1 || unlinked[0] != 32 {
		t.Fatalf("unlinked = %v, want [32]", unlinked)
	}

	if tag.Allocated(16) {
		t.Fatal("merged block should be free")
	}
}

func TestCoalesceAbsorbsPrev(t *testing.T) {
	tag := newHeap(64)
	tag.SetBlock(8, 16, false)  // prev (free)
	tag.SetBlock(24, 16, false) // freed block
	tag.SetBlock(40, 8, true)   // next (allocated)

	var unlinked []int
	off, size := Coalesce(tag, 24, func(o int) { unlinked = append(unlinked, o) })
	if off != 8 || size != 16+16 {
		t.Fatalf("got (%v,%v), want (8,%v)", off, size, 16+16)
	}

	if len(unlinked) != 1 || unlinked[0] != 8 {
		t.Fatalf("unlinked = %v, want [8]", unlinked)
	}
}

func TestCoalesceAbsorbsBoth(t *testing.T) {
	tag := newHeap(64)
	tag.SetBlock(8, 16, false)  // prev (free)
	tag.SetBlock(24, 16, false) // freed block
	tag.SetBlock(40, 16, false) // next (free)
	tag.SetBlock(56, 8, true)   // sentinel

	var unlinked []int
	off, size := Coalesce(tag, 24, func(o int) { unlinked = append(unlinked, o) })
	if off != 8 || size != 48 {
		t.Fatalf("got (%v,%v), want (8,48)", off, size)
	}

	if len(unlinked) != 2 {
		t.Fatalf("unlinked = %v, want 2 entries", unlinked)
	}
}
