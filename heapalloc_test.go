// Copyright 2017 The Memory Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package heapalloc

import (
	"testing"
	"unsafe"

	"github.com/cznic/mathutil"

	"github.com/go-heapalloc/heapalloc/implicit"
)

func variants() []Variant { return []Variant{Implicit, Segregated} }

func newTestAllocator(t *testing.T, v Variant) *Allocator {
	t.Helper()
	a, err := New(v, WithMaxHeap(1<<22))
	if err != nil {
		t.Fatalf("New(%v): %v", v, err)
	}
	t.Cleanup(func() { a.Close() })
	return a
}

func requireOK(t *testing.T, a *Allocator) {
	t.Helper()
	r := a.Check()
	if !r.OK() {
		t.Fatalf("invariant violation:\n%s", r.String())
	}
}

// Scenario 1: malloc then free a single block; heap returns to one big
// free region and passes all invariants.
func TestScenarioMallocFree(t *testing.T) {
	for _, v := range variants() {
		t.Run(v.String(), func(t *testing.T) {
			a := newTestAllocator(t, v)
			p := a.Malloc(100)
			if p == nil {
				t.Fatal("malloc(100) returned nil")
			}
			requireOK(t, a)

			a.Free(p)
			requireOK(t, a)
		})
	}
}

// Scenario 2: malloc(0) returns NULL.
func TestScenarioMallocZero(t *testing.T) {
	for _, v := range variants() {
		t.Run(v.String(), func(t *testing.T) {
			a := newTestAllocator(t, v)
			if p := a.Malloc(0); p != nil {
				t.Fatal("malloc(0) should return nil")
			}
		})
	}
}

// Scenario 3: three adjacent allocations free'd out of order coalesce back
// into one free block (A/A, A/F and F/F coalescing paths all exercised
// across the three frees).
func TestScenarioCoalesceOnFree(t *testing.T) {
	for _, v := range variants() {
		t.Run(v.String(), func(t *testing.T) {
			a := newTestAllocator(t, v)

			p1 := a.Malloc(40)
			p2 := a.Malloc(40)
			p3 := a.Malloc(40)
			if p1 == nil || p2 == nil || p3 == nil {
				t.Fatal("setup mallocs failed")
			}

			a.Free(p2)
			requireOK(t, a)
			a.Free(p1)
			requireOK(t, a)
			a.Free(p3)
			requireOK(t, a)
		})
	}
}

// Scenario 4: realloc growing a block past what its free right neighbour
// can supply (forces a heap extension at the tail and a move) preserves
// contents.
func TestScenarioReallocGrowsAtTail(t *testing.T) {
	for _, v := range variants() {
		t.Run(v.String(), func(t *testing.T) {
			a := newTestAllocator(t, v)

			p := a.Malloc(16)
			b := (*[16]byte)(p)
			for i := range b {
				b[i] = byte(i + 1)
			}

			p2 := a.Realloc(p, 4096)
			if p2 == nil {
				t.Fatal("realloc failed")
			}
			requireOK(t, a)

			b2 := (*[16]byte)(p2)
			for i := range b2 {
				if b2[i] != byte(i+1) {
					t.Fatalf("payload byte %d corrupted: got %d want %d", i, b2[i], i+1)
				}
			}
		})
	}
}

// Scenario 5: realloc shrinking a block splits off a reusable remainder.
func TestScenarioReallocShrinks(t *testing.T) {
	for _, v := range variants() {
		t.Run(v.String(), func(t *testing.T) {
			a := newTestAllocator(t, v)

			p := a.Malloc(256)
			p2 := a.Realloc(p, 8)
			if p2 == nil {
				t.Fatal("realloc(shrink) failed")
			}
			requireOK(t, a)

			p3 := a.Malloc(64)
			if p3 == nil {
				t.Fatal("expected the split remainder to satisfy a subsequent malloc")
			}
			requireOK(t, a)
		})
	}
}

// Scenario 6: repeated extend-and-reuse at the tail (implicit) / bucket
// scan across classes (segregated) under a long randomized trace leaves
// the heap in a consistent state.
func TestScenarioRandomizedTrace(t *testing.T) {
	for _, v := range variants() {
		t.Run(v.String(), func(t *testing.T) {
			a := newTestAllocator(t, v)

			rng, err := mathutil.NewFC32(1, 512, true)
			if err != nil {
				t.Fatal(err)
			}

			var live []unsafe.Pointer
			for i := 0; i < 2000; i++ {
				if len(live) > 0 && rng.Next()%3 == 0 {
					idx := rng.Next() % len(live)
					a.Free(live[idx])
					live = append(live[:idx], live[idx+1:]...)
					continue
				}

				size := rng.Next()
				p := a.Malloc(size)
				if p != nil {
					live = append(live, p)
				}
			}

			requireOK(t, a)

			for _, p := range live {
				a.Free(p)
			}
			requireOK(t, a)
		})
	}
}

// Resizing a block to its own current size is a no-op: the pointer must
// not move.
func TestLawReallocSameSizeIsNoop(t *testing.T) {
	for _, v := range variants() {
		t.Run(v.String(), func(t *testing.T) {
			a := newTestAllocator(t, v)
			p := a.Malloc(40)
			p2 := a.Realloc(p, 40)
			if p2 != p {
				t.Fatalf("realloc same size moved block: %p -> %p", p, p2)
			}
		})
	}
}

// Resizing a block to zero behaves like freeing it.
func TestLawReallocZeroFrees(t *testing.T) {
	for _, v := range variants() {
		t.Run(v.String(), func(t *testing.T) {
			a := newTestAllocator(t, v)
			p := a.Malloc(40)
			if r := a.Realloc(p, 0); r != nil {
				t.Fatal("realloc(p, 0) should return nil")
			}
			requireOK(t, a)
		})
	}
}

// Resizing a nil pointer behaves like a fresh allocation.
func TestLawReallocNilMallocs(t *testing.T) {
	for _, v := range variants() {
		t.Run(v.String(), func(t *testing.T) {
			a := newTestAllocator(t, v)
			p := a.Realloc(nil, 64)
			if p == nil {
				t.Fatal("realloc(nil, 64) should behave like malloc")
			}
			requireOK(t, a)
		})
	}
}

// Every returned pointer is 8-aligned, and distinct live allocations
// never share an address.
func TestPropertyAlignmentAndDisjointness(t *testing.T) {
	for _, v := range variants() {
		t.Run(v.String(), func(t *testing.T) {
			a := newTestAllocator(t, v)

			var ptrs []unsafe.Pointer
			for i := 1; i <= 50; i++ {
				p := a.Malloc(i)
				if p == nil {
					t.Fatalf("malloc(%d) failed", i)
				}
				if uintptr(p)%8 != 0 {
					t.Fatalf("malloc(%d) returned misaligned pointer %p", i, p)
				}
				ptrs = append(ptrs, p)
			}

			seen := map[unsafe.Pointer]bool{}
			for _, p := range ptrs {
				if seen[p] {
					t.Fatalf("duplicate pointer %p returned by distinct live allocations", p)
				}
				seen[p] = true
			}
		})
	}
}

// Implicit-specific: next-fit and best-fit policies also produce a
// consistent heap.
func TestImplicitPolicies(t *testing.T) {
	for _, p := range []implicit.Policy{implicit.FirstFit, implicit.NextFit, implicit.BestFit} {
		a, err := New(Implicit, WithMaxHeap(1<<20), WithPolicy(p))
		if err != nil {
			t.Fatalf("New: %v", err)
		}
		defer a.Close()

		var live []unsafe.Pointer
		for i := 0; i < 100; i++ {
			if q := a.Malloc(8 + i%64); q != nil {
				live = append(live, q)
			}
		}
		for i, q := range live {
			if i%2 == 0 {
				a.Free(q)
			}
		}
		requireOK(t, a)
	}
}
