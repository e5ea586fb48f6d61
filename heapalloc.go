// Copyright 2017 The Memory Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package heapalloc is a dynamic memory allocator over a single
// monotonically-growing, mmap-backed heap arena. It exposes one facade,
// Allocator, behind which either of two engines runs:
//
//   - Implicit: a sequential boundary-tag walk with a selectable
//     first-fit, next-fit or best-fit placement policy (package implicit).
//   - Segregated: 11 size-class free lists overlaid on the same
//     boundary-tag layout, giving malloc/free near-constant time at the
//     cost of two payload words of link bookkeeping per free block (one
//     in the smallest bucket) (package segregated).
//
// Both engines share their boundary-tag representation (package blktag)
// and their splitting/coalescing algorithms (package blkops), so the two
// variants differ only in how they locate a free block, never in how
// they carve or merge one.
package heapalloc

import (
	"errors"
	"fmt"
	"unsafe"

	"github.com/go-heapalloc/heapalloc/heapdump"
	"github.com/go-heapalloc/heapalloc/heapsubstrate"
	"github.com/go-heapalloc/heapalloc/implicit"
	"github.com/go-heapalloc/heapalloc/segregated"
)

// Variant selects which engine backs an Allocator.
type Variant int

const (
	// Implicit selects the sequential boundary-tag engine.
	Implicit Variant = iota
	// Segregated selects the size-class free-list engine.
	Segregated
)

func (v Variant) String() string {
	switch v {
	case Implicit:
		return "implicit"
	case Segregated:
		return "segregated"
	default:
		return fmt.Sprintf("Variant(%d)", int(v))
	}
}

// Kind classifies an Error.
type Kind int

const (
	// OutOfMemory means the heap could not be extended far enough to
	// satisfy the request without exceeding its reserved maximum.
	OutOfMemory Kind = iota
	// Misaligned means a requested heap extension was not a positive
	// multiple of the engine's word alignment.
	Misaligned
	// InvalidPointer means a pointer handed to Free or Realloc did not
	// pass boundary-tag validation (not a live, allocated block).
	InvalidPointer
)

func (k Kind) String() string {
	switch k {
	case OutOfMemory:
		return "out of memory"
	case Misaligned:
		return "misaligned"
	case InvalidPointer:
		return "invalid pointer"
	default:
		return "unknown"
	}
}

// Error is the error type New returns when it cannot set up the heap.
// Malloc and Realloc report failure as a nil pointer, not as an Error.
type Error struct {
	Kind Kind
	Op   string
}

func (e *Error) Error() string { return fmt.Sprintf("heapalloc: %s: %s", e.Op, e.Kind) }

// options holds the tunables set by Option functions.
type options struct {
	maxHeap int
	policy  implicit.Policy
}

// Option configures a New call.
type Option func(*options)

// WithMaxHeap sets the maximum number of bytes the heap arena may ever
// grow to. The default is 1<<30 (1 GiB) of reserved, not committed,
// address space.
func WithMaxHeap(n int) Option {
	return func(o *options) { o.maxHeap = n }
}

// WithPolicy sets the implicit engine's placement policy. It has no
// effect when used with Segregated, which always does a best-fit-like
// bucket scan.
func WithPolicy(p implicit.Policy) Option {
	return func(o *options) { o.policy = p }
}

const defaultMaxHeap = 1 << 30

// Allocator is a malloc/free/realloc facade over one of the two engines.
// It is the only place in this module where unsafe.Pointer crosses the
// public API: internally, both engines address blocks by payload offset
// (an int into the heap arena), and Allocator converts between that and
// unsafe.Pointer at the boundary.
type Allocator struct {
	variant Variant

	imp *implicit.Allocator
	seg *segregated.Allocator
}

// New constructs an Allocator backed by the given variant.
func New(variant Variant, opts ...Option) (*Allocator, error) {
	o := options{maxHeap: defaultMaxHeap, policy: implicit.FirstFit}
	for _, fn := range opts {
		fn(&o)
	}

	a := &Allocator{variant: variant}
	switch variant {
	case Segregated:
		seg, err := segregated.New(o.maxHeap)
		if err != nil {
			return nil, wrapInitErr(err)
		}
		a.seg = seg
	default:
		imp, err := implicit.New(o.maxHeap, o.policy)
		if err != nil {
			return nil, wrapInitErr(err)
		}
		a.imp = imp
	}

	return a, nil
}

// wrapInitErr classifies a New failure as an *Error, matching
// heapsubstrate's own sentinel errors (the only way New can fail).
func wrapInitErr(err error) error {
	switch {
	case errors.Is(err, heapsubstrate.ErrMisaligned):
		return &Error{Op: "init", Kind: Misaligned}
	default:
		return &Error{Op: "init", Kind: OutOfMemory}
	}
}

// Close releases the allocator's underlying heap arena. The Allocator
// must not be used afterwards.
func (a *Allocator) Close() error {
	if a.seg != nil {
		return a.seg.Close()
	}
	return a.imp.Close()
}

func (a *Allocator) base() unsafe.Pointer {
	if a.seg != nil {
		return unsafe.Pointer(&a.seg.Heap()[0])
	}
	return unsafe.Pointer(&a.imp.Heap()[0])
}

func (a *Allocator) toPointer(payloadOff int) unsafe.Pointer {
	if payloadOff == 0 {
		return nil
	}
	return unsafe.Pointer(uintptr(a.base()) + uintptr(payloadOff))
}

func (a *Allocator) toOffset(p unsafe.Pointer) int {
	if p == nil {
		return 0
	}
	return int(uintptr(p) - uintptr(a.base()))
}

// Malloc allocates a payload of at least size bytes, 8-byte aligned, and
// returns a pointer to it, or nil if size is 0 or the request could not
// be satisfied (the heap's reserved maximum was reached).
func (a *Allocator) Malloc(size int) unsafe.Pointer {
	var off int
	var ok bool
	if a.seg != nil {
		off, ok = a.seg.Malloc(size)
	} else {
		off, ok = a.imp.Malloc(size)
	}

	if !ok {
		return nil
	}
	return a.toPointer(off)
}

// Free releases the block at p. Freeing nil is a no-op; freeing a
// pointer not currently allocated by this Allocator is undefined, as
// with a C free. Callers that want validation should run Check instead.
func (a *Allocator) Free(p unsafe.Pointer) {
	if p == nil {
		return
	}

	off := a.toOffset(p)
	if a.seg != nil {
		a.seg.Free(off)
		return
	}
	a.imp.Free(off)
}

// Realloc resizes the block at p to size bytes, preserving its contents
// up to min(old size, size). Realloc(nil, size) behaves like
// Malloc(size); Realloc(p, 0) behaves like Free(p) and returns nil. It
// returns nil (without freeing p) if the request could not be satisfied.
func (a *Allocator) Realloc(p unsafe.Pointer, size int) unsafe.Pointer {
	off := a.toOffset(p)

	var newOff int
	var ok bool
	if a.seg != nil {
		newOff, ok = a.seg.Realloc(off, size)
	} else {
		newOff, ok = a.imp.Realloc(off, size)
	}

	if !ok {
		return nil
	}
	return a.toPointer(newOff)
}

// Check walks the live heap's boundary tags and, for Segregated
// allocators, its free-list buckets, and reports any invariant
// violation found.
func (a *Allocator) Check() heapdump.Report {
	if a.seg != nil {
		buckets := a.seg.Buckets()
		return heapdump.CheckSegregated(a.seg.Heap(), a.seg.FirstPayload(), buckets[:], segregated.ClassOf, a.seg.NextInBucket)
	}
	return heapdump.Check(a.imp.Heap(), a.imp.FirstPayload())
}
