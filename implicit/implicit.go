// Copyright 2017 The Memory Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package implicit implements the implicit-list allocator engine: a
// sequential header-to-header walk over the heap, with first-fit,
// next-fit or best-fit placement. It shares the boundary tag layout
// (blktag) and placement/coalescing algorithms (blkops) with the
// segregated engine.
package implicit

import (
	"errors"

	"github.com/go-heapalloc/heapalloc/blkops"
	"github.com/go-heapalloc/heapalloc/blktag"
	"github.com/go-heapalloc/heapalloc/heapsubstrate"
)

// Policy selects the free-block search strategy used by Malloc.
type Policy int

const (
	FirstFit Policy = iota
	NextFit
	BestFit
)

// ErrOutOfMemory is the error the heap-extension path reports when the
// heap cannot be extended far enough to satisfy a request. Malloc and
// Realloc report that failure to their callers as ok == false.
var ErrOutOfMemory = errors.New("implicit: out of memory")

// ErrInvalidPointer names the failure of Realloc's boundary-tag
// validation. Realloc reports that failure as ok == false and does not
// return this value.
var ErrInvalidPointer = errors.New("implicit: invalid pointer")

const (
	wordSize = blktag.WordSize
	minBlock = blktag.MinBlockSize
)

// Allocator is the implicit-list engine. Construct with New; the zero
// value is not usable (it has no backing heap).
type Allocator struct {
	sub    *heapsubstrate.Substrate
	tag    blktag.Tagger
	policy Policy

	firstPayload int // payload offset of the first post-prologue block
	curp         int // heap_curp, for NextFit
}

// New reserves a heap of maxHeap bytes and writes the initial sentinels
// (padding word, prologue, epilogue), leaving the heap as one large free
// block filling the initial 4 KiB extension less the sentinels. New
// returns an error if maxHeap is smaller than that initial extension.
func New(maxHeap int, policy Policy) (*Allocator, error) {
	sub, err := heapsubstrate.New(maxHeap)
	if err != nil {
		return nil, err
	}

	const initChunk = 1 << 12 // 4 KiB, matches a typical OS page of initial growth

	// padding(4) + prologue header+footer(8) + epilogue header(4) = 16
	if _, err := sub.Extend(initChunk); err != nil {
		sub.Close()
		return nil, err
	}

	tag := blktag.Tagger{Heap: sub.Bytes()}
	tag.WritePaddingWord(0)
	tag.WritePrologue(8) // payload offset 8, size 8 (header @4, footer @8)
	firstPayload := 16
	firstSize := initChunk - 16 // padding(4) + prologue(8) + epilogue header(4)
	tag.SetBlock(firstPayload, firstSize, false)
	tag.WriteEpilogue(firstPayload + firstSize)

	a := &Allocator{sub: sub, tag: tag, policy: policy, firstPayload: firstPayload, curp: firstPayload}
	return a, nil
}

// Close releases the underlying heap substrate.
func (a *Allocator) Close() error { return a.sub.Close() }

func (a *Allocator) refreshTag() {
	a.tag.Heap = a.sub.Bytes()
}

func align(n int) int {
	if n <= 0 {
		return blktag.Alignment
	}
	return (n + blktag.Alignment - 1) &^ (blktag.Alignment - 1)
}

// findFit walks the heap per a.policy and returns the payload offset of a
// free block whose payload is at least need bytes, or ok==false if none
// exists without extending the heap.
func (a *Allocator) findFit(need int) (off int, ok bool) {
	switch a.policy {
	case NextFit:
		return a.findFitNext(need)
	case BestFit:
		return a.findFitBest(need)
	default:
		return a.findFitFirst(a.firstPayload, need)
	}
}

func (a *Allocator) findFitFirst(start, need int) (int, bool) {
	for off := start; !a.tag.IsEpilogue(off); off = a.tag.Next(off) {
		if !a.tag.Allocated(off) && a.tag.PayloadSize(off) >= need {
			return off, true
		}
	}
	return 0, false
}

func (a *Allocator) findFitNext(need int) (int, bool) {
	start := a.curp
	if a.tag.IsEpilogue(start) {
		start = a.firstPayload
	}

	for off := start; !a.tag.IsEpilogue(off); off = a.tag.Next(off) {
		if !a.tag.Allocated(off) && a.tag.PayloadSize(off) >= need {
			return off, true
		}
	}

	for off := a.firstPayload; off != start && !a.tag.IsEpilogue(off); off = a.tag.Next(off) {
		if !a.tag.Allocated(off) && a.tag.PayloadSize(off) >= need {
			return off, true
		}
	}

	return 0, false
}

func (a *Allocator) findFitBest(need int) (int, bool) {
	best, bestSize, found := 0, 0, false
	for off := a.firstPayload; !a.tag.IsEpilogue(off); off = a.tag.Next(off) {
		if a.tag.Allocated(off) {
			continue
		}

		ps := a.tag.PayloadSize(off)
		if ps < need {
			continue
		}

		if !found || ps < bestSize {
			best, bestSize, found = off, ps, true
		}
	}
	return best, found
}

// extend grows the heap to make room for a need-byte payload, reusing the
// tail block's payload if the tail is free, and returns the payload
// offset of the (now large enough) tail free block.
func (a *Allocator) extend(need int) (int, error) {
	epOff := a.epilogueOffset()

	var delta int
	tailFree := epOff != a.firstPayload && !a.tag.Allocated(a.tag.Prev(epOff))
	var tailOff int
	if tailFree {
		tailOff = a.tag.Prev(epOff)
		have := a.tag.PayloadSize(tailOff)
		delta = align(need - have)
	} else {
		delta = align(need + 2*wordSize)
	}

	if delta <= 0 {
		delta = blktag.Alignment
	}

	old, err := a.sub.Extend(delta)
	if err != nil {
		return 0, ErrOutOfMemory
	}

	a.refreshTag()

	if tailFree {
		newSize := a.tag.Size(tailOff) + delta
		a.tag.SetBlock(tailOff, newSize, false)
		a.tag.WriteEpilogue(tailOff + newSize)
		return tailOff, nil
	}

	newOff := old
	a.tag.SetBlock(newOff, delta, false)
	a.tag.WriteEpilogue(newOff + delta)
	return newOff, nil
}

// epilogueOffset walks from the heap base to find the epilogue. It is only
// used on the (rare) extend path; steady-state lookups use findFit's own
// walk.
func (a *Allocator) epilogueOffset() int {
	off := a.firstPayload
	for !a.tag.IsEpilogue(off) {
		off = a.tag.Next(off)
	}
	return off
}

// Malloc allocates a payload of at least size bytes, 8-aligned, and
// returns its payload offset. size == 0 returns ok == false, matching the
// spec's "malloc(0) == NULL".
func (a *Allocator) Malloc(size int) (payloadOff int, ok bool) {
	if size <= 0 {
		return 0, false
	}

	need := align(size)

	if off, found := a.findFit(need); found {
		a.place(off, need)
		return off, true
	}

	off, err := a.extend(need)
	if err != nil {
		return 0, false
	}

	a.place(off, need)
	return off, true
}

func (a *Allocator) place(off, need int) {
	remOff, _, split := blkops.Place(a.tag, off, need)
	if split {
		a.curp = remOff
	} else {
		a.curp = off
	}
}

// Free marks the block at payloadOff free and coalesces it with any
// physically adjacent free neighbours.
func (a *Allocator) Free(payloadOff int) {
	size := a.tag.Size(payloadOff)
	a.tag.SetBlock(payloadOff, size, false)
	canonical, _ := blkops.Coalesce(a.tag, payloadOff, func(int) {})
	a.curp = canonical
}

// Realloc resizes the block at payloadOff to size bytes, preserving
// contents up to min(old, new) payload size.
func (a *Allocator) Realloc(payloadOff, size int) (newOff int, ok bool) {
	if payloadOff == 0 {
		return a.Malloc(size)
	}

	if size == 0 {
		a.Free(payloadOff)
		return 0, true
	}

	if !a.validPointer(payloadOff) {
		return 0, false
	}

	need := align(size)
	newTotal := need + 2*wordSize
	oldTotal := a.tag.Size(payloadOff)

	if newTotal == oldTotal {
		return payloadOff, true
	}

	if newTotal < oldTotal {
		a.shrinkInPlace(payloadOff, newTotal)
		return payloadOff, true
	}

	if off, ok := a.growInPlace(payloadOff, newTotal); ok {
		return off, true
	}

	return a.reallocCopy(payloadOff, size)
}

func (a *Allocator) validPointer(payloadOff int) bool {
	if payloadOff < a.firstPayload {
		return false
	}

	size := a.tag.Size(payloadOff)
	if size < minBlock || size%blktag.Alignment != 0 {
		return false
	}

	// Header/footer consistency is enforced by construction: every
	// SetBlock call writes both words together, so no separate read-back
	// check is needed here.
	return a.tag.Allocated(payloadOff)
}

func (a *Allocator) shrinkInPlace(payloadOff, newTotal int) {
	oldTotal := a.tag.Size(payloadOff)
	remain := oldTotal - newTotal
	if remain < minBlock {
		return
	}

	a.tag.SetBlock(payloadOff, newTotal, true)
	remOff := payloadOff + newTotal
	a.tag.SetBlock(remOff, remain, false)
	canonical, _ := blkops.Coalesce(a.tag, remOff, func(int) {})
	a.curp = canonical
}

// growInPlace tries, in spec order: absorb right neighbour, absorb left
// neighbour (memmove payload left), extend in place if payloadOff is the
// tail block. Every branch that mutates the heap sets a.curp to the
// canonical offset of whatever free remainder it splits off, the same
// bookkeeping place() and shrinkInPlace() do for their own splits.
func (a *Allocator) growInPlace(payloadOff, newTotal int) (int, bool) {
	oldTotal := a.tag.Size(payloadOff)

	nextOff := a.tag.Next(payloadOff)
	if !a.tag.IsEpilogue(nextOff) && !a.tag.Allocated(nextOff) {
		combined := oldTotal + a.tag.Size(nextOff)
		if combined >= newTotal {
			a.absorbNeighbourRight(payloadOff, newTotal, combined)
			return payloadOff, true
		}
	}

	if payloadOff != a.firstPayload {
		prevOff := a.tag.Prev(payloadOff)
		if !a.tag.Allocated(prevOff) {
			combined := oldTotal + a.tag.Size(prevOff)
			if combined >= newTotal {
				return a.absorbNeighbourLeft(payloadOff, prevOff, newTotal, combined, oldTotal), true
			}
		}
	}

	nextOff = a.tag.Next(payloadOff)
	if a.tag.IsEpilogue(nextOff) {
		deficit := newTotal - oldTotal
		delta := align(deficit)
		if _, err := a.sub.Extend(delta); err == nil {
			a.refreshTag()
			grown := oldTotal + delta
			a.placeGrown(payloadOff, grown, newTotal)
			a.tag.WriteEpilogue(payloadOff + grown)
			return payloadOff, true
		}
	}

	return 0, false
}

func (a *Allocator) absorbNeighbourRight(payloadOff, newTotal, combined int) {
	a.placeGrown(payloadOff, combined, newTotal)
}

// placeGrown marks the leading newTotal bytes of a combined free region
// allocated, splitting off a trailing free remainder if one is big enough
// and coalescing it with a free right neighbour, and leaves a.curp
// pointing at that canonical remainder (or at payloadOff itself when the
// whole region was consumed).
func (a *Allocator) placeGrown(payloadOff, combined, newTotal int) {
	remain := combined - newTotal
	if remain < minBlock {
		a.tag.SetBlock(payloadOff, combined, true)
		a.curp = payloadOff
		return
	}

	a.tag.SetBlock(payloadOff, newTotal, true)
	remOff := payloadOff + newTotal
	a.tag.SetBlock(remOff, remain, false)
	canonical, _ := blkops.Coalesce(a.tag, remOff, func(int) {})
	a.curp = canonical
}

func (a *Allocator) absorbNeighbourLeft(payloadOff, prevOff, newTotal, combined, oldTotal int) int {
	payload := make([]byte, oldTotal-2*wordSize)
	copy(payload, a.tag.Heap[payloadOff:payloadOff+len(payload)])
	copy(a.tag.Heap[prevOff:], payload)
	a.placeGrown(prevOff, combined, newTotal)
	return prevOff
}

func (a *Allocator) reallocCopy(payloadOff, size int) (int, bool) {
	newOff, ok := a.Malloc(size)
	if !ok {
		return 0, false
	}

	oldPayload := a.tag.PayloadSize(payloadOff)
	n := oldPayload
	if size < n {
		n = size
	}
	copy(a.tag.Heap[newOff:newOff+n], a.tag.Heap[payloadOff:payloadOff+n])
	a.Free(payloadOff)
	return newOff, true
}

// Heap exposes the live heap bytes, for use by heapdump.Check.
func (a *Allocator) Heap() []byte { return a.sub.Bytes() }

// FirstPayload exposes the payload offset of the first post-prologue
// block, for use by heapdump.Check.
func (a *Allocator) FirstPayload() int { return a.firstPayload }
