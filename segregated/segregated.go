// Copyright 2017 The Memory Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package segregated implements the segregated free-list allocator
// engine: 11 size-class buckets of explicitly-linked free blocks
// overlaid on the same boundary-tag heap the implicit engine uses.
// Bucket 0 (payload <= 8 bytes) is singly-linked and keeps only a next
// link; all other buckets are doubly-linked for O(1) removal during
// coalescing.
package segregated

import (
	"errors"
	"unsafe"

	"github.com/cznic/mathutil"

	"github.com/go-heapalloc/heapalloc/blkops"
	"github.com/go-heapalloc/heapalloc/blktag"
	"github.com/go-heapalloc/heapalloc/heapsubstrate"
)

// NumClasses is the number of size-class buckets.
const NumClasses = 11

// ErrOutOfMemory is the error the heap-extension path reports when the
// heap cannot be extended far enough to satisfy a request. Malloc and
// Realloc report that failure to their callers as ok == false.
var ErrOutOfMemory = errors.New("segregated: out of memory")

const (
	wordSize = blktag.WordSize
	minBlock = blktag.MinBlockSize
)

// ClassOf computes the bucket index for a free block of the given payload
// size: idx(v) = floor(log2(v)) - 3 + (v is not a power of two), clamped
// to [0, NumClasses-1]. Writing L = ceil(log2(v)), both the power-of-two
// and non-power-of-two cases reduce to idx = L-3, realized here with a
// single mathutil.BitLen call.
func ClassOf(payloadSize int) int {
	idx := mathutil.BitLen(payloadSize-1) - 3
	switch {
	case idx < 0:
		return 0
	case idx > NumClasses-1:
		return NumClasses - 1
	default:
		return idx
	}
}

// Allocator is the segregated free-list engine. Construct with New; the
// zero value is not usable.
type Allocator struct {
	sub          *heapsubstrate.Substrate
	tag          blktag.Tagger
	firstPayload int
	buckets      [NumClasses]int // payload offset of each bucket's head; 0 == empty
}

// New reserves a heap of maxHeap bytes, writes the sentinels, and leaves
// the heap as one large free block registered in its bucket.
func New(maxHeap int) (*Allocator, error) {
	sub, err := heapsubstrate.New(maxHeap)
	if err != nil {
		return nil, err
	}

	const initChunk = 1 << 12

	if _, err := sub.Extend(initChunk); err != nil {
		sub.Close()
		return nil, err
	}

	tag := blktag.Tagger{Heap: sub.Bytes()}
	tag.WritePaddingWord(0)
	tag.WritePrologue(8)
	firstPayload := 16
	firstSize := initChunk - 16

	a := &Allocator{sub: sub, tag: tag, firstPayload: firstPayload}
	a.tag.SetBlock(firstPayload, firstSize, false)
	a.tag.WriteEpilogue(firstPayload + firstSize)
	a.insertFree(firstPayload)
	return a, nil
}

// Close releases the underlying heap substrate.
func (a *Allocator) Close() error { return a.sub.Close() }

func (a *Allocator) refreshTag() { a.tag.Heap = a.sub.Bytes() }

func align(n int) int {
	if n <= 0 {
		return blktag.Alignment
	}
	return (n + blktag.Alignment - 1) &^ (blktag.Alignment - 1)
}

// --- free-block link words -------------------------------------------------
//
// Word 0 of a free block's payload is its next-free pointer; word 1 (all
// buckets but the smallest) is its prev-free pointer. 0 means "no link":
// offset 0 is the heap's padding word and is never a valid payload offset.

func (a *Allocator) getLink(off, word int) int {
	return int(*(*uint32)(unsafe.Pointer(&a.tag.Heap[off+word*wordSize])))
}

func (a *Allocator) setLink(off, word, v int) {
	*(*uint32)(unsafe.Pointer(&a.tag.Heap[off+word*wordSize])) = uint32(v)
}

func (a *Allocator) getNext(off int) int { return a.getLink(off, 0) }
func (a *Allocator) setNext(off, v int)  { a.setLink(off, 0, v) }
func (a *Allocator) getPrev(off int) int { return a.getLink(off, 1) }
func (a *Allocator) setPrev(off, v int)  { a.setLink(off, 1, v) }

// insertFree pushes a disjoint free block at the head of its size-class
// bucket.
func (a *Allocator) insertFree(off int) {
	cls := ClassOf(a.tag.PayloadSize(off))
	head := a.buckets[cls]
	a.setNext(off, head)
	if cls != 0 {
		a.setPrev(off, 0)
		if head != 0 {
			a.setPrev(head, off)
		}
	}
	a.buckets[cls] = off
}

// removeFreeKnownClass unlinks off from bucket cls. cls must be
// ClassOf(payload size of off) computed before off's tags are rewritten.
func (a *Allocator) removeFreeKnownClass(off, cls int) {
	if cls == 0 {
		a.removeFromSinglyLinked(off)
		return
	}

	prev := a.getPrev(off)
	next := a.getNext(off)
	if prev == 0 {
		a.buckets[cls] = next
	} else {
		a.setNext(prev, next)
	}
	if next != 0 {
		a.setPrev(next, prev)
	}
}

func (a *Allocator) removeFromSinglyLinked(off int) {
	if a.buckets[0] == off {
		a.buckets[0] = a.getNext(off)
		return
	}

	for p := a.buckets[0]; p != 0; p = a.getNext(p) {
		if n := a.getNext(p); n == off {
			a.setNext(p, a.getNext(off))
			return
		}
	}
}

func (a *Allocator) unlinkFree(off int) {
	cls := ClassOf(a.tag.PayloadSize(off))
	a.removeFreeKnownClass(off, cls)
}

// --- allocation --------------------------------------------------------

// Malloc allocates a payload of at least size bytes, 8-aligned.
func (a *Allocator) Malloc(size int) (payloadOff int, ok bool) {
	if size <= 0 {
		return 0, false
	}

	need := align(size)
	i0 := ClassOf(need)
	for i := i0; i < NumClasses; i++ {
		for off := a.buckets[i]; off != 0; off = a.getNext(off) {
			if a.tag.PayloadSize(off) >= need {
				a.removeFreeKnownClass(off, i)
				a.splitAndAllocate(off, need)
				return off, true
			}
		}
	}

	off, err := a.extend(need)
	if err != nil {
		return 0, false
	}

	a.splitAndAllocate(off, need)
	return off, true
}

func (a *Allocator) splitAndAllocate(off, need int) {
	remOff, _, split := blkops.Place(a.tag, off, need)
	if split {
		a.insertFree(remOff)
	}
}

// extend grows the heap by exactly need+header+footer bytes, writes the
// new region as a free block, and returns its payload offset for the
// caller to place into.
func (a *Allocator) extend(need int) (int, error) {
	delta := align(need + 2*wordSize)
	old, err := a.sub.Extend(delta)
	if err != nil {
		return 0, ErrOutOfMemory
	}

	a.refreshTag()
	a.tag.SetBlock(old, delta, false)
	a.tag.WriteEpilogue(old + delta)
	return old, nil
}

// Free marks the block at payloadOff free, coalesces it with any
// physically adjacent free neighbours (unlinking them from their buckets
// first), and inserts the resulting block into its bucket.
func (a *Allocator) Free(payloadOff int) {
	size := a.tag.Size(payloadOff)
	a.tag.SetBlock(payloadOff, size, false)
	canonical, _ := blkops.Coalesce(a.tag, payloadOff, a.unlinkFree)
	a.insertFree(canonical)
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
	canonical, _ := blkops.Coalesce(a.tag, remOff, a.unlinkFree)
	a.insertFree(canonical)
}

func (a *Allocator) growInPlace(payloadOff, newTotal int) (int, bool) {
	oldTotal := a.tag.Size(payloadOff)

	nextOff := a.tag.Next(payloadOff)
	if !a.tag.IsEpilogue(nextOff) && !a.tag.Allocated(nextOff) {
		combined := oldTotal + a.tag.Size(nextOff)
		if combined >= newTotal {
			a.unlinkFree(nextOff)
			a.placeGrown(payloadOff, combined, newTotal)
			return payloadOff, true
		}
	}

	if payloadOff != a.firstPayload {
		prevOff := a.tag.Prev(payloadOff)
		if !a.tag.Allocated(prevOff) {
			combined := oldTotal + a.tag.Size(prevOff)
			if combined >= newTotal {
				a.unlinkFree(prevOff)
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

func (a *Allocator) placeGrown(payloadOff, combined, newTotal int) {
	remain := combined - newTotal
	if remain < minBlock {
		a.tag.SetBlock(payloadOff, combined, true)
		return
	}

	a.tag.SetBlock(payloadOff, newTotal, true)
	remOff := payloadOff + newTotal
	a.tag.SetBlock(remOff, remain, false)
	canonical, _ := blkops.Coalesce(a.tag, remOff, a.unlinkFree)
	a.insertFree(canonical)
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

// Buckets exposes the bucket head table, for use by heapdump.CheckSegregated.
func (a *Allocator) Buckets() [NumClasses]int { return a.buckets }

// NextInBucket exposes the free-list next-link for an arbitrary free
// block, for use by heapdump.CheckSegregated.
func (a *Allocator) NextInBucket(off int) int { return a.getNext(off) }
