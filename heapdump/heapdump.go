// Copyright 2017 The Memory Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package heapdump walks a live heap's boundary tags (and, optionally,
// its segregated free-list buckets) and reports invariant violations, for
// use from tests and from cmd/heapbench.
package heapdump

import (
	"fmt"
	"strings"
	"unsafe"

	"github.com/go-heapalloc/heapalloc/blktag"
)

func wordAt(heap []byte, off int) uint32 {
	return *(*uint32)(unsafe.Pointer(&heap[off]))
}

// BlockInfo describes one block encountered while walking the heap.
type BlockInfo struct {
	PayloadOffset int
	Size          int
	Allocated     bool
}

// Report is the result of a Check pass.
type Report struct {
	Blocks     []BlockInfo
	Violations []string
}

// OK reports whether no invariant violation was found.
func (r Report) OK() bool { return len(r.Violations) == 0 }

// String renders a human-readable heap dump, in the spirit of a debugger's
// "heap map" command: one line per block, followed by any violations.
func (r Report) String() string {
	var b strings.Builder
	for _, blk := range r.Blocks {
		state := "FREE"
		if blk.Allocated {
			state = "ALLOC"
		}
		fmt.Fprintf(&b, "  [%6d] size=%-6d %s\n", blk.PayloadOffset, blk.Size, state)
	}

	if len(r.Violations) == 0 {
		fmt.Fprintf(&b, "  ok: %d blocks, no violations\n", len(r.Blocks))
		return b.String()
	}

	for _, v := range r.Violations {
		fmt.Fprintf(&b, "  VIOLATION: %s\n", v)
	}
	return b.String()
}

// Check walks the heap from firstPayload to the epilogue, checking that
// every block's header equals its footer, every size is a positive
// multiple of 8 at an 8-aligned offset, no two adjacent blocks are both
// free, and that the walk lands exactly on the epilogue (implying the
// blocks tile the heap with no gap or overlap).
func Check(heap []byte, firstPayload int) Report {
	tag := blktag.Tagger{Heap: heap}
	var r Report

	prevFree := false
	off := firstPayload
	for {
		if off < 0 || off > len(heap) {
			r.Violations = append(r.Violations, fmt.Sprintf("walk left the heap at offset %d", off))
			break
		}

		if tag.IsEpilogue(off) {
			break
		}

		size := tag.Size(off)
		allocated := tag.Allocated(off)

		if size <= 0 || size%blktag.Alignment != 0 {
			r.Violations = append(r.Violations, fmt.Sprintf("block at %d has non-positive or misaligned size %d", off, size))
			break
		}

		if off%blktag.Alignment != 0 {
			r.Violations = append(r.Violations, fmt.Sprintf("payload offset %d is not 8-aligned", off))
		}

		hdr := tag.HeaderOffset(off)
		ftr := tag.FooterOffset(off)
		if wordAt(heap, hdr) != wordAt(heap, ftr) {
			r.Violations = append(r.Violations, fmt.Sprintf("block at %d: header != footer", off))
		}

		if !allocated && prevFree {
			r.Violations = append(r.Violations, fmt.Sprintf("block at %d: two adjacent free blocks", off))
		}

		r.Blocks = append(r.Blocks, BlockInfo{PayloadOffset: off, Size: size, Allocated: allocated})
		prevFree = !allocated
		off = tag.Next(off)
	}

	return r
}

// CheckSegregated runs Check and additionally verifies that every free
// block reachable from a bucket head is marked free, is covered by the
// walk, and maps back to the bucket it was found in under classOf, and
// that every free block found by the walk is reachable from some bucket.
func CheckSegregated(heap []byte, firstPayload int, buckets []int, classOf func(payloadSize int) int, nextLink func(off int) int) Report {
	r := Check(heap, firstPayload)

	walked := map[int]bool{}
	for _, b := range r.Blocks {
		if !b.Allocated {
			walked[b.PayloadOffset] = true
		}
	}

	seen := map[int]bool{}
	tag := blktag.Tagger{Heap: heap}
	for cls, head := range buckets {
		for off := head; off != 0; off = nextLink(off) {
			if seen[off] {
				r.Violations = append(r.Violations, fmt.Sprintf("bucket %d: cycle or cross-linked block at %d", cls, off))
				break
			}
			seen[off] = true

			if !walked[off] {
				r.Violations = append(r.Violations, fmt.Sprintf("bucket %d: block at %d is not a free block covered by the heap walk", cls, off))
				continue
			}

			want := classOf(tag.PayloadSize(off))
			if want != cls {
				r.Violations = append(r.Violations, fmt.Sprintf("bucket %d: block at %d maps to bucket %d under classOf", cls, off, want))
			}
		}
	}

	for off := range walked {
		if !seen[off] {
			r.Violations = append(r.Violations, fmt.Sprintf("free block at %d is not reachable from any bucket", off))
		}
	}

	return r
}
