// Copyright 2017 The Memory Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package blkops implements the placement/splitter and coalescer
// algorithms shared verbatim by the implicit and segregated engines, so
// neither can carve or merge a block differently from the other. Index
// maintenance (first-fit scan position, bucket membership) is left to
// the caller via the unlink callback; blkops only ever touches boundary
// tags.
package blkops

import "github.com/go-heapalloc/heapalloc/blktag"

// Place decides whether a free block large enough for payloadSize should be
// split. blockOff must name a free block with Size(blockOff) >=
// payloadSize+2*WordSize. On return the leading part of the block
// (blockOff) is marked allocated; if split is true, a new free block of
// remainderSize starts at remainderOff and its caller is responsible for
// inserting it into whatever index the engine maintains.
func Place(t blktag.Tagger, blockOff, payloadSize int) (remainderOff, remainderSize int, split bool) {
	total := t.Size(blockOff)
	need := payloadSize + 2*blktag.WordSize
	remain := total - need

	if remain < blktag.MinBlockSize {
		t.SetBlock(blockOff, total, true)
		return 0, 0, false
	}

	t.SetBlock(blockOff, need, true)
	remainderOff = blockOff + need
	t.SetBlock(remainderOff, remain, false)
	return remainderOff, remain, true
}

// Coalesce merges the just-freed block at freedOff with any physically
// adjacent free neighbours. The caller must already have marked freedOff
// free (via t.SetBlock(freedOff, size, false)) before calling Coalesce.
// unlink is invoked once per absorbed neighbour, before it is overwritten,
// so the caller can remove it from its index (a no-op for the implicit
// engine, bucket removal for the segregated engine). Coalesce returns the
// payload offset and total size of the resulting block; the caller decides
// whether/how to (re-)insert it.
func Coalesce(t blktag.Tagger, freedOff int, unlink func(off int)) (canonicalOff, mergedSize int) {
	prevOff := t.Prev(freedOff)
	nextOff := t.Next(freedOff)
	prevAlloc := t.Allocated(prevOff)
	nextAlloc := t.Allocated(nextOff)
	size := t.Size(freedOff)

	switch {
	case prevAlloc && nextAlloc:
		return freedOff, size
	case prevAlloc && !nextAlloc:
		unlink(nextOff)
		merged := size + t.Size(nextOff)
		t.SetBlock(freedOff, merged, false)
		return freedOff, merged
	case !prevAlloc && nextAlloc:
		unlink(prevOff)
		merged := size + t.Size(prevOff)
		t.SetBlock(prevOff, merged, false)
		return prevOff, merged
	default: // !prevAlloc && !nextAlloc
		unlink(prevOff)
		unlink(nextOff)
		merged := size + t.Size(prevOff) + t.Size(nextOff)
		t.SetBlock(prevOff, merged, false)
		return prevOff, merged
	}
}
