// Copyright 2017 The Memory Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package blktag implements the boundary-tag byte layout shared by the
// implicit and segregated engines: packing/unpacking the header and footer
// words, and the header/footer/next/prev neighbour arithmetic that lets
// either engine navigate the heap in O(1) per hop.
//
// A block is addressed by the offset of its first payload byte ("bp" in the
// classical C formulation). Word access uses a raw unsafe.Pointer cast
// over a live byte slice rather than encoding/binary: this is in-process
// layout, not a wire format.
package blktag

import "unsafe"

const (
	// WordSize is the size of a header or footer tag, in bytes.
	WordSize = 4
	// Alignment is the allocator's only supported alignment.
	Alignment = 8
	// allocBit is the low bit of a packed word; size occupies the rest.
	// Size is always a multiple of 8 so the low 3 bits of a word are free;
	// only bit 0 is used.
	allocBit = 1
	// MinBlockSize is the smallest legal block: header + footer + one
	// alignment quantum of payload. Both engines share it: the
	// segregated variant's free-block link words (next+prev, one word
	// each) fit in exactly one 8-byte payload, so it needs no larger a
	// floor than the implicit variant.
	MinBlockSize = 2*WordSize + Alignment
)

// Pack encodes a block size and allocated flag into a single header/footer
// word. size must already be a positive multiple of 8.
func Pack(size int, allocated bool) uint32 {
	w := uint32(size)
	if allocated {
		w |= allocBit
	}
	return w
}

// Unpack decodes a header/footer word into its size and allocated flag.
func Unpack(word uint32) (size int, allocated bool) {
	return int(word &^ allocBit), word&allocBit != 0
}

// Tagger is a thin, stateless view over a live heap byte slice. It performs
// no bounds checking beyond what Go's slice indexing gives for free: every
// offset it is handed must already be known-valid by the caller (engines
// only ever derive offsets by walking tags written by this same package).
type Tagger struct {
	Heap []byte
}

func (t Tagger) word(off int) uint32 {
	return *(*uint32)(unsafe.Pointer(&t.Heap[off]))
}

func (t Tagger) setWord(off int, v uint32) {
	*(*uint32)(unsafe.Pointer(&t.Heap[off])) = v
}

// HeaderOffset returns the offset of the header word for the block whose
// payload starts at payloadOff.
func (t Tagger) HeaderOffset(payloadOff int) int { return payloadOff - WordSize }

// Size returns the total size (header+payload+footer, padding included) of
// the block whose payload starts at payloadOff.
func (t Tagger) Size(payloadOff int) int {
	size, _ := Unpack(t.word(t.HeaderOffset(payloadOff)))
	return size
}

// Allocated reports whether the block whose payload starts at payloadOff is
// currently allocated.
func (t Tagger) Allocated(payloadOff int) bool {
	_, allocated := Unpack(t.word(t.HeaderOffset(payloadOff)))
	return allocated
}

// PayloadSize returns the usable payload size of the block whose payload
// starts at payloadOff (total size minus header and footer).
func (t Tagger) PayloadSize(payloadOff int) int {
	return t.Size(payloadOff) - 2*WordSize
}

// FooterOffset returns the offset of the footer word for the block whose
// payload starts at payloadOff.
func (t Tagger) FooterOffset(payloadOff int) int {
	return payloadOff + t.PayloadSize(payloadOff)
}

// SetBlock writes matching header and footer words for a size/allocated
// pair at payloadOff. Both words are always written together so a reader
// can never observe a torn update between them.
func (t Tagger) SetBlock(payloadOff, size int, allocated bool) {
	w := Pack(size, allocated)
	t.setWord(t.HeaderOffset(payloadOff), w)
	t.setWord(payloadOff+size-2*WordSize, w)
}

// Next returns the payload offset of the block physically following the
// block whose payload starts at payloadOff.
func (t Tagger) Next(payloadOff int) int {
	return payloadOff + t.Size(payloadOff)
}

// Prev returns the payload offset of the block physically preceding the
// block whose payload starts at payloadOff, by reading the size word stored
// in that neighbour's footer (the word immediately before this block's own
// header).
func (t Tagger) Prev(payloadOff int) int {
	prevSize, _ := Unpack(t.word(payloadOff - 2*WordSize))
	return payloadOff - prevSize
}

// WritePaddingWord writes the arbitrary, non-navigable marker word at the
// heap base that keeps the first real block's payload 8-aligned.
func (t Tagger) WritePaddingWord(off int) {
	t.setWord(off, 0xDEADBEEF)
}

// WritePrologue writes the 8-byte allocated prologue block (header+footer,
// no payload) whose payload offset is payloadOff.
func (t Tagger) WritePrologue(payloadOff int) {
	t.SetBlock(payloadOff, 2*WordSize, true)
}

// WriteEpilogue writes the zero-size allocated epilogue header at
// payloadOff. The epilogue has no footer: it is the last word of the live
// heap and is recognised by size == 0 && allocated.
func (t Tagger) WriteEpilogue(payloadOff int) {
	t.setWord(t.HeaderOffset(payloadOff), Pack(0, true))
}

// IsEpilogue reports whether the block at payloadOff is the epilogue
// sentinel (size == 0 and allocated).
func (t Tagger) IsEpilogue(payloadOff int) bool {
	size, allocated := Unpack(t.word(t.HeaderOffset(payloadOff)))
	return size == 0 && allocated
}
