// Copyright 2017 The Memory Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package heapsubstrate adapts a single growable mmap'd region to the
// classical sbrk/program-break contract: the allocator engines ask it to
// extend a logical break forward and never move it back. The region is
// reserved in full up front so that, unlike a real sbrk which can fail
// mid-growth for reasons outside the process's control, the only failure
// mode visible to callers is running past MaxHeap.
package heapsubstrate

import (
	"errors"
	"os"
	"unsafe"
)

// Alignment is the only unit Extend ever moves the break by.
const Alignment = 8

var (
	osPageSize = os.Getpagesize()
	osPageMask = osPageSize - 1
)

// ErrMisaligned is returned by Extend when delta is zero, negative or not a
// multiple of Alignment. No break movement occurs.
var ErrMisaligned = errors.New("heapsubstrate: delta must be a positive multiple of 8")

// ErrOutOfMemory is returned by Extend when delta would push the break past
// MaxHeap.
var ErrOutOfMemory = errors.New("heapsubstrate: extend would exceed MaxHeap")

// Substrate is a single-owner view of a contiguous, monotonically-growing
// byte arena. Its zero value is not usable; construct one with New.
type Substrate struct {
	arena   []byte // raw mmap, len == roundup(maxHeap, osPageSize)
	maxHeap int    // logical cap, <= len(arena)
	brk     int    // logical break, offset into arena
}

// New reserves an arena big enough to hold maxHeap bytes and returns a
// Substrate with its break at offset 0.
func New(maxHeap int) (*Substrate, error) {
	if maxHeap <= 0 {
		return nil, errors.New("heapsubstrate: maxHeap must be positive")
	}

	size := roundup(maxHeap, osPageSize)
	b, err := reserveArena(size)
	if err != nil {
		return nil, err
	}

	return &Substrate{arena: b, maxHeap: maxHeap}, nil
}

// if n%m != 0 { n += m-n%m }. m must be a power of 2.
func roundup(n, m int) int { return (n + m - 1) &^ (m - 1) }

// MaxHeap reports the cap this Substrate was constructed with.
func (s *Substrate) MaxHeap() int { return s.maxHeap }

// CurrentBreak reports the current end of the live heap, in bytes from the
// arena base.
func (s *Substrate) CurrentBreak() int { return s.brk }

// Extend grows the break by delta bytes and returns the offset of the first
// newly-mapped byte (the old break). delta must be a positive multiple of
// Alignment and must not push the break past MaxHeap; violating either
// condition leaves the break untouched and returns an error.
func (s *Substrate) Extend(delta int) (oldBreak int, err error) {
	if delta <= 0 || delta%Alignment != 0 {
		return 0, ErrMisaligned
	}

	if s.brk+delta > s.maxHeap {
		return 0, ErrOutOfMemory
	}

	old := s.brk
	s.brk += delta
	return old, nil
}

// Bytes returns the live portion of the arena, [0, CurrentBreak()). The
// slice aliases the Substrate's backing storage and is only valid until the
// next Extend or Close.
func (s *Substrate) Bytes() []byte { return s.arena[:s.brk] }

// Close releases the mmap'd arena. The Substrate must not be used
// afterwards.
func (s *Substrate) Close() error {
	if s.arena == nil {
		return nil
	}

	err := releaseArena(unsafe.Pointer(&s.arena[0]), len(s.arena))
	s.arena = nil
	s.brk = 0
	return err
}
