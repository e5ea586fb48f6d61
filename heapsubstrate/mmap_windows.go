// Copyright 2011 Evan Shaw. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE-MMAP-GO file.

// Modifications (c) 2017 The Memory Authors.
// Folded into heapsubstrate's own reserve/release vocabulary and error
// wrapping below; the handle table is now mutex-guarded so that closing
// one Substrate can never race a reserve on another.

package heapsubstrate

import (
	"fmt"
	"reflect"
	"sync"
	"syscall"
	"unsafe"
)

// handles maps an arena's base address back to the file-mapping handle
// CreateFileMapping returned for it, since Go's []byte has nowhere else
// to carry that along. Guarded by handlesMu because distinct Substrate
// instances may reserve and release concurrently.
var (
	handlesMu sync.Mutex
	handles   = map[uintptr]syscall.Handle{}
)

// reserveArena asks Windows for an anonymous, page-backed file mapping
// and maps the whole of it into the process, mirroring the anonymous
// mmap a POSIX host would give reserveArena in mmap_unix.go.
func reserveArena(size int) ([]byte, error) {
	flProtect := uint32(syscall.PAGE_READWRITE)
	dwDesiredAccess := uint32(syscall.FILE_MAP_WRITE)

	maxSizeHigh := uint32(int64(size) >> 32)
	maxSizeLow := uint32(int64(size) & 0xFFFFFFFF)
	h, errno := syscall.CreateFileMapping(syscall.Handle(^uintptr(0)), nil, flProtect, maxSizeHigh, maxSizeLow, nil)
	if h == 0 {
		return nil, fmt.Errorf("heapsubstrate: CreateFileMapping %d bytes: %w", size, errno)
	}

	addr, errno := syscall.MapViewOfFile(h, dwDesiredAccess, 0, 0, uintptr(size))
	if addr == 0 {
		syscall.CloseHandle(h)
		return nil, fmt.Errorf("heapsubstrate: MapViewOfFile %d bytes: %w", size, errno)
	}

	if addr&uintptr(osPageMask) != 0 {
		panic("heapsubstrate: MapViewOfFile returned a misaligned address")
	}

	handlesMu.Lock()
	handles[addr] = h
	handlesMu.Unlock()

	var b []byte
	sh := (*reflect.SliceHeader)(unsafe.Pointer(&b))
	sh.Data = addr
	sh.Len = size
	sh.Cap = size
	return b, nil
}

// releaseArena unmaps a region previously returned by reserveArena and
// closes its backing file-mapping handle.
func releaseArena(addr unsafe.Pointer, size int) error {
	base := uintptr(addr)

	if err := syscall.UnmapViewOfFile(base); err != nil {
		return fmt.Errorf("heapsubstrate: UnmapViewOfFile: %w", err)
	}

	handlesMu.Lock()
	h, ok := handles[base]
	delete(handles, base)
	handlesMu.Unlock()

	if !ok {
		return fmt.Errorf("heapsubstrate: release of unknown arena base %#x", base)
	}

	if err := syscall.CloseHandle(h); err != nil {
		return fmt.Errorf("heapsubstrate: CloseHandle: %w", err)
	}

	return nil
}
