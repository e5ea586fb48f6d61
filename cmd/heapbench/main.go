// Copyright 2017 The Memory Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command heapbench drives a synthetic malloc/free/realloc trace against
// a chosen allocator variant and policy, reports elapsed time and peak
// live bytes, and runs a final invariant check.
package main

import (
	"flag"
	"fmt"
	"log"
	"math/rand"
	"time"
	"unsafe"

	"github.com/go-heapalloc/heapalloc"
	"github.com/go-heapalloc/heapalloc/implicit"
)

// The allocated region is mmap'd, not GC-managed, so holding its
// addresses as uintptr between calls (rather than unsafe.Pointer) is
// safe: nothing about the arena moves or gets collected out from under
// us the way it could for a Go heap object.
func anyPointer(p uintptr) unsafe.Pointer { return unsafe.Pointer(p) }
func pointerValue(p unsafe.Pointer) uintptr { return uintptr(p) }

var (
	variant  = flag.String("variant", "implicit", "implicit or segregated")
	policy   = flag.String("policy", "firstfit", "firstfit, nextfit or bestfit (implicit only)")
	maxHeap  = flag.Int("maxheap", 1<<26, "reserved heap size in bytes")
	nOps     = flag.Int("n", 200000, "number of malloc/free/realloc operations")
	maxAlloc = flag.Int("maxalloc", 4096, "largest single allocation size")
	seed     = flag.Int64("seed", 42, "PRNG seed")
)

func parsePolicy() implicit.Policy {
	switch *policy {
	case "nextfit":
		return implicit.NextFit
	case "bestfit":
		return implicit.BestFit
	default:
		return implicit.FirstFit
	}
}

func parseVariant() heapalloc.Variant {
	if *variant == "segregated" {
		return heapalloc.Segregated
	}
	return heapalloc.Implicit
}

type liveBlock struct {
	p    uintptr
	size int
}

func main() {
	flag.Parse()
	log.SetFlags(log.Lshortfile)

	a, err := heapalloc.New(parseVariant(), heapalloc.WithMaxHeap(*maxHeap), heapalloc.WithPolicy(parsePolicy()))
	if err != nil {
		log.Fatal(err)
	}
	defer a.Close()

	rng := rand.New(rand.NewSource(*seed))
	var live []liveBlock
	var peakBytes, liveBytes int

	t0 := time.Now()
	for i := 0; i < *nOps; i++ {
		switch {
		case len(live) > 0 && rng.Intn(3) == 0:
			idx := rng.Intn(len(live))
			b := live[idx]
			a.Free(anyPointer(b.p))
			liveBytes -= b.size
			live[idx] = live[len(live)-1]
			live = live[:len(live)-1]

		case len(live) > 0 && rng.Intn(4) == 0:
			idx := rng.Intn(len(live))
			b := live[idx]
			newSize := rng.Intn(*maxAlloc) + 1
			p := a.Realloc(anyPointer(b.p), newSize)
			if p == nil {
				log.Fatal("realloc failed: heap exhausted")
			}
			liveBytes += newSize - b.size
			live[idx] = liveBlock{p: pointerValue(p), size: newSize}

		default:
			size := rng.Intn(*maxAlloc) + 1
			p := a.Malloc(size)
			if p == nil {
				log.Fatal("malloc failed: heap exhausted")
			}
			liveBytes += size
			live = append(live, liveBlock{p: pointerValue(p), size: size})
		}

		if liveBytes > peakBytes {
			peakBytes = liveBytes
		}
	}

	elapsed := time.Since(t0)

	r := a.Check()
	if !r.OK() {
		fmt.Print(r.String())
		log.Fatal("heap invariant violated after trace")
	}

	fmt.Printf("variant %s, policy %s, %d ops, %d live blocks, peak %d bytes, %s\n",
		*variant, *policy, *nOps, len(live), peakBytes, elapsed)
}
