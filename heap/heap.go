// Copyright 2017 The Memory Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package heap implements a coalescing first-fit allocator over a single
// contiguous byte region — the BL32 Secure DRAM pool. It is the only
// source of dynamic memory in the payload; the slab package is layered
// on top of it.
package heap

import (
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/FeizaiYiHao/arm-trusted-firmware/platform"
)

// trace enables verbose allocator tracing to stderr. Off by default;
// flip it on when chasing a coalescing bug.
var trace = os.Getenv("FSP_HEAP_TRACE") != ""

const sizeQuant = platform.SizeQuant

// BHead sits at the start of every block, free or allocated.
type BHead struct {
	PrevFree  uintptr // distance back to the previous block, 0 if that block is allocated
	Size      uintptr // block length including this header
	Allocated bool
}

// BFHead extends BHead with the doubly-linked free-list pointers. It
// only has a meaningful Next/Prev while the block is free; allocating
// the block overwrites these bytes with user data, and Free
// re-establishes them.
type BFHead struct {
	BHead
	Next uintptr
	Prev uintptr
}

var (
	headSize  = unsafe.Sizeof(BHead{})
	freeSize  = unsafe.Sizeof(BFHead{})
	linksSize = freeSize - headSize
)

func roundup(n, m uintptr) uintptr { return (n + m - 1) &^ (m - 1) }

func headAt(addr uintptr) *BHead  { return (*BHead)(unsafe.Pointer(addr)) }
func freeAt(addr uintptr) *BFHead { return (*BFHead)(unsafe.Pointer(addr)) }

func (b *BHead) addr() uintptr  { return uintptr(unsafe.Pointer(b)) }
func (b *BFHead) addr() uintptr { return uintptr(unsafe.Pointer(b)) }

// Pool is a coalescing first-fit allocator over a single region of
// bytes. Its zero value is not usable; construct one with NewPool.
type Pool struct {
	region   []byte // backing storage, reserved via mmap
	base     uintptr
	size     uintptr
	freelist BFHead // ring sentinel; lives in Go memory, outside the region
}

// NewPool reserves size bytes of anonymous, page-backed memory and
// initializes a single free block spanning it, per the "initialization"
// algorithm: size is rounded down to a multiple of platform.SizeQuant,
// one free block is installed at the start, and a permanently-allocated
// end sentinel is installed at the tail to block right-coalescing past
// the region.
func NewPool(size uintptr) (*Pool, error) {
	region, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("heap: reserve %d bytes: %w", size, err)
	}

	return (&Pool{region: region}).init(region)
}

// NewPoolFromRegion wraps an already-reserved region (for example one
// carved out by a caller that knows the platform's BL32 base/size) into
// a Pool. The region must not be touched by anything else afterward.
func NewPoolFromRegion(region []byte) (*Pool, error) {
	return (&Pool{region: region}).init(region)
}

func (p *Pool) init(region []byte) (*Pool, error) {
	if len(region) == 0 {
		return nil, fmt.Errorf("heap: empty region")
	}

	base := uintptr(unsafe.Pointer(&region[0]))
	size := uintptr(len(region)) &^ (sizeQuant - 1)
	if size <= headSize {
		return nil, fmt.Errorf("heap: region too small: %d bytes", len(region))
	}

	p.base = base
	p.size = size

	sentinelAddr := p.freelist.addr()

	b := freeAt(base)
	b.PrevFree = 0
	freeBlockSize := size - headSize
	b.Size = freeBlockSize
	b.Allocated = false
	b.Next = sentinelAddr
	b.Prev = sentinelAddr
	p.freelist.Next = base
	p.freelist.Prev = base

	end := headAt(base + freeBlockSize)
	end.PrevFree = freeBlockSize
	end.Size = platform.SentinelMax
	end.Allocated = true

	if trace {
		fmt.Fprintf(os.Stderr, "heap: init base=%#x size=%#x\n", base, size)
	}
	return p, nil
}

// Close releases the OS memory backing the pool.
func (p *Pool) Close() error {
	if p.region == nil {
		return nil
	}
	err := unix.Munmap(p.region)
	*p = Pool{}
	return err
}

// Base and Size report the pool's managed address range.
func (p *Pool) Base() uintptr { return p.base }
func (p *Pool) Size() uintptr { return p.size }

func (p *Pool) unlink(b *BFHead) {
	next := freeAt(b.Next)
	prev := freeAt(b.Prev)
	prev.Next = b.Next
	next.Prev = b.Prev
}

func (p *Pool) insertTail(b *BFHead) {
	sentinel := &p.freelist
	last := freeAt(sentinel.Prev)
	b.Next = sentinel.addr()
	b.Prev = sentinel.Prev
	last.Next = b.addr()
	sentinel.Prev = b.addr()
}

// Alloc returns the address of a block of at least n bytes whose start
// satisfies align, or 0 on exhaustion. align of 0 is treated as 1.
//
// The free list is walked in insertion order; the first block big
// enough to satisfy the request is split (tail carved off as the user
// block, preserving the free remainder's list position) or taken whole
// when splitting would leave too little behind to be useful.
func (p *Pool) Alloc(n, align uintptr) uintptr {
	if n == 0 {
		n = 1
	}
	if align == 0 {
		align = 1
	}

	want := n
	if want < linksSize {
		want = linksSize
	}
	need := roundup(want, sizeQuant) + headSize

	sentinel := p.freelist.addr()
	cur := p.freelist.Next
	for cur != sentinel {
		b := freeAt(cur)
		next := b.Next
		if b.Size >= need {
			if addr, ok := p.tryTake(b, need, align); ok {
				if trace {
					fmt.Fprintf(os.Stderr, "heap: alloc n=%#x align=%#x -> %#x\n", n, align, addr)
				}
				return addr
			}
		}
		cur = next
	}

	if trace {
		fmt.Fprintf(os.Stderr, "heap: alloc n=%#x align=%#x -> OOM\n", n, align)
	}
	return 0
}

// tryTake attempts to satisfy a request from free block b, returning
// the user address and true on success. It fails (leaving the pool
// unchanged) if the alignment requirement cannot be met from this
// block, in which case the caller moves on to the next free block.
func (p *Pool) tryTake(b *BFHead, need, align uintptr) (uintptr, bool) {
	blockAddr := b.addr()
	blockSize := b.Size

	if blockSize-need > linksSize+headSize {
		// Split: carve the tail as the user block so the free
		// block's own list position is undisturbed. The user block
		// starts low enough in the tail for its address to satisfy
		// align; any slack stays inside the user block.
		userAddr := (blockAddr + blockSize - need + headSize) &^ (align - 1)
		if userAddr <= blockAddr+linksSize+2*headSize {
			return 0, false
		}
		newHeadAddr := userAddr - headSize
		taken := blockAddr + blockSize - newHeadAddr

		shrunk := blockSize - taken
		b.Size = shrunk

		ba := headAt(newHeadAddr)
		ba.PrevFree = shrunk
		ba.Allocated = true
		ba.Size = taken

		next := headAt(newHeadAddr + taken)
		next.PrevFree = 0
		return userAddr, true
	}

	// Take whole: remove b from the free list entirely.
	userAddr := blockAddr + headSize
	if userAddr&(align-1) != 0 {
		return 0, false
	}

	p.unlink(b)
	next := headAt(blockAddr + blockSize)
	next.PrevFree = 0
	bh := headAt(blockAddr)
	bh.Allocated = true
	return userAddr, true
}

// Free returns a block previously returned by Alloc. addr must not
// have been freed already. Left and right neighbors that are free are
// coalesced into the freed block; no allocator operation can fail
// partially, so a bad addr is undefined behavior rather than an error
// (§7 AllocatorPreconditionViolation).
func (p *Pool) Free(addr uintptr) {
	if addr == 0 {
		return
	}

	bAddr := addr - headSize
	b := headAt(bAddr)

	mergedAddr := bAddr
	mergedSize := b.Size
	leftFree := b.PrevFree != 0

	if leftFree {
		lAddr := bAddr - b.PrevFree
		l := freeAt(lAddr)
		l.Size += mergedSize
		mergedAddr = lAddr
		mergedSize = l.Size
	} else {
		b.Allocated = false
	}

	rAddr := mergedAddr + mergedSize
	r := headAt(rAddr)
	if !r.Allocated {
		rf := freeAt(rAddr)
		p.unlink(rf)
		mergedSize += rf.Size
	}

	merged := freeAt(mergedAddr)
	merged.Size = mergedSize
	merged.Allocated = false

	if !leftFree {
		p.insertTail(merged)
	}

	next := headAt(mergedAddr + mergedSize)
	next.PrevFree = mergedSize

	if trace {
		fmt.Fprintf(os.Stderr, "heap: free addr=%#x merged=%#x size=%#x\n", addr, mergedAddr, mergedSize)
	}
}

// Walk calls fn once per block in address order starting at Base,
// reporting each block's header address, its total size including the
// header, and whether it is allocated. Walk stops early if fn returns
// false. The end sentinel is not visited.
func (p *Pool) Walk(fn func(addr, size uintptr, allocated bool) bool) {
	end := p.base + p.size - headSize
	addr := p.base
	for addr < end {
		b := headAt(addr)
		if !fn(addr, b.Size, b.Allocated) {
			return
		}
		addr += b.Size
	}
}

// FreeBlocks reports the number of blocks currently on the free list.
func (p *Pool) FreeBlocks() int {
	n := 0
	sentinel := p.freelist.addr()
	cur := p.freelist.Next
	for cur != sentinel {
		n++
		cur = freeAt(cur).Next
	}
	return n
}
