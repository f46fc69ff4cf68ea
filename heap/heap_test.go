package heap

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"
	"modernc.org/mathutil"
)

func newTestPool(t *testing.T, size uintptr) *Pool {
	t.Helper()
	p, err := NewPool(size)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, p.Close()) })
	return p
}

// E1: alloc a, alloc b, free a, free b must fully coalesce back to one
// free block spanning the whole region.
func TestE1RoundTripBothDirections(t *testing.T) {
	p := newTestPool(t, 0x1000)

	a := p.Alloc(16, 4)
	require.NotZero(t, a)
	b := p.Alloc(16, 4)
	require.NotZero(t, b)

	p.Free(a)
	p.Free(b)

	require.Equal(t, 1, p.FreeBlocks())
	var blocks int
	p.Walk(func(addr, size uintptr, allocated bool) bool {
		blocks++
		require.False(t, allocated)
		return true
	})
	require.Equal(t, 1, blocks)
}

// E2: alloc 64,128,64; free the middle one. Besides the untouched
// remainder, the free list must contain exactly one block, of size
// 128+headSize, and its address-order
// successor must have its PrevFree set to that size (tail-carving
// allocates each new block adjacent to the previous one, so the block
// physically following the freed region is the first (64-byte) call,
// not the third).
func TestE2MiddleFreeRecordsNeighborLink(t *testing.T) {
	p := newTestPool(t, 0x2000)

	a := p.Alloc(64, 4)
	b := p.Alloc(128, 4)
	c := p.Alloc(64, 4)
	require.NotZero(t, a)
	require.NotZero(t, b)
	require.NotZero(t, c)

	p.Free(b)

	require.Equal(t, 2, p.FreeBlocks()) // the initial remainder, plus b standing alone

	bHead := headAt(b - headSize)
	require.False(t, bHead.Allocated)
	require.Equal(t, 128+headSize, bHead.Size)

	successor := headAt(bHead.addr() + bHead.Size)
	require.Equal(t, bHead.Size, successor.PrevFree)
}

// Property 1/2/3/4: for a pseudo-random sequence of allocs (all
// satisfied) followed by frees in reverse order, the pool returns to
// its post-init state; at every point allocated ranges are disjoint and
// in-bounds, no two consecutive blocks are ever both free, and walking
// by size reaches the end exactly.
func TestRoundTripRandomSequenceCoalescesFully(t *testing.T) {
	const poolSize = 1 << 20
	p := newTestPool(t, poolSize)

	rng, err := mathutil.NewFC32(1, 512, true)
	require.NoError(t, err)
	rng.Seed(7)

	var addrs []uintptr
	for i := 0; i < 400; i++ {
		n := uintptr(rng.Next())
		addr := p.Alloc(n, 8)
		if addr == 0 {
			break
		}
		addrs = append(addrs, addr)
		assertNoOverlapAndCoalesced(t, p)
	}

	for i := len(addrs) - 1; i >= 0; i-- {
		p.Free(addrs[i])
		assertNoOverlapAndCoalesced(t, p)
	}

	require.Equal(t, 1, p.FreeBlocks())
}

func assertNoOverlapAndCoalesced(t *testing.T, p *Pool) {
	t.Helper()

	var (
		prevEnd       uintptr
		prevAllocated bool
		sawAny        bool
		n             int
	)
	p.Walk(func(addr, size uintptr, allocated bool) bool {
		if sawAny {
			require.Equal(t, prevEnd, addr, "blocks must be contiguous")
			require.False(t, !allocated && !prevAllocated, "two consecutive free blocks")
		}
		prevEnd = addr + size
		prevAllocated = allocated
		sawAny = true
		n++
		return true
	})
	require.Equal(t, p.Base()+p.Size()-headSize, prevEnd, "walk must end exactly at the end sentinel")
}

func TestAllocExhaustionReturnsZero(t *testing.T) {
	p := newTestPool(t, 4096)

	var last uintptr
	for i := 0; i < 10_000; i++ {
		a := p.Alloc(64, 8)
		if a == 0 {
			break
		}
		last = a
	}
	require.NotZero(t, last)
	require.Zero(t, p.Alloc(64, 8))
}

func TestAllocZeroSizeSucceeds(t *testing.T) {
	p := newTestPool(t, 4096)
	a := p.Alloc(0, 1)
	require.NotZero(t, a)
	p.Free(a)
	require.Equal(t, 1, p.FreeBlocks())
}

// Tail-carving allocates each new block adjacent to the previous one on
// its low-address side, so for calls x, y, z in that order the memory
// layout is [remainder][z][y][x][sentinel]. Freeing x first gives it no
// free neighbor on either side (z and the sentinel are both
// allocated); freeing y next must coalesce to its right with x's freed
// block while leaving z, on its left, untouched — a pure right-coalesce
// with no left-coalesce involved.
func TestFreeRightCoalesceOnly(t *testing.T) {
	p := newTestPool(t, 0x2000)

	x := p.Alloc(64, 8)
	y := p.Alloc(64, 8)
	z := p.Alloc(64, 8)
	require.NotZero(t, x)
	require.NotZero(t, y)
	require.NotZero(t, z)

	p.Free(x)
	require.Equal(t, 2, p.FreeBlocks()) // the initial remainder, plus x standing alone

	p.Free(y)
	require.Equal(t, 2, p.FreeBlocks()) // y merged right into x; z still separates it from the remainder

	yHead := headAt(y - headSize)
	require.False(t, yHead.Allocated)

	zHead := headAt(z - headSize)
	require.True(t, zHead.Allocated)
}

func TestAlignmentIsHonoredWhenSatisfiable(t *testing.T) {
	p := newTestPool(t, 1<<16)

	for _, align := range []uintptr{8, 16, 32} {
		a := p.Alloc(12, align)
		require.NotZero(t, a)
		require.Zero(t, a%align)
		p.Free(a)
	}
}

func TestHugeAllocFailsCleanly(t *testing.T) {
	p := newTestPool(t, 4096)
	require.Zero(t, p.Alloc(math.MaxInt32, 8))
	require.Equal(t, 1, p.FreeBlocks())
}
