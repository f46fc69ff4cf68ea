// Package slab implements a size-class allocator layered over heap.Pool,
// amortizing the heap's per-allocation overhead across a page of
// same-sized objects and recovering the owning cache from a freed
// pointer in O(1) via a back-pointer prefix on every object.
//
// A single master Cache is bootstrapped inside its own first slab (it
// allocates its Cache-sized children, and itself, from the same
// machinery); every other size class hangs off master.NextCache as a
// singly-linked chain.
package slab

import (
	"fmt"
	"unsafe"

	"modernc.org/mathutil"

	"github.com/FeizaiYiHao/arm-trusted-firmware/heap"
	"github.com/FeizaiYiHao/arm-trusted-firmware/platform"
)

const ptrSize = unsafe.Sizeof(uintptr(0))

var (
	slabHeaderSize = unsafe.Sizeof(Slab{})
	cacheSize      = unsafe.Sizeof(Cache{})
)

func roundup(n, m uintptr) uintptr { return (n + m - 1) &^ (m - 1) }

func nextPow2(n uintptr) uintptr {
	if n <= 1 {
		return 1
	}
	return 1 << uint(mathutil.BitLen(int(n-1)))
}

func writePtr(addr, v uintptr) { *(*uintptr)(unsafe.Pointer(addr)) = v }
func readPtr(addr uintptr) uintptr { return *(*uintptr)(unsafe.Pointer(addr)) }

// Slab is the page-resident header of one 4 KiB slab. It lives in
// heap-owned memory (never in the Go heap), addressed by its page's
// start address.
type Slab struct {
	Owner     uintptr // address of the owning Cache
	Prev      uintptr // slab-list links
	Next      uintptr
	FreeHead  uintptr // address of the first free object, 0 if none
	InUse     uintptr
	FreeCount uintptr
	Capacity  uintptr
	ObjSize   uintptr
	Start     uintptr
	End       uintptr
}

func slabAt(addr uintptr) *Slab { return (*Slab)(unsafe.Pointer(addr)) }

func (s *Slab) popFree() uintptr {
	objAddr := s.FreeHead
	s.FreeHead = readPtr(objAddr + ptrSize)
	return objAddr
}

func (s *Slab) pushFree(objAddr uintptr) {
	writePtr(objAddr+ptrSize, s.FreeHead)
	s.FreeHead = objAddr
}

// Cache is one size class: a set of slabs all carved into objects of
// ObjectSize bytes, split across full/partial/free lists. Like Slab, it
// lives in heap-owned memory; the master Cache is allocated inside its
// own first slab, and every other Cache is allocated from master.
type Cache struct {
	Full, Partial, Idle uintptr // slab-list heads (Idle is the free-slab list), 0 = empty
	NextCache           uintptr
	ObjectSize          uintptr
	TotalCapacity       uintptr
	FreeCount           uintptr
	ActiveCount         uintptr
}

func cacheAt(addr uintptr) *Cache { return (*Cache)(unsafe.Pointer(addr)) }

func (c *Cache) addr() uintptr { return uintptr(unsafe.Pointer(c)) }

// unlinkSlab removes slabAddr from the list whose head is *listHead.
func unlinkSlab(listHead *uintptr, slabAddr uintptr) {
	s := slabAt(slabAddr)
	if s.Prev != 0 {
		slabAt(s.Prev).Next = s.Next
	} else {
		*listHead = s.Next
	}
	if s.Next != 0 {
		slabAt(s.Next).Prev = s.Prev
	}
}

// pushHeadSlab inserts slabAddr at the head of the list whose head is
// *listHead, per §4.2's tie-break: always insert at the head, prev=0.
func pushHeadSlab(listHead *uintptr, slabAddr uintptr) {
	s := slabAt(slabAddr)
	s.Prev = 0
	s.Next = *listHead
	if *listHead != 0 {
		slabAt(*listHead).Prev = slabAddr
	}
	*listHead = slabAddr
}

func (c *Cache) moveSlab(slabAddr uintptr, from, to *uintptr) {
	unlinkSlab(from, slabAddr)
	pushHeadSlab(to, slabAddr)
}

func (c *Cache) countFreeSlabs() int {
	n := 0
	for p := c.Idle; p != 0; p = slabAt(p).Next {
		n++
	}
	return n
}

// grow allocates one more page-sized slab from the global pool,
// initializes its object free list and back-pointers, and places it at
// the head of Idle.
func (c *Cache) grow() bool {
	pageAddr := thePool.Alloc(platform.PageSize, platform.PageSize)
	if pageAddr == 0 {
		return false
	}

	objSize := c.ObjectSize
	headerPadded := roundup(slabHeaderSize, objSize)
	if headerPadded >= platform.PageSize {
		thePool.Free(pageAddr)
		return false
	}
	capacity := (platform.PageSize - headerPadded) / objSize
	if capacity == 0 {
		thePool.Free(pageAddr)
		return false
	}

	s := slabAt(pageAddr)
	s.Owner = c.addr()
	s.ObjSize = objSize
	s.Capacity = capacity
	s.InUse = 0
	s.FreeCount = capacity
	s.Start = pageAddr
	s.End = pageAddr + platform.PageSize

	base := pageAddr + headerPadded
	for i := uintptr(0); i < capacity; i++ {
		objAddr := base + i*objSize
		writePtr(objAddr, pageAddr) // back-pointer, set once, never disturbed
		var next uintptr
		if i+1 < capacity {
			next = base + (i+1)*objSize
		}
		writePtr(objAddr+ptrSize, next)
	}
	s.FreeHead = base

	pushHeadSlab(&c.Idle, pageAddr)
	c.TotalCapacity += capacity
	c.FreeCount += capacity
	return true
}

// shrinkOne returns the head of the Idle list to the heap. Called when
// more than one slab sits on Idle, per §4.2's "keep at most one
// free slab" policy.
func (c *Cache) shrinkOne() {
	slabAddr := c.Idle
	if slabAddr == 0 {
		return
	}
	s := slabAt(slabAddr)
	c.Idle = s.Next
	if c.Idle != 0 {
		slabAt(c.Idle).Prev = 0
	}
	c.TotalCapacity -= s.Capacity
	c.FreeCount -= s.FreeCount
	thePool.Free(slabAddr)
}

// allocObj picks a slab (partial, else free, else none) and pops its
// free-list head, returning the object's base address (not the user
// pointer) or 0 if the cache has no room and must be grown by the
// caller.
func (c *Cache) allocObj() uintptr {
	slabAddr := c.Partial
	if slabAddr == 0 {
		slabAddr = c.Idle
		if slabAddr == 0 {
			return 0
		}
		c.moveSlab(slabAddr, &c.Idle, &c.Partial)
	}

	s := slabAt(slabAddr)
	objAddr := s.popFree()
	writePtr(objAddr, slabAddr) // re-affirm the back-pointer, per §4.2 step 3
	s.InUse++
	s.FreeCount--
	c.ActiveCount++
	c.FreeCount--

	if s.InUse == s.Capacity {
		c.moveSlab(slabAddr, &c.Partial, &c.Full)
	}
	return objAddr
}

// freeObj returns objAddr (as recovered from a user pointer) to its
// slab, moving the slab between lists as its occupancy changes and
// shrinking the cache if it now holds more than one idle slab.
func (c *Cache) freeObj(slabAddr, objAddr uintptr) {
	s := slabAt(slabAddr)
	wasFull := s.InUse == s.Capacity

	s.pushFree(objAddr)
	s.InUse--
	s.FreeCount++
	c.ActiveCount--
	c.FreeCount++

	if wasFull {
		c.moveSlab(slabAddr, &c.Full, &c.Partial)
	}
	if s.InUse == 0 {
		c.moveSlab(slabAddr, &c.Partial, &c.Idle)
		if c.countFreeSlabs() > 1 {
			c.shrinkOne()
		}
	}
}

// thePool backs every cache's grow/shrink; it is process-wide state set
// once by NewMaster, per the package's typed-accessor convention for
// the singleton heap (see kernel.Main, which calls NewMaster exactly
// once at boot).
var thePool *heap.Pool

// NewMaster bootstraps the master cache directly out of pool: it
// allocates the first slab straight from the heap (no cache bookkeeping
// exists yet to do it any other way) and constructs the master Cache
// inside that slab's first object.
func NewMaster(pool *heap.Pool) (*Cache, error) {
	thePool = pool

	masterClass := nextPow2(cacheSize + ptrSize)
	pageAddr := pool.Alloc(platform.PageSize, platform.PageSize)
	if pageAddr == 0 {
		return nil, fmt.Errorf("slab: out of memory bootstrapping master cache")
	}

	headerPadded := roundup(slabHeaderSize, masterClass)
	capacity := (platform.PageSize - headerPadded) / masterClass
	if capacity == 0 {
		pool.Free(pageAddr)
		return nil, fmt.Errorf("slab: master object class %d too large for a page", masterClass)
	}

	s := slabAt(pageAddr)
	s.ObjSize = masterClass
	s.Capacity = capacity
	s.Start = pageAddr
	s.End = pageAddr + platform.PageSize

	base := pageAddr + headerPadded
	for i := uintptr(0); i < capacity; i++ {
		objAddr := base + i*masterClass
		writePtr(objAddr, pageAddr)
		var next uintptr
		if i+1 < capacity {
			next = base + (i+1)*masterClass
		}
		writePtr(objAddr+ptrSize, next)
	}
	s.FreeHead = base

	firstObj := s.popFree()
	master := (*Cache)(unsafe.Pointer(firstObj + ptrSize))
	*master = Cache{ObjectSize: masterClass}
	s.Owner = master.addr()
	s.InUse = 1
	s.FreeCount = capacity - 1
	master.TotalCapacity = capacity
	master.FreeCount = capacity - 1
	master.ActiveCount = 1
	if s.InUse == s.Capacity {
		pushHeadSlab(&master.Full, pageAddr)
	} else {
		pushHeadSlab(&master.Partial, pageAddr)
	}
	return master, nil
}

func (master *Cache) findCache(class uintptr) *Cache {
	for p := master.NextCache; p != 0; {
		c := cacheAt(p)
		if c.ObjectSize == class {
			return c
		}
		p = c.NextCache
	}
	return nil
}

// createCache allocates a new Cache-sized object out of the master
// cache — well defined because master's object size accommodates a
// Cache plus its back-pointer prefix — links it onto master.NextCache,
// and grows it by one slab so it is immediately usable.
func (master *Cache) createCache(class uintptr) *Cache {
	raw := master.allocObj()
	if raw == 0 {
		if !master.grow() {
			return nil
		}
		raw = master.allocObj()
		if raw == 0 {
			return nil
		}
	}

	nc := (*Cache)(unsafe.Pointer(raw + ptrSize))
	*nc = Cache{ObjectSize: class, NextCache: master.NextCache}
	master.NextCache = nc.addr()
	if !nc.grow() {
		return nil
	}
	return nc
}

// Alloc returns a pointer to at least size bytes of cache-owned memory,
// or nil on exhaustion. Called on the master cache, it searches
// master.NextCache for a matching size class — next_pow2(size +
// sizeof(pointer)), accounting for the mandatory back-pointer prefix —
// creating one if none exists. The returned pointer sits one pointer
// word past an object base that is a multiple of the class size, so it
// is aligned to the pointer width and no more: Alloc returns nil when
// align is not met, which is every request with align above the
// pointer width (see DESIGN.md); callers that need heavier alignment
// should go to heap.Pool directly.
func (master *Cache) Alloc(size, align uintptr) unsafe.Pointer {
	if size == 0 {
		size = 1
	}
	if align == 0 {
		align = 1
	}

	class := nextPow2(size + ptrSize)
	c := master.findCache(class)
	if c == nil {
		c = master.createCache(class)
		if c == nil {
			return nil
		}
	}

	objAddr := c.allocObj()
	if objAddr == 0 {
		if !c.grow() {
			return nil
		}
		objAddr = c.allocObj()
		if objAddr == 0 {
			return nil
		}
	}

	userAddr := objAddr + ptrSize
	if userAddr&(align-1) != 0 {
		// Alignment above the pointer width isn't satisfiable from
		// this class; treat as a layout error (§7), not a crash.
		c.freeObj(readPtr(objAddr), objAddr)
		return nil
	}
	return unsafe.Pointer(userAddr)
}

// Free returns memory obtained from Alloc. Recovering the owning slab
// and cache from ptr is O(1): the back-pointer word immediately before
// ptr names the slab, and the slab's Owner field names the cache. It
// may be called on any Cache value (master or otherwise); the lookup
// never actually uses the receiver, since ptr names its own cache.
func (*Cache) Free(ptr unsafe.Pointer) {
	if ptr == nil {
		return
	}
	userAddr := uintptr(ptr)
	objAddr := userAddr - ptrSize
	slabAddr := readPtr(objAddr)
	s := slabAt(slabAddr)
	c := cacheAt(s.Owner)
	c.freeObj(slabAddr, objAddr)
}

// SlabOf returns the slab header owning ptr, recovered the same way
// Free does — exposed for property tests (§8 property 6).
func SlabOf(ptr unsafe.Pointer) *Slab {
	objAddr := uintptr(ptr) - ptrSize
	return slabAt(readPtr(objAddr))
}

// CacheOf returns the cache owning ptr.
func CacheOf(ptr unsafe.Pointer) *Cache {
	return cacheAt(SlabOf(ptr).Owner)
}
