// Package platform collects the QEMU virt board constants the rest of
// the payload binds against. None of it is interesting engineering on
// its own; it exists so the allocators, console and SMC layers have a
// single place to pull addresses, sizes and counts from.
package platform

const (
	// BL32MemBase and BL32MemSize describe the Secure DRAM carve-out
	// handed to this payload by the boot loader.
	BL32MemBase uintptr = 0x0e100000
	BL32MemSize uintptr = 0x00f00000 // 15 MiB

	UART0Base        uintptr = 0x09000000
	UART0ClockHz     uint32  = 1
	ConsoleBaudRate  uint32  = 115200
	ConsoleFlagBoot    uint32 = 1 << 0
	ConsoleFlagRuntime uint32 = 1 << 1
	ConsoleFlagScopeMask uint32 = (1 << 8) - 1

	PlatformMaxCPUsPerCluster  = 4
	PlatformCluster0CoreCount  = PlatformMaxCPUsPerCluster
	PlatformCluster1CoreCount  = PlatformMaxCPUsPerCluster
	PlatformCoreCount          = PlatformCluster0CoreCount + PlatformCluster1CoreCount

	// CacheWritebackGranule is the alignment the monitor expects SMC
	// argument blocks to honor.
	CacheWritebackGranule = 64

	// SizeQuant is the allocation granularity of the heap. Must be a
	// power of two, minimum 4.
	SizeQuant uintptr = 4

	// PageSize is the slab allocator's unit of growth.
	PageSize uintptr = 4096

	// SentinelMax is the diagnostic size value the heap's end sentinel
	// block carries. It is never read back in address arithmetic — the
	// free-list walk stops by comparing addresses against the
	// sentinel, not by reading this field — it exists purely so a raw
	// memory dump of the pool shows an unmistakable value at the tail
	// (heap.Pool.Walk stops before the sentinel and never reports it).
	SentinelMax uintptr = ^uintptr(0)
)
