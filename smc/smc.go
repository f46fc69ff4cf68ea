// Package smc marshals the x0-x7 argument registers the Secure Monitor
// reads on ERET after a dispatched SMC completes, and declares the
// fixed-layout vector table the monitor reads once at boot to learn
// this payload's entry points.
package smc

import (
	"fmt"
	"unsafe"

	"github.com/FeizaiYiHao/arm-trusted-firmware/heap"
	"github.com/FeizaiYiHao/arm-trusted-firmware/platform"
)

// Args is the per-core argument block handed back to the monitor: eight
// 64-bit registers, one struct per core. Go has no repr(align) — the
// PLATFORM_CORE_COUNT-sized table of them is instead carved out of the
// heap with heap.Pool.Alloc's align parameter, the same way a DMA
// buffer needing hardware alignment is carved out of a byte arena
// rather than declared as a plain package-level array.
type Args struct {
	regs [8]uint64
}

// Arg register offsets, named the way the assembly trampoline names
// them when it loads x0-x7 from this struct.
const (
	ArgOffset0 = 0x00
	ArgOffset1 = 0x08
	ArgOffset2 = 0x10
	ArgOffset3 = 0x18
	ArgOffset4 = 0x20
	ArgOffset5 = 0x28
	ArgOffset6 = 0x30
	ArgOffset7 = 0x38
)

// Reg returns the value at the given byte offset (one of the ArgOffsetN
// constants), mirroring write_sp_arg's addressing.
func (a *Args) Reg(offset uintptr) uint64 { return a.regs[offset>>3] }

// Completion IDs the payload writes into Args.regs[0] to tell the
// dispatcher which request just finished.
const (
	FSPOnDone          uint64 = 0xf2000001
	FSPOffDone         uint64 = 0xf2000002
	FSPSuspendDone     uint64 = 0xf2000003
	FSPResumeDone      uint64 = 0xf2000004
	FSPAbortDone       uint64 = 0xf2000007
	FSPSystemOffDone   uint64 = 0xf2000008
	FSPSystemResetDone uint64 = 0xf2000009
)

// PerCoreArgs holds one Args block per core, indexed by linear core ID.
type PerCoreArgs [platform.PlatformCoreCount]Args

var perCore *PerCoreArgs

// Init carves PerCoreArgs out of pool, 64-byte aligned to the cache
// writeback granule, so the monitor's cached read of any core's x0-x7
// after ERET observes a consistent line. Must run once at boot before
// SetArgs or ArgsFor.
func Init(pool *heap.Pool) error {
	addr := pool.Alloc(unsafe.Sizeof(PerCoreArgs{}), platform.CacheWritebackGranule)
	if addr == 0 {
		return fmt.Errorf("smc: out of memory allocating per-core argument table")
	}
	perCore = (*PerCoreArgs)(unsafe.Pointer(addr))
	return nil
}

// SetArgs writes a0..a7 into the given core's argument block and
// returns it, mirroring set_smc_args: the assembly trampoline loads
// x0-x7 straight out of the returned address, so the caller must
// return this pointer unchanged rather than copy its contents.
func SetArgs(core int, a0, a1, a2, a3, a4, a5, a6, a7 uint64) *Args {
	a := &perCore[core]
	a.regs[0] = a0
	a.regs[1] = a1
	a.regs[2] = a2
	a.regs[3] = a3
	a.regs[4] = a4
	a.regs[5] = a5
	a.regs[6] = a6
	a.regs[7] = a7
	return a
}

// ArgsFor returns the current argument block for core, without
// modifying it.
func ArgsFor(core int) *Args { return &perCore[core] }

// VectorTable is the fixed-layout, ten-entry table of entrypoint
// offsets the monitor reads once at boot (via the pointer kernel.Main
// returns) and never again. Field order is load-bearing: the assembler
// stub populating fsp_vector_table, and the monitor reading it, both
// index by this exact order.
type VectorTable struct {
	YieldSMCEntry      uint32
	FastSMCEntry       uint32
	CPUOnEntry         uint32
	CPUOffEntry        uint32
	CPUResumeEntry     uint32
	CPUSuspendEntry    uint32
	SEL1IntrEntry      uint32
	SystemOffEntry     uint32
	SystemResetEntry   uint32
	AbortYieldSMCEntry uint32
}
