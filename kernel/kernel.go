// Package kernel wires together the platform, console, heap, slab and
// smc packages into the payload's one-shot bring-up and its per-vector
// entrypoint handlers. Main is the Go analogue of fsp_main_wrapper: it
// runs once, and its return value (the vector table address) is the
// last thing the boot path needs from Go before control passes to
// whatever external harness is standing in for the assembly
// trampoline and Secure Monitor in this hosted build.
package kernel

import (
	"fmt"

	"github.com/FeizaiYiHao/arm-trusted-firmware/console"
	"github.com/FeizaiYiHao/arm-trusted-firmware/heap"
	"github.com/FeizaiYiHao/arm-trusted-firmware/platform"
	"github.com/FeizaiYiHao/arm-trusted-firmware/slab"
	"github.com/FeizaiYiHao/arm-trusted-firmware/smc"
)

// imageFootprint stands in for the __BL32_END__ linker symbol: the
// real boot loader knows exactly where the loaded image ends and hands
// everything above that to the heap; a hosted build has no linker
// symbol to read, so ImageEnd reports a fixed conservative footprint
// instead. Platform constant derivation is out of scope; this is the
// one placeholder it implies.
const imageFootprint = 256 * 1024

// ImageEnd reports the address immediately following the loaded image,
// mirroring __BL32_END__: everything from here to BL32MemBase+BL32MemSize
// is free for the heap pool.
func ImageEnd() uintptr { return platform.BL32MemBase + imageFootprint }

// CorePos stands in for plat_my_core_pos(); no SMP support yet, so it
// is pinned to the boot core.
func CorePos() int { return 0 }

var (
	pool       *heap.Pool
	vectorTable smc.VectorTable
)

// Main performs the payload's one-shot bring-up: register the boot
// console, reserve a heap pool as large as the free Secure DRAM above
// the image (an anonymous mapping in this hosted build, so the pool's
// base is not ImageEnd), bootstrap the slab master cache and the per-core SMC argument
// table, and return the vector table's address for the monitor to read.
// Mirrors fsp_main_wrapper -> fsp_main.
func Main(putc console.PutcFunc) (*smc.VectorTable, error) {
	console.Sink(putc, nil, nil, platform.UART0Base, platform.UART0ClockHz, platform.ConsoleBaudRate,
		platform.ConsoleFlagBoot|platform.ConsoleFlagRuntime)

	base := ImageEnd()
	size := platform.BL32MemBase + platform.BL32MemSize - base

	var err error
	pool, err = heap.NewPool(size)
	if err != nil {
		return nil, fmt.Errorf("kernel: heap init: %w", err)
	}

	if _, err := slab.NewMaster(pool); err != nil {
		return nil, fmt.Errorf("kernel: slab init: %w", err)
	}

	if err := smc.Init(pool); err != nil {
		return nil, fmt.Errorf("kernel: smc init: %w", err)
	}

	console.Printf("fsp: heap base=%#x size=%#x", base, size)
	return &vectorTable, nil
}

// Every vector handler below shares the shape func(core int, a0..a7
// uint64) *smc.Args, mirroring the *_main_wrapper/smc_handler_wrapper
// family's uniform call convention; unused arguments are still named
// so the shape stays visibly identical across handlers.

// CPUOnMain performs any remaining book keeping after this cpu's
// architectural state has been set up in response to an earlier psci
// cpu_on request, mirroring cpu_on_main_wrapper.
func CPUOnMain(core int, a0, a1, a2, a3, a4, a5, a6, a7 uint64) *smc.Args {
	return smc.SetArgs(core, smc.FSPOnDone, 0, 0, 0, 0, 0, 0, 0)
}

// CPUOffMain performs any remaining book keeping before this cpu is
// turned off in response to a psci cpu_off request.
func CPUOffMain(core int, a0, a1, a2, a3, a4, a5, a6, a7 uint64) *smc.Args {
	return smc.SetArgs(core, smc.FSPOffDone, 0, 0, 0, 0, 0, 0, 0)
}

// CPUSuspendMain performs any book keeping before this cpu's
// architectural state is saved in response to an earlier psci
// cpu_suspend request.
func CPUSuspendMain(core int, a0, a1, a2, a3, a4, a5, a6, a7 uint64) *smc.Args {
	return smc.SetArgs(core, smc.FSPSuspendDone, 0, 0, 0, 0, 0, 0, 0)
}

// CPUResumeMain performs any book keeping after this cpu's
// architectural state has been restored after wakeup from an earlier
// psci cpu_suspend request. a0 carries the max off power level.
func CPUResumeMain(core int, a0, a1, a2, a3, a4, a5, a6, a7 uint64) *smc.Args {
	return smc.SetArgs(core, smc.FSPResumeDone, 0, 0, 0, 0, 0, 0, 0)
}

// SystemOffMain performs any remaining bookkeeping before the system is
// switched off in response to a psci SYSTEM_OFF request.
func SystemOffMain(core int, a0, a1, a2, a3, a4, a5, a6, a7 uint64) *smc.Args {
	return smc.SetArgs(core, smc.FSPSystemOffDone, 0, 0, 0, 0, 0, 0, 0)
}

// SystemResetMain performs any remaining bookkeeping before the system
// is reset in response to a psci SYSTEM_RESET request.
func SystemResetMain(core int, a0, a1, a2, a3, a4, a5, a6, a7 uint64) *smc.Args {
	return smc.SetArgs(core, smc.FSPSystemResetDone, 0, 0, 0, 0, 0, 0, 0)
}

// YieldSMCMain is the fast/yielding SMC handler the Secure Monitor
// jumps to after populating x0-x7. a0 carries the SMC function ID;
// a1/a2 are echoed back in the completion block, mirroring
// smc_handler_wrapper.
func YieldSMCMain(core int, a0, a1, a2, a3, a4, a5, a6, a7 uint64) *smc.Args {
	return smc.SetArgs(core, a0, 0, a1, a2, 0, 0, 0, 0)
}

// AbortYieldSMCMain is called when aborting a preempted yielding SMC
// request; it must release any resources the aborted handler held so
// the next SMC runs in a clean environment, mirroring
// abort_smc_handler_wrapper. This payload's handlers hold no such
// resources, so it only reports completion. a0 carries the SMC
// function ID being aborted.
func AbortYieldSMCMain(core int, a0, a1, a2, a3, a4, a5, a6, a7 uint64) *smc.Args {
	return smc.SetArgs(core, smc.FSPAbortDone, 0, 0, 0, 0, 0, 0, 0)
}

// SEL1IntrMain handles a Secure EL1 interrupt delivered while the
// Normal World was running; it does its bookkeeping and returns,
// folding together common_int_handler_wrapper and
// update_sync_sel1_intr_stats_wrapper. a0 carries the interrupt ID,
// a1 the ELR_EL3 value; there is no payload-side effect beyond the
// bookkeeping with no SMP and nothing else running in Secure EL1.
func SEL1IntrMain(core int, a0, a1, a2, a3, a4, a5, a6, a7 uint64) *smc.Args {
	return smc.SetArgs(core, 0, 0, 0, 0, 0, 0, 0, 0)
}

// PanicHandler emits one diagnostic line through the console log sink,
// if a console is registered, and then loops forever. It is the
// payload's unconditional response to an unrecoverable error.
func PanicHandler(reason string) {
	if console.Registered() {
		console.Errorf("panic: %s", reason)
	}
	for {
	}
}

// AllocErrorHandler is wired into every allocation site that cannot
// tolerate a nil/0 return from heap or slab, mirroring the original's
// #[alloc_error_handler]: it reports the failed request and panics
// through PanicHandler.
func AllocErrorHandler(size, align uintptr) {
	PanicHandler(fmt.Sprintf("allocation failure: size=%#x align=%#x", size, align))
}
