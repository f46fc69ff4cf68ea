// Package console implements the payload's log sink: a small registry
// of byte-oriented consoles, mirroring TF-A's own console framework
// (console_register, CONSOLE_FLAG_*), feeding a Printf/Debugf/Errorf
// surface used everywhere a diagnostic needs to reach the outside
// world through whatever UART the platform wired up.
package console

import (
	"fmt"
	"os"

	"github.com/FeizaiYiHao/arm-trusted-firmware/platform"
)

// Trace is a package-level debug switch, set when FSP_TRACE is
// non-empty and readable before any console is registered. No package
// in this module reads it; the heap's allocator tracing has its own
// switch, FSP_HEAP_TRACE.
var Trace = os.Getenv("FSP_TRACE") != ""

// PutcFunc writes a single byte to the underlying device, returning a
// negative value on failure, mirroring the C ABI's extern "C" fn(i32,
// *const Console) -> i32.
type PutcFunc func(byte) int32

// GetcFunc reads a single byte from the underlying device, returning a
// negative value if none is available, mirroring the C ABI's extern
// "C" fn(*const Console) -> i32.
type GetcFunc func() int32

// FlushFunc blocks until the underlying device has drained any
// buffered output.
type FlushFunc func()

// Console is one registered sink: Putc/Getc/Flush callbacks and a
// scope mask, linked into the package-level registered list.
type Console struct {
	Next  *Console
	Flags uint32
	Putc  PutcFunc
	Getc  GetcFunc
	Flush FlushFunc
}

var head *Console

// Sink installs putc/getc/flush as a new console and links it at the
// head of the registered list, mirroring console_pl011_register(base,
// clock_hz, baud, console_storage) followed by the FSP_CONSOLE::init
// scope assignment. base/clockHz/baud are accepted for parity with
// that call shape — they would seed the PL011 register layout in a
// real driver — but the PL011 register internals themselves are out
// of scope here, so they go unused beyond being accepted.
func Sink(putc PutcFunc, getc GetcFunc, flush FlushFunc, base uintptr, clockHz, baud uint32, flags uint32) *Console {
	c := &Console{Putc: putc, Getc: getc, Flush: flush}
	SetScope(c, flags)
	c.Next = head
	head = c
	return c
}

// SetScope replaces c's scope bits (the low byte of Flags) without
// disturbing any other flag bits, mirroring console_set_scope.
func SetScope(c *Console, scope uint32) {
	c.Flags = (c.Flags &^ platform.ConsoleFlagScopeMask) | scope
}

// write pushes s through every registered console whose flags
// intersect scope, one byte at a time, matching the original's
// putc-per-byte Write impl.
func write(scope uint32, s string) {
	for c := head; c != nil; c = c.Next {
		if c.Flags&scope == 0 {
			continue
		}
		for i := 0; i < len(s); i++ {
			c.Putc(s[i])
		}
	}
}

// Printf formats and writes the result, with no newline appended, to
// every console in CONSOLE_FLAG_RUNTIME scope.
func Printf(format string, args ...interface{}) {
	write(platform.ConsoleFlagRuntime, fmt.Sprintf(format, args...))
}

// Debugf is Printf prefixed the way the original's debug! macro tags
// its lines, for grep-ability on a live console.
func Debugf(format string, args ...interface{}) {
	write(platform.ConsoleFlagRuntime, "FSP DEBUG: "+fmt.Sprintf(format, args...))
}

// Errorf is Printf prefixed for diagnostics reachable even from the
// panic handler, in both boot and runtime scope.
func Errorf(format string, args ...interface{}) {
	write(platform.ConsoleFlagBoot|platform.ConsoleFlagRuntime, "FSP ERROR: "+fmt.Sprintf(format, args...))
}

// Registered reports whether any console has been registered yet — the
// panic handler checks this before attempting to emit a diagnostic.
func Registered() bool { return head != nil }

// reset clears the registered console list. Used only by _test.go
// files in this package, to isolate Sink calls across tests.
func reset() { head = nil }
