// Package cpu provides the processor primitives the scheduler and the
// synchronization primitives are built on: interrupt-flag control, the spin
// hint and the halt instruction, all expressed against the simulated cores.
package cpu

import (
	"runtime"
	"time"

	"gokern/kernel/percore"
)

var bootTime = time.Now()

// EnableInterrupts sets the interrupt-enable flag of the current core and
// delivers any latched interrupts.
func EnableInterrupts() {
	percore.Current().NestedEnableInterrupts(true)
}

// DisableInterrupts clears the interrupt-enable flag of the current core.
func DisableInterrupts() {
	percore.Current().NestedDisableInterrupts()
}

// NestedDisableInterrupts clears the interrupt-enable flag and returns its
// previous state. Use with NestedEnableInterrupts to build critical
// sections that nest correctly.
func NestedDisableInterrupts() bool {
	return percore.Current().NestedDisableInterrupts()
}

// NestedEnableInterrupts restores the interrupt-enable flag to the state
// returned by a matching NestedDisableInterrupts.
func NestedEnableInterrupts(was bool) {
	percore.Current().NestedEnableInterrupts(was)
}

// Halt stops instruction execution on the current core. It never returns.
func Halt() {
	select {}
}

// Pause emits the spin-wait hint. Busy-wait loops call it between polls so
// that the simulated core yields the processor instead of burning it.
func Pause() {
	runtime.Gosched()
}

// TimerTicks returns the number of microseconds since boot. All deadlines
// (futex timeouts, sleep wakeups) are expressed on this clock.
func TimerTicks() uint64 {
	return uint64(time.Since(bootTime) / time.Microsecond)
}

// Udelay busy-waits for the given number of microseconds. Used for delays
// too short to be worth a wakeup timer.
func Udelay(usecs uint64) {
	deadline := TimerTicks() + usecs
	for TimerTicks() < deadline {
		Pause()
	}
}
