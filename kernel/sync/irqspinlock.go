package sync

import "gokern/kernel/cpu"

// IrqSpinlock is a ticket lock whose critical section additionally runs
// with interrupts disabled on the current core, so it cannot be re-entered
// by an interrupt handler racing the holder. The interrupt-enable state is
// saved on acquire and restored on release, making nested critical
// sections compose.
type IrqSpinlock struct {
	lock Spinlock

	// savedIrq is only accessed while the lock is held.
	savedIrq bool
}

// Acquire disables interrupts on the current core, then blocks until the
// caller's ticket is served.
func (l *IrqSpinlock) Acquire() {
	was := cpu.NestedDisableInterrupts()
	l.lock.Acquire()
	l.savedIrq = was
}

// TryAcquire attempts to acquire the lock without waiting. On success
// interrupts stay disabled until Release; on failure the interrupt flag is
// restored immediately.
func (l *IrqSpinlock) TryAcquire() bool {
	was := cpu.NestedDisableInterrupts()
	if l.lock.TryAcquire() {
		l.savedIrq = was
		return true
	}
	cpu.NestedEnableInterrupts(was)
	return false
}

// Release serves the next ticket and restores the interrupt-enable state
// saved by the matching Acquire.
func (l *IrqSpinlock) Release() {
	was := l.savedIrq
	l.lock.Release()
	cpu.NestedEnableInterrupts(was)
}

// IsLocked reports whether a ticket is currently outstanding.
func (l *IrqSpinlock) IsLocked() bool {
	return l.lock.IsLocked()
}
