package synch

import (
	"sync/atomic"

	"gokern/kernel/cpu"
	"gokern/kernel/executor"
)

// asyncSpinLimit bounds the busy polls between pause hints while spinning
// for the lock.
const asyncSpinLimit = 100

// AsyncInterruptMutex guards state shared between preemptive tasks and the
// single-threaded cooperative executor. Lock spins with interrupts
// disabled for the whole critical section; AsyncLock instead retries from
// the executor's poll loop, because spinning inside the executor would
// starve the only thread able to release the lock.
type AsyncInterruptMutex struct {
	locked atomic.Bool

	// savedIrq is only touched while the lock is held.
	savedIrq bool
}

// Lock takes the mutex, spinning with bounded backoff. Interrupts stay
// disabled on the current core until the matching Unlock.
func (m *AsyncInterruptMutex) Lock() {
	was := cpu.NestedDisableInterrupts()
	for !m.locked.CompareAndSwap(false, true) {
		for spins := 0; m.locked.Load(); spins++ {
			if spins >= asyncSpinLimit {
				cpu.Pause()
				spins = 0
			}
		}
	}
	m.savedIrq = was
}

// TryLock takes the mutex only if it is free, keeping interrupts disabled
// on success and restoring them on failure.
func (m *AsyncInterruptMutex) TryLock() bool {
	was := cpu.NestedDisableInterrupts()
	if m.locked.CompareAndSwap(false, true) {
		m.savedIrq = was
		return true
	}
	cpu.NestedEnableInterrupts(was)
	return false
}

// Unlock releases the mutex and restores the interrupt-enable state saved
// when it was taken.
func (m *AsyncInterruptMutex) Unlock() {
	was := m.savedIrq
	m.locked.Store(false)
	cpu.NestedEnableInterrupts(was)
}

// IsLocked reports whether the mutex is currently held.
func (m *AsyncInterruptMutex) IsLocked() bool {
	return m.locked.Load()
}

// asyncLockFuture try-locks on every poll and immediately re-arms its
// waker while the mutex is contended.
type asyncLockFuture struct {
	m  *AsyncInterruptMutex
	fn func()
}

func (f *asyncLockFuture) Poll(w *executor.Waker) bool {
	if !f.m.TryLock() {
		w.Wake()
		return false
	}
	f.fn()
	f.m.Unlock()
	return true
}

// AsyncLock schedules fn to run under the mutex on the cooperative
// executor. The executor polls the future until the lock is free; fn then
// runs in executor context with the lock held.
func (m *AsyncInterruptMutex) AsyncLock(fn func()) {
	executor.Spawn(&asyncLockFuture{m: m, fn: fn})
}
