package synch

import (
	"math"
	"sync/atomic"

	"gokern/kernel/cpu"
	"gokern/kernel/errno"
	"gokern/kernel/sched"
	sync "gokern/kernel/sync"
)

// FutexFlags modify the behavior of a futex wait.
type FutexFlags uint32

const (
	// FutexRelative interprets the timeout as relative to the current time
	// instead of as an absolute tick count.
	FutexRelative FutexFlags = 1 << 0

	futexKnownFlags = FutexRelative
)

// NoTimeout waits without a deadline.
const NoTimeout = sched.NoDeadline

// The parking lot maps a futex word to the queue of tasks waiting on it.
// Queues appear when the first waiter arrives and vanish with the last.
var (
	parkingLock sync.IrqSpinlock
	parkingLot  = make(map[*atomic.Uint32]*sched.HandleQueue)
)

// FutexWait parks the current task until a wake on the same address
// arrives or the timeout elapses, provided the value at address still
// equals expected. The value check happens under the parking lot lock, so
// a concurrent change-and-wake cannot slip between check and enqueue.
//
// Returns 0 on wakeup, -EAGAIN if the value did not match, -ETIMEDOUT on
// expiry and -EINVAL for unrecognized flags. The timeout is in timer
// ticks, absolute unless FutexRelative is given; NoTimeout disables it.
func FutexWait(address *atomic.Uint32, expected uint32, timeout uint64, flags FutexFlags) int32 {
	if flags&^futexKnownFlags != 0 {
		return -errno.EINVAL
	}

	parkingLock.Acquire()
	if address.Load() != expected {
		parkingLock.Release()
		return -errno.EAGAIN
	}
	return futexBlock(address, timeout, flags)
}

// FutexWaitAndSet behaves like FutexWait but additionally stores newVal at
// the address, under the same atomicity as the value check.
func FutexWaitAndSet(address *atomic.Uint32, expected uint32, timeout uint64, flags FutexFlags, newVal uint32) int32 {
	if flags&^futexKnownFlags != 0 {
		return -errno.EINVAL
	}

	parkingLock.Acquire()
	if address.Swap(newVal) != expected {
		parkingLock.Release()
		return -errno.EAGAIN
	}
	return futexBlock(address, timeout, flags)
}

// futexBlock is entered with the parking lot locked and the value check
// already passed.
func futexBlock(address *atomic.Uint32, timeout uint64, flags FutexFlags) int32 {
	wakeupTime := timeout
	if flags&FutexRelative != 0 && timeout != NoTimeout {
		wakeupTime = cpu.TimerTicks() + timeout
	}

	sc := sched.CurrentScheduler()
	sc.BlockCurrentTask(wakeupTime)
	handle := sc.CurrentHandle()

	q := parkingLot[address]
	if q == nil {
		q = new(sched.HandleQueue)
		parkingLot[address] = q
	}
	q.Push(handle)
	parkingLock.Release()

	for {
		sc.Reschedule()

		parkingLock.Acquire()
		if wakeupTime != NoTimeout && wakeupTime <= cpu.TimerTicks() {
			// Deadline passed; if the handle is gone from the queue a wake
			// beat the timeout.
			wakeup := true
			if q, ok := parkingLot[address]; ok {
				wakeup = !q.Remove(handle.ID())
				if q.IsEmpty() {
					delete(parkingLot, address)
				}
			}
			parkingLock.Release()
			if wakeup {
				return 0
			}
			return -errno.ETIMEDOUT
		}

		q, ok := parkingLot[address]
		if !ok || !q.Contains(handle.ID()) {
			// Removed from the queue: a real wakeup.
			parkingLock.Release()
			return 0
		}

		// Spurious wakeup; sleep again. Tasks do not change cores, so the
		// parked handle stays current.
		sc.BlockCurrentTask(wakeupTime)
		parkingLock.Release()
	}
}

// FutexWake wakes up to count tasks parked on the address, longest-waiting
// first, and returns how many it woke. A count of math.MaxInt32 wakes
// every waiter; a negative count returns -EINVAL.
func FutexWake(address *atomic.Uint32, count int32) int32 {
	if count < 0 {
		return -errno.EINVAL
	}

	parkingLock.Acquire()
	q, ok := parkingLot[address]
	if !ok {
		parkingLock.Release()
		return 0
	}

	var woken int32
	for woken != count || count == math.MaxInt32 {
		h, ok := q.Pop()
		if !ok {
			break
		}
		sched.Wake(h)
		woken++
	}
	if q.IsEmpty() {
		delete(parkingLot, address)
	}
	parkingLock.Release()

	return woken
}
