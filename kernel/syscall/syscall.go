// Package syscall is the narrow call surface the kernel exposes to hosted
// tasks. Calls follow the POSIX-like convention of returning zero on
// success and a negated error number on failure; arguments are validated
// here, before any scheduler state is touched. Kernel objects cross the
// boundary as opaque numeric handles backed by per-type tables.
package syscall

import (
	"sync/atomic"

	"gokern/kernel/cpu"
	"gokern/kernel/errno"
	"gokern/kernel/kfmt"
	"gokern/kernel/sched"
	"gokern/kernel/synch"
	sync "gokern/kernel/sync"
)

// Handle tables. Handle 0 is never valid, so a zeroed handle word cannot
// name an object by accident.
var (
	tableLock  sync.IrqSpinlock
	nextHandle uint32

	semaphores = make(map[uint32]*synch.Semaphore)
	recmutexes = make(map[uint32]*synch.RecursiveMutex)
	spinlocks  = make(map[uint32]*spinlockContainer)
)

type spinlockContainer struct {
	lock    sync.Spinlock
	irqLock sync.IrqSpinlock
}

func allocHandle() uint32 {
	nextHandle++
	return nextHandle
}

// shutdownHandler runs when a task aborts the whole unikernel.
var shutdownHandler atomic.Pointer[func(code int32)]

// SetShutdownHandler installs the function Abort and Exit route the
// shutdown request through. Installed once at boot.
func SetShutdownHandler(fn func(code int32)) {
	shutdownHandler.Store(&fn)
}

// Getpid returns the id of the calling task.
func Getpid() int32 {
	return int32(sched.CurrentScheduler().CurrentID())
}

// Getprio returns the priority of the calling task.
func Getprio() int32 {
	return int32(sched.CurrentScheduler().CurrentPriority())
}

// Spawn creates a task and stores its id through tid. A negative selector
// places the task round-robin across the online cores. Returns -EINVAL for
// a nil id slot, a nil entry function or an out-of-range priority.
func Spawn(tid *int32, entry func(arg uintptr), arg uintptr, prio uint8, selector int, stackSize int) int32 {
	if tid == nil || entry == nil || sched.Priority(prio) >= sched.NumPriorities {
		return -errno.EINVAL
	}
	*tid = int32(sched.Spawn(entry, arg, sched.Priority(prio), selector, stackSize))
	return 0
}

// ThreadExit terminates the calling task with the given exit code. It
// never returns.
func ThreadExit(code int32) {
	sched.CurrentScheduler().Exit(code)
}

// Exit terminates the whole unikernel with the given exit code.
func Exit(code int32) {
	kfmt.Printf("[syscall] shutting down with exit code %d\n", code)
	if fn := shutdownHandler.Load(); fn != nil {
		(*fn)(code)
	}
	sched.CurrentScheduler().Exit(code)
}

// Abort terminates the unikernel, reporting failure.
func Abort() {
	Exit(-1)
}

// Yield hands the CPU to the next ready task of equal or higher priority.
func Yield() {
	sched.Yield()
}

// Join blocks until the named task exits and stores its exit code through
// code. Returns -EINVAL for a nil slot and -ENOENT for an id that was
// never spawned.
func Join(id int32, code *int32) int32 {
	if code == nil {
		return -errno.EINVAL
	}
	c, err := sched.Join(sched.ID(id))
	if err != nil {
		return -errno.ENOENT
	}
	*code = c
	return 0
}

// Usleep suspends the calling task for at least usecs microseconds.
func Usleep(usecs uint64) {
	if usecs == 0 {
		sched.Yield()
		return
	}
	s := sched.CurrentScheduler()
	s.BlockCurrentTask(cpu.TimerTicks() + usecs)
	s.Reschedule()
}

// Msleep suspends the calling task for at least msecs milliseconds.
func Msleep(msecs uint64) {
	Usleep(msecs * 1000)
}

// SemInit creates a semaphore with the given initial count and stores its
// handle. A negative count is rejected.
func SemInit(handle *uint32, value int32) int32 {
	if handle == nil || value < 0 {
		return -errno.EINVAL
	}

	tableLock.Acquire()
	h := allocHandle()
	semaphores[h] = synch.NewSemaphore(int(value))
	tableLock.Release()

	*handle = h
	return 0
}

// SemDestroy removes the semaphore behind the handle.
func SemDestroy(handle uint32) int32 {
	tableLock.Acquire()
	_, ok := semaphores[handle]
	delete(semaphores, handle)
	tableLock.Release()

	if !ok {
		return -errno.EINVAL
	}
	return 0
}

func semaphore(handle uint32) *synch.Semaphore {
	tableLock.Acquire()
	s := semaphores[handle]
	tableLock.Release()
	return s
}

// SemPost releases one resource of the semaphore.
func SemPost(handle uint32) int32 {
	s := semaphore(handle)
	if s == nil {
		return -errno.EINVAL
	}
	s.Release()
	return 0
}

// SemTryWait takes a resource only if one is immediately available;
// otherwise it fails with -ECANCELED without blocking.
func SemTryWait(handle uint32) int32 {
	s := semaphore(handle)
	if s == nil {
		return -errno.EINVAL
	}
	if !s.TryAcquire() {
		return -errno.ECANCELED
	}
	return 0
}

// SemTimedWait takes a resource, waiting at most ms milliseconds; zero
// waits without a deadline. An elapsed deadline fails with -ETIME.
func SemTimedWait(handle uint32, ms uint32) int32 {
	s := semaphore(handle)
	if s == nil {
		return -errno.EINVAL
	}

	deadline := sched.NoDeadline
	if ms > 0 {
		deadline = cpu.TimerTicks() + uint64(ms)*1000
	}
	if !s.Acquire(deadline) {
		return -errno.ETIME
	}
	return 0
}

// SemCancelableWait behaves like SemTimedWait; a separate cancellation
// path does not exist.
func SemCancelableWait(handle uint32, ms uint32) int32 {
	return SemTimedWait(handle, ms)
}

// RecmutexInit creates a recursive mutex and stores its handle.
func RecmutexInit(handle *uint32) int32 {
	if handle == nil {
		return -errno.EINVAL
	}

	tableLock.Acquire()
	h := allocHandle()
	recmutexes[h] = synch.NewRecursiveMutex()
	tableLock.Release()

	*handle = h
	return 0
}

// RecmutexDestroy removes the mutex behind the handle.
func RecmutexDestroy(handle uint32) int32 {
	tableLock.Acquire()
	_, ok := recmutexes[handle]
	delete(recmutexes, handle)
	tableLock.Release()

	if !ok {
		return -errno.EINVAL
	}
	return 0
}

func recmutex(handle uint32) *synch.RecursiveMutex {
	tableLock.Acquire()
	m := recmutexes[handle]
	tableLock.Release()
	return m
}

// RecmutexLock acquires the mutex, blocking while another task owns it.
func RecmutexLock(handle uint32) int32 {
	m := recmutex(handle)
	if m == nil {
		return -errno.EINVAL
	}
	m.Acquire()
	return 0
}

// RecmutexUnlock releases one level of ownership. Releasing a mutex the
// caller does not own is rejected.
func RecmutexUnlock(handle uint32) int32 {
	m := recmutex(handle)
	if m == nil {
		return -errno.EINVAL
	}
	if m.Owner() != sched.CurrentScheduler().CurrentID() {
		return -errno.EINVAL
	}
	m.Release()
	return 0
}

// SpinlockInit creates a raw spinlock pair (plain and interrupt-saving)
// and stores its handle.
func SpinlockInit(handle *uint32) int32 {
	if handle == nil {
		return -errno.EINVAL
	}

	tableLock.Acquire()
	h := allocHandle()
	spinlocks[h] = &spinlockContainer{}
	tableLock.Release()

	*handle = h
	return 0
}

// SpinlockDestroy removes the spinlock behind the handle.
func SpinlockDestroy(handle uint32) int32 {
	tableLock.Acquire()
	_, ok := spinlocks[handle]
	delete(spinlocks, handle)
	tableLock.Release()

	if !ok {
		return -errno.EINVAL
	}
	return 0
}

func spinlock(handle uint32) *spinlockContainer {
	tableLock.Acquire()
	c := spinlocks[handle]
	tableLock.Release()
	return c
}

// SpinlockLock busy-waits for the plain spinlock.
func SpinlockLock(handle uint32) int32 {
	c := spinlock(handle)
	if c == nil {
		return -errno.EINVAL
	}
	c.lock.Acquire()
	return 0
}

// SpinlockUnlock releases the plain spinlock. Unlocking a lock that is not
// held is rejected.
func SpinlockUnlock(handle uint32) int32 {
	c := spinlock(handle)
	if c == nil {
		return -errno.EINVAL
	}
	if !c.lock.IsLocked() {
		return -errno.EINVAL
	}
	c.lock.Release()
	return 0
}

// SpinlockIrqSaveLock takes the interrupt-saving spinlock; interrupts stay
// disabled on the core until the matching unlock.
func SpinlockIrqSaveLock(handle uint32) int32 {
	c := spinlock(handle)
	if c == nil {
		return -errno.EINVAL
	}
	c.irqLock.Acquire()
	return 0
}

// SpinlockIrqSaveUnlock releases the interrupt-saving spinlock and
// restores the interrupt flag.
func SpinlockIrqSaveUnlock(handle uint32) int32 {
	c := spinlock(handle)
	if c == nil {
		return -errno.EINVAL
	}
	if !c.irqLock.IsLocked() {
		return -errno.EINVAL
	}
	c.irqLock.Release()
	return 0
}

// FutexWait parks the calling task while the value at address equals
// expected. A nil timeout waits forever; otherwise it points at a tick
// count, absolute unless the relative flag is set. Returns -EINVAL for a
// nil address or unrecognized flag bits before touching any wait queue.
func FutexWait(address *atomic.Uint32, expected uint32, timeout *uint64, flags uint32) int32 {
	if address == nil {
		return -errno.EINVAL
	}
	if synch.FutexFlags(flags)&^synch.FutexRelative != 0 {
		return -errno.EINVAL
	}

	t := synch.NoTimeout
	if timeout != nil {
		t = *timeout
	}
	return synch.FutexWait(address, expected, t, synch.FutexFlags(flags))
}

// FutexWake wakes up to count tasks parked on the address and returns how
// many it woke.
func FutexWake(address *atomic.Uint32, count int32) int32 {
	if address == nil {
		return -errno.EINVAL
	}
	return synch.FutexWake(address, count)
}
