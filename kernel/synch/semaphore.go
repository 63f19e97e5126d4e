// Package synch provides the blocking synchronization primitives built on
// the scheduler's block/wake operations: counting semaphores, recursive
// mutexes, futexes and the async interrupt mutex for cooperative services.
package synch

import (
	"gokern/kernel/cpu"
	"gokern/kernel/sched"
	sync "gokern/kernel/sync"
)

// Semaphore is a counting, blocking semaphore. The count can be thought of
// as a number of resources; an acquire blocks until the counter is
// positive and a release increments it, waking the longest-waiting blocked
// task if any.
type Semaphore struct {
	lock  sync.IrqSpinlock
	count int
	queue sched.HandleQueue
}

// NewSemaphore creates a semaphore with the given initial count. A
// negative initial count is valid and makes the first acquires block
// until enough releases arrive.
func NewSemaphore(count int) *Semaphore {
	return &Semaphore{count: count}
}

// Acquire takes one resource, blocking until one is available or until
// the absolute deadline (in timer ticks) passes. Pass sched.NoDeadline for
// an untimed wait. Reports whether a resource was acquired.
func (s *Semaphore) Acquire(deadline uint64) bool {
	sc := sched.CurrentScheduler()

	for {
		s.lock.Acquire()

		if s.count > 0 {
			s.count--
			s.lock.Release()
			return true
		}

		if deadline != sched.NoDeadline && deadline < cpu.TimerTicks() {
			// Woken because the deadline elapsed, not by a release. Leave
			// the wait queue and report the failure.
			s.queue.Remove(sc.CurrentID())
			s.lock.Release()
			return false
		}

		// No resource available. Block and queue up while still holding
		// the lock, so a release cannot slip between the check and the
		// enqueue.
		sc.BlockCurrentTask(deadline)
		s.queue.Push(sc.CurrentHandle())
		s.lock.Release()

		sc.Reschedule()
	}
}

// TryAcquire takes a resource only if one is available right now.
func (s *Semaphore) TryAcquire() bool {
	s.lock.Acquire()
	ok := s.count > 0
	if ok {
		s.count--
	}
	s.lock.Release()
	return ok
}

// Release returns one resource and wakes the longest-waiting acquirer if
// any task is queued.
func (s *Semaphore) Release() {
	s.lock.Acquire()
	s.count++
	h, ok := s.queue.Pop()
	s.lock.Release()

	if ok {
		sched.Wake(h)
	}
}
