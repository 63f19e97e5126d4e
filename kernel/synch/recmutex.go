package synch

import (
	"gokern/kernel/sched"
	sync "gokern/kernel/sync"
)

const noOwner sched.ID = -1

// RecursiveMutex can be acquired multiple times by its owning task. It
// becomes free again once the owner released it as many times as it
// acquired it; ownership then passes to the longest-waiting task.
type RecursiveMutex struct {
	lock  sync.Spinlock
	owner sched.ID
	count int
	queue sched.HandleQueue
}

// NewRecursiveMutex returns an unowned mutex.
func NewRecursiveMutex() *RecursiveMutex {
	return &RecursiveMutex{owner: noOwner}
}

// Acquire takes the mutex, blocking while another task owns it. Acquiring
// a mutex the caller already owns just increments the reentrancy count.
func (m *RecursiveMutex) Acquire() {
	sc := sched.CurrentScheduler()
	tid := sc.CurrentID()

	for {
		m.lock.Acquire()

		if m.owner == tid {
			m.count++
			m.lock.Release()
			return
		}
		if m.owner == noOwner {
			m.owner = tid
			m.count = 1
			m.lock.Release()
			return
		}

		// Held by another task. Block and queue up under the lock, then
		// retry once the owner releases down to zero and wakes us.
		sc.BlockCurrentTask(sched.NoDeadline)
		m.queue.Push(sc.CurrentHandle())
		m.lock.Release()

		sc.Reschedule()
	}
}

// Release drops one level of ownership. At zero the mutex becomes free and
// the longest-waiting acquirer is woken. Callers are trusted to hold the
// mutex; the syscall layer validates on behalf of hosted tasks.
func (m *RecursiveMutex) Release() {
	var (
		h    sched.Handle
		wake bool
	)

	m.lock.Acquire()
	m.count--
	if m.count == 0 {
		m.owner = noOwner
		h, wake = m.queue.Pop()
	}
	m.lock.Release()

	if wake {
		sched.Wake(h)
	}
}

// Owner returns the id of the current owner, or -1 when free.
func (m *RecursiveMutex) Owner() sched.ID {
	m.lock.Acquire()
	owner := m.owner
	m.lock.Release()
	return owner
}
