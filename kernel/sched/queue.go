package sched

import (
	"math/bits"

	"gokern/kernel"
)

var errQueueMissing = &kernel.Error{Module: "sched", Message: "task not present in queue"}

// PriorityQueue orders ready tasks by priority, FIFO within a priority. A
// bitmap with one bit per priority class makes picking the most urgent
// class O(1). Not safe for concurrent use; each core owns its own queue.
type PriorityQueue struct {
	bitmap uint32
	queues [NumPriorities][]*Task
}

// Push appends the task to the tail of its priority class.
func (q *PriorityQueue) Push(t *Task) {
	p := t.prio
	q.queues[p] = append(q.queues[p], t)
	q.bitmap |= 1 << p
}

// Pop removes and returns the earliest-inserted task of the most urgent
// non-empty class, or nil if the queue is empty.
func (q *PriorityQueue) Pop() *Task {
	if q.bitmap == 0 {
		return nil
	}
	p := uint(bits.Len32(q.bitmap) - 1)
	return q.popClass(p)
}

// PopWithPrio behaves like Pop but only considers classes at least as
// urgent as prio. Used when the current task keeps running unless an equal
// or more urgent task is ready.
func (q *PriorityQueue) PopWithPrio(prio Priority) *Task {
	if q.bitmap == 0 {
		return nil
	}
	p := uint(bits.Len32(q.bitmap) - 1)
	if Priority(p) < prio {
		return nil
	}
	return q.popClass(p)
}

func (q *PriorityQueue) popClass(p uint) *Task {
	class := q.queues[p]
	t := class[0]
	copy(class, class[1:])
	q.queues[p] = class[:len(class)-1]
	if len(q.queues[p]) == 0 {
		q.bitmap &^= 1 << p
	}
	return t
}

// Remove takes the named task out of the queue and returns it, or nil if
// it is not enqueued.
func (q *PriorityQueue) Remove(id ID) *Task {
	for p := range q.queues {
		for i, t := range q.queues[p] {
			if t.id == id {
				q.queues[p] = append(q.queues[p][:i], q.queues[p][i+1:]...)
				if len(q.queues[p]) == 0 {
					q.bitmap &^= 1 << uint(p)
				}
				return t
			}
		}
	}
	return nil
}

// Contains reports whether the named task is enqueued.
func (q *PriorityQueue) Contains(id ID) bool {
	for p := range q.queues {
		for _, t := range q.queues[p] {
			if t.id == id {
				return true
			}
		}
	}
	return false
}

// SetPriority moves the named task to the tail of another priority class.
func (q *PriorityQueue) SetPriority(id ID, prio Priority) error {
	t := q.Remove(id)
	if t == nil {
		return errQueueMissing
	}
	t.prio = prio
	q.Push(t)
	return nil
}

// IsEmpty reports whether no task is enqueued.
func (q *PriorityQueue) IsEmpty() bool {
	return q.bitmap == 0
}

// HighestPriority returns the most urgent non-empty class, or PrioIdle
// when the queue is empty.
func (q *PriorityQueue) HighestPriority() Priority {
	if q.bitmap == 0 {
		return PrioIdle
	}
	return Priority(bits.Len32(q.bitmap) - 1)
}

// HandleQueue is the wait-queue flavor of PriorityQueue, holding handles
// instead of control blocks. Synchronization primitives enqueue waiters
// here and wake them through the scheduler; callers provide their own
// locking.
type HandleQueue struct {
	bitmap uint32
	queues [NumPriorities][]Handle
}

// Push appends the handle to the tail of its priority class.
func (q *HandleQueue) Push(h Handle) {
	p := h.prio
	q.queues[p] = append(q.queues[p], h)
	q.bitmap |= 1 << p
}

// Pop removes and returns the longest-waiting handle of the most urgent
// class. The second result is false if the queue is empty.
func (q *HandleQueue) Pop() (Handle, bool) {
	if q.bitmap == 0 {
		return Handle{}, false
	}
	p := uint(bits.Len32(q.bitmap) - 1)
	class := q.queues[p]
	h := class[0]
	copy(class, class[1:])
	q.queues[p] = class[:len(class)-1]
	if len(q.queues[p]) == 0 {
		q.bitmap &^= 1 << p
	}
	return h, true
}

// Remove drops the named task's handle from the queue and reports whether
// it was present. Timed-out waiters use this to leave their wait queue.
func (q *HandleQueue) Remove(id ID) bool {
	for p := range q.queues {
		for i, h := range q.queues[p] {
			if h.id == id {
				q.queues[p] = append(q.queues[p][:i], q.queues[p][i+1:]...)
				if len(q.queues[p]) == 0 {
					q.bitmap &^= 1 << uint(p)
				}
				return true
			}
		}
	}
	return false
}

// Contains reports whether the named task waits in this queue.
func (q *HandleQueue) Contains(id ID) bool {
	for p := range q.queues {
		for _, h := range q.queues[p] {
			if h.id == id {
				return true
			}
		}
	}
	return false
}

// IsEmpty reports whether no handle is enqueued.
func (q *HandleQueue) IsEmpty() bool {
	return q.bitmap == 0
}
