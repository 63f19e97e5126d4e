package sched

import (
	"github.com/emirpasic/gods/trees/redblacktree"

	"gokern/kernel"
)

var errWakeNotBlocked = &kernel.Error{Module: "sched", Message: "wake target is not blocked"}

// blockedKey orders blocked tasks by wakeup time, arrival order breaking
// ties. Untimed waiters carry NoDeadline and sort after every timed one.
type blockedKey struct {
	wakeup uint64
	seq    uint64
}

func blockedKeyComparator(a, b interface{}) int {
	ka := a.(blockedKey)
	kb := b.(blockedKey)
	switch {
	case ka.wakeup < kb.wakeup:
		return -1
	case ka.wakeup > kb.wakeup:
		return 1
	case ka.seq < kb.seq:
		return -1
	case ka.seq > kb.seq:
		return 1
	default:
		return 0
	}
}

// BlockedQueue is a core's ledger of blocked tasks, ordered by deadline so
// the timer path only inspects the front. Every blocked task of the core
// is registered here, whether or not it also waits on a primitive's queue.
type BlockedQueue struct {
	tree *redblacktree.Tree
	byID map[ID]blockedKey
	seq  uint64
}

// NewBlockedQueue returns an empty queue.
func NewBlockedQueue() *BlockedQueue {
	return &BlockedQueue{
		tree: redblacktree.NewWith(blockedKeyComparator),
		byID: make(map[ID]blockedKey),
	}
}

// Add registers a blocked task with its wakeup deadline, NoDeadline for an
// untimed wait.
func (q *BlockedQueue) Add(t *Task, wakeup uint64) {
	q.seq++
	key := blockedKey{wakeup: wakeup, seq: q.seq}
	q.tree.Put(key, t)
	q.byID[t.id] = key
}

// Remove deregisters the named task and returns its control block. Waking
// a task that is not blocked is a fatal logic error: the caller believes a
// state transition that never happened.
func (q *BlockedQueue) Remove(id ID) *Task {
	key, ok := q.byID[id]
	if !ok {
		kernel.Panic(errWakeNotBlocked)
	}
	v, _ := q.tree.Get(key)
	q.tree.Remove(key)
	delete(q.byID, id)
	return v.(*Task)
}

// Contains reports whether the named task is registered.
func (q *BlockedQueue) Contains(id ID) bool {
	_, ok := q.byID[id]
	return ok
}

// HandleExpired removes every task whose deadline has passed and returns
// them in deadline order.
func (q *BlockedQueue) HandleExpired(now uint64) []*Task {
	var expired []*Task
	for {
		node := q.tree.Left()
		if node == nil {
			return expired
		}
		key := node.Key.(blockedKey)
		if key.wakeup > now {
			return expired
		}
		t := node.Value.(*Task)
		q.tree.Remove(key)
		delete(q.byID, t.id)
		expired = append(expired, t)
	}
}

// NextDeadline returns the earliest pending wakeup time; ok is false when
// no timed waiter is registered.
func (q *BlockedQueue) NextDeadline() (uint64, bool) {
	node := q.tree.Left()
	if node == nil {
		return 0, false
	}
	key := node.Key.(blockedKey)
	if key.wakeup == NoDeadline {
		return 0, false
	}
	return key.wakeup, true
}

// Len returns the number of blocked tasks.
func (q *BlockedQueue) Len() int {
	return q.tree.Size()
}
