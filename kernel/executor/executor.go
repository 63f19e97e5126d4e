// Package executor runs the kernel's cooperative background futures. It
// is a single-queue poll executor: Run polls every runnable future once
// and a future that reports pending stays off the queue until its waker
// fires. The scheduler calls Run at every scheduling point and from the
// idle loop, so background work advances whenever a core has slack.
package executor

import (
	"gokern/kernel/cpu"
	sync "gokern/kernel/sync"
)

// Future is one unit of cooperative background work. Poll advances it as
// far as possible without blocking and reports whether it completed. A
// pending future must arrange for the waker to fire when it can make
// progress again, otherwise it is never polled again.
type Future interface {
	Poll(w *Waker) bool
}

// Waker re-queues its future for the next Run pass. Safe to fire from any
// core and multiple times; duplicate fires coalesce.
type Waker struct {
	t *execTask
}

// Wake marks the future runnable again.
func (w *Waker) Wake() {
	lock.Acquire()
	if !w.t.queued && !w.t.done {
		w.t.queued = true
		runQueue = append(runQueue, w.t)
	}
	lock.Release()
}

type execTask struct {
	fut    Future
	queued bool
	done   bool
}

var (
	lock     sync.Spinlock
	runQueue []*execTask
)

// Spawn adds a future to the run queue. It is polled for the first time
// during the next Run pass.
func Spawn(f Future) {
	t := &execTask{fut: f, queued: true}
	lock.Acquire()
	runQueue = append(runQueue, t)
	lock.Release()
}

// Run polls every queued future once. Futures that complete are dropped;
// pending ones wait for their waker.
func Run() {
	lock.Acquire()
	batch := runQueue
	runQueue = nil
	lock.Release()

	for _, t := range batch {
		lock.Acquire()
		t.queued = false
		skip := t.done
		lock.Release()
		if skip {
			continue
		}

		if t.fut.Poll(&Waker{t: t}) {
			lock.Acquire()
			t.done = true
			lock.Release()
		}
	}
}

// PollOn drives a single future from the calling context, polling it until
// it completes or the deadline (in timer ticks) passes. Between polls it
// also advances the shared run queue, so a future waiting on background
// work still makes progress. Reports whether the future completed.
func PollOn(f Future, deadline uint64) bool {
	t := &execTask{fut: f}
	for {
		if t.fut.Poll(&Waker{t: t}) {
			lock.Acquire()
			t.done = true
			lock.Release()
			return true
		}
		if cpu.TimerTicks() >= deadline {
			return false
		}
		Run()
		cpu.Pause()
	}
}

// Pending reports whether any future waits in the run queue.
func Pending() bool {
	lock.Acquire()
	n := len(runQueue)
	lock.Release()
	return n > 0
}
