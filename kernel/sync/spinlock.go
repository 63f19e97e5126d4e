// Package sync provides the spinlock implementations the kernel's higher
// level primitives are built on. Both locks are ticket locks: acquirers
// draw a ticket and are served strictly in ticket order, so no waiter can
// starve while holders keep releasing.
package sync

import (
	"runtime"
	"sync/atomic"
)

// spinAttempts is the number of busy polls before a waiter yields the
// processor between further polls.
const spinAttempts = 100

var (
	// yieldFn is substituted by tests that need different backoff behavior.
	yieldFn = runtime.Gosched
)

// Spinlock implements a fair busy-waiting lock. A task trying to acquire it
// draws the next ticket and spins until the ticket is served. The lock must
// never be held across a blocking scheduler call: it underlies the
// scheduler's own data structures.
type Spinlock struct {
	nextTicket atomic.Uint64
	nowServing atomic.Uint64
}

// Acquire blocks until the caller's ticket is served. Any attempt to
// re-acquire a lock already held by the current task will deadlock.
func (l *Spinlock) Acquire() {
	ticket := l.nextTicket.Add(1)
	for attempt := 0; l.nowServing.Load()+1 != ticket; attempt++ {
		if attempt >= spinAttempts {
			yieldFn()
		}
	}
}

// TryAcquire attempts to acquire the lock without waiting. It succeeds only
// if no ticket is outstanding at the instant of the attempt and returns
// whether the lock was taken.
func (l *Spinlock) TryAcquire() bool {
	t := l.nextTicket.Load()
	return l.nowServing.Load() == t && l.nextTicket.CompareAndSwap(t, t+1)
}

// Release serves the next ticket, handing the lock to the longest-waiting
// acquirer if any.
func (l *Spinlock) Release() {
	l.nowServing.Add(1)
}

// IsLocked reports whether a ticket is currently outstanding.
func (l *Spinlock) IsLocked() bool {
	return l.nowServing.Load() != l.nextTicket.Load()
}
