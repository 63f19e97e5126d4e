// Package irq routes interrupt vectors to their registered handlers. A
// vector raised for a core whose interrupt flag is clear is latched in the
// core's local block and delivered once the flag is set again or the core
// polls at a safe point.
package irq

import (
	"sync/atomic"

	"gokern/kernel"
	"gokern/kernel/kfmt"
	"gokern/kernel/percore"
	"gokern/kernel/sync"
)

// numVectors is the size of the vector space. Vectors at or above it cannot
// be latched.
const numVectors = 32

// Vectors with a fixed meaning. The remaining vector space is free for
// device models.
const (
	// TimerVector drives preemption points and deadline expiry.
	TimerVector uint8 = 0

	// WakeupVector nudges a core that may be sitting in its idle loop so it
	// re-examines its input queue.
	WakeupVector uint8 = 1
)

// HandlerFunc is invoked on the interrupted core with interrupts disabled.
type HandlerFunc func(coreID uint32)

var (
	errOutOfRange = &kernel.Error{Module: "irq", Message: "vector out of range"}

	lock sync.Spinlock

	handlers [numVectors]HandlerFunc
	names    [numVectors]string

	// counts tracks deliveries per core and vector.
	counts map[uint32]*[numVectors]atomic.Uint64

	initialized bool
)

// Init installs the dispatcher that percore uses to deliver latched
// vectors. Must run once during boot, before any interrupt is raised.
func Init() {
	lock.Acquire()
	if !initialized {
		counts = make(map[uint32]*[numVectors]atomic.Uint64)
		percore.SetDispatcher(dispatch)
		initialized = true
	}
	lock.Release()
}

// HandleInterrupt registers fn as the handler for vector and associates a
// name with it for diagnostics. Registering a second handler for the same
// vector is a kernel bug.
func HandleInterrupt(vector uint8, name string, fn HandlerFunc) {
	if vector >= numVectors {
		kernel.Panic(errOutOfRange)
	}

	lock.Acquire()
	if handlers[vector] != nil {
		lock.Release()
		kernel.Panic(&kernel.Error{Module: "irq", Message: "vector registered twice: " + name})
	}
	handlers[vector] = fn
	names[vector] = name
	lock.Release()

	kfmt.Debugf("[irq] vector %d -> %s\n", vector, name)
}

// Trigger raises vector on the given core. If the core's interrupt flag is
// clear the vector stays latched until the flag is set again; otherwise the
// caller must be prepared for the handler to run before Trigger returns
// when it executes on the target core itself.
func Trigger(coreID uint32, vector uint8) {
	l := percore.ByCore(coreID)
	if l == nil {
		kernel.Panic(&kernel.Error{Module: "irq", Message: "trigger on unknown core"})
	}
	l.Latch(vector)
	if percore.Current() == l {
		l.Poll()
	}
}

// VectorName returns the diagnostic name registered for vector.
func VectorName(vector uint8) string {
	if vector >= numVectors {
		return ""
	}
	lock.Acquire()
	name := names[vector]
	lock.Release()
	return name
}

// DeliveryCount returns how many times vector has been delivered on the
// given core.
func DeliveryCount(coreID uint32, vector uint8) uint64 {
	if vector >= numVectors {
		return 0
	}
	lock.Acquire()
	c := counts[coreID]
	lock.Release()
	if c == nil {
		return 0
	}
	return c[vector].Load()
}

// dispatch runs on the interrupted core. Handlers execute with interrupts
// disabled so they cannot be re-entered by their own vector.
func dispatch(l *percore.Local, vector uint8) {
	lock.Acquire()
	fn := handlers[vector]
	c := counts[l.ID()]
	if c == nil {
		c = new([numVectors]atomic.Uint64)
		counts[l.ID()] = c
	}
	lock.Release()

	c[vector].Add(1)

	if fn == nil {
		kfmt.Debugf("[irq] spurious vector %d on core %d\n", vector, l.ID())
		return
	}

	was := l.NestedDisableInterrupts()
	fn(l.ID())
	l.NestedEnableInterrupts(was)
}

// resetForTesting clears all registrations.
func resetForTesting() {
	lock.Acquire()
	handlers = [numVectors]HandlerFunc{}
	names = [numVectors]string{}
	counts = make(map[uint32]*[numVectors]atomic.Uint64)
	lock.Release()
}
