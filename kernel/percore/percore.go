// Package percore implements the core-local storage block that every
// scheduling decision and every synchronization wait reads. Each simulated
// core owns exactly one Local; the goroutine that currently executes on a
// core resolves it through Current. The hardware would keep a pointer to
// this block in a segment register; here a goroutine registry stands in for
// that register and callers never see the difference.
package percore

import (
	"bytes"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
)

// NoCore is the core id reported for goroutines that execute outside any
// installed core, e.g. during early boot.
const NoCore uint32 = 0xffffffff

// Local is the per-core state block. Fields other than the latched
// interrupt word are only touched by the goroutine currently executing on
// the core, so they need no further locking.
type Local struct {
	coreID uint32

	// irqEnabled mirrors the interrupt-enable flag of the core.
	irqEnabled bool

	// pending holds latched interrupt vectors (one bit per vector below 32)
	// raised while interrupts were disabled. Remote cores may set bits, so
	// the word is atomic.
	pending atomic.Uint32

	// kernelStack records the stack that a hardware interrupt arriving on
	// this core would run on. The context-switch primitive updates it
	// before popping the new register image.
	kernelStack uintptr

	// scheduler points at this core's scheduler instance. Stored untyped to
	// keep percore at the bottom of the dependency order; the scheduler
	// package owns the only cast.
	scheduler any
}

var (
	registryMu sync.RWMutex
	byGoroutine = make(map[uint64]*Local)
	byCore      = make(map[uint32]*Local)

	// dispatchFn delivers latched interrupt vectors once the flag is
	// enabled again. Installed once at boot by the irq package.
	dispatchFn func(l *Local, vector uint8)
)

// Install creates the Local for the given core and binds the calling
// goroutine to it. The calling goroutine becomes the core's bootstrap (and
// later idle) execution context. Interrupts start disabled, matching a core
// that has not finished bring-up.
func Install(coreID uint32) *Local {
	l := &Local{coreID: coreID}

	registryMu.Lock()
	if _, dup := byCore[coreID]; dup {
		registryMu.Unlock()
		panic("percore: core installed twice")
	}
	byCore[coreID] = l
	byGoroutine[gid()] = l
	registryMu.Unlock()

	return l
}

// Bind attaches the calling goroutine to an already installed core. The
// context-switch primitive calls this when a task runs for the first time;
// tasks never change cores afterwards.
func Bind(l *Local) {
	registryMu.Lock()
	byGoroutine[gid()] = l
	registryMu.Unlock()
}

// Unbind detaches the calling goroutine. Called when a task's execution
// context is torn down.
func Unbind() {
	registryMu.Lock()
	delete(byGoroutine, gid())
	registryMu.Unlock()
}

// Current returns the Local of the core the calling goroutine executes on.
// Goroutines outside any installed core receive a detached block with core
// id NoCore so that interrupt-flag bookkeeping still works during early
// boot and in tests.
func Current() *Local {
	id := gid()

	registryMu.RLock()
	l := byGoroutine[id]
	registryMu.RUnlock()

	if l != nil {
		return l
	}

	l = &Local{coreID: NoCore, irqEnabled: true}
	registryMu.Lock()
	byGoroutine[id] = l
	registryMu.Unlock()
	return l
}

// ByCore returns the Local installed for the given core id, or nil.
func ByCore(coreID uint32) *Local {
	registryMu.RLock()
	defer registryMu.RUnlock()
	return byCore[coreID]
}

// SetDispatcher installs the function that delivers latched interrupt
// vectors. Installed once at boot, before any interrupt can be raised.
func SetDispatcher(fn func(l *Local, vector uint8)) {
	dispatchFn = fn
}

// ID returns the core's numeric identifier.
func (l *Local) ID() uint32 { return l.coreID }

// Scheduler returns the scheduler reference stored for this core.
func (l *Local) Scheduler() any { return l.scheduler }

// SetScheduler stores the scheduler reference for this core.
func (l *Local) SetScheduler(s any) { l.scheduler = s }

// KernelStack returns the stack an interrupt on this core would use.
func (l *Local) KernelStack() uintptr { return l.kernelStack }

// SetKernelStack records the stack an interrupt on this core would use.
func (l *Local) SetKernelStack(sp uintptr) { l.kernelStack = sp }

// InterruptsEnabled reports the state of the core's interrupt-enable flag.
func (l *Local) InterruptsEnabled() bool { return l.irqEnabled }

// NestedDisableInterrupts clears the interrupt-enable flag and returns its
// previous state so that nested critical sections can restore it.
func (l *Local) NestedDisableInterrupts() bool {
	was := l.irqEnabled
	l.irqEnabled = false
	return was
}

// NestedEnableInterrupts restores the interrupt-enable flag saved by a
// matching NestedDisableInterrupts and delivers any vectors latched while
// the flag was clear.
func (l *Local) NestedEnableInterrupts(was bool) {
	l.irqEnabled = was
	if was {
		l.deliverPending()
	}
}

// Latch records an interrupt vector for later delivery. Safe to call from
// any core; the vector fires once the target core enables interrupts or
// polls explicitly.
func (l *Local) Latch(vector uint8) {
	if vector >= 32 {
		panic("percore: interrupt vector out of range")
	}
	for {
		old := l.pending.Load()
		if l.pending.CompareAndSwap(old, old|1<<vector) {
			return
		}
	}
}

// Poll delivers latched vectors if the calling goroutine runs on this core
// with interrupts enabled. Safe points (the idle loop, voluntary yields)
// call it so that latched timer ticks are not deferred indefinitely.
func (l *Local) Poll() {
	if l.irqEnabled {
		l.deliverPending()
	}
}

func (l *Local) deliverPending() {
	if dispatchFn == nil {
		return
	}
	for {
		bits := l.pending.Swap(0)
		if bits == 0 {
			return
		}
		for v := uint8(0); v < 32; v++ {
			if bits&(1<<v) != 0 {
				dispatchFn(l, v)
			}
		}
	}
}

// gid extracts the calling goroutine's id from the first line of its stack
// trace ("goroutine N [running]:"). This is the registry key standing in
// for the hardware thread pointer.
func gid() uint64 {
	var buf [40]byte
	n := runtime.Stack(buf[:], false)
	fields := bytes.Fields(buf[:n])
	if len(fields) < 2 {
		panic("percore: cannot determine goroutine id")
	}
	id, err := strconv.ParseUint(string(fields[1]), 10, 64)
	if err != nil {
		panic("percore: cannot determine goroutine id")
	}
	return id
}
