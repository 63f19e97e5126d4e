// Package sched implements the per-core cooperative scheduler: task
// control blocks, the ready and blocked queues, the stack frame builder
// and the context-switch primitive that moves a core between tasks.
package sched

import (
	"gokern/kernel/mem"
)

// ID identifies a task process-wide. Ids are assigned monotonically and
// never reused while a task with that id can still be referenced, e.g. by
// a pending join.
type ID int32

// State describes where a task is in its lifecycle.
type State uint8

const (
	// StateInvalid marks a reclaimed control block.
	StateInvalid State = iota
	// StateReady means the task sits in a ready queue waiting for the CPU.
	StateReady
	// StateRunning means the task owns its core right now.
	StateRunning
	// StateBlocked means the task waits on a primitive or a deadline.
	StateBlocked
	// StateFinished means the task exited and awaits stack reclamation.
	StateFinished
	// StateIdle marks a core's fallback task. It is never enqueued and
	// never finishes.
	StateIdle
)

func (s State) String() string {
	switch s {
	case StateReady:
		return "ready"
	case StateRunning:
		return "running"
	case StateBlocked:
		return "blocked"
	case StateFinished:
		return "finished"
	case StateIdle:
		return "idle"
	default:
		return "invalid"
	}
}

// Priority selects among ready tasks. Higher values are more urgent.
type Priority uint8

// The priority bands the kernel hands out. Values up to NumPriorities-1
// are accepted.
const (
	PrioIdle   Priority = 0
	PrioLow    Priority = 1
	PrioNormal Priority = 2
	PrioHigh   Priority = 3

	// NumPriorities bounds the priority space; one bitmap word covers it.
	NumPriorities = 32
)

// NoDeadline blocks a task without a wakeup time.
const NoDeadline uint64 = ^uint64(0)

// Handle names a task to other cores without sharing the control block.
type Handle struct {
	id   ID
	prio Priority
	core uint32
}

// NewHandle builds a handle from task coordinates.
func NewHandle(id ID, prio Priority, core uint32) Handle {
	return Handle{id: id, prio: prio, core: core}
}

// ID returns the task id the handle names.
func (h Handle) ID() ID { return h.id }

// Priority returns the priority recorded when the handle was created.
func (h Handle) Priority() Priority { return h.prio }

// Core returns the id of the core that owns the task.
func (h Handle) Core() uint32 { return h.core }

// FPUState is the lazily saved floating-point context of a task. The
// save/restore pair models the hardware fxsave/fxrstor exchange; the
// scheduler only swaps contexts when the FPU owner actually changes.
type FPUState struct {
	valid bool
	blob  [64]byte
}

// Save snapshots the owner's context.
func (f *FPUState) Save() {
	f.valid = true
	f.blob[0]++
}

// Restore loads the task's context, or a clean one if never saved.
func (f *FPUState) Restore() {
	if !f.valid {
		*f = FPUState{}
	}
}

// Task is the control block for one schedulable unit of execution. All
// fields are owned by the home core's scheduler; remote cores only ever
// touch a task through its handle and the owning core's input queue.
type Task struct {
	id     ID
	status State
	prio   Priority
	core   uint32

	// lastStackPointer holds the saved frame location from the last switch
	// away from this task.
	lastStackPointer uintptr

	// stack is the memory range exclusively owned by this task from spawn
	// until reclamation. The idle task runs on its core's bootstrap stack
	// and has none.
	stack *mem.Stack

	fpu FPUState

	// entrySel and arg parameterize the start trampoline.
	entrySel uint64
	arg      uintptr

	// resume unparks the execution context backing the task. Buffered so
	// the switching core never blocks on the handoff.
	resume chan struct{}

	// started flips when the start trampoline has consumed the initial
	// frame.
	started bool
}

// ID returns the task id.
func (t *Task) ID() ID { return t.id }

// Status returns the task's lifecycle state.
func (t *Task) Status() State { return t.status }

// Priority returns the task's current priority.
func (t *Task) Priority() Priority { return t.prio }

// Core returns the id of the task's home core.
func (t *Task) Core() uint32 { return t.core }

// Handle returns the task's cross-core name.
func (t *Task) Handle() Handle {
	return Handle{id: t.id, prio: t.prio, core: t.core}
}

func newTask(id ID, core uint32, status State, prio Priority, stack *mem.Stack) *Task {
	return &Task{
		id:     id,
		status: status,
		prio:   prio,
		core:   core,
		stack:  stack,
		resume: make(chan struct{}, 1),
	}
}
