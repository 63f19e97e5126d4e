package sched

import (
	"unsafe"

	"gokern/kernel"
	sync "gokern/kernel/sync"
)

// RegFrame is the register image the frame builder writes and the switch
// primitive pops. The two must agree on this layout byte for byte; any
// change here changes both sides at once.
type RegFrame struct {
	FS     uint64
	R15    uint64
	R14    uint64
	R13    uint64
	R12    uint64
	R11    uint64
	R10    uint64
	R9     uint64
	R8     uint64
	RDI    uint64
	RSI    uint64
	RBP    uint64
	RBX    uint64
	RDX    uint64
	RCX    uint64
	RAX    uint64
	RFlags uint64
	RIP    uint64
}

const frameSize = unsafe.Sizeof(RegFrame{})

const (
	// rflagsInit is the initial flags word of a fresh task: interrupts
	// enabled, IOPL 1.
	rflagsInit uint64 = 0x1202

	// ripTaskStart is the instruction-pointer value of the start
	// trampoline, consumed on a task's first switch-in.
	ripTaskStart uint64 = 0x10

	// ripTaskResume marks a frame saved by a switch away from a task that
	// already ran.
	ripTaskResume uint64 = 0x20

	// ripTaskExit is the return address placed under the initial frame so
	// an entry function that returns falls into a clean exit.
	ripTaskExit uint64 = 0x30
)

var (
	errBadFrame = &kernel.Error{Module: "sched", Message: "corrupted saved register frame"}

	entryLock sync.Spinlock
	entries   []func(arg uintptr)
)

// registerEntry stores an entry function and returns the selector the
// frame carries in its first-argument register. Registered functions live
// for the process; ids are never reused.
func registerEntry(fn func(arg uintptr)) uint64 {
	entryLock.Acquire()
	entries = append(entries, fn)
	sel := uint64(len(entries))
	entryLock.Release()
	return sel
}

func entryFor(sel uint64) func(arg uintptr) {
	entryLock.Acquire()
	defer entryLock.Release()
	if sel == 0 || sel > uint64(len(entries)) {
		kernel.Panic(errBadFrame)
	}
	return entries[sel-1]
}

// createStackFrame prepares a never-yet-run task's stack: the overflow
// marker sits in the topmost slot, below it the exit trampoline's return
// address, below that the initial register image. The resulting stack
// pointer is recorded in the control block; the first switch into the task
// pops exactly this frame.
func createStackFrame(t *Task) {
	top := t.stack.Top()

	// The marker is already in place from stack allocation; keep the
	// builder self-contained anyway.
	t.stack.WriteMarker()

	// Return address under the marker: a task whose entry function returns
	// runs into the exit trampoline.
	*(*uint64)(unsafe.Pointer(top - 16)) = ripTaskExit

	frame := (*RegFrame)(unsafe.Pointer(top - 16 - uintptr(frameSize)))
	*frame = RegFrame{
		RDI:    t.entrySel,
		RSI:    uint64(t.arg),
		RFlags: rflagsInit,
		RIP:    ripTaskStart,
	}

	t.lastStackPointer = uintptr(unsafe.Pointer(frame))
}

// saveFrame writes the register image of a task being switched away onto
// its own stack and records the stack pointer, mirroring what the restore
// side expects to pop.
func saveFrame(t *Task) {
	top := t.stack.Top()
	frame := (*RegFrame)(unsafe.Pointer(top - 16 - uintptr(frameSize)))
	*frame = RegFrame{
		RAX:    uint64(t.id),
		RFlags: rflagsInit,
		RIP:    ripTaskResume,
	}
	t.lastStackPointer = uintptr(unsafe.Pointer(frame))
}

// loadFrame reads and validates the saved register image a switch-in is
// about to consume. A clobbered marker or an instruction pointer that is
// neither trampoline means the frame was corrupted; there is no way to
// recover an execution context from garbage.
func loadFrame(t *Task) *RegFrame {
	if !t.stack.CheckMarker() {
		kernel.Panic(&kernel.Error{Module: "sched", Message: "stack overflow marker destroyed"})
	}
	frame := (*RegFrame)(unsafe.Pointer(t.lastStackPointer))
	if frame.RIP != ripTaskStart && frame.RIP != ripTaskResume {
		kernel.Panic(errBadFrame)
	}
	return frame
}
