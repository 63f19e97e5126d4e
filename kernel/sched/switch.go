package sched

import (
	"runtime"

	"gokern/kernel"
	"gokern/kernel/kfmt"
	"gokern/kernel/percore"
)

const rflagsIF = 0x200

var errUnreachable = &kernel.Error{Module: "sched", Message: "switch returned into a finished task"}

// switchTasks moves the core from one task to the next. It saves the
// outgoing register image onto the outgoing task's own stack, records the
// incoming stack as the core's kernel stack before anything can interrupt
// on the old one, validates and consumes the incoming saved frame, then
// transfers control. In program order it returns only when some later
// switch hands the core back; for a finished task it never returns at all.
//
// Must run with interrupts disabled.
func (s *PerCoreScheduler) switchTasks(from, to *Task) {
	dying := from.status == StateInvalid

	if !dying && from.stack != nil {
		saveFrame(from)
	}

	// From here on an interrupt would already run on the new stack.
	s.local.SetKernelStack(to.lastStackPointer)

	s.fpuSwitch(to)

	if to.stack == nil {
		// The idle task executes on the core's bootstrap context.
		to.resume <- struct{}{}
	} else {
		frame := loadFrame(to)
		if frame.RIP == ripTaskStart {
			to.started = true
			go s.taskEntry(to, frame)
		} else {
			to.resume <- struct{}{}
		}
	}

	if dying {
		percore.Unbind()
		runtime.Goexit()
	}

	// Parked until a future switch pops this task's saved frame.
	<-from.resume
}

// taskEntry is the start trampoline: the first switch into a fresh task
// lands here with the initial frame's argument registers. Falling off the
// end of the entry function hits the exit path with code 0, matching the
// exit trampoline return address placed under the initial frame.
func (s *PerCoreScheduler) taskEntry(t *Task, frame *RegFrame) {
	percore.Bind(s.local)
	if frame.RFlags&rflagsIF != 0 {
		s.local.NestedEnableInterrupts(true)
	}
	kfmt.Tracef("[sched] task %d enters its entry function on core %d\n", t.id, s.coreID)

	entry := entryFor(frame.RDI)
	entry(uintptr(frame.RSI))

	s.Exit(0)
	kernel.Panic(errUnreachable)
}
