package sched

import (
	"sync/atomic"
	"time"

	"gokern/kernel"
	"gokern/kernel/cpu"
	"gokern/kernel/executor"
	"gokern/kernel/kfmt"
	"gokern/kernel/mem"
	"gokern/kernel/percore"
	sync "gokern/kernel/sync"
)

var (
	errUnknownCore  = &kernel.Error{Module: "sched", Message: "no scheduler for core"}
	errNoScheduler  = &kernel.Error{Module: "sched", Message: "caller runs outside any scheduler"}
	errBlockIdle    = &kernel.Error{Module: "sched", Message: "trying to block the idle task"}
	errExitIdle     = &kernel.Error{Module: "sched", Message: "trying to terminate the idle task"}
	errIrqEnabled   = &kernel.Error{Module: "sched", Message: "schedule entered with interrupts enabled"}
	errJoinUnknown  = &kernel.Error{Module: "sched", Message: "join target was never spawned"}
	errPrioTooHigh  = &kernel.Error{Module: "sched", Message: "priority out of range"}
	errRemotePrio   = &kernel.Error{Module: "sched", Message: "cannot change priority on another core"}
	errPrioNotFound = &kernel.Error{Module: "sched", Message: "task not found in ready queue"}
)

// Process-wide task bookkeeping. Handles of all live tasks, join waiter
// queues and recorded exit codes; each map behind its own interrupt-safe
// lock, mirroring that remote cores reach them too.
var (
	tasksLock sync.IrqSpinlock
	tasks     = make(map[ID]Handle)

	waitingLock  sync.IrqSpinlock
	waitingTasks = make(map[ID][]Handle)
	exitCodes    = make(map[ID]int32)

	tidCounter atomic.Int32
	liveTasks  atomic.Int32

	schedulersLock sync.Spinlock
	schedulers     = make(map[uint32]*PerCoreScheduler)
	schedulerCores []uint32

	spawnRotation atomic.Uint32
)

// schedulerInput is a core's mailbox for work arriving from other cores:
// freshly spawned tasks placed here and wakeups for tasks this core owns.
type schedulerInput struct {
	lock        sync.IrqSpinlock
	newTasks    []*Task
	wakeupTasks []Handle
}

// PerCoreScheduler owns one core's ready queue, blocked ledger, current
// task and idle fallback. Everything except the input mailbox is only ever
// touched from the owning core.
type PerCoreScheduler struct {
	coreID uint32
	local  *percore.Local

	currentTask *Task
	idleTask    *Task
	fpuOwner    *Task

	readyQueue   PriorityQueue
	blockedTasks *BlockedQueue

	// finishedTasks holds control blocks whose stacks become reclaimable
	// at the next scheduling point; a task cannot free the stack it still
	// executes on.
	finishedTasks []*Task

	input schedulerInput

	// nudge wakes the idle loop when remote work arrives.
	nudge chan struct{}

	pool             *mem.StackPool
	defaultStackSize int

	shutdown atomic.Bool
}

// NewScheduler installs the calling goroutine as the bootstrap (and idle)
// execution context of the given core and returns its scheduler. Stacks
// for tasks spawned onto this core come from pool; stackSize is the
// default when a spawn does not pass one.
func NewScheduler(coreID uint32, pool *mem.StackPool, stackSize int) *PerCoreScheduler {
	local := percore.Install(coreID)

	idle := newTask(getTID(), coreID, StateIdle, PrioIdle, nil)
	idle.started = true

	s := &PerCoreScheduler{
		coreID:           coreID,
		local:            local,
		currentTask:      idle,
		idleTask:         idle,
		fpuOwner:         idle,
		blockedTasks:     NewBlockedQueue(),
		nudge:            make(chan struct{}, 1),
		pool:             pool,
		defaultStackSize: stackSize,
	}
	local.SetScheduler(s)

	schedulersLock.Acquire()
	schedulers[coreID] = s
	schedulerCores = append(schedulerCores, coreID)
	schedulersLock.Release()

	// Bring-up is done; the core accepts interrupts from here on.
	local.NestedEnableInterrupts(true)

	kfmt.Debugf("[sched] core %d online, idle task %d\n", coreID, idle.id)
	return s
}

// CurrentScheduler returns the scheduler of the core the caller executes
// on. Fatal outside any installed core.
func CurrentScheduler() *PerCoreScheduler {
	s, ok := percore.Current().Scheduler().(*PerCoreScheduler)
	if !ok || s == nil {
		kernel.Panic(errNoScheduler)
	}
	return s
}

// SchedulerFor returns the scheduler installed for the given core, or nil.
func SchedulerFor(coreID uint32) *PerCoreScheduler {
	schedulersLock.Acquire()
	s := schedulers[coreID]
	schedulersLock.Release()
	return s
}

// getTID hands out the next unused task id. Ids already present in the
// task list are skipped so an id is never reused while referenced.
func getTID() ID {
	for {
		id := ID(tidCounter.Add(1) - 1)
		tasksLock.Acquire()
		_, taken := tasks[id]
		tasksLock.Release()
		if !taken {
			return id
		}
	}
}

// Spawn creates a task running entry(arg) at the given priority on the
// given core and returns its id. A negative core selects one round-robin
// across the online cores; a zero stack size selects the target core's
// default. Stack allocation failure is fatal inside the pool.
func Spawn(entry func(arg uintptr), arg uintptr, prio Priority, core int, stackSize int) ID {
	if prio >= NumPriorities {
		kernel.Panic(errPrioTooHigh)
	}

	target := uint32(core)
	if core < 0 {
		target = nextSpawnCore()
	}
	s := SchedulerFor(target)
	if s == nil {
		kernel.Panic(errUnknownCore)
	}
	if stackSize <= 0 {
		stackSize = s.defaultStackSize
	}

	tid := getTID()
	t := newTask(tid, target, StateReady, prio, s.pool.Allocate(stackSize))
	t.entrySel = registerEntry(entry)
	t.arg = arg
	createStackFrame(t)

	waitingLock.Acquire()
	waitingTasks[tid] = []Handle{}
	waitingLock.Release()

	tasksLock.Acquire()
	tasks[tid] = t.Handle()
	tasksLock.Release()
	liveTasks.Add(1)

	if percore.Current().ID() == target {
		withoutInterrupts(func() {
			s.readyQueue.Push(t)
		})
	} else {
		s.input.lock.Acquire()
		s.input.newTasks = append(s.input.newTasks, t)
		s.input.lock.Release()
		s.nudgeCore()
	}

	kfmt.Debugf("[sched] created task %d with priority %d on core %d\n", tid, prio, target)
	return tid
}

func nextSpawnCore() uint32 {
	schedulersLock.Acquire()
	defer schedulersLock.Release()
	if len(schedulerCores) == 0 {
		kernel.Panic(errUnknownCore)
	}
	n := spawnRotation.Add(1) - 1
	return schedulerCores[int(n)%len(schedulerCores)]
}

// CurrentHandle returns the handle of the task the caller executes as.
func (s *PerCoreScheduler) CurrentHandle() Handle {
	var h Handle
	withoutInterrupts(func() {
		h = s.currentTask.Handle()
	})
	return h
}

// CurrentID returns the id of the task the caller executes as.
func (s *PerCoreScheduler) CurrentID() ID {
	var id ID
	withoutInterrupts(func() {
		id = s.currentTask.id
	})
	return id
}

// CurrentPriority returns the current task's priority.
func (s *PerCoreScheduler) CurrentPriority() Priority {
	var p Priority
	withoutInterrupts(func() {
		p = s.currentTask.prio
	})
	return p
}

// CurrentTask exposes the running control block for invariant checks.
func (s *PerCoreScheduler) CurrentTask() *Task { return s.currentTask }

// Core returns the id of the core this scheduler owns.
func (s *PerCoreScheduler) Core() uint32 { return s.coreID }

// BlockCurrentTask marks the current task blocked and registers it on the
// core's blocked ledger with the given wakeup deadline (NoDeadline for an
// untimed wait). The task keeps running until the caller reschedules, so a
// primitive can drop its queue lock between the two without a lost-wakeup
// window: a wake arriving in between finds the task already registered.
func (s *PerCoreScheduler) BlockCurrentTask(wakeupTime uint64) {
	withoutInterrupts(func() {
		t := s.currentTask
		if t.status == StateIdle {
			kernel.Panic(errBlockIdle)
		}
		kfmt.Tracef("[sched] blocking task %d\n", t.id)
		t.status = StateBlocked
		s.blockedTasks.Add(t, wakeupTime)
	})
}

// CustomWakeup moves the named task from blocked back to ready. On the
// owning core the transition happens directly; for a task owned by another
// core the handle travels through that core's input mailbox so its queues
// are only ever touched by their owner. Waking a task that is not blocked
// is fatal.
func (s *PerCoreScheduler) CustomWakeup(h Handle) {
	if h.core == s.coreID {
		withoutInterrupts(func() {
			t := s.blockedTasks.Remove(h.id)
			t.status = StateReady
			s.readyQueue.Push(t)
		})
		return
	}

	target := SchedulerFor(h.core)
	if target == nil {
		kernel.Panic(errUnknownCore)
	}
	target.input.lock.Acquire()
	target.input.wakeupTasks = append(target.input.wakeupTasks, h)
	target.input.lock.Release()
	target.nudgeCore()
}

// Wake routes a wakeup from any context, including goroutines not bound to
// a core (boot, tests).
func Wake(h Handle) {
	if s, ok := percore.Current().Scheduler().(*PerCoreScheduler); ok && s != nil {
		s.CustomWakeup(h)
		return
	}

	target := SchedulerFor(h.core)
	if target == nil {
		kernel.Panic(errUnknownCore)
	}
	target.input.lock.Acquire()
	target.input.wakeupTasks = append(target.input.wakeupTasks, h)
	target.input.lock.Release()
	target.nudgeCore()
}

// HandleWaitingTasks wakes every blocked task whose deadline has passed.
// Called from the timer tick and the idle loop.
func (s *PerCoreScheduler) HandleWaitingTasks() {
	withoutInterrupts(func() {
		executor.Run()
		s.wakeExpired()
	})
}

// wakeExpired must run with interrupts disabled.
func (s *PerCoreScheduler) wakeExpired() {
	for _, t := range s.blockedTasks.HandleExpired(cpu.TimerTicks()) {
		kfmt.Tracef("[sched] deadline expired for task %d\n", t.id)
		t.status = StateReady
		s.readyQueue.Push(t)
	}
}

// Exit finishes the current task with the given exit code, wakes every
// joiner and hands the core to the next task. It never returns.
func (s *PerCoreScheduler) Exit(code int32) {
	withoutInterrupts(func() {
		t := s.currentTask
		if t.status == StateIdle {
			kernel.Panic(errExitIdle)
		}
		kfmt.Debugf("[sched] finishing task %d with exit code %d\n", t.id, code)
		t.status = StateFinished
		liveTasks.Add(-1)

		waitingLock.Acquire()
		exitCodes[t.id] = code
		joiners := waitingTasks[t.id]
		delete(waitingTasks, t.id)
		waitingLock.Release()

		for _, h := range joiners {
			s.CustomWakeup(h)
		}
	})

	s.Reschedule()
	kernel.Panic(errUnreachable)
}

// Join blocks until the named task exits and returns its exit code.
// Joining a task that already exited returns immediately.
func Join(id ID) (int32, *kernel.Error) {
	s := CurrentScheduler()

	block := false
	withoutInterrupts(func() {
		waitingLock.Acquire()
		if _, live := waitingTasks[id]; live {
			waitingTasks[id] = append(waitingTasks[id], s.currentTask.Handle())
			// Register as blocked before dropping the lock so the exit
			// path cannot miss this joiner.
			t := s.currentTask
			if t.status == StateIdle {
				waitingLock.Release()
				kernel.Panic(errBlockIdle)
			}
			t.status = StateBlocked
			s.blockedTasks.Add(t, NoDeadline)
			block = true
		}
		waitingLock.Release()
	})

	if block {
		s.Reschedule()
	}

	waitingLock.Acquire()
	code, ok := exitCodes[id]
	waitingLock.Release()
	if !ok {
		return 0, errJoinUnknown
	}
	return code, nil
}

// Reschedule runs one scheduling decision with interrupts disabled.
func (s *PerCoreScheduler) Reschedule() {
	withoutInterrupts(s.schedule)
}

// Yield gives up the CPU voluntarily; the caller resumes once every ready
// task of equal or higher priority had its turn.
func Yield() {
	CurrentScheduler().Reschedule()
}

// schedule picks the next task and switches to it if it differs from the
// current one. Interrupt flag must be cleared before calling.
func (s *PerCoreScheduler) schedule() {
	if s.local.InterruptsEnabled() {
		kernel.Panic(errIrqEnabled)
	}

	// Someone gives up the CPU, so there is time for housekeeping.
	executor.Run()
	s.cleanupTasks()
	s.checkInput()

	current := s.currentTask
	id, prio, status := current.id, current.prio, current.status

	var next *Task
	if status == StateRunning {
		// Only preempt for a task of equal or higher priority.
		next = s.readyQueue.PopWithPrio(prio)
	} else {
		if status == StateFinished {
			// The control block becomes reclaimable once the core has
			// switched off this stack.
			current.status = StateInvalid
			s.finishedTasks = append(s.finishedTasks, current)
		}
		next = s.readyQueue.Pop()
		if next == nil && status != StateIdle {
			next = s.idleTask
		}
	}

	if next == nil {
		return
	}

	if status == StateRunning {
		current.status = StateReady
		s.readyQueue.Push(current)
	}
	if next.status != StateIdle {
		next.status = StateRunning
	}

	if next.id == id {
		return
	}

	kfmt.Tracef("[sched] switching task from %d to %d (stack %#x => %#x)\n",
		id, next.id, current.lastStackPointer, next.lastStackPointer)
	s.currentTask = next
	s.switchTasks(current, next)
}

// checkInput adopts work other cores placed in the mailbox: wakeups for
// tasks this core owns and freshly spawned tasks. Must run with interrupts
// disabled.
func (s *PerCoreScheduler) checkInput() {
	s.input.lock.Acquire()
	wakeups := s.input.wakeupTasks
	fresh := s.input.newTasks
	s.input.wakeupTasks = nil
	s.input.newTasks = nil
	s.input.lock.Release()

	for _, h := range wakeups {
		t := s.blockedTasks.Remove(h.id)
		t.status = StateReady
		s.readyQueue.Push(t)
	}
	for _, t := range fresh {
		s.readyQueue.Push(t)
	}
}

// cleanupTasks releases the stacks of finished tasks. Only control blocks
// the core already switched away from sit in the list, so their stacks are
// no longer anyone's active stack.
func (s *PerCoreScheduler) cleanupTasks() {
	for _, t := range s.finishedTasks {
		kfmt.Debugf("[sched] cleaning up task %d\n", t.id)
		s.pool.Release(t.stack)
		t.stack = nil

		tasksLock.Acquire()
		delete(tasks, t.id)
		tasksLock.Release()
	}
	s.finishedTasks = s.finishedTasks[:0]
}

// fpuSwitch saves the floating-point context of the previous owner and
// restores the incoming task's when ownership changes.
func (s *PerCoreScheduler) fpuSwitch(to *Task) {
	if s.fpuOwner != to {
		kfmt.Tracef("[sched] switching FPU owner from task %d to %d\n",
			s.fpuOwner.id, to.id)
		s.fpuOwner.fpu.Save()
		to.fpu.Restore()
		s.fpuOwner = to
	}
}

// SetPriority changes the named task's priority. Tasks owned by other
// cores cannot be re-prioritized remotely.
func (s *PerCoreScheduler) SetPriority(id ID, prio Priority) *kernel.Error {
	if prio >= NumPriorities {
		return errPrioTooHigh
	}

	tasksLock.Acquire()
	h, ok := tasks[id]
	tasksLock.Release()
	if !ok {
		return errJoinUnknown
	}
	if h.core != s.coreID {
		return errRemotePrio
	}

	var err *kernel.Error
	withoutInterrupts(func() {
		if s.currentTask.id == id {
			s.currentTask.prio = prio
			return
		}
		if e := s.readyQueue.SetPriority(id, prio); e != nil {
			err = errPrioNotFound
		}
	})
	if err == nil {
		tasksLock.Acquire()
		h.prio = prio
		tasks[id] = h
		tasksLock.Release()
	}
	return err
}

// TaskHandle looks up a live task's handle.
func TaskHandle(id ID) (Handle, bool) {
	tasksLock.Acquire()
	h, ok := tasks[id]
	tasksLock.Release()
	return h, ok
}

// LiveTasks returns the number of spawned tasks that have not exited yet.
func LiveTasks() int32 {
	return liveTasks.Load()
}

// nudgeCore pokes the core's idle loop without blocking.
func (s *PerCoreScheduler) nudgeCore() {
	select {
	case s.nudge <- struct{}{}:
	default:
	}
}

// Shutdown asks the core's idle loop to return once no work remains.
func (s *PerCoreScheduler) Shutdown() {
	s.shutdown.Store(true)
	s.nudgeCore()
}

// idleBackoffLimit bounds how many empty iterations the idle loop spins
// before it halts waiting for a nudge or the next deadline.
const idleBackoffLimit = 64

// Run is the core's idle loop, executed by the bootstrap goroutine that
// installed the scheduler. It adopts mailbox work, reclaims finished
// stacks, wakes expired waiters and dispatches ready tasks; with nothing
// to do it halts until nudged. Returns after Shutdown once the core has
// neither ready nor blocked tasks.
func (s *PerCoreScheduler) Run() {
	backoff := 0

	for {
		cpu.DisableInterrupts()

		executor.Run()
		s.checkInput()
		s.cleanupTasks()
		s.wakeExpired()

		if s.readyQueue.IsEmpty() {
			done := s.shutdown.Load() && s.blockedTasks.Len() == 0
			cpu.EnableInterrupts()
			if done {
				return
			}
			if backoff >= idleBackoffLimit {
				s.waitForEvent()
				backoff = 0
			} else {
				cpu.Pause()
				backoff++
			}
		} else {
			cpu.EnableInterrupts()
			s.Reschedule()
			backoff = 0
		}
	}
}

// waitForEvent halts the idle core until remote work arrives or the next
// blocked-task deadline passes.
func (s *PerCoreScheduler) waitForEvent() {
	if deadline, ok := s.blockedTasks.NextDeadline(); ok {
		now := cpu.TimerTicks()
		if deadline <= now {
			return
		}
		select {
		case <-s.nudge:
		case <-time.After(time.Duration(deadline-now) * time.Microsecond):
		}
		return
	}
	<-s.nudge
}

// withoutInterrupts runs fn with the interrupt flag cleared and restores
// the previous state afterwards.
func withoutInterrupts(fn func()) {
	was := cpu.NestedDisableInterrupts()
	fn()
	cpu.NestedEnableInterrupts(was)
}
