// Package kmain wires the kernel together: logging, interrupt routing,
// per-core schedulers, the timer and the init task.
package kmain

import (
	"io"
	stdsync "sync"
	"sync/atomic"
	"time"

	"gokern/kernel/config"
	"gokern/kernel/irq"
	"gokern/kernel/kfmt"
	"gokern/kernel/mem"
	"gokern/kernel/sched"
	"gokern/kernel/syscall"
)

// Boot brings the kernel up according to cfg, runs init as the first task
// on core 0 and blocks until every core shut down. Log output goes to out.
// It returns the exit code passed to the shutdown syscall, or 0 when the
// last task simply finished.
//
// Boot owns process-wide state and is not re-enterable.
func Boot(cfg config.Config, out io.Writer, init func(arg uintptr), arg uintptr) int32 {
	kfmt.SetOutputSink(out)
	kfmt.SetLevel(kfmt.ParseLevel(cfg.LogLevel))
	kfmt.Printf("[kmain] booting %d cores, stack size %d, timer interval %dus\n",
		cfg.Cores, cfg.StackSize, cfg.TimerIntervalUS)

	irq.Init()
	pool := mem.NewStackPool(cfg.MaxStackMemory)

	// The timer tick wakes expired deadline waiters and acts as the
	// preemption point of the otherwise cooperative cores.
	irq.HandleInterrupt(irq.TimerVector, "timer", func(coreID uint32) {
		if s := sched.SchedulerFor(coreID); s != nil {
			s.HandleWaitingTasks()
			s.Reschedule()
		}
	})
	irq.HandleInterrupt(irq.WakeupVector, "wakeup", func(coreID uint32) {
		// Delivery alone pulls the core out of its halt; the scheduler
		// drains its mailbox at the next scheduling point.
	})

	var (
		wg         stdsync.WaitGroup
		exitCode   atomic.Int32
		schedulers = make([]*sched.PerCoreScheduler, cfg.Cores)
		online     = make(chan *sched.PerCoreScheduler, cfg.Cores)
	)

	for core := 0; core < cfg.Cores; core++ {
		wg.Add(1)
		go func(coreID uint32) {
			defer wg.Done()
			s := sched.NewScheduler(coreID, pool, cfg.StackSize)
			online <- s
			s.Run()
		}(uint32(core))
	}
	for i := range schedulers {
		schedulers[i] = <-online
	}

	shutdownAll := func() {
		for _, s := range schedulers {
			s.Shutdown()
		}
	}
	syscall.SetShutdownHandler(func(code int32) {
		exitCode.Store(code)
		shutdownAll()
	})

	stopTimer := make(chan struct{})
	go func() {
		ticker := time.NewTicker(time.Duration(cfg.TimerIntervalUS) * time.Microsecond)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				for _, s := range schedulers {
					irq.Trigger(s.Core(), irq.TimerVector)
				}
			case <-stopTimer:
				return
			}
		}
	}()

	sched.Spawn(init, arg, sched.PrioNormal, 0, 0)

	// Shut the cores down once the last task is gone, for init tasks that
	// finish without an explicit shutdown call.
	go func() {
		for sched.LiveTasks() > 0 {
			time.Sleep(time.Millisecond)
		}
		shutdownAll()
	}()

	wg.Wait()
	close(stopTimer)

	kfmt.Printf("[kmain] all cores offline, exit code %d\n", exitCode.Load())
	return exitCode.Load()
}
