package synch

import (
	"math"
	"sync/atomic"
	"testing"
	"time"

	"gokern/kernel/cpu"
	"gokern/kernel/errno"
	"gokern/kernel/executor"
	"gokern/kernel/mem"
	"gokern/kernel/percore"
	"gokern/kernel/sched"
)

func startCore(t *testing.T, coreID uint32) (*sched.PerCoreScheduler, chan struct{}) {
	t.Helper()

	ready := make(chan *sched.PerCoreScheduler, 1)
	done := make(chan struct{})
	go func() {
		s := sched.NewScheduler(coreID, mem.NewStackPool(0), 1<<14)
		ready <- s
		s.Run()
		close(done)
	}()
	return <-ready, done
}

// runOnCore brings up a core, runs fn as a task on it and tears the core
// down again once fn returns.
func runOnCore(t *testing.T, coreID uint32, fn func()) {
	t.Helper()

	s, done := startCore(t, coreID)
	finished := make(chan struct{})
	sched.Spawn(func(uintptr) {
		fn()
		close(finished)
	}, 0, sched.PrioNormal, int(coreID), 0)

	select {
	case <-finished:
	case <-time.After(10 * time.Second):
		t.Fatal("test task timed out")
	}

	s.Shutdown()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("core did not shut down")
	}
}

func TestSemaphoreRoundTrip(t *testing.T) {
	runOnCore(t, 70, func() {
		sem := NewSemaphore(0)
		for i := 0; i < 3; i++ {
			sem.Release()
		}
		// Three releases back three acquires without blocking.
		for i := 0; i < 3; i++ {
			if !sem.Acquire(sched.NoDeadline) {
				t.Error("expected acquire to succeed against a positive count")
			}
		}
		if sem.TryAcquire() {
			t.Error("expected TryAcquire to fail on an empty semaphore")
		}
	})
}

func TestSemaphoreHandsOffToLongestWaiter(t *testing.T) {
	runOnCore(t, 71, func() {
		sem := NewSemaphore(0)
		var order []string

		w1 := sched.Spawn(func(uintptr) {
			sem.Acquire(sched.NoDeadline)
			order = append(order, "w1")
		}, 0, sched.PrioNormal, 71, 0)
		w2 := sched.Spawn(func(uintptr) {
			sem.Acquire(sched.NoDeadline)
			order = append(order, "w2")
		}, 0, sched.PrioNormal, 71, 0)

		// Let both waiters block, w1 first.
		sched.Yield()

		sem.Release()
		sched.Yield()
		if len(order) != 1 || order[0] != "w1" {
			t.Errorf("expected the longest waiter woken first; got %v", order)
		}

		sem.Release()
		sched.Join(w1)
		sched.Join(w2)
		if len(order) != 2 || order[1] != "w2" {
			t.Errorf("expected [w1 w2]; got %v", order)
		}
	})
}

func TestSemaphoreTimedAcquire(t *testing.T) {
	runOnCore(t, 72, func() {
		sem := NewSemaphore(0)

		start := cpu.TimerTicks()
		if sem.Acquire(start + 20_000) {
			t.Error("expected timed acquire to fail without a release")
		}
		if elapsed := cpu.TimerTicks() - start; elapsed < 15_000 {
			t.Errorf("expected the wait to last to its deadline; gave up after %dus", elapsed)
		}

		sem.Release()
		if !sem.Acquire(cpu.TimerTicks() + 1_000_000) {
			t.Error("expected timed acquire to succeed against a positive count")
		}
	})
}

func TestRecursiveMutex(t *testing.T) {
	runOnCore(t, 73, func() {
		m := NewRecursiveMutex()
		self := sched.CurrentScheduler().CurrentID()

		m.Acquire()
		m.Acquire()
		if m.Owner() != self {
			t.Error("expected the acquiring task to own the mutex")
		}

		var acquired atomic.Bool
		contender := sched.Spawn(func(uintptr) {
			m.Acquire()
			acquired.Store(true)
			m.Release()
		}, 0, sched.PrioNormal, 73, 0)

		// One release of two: the mutex stays ours.
		m.Release()
		sched.Yield()
		if acquired.Load() {
			t.Error("expected the contender to stay blocked after a single release")
		}
		if m.Owner() != self {
			t.Error("expected ownership retained after a single release")
		}

		// Second release frees it for the contender.
		m.Release()
		sched.Join(contender)
		if !acquired.Load() {
			t.Error("expected the contender to take over the freed mutex")
		}
		if m.Owner() != noOwner {
			t.Error("expected the mutex free after the contender finished")
		}
	})
}

func TestFutexValueMismatchReturnsImmediately(t *testing.T) {
	var word atomic.Uint32
	word.Store(3)

	if rc := FutexWait(&word, 5, NoTimeout, 0); rc != -errno.EAGAIN {
		t.Fatalf("expected -EAGAIN on value mismatch; got %d", rc)
	}
}

func TestFutexRejectsUnknownFlags(t *testing.T) {
	var word atomic.Uint32

	if rc := FutexWait(&word, 0, NoTimeout, FutexFlags(0x80)); rc != -errno.EINVAL {
		t.Fatalf("expected -EINVAL for unknown flags; got %d", rc)
	}
	if rc := FutexWake(&word, -1); rc != -errno.EINVAL {
		t.Fatalf("expected -EINVAL for a negative count; got %d", rc)
	}
}

func TestFutexWakeOneWakesFirstWaiter(t *testing.T) {
	runOnCore(t, 74, func() {
		var word atomic.Uint32
		var order []string

		a := sched.Spawn(func(uintptr) {
			if rc := FutexWait(&word, 0, NoTimeout, 0); rc != 0 {
				t.Errorf("waiter A: expected 0; got %d", rc)
			}
			order = append(order, "A")
		}, 0, sched.PrioNormal, 74, 0)
		b := sched.Spawn(func(uintptr) {
			if rc := FutexWait(&word, 0, NoTimeout, 0); rc != 0 {
				t.Errorf("waiter B: expected 0; got %d", rc)
			}
			order = append(order, "B")
		}, 0, sched.PrioNormal, 74, 0)

		// Let both park, A first.
		sched.Yield()

		if woken := FutexWake(&word, 1); woken != 1 {
			t.Errorf("expected to wake 1 task; got %d", woken)
		}
		sched.Yield()
		if len(order) != 1 || order[0] != "A" {
			t.Errorf("expected the first waiter woken; got %v", order)
		}

		if woken := FutexWake(&word, 1); woken != 1 {
			t.Errorf("expected to wake the second waiter; got %d", woken)
		}
		sched.Join(a)
		sched.Join(b)
		if woken := FutexWake(&word, 1); woken != 0 {
			t.Errorf("expected no waiters left; woke %d", woken)
		}
	})
}

func TestFutexWakeAll(t *testing.T) {
	runOnCore(t, 75, func() {
		var word atomic.Uint32

		for i := 0; i < 2; i++ {
			sched.Spawn(func(uintptr) {
				FutexWait(&word, 0, NoTimeout, 0)
			}, 0, sched.PrioNormal, 75, 0)
		}
		sched.Yield()

		if woken := FutexWake(&word, math.MaxInt32); woken != 2 {
			t.Errorf("expected to wake both waiters; got %d", woken)
		}
	})
}

func TestFutexRelativeTimeout(t *testing.T) {
	runOnCore(t, 76, func() {
		var word atomic.Uint32
		word.Store(7)

		start := cpu.TimerTicks()
		rc := FutexWait(&word, 7, 20_000, FutexRelative)
		if rc != -errno.ETIMEDOUT {
			t.Errorf("expected -ETIMEDOUT; got %d", rc)
		}
		if elapsed := cpu.TimerTicks() - start; elapsed < 15_000 {
			t.Errorf("expected the wait to last to its deadline; returned after %dus", elapsed)
		}
	})
}

func TestFutexWaitAndSet(t *testing.T) {
	runOnCore(t, 77, func() {
		var word atomic.Uint32
		word.Store(1)

		waiter := sched.Spawn(func(uintptr) {
			if rc := FutexWaitAndSet(&word, 1, NoTimeout, 0, 2); rc != 0 {
				t.Errorf("expected 0 after wake; got %d", rc)
			}
		}, 0, sched.PrioNormal, 77, 0)

		sched.Yield()
		// The new value was stored before the waiter parked.
		if got := word.Load(); got != 2 {
			t.Errorf("expected the word set to 2 while parked; got %d", got)
		}

		FutexWake(&word, 1)
		sched.Join(waiter)
	})
}

func TestAsyncInterruptMutexLock(t *testing.T) {
	l := percore.Current()

	var m AsyncInterruptMutex
	m.Lock()
	if !m.IsLocked() {
		t.Fatal("expected the mutex held after Lock")
	}
	if l.InterruptsEnabled() {
		t.Fatal("expected interrupts disabled inside the critical section")
	}
	if m.TryLock() {
		t.Fatal("expected TryLock to fail while held")
	}
	m.Unlock()
	if m.IsLocked() {
		t.Fatal("expected the mutex free after Unlock")
	}
	if !l.InterruptsEnabled() {
		t.Fatal("expected the interrupt flag restored after Unlock")
	}
}

func TestAsyncLockRetriesOnExecutor(t *testing.T) {
	var m AsyncInterruptMutex
	m.Lock()

	var ran atomic.Bool
	m.AsyncLock(func() {
		ran.Store(true)
	})

	// While the mutex is held the future keeps re-arming instead of
	// spinning.
	executor.Run()
	executor.Run()
	if ran.Load() {
		t.Fatal("expected the critical section deferred while the mutex is held")
	}

	m.Unlock()
	executor.Run()
	if !ran.Load() {
		t.Fatal("expected the critical section to run once the mutex is free")
	}
}
