package syscall

import (
	"sync/atomic"
	"testing"
	"time"

	"gokern/kernel/cpu"
	"gokern/kernel/errno"
	"gokern/kernel/mem"
	"gokern/kernel/sched"
)

// runOnCore brings up a core, runs fn as a task on it and tears the core
// down once fn returns.
func runOnCore(t *testing.T, coreID uint32, fn func()) {
	t.Helper()

	ready := make(chan *sched.PerCoreScheduler, 1)
	done := make(chan struct{})
	go func() {
		s := sched.NewScheduler(coreID, mem.NewStackPool(0), 1<<14)
		ready <- s
		s.Run()
		close(done)
	}()
	s := <-ready

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

func TestSpawnAndJoin(t *testing.T) {
	runOnCore(t, 80, func() {
		var tid int32
		if rc := Spawn(&tid, func(uintptr) {
			ThreadExit(42)
		}, 0, uint8(sched.PrioNormal), 80, 0); rc != 0 {
			t.Errorf("expected spawn to succeed; got %d", rc)
		}

		var code int32
		if rc := Join(tid, &code); rc != 0 {
			t.Errorf("expected join to succeed; got %d", rc)
		}
		if code != 42 {
			t.Errorf("expected exit code 42; got %d", code)
		}
	})
}

func TestSpawnValidation(t *testing.T) {
	var tid int32
	if rc := Spawn(nil, func(uintptr) {}, 0, 0, -1, 0); rc != -errno.EINVAL {
		t.Fatalf("expected -EINVAL for a nil id slot; got %d", rc)
	}
	if rc := Spawn(&tid, nil, 0, 0, -1, 0); rc != -errno.EINVAL {
		t.Fatalf("expected -EINVAL for a nil entry; got %d", rc)
	}
	if rc := Spawn(&tid, func(uintptr) {}, 0, 200, -1, 0); rc != -errno.EINVAL {
		t.Fatalf("expected -EINVAL for an out-of-range priority; got %d", rc)
	}
}

func TestJoinValidation(t *testing.T) {
	runOnCore(t, 81, func() {
		if rc := Join(0, nil); rc != -errno.EINVAL {
			t.Errorf("expected -EINVAL for a nil code slot; got %d", rc)
		}
		var code int32
		if rc := Join(1<<30, &code); rc != -errno.ENOENT {
			t.Errorf("expected -ENOENT for an unknown task; got %d", rc)
		}
	})
}

func TestGetpidGetprio(t *testing.T) {
	runOnCore(t, 82, func() {
		if pid := Getpid(); pid < 0 {
			t.Errorf("expected a valid task id; got %d", pid)
		}
		if prio := Getprio(); prio != int32(sched.PrioNormal) {
			t.Errorf("expected priority %d; got %d", sched.PrioNormal, prio)
		}
	})
}

func TestUsleep(t *testing.T) {
	runOnCore(t, 83, func() {
		start := cpu.TimerTicks()
		Usleep(20_000)
		if elapsed := cpu.TimerTicks() - start; elapsed < 15_000 {
			t.Errorf("expected to sleep ~20ms; woke after %dus", elapsed)
		}
	})
}

func TestSemaphoreSyscalls(t *testing.T) {
	runOnCore(t, 84, func() {
		var h uint32
		if rc := SemInit(nil, 1); rc != -errno.EINVAL {
			t.Errorf("expected -EINVAL for a nil handle slot; got %d", rc)
		}
		if rc := SemInit(&h, -1); rc != -errno.EINVAL {
			t.Errorf("expected -EINVAL for a negative count; got %d", rc)
		}
		if rc := SemInit(&h, 1); rc != 0 {
			t.Fatalf("expected semaphore creation to succeed; got %d", rc)
		}

		if rc := SemTryWait(h); rc != 0 {
			t.Errorf("expected trywait to take the initial resource; got %d", rc)
		}
		if rc := SemTryWait(h); rc != -errno.ECANCELED {
			t.Errorf("expected -ECANCELED on an empty semaphore; got %d", rc)
		}
		if rc := SemPost(h); rc != 0 {
			t.Errorf("expected post to succeed; got %d", rc)
		}
		if rc := SemTimedWait(h, 100); rc != 0 {
			t.Errorf("expected timedwait to succeed against a positive count; got %d", rc)
		}
		if rc := SemCancelableWait(h, 10); rc != -errno.ETIME {
			t.Errorf("expected -ETIME after the deadline; got %d", rc)
		}

		if rc := SemDestroy(h); rc != 0 {
			t.Errorf("expected destroy to succeed; got %d", rc)
		}
		if rc := SemPost(h); rc != -errno.EINVAL {
			t.Errorf("expected -EINVAL on a destroyed handle; got %d", rc)
		}
	})
}

func TestRecmutexSyscalls(t *testing.T) {
	runOnCore(t, 85, func() {
		var h uint32
		if rc := RecmutexInit(nil); rc != -errno.EINVAL {
			t.Errorf("expected -EINVAL for a nil handle slot; got %d", rc)
		}
		if rc := RecmutexInit(&h); rc != 0 {
			t.Fatalf("expected mutex creation to succeed; got %d", rc)
		}

		if rc := RecmutexUnlock(h); rc != -errno.EINVAL {
			t.Errorf("expected -EINVAL unlocking a mutex the caller does not own; got %d", rc)
		}
		if rc := RecmutexLock(h); rc != 0 {
			t.Errorf("expected lock to succeed; got %d", rc)
		}
		if rc := RecmutexLock(h); rc != 0 {
			t.Errorf("expected recursive lock to succeed; got %d", rc)
		}
		if rc := RecmutexUnlock(h); rc != 0 {
			t.Errorf("expected unlock to succeed; got %d", rc)
		}
		if rc := RecmutexUnlock(h); rc != 0 {
			t.Errorf("expected final unlock to succeed; got %d", rc)
		}

		if rc := RecmutexDestroy(h); rc != 0 {
			t.Errorf("expected destroy to succeed; got %d", rc)
		}
		if rc := RecmutexLock(h); rc != -errno.EINVAL {
			t.Errorf("expected -EINVAL on a destroyed handle; got %d", rc)
		}
	})
}

func TestSpinlockSyscalls(t *testing.T) {
	runOnCore(t, 86, func() {
		var h uint32
		if rc := SpinlockInit(&h); rc != 0 {
			t.Fatalf("expected spinlock creation to succeed; got %d", rc)
		}

		if rc := SpinlockUnlock(h); rc != -errno.EINVAL {
			t.Errorf("expected -EINVAL unlocking a free spinlock; got %d", rc)
		}
		if rc := SpinlockLock(h); rc != 0 {
			t.Errorf("expected lock to succeed; got %d", rc)
		}
		if rc := SpinlockUnlock(h); rc != 0 {
			t.Errorf("expected unlock to succeed; got %d", rc)
		}

		if rc := SpinlockIrqSaveLock(h); rc != 0 {
			t.Errorf("expected irqsave lock to succeed; got %d", rc)
		}
		if rc := SpinlockIrqSaveUnlock(h); rc != 0 {
			t.Errorf("expected irqsave unlock to succeed; got %d", rc)
		}

		if rc := SpinlockDestroy(h); rc != 0 {
			t.Errorf("expected destroy to succeed; got %d", rc)
		}
		if rc := SpinlockLock(h); rc != -errno.EINVAL {
			t.Errorf("expected -EINVAL on a destroyed handle; got %d", rc)
		}
	})
}

func TestFutexValidation(t *testing.T) {
	if rc := FutexWait(nil, 0, nil, 0); rc != -errno.EINVAL {
		t.Fatalf("expected -EINVAL for a nil address; got %d", rc)
	}
	var word atomic.Uint32
	if rc := FutexWait(&word, 0, nil, 0x80); rc != -errno.EINVAL {
		t.Fatalf("expected -EINVAL for unknown flags; got %d", rc)
	}
	if rc := FutexWake(nil, 1); rc != -errno.EINVAL {
		t.Fatalf("expected -EINVAL for a nil address; got %d", rc)
	}

	// A mismatched value returns without ever blocking.
	word.Store(3)
	if rc := FutexWait(&word, 5, nil, 0); rc != -errno.EAGAIN {
		t.Fatalf("expected -EAGAIN on value mismatch; got %d", rc)
	}
}
