package percore

import (
	"sync"
	"testing"
)

func TestInstallAndCurrent(t *testing.T) {
	l := Install(10)
	defer Unbind()

	if got := Current(); got != l {
		t.Fatalf("expected Current to return the installed Local; got %p want %p", got, l)
	}

	if got := ByCore(10); got != l {
		t.Fatal("expected ByCore to find the installed Local")
	}

	if l.ID() != 10 {
		t.Fatalf("expected core id 10; got %d", l.ID())
	}
}

func TestCurrentDetached(t *testing.T) {
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer Unbind()
		l := Current()
		if l.ID() != NoCore {
			t.Errorf("expected detached goroutine to report NoCore; got %d", l.ID())
		}
		if !l.InterruptsEnabled() {
			t.Error("expected detached Local to start with interrupts enabled")
		}
	}()
	wg.Wait()
}

func TestBindFollowsGoroutine(t *testing.T) {
	l := Install(11)
	defer Unbind()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		Bind(l)
		defer Unbind()
		if Current() != l {
			t.Error("expected bound goroutine to resolve the core's Local")
		}
	}()
	wg.Wait()
}

func TestNestedInterruptFlag(t *testing.T) {
	l := Install(12)
	defer Unbind()

	l.NestedEnableInterrupts(true)
	if !l.InterruptsEnabled() {
		t.Fatal("expected interrupts enabled")
	}

	outer := l.NestedDisableInterrupts()
	inner := l.NestedDisableInterrupts()
	if !outer || inner {
		t.Fatalf("expected saved flags (true, false); got (%t, %t)", outer, inner)
	}
	if l.InterruptsEnabled() {
		t.Fatal("expected interrupts disabled inside the critical section")
	}

	l.NestedEnableInterrupts(inner)
	if l.InterruptsEnabled() {
		t.Fatal("expected interrupts to stay disabled after inner restore")
	}
	l.NestedEnableInterrupts(outer)
	if !l.InterruptsEnabled() {
		t.Fatal("expected interrupts re-enabled after outer restore")
	}
}

func TestLatchDeliveredOnEnable(t *testing.T) {
	defer SetDispatcher(nil)

	l := Install(13)
	defer Unbind()
	l.NestedEnableInterrupts(true)

	var delivered []uint8
	SetDispatcher(func(_ *Local, vector uint8) {
		delivered = append(delivered, vector)
	})

	was := l.NestedDisableInterrupts()
	l.Latch(3)
	l.Latch(7)
	if len(delivered) != 0 {
		t.Fatal("latched vectors must not fire while interrupts are disabled")
	}

	l.NestedEnableInterrupts(was)
	if len(delivered) != 2 || delivered[0] != 3 || delivered[1] != 7 {
		t.Fatalf("expected vectors [3 7] delivered in order; got %v", delivered)
	}

	// Poll with nothing pending is a no-op.
	delivered = delivered[:0]
	l.Poll()
	if len(delivered) != 0 {
		t.Fatalf("expected no delivery from an empty Poll; got %v", delivered)
	}
}
