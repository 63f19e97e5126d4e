// Package mem manages the memory backing task stacks. Stacks come from a
// pool with an optional byte budget; releasing a stack returns its bytes to
// the budget so long-running workloads do not leak stack memory through
// task churn.
package mem

import (
	"unsafe"

	"gokern/kernel"
	"gokern/kernel/sync"
)

const (
	// StackFillByte is written over a fresh stack so that use of
	// uninitialized stack memory shows a recognizable pattern in dumps.
	StackFillByte = 0xAC

	// StackMarker is placed in the topmost slot of every prepared stack.
	// The switch path checks it to catch overflows of the adjacent region.
	StackMarker uint64 = 0xDEADBEEF
)

var (
	errPoolExhausted = &kernel.Error{Module: "mem", Message: "stack pool exhausted"}
	errDoubleRelease = &kernel.Error{Module: "mem", Message: "stack released twice"}
	errForeignStack  = &kernel.Error{Module: "mem", Message: "stack does not belong to pool"}
)

// Stack is a task stack. The usable region is [Bottom, Top); stacks grow
// downwards, so frames are built starting at Top.
type Stack struct {
	buf []byte
}

// Bottom returns the lowest usable address of the stack.
func (s *Stack) Bottom() uintptr {
	return uintptr(unsafe.Pointer(&s.buf[0]))
}

// Top returns the address one past the highest usable byte. The first
// value pushed lands immediately below it.
func (s *Stack) Top() uintptr {
	return s.Bottom() + uintptr(len(s.buf))
}

// Size returns the stack size in bytes.
func (s *Stack) Size() int {
	return len(s.buf)
}

// Bytes exposes the backing memory for frame construction.
func (s *Stack) Bytes() []byte {
	return s.buf
}

// WriteMarker stores the overflow marker in the topmost slot.
func (s *Stack) WriteMarker() {
	*(*uint64)(unsafe.Pointer(s.Top() - 8)) = StackMarker
}

// CheckMarker reports whether the overflow marker is intact.
func (s *Stack) CheckMarker() bool {
	return *(*uint64)(unsafe.Pointer(s.Top() - 8)) == StackMarker
}

// StackPool hands out task stacks against a byte budget.
type StackPool struct {
	lock sync.IrqSpinlock

	// live tracks outstanding stacks so double releases are caught.
	live map[*Stack]struct{}

	// budget of zero means unbounded.
	budget int
	used   int
}

// NewStackPool returns a pool limited to budget bytes of outstanding stack
// memory. A budget of zero disables the limit.
func NewStackPool(budget int) *StackPool {
	return &StackPool{
		live:   make(map[*Stack]struct{}),
		budget: budget,
	}
}

// Allocate returns a fresh stack of the given size, filled with the fill
// pattern and with the overflow marker in place. Exhausting the budget is
// unrecoverable: task creation has no caller that could back out halfway.
func (p *StackPool) Allocate(size int) *Stack {
	p.lock.Acquire()
	if p.budget != 0 && p.used+size > p.budget {
		p.lock.Release()
		kernel.Panic(errPoolExhausted)
	}

	s := &Stack{buf: make([]byte, size)}
	for i := range s.buf {
		s.buf[i] = StackFillByte
	}
	s.WriteMarker()

	p.live[s] = struct{}{}
	p.used += size
	p.lock.Release()

	return s
}

// Release returns a stack's bytes to the budget. Releasing a stack twice,
// or one from another pool, indicates scheduler state corruption.
func (p *StackPool) Release(s *Stack) {
	p.lock.Acquire()
	if _, ok := p.live[s]; !ok {
		p.lock.Release()
		if s == nil || s.buf == nil {
			kernel.Panic(errForeignStack)
		}
		kernel.Panic(errDoubleRelease)
	}
	delete(p.live, s)
	p.used -= s.Size()
	p.lock.Release()
}

// InUse returns the number of bytes currently handed out.
func (p *StackPool) InUse() int {
	p.lock.Acquire()
	used := p.used
	p.lock.Release()
	return used
}
