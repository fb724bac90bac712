// Package sync provides the spinlock used for short critical sections that
// must never sleep, such as the physical page pool bitmaps.
package sync

import (
	"runtime"

	"gvisor.dev/gvisor/pkg/atomicbitops"
)

// attemptsBeforeYielding is the number of failed acquisition attempts after
// which a spinning task yields the processor.
const attemptsBeforeYielding = 64

var (
	// yieldFn is invoked by spinning tasks every attemptsBeforeYielding
	// failed attempts.
	yieldFn = runtime.Gosched
)

// Spinlock implements a lock where each task trying to acquire it busy-waits
// till the lock becomes available.
type Spinlock struct {
	state atomicbitops.Uint32
}

// Acquire blocks until the lock can be acquired by the currently active task.
// Any attempt to re-acquire a lock already held by the current task will cause
// a deadlock.
func (l *Spinlock) Acquire() {
	for attempt := uint32(1); ; attempt++ {
		if l.state.Load() == 0 && l.state.CompareAndSwap(0, 1) {
			return
		}

		if attempt%attemptsBeforeYielding == 0 {
			yieldFn()
		}
	}
}

// TryToAcquire attempts to acquire the lock and returns true if the lock could
// be acquired or false otherwise.
func (l *Spinlock) TryToAcquire() bool {
	return l.state.Swap(1) == 0
}

// Release relinquishes a held lock allowing other tasks to acquire it. Calling
// Release while the lock is free has no effect.
func (l *Spinlock) Release() {
	l.state.Store(0)
}
