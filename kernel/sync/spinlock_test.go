package sync

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestSpinlock(t *testing.T) {
	var yields uint32
	defer func(origYieldFn func()) { yieldFn = origYieldFn }(yieldFn)
	origYield := yieldFn
	yieldFn = func() {
		atomic.AddUint32(&yields, 1)
		origYield()
	}

	var (
		sl         Spinlock
		wg         sync.WaitGroup
		numWorkers = 10
		counter    int
	)

	sl.Acquire()

	if sl.TryToAcquire() != false {
		t.Error("expected TryToAcquire to return false when lock is held")
	}

	wg.Add(numWorkers)
	for i := 0; i < numWorkers; i++ {
		go func(worker int) {
			sl.Acquire()
			counter++
			sl.Release()
			wg.Done()
		}(i)
	}

	<-time.After(100 * time.Millisecond)
	sl.Release()
	wg.Wait()

	if counter != numWorkers {
		t.Fatalf("expected %d increments; got %d", numWorkers, counter)
	}

	if atomic.LoadUint32(&yields) == 0 {
		t.Fatal("expected spinning workers to yield while the lock was held")
	}

	if !sl.TryToAcquire() {
		t.Fatal("expected TryToAcquire to succeed on a free lock")
	}
	sl.Release()
}
