package timeutil

import (
	"sync"
	"time"
)

// PeriodicTask runs a callback at a fixed interval on its own goroutine.
// Start and Stop may be called from any goroutine. Stop is synchronous: it
// returns only after the run loop has exited, which guarantees that no tick
// callback fires after Stop returns. A stopped task can be restarted.
type PeriodicTask struct {
	clock    Clock
	interval time.Duration
	fn       func(now time.Time)

	mu   sync.Mutex
	stop chan struct{}
	done chan struct{}
}

// NewPeriodicTask creates a task that invokes fn every interval once started.
func NewPeriodicTask(clock Clock, interval time.Duration, fn func(now time.Time)) *PeriodicTask {
	return &PeriodicTask{
		clock:    clock,
		interval: interval,
		fn:       fn,
	}
}

// Start launches the run loop. Calling Start on a running task is a no-op.
func (t *PeriodicTask) Start() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stop != nil {
		return
	}

	t.stop = make(chan struct{})
	t.done = make(chan struct{})

	go t.run(t.stop, t.done)
}

func (t *PeriodicTask) run(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := t.clock.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case now := <-ticker.C():
			t.fn(now)
		case <-stop:
			return
		}
	}
}

// Stop cancels the run loop and waits for it to exit. Calling Stop on a
// task that is not running is a no-op.
func (t *PeriodicTask) Stop() {
	t.mu.Lock()
	stop, done := t.stop, t.done
	t.stop, t.done = nil, nil
	t.mu.Unlock()

	if stop == nil {
		return
	}
	close(stop)
	<-done
}

// Running reports whether the task currently has an active run loop.
func (t *PeriodicTask) Running() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stop != nil
}
