// Package scheduler implements the external scheduler contract of
// spec.md §6: add_now, add_delayed(duration), cancel(task). CADET's
// tunnel and channel state machines never call time.AfterFunc directly;
// every delayed action (KX resend, deferred destroy, session reconnect)
// goes through this package so it can be swept or cancelled uniformly.
// The ratchet deadline is not scheduled: the Axolotl state compares the
// clock against it on each send.
package scheduler

import (
	"sync"
	"time"
)

// Task is a cancel-handle for a scheduled function.
type Task struct {
	mu      sync.Mutex
	timer   *time.Timer
	fired   bool
	stopped bool
}

// Cancel prevents a pending task from firing. Cancelling a task that has
// already fired, or was already cancelled, is a no-op, matching spec.md
// §5's "cancel(task)" idempotence.
func (t *Task) Cancel() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped || t.fired {
		return
	}
	t.stopped = true
	if t.timer != nil {
		t.timer.Stop()
	}
}

func (t *Task) markFired() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return false
	}
	t.fired = true
	return true
}

// Scheduler runs callbacks immediately or after a delay, on their own
// goroutine, the way GNUnet's scheduler dispatches continuations from
// its event loop.
type Scheduler struct{}

// New returns a Scheduler. There is no shared state to own; it exists
// mainly to give callers a named collaborator to mock in tests.
func New() *Scheduler {
	return &Scheduler{}
}

// AddNow runs fn on a new goroutine and returns a handle that can still
// be cancelled in the (narrow) race before fn starts running.
func (s *Scheduler) AddNow(fn func()) *Task {
	return s.AddDelayed(0, fn)
}

// AddDelayed runs fn after d elapses, unless the returned Task is
// cancelled first.
func (s *Scheduler) AddDelayed(d time.Duration, fn func()) *Task {
	t := &Task{}
	t.timer = time.AfterFunc(d, func() {
		if t.markFired() {
			fn()
		}
	})
	return t
}
