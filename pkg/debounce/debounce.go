// Package debounce provides a timer that collapses bursts of triggers into a
// single deferred call.
package debounce

import (
	"sync"
	"time"
)

// Timer owns a single pending call to fn. Re-arming before the timer fires
// pushes the deadline back instead of scheduling a second call.
type Timer struct {
	fn func()

	mu    sync.Mutex
	timer *time.Timer
	armed bool
	// gen invalidates callbacks of timers that were stopped too late to
	// prevent their goroutine from starting.
	gen uint64
}

// New creates an idle Timer that calls fn when it fires.
func New(fn func()) *Timer {
	return &Timer{fn: fn}
}

// Arm (re)starts the timer so that fn runs once d has elapsed without another
// call to Arm.
func (t *Timer) Arm(d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.timer != nil {
		t.timer.Stop()
	}
	t.gen++
	gen := t.gen
	t.armed = true
	t.timer = time.AfterFunc(d, func() { t.fire(gen) })
}

// Cancel disarms the timer. It reports whether a call was pending.
func (t *Timer) Cancel() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.disarmLocked()
}

// FireNow runs fn immediately on the calling goroutine if the timer is armed,
// and reports whether it did. The pending deadline is discarded.
func (t *Timer) FireNow() bool {
	t.mu.Lock()
	fired := t.disarmLocked()
	t.mu.Unlock()

	if fired {
		t.fn()
	}
	return fired
}

// Pending reports whether a call is scheduled.
func (t *Timer) Pending() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.armed
}

func (t *Timer) fire(gen uint64) {
	t.mu.Lock()
	if !t.armed || gen != t.gen {
		t.mu.Unlock()
		return
	}
	t.armed = false
	t.timer = nil
	t.mu.Unlock()

	t.fn()
}

func (t *Timer) disarmLocked() bool {
	if !t.armed {
		return false
	}
	t.armed = false
	t.gen++
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	return true
}
