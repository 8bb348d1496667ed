package ioruntime

import (
	"context"
	"sync"
	"time"
)

// Timer is a rearmable one-shot-or-periodic async timer. Reset arms (or
// rearms) it; Wait resolves once per expiry; Clear disarms it without
// waking any waiter early.
type Timer struct {
	mu     sync.Mutex
	timer  *time.Timer
	ticker *time.Ticker
	fire   chan struct{}
	armed  bool
}

// NewTimer returns a disarmed Timer.
func NewTimer() *Timer {
	return &Timer{fire: make(chan struct{}, 1)}
}

// Reset arms the timer to fire after d. If period is non-zero the timer
// rearms itself every period after the first expiry; otherwise it is a
// one-shot and Reset must be called again to rearm it.
func (t *Timer) Reset(d time.Duration, period time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopLocked()

	if period > 0 {
		// Emulate an initial delay of d followed by a steady period by
		// using a plain timer for the first tick and handing off to a
		// ticker afterwards.
		t.timer = time.AfterFunc(d, func() {
			t.mu.Lock()
			ticker := time.NewTicker(period)
			t.ticker = ticker
			t.mu.Unlock()
			t.notify()
			for range ticker.C {
				t.notify()
			}
		})
	} else {
		t.timer = time.AfterFunc(d, t.notify)
	}
	t.armed = true
}

func (t *Timer) notify() {
	select {
	case t.fire <- struct{}{}:
	default:
		// A pending expiry has not yet been consumed; coalesce.
	}
}

// Wait blocks until the timer fires once, or ctx is done.
func (t *Timer) Wait(ctx context.Context) error {
	select {
	case <-t.fire:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Clear disarms the timer. A fire already queued but not yet observed by
// Wait is discarded.
func (t *Timer) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopLocked()
	select {
	case <-t.fire:
	default:
	}
}

func (t *Timer) stopLocked() {
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	if t.ticker != nil {
		t.ticker.Stop()
		t.ticker = nil
	}
	t.armed = false
}

// Armed reports whether the timer has been set by Reset and not since
// cleared by Clear. A one-shot timer that has already fired still
// reports true until Clear is called.
func (t *Timer) Armed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.armed
}
