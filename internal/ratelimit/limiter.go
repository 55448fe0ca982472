// Package ratelimit provides the per-process sliding-window limiter shared by
// all upstream provider calls.
package ratelimit

import (
	"sync"
	"time"
)

// Limiter caps completed acquisitions to at most maxCalls within any trailing
// window. Acquire blocks the calling goroutine until a slot frees; there is no
// cancellation — callers that must abort do so at process level.
type Limiter struct {
	mu       sync.Mutex
	maxCalls int
	window   time.Duration
	stamps   []time.Time
	now      func() time.Time
	sleep    func(time.Duration)
}

// New creates a limiter with a 60-second window. maxCalls <= 0 disables
// limiting.
func New(maxCalls int) *Limiter {
	return NewWithWindow(maxCalls, time.Minute)
}

// NewWithWindow creates a limiter with an explicit window. Used by tests to
// shrink the window.
func NewWithWindow(maxCalls int, window time.Duration) *Limiter {
	return &Limiter{
		maxCalls: maxCalls,
		window:   window,
		now:      time.Now,
		sleep:    time.Sleep,
	}
}

// Acquire blocks until a call slot is available, then records the call.
func (l *Limiter) Acquire() {
	if l.maxCalls <= 0 {
		return
	}
	for {
		l.mu.Lock()
		now := l.now()
		cutoff := now.Add(-l.window)

		// Evict timestamps that fell out of the window.
		i := 0
		for i < len(l.stamps) && !l.stamps[i].After(cutoff) {
			i++
		}
		if i > 0 {
			l.stamps = append(l.stamps[:0], l.stamps[i:]...)
		}

		if len(l.stamps) < l.maxCalls {
			l.stamps = append(l.stamps, now)
			l.mu.Unlock()
			return
		}

		// Sleep until the oldest stamp ages out, plus a small buffer so the
		// re-check doesn't race the boundary.
		wait := l.stamps[0].Add(l.window).Sub(now) + 20*time.Millisecond
		l.mu.Unlock()
		if wait > 0 {
			l.sleep(wait)
		}
	}
}

// InWindow returns how many acquisitions are currently inside the window.
// Used by the ops status endpoint.
func (l *Limiter) InWindow() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	cutoff := l.now().Add(-l.window)
	n := 0
	for _, ts := range l.stamps {
		if ts.After(cutoff) {
			n++
		}
	}
	return n
}
