package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock drives a limiter deterministically: sleep advances the clock
// instead of blocking.
type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) sleep(d time.Duration)   { c.t = c.t.Add(d) }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestLimiter(maxCalls int, window time.Duration) (*Limiter, *fakeClock) {
	clock := &fakeClock{t: time.Date(2024, 1, 10, 9, 0, 0, 0, time.UTC)}
	l := NewWithWindow(maxCalls, window)
	l.now = clock.now
	l.sleep = clock.sleep
	return l, clock
}

func TestAcquire_UnderCapDoesNotBlock(t *testing.T) {
	l, clock := newTestLimiter(3, time.Minute)
	before := clock.t

	for i := 0; i < 3; i++ {
		l.Acquire()
	}

	assert.Equal(t, before, clock.t, "no sleep expected under the cap")
	assert.Equal(t, 3, l.InWindow())
}

func TestAcquire_BlocksUntilSlotFrees(t *testing.T) {
	l, clock := newTestLimiter(2, time.Minute)
	start := clock.t

	l.Acquire()
	clock.advance(10 * time.Second)
	l.Acquire()

	// Both slots taken; the third call must wait until the first stamp ages
	// out of the window.
	l.Acquire()

	require.True(t, clock.t.After(start.Add(time.Minute)),
		"third acquire should have slept past the oldest stamp's expiry, clock at %v", clock.t)
	assert.Equal(t, 2, l.InWindow())
}

func TestAcquire_EvictionFreesSlots(t *testing.T) {
	l, clock := newTestLimiter(2, time.Minute)

	l.Acquire()
	l.Acquire()
	assert.Equal(t, 2, l.InWindow())

	clock.advance(61 * time.Second)
	assert.Equal(t, 0, l.InWindow())

	before := clock.t
	l.Acquire()
	assert.Equal(t, before, clock.t, "expired stamps must not cause a sleep")
	assert.Equal(t, 1, l.InWindow())
}

func TestAcquire_Disabled(t *testing.T) {
	l, clock := newTestLimiter(0, time.Minute)
	before := clock.t

	for i := 0; i < 100; i++ {
		l.Acquire()
	}

	assert.Equal(t, before, clock.t)
	assert.Equal(t, 0, l.InWindow())
}

func TestInWindow_CountsOnlyRecent(t *testing.T) {
	l, clock := newTestLimiter(10, time.Minute)

	l.Acquire()
	clock.advance(30 * time.Second)
	l.Acquire()
	clock.advance(40 * time.Second)

	// First stamp is 70s old, second 40s old.
	assert.Equal(t, 1, l.InWindow())
}
