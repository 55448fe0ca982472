// Package fetch wraps upstream provider calls with rate limiting, a watchdog
// timeout, transient-error classification and bounded retry with backoff.
package fetch

import (
	"fmt"
	"math/rand"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/marketsync/internal/frame"
	"github.com/aristath/marketsync/internal/ratelimit"
)

// CallFunc performs one upstream call and returns its result frame.
type CallFunc func() (*frame.Frame, error)

// Config holds fetcher tuning.
type Config struct {
	MaxAttempts int           // Retry budget per call (default 5)
	BackoffBase time.Duration // First backoff sleep (default 1s)
	BackoffCap  time.Duration // Backoff ceiling (default 20s)
	Watchdog    time.Duration // Per-call hard timeout (default 45s)
}

func (c *Config) applyDefaults() {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = time.Second
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = 20 * time.Second
	}
	if c.Watchdog <= 0 {
		c.Watchdog = 45 * time.Second
	}
}

// Fetcher retries transient upstream failures. One fetcher is shared per sync
// run; the rate limiter it holds is the only cross-shard shared state.
type Fetcher struct {
	cfg     Config
	limiter *ratelimit.Limiter
	log     zerolog.Logger
	sleep   func(time.Duration)
}

// New creates a fetcher.
func New(cfg Config, limiter *ratelimit.Limiter, log zerolog.Logger) *Fetcher {
	cfg.applyDefaults()
	return &Fetcher{
		cfg:     cfg,
		limiter: limiter,
		log:     log.With().Str("component", "fetcher").Logger(),
		sleep:   time.Sleep,
	}
}

// Do runs one upstream call under the retry policy: acquire a rate-limit slot,
// run under the watchdog, retry transient failures with capped exponential
// backoff and jitter, and propagate fatal errors immediately.
func (f *Fetcher) Do(name string, call CallFunc) (*frame.Frame, error) {
	var lastErr error
	for attempt := 1; attempt <= f.cfg.MaxAttempts; attempt++ {
		if f.limiter != nil {
			f.limiter.Acquire()
		}

		result, err := f.runWithWatchdog(call)
		if err == nil {
			return result, nil
		}
		if !IsTransient(err) {
			return nil, fmt.Errorf("%s failed: %w", name, err)
		}
		lastErr = err

		if attempt < f.cfg.MaxAttempts {
			wait := f.backoff(attempt)
			f.log.Warn().
				Err(err).
				Str("call", name).
				Int("attempt", attempt).
				Dur("wait", wait).
				Msg("Transient upstream failure, retrying")
			f.sleep(wait)
		}
	}
	return nil, fmt.Errorf("%s failed after %d attempts: %w", name, f.cfg.MaxAttempts, lastErr)
}

// runWithWatchdog executes the call with a hard deadline. On timeout the call
// goroutine is abandoned (its result discarded) — the upstreams have been
// observed to hang a connection forever, and there is no way to interrupt a
// blocked SDK call from outside.
func (f *Fetcher) runWithWatchdog(call CallFunc) (*frame.Frame, error) {
	type outcome struct {
		result *frame.Frame
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		result, err := call()
		done <- outcome{result, err}
	}()

	timer := time.NewTimer(f.cfg.Watchdog)
	defer timer.Stop()

	select {
	case out := <-done:
		return out.result, out.err
	case <-timer.C:
		return nil, fmt.Errorf("%w (%s)", ErrWatchdogTimeout, f.cfg.Watchdog)
	}
}

// backoff computes the sleep before retry n (1-based): exponential growth from
// the base, capped, with up to 25% random jitter to avoid thundering herd.
func (f *Fetcher) backoff(attempt int) time.Duration {
	wait := f.cfg.BackoffBase << uint(attempt-1)
	if wait > f.cfg.BackoffCap || wait <= 0 {
		wait = f.cfg.BackoffCap
	}
	jitter := time.Duration(rand.Int63n(int64(wait)/4 + 1))
	return wait + jitter
}

// PagedCallFunc performs one page of a row-capped upstream call.
type PagedCallFunc func(limit, offset int) (*frame.Frame, error)

// DoPaged drives (limit, offset) pagination until a page comes back shorter
// than the cap, concatenating results. An empty first page means no data, not
// an error.
func (f *Fetcher) DoPaged(name string, limit int, call PagedCallFunc) (*frame.Frame, error) {
	out := &frame.Frame{}
	offset := 0
	for {
		page, err := f.Do(fmt.Sprintf("%s[offset=%d]", name, offset), func() (*frame.Frame, error) {
			return call(limit, offset)
		})
		if err != nil {
			return nil, err
		}
		if page.IsEmpty() {
			break
		}
		out.Append(page)
		if page.Len() < limit {
			break
		}
		offset += limit
	}
	return out, nil
}
