// Package ratelimit throttles outbound provider requests to a fixed quota
// per trailing time window. The provider enforces the quota over a sliding
// window, so a token bucket is not a faithful model: after a full burst the
// next slot opens only when the oldest issuance ages out of the window.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Limiter is a thread-safe sliding-window rate limiter.
type Limiter struct {
	maxRequests int
	period      time.Duration

	mu         sync.Mutex
	timestamps []time.Time

	// now is swappable for tests.
	now func() time.Time
}

// New creates a limiter allowing maxRequests issuances inside any trailing
// window of period.
func New(maxRequests int, period time.Duration) *Limiter {
	return &Limiter{
		maxRequests: maxRequests,
		period:      period,
		now:         time.Now,
	}
}

// Acquire blocks until issuing one more request would not exceed the quota,
// then records the issuance. It returns early with ctx.Err() if the context
// is cancelled while waiting. The window check and the append happen under
// one lock so concurrent callers cannot overshoot the quota.
func (l *Limiter) Acquire(ctx context.Context) error {
	for {
		l.mu.Lock()
		now := l.now()
		l.evict(now)

		if len(l.timestamps) < l.maxRequests {
			l.timestamps = append(l.timestamps, now)
			l.mu.Unlock()
			return nil
		}

		// Wait until the oldest issuance leaves the window.
		wait := l.period - now.Sub(l.timestamps[0])
		l.mu.Unlock()

		if wait <= 0 {
			continue
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// Available reports how many requests could be issued right now without
// blocking.
func (l *Limiter) Available() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.evict(l.now())
	return l.maxRequests - len(l.timestamps)
}

// Reset clears the issuance log.
func (l *Limiter) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.timestamps = l.timestamps[:0]
}

// evict drops timestamps older than the window. Caller holds l.mu.
func (l *Limiter) evict(now time.Time) {
	cutoff := now.Add(-l.period)
	i := 0
	for i < len(l.timestamps) && !l.timestamps[i].After(cutoff) {
		i++
	}
	if i > 0 {
		l.timestamps = append(l.timestamps[:0], l.timestamps[i:]...)
	}
}
