package scheduler

import (
	"sync"
	"time"
)

// Backoff delays scheduled runs after consecutive failures. A run that failed
// because the keys ran out or the API refused them would fail the same way on
// the next tick, so the schedule is stretched exponentially until one succeeds.
type Backoff struct {
	failures int
	lastFail time.Time
	mu       sync.RWMutex

	maxRetries     int           // doublings before the delay stops growing
	baseDelay      time.Duration // delay after the first failure
	maxDelay       time.Duration
	resetThreshold time.Duration // a failure older than this is forgotten
	now            func() time.Time
}

// NewBackoff creates a backoff starting at base and capped at max
func NewBackoff(base, max time.Duration) *Backoff {
	if base <= 0 {
		base = time.Minute
	}
	if max < base {
		max = base
	}
	return &Backoff{
		maxRetries:     10,
		baseDelay:      base,
		maxDelay:       max,
		resetThreshold: 24 * time.Hour,
		now:            time.Now,
	}
}

// RecordSuccess clears the failure streak
func (b *Backoff) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures = 0
	b.lastFail = time.Time{}
}

// RecordFailure extends the failure streak
func (b *Backoff) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	b.lastFail = b.now()
}

// Delay returns how long to wait after the last failure: base * 2^(failures-1), capped
func (b *Backoff) Delay() time.Duration {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.failures == 0 {
		return 0
	}
	if b.now().Sub(b.lastFail) > b.resetThreshold {
		return 0
	}

	delay := b.baseDelay
	for i := 0; i < b.failures-1 && i < b.maxRetries; i++ {
		delay *= 2
		if delay > b.maxDelay {
			return b.maxDelay
		}
	}
	return delay
}

// ShouldRun reports whether a scheduled run may start now
func (b *Backoff) ShouldRun() bool {
	delay := b.Delay()
	if delay == 0 {
		return true
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.now().Sub(b.lastFail) >= delay
}

// Failures returns the current failure streak
func (b *Backoff) Failures() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.failures
}
