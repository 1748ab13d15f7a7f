package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Limiter gates calls to an upstream.
type Limiter interface {
	Wait(ctx context.Context) error
}

// MinInterval enforces a minimum time between calls.
// Concurrent callers wait until the interval has elapsed since the last call,
// or return early if the context is canceled.
type MinInterval struct {
	Interval time.Duration
	mu       sync.Mutex
	last     time.Time
}

// Wait blocks until the next call is allowed and reserves it.
func (m *MinInterval) Wait(ctx context.Context) error {
	if m.Interval <= 0 {
		return nil
	}
	for {
		m.mu.Lock()
		wait := time.Until(m.last.Add(m.Interval))
		if wait <= 0 {
			m.last = time.Now()
			m.mu.Unlock()
			return nil
		}
		m.mu.Unlock()
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

// PerMinute builds the limiter for a requests-per-minute budget: a token
// bucket when rpm is set, otherwise a min-interval gate, otherwise nil.
func PerMinute(rpm, burst, minIntervalSec int) Limiter {
	if rpm > 0 {
		if burst <= 0 {
			burst = 1
		}
		return NewTokenBucket(float64(rpm)/60.0, burst)
	}
	if minIntervalSec > 0 {
		return &MinInterval{Interval: time.Duration(minIntervalSec) * time.Second}
	}
	return nil
}
