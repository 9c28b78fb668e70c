// Package backoff provides delay schedules and a context-aware retry loop.
package backoff

import (
	"context"
	"math"
	"time"
)

// Config for exponential backoff. Zero values use defaults.
type Config struct {
	Initial time.Duration // default: 100ms
	Max     time.Duration // default: 5s
}

// Schedule returns the delay to wait before the given retry attempt (1-based).
type Schedule func(attempt int) time.Duration

// Exponential calculates exponential backoff for a given attempt.
// Attempt 1 returns initial, attempt 2 returns initial*2, etc.
func Exponential(attempt int, cfg *Config) time.Duration {
	initial := 100 * time.Millisecond
	maxBackoff := 5 * time.Second
	if cfg != nil {
		if cfg.Initial > 0 {
			initial = cfg.Initial
		}
		if cfg.Max > 0 {
			maxBackoff = cfg.Max
		}
	}

	if attempt < 1 {
		return initial
	}
	d := float64(initial) * math.Pow(2.0, float64(attempt-1))
	if d > float64(maxBackoff) {
		d = float64(maxBackoff)
	}
	return time.Duration(d)
}

// ExponentialSchedule adapts Exponential to a Schedule.
func ExponentialSchedule(cfg *Config) Schedule {
	return func(attempt int) time.Duration {
		return Exponential(attempt, cfg)
	}
}

// Constant returns a Schedule that always waits d.
func Constant(d time.Duration) Schedule {
	return func(int) time.Duration { return d }
}

// Retry calls fn until it succeeds, retries are exhausted, or retryable reports false.
// fn is called at most retries+1 times. A nil retryable retries every error.
// The last error is returned; context cancellation while waiting returns ctx.Err().
func Retry(ctx context.Context, retries int, schedule Schedule, retryable func(error) bool, fn func(ctx context.Context) error) error {
	if schedule == nil {
		schedule = ExponentialSchedule(nil)
	}

	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		if attempt > 0 {
			timer := time.NewTimer(schedule(attempt))
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if retryable != nil && !retryable(lastErr) {
			return lastErr
		}
	}
	return lastErr
}
