// Package testutil provides polling helpers for tests that observe
// asynchronous work such as pipeline runs and webhook deliveries.
package testutil

import (
	"sync/atomic"
	"testing"
	"time"
)

// WaitOptions configures the polling helpers.
type WaitOptions struct {
	Timeout  time.Duration
	Interval time.Duration
	What     string // described in the failure message
}

// WaitOption is a functional option for the polling helpers.
type WaitOption func(*WaitOptions)

// WithTimeout sets the maximum wait time (default: 30s).
func WithTimeout(d time.Duration) WaitOption {
	return func(o *WaitOptions) { o.Timeout = d }
}

// WithInterval sets the polling interval (default: 100ms).
func WithInterval(d time.Duration) WaitOption {
	return func(o *WaitOptions) { o.Interval = d }
}

// Describe names what is being waited for, e.g. "job to complete".
func Describe(what string) WaitOption {
	return func(o *WaitOptions) { o.What = what }
}

func resolve(opts []WaitOption) WaitOptions {
	o := WaitOptions{
		Timeout:  30 * time.Second,
		Interval: 100 * time.Millisecond,
		What:     "condition",
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WaitFor polls condition until it holds or the timeout passes. The
// condition is always evaluated at least once and once more at the deadline.
func WaitFor(tb testing.TB, condition func() bool, opts ...WaitOption) bool {
	tb.Helper()
	return poll(condition, resolve(opts))
}

func poll(condition func() bool, o WaitOptions) bool {
	if condition() {
		return true
	}
	deadline := time.NewTimer(o.Timeout)
	defer deadline.Stop()
	tick := time.NewTicker(o.Interval)
	defer tick.Stop()

	for {
		select {
		case <-tick.C:
			if condition() {
				return true
			}
		case <-deadline.C:
			return condition()
		}
	}
}

// MustWaitFor is WaitFor that fails the test on timeout.
func MustWaitFor(tb testing.TB, condition func() bool, opts ...WaitOption) {
	tb.Helper()
	o := resolve(opts)
	if !poll(condition, o) {
		tb.Fatalf("timed out after %s waiting for %s", o.Timeout, o.What)
	}
}

// WaitForCount polls until counter reaches target.
func WaitForCount(tb testing.TB, counter *atomic.Int64, target int64, opts ...WaitOption) bool {
	tb.Helper()
	return WaitFor(tb, func() bool { return counter.Load() >= target }, opts...)
}

// MustWaitForCount is WaitForCount that fails the test on timeout.
func MustWaitForCount(tb testing.TB, counter *atomic.Int64, target int64, opts ...WaitOption) {
	tb.Helper()
	o := resolve(opts)
	if !poll(func() bool { return counter.Load() >= target }, o) {
		tb.Fatalf("timed out after %s waiting for %s: count %d, want %d", o.Timeout, o.What, counter.Load(), target)
	}
}

// Receive returns the next value from ch or fails the test on timeout.
// Only the timeout option applies.
func Receive[T any](tb testing.TB, ch <-chan T, opts ...WaitOption) T {
	tb.Helper()
	o := resolve(opts)
	select {
	case v := <-ch:
		return v
	case <-time.After(o.Timeout):
		tb.Fatalf("timed out after %s waiting for %s", o.Timeout, o.What)
		var zero T
		return zero
	}
}
