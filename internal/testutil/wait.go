// Package testutil provides polling helpers for asynchronous tests.
package testutil

import (
	"testing"
	"time"
)

type waitOptions struct {
	timeout  time.Duration
	interval time.Duration
}

// WaitOption adjusts WaitFor behavior.
type WaitOption func(*waitOptions)

// WithTimeout sets the maximum wait time (default: 5s).
func WithTimeout(d time.Duration) WaitOption {
	return func(o *waitOptions) {
		o.timeout = d
	}
}

// WithInterval sets the polling interval (default: 10ms).
func WithInterval(d time.Duration) WaitOption {
	return func(o *waitOptions) {
		o.interval = d
	}
}

// WaitFor polls until condition returns true or the timeout elapses.
// Returns true if the condition was met.
func WaitFor(tb testing.TB, condition func() bool, opts ...WaitOption) bool {
	tb.Helper()

	o := waitOptions{
		timeout:  5 * time.Second,
		interval: 10 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(&o)
	}

	deadline := time.Now().Add(o.timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return true
		}
		time.Sleep(o.interval)
	}
	return false
}

// MustWaitFor polls until condition returns true or fails the test on timeout.
func MustWaitFor(tb testing.TB, condition func() bool, opts ...WaitOption) {
	tb.Helper()
	if !WaitFor(tb, condition, opts...) {
		tb.Fatal("timed out waiting for condition")
	}
}
