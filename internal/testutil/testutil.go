// Package testutil holds small helpers shared by walkie's tests.
package testutil

import (
	"testing"
	"time"
)

const (
	DefaultMaxFuzzBytes = 1 << 16
	DefaultWait         = 5 * time.Second
)

// CapBytes truncates fuzz inputs so a single case stays cheap.
func CapBytes(b []byte, max int) []byte {
	if max <= 0 {
		return b
	}
	if len(b) > max {
		return b[:max]
	}
	return b
}

// WithTimeout runs fn and fails the test if it has not returned after d.
func WithTimeout(t testing.TB, d time.Duration, fn func()) {
	t.Helper()
	if d <= 0 {
		d = DefaultWait
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		fn()
	}()
	select {
	case <-done:
	case <-time.After(d):
		t.Fatalf("timeout after %s", d)
	}
}

// Recv returns the next value from ch, failing the test after d.
func Recv[T any](t testing.TB, ch <-chan T, d time.Duration) T {
	t.Helper()
	if d <= 0 {
		d = DefaultWait
	}
	select {
	case v := <-ch:
		return v
	case <-time.After(d):
		var zero T
		t.Fatalf("nothing received after %s", d)
		return zero
	}
}
