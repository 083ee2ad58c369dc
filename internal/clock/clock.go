// Package clock abstracts time so scheduling logic can run against a
// virtual clock in tests.
package clock

import "time"

// Clock is the time capability injected into every timing-sensitive component.
type Clock interface {
	Now() time.Time
	// AfterFunc calls f in its own goroutine (Real) or synchronously from
	// Advance (Virtual) once d has elapsed.
	AfterFunc(d time.Duration, f func()) Timer
	// After returns a channel that receives the time once d has elapsed.
	After(d time.Duration) <-chan time.Time
}

// Timer is a cancellable pending call.
type Timer interface {
	// Stop prevents the timer from firing. It returns false if the timer
	// already fired or was stopped.
	Stop() bool
}

// Real is the wall clock.
type Real struct{}

// New returns the wall clock.
func New() Clock { return Real{} }

func (Real) Now() time.Time { return time.Now() }

func (Real) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

func (Real) After(d time.Duration) <-chan time.Time { return time.After(d) }

// Since is clock-aware time.Since.
func Since(c Clock, t time.Time) time.Duration {
	return c.Now().Sub(t)
}

// Until is clock-aware time.Until.
func Until(c Clock, t time.Time) time.Duration {
	return t.Sub(c.Now())
}
