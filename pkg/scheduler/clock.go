package scheduler

import "time"

// Clock is the time source of a [Context]. Tests substitute a manual clock
// (see package schedulertest) to drive wake timers deterministically.
type Clock interface {
	// Now returns the current time. Successive values must be monotonic.
	Now() time.Time

	// AfterFunc calls f on its own goroutine once d has elapsed. It must not
	// call f synchronously.
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is a pending AfterFunc call.
type Timer interface {
	// Stop prevents the call if it has not fired yet and reports whether it
	// did so.
	Stop() bool
}

// SystemClock is the wall clock.
type SystemClock struct{}

// Now implements [Clock].
func (SystemClock) Now() time.Time { return time.Now() }

// AfterFunc implements [Clock].
func (SystemClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}
