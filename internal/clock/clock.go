// Package clock provides an injectable time source so that retry timers and
// second-factor code generation can be driven deterministically in tests.
//
// Production code uses Real(). Tests use Fake() and call Advance to fire
// pending timers in deadline order.
package clock

import "time"

// Clock abstracts the time operations used by the session core.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// AfterFunc calls f in its own goroutine (real) or synchronously
	// during Advance (fake) once d has elapsed.
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is a cancellable one-shot scheduled call.
type Timer interface {
	// Stop prevents the call from running. It reports whether the call was
	// stopped; stopping a fired or already stopped timer returns false.
	Stop() bool
}

// Real returns a Clock backed by the time package.
func Real() Clock {
	return realClock{}
}

type realClock struct{}

func (realClock) Now() time.Time {
	return time.Now()
}

func (realClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}
