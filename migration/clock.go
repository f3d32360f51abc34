package migration

import "time"

// Clock is injected into every migration task so tests can drive time
// deterministically instead of sleeping on a wall clock.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
	Sleep(d time.Duration)
}

// realClock is the production Clock, a thin pass-through to the time
// package.
type realClock struct{}

// RealClock is the Clock every non-test caller should use.
var RealClock Clock = realClock{}

func (realClock) Now() time.Time                       { return time.Now() }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }
func (realClock) Sleep(d time.Duration)                 { time.Sleep(d) }
