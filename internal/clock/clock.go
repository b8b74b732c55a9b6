// Package clock adapts github.com/derision-test/glock's Clock so the rest
// of the module depends on one narrow interface instead of time.Now
// directly, letting reaper sweeps, backoff math, and heartbeat timing be
// driven deterministically from tests via glock.NewMockClock.
package clock

import (
	"time"

	"github.com/derision-test/glock"
)

// Clock is the subset of glock.Clock the core components use.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
	Sleep(d time.Duration)
}

// New returns the real wall clock.
func New() Clock {
	return glock.NewRealClock()
}

// NowUTC truncates a clock reading to whole-second UTC, the precision the
// store persists (spec requires second-precision ISO-8601 timestamps).
func NowUTC(c Clock) time.Time {
	return c.Now().UTC().Truncate(time.Second)
}
