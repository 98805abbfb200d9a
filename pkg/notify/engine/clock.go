package engine

import "time"

// Clock is injected so the watch reconnect policy (spec §4.1 "Watch
// reconnect policy") can be driven deterministically in tests, the way the
// teacher injects *time.Ticker-producing hooks rather than calling
// time.Now() directly inside business logic.
type Clock interface {
	Now() time.Time
}

// RealClock is the default Clock, delegating to the standard library.
type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }
