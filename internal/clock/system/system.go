// Package system provides the wall clock used outside tests.
package system

import "time"

// Clock implements corpus.Clock using time.Now truncated to microseconds,
// the resolution Postgres timestamptz round-trips without loss.
type Clock struct{}

// New creates a new Clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current UTC time.
func (Clock) Now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}
