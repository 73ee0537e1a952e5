// Package system is the wall-clock implementation of crawl.Clock used by
// the running engine; tests substitute fakes.
package system

import "time"

// Clock reads the system clock.
type Clock struct{}

// New returns a wall clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current UTC time. All engine timestamps are UTC.
func (Clock) Now() time.Time {
	return time.Now().UTC()
}
