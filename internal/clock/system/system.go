// Package system provides clocks for stamping records.
package system

import "time"

// Clock implements crawler.Clock using time.Now.
type Clock struct{}

// New creates a new Clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current time in UTC.
func (Clock) Now() time.Time {
	return time.Now().UTC()
}

// Fixed is a clock that always reports the same instant.
type Fixed struct {
	T time.Time
}

// Now returns f.T.
func (f Fixed) Now() time.Time {
	return f.T
}
