// Package system provides the wall clock used for processing timestamps and
// archive partitioning.
package system

import "time"

// Clock implements catalog.Clock. All readings are UTC so archive partitions
// do not depend on the host time zone.
type Clock struct{}

// New creates a new Clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current UTC time.
func (Clock) Now() time.Time {
	return time.Now().UTC()
}
