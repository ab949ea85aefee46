package chain

import "time"

// Clock supplies commit timestamps.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock.
type SystemClock struct{}

// Now returns the current time.
func (SystemClock) Now() time.Time {
	return time.Now()
}

// stamp normalizes a clock reading for hashing: UTC, monotonic reading
// stripped so that the value round-trips through storage unchanged.
func stamp(c Clock) time.Time {
	return c.Now().UTC().Round(0)
}
