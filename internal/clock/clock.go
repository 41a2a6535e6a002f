package clock

import "time"

// Clock is the source of wall time for components that make time-based
// decisions (breaker cool-down, outbox scheduling, watermarks, job retention).
type Clock interface {
	Now() time.Time
}

// Real reads the system clock.
type Real struct{}

// Now returns time.Now in UTC.
func (Real) Now() time.Time {
	return time.Now().UTC()
}
