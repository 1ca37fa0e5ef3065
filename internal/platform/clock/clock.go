package clock

import "time"

// Clock allows deterministic time behavior in tests and rollback flows.
type Clock interface {
	Now() time.Time
}

type RealClock struct{}

func (RealClock) Now() time.Time {
	return time.Now().UTC()
}

// Fixed returns the same instant on every call. Used by tests that assert
// on audit timestamps and snapshot batch instants.
type Fixed struct {
	At time.Time
}

func (f Fixed) Now() time.Time {
	return f.At.UTC()
}
