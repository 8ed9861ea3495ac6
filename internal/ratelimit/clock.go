package ratelimit

import "time"

// Clock abstracts wall time so bucket behavior is deterministic in tests.
type Clock interface {
	Now() time.Time
}

type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }
