package clock

import (
	"sync"
	"time"
)

// Clock abstracts the current time so stored instants are reproducible in tests.
type Clock interface {
	Now() time.Time
}

// NewUTCClock returns the system clock, always in UTC.
func NewUTCClock() Clock {
	return utcClock{}
}

type utcClock struct{}

func (utcClock) Now() time.Time {
	return time.Now().UTC()
}

// FixedClock is a manually driven clock for tests.
type FixedClock struct {
	mu      sync.Mutex
	current time.Time
}

func NewFixedClock(start time.Time) *FixedClock {
	return &FixedClock{current: start.UTC()}
}

func (c *FixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Advance moves the clock forward by d.
func (c *FixedClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.current = c.current.Add(d)
	c.mu.Unlock()
}
