// Package clock provides an injectable time source so lifecycle logic stays deterministic in tests.
package clock

import (
	"sync"
	"time"
)

// Clock is the time source threaded through every time-sensitive operation.
type Clock interface {
	// Now returns the current time in UTC.
	Now() time.Time
}

// System is the wall clock used in production.
type System struct{}

// Now returns the current wall-clock time in UTC.
func (System) Now() time.Time { return time.Now().UTC() }

// Manual is a test clock that only moves when advanced.
type Manual struct {
	mu  sync.Mutex
	now time.Time
}

// NewManual returns a manual clock pinned to the given instant.
func NewManual(now time.Time) *Manual {
	return &Manual{now: now.UTC()}
}

// Now returns the pinned instant.
func (c *Manual) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *Manual) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}
