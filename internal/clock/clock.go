// Package clock supplies the monotonic time source shared by every liveness
// comparison. Readings from Real carry Go's monotonic clock, so intervals
// computed with Sub are immune to wall-clock steps.
package clock

import (
	"sync"
	"time"
)

// Clock reports the current instant.
type Clock interface {
	Now() time.Time
}

// Real reads the process clock.
type Real struct{}

func (Real) Now() time.Time {
	return time.Now()
}

// Manual is a clock that only moves when told to. Safe for concurrent use.
type Manual struct {
	mu  sync.Mutex
	now time.Time
}

// NewManual returns a manual clock positioned at start.
func NewManual(start time.Time) *Manual {
	return &Manual{now: start}
}

func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Advance moves the clock forward by d and returns the new reading.
func (m *Manual) Advance(d time.Duration) time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
	return m.now
}

// Set positions the clock at t. Moving backwards is ignored.
func (m *Manual) Set(t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t.After(m.now) {
		m.now = t
	}
}

// Elapsed returns the monotonic nanoseconds between epoch and now, clamped at zero.
func Elapsed(c Clock, epoch time.Time) uint64 {
	d := c.Now().Sub(epoch)
	if d < 0 {
		return 0
	}
	return uint64(d)
}
