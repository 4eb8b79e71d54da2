// Package clock provides the monotonic time source for lease bookkeeping.
// Lease age must never jump with wall-clock adjustments, so everything is
// expressed as elapsed time since the clock was created. The source is an
// interface so tests can drive lease expiry deterministically.
package clock

import (
	"sync/atomic"
	"time"
)

// Clock yields monotonic elapsed time.
type Clock interface {
	// Elapsed returns the time passed since the clock was created. It is
	// strictly non-decreasing.
	Elapsed() time.Duration
}

// --------------------------------------------------------------------------
// System clock
// --------------------------------------------------------------------------

type systemClock struct {
	start time.Time
}

// New creates a Clock backed by the runtime's monotonic reading.
func New() Clock {
	return &systemClock{start: time.Now()}
}

func (c *systemClock) Elapsed() time.Duration {
	return time.Since(c.start)
}

// --------------------------------------------------------------------------
// Manual clock (tests)
// --------------------------------------------------------------------------

// Manual is a Clock that only moves when told to. Safe for concurrent use.
type Manual struct {
	elapsed atomic.Int64
}

// NewManual creates a Manual clock at zero.
func NewManual() *Manual {
	return &Manual{}
}

func (c *Manual) Elapsed() time.Duration {
	return time.Duration(c.elapsed.Load())
}

// Advance moves the clock forward by d.
func (c *Manual) Advance(d time.Duration) {
	c.elapsed.Add(int64(d))
}
