// Package clock provides the millisecond counter every timing decision reads.
//
// A Clock has exactly one writer (the ticker started by Run, or a test) and
// any number of readers, so the value lives in an atomic cell.
package clock

import (
	"context"
	"sync/atomic"
	"time"
)

// Clock is a monotonically advancing millisecond counter.
type Clock struct {
	ms atomic.Int64
}

// New returns a clock reading zero.
func New() *Clock {
	return &Clock{}
}

// Now returns the current reading in milliseconds.
func (c *Clock) Now() int64 {
	return c.ms.Load()
}

// Set moves the clock to ms. Values behind the current reading are ignored
// so the clock never runs backwards.
func (c *Clock) Set(ms int64) {
	for {
		cur := c.ms.Load()
		if ms <= cur {
			return
		}
		if c.ms.CompareAndSwap(cur, ms) {
			return
		}
	}
}

// Advance moves the clock forward by d milliseconds.
func (c *Clock) Advance(d int64) {
	if d > 0 {
		c.ms.Add(d)
	}
}

// Run drives c from the monotonic wall clock, updating it every resolution
// until ctx is cancelled. It blocks; start it in its own goroutine.
func Run(ctx context.Context, c *Clock, resolution time.Duration) {
	if resolution <= 0 {
		resolution = time.Millisecond
	}

	start := time.Now()
	base := c.Now()

	ticker := time.NewTicker(resolution)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.Set(base + time.Since(start).Milliseconds())
		case <-ctx.Done():
			return
		}
	}
}
