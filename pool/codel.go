package pool

import (
	"time"
)

// Window halving stops at interval/64 while congestion persists.
const shrinkCap = 6

// codel is the controlled-delay overload estimator. It keeps the
// minimum observed queue wait over a sliding window of length interval;
// once a whole window stays above target the pool starts refusing new
// waiters until the minimum falls back under target. Immediate-service
// checkouts never consult it.
type codel struct {
	target   time.Duration
	interval time.Duration

	windowEnd time.Time
	min       time.Duration
	sampled   bool

	dropping bool
	count    uint
}

func newCodel(target, interval time.Duration, now time.Time) *codel {
	return &codel{
		target:    target,
		interval:  interval,
		windowEnd: now.Add(interval),
	}
}

// sample records one observed queue wait. Zero-wait samples from
// immediate service count too: they are what pulls the minimum back
// down after congestion.
func (c *codel) sample(delay time.Duration, now time.Time) {
	c.advance(now)
	if !c.sampled || delay < c.min {
		c.min = delay
		c.sampled = true
	}
	if c.dropping && delay < c.target {
		c.dropping = false
		c.count = 0
	}
}

// overloaded reports whether a request that would otherwise join the
// wait queue must be rejected instead.
func (c *codel) overloaded(now time.Time) bool {
	c.advance(now)
	return c.dropping
}

// advance closes every window boundary passed since the last call,
// re-evaluating the dropping verdict at each one. While dropping, the
// window shrinks by halving per congested window so recovery is
// re-tested at an accelerating cadence.
func (c *codel) advance(now time.Time) {
	for !now.Before(c.windowEnd) {
		if c.sampled {
			if c.min > c.target {
				c.dropping = true
				if c.count < shrinkCap {
					c.count++
				}
			} else {
				c.dropping = false
				c.count = 0
			}
		}
		// a window without samples keeps the previous verdict
		next := c.interval
		if c.dropping {
			next = c.interval >> c.count
		}
		c.windowEnd = c.windowEnd.Add(next)
		c.min = 0
		c.sampled = false
		if !now.Before(c.windowEnd) {
			// idle stretch, fast-forward to the present
			c.windowEnd = now.Add(next)
			return
		}
	}
}
