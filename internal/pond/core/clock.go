package core

import "time"

// Clock abstracts the two time sources the store consumes — a monotonic
// clock for token-bucket refill and the wall clock for retention — so
// rate-limit and retention tests can control them deterministically.
type Clock interface {
	// Steady returns a monotonic seconds value, used by TokenBucket.
	Steady() float64
	// System returns the current wall-clock time, used by retention.
	System() time.Time
}

// realClock is the production Clock, backed by time.Now.
type realClock struct{ start time.Time }

// NewRealClock returns a Clock backed by the real wall clock.
func NewRealClock() Clock {
	return &realClock{start: time.Now()}
}

func (c *realClock) Steady() float64 {
	return time.Since(c.start).Seconds()
}

func (c *realClock) System() time.Time {
	return time.Now()
}

// ManualClock is a test double: both Steady and System advance only when
// Advance is called, so time-sensitive tests never sleep.
type ManualClock struct {
	steady float64
	system time.Time
}

// NewManualClock returns a ManualClock starting at system time t0.
func NewManualClock(t0 time.Time) *ManualClock {
	return &ManualClock{system: t0}
}

func (c *ManualClock) Steady() float64   { return c.steady }
func (c *ManualClock) System() time.Time { return c.system }
func (c *ManualClock) Advance(d float64) {
	c.steady += d
	c.system = c.system.Add(durationFromSeconds(d))
}

func durationFromSeconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
