// Copyright 2024-2026 Aiku AI

package watcher

import (
	"math/rand/v2"
	"time"
)

// BackoffFunc returns the delay before reconnect attempt n, counting from 1
// for the first reconnect after a connection loss.
type BackoffFunc func(attempt int) time.Duration

// FixedBackoff waits the same delay before every attempt.
func FixedBackoff(delay time.Duration) BackoffFunc {
	return func(int) time.Duration {
		return delay
	}
}

// ExponentialBackoff doubles base on every attempt up to maxDelay, or without
// a cap when maxDelay is zero. A jitter in (0, 1] spreads each delay
// uniformly over [d*(1-jitter), d].
func ExponentialBackoff(base, maxDelay time.Duration, jitter float64) BackoffFunc {
	return func(attempt int) time.Duration {
		d := base
		for i := 1; i < attempt && i < 32; i++ {
			if maxDelay > 0 && d >= maxDelay {
				break
			}
			d *= 2
		}
		if maxDelay > 0 && d > maxDelay {
			d = maxDelay
		}
		if jitter > 0 && d > 0 {
			if jitter > 1 {
				jitter = 1
			}
			spread := time.Duration(float64(d) * jitter)
			d -= time.Duration(rand.Int64N(int64(spread) + 1))
		}
		return d
	}
}

// Policy tunes the reconnect and teardown behavior of every controller in a
// registry.
type Policy struct {
	Backoff BackoffFunc
	// MaxAttempts caps consecutive failed reconnects. Zero means unbounded.
	MaxAttempts int
	// RemovalDelay is how long a terminated session stays visible before it
	// is dropped from the registry.
	RemovalDelay time.Duration
	// ResetOnRelogin makes the session created after a logout start with a
	// zero view count. When false the previous count carries over.
	ResetOnRelogin bool
	// QueueSize bounds each session's pending event queue.
	QueueSize int
}

// DefaultPolicy reconnects every 5 seconds forever and forgets counters on
// logout.
func DefaultPolicy() Policy {
	return Policy{
		Backoff:        FixedBackoff(5 * time.Second),
		RemovalDelay:   2 * time.Second,
		ResetOnRelogin: true,
		QueueSize:      64,
	}
}

func (p Policy) withDefaults() Policy {
	def := DefaultPolicy()
	if p.Backoff == nil {
		p.Backoff = def.Backoff
	}
	if p.QueueSize <= 0 {
		p.QueueSize = def.QueueSize
	}
	if p.RemovalDelay < 0 {
		p.RemovalDelay = 0
	}
	return p
}
