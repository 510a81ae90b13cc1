// Package hlc implements a hybrid logical clock.
//
// Timestamps combine physical time with a small logical counter packed into
// the low bits of an NTP64 value. Two rules keep the clock causal:
//
//	local event:  last = max(physical, last+1)
//	remote event: last = max(last, remote)
//
// so every timestamp handed out after observing a remote one is strictly
// greater than it. Concurrent timestamps are totally ordered by
// Timestamp.Compare.
package hlc

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Clock is a per-node hybrid logical clock. Safe for concurrent use; reads
// and merges are serialized by a single mutex.
type Clock struct {
	mu   sync.Mutex
	node uuid.UUID
	last NTP64
	now  func() time.Time
}

// Option configures a Clock.
type Option func(*Clock)

// WithPhysicalClock overrides the wall-clock source. Used by tests.
func WithPhysicalClock(fn func() time.Time) Option {
	return func(c *Clock) {
		c.now = fn
	}
}

// New constructs a clock for the given node.
func New(node uuid.UUID, opts ...Option) *Clock {
	c := &Clock{node: node, now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Node returns the id stamped on every timestamp from this clock.
func (c *Clock) Node() uuid.UUID { return c.node }

// NewTimestamp returns a timestamp strictly greater than every timestamp
// previously returned or merged.
func (c *Clock) NewTimestamp() Timestamp {
	physical := FromTime(c.now()) & LMask

	c.mu.Lock()
	defer c.mu.Unlock()

	if physical > c.last&LMask {
		c.last = physical
	} else {
		c.last++
	}
	return Timestamp{Time: c.last, Node: c.node}
}

// Update merges a remote timestamp into the clock. It returns how far the
// remote time runs ahead of local physical time (zero when it does not);
// the timestamp is merged regardless so causality is never violated.
// There is no upper bound: a peer with a skewed clock drags every clock it
// reaches forward, and callers can only log and count the returned drift.
func (c *Clock) Update(remote Timestamp) time.Duration {
	physical := FromTime(c.now())

	c.mu.Lock()
	if remote.Time > c.last {
		c.last = remote.Time
	}
	c.mu.Unlock()

	if remote.Time <= physical {
		return 0
	}
	return remote.Time.Time().Sub(physical.Time())
}

// Seed raises the clock to at least ts. Used at startup with the newest
// timestamp found in the persisted log.
func (c *Clock) Seed(ts NTP64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ts > c.last {
		c.last = ts
	}
}

// Last returns the most recent value without advancing the clock.
func (c *Clock) Last() NTP64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}
