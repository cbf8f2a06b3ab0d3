// Package quota implements small atomically-updated counters used to cap
// shared resources such as the migrate-reserve page-block budget (the
// zone's dirty-balance reserve is a plain value, not a Counter). A
// Counter is a single signed value supporting
// atomic take/give with a never-go-negative guarantee.
package quota

import "sync/atomic"

// Counter is an atomically updated, non-negative budget. Take decrements
// it only if the result would stay >= 0; Give always succeeds.
type Counter struct {
	v int64
}

// NewCounter creates a counter starting at n.
func NewCounter(n int64) *Counter {
	return &Counter{v: n}
}

// Take attempts to reserve n units, returning false (and leaving the
// counter unchanged) if fewer than n are available.
func (c *Counter) Take(n int64) bool {
	if n < 0 {
		panic("quota: negative take")
	}
	if atomic.AddInt64(&c.v, -n) >= 0 {
		return true
	}
	atomic.AddInt64(&c.v, n)
	return false
}

// Give returns n units to the counter.
func (c *Counter) Give(n int64) {
	if n < 0 {
		panic("quota: negative give")
	}
	atomic.AddInt64(&c.v, n)
}

// Remaining reports the current balance.
func (c *Counter) Remaining() int64 {
	return atomic.LoadInt64(&c.v)
}

// Set overwrites the balance outright, used when a config reload changes
// a budget's size rather than consuming from it.
func (c *Counter) Set(n int64) {
	atomic.StoreInt64(&c.v, n)
}
