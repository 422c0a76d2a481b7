// Package lruclock provides the coarse, approximate clock the eviction
// engine and populator share to stamp per-page last-touch epochs (§4.6's
// "approximate LRU: each object's pages are placed in a coarse epoch
// bucket on touch"). It is its own package so that internal/populate and
// internal/evict -- which otherwise have no reason to depend on one
// another -- can both read/advance the same counter.
package lruclock

import "sync/atomic"

// Clock is a monotonically increasing, coarse epoch counter.
type Clock struct {
	epoch atomic.Uint64
}

// New returns a Clock starting at epoch 0.
func New() *Clock { return &Clock{} }

// Now returns the current epoch, for stamping a just-touched page.
func (c *Clock) Now() uint64 { return c.epoch.Load() }

// Advance moves the clock forward by one tick. The eviction engine calls
// this on its periodic sweep so that pages touched before the tick sort
// as older than pages touched after it.
func (c *Clock) Advance() uint64 { return c.epoch.Add(1) }
