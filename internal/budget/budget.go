// Package budget enforces the process-wide residency budget: the total
// number of resident bytes across every live object may never exceed a
// configured ceiling, per §4.6. It is a package of its own, rather than
// living inside internal/evict, so that internal/populate can reserve
// capacity before installing a page without importing the eviction
// engine that reclaims it -- the two only need to agree on the counter.
//
// Grounded on hupe1980-vecgo's internal/resource.Controller, which wraps
// golang.org/x/sync/semaphore.Weighted the same way: acquire before an
// allocation, release on reclaim, with a non-blocking TryAcquire for
// callers that would rather trigger eviction than wait.
package budget

import (
	"context"

	"golang.org/x/sync/semaphore"
)

// Budget tracks resident bytes against a ceiling.
type Budget struct {
	sem   *semaphore.Weighted
	limit int64
}

// New returns a Budget capped at limitBytes. A non-positive limit means
// unbounded (the semaphore is sized to the max int64 weight).
func New(limitBytes int64) *Budget {
	if limitBytes <= 0 {
		limitBytes = int64(^uint64(0) >> 1)
	}
	return &Budget{sem: semaphore.NewWeighted(limitBytes), limit: limitBytes}
}

// Limit returns the configured ceiling in bytes.
func (b *Budget) Limit() int64 { return b.limit }

// TryAcquire reserves n bytes without blocking, reporting whether it
// succeeded.
func (b *Budget) TryAcquire(n int64) bool {
	if n <= 0 {
		return true
	}
	return b.sem.TryAcquire(n)
}

// Acquire reserves n bytes, blocking until the eviction engine's
// concurrent reclamation frees enough room or ctx is cancelled.
func (b *Budget) Acquire(ctx context.Context, n int64) error {
	if n <= 0 {
		return nil
	}
	return b.sem.Acquire(ctx, n)
}

// Release returns n previously-acquired bytes to the pool, called by the
// eviction engine after it drops a page and by the populator when it
// over-reserved against a worst-case install unit.
func (b *Budget) Release(n int64) {
	if n <= 0 {
		return
	}
	b.sem.Release(n)
}
