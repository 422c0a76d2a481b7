// Package bitmap wraps a Roaring Bitmap as a per-page boolean vector.
//
// An Object Descriptor keeps three of these side by side -- residency,
// dirty, and ever_dirty -- one bit per page of the object's virtual range.
// Roaring compresses well here: most objects are either mostly-resident
// (small, hot) or mostly-absent (large, cold), and both extremes are the
// case Roaring's container model was built for.
package bitmap

import (
	"sync"

	"github.com/RoaringBitmap/roaring/v2"
)

// PageSet is a concurrency-safe set of page indices.
type PageSet struct {
	mu sync.RWMutex
	rb *roaring.Bitmap
}

// New returns an empty PageSet.
func New() *PageSet {
	return &PageSet{rb: roaring.New()}
}

// Set marks page as a member.
func (p *PageSet) Set(page uint32) {
	p.mu.Lock()
	p.rb.Add(page)
	p.mu.Unlock()
}

// SetRange marks pages [lo, hi) as members.
func (p *PageSet) SetRange(lo, hi uint32) {
	if hi <= lo {
		return
	}
	p.mu.Lock()
	p.rb.AddRange(uint64(lo), uint64(hi))
	p.mu.Unlock()
}

// Clear removes page from the set.
func (p *PageSet) Clear(page uint32) {
	p.mu.Lock()
	p.rb.Remove(page)
	p.mu.Unlock()
}

// ClearRange removes pages [lo, hi) from the set.
func (p *PageSet) ClearRange(lo, hi uint32) {
	if hi <= lo {
		return
	}
	p.mu.Lock()
	p.rb.RemoveRange(uint64(lo), uint64(hi))
	p.mu.Unlock()
}

// Contains reports whether page is a member.
func (p *PageSet) Contains(page uint32) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.rb.Contains(page)
}

// AnyInRange reports whether any page in [lo, hi) is a member.
func (p *PageSet) AnyInRange(lo, hi uint32) bool {
	if hi <= lo {
		return false
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	window := roaring.New()
	window.AddRange(uint64(lo), uint64(hi))
	window.And(p.rb)
	return !window.IsEmpty()
}

// Cardinality returns the number of member pages.
func (p *PageSet) Cardinality() uint64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.rb.GetCardinality()
}

// Clone returns an independent copy.
func (p *PageSet) Clone() *PageSet {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return &PageSet{rb: p.rb.Clone()}
}

// Iterate calls fn once per member page in ascending order, stopping
// early if fn returns false. Used by the eviction engine's sweep, which
// must not hold PageSet's own lock while it takes the descriptor lock to
// act on what it finds -- so it snapshots the member pages first.
func (p *PageSet) Iterate(fn func(page uint32) bool) {
	p.mu.RLock()
	pages := p.rb.ToArray()
	p.mu.RUnlock()
	for _, pg := range pages {
		if !fn(pg) {
			return
		}
	}
}
