// Package registry maps object base addresses to Object Descriptors, and
// answers the fault-path lookup: "which descriptor's range contains this
// faulting address?"
//
// The Descriptor lookup by exact base_addr uses a plain map. The
// fault-path lookup needs predecessor search over an ordered set of base
// addresses, since a fault address is somewhere inside a range, not
// necessarily at its start; since it sits on the page-fault critical path
// (§4.3), it is a sorted slice searched with sort.Search (binary search,
// O(log n)) rather than a linear scan. Insertion/removal are serialized under a single
// mutex (§4.3's "registry lock"); lookups take the read side of the same
// mutex, giving the many-readers/single-writer scheme §5 asks for.
package registry

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/vmemcore/vmemcore/internal/bitmap"
	"github.com/vmemcore/vmemcore/internal/source"
	"github.com/vmemcore/vmemcore/internal/store"
)

// Descriptor is one live object's metadata: configuration, residency
// bitmaps, and the backing store handle, per §3's Object Descriptor.
type Descriptor struct {
	BaseAddr    uintptr
	SegmentSize int64 // page-aligned size handed out by the arena
	NPages      int64 // ceil(SegmentSize / PageSize)
	PageSize    int64

	NElements       int64
	ElementSize     int64
	HeaderBytes     int64
	Dims            []int64
	ElementKind     source.ElementKind
	MinLoadElements int64

	PopulateFn   source.PopulateFunc
	DestructorFn source.DestructorFunc
	UserData     interface{}

	// Lock serializes residency/dirty/install/evict for this object, per
	// §5's "per-descriptor lock: exclusive".
	Lock sync.Mutex

	Residency *bitmap.PageSet // 1 iff the page is RAM-backed right now
	Dirty     *bitmap.PageSet // 1 iff the page differs from its backing image
	EverDirty *bitmap.PageSet // 1 iff the backing store holds an image of the page

	// LRUEpoch is a coarse per-page last-touch bucket, read and written
	// only while Lock is held.
	LRUEpoch []uint32

	Backing *store.Store

	// Terminating is set by destroy_object before it waits for in-flight
	// faults to drain.
	Terminating atomic.Bool

	// InFlight tracks populate calls in progress on this descriptor, so
	// destroy_object can wait for them to finish. The eviction engine does
	// not add to it.
	InFlight sync.WaitGroup

	// errFlag/errValue implement the sticky per-object error flag of §7:
	// set once on the fault path, observed by subsequent host API calls.
	errFlag  atomic.Bool
	errValue atomic.Value // error
}

// SetError sets the sticky error flag if it is not already set. Only the
// first error is retained, matching "subsequent host API calls ... may
// raise" -- the first fault-path failure is definitive.
func (d *Descriptor) SetError(err error) {
	if d.errFlag.CompareAndSwap(false, true) {
		d.errValue.Store(err)
	}
}

// Err returns the sticky error, if any.
func (d *Descriptor) Err() error {
	if !d.errFlag.Load() {
		return nil
	}
	if v := d.errValue.Load(); v != nil {
		return v.(error)
	}
	return nil
}

// HeaderPages returns the number of leading pages fully or partially
// occupied by the host header. Eviction and population must never touch
// these.
func (d *Descriptor) HeaderPages() int64 {
	if d.HeaderBytes <= 0 {
		return 0
	}
	return (d.HeaderBytes + d.PageSize - 1) / d.PageSize
}

// Registry maps base addresses to descriptors and supports predecessor
// search for the fault path.
type Registry struct {
	mu    sync.RWMutex
	byPtr map[uintptr]*Descriptor
	order []uintptr // sorted ascending, kept in lockstep with byPtr
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{byPtr: make(map[uintptr]*Descriptor)}
}

// Insert adds a descriptor, keyed by its BaseAddr.
func (r *Registry) Insert(d *Descriptor) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.byPtr[d.BaseAddr] = d
	i := sort.Search(len(r.order), func(i int) bool { return r.order[i] >= d.BaseAddr })
	r.order = append(r.order, 0)
	copy(r.order[i+1:], r.order[i:])
	r.order[i] = d.BaseAddr
}

// Remove deletes the descriptor at baseAddr, if present.
func (r *Registry) Remove(baseAddr uintptr) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.byPtr, baseAddr)
	i := sort.Search(len(r.order), func(i int) bool { return r.order[i] >= baseAddr })
	if i < len(r.order) && r.order[i] == baseAddr {
		r.order = append(r.order[:i], r.order[i+1:]...)
	}
}

// Lookup returns the descriptor with exactly this base address.
func (r *Registry) Lookup(baseAddr uintptr) (*Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.byPtr[baseAddr]
	return d, ok
}

// Find returns the descriptor whose range [base, base+size) contains
// addr, via predecessor search over the sorted base addresses -- the
// fault-path lookup of §4.3, O(log n) in the number of live objects.
func (r *Registry) Find(addr uintptr) (*Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	// Largest base <= addr.
	i := sort.Search(len(r.order), func(i int) bool { return r.order[i] > addr }) - 1
	if i < 0 {
		return nil, false
	}
	d := r.byPtr[r.order[i]]
	if d == nil || addr >= d.BaseAddr+uintptr(d.SegmentSize) {
		return nil, false
	}
	return d, true
}

// Len returns the number of live objects.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byPtr)
}

// All returns a snapshot slice of every live descriptor, for shutdown and
// diagnostics.
func (r *Registry) All() []*Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Descriptor, 0, len(r.byPtr))
	for _, d := range r.byPtr {
		out = append(out, d)
	}
	return out
}
