// Package populate implements the Populator: the fault handler that turns
// a page index into resident bytes, per §4.5.
//
// A single Handle call is dispatched per fault by internal/dispatch's
// worker pool. Its five steps -- lock, compute range, source the bytes,
// install, mark resident -- run under the descriptor's own lock exactly
// as §4.5 numbers them, so a second fault racing on the same page (or a
// second fault landing anywhere in the same object, since the lock is
// per-object) simply blocks until the first is done and then finds the
// page already resident. golang.org/x/sync/singleflight sits in front of
// that lock so that pile-ups of duplicate faults on one page join a
// single in-flight populate instead of each queueing on the mutex only
// to find nothing left to do, satisfying §5's invariant that at most one
// populate call happens per concurrently-faulted page.
//
// Grounded on talostrading-sonic's io.go read path for the
// compute-then-fill-then-advance shape; the backing-store/populate-fn
// branch is new, driven by ever_dirty the way hupe1980-vecgo's
// persist.WAL branches between replay-from-disk and compute-fresh.
package populate

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/singleflight"
	"k8s.io/klog/v2"

	"github.com/vmemcore/vmemcore/internal/budget"
	"github.com/vmemcore/vmemcore/internal/lruclock"
	"github.com/vmemcore/vmemcore/internal/pagemath"
	"github.com/vmemcore/vmemcore/internal/pageio"
	"github.com/vmemcore/vmemcore/internal/registry"
	"github.com/vmemcore/vmemcore/internal/source"
	"github.com/vmemcore/vmemcore/internal/vmemerrors"
)

// Hooks lets callers (the vmem package's metrics/debug-trace wiring)
// observe populate activity without this package depending on them.
type Hooks struct {
	OnPopulate func(desc *registry.Descriptor, pageIndex int64, pages int64, fromBackingStore bool, elapsed time.Duration, err error)
}

// Populator turns fault page indices into resident, correctly-sourced
// pages.
type Populator struct {
	backend        pageio.Backend
	pageSize       int64
	defaultMinLoad int64
	clock          *lruclock.Clock
	budget         *budget.Budget
	hooks          *Hooks

	sf singleflight.Group
}

// New builds a Populator. defaultMinLoad is used for any object whose
// Source left MinLoadElements at zero. bgt is the process-wide residency
// budget; passing nil disables budget enforcement (unbounded residency).
func New(backend pageio.Backend, pageSize, defaultMinLoad int64, clock *lruclock.Clock, bgt *budget.Budget, hooks *Hooks) *Populator {
	if defaultMinLoad <= 0 {
		defaultMinLoad = 1
	}
	return &Populator{backend: backend, pageSize: pageSize, defaultMinLoad: defaultMinLoad, clock: clock, budget: bgt, hooks: hooks}
}

// Handle is the dispatch.Handler for a fault resolved to desc/pageIndex.
//
// Budget capacity is reserved before the descriptor lock is taken and
// released afterwards, deliberately: reserving it while holding the lock
// would let the eviction engine's attempt to reclaim *this same
// object's* pages block forever on a lock the reserving populate call
// never gives up.
func (p *Populator) Handle(desc *registry.Descriptor, pageIndex int64) {
	desc.InFlight.Add(1)
	defer desc.InFlight.Done()

	reserved := p.reserveWorstCase(desc)
	if reserved > 0 {
		if err := p.budget.Acquire(context.Background(), reserved); err != nil {
			klog.Errorf("vmemcore: budget acquire base=%#x page=%d failed: %v", desc.BaseAddr, pageIndex, err)
			return
		}
	}

	key := fmt.Sprintf("%d:%d", desc.BaseAddr, pageIndex)
	_, _, _ = p.sf.Do(key, func() (interface{}, error) {
		used := p.populate(desc, pageIndex)
		if reserved > used {
			p.budget.Release(reserved - used)
		}
		return nil, nil
	})
}

// reserveWorstCase returns the largest number of bytes this fault could
// possibly need to install, computed without the descriptor lock since
// the fields it reads are fixed at object creation.
func (p *Populator) reserveWorstCase(desc *registry.Descriptor) int64 {
	if p.budget == nil {
		return 0
	}
	unitPages := pagemath.InstallUnitPages(desc.MinLoadElements, desc.ElementSize, p.pageSize, p.defaultMinLoad)
	return unitPages * p.pageSize
}

// populate performs the locked install and returns the number of bytes
// actually installed, so the caller can release any over-reservation.
func (p *Populator) populate(desc *registry.Descriptor, pageIndex int64) int64 {
	start := time.Now()

	desc.Lock.Lock()
	defer desc.Lock.Unlock()

	if desc.Residency.Contains(uint32(pageIndex)) {
		// Lost the race to another populate call while blocked on the lock.
		return 0
	}

	byteLo, byteHi, ok := p.installRange(desc, pageIndex)
	if !ok {
		p.installZeroLocked(desc, pageIndex)
		p.report(desc, pageIndex, 1, false, start, nil)
		return p.pageSize
	}

	loPage := byteLo / p.pageSize
	hiPage := byteHi / p.pageSize
	n := byteHi - byteLo

	scratch := getScratch(int(n))
	defer putScratch(scratch)

	fromBackingStore := desc.EverDirty.AnyInRange(uint32(loPage), uint32(hiPage))

	var err error
	if fromBackingStore {
		err = p.readFromBackingStore(desc, loPage, hiPage, scratch)
	} else {
		startElem := (byteLo - desc.HeaderBytes) / desc.ElementSize
		endElem := (byteHi - desc.HeaderBytes) / desc.ElementSize
		if endElem > desc.NElements {
			endElem = desc.NElements
		}
		callout := source.NewCallout(desc.BaseAddr)
		err = desc.PopulateFn(startElem, endElem, callout, desc.UserData, scratch)
	}

	if err != nil {
		desc.SetError(vmemerrors.Wrap(vmemerrors.ErrPopulateFailed, err.Error()))
		klog.Errorf("vmemcore: populate base=%#x page=%d failed: %v", desc.BaseAddr, pageIndex, err)
		p.installZeroLocked(desc, pageIndex)
		p.report(desc, pageIndex, hiPage-loPage, fromBackingStore, start, err)
		return p.pageSize
	}

	// A sibling page in [loPage,hiPage) may already be resident -- e.g. the
	// eviction engine reclaimed only part of this unit, or two faults in
	// the same unit raced before the first one's lock was taken. Installing
	// over an already-resident page would clobber it, and if it is Dirty
	// that destroys a host write that was never flushed anywhere. Only the
	// still-absent pages in the range are installed and marked resident;
	// anything already resident is left exactly as it is.
	installedAny := false
	var installed int64
	for pg := loPage; pg < hiPage; pg++ {
		if desc.Residency.Contains(uint32(pg)) {
			continue
		}
		runStart := pg
		for pg < hiPage && !desc.Residency.Contains(uint32(pg)) {
			pg++
		}
		runEnd := pg
		pg--

		off := (runStart - loPage) * p.pageSize
		size := (runEnd - runStart) * p.pageSize
		dst := desc.BaseAddr + uintptr(runStart*p.pageSize)
		if err := p.backend.InstallPage(dst, scratch[off:off+size]); err != nil {
			desc.SetError(err)
			klog.Errorf("vmemcore: install base=%#x pages=[%d,%d) failed: %v", desc.BaseAddr, runStart, runEnd, err)
			// The fault must still be answered even though the real
			// content could not be installed for this sub-range.
			p.installZeroLocked(desc, pageIndex)
			p.report(desc, pageIndex, hiPage-loPage, fromBackingStore, start, err)
			return p.pageSize
		}

		desc.Residency.SetRange(uint32(runStart), uint32(runEnd))
		p.stampEpoch(desc, runStart, runEnd)
		installedAny = true
		installed += size
	}

	if !installedAny {
		// Every page in range was already resident by the time the lock
		// was acquired (e.g. lost a race to another populate call).
		return 0
	}

	klog.V(2).Infof("vmemcore: populated base=%#x pages=[%d,%d) fromBackingStore=%v", desc.BaseAddr, loPage, hiPage, fromBackingStore)
	p.report(desc, pageIndex, hiPage-loPage, fromBackingStore, start, nil)
	return installed
}

// installRange computes the byte range this fault should materialize,
// honoring min_load_elements, the header exclusion, and the object's end.
// ok is false when the faulting page falls entirely inside the header or
// beyond the object's end -- callers must still answer the fault, just
// with nothing to source.
func (p *Populator) installRange(desc *registry.Descriptor, pageIndex int64) (byteLo, byteHi int64, ok bool) {
	unitPages := pagemath.InstallUnitPages(desc.MinLoadElements, desc.ElementSize, p.pageSize, p.defaultMinLoad)

	byteLo = pageIndex * p.pageSize
	byteHi = byteLo + unitPages*p.pageSize

	objEnd := desc.HeaderBytes + desc.NElements*desc.ElementSize
	segEnd := pagemath.CeilToPage(objEnd, p.pageSize)
	if byteHi > segEnd {
		byteHi = segEnd
	}

	headerEnd := pagemath.CeilToPage(desc.HeaderBytes, p.pageSize)
	if byteLo < headerEnd {
		byteLo = headerEnd
	}

	return byteLo, byteHi, byteLo < byteHi
}

func (p *Populator) readFromBackingStore(desc *registry.Descriptor, loPage, hiPage int64, scratch []byte) error {
	for pg := loPage; pg < hiPage; pg++ {
		off := (pg - loPage) * p.pageSize
		if !desc.EverDirty.Contains(uint32(pg)) {
			// This page within the unit was never evicted dirty, so the
			// backing store holds no image of it; its bytes come from
			// populate_fn, exactly as on a first fault.
			startElem := (pg*p.pageSize - desc.HeaderBytes) / desc.ElementSize
			endElem := min(((pg+1)*p.pageSize-desc.HeaderBytes)/desc.ElementSize, desc.NElements)
			if err := desc.PopulateFn(startElem, endElem, source.NewCallout(desc.BaseAddr), desc.UserData, scratch[off:off+p.pageSize]); err != nil {
				return err
			}
			continue
		}
		if err := desc.Backing.ReadPage(pg, scratch[off:off+p.pageSize]); err != nil {
			return err
		}
	}
	return nil
}

func (p *Populator) installZeroLocked(desc *registry.Descriptor, pageIndex int64) {
	dst := desc.BaseAddr + uintptr(pageIndex*p.pageSize)
	if err := p.backend.ZeroPage(dst, p.pageSize); err != nil {
		desc.SetError(err)
		klog.Errorf("vmemcore: zero-page fallback base=%#x page=%d failed: %v", desc.BaseAddr, pageIndex, err)
		return
	}
	desc.Residency.Set(uint32(pageIndex))
	p.stampEpoch(desc, pageIndex, pageIndex+1)
}

func (p *Populator) stampEpoch(desc *registry.Descriptor, loPage, hiPage int64) {
	if p.clock == nil {
		return
	}
	now := uint32(p.clock.Now())
	for pg := loPage; pg < hiPage && int(pg) < len(desc.LRUEpoch); pg++ {
		desc.LRUEpoch[pg] = now
	}
}

func (p *Populator) report(desc *registry.Descriptor, pageIndex, pages int64, fromBackingStore bool, start time.Time, err error) {
	if p.hooks == nil || p.hooks.OnPopulate == nil {
		return
	}
	p.hooks.OnPopulate(desc, pageIndex, pages, fromBackingStore, time.Since(start), err)
}
