// Package evict implements the Eviction Engine: the periodic sweep that
// reclaims resident pages nobody has touched recently, per §4.6.
//
// Selection is approximate LRU at min_load_elements granularity: each
// resident page carries a coarse last-touch epoch (internal/lruclock),
// stamped by the populator on install; host reads of a resident page do
// not refresh it. A tick advances the shared clock by one and looks at
// every resident page (outside the header) whose epoch is at least
// coldEpochs behind the new epoch. Per §4.6, "the eviction unit equals
// the install unit, to keep bitmaps coherent": victims are grouped into
// internal/pagemath.InstallUnitPages-sized windows (the same size
// internal/populate uses for an install), aligned to a grid that starts
// right after the header, and a window is only reclaimed once every
// resident page inside it is cold. internal/populate starts an install
// at the faulting page rather than on this grid, so one install can
// straddle two windows and be partly reclaimed; the populator skips any
// page of its range that is still resident. A page whose Dirty bit is
// set is flushed to its object's Store before being dropped; a
// backing-store write failure is
// logged and that window is skipped rather than aborting the sweep, so
// one bad object never stalls reclamation of the rest.
//
// Grounded on talostrading-sonic's Timer (timer.go /
// internal/timer_linux.go) for the periodic-tick shape -- a dedicated
// goroutine blocking on a kernel timer source until told to stop -- and
// on hupe1980-vecgo's internal/cache eviction sweep for the
// scan-then-act-per-descriptor structure.
package evict

import (
	"time"

	"k8s.io/klog/v2"

	"github.com/vmemcore/vmemcore/internal/budget"
	"github.com/vmemcore/vmemcore/internal/lruclock"
	"github.com/vmemcore/vmemcore/internal/pagemath"
	"github.com/vmemcore/vmemcore/internal/pageio"
	"github.com/vmemcore/vmemcore/internal/registry"
)

type ticker interface {
	// Wait blocks until the next tick, or returns false once Stop has
	// been called and no further ticks will arrive.
	Wait() bool
	Stop()
}

// Hooks lets callers observe eviction activity without a direct
// dependency (mirrors internal/populate.Hooks).
type Hooks struct {
	OnEvict func(desc *registry.Descriptor, pages int64, flushed bool, err error)
}

// Engine periodically reclaims cold resident pages.
type Engine struct {
	reg            *registry.Registry
	backend        pageio.Backend
	pageSize       int64
	defaultMinLoad int64
	budget         *budget.Budget
	clock          *lruclock.Clock
	hooks          *Hooks

	coldEpochs uint32

	tk   ticker
	done chan struct{}
}

// New builds an Engine. period is the tick interval; coldEpochs is how
// many ticks a page may go untouched before it is a reclaim candidate.
// defaultMinLoad must match the value internal/populate.New was given,
// so both packages group pages into identically sized install/eviction
// units.
func New(reg *registry.Registry, backend pageio.Backend, pageSize, defaultMinLoad int64, bgt *budget.Budget, clock *lruclock.Clock, period time.Duration, coldEpochs uint32, hooks *Hooks) (*Engine, error) {
	if coldEpochs == 0 {
		coldEpochs = 1
	}
	tk, err := newTicker(period)
	if err != nil {
		return nil, err
	}
	e := &Engine{
		reg:            reg,
		backend:        backend,
		pageSize:       pageSize,
		defaultMinLoad: defaultMinLoad,
		budget:         bgt,
		clock:          clock,
		hooks:          hooks,
		coldEpochs:     coldEpochs,
		tk:             tk,
		done:           make(chan struct{}),
	}
	go e.run()
	return e, nil
}

func (e *Engine) run() {
	defer close(e.done)
	for e.tk.Wait() {
		now := uint32(e.clock.Advance())
		e.sweep(now)
	}
}

func (e *Engine) sweep(now uint32) {
	for _, desc := range e.reg.All() {
		if desc.Terminating.Load() {
			continue
		}
		e.sweepObject(desc, now)
	}
}

func (e *Engine) sweepObject(desc *registry.Descriptor, now uint32) {
	headerPages := uint32(desc.HeaderPages())
	unitPages := uint32(pagemath.InstallUnitPages(desc.MinLoadElements, desc.ElementSize, e.pageSize, e.defaultMinLoad))

	groupStarts := map[uint32]bool{}
	desc.Residency.Iterate(func(page uint32) bool {
		if page < headerPages {
			return true
		}
		groupStarts[groupStart(page, headerPages, unitPages)] = true
		return true
	})

	for start := range groupStarts {
		e.evictGroup(desc, start, unitPages, now)
	}
}

// groupStart returns the first page of the install-unit-sized window
// containing page, aligned to a grid starting right after the header.
func groupStart(page, headerPages, unitPages uint32) uint32 {
	if unitPages == 0 {
		unitPages = 1
	}
	return headerPages + ((page-headerPages)/unitPages)*unitPages
}

// evictGroup reclaims [start, start+unitPages), the same granularity
// internal/populate installs at, but only once every resident page in
// the window is cold -- a window with even one recently-touched page is
// left alone this tick so the group is never torn in half.
func (e *Engine) evictGroup(desc *registry.Descriptor, start, unitPages uint32, now uint32) {
	desc.Lock.Lock()
	defer desc.Lock.Unlock()

	end := start + unitPages
	if npages := uint32(desc.NPages); end > npages {
		end = npages
	}

	residentPages := make([]uint32, 0, unitPages)
	for pg := start; pg < end; pg++ {
		if !desc.Residency.Contains(pg) {
			continue
		}
		if int(pg) >= len(desc.LRUEpoch) {
			continue
		}
		if age := now - desc.LRUEpoch[pg]; age < e.coldEpochs {
			return // group has a still-warm page; wait for it to cool
		}
		residentPages = append(residentPages, pg)
	}
	if len(residentPages) == 0 {
		return // already gone, raced with a populate or a prior sweep
	}

	flushed := false
	for _, page := range residentPages {
		addr := desc.BaseAddr + uintptr(int64(page)*e.pageSize)
		if !desc.Dirty.Contains(page) {
			continue
		}

		buf := getScratch(int(e.pageSize))
		err := e.backend.ReadResident(addr, buf)
		if err == nil {
			err = desc.Backing.WritePage(int64(page), buf)
		}
		putScratch(buf)
		if err != nil {
			klog.Errorf("vmemcore: evict flush base=%#x page=%d failed: %v", desc.BaseAddr, page, err)
			e.report(desc, int64(len(residentPages)), flushed, err)
			return
		}
		desc.EverDirty.Set(page)
		desc.Dirty.Clear(page)
		flushed = true
	}

	for _, page := range residentPages {
		addr := desc.BaseAddr + uintptr(int64(page)*e.pageSize)
		if err := e.backend.DropPage(addr, e.pageSize); err != nil {
			desc.SetError(err)
			klog.Errorf("vmemcore: evict drop base=%#x page=%d failed: %v", desc.BaseAddr, page, err)
			e.report(desc, int64(len(residentPages)), flushed, err)
			return
		}
		desc.Residency.Clear(page)
		if e.budget != nil {
			e.budget.Release(e.pageSize)
		}
	}

	klog.V(2).Infof("vmemcore: evicted base=%#x pages=[%d,%d) flushed=%v", desc.BaseAddr, start, end, flushed)
	e.report(desc, int64(len(residentPages)), flushed, nil)
}

func (e *Engine) report(desc *registry.Descriptor, pages int64, flushed bool, err error) {
	if e.hooks == nil || e.hooks.OnEvict == nil {
		return
	}
	e.hooks.OnEvict(desc, pages, flushed, err)
}

// Stop halts the sweep goroutine and waits for it to exit.
func (e *Engine) Stop() {
	e.tk.Stop()
	<-e.done
}
