// Package vmem is the Lifecycle Controller and the host-facing surface
// of vmemcore: a user-space virtual memory manager that materializes
// larger-than-memory array data on demand via page-fault-driven lazy
// loading and an eviction engine, per spec §1.
//
// NewObject starts the core on first call: it reserves the arena,
// registers it for page-fault interception, and spawns the dispatcher,
// populator, and eviction engine, per §4.7. Shutdown tears all of that
// down; it is safe to call more than once.
package vmem

import (
	"flag"
	"fmt"
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus"
	"k8s.io/klog/v2"

	"github.com/vmemcore/vmemcore/internal/arena"
	"github.com/vmemcore/vmemcore/internal/bitmap"
	"github.com/vmemcore/vmemcore/internal/budget"
	"github.com/vmemcore/vmemcore/internal/debugtrace"
	"github.com/vmemcore/vmemcore/internal/dispatch"
	"github.com/vmemcore/vmemcore/internal/evict"
	"github.com/vmemcore/vmemcore/internal/lruclock"
	"github.com/vmemcore/vmemcore/internal/metrics"
	"github.com/vmemcore/vmemcore/internal/pageio"
	"github.com/vmemcore/vmemcore/internal/populate"
	"github.com/vmemcore/vmemcore/internal/registry"
	"github.com/vmemcore/vmemcore/internal/source"
	"github.com/vmemcore/vmemcore/internal/store"
	"github.com/vmemcore/vmemcore/internal/vmemerrors"
)

// Source is what the host fills in to create an object, re-exported from
// internal/source so that internal packages below the registry and the
// public API here share one definition without an import cycle.
type Source = source.Source

// ElementKind tags an object's element interpretation.
type ElementKind = source.ElementKind

// Callout is passed to a populate callback; see internal/source.
type Callout = source.Callout

const (
	KindByte    = source.KindByte
	KindLogical = source.KindLogical
	KindInteger = source.KindInteger
	KindReal    = source.KindReal
	KindComplex = source.KindComplex
	KindRaw     = source.KindRaw
)

var (
	initMu sync.Mutex
	ctrl   *controller
)

type controller struct {
	cfg Config

	arena   *arena.Arena
	backend pageio.Backend
	reg     *registry.Registry

	budget *budget.Budget
	clock  *lruclock.Clock
	trace  *debugtrace.Ring

	metricsReg *prometheus.Registry
	collectors *metrics.Collectors

	dispatcher *dispatch.Dispatcher
	populator  *populate.Populator
	evictor    *evict.Engine

	shutdownOnce sync.Once
}

// Init starts the core explicitly, with the given configuration. It is
// idempotent: a second call is a no-op (its options are ignored) because
// the arena, userfault registration, and dispatcher are a process-wide
// singleton that cannot be reconfigured once running, per §5 and §9's
// "Global process state" note. Hosts that don't care about
// configuration may skip Init entirely -- the first NewObject call
// starts the core with DefaultConfig.
func Init(opts ...ConfigOption) error {
	initMu.Lock()
	defer initMu.Unlock()
	if ctrl != nil {
		klog.Warningf("vmemcore: Init called after the core is already running; ignoring")
		return nil
	}

	cfg := DefaultConfig()
	cfg.apply(opts)

	c, err := newController(cfg)
	if err != nil {
		return err
	}
	ctrl = c
	return nil
}

func ensureInit() (*controller, error) {
	initMu.Lock()
	c := ctrl
	initMu.Unlock()
	if c != nil {
		return c, nil
	}
	if err := Init(); err != nil {
		return nil, err
	}
	initMu.Lock()
	c = ctrl
	initMu.Unlock()
	return c, nil
}

func newController(cfg Config) (*controller, error) {
	gcScratchDir(cfg.ScratchDir)

	ar, err := arena.Reserve(cfg.ArenaSize, cfg.PageSize)
	if err != nil {
		return nil, err
	}

	backend, err := newBackend()
	if err != nil {
		ar.Close()
		return nil, err
	}
	if err := backend.RegisterRange(ar.Base(), ar.Size()); err != nil {
		backend.Close()
		ar.Close()
		return nil, err
	}

	reg := registry.New()
	bgt := budget.New(cfg.ResidencyBudget)
	clock := lruclock.New()
	trace := debugtrace.NewRing(cfg.DebugTraceCapacity)

	collectors := metrics.New()
	metricsReg := prometheus.NewRegistry()
	if err := collectors.Register(metricsReg); err != nil {
		backend.Close()
		ar.Close()
		return nil, err
	}

	pop := populate.New(backend, cfg.PageSize, cfg.DefaultMinLoadElements, clock, bgt, collectors.PopulateHooks())

	ev, err := evict.New(reg, backend, cfg.PageSize, cfg.DefaultMinLoadElements, bgt, clock, cfg.EvictPeriod, cfg.EvictColdEpochs, collectors.EvictHooks())
	if err != nil {
		backend.Close()
		ar.Close()
		return nil, err
	}

	unrouted := func(addr uintptr) {
		klog.Warningf("vmemcore: fault at %#x matched no live object", addr)
	}
	disp := dispatch.New(backend, reg, cfg.PageSize, cfg.DispatchWorkers, cfg.DispatchQueueDepth, pop.Handle, unrouted)

	klog.V(1).Infof("vmemcore: core started arena=%#x size=%d budget=%d", ar.Base(), ar.Size(), cfg.ResidencyBudget)

	return &controller{
		cfg:        cfg,
		arena:      ar,
		backend:    backend,
		reg:        reg,
		budget:     bgt,
		clock:      clock,
		trace:      trace,
		metricsReg: metricsReg,
		collectors: collectors,
		dispatcher: disp,
		populator:  pop,
		evictor:    ev,
	}, nil
}

// NewObject validates source, allocates a segment, constructs the
// descriptor, and returns its base address for the host to wrap as its
// native array value, per §4.7's new_object.
func NewObject(src Source) (uintptr, error) {
	c, err := ensureInit()
	if err != nil {
		return 0, err
	}
	return c.newObject(src)
}

// NewObjectMultiDim is identical to NewObject but requires src.Dims to
// describe the object's shape, per §6's new_object_multidim.
func NewObjectMultiDim(src Source) (uintptr, error) {
	if len(src.Dims) == 0 {
		return 0, vmemerrors.Wrap(vmemerrors.ErrInvalidSource, "new_object_multidim requires non-empty dims")
	}
	return NewObject(src)
}

func (c *controller) newObject(src Source) (uintptr, error) {
	if err := src.Validate(); err != nil {
		return 0, vmemerrors.Wrap(vmemerrors.ErrInvalidSource, err.Error())
	}

	segSize := src.HeaderBytes + src.NElements*src.ElementSize
	base, allocated, err := c.arena.Alloc(segSize)
	if err != nil {
		return 0, err
	}

	npages := allocated / c.cfg.PageSize
	desc := &registry.Descriptor{
		BaseAddr:        base,
		SegmentSize:     allocated,
		NPages:          npages,
		PageSize:        c.cfg.PageSize,
		NElements:       src.NElements,
		ElementSize:     src.ElementSize,
		HeaderBytes:     src.HeaderBytes,
		Dims:            src.Dims,
		ElementKind:     src.ElementKind,
		MinLoadElements: src.MinLoadElements,
		PopulateFn:      src.Populate,
		DestructorFn:    src.Destructor,
		UserData:        src.UserData,
		Residency:       bitmap.New(),
		Dirty:           bitmap.New(),
		EverDirty:       bitmap.New(),
		LRUEpoch:        make([]uint32, npages),
	}

	backing, err := store.Open(c.cfg.ScratchDir, c.cfg.PageSize, c.cfg.BackingStoreIOBytesPerSec)
	if err != nil {
		c.arena.Free(base, allocated)
		return 0, err
	}
	desc.Backing = backing

	c.reg.Insert(desc)

	if err := c.installHeaderPages(desc); err != nil {
		c.reg.Remove(base)
		backing.Close()
		c.arena.Free(base, allocated)
		return 0, err
	}

	c.trace.Record(debugtrace.Event{Kind: debugtrace.KindFault, BaseAddr: base})
	klog.V(1).Infof("vmemcore: new object base=%#x size=%d elements=%d", base, allocated, src.NElements)

	return base, nil
}

// installHeaderPages zero-fills the header bytes and marks resident the
// leading pages reserved for the host's own header, so the host can
// write its header fields immediately after new_object returns without
// taking a fault through the populate path -- the populator's
// installRange deliberately never touches these pages.
//
// Per §4.5's alignment rules, the header does not necessarily end on a
// page boundary: "the first page of the object contains the host header
// followed by however many elements fit". Any elements sharing the last
// header page with the header must still come from populate_fn -- since
// that page is primed here and will never fault again, its data tail is
// populated now, before it is marked resident, rather than left zero
// forever.
func (c *controller) installHeaderPages(desc *registry.Descriptor) error {
	headerPages := desc.HeaderPages()
	if headerPages == 0 {
		return nil
	}

	desc.Lock.Lock()
	defer desc.Lock.Unlock()

	size := headerPages * c.cfg.PageSize
	scratch := make([]byte, size)

	tailBytes := size - desc.HeaderBytes
	if tailBytes > 0 && desc.PopulateFn != nil {
		tailElems := tailBytes / desc.ElementSize
		if tailElems > desc.NElements {
			tailElems = desc.NElements
		}
		if tailElems > 0 {
			callout := source.NewCallout(desc.BaseAddr)
			out := scratch[desc.HeaderBytes : desc.HeaderBytes+tailElems*desc.ElementSize]
			if err := desc.PopulateFn(0, tailElems, callout, desc.UserData, out); err != nil {
				return vmemerrors.Wrap(vmemerrors.ErrPopulateFailed, err.Error())
			}
		}
	}

	if err := c.backend.InstallPage(desc.BaseAddr, scratch); err != nil {
		return vmemerrors.Wrap(vmemerrors.ErrKernelUserfault, err.Error())
	}
	desc.Residency.SetRange(0, uint32(headerPages))

	now := uint32(c.clock.Now())
	for pg := int64(0); pg < headerPages; pg++ {
		desc.LRUEpoch[pg] = now
	}
	return nil
}

// DestroyObject implements §4.7's destroy_object: it marks the
// descriptor terminating, waits for in-flight faults to drain, unmaps
// resident pages, closes and removes the backing file, invokes the
// source's destructor, removes the descriptor from the registry, and
// returns the segment to the arena.
//
// This is the explicit counterpart to the external collaborator
// reference-counting spec.md §3 describes ("lives until the host drops
// its last reference"); Go has no host-language binding layer to drive
// that implicitly, so vmemcore exposes the teardown step as a direct
// call instead.
func DestroyObject(baseAddr uintptr) error {
	c, err := ensureInit()
	if err != nil {
		return err
	}
	return c.destroyObject(baseAddr)
}

func (c *controller) destroyObject(baseAddr uintptr) error {
	desc, ok := c.reg.Lookup(baseAddr)
	if !ok {
		return fmt.Errorf("vmemcore: no object at base %#x", baseAddr)
	}

	desc.Terminating.Store(true)
	desc.InFlight.Wait()

	var errs *multierror.Error

	desc.Lock.Lock()
	desc.Residency.Iterate(func(page uint32) bool {
		addr := desc.BaseAddr + uintptr(int64(page)*c.cfg.PageSize)
		if err := c.backend.DropPage(addr, c.cfg.PageSize); err != nil {
			errs = multierror.Append(errs, err)
		}
		return true
	})
	desc.Lock.Unlock()

	if err := desc.Backing.Close(); err != nil {
		errs = multierror.Append(errs, err)
	}

	if desc.DestructorFn != nil {
		desc.DestructorFn(desc.UserData)
	}

	c.reg.Remove(baseAddr)
	if err := c.arena.Free(baseAddr, desc.SegmentSize); err != nil {
		errs = multierror.Append(errs, err)
	}

	klog.V(1).Infof("vmemcore: destroyed object base=%#x", baseAddr)
	return errs.ErrorOrNil()
}

// Shutdown stops the dispatcher and eviction engine, unregisters
// userfault, and releases the arena. It never fails outright (per §7's
// "Shutdown never fails"): individual teardown failures are aggregated
// and returned, but every resource is still given a chance to close.
// Shutdown is idempotent.
func Shutdown() error {
	initMu.Lock()
	c := ctrl
	ctrl = nil
	initMu.Unlock()
	if c == nil {
		return nil
	}
	return c.shutdown()
}

func (c *controller) shutdown() error {
	var errs *multierror.Error
	c.shutdownOnce.Do(func() {
		for _, desc := range c.reg.All() {
			if err := c.destroyObject(desc.BaseAddr); err != nil {
				errs = multierror.Append(errs, err)
				klog.Warningf("vmemcore: shutdown: destroy %#x failed: %v", desc.BaseAddr, err)
			}
		}

		c.evictor.Stop()
		if err := c.dispatcher.Stop(); err != nil {
			errs = multierror.Append(errs, err)
		}
		if err := c.arena.Close(); err != nil {
			errs = multierror.Append(errs, err)
		}
		klog.V(1).Info("vmemcore: shutdown complete")
	})
	return errs.ErrorOrNil()
}

// SetDebug toggles trace logging of faults, populates, and evictions by
// setting klog's process-wide verbosity to 2 (enabled) or 0 (disabled),
// per §6's set_debug. It also switches recording into the in-memory
// debug-event ring on or off; the core records one event per NewObject
// into that ring, faults, populates and evictions are not recorded
// there, and no exported function returns the ring's contents.
func SetDebug(enabled bool) {
	c, err := ensureInit()
	if err != nil {
		klog.Errorf("vmemcore: SetDebug: %v", err)
		return
	}
	c.trace.SetEnabled(enabled)

	level := "0"
	if enabled {
		level = "2"
	}
	var fs flag.FlagSet
	klog.InitFlags(&fs)
	if err := fs.Set("v", level); err != nil {
		klog.Errorf("vmemcore: SetDebug: set klog verbosity: %v", err)
	}
}
