// Package dispatch implements the Page-Fault Dispatcher: a single-threaded
// consumer of pageio.Backend fault events that routes each one to the
// owning Object Descriptor and hands it to a bounded pool of handler
// goroutines, per §4.4 and the Design Notes' "single consumer feeding a
// bounded work queue" model.
//
// Grounded on talostrading-sonic's IO/Poller pair (io.go, internal/
// poll_linux.go): one loop blocks on the kernel event source and a Post-
// style mechanism lets Close() unwind it cleanly. Here that mechanism is
// simpler than sonic's eventfd waker, because pageio.Backend.Close()
// itself unblocks AwaitFault (returning pageio.ErrClosed) -- no separate
// wakeup channel is needed on the receive side, only on the worker pool's
// shutdown side.
package dispatch

import (
	"sync"
	"sync/atomic"

	"k8s.io/klog/v2"

	"github.com/vmemcore/vmemcore/internal/pagemath"
	"github.com/vmemcore/vmemcore/internal/pageio"
	"github.com/vmemcore/vmemcore/internal/registry"
)

// Handler processes one fault, resolved to its owning descriptor and page
// index. It must always leave the fault answered (install or zero-page),
// per §4.4.
type Handler func(desc *registry.Descriptor, pageIndex int64)

// UnroutedHandler processes a fault that could not be matched to any live
// object (e.g. a stale access into a freed segment still covered by the
// arena's wholesale userfault registration).
type UnroutedHandler func(addr uintptr)

type job struct {
	desc      *registry.Descriptor
	pageIndex int64
}

// Dispatcher owns the fault-receiving goroutine and the populate worker
// pool that drains its work queue.
type Dispatcher struct {
	backend  pageio.Backend
	registry *registry.Registry
	pageSize int64
	handle   Handler
	unrouted UnroutedHandler

	work chan job

	receiveDone sync.WaitGroup
	workersDone sync.WaitGroup

	faults uint64 // atomic: total faults received, for diagnostics
}

// New builds a Dispatcher. workers is the size of the populate worker
// pool (§6's "dispatcher worker-pool size"); queueDepth bounds the work
// channel.
func New(backend pageio.Backend, reg *registry.Registry, pageSize int64, workers, queueDepth int, handle Handler, unrouted UnroutedHandler) *Dispatcher {
	if workers < 1 {
		workers = 1
	}
	if queueDepth < 1 {
		queueDepth = 1
	}
	d := &Dispatcher{
		backend:  backend,
		registry: reg,
		pageSize: pageSize,
		handle:   handle,
		unrouted: unrouted,
		work:     make(chan job, queueDepth),
	}

	d.receiveDone.Add(1)
	go d.receive()

	d.workersDone.Add(workers)
	for i := 0; i < workers; i++ {
		go d.worker()
	}

	return d
}

// FaultCount returns the total number of faults received so far.
func (d *Dispatcher) FaultCount() uint64 {
	return atomic.LoadUint64(&d.faults)
}

func (d *Dispatcher) receive() {
	defer d.receiveDone.Done()
	defer close(d.work)

	for {
		ev, err := d.backend.AwaitFault()
		if err != nil {
			if err != pageio.ErrClosed {
				klog.Errorf("vmemcore: dispatcher fault receive error: %v", err)
			}
			return
		}
		atomic.AddUint64(&d.faults, 1)

		desc, ok := d.registry.Find(ev.Address)
		if !ok {
			klog.V(2).Infof("vmemcore: fault at %#x matched no live object", ev.Address)
			// No descriptor owns this address -- most likely a stale access
			// into a segment arena.Free already released, since freeing
			// never unregisters the range from the kernel. Per §4.4 the
			// fault must be answered regardless, or the faulting host
			// thread blocks forever, so a zero page goes in before unrouted
			// runs for diagnostics only.
			aligned := pagemath.FloorToPage(int64(ev.Address), d.pageSize)
			if err := d.backend.ZeroPage(uintptr(aligned), d.pageSize); err != nil {
				klog.Errorf("vmemcore: unrouted zero-page fallback addr=%#x failed: %v", ev.Address, err)
			}
			if d.unrouted != nil {
				d.unrouted(ev.Address)
			}
			continue
		}

		pageIndex := (int64(ev.Address) - int64(desc.BaseAddr)) / d.pageSize
		klog.V(2).Infof("vmemcore: fault base=%#x page=%d addr=%#x", desc.BaseAddr, pageIndex, ev.Address)

		d.work <- job{desc: desc, pageIndex: pageIndex}
	}
}

func (d *Dispatcher) worker() {
	defer d.workersDone.Done()
	for j := range d.work {
		d.handle(j.desc, j.pageIndex)
	}
}

// Stop closes the backend (which unblocks the receive goroutine), then
// waits for the receive loop and every worker to drain and exit.
func (d *Dispatcher) Stop() error {
	err := d.backend.Close()
	d.receiveDone.Wait()
	d.workersDone.Wait()
	return err
}
