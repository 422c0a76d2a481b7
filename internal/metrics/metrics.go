// Package metrics defines the Prometheus collectors vmemcore exposes,
// per SPEC_FULL.md §2.4. internal/populate and internal/evict have no
// dependency on this package; they call back through their own small
// Hooks structs, which this package imports and fills in, so neither of
// them needs to import prometheus/client_golang just to build a Populator.
//
// Grounded on containers-nri-plugins/pkg/metrics: a private
// prometheus.Registry rather than the global default, registered
// collectors with a fixed name prefix, and counters/gauges/histograms
// chosen per concern rather than one do-everything struct.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/vmemcore/vmemcore/internal/evict"
	"github.com/vmemcore/vmemcore/internal/populate"
	"github.com/vmemcore/vmemcore/internal/registry"
)

const namespace = "vmemcore"

// Collectors is the full set of vmemcore's Prometheus metrics.
type Collectors struct {
	ResidentBytes    prometheus.Gauge
	ArenaFreeBytes   prometheus.Gauge
	Faults           prometheus.Counter
	PopulateLatency  prometheus.Histogram
	PopulateBytes    *prometheus.CounterVec // label "source": populate_fn|backing_store
	Evictions        prometheus.Counter
	EvictionFlushes  prometheus.Counter
	BackingStoreErrs prometheus.Counter
	ObjectError      *prometheus.GaugeVec // label "base_addr"
}

// New builds a fresh, unregistered set of collectors.
func New() *Collectors {
	return &Collectors{
		ResidentBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "resident_bytes",
			Help: "Total bytes currently backed by physical pages across all live objects.",
		}),
		ArenaFreeBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "arena_free_bytes",
			Help: "Bytes of virtual address space still unallocated in the arena.",
		}),
		Faults: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "faults_total",
			Help: "Total page faults dispatched to the populator.",
		}),
		PopulateLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "populate_latency_seconds",
			Help:    "Time spent servicing one populate call, from lock acquisition to install.",
			Buckets: prometheus.ExponentialBuckets(0.00005, 4, 10),
		}),
		PopulateBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "populate_bytes_total",
			Help: "Bytes materialized by the populator, by source.",
		}, []string{"source"}),
		Evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "evictions_total",
			Help: "Total pages reclaimed by the eviction engine.",
		}),
		EvictionFlushes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "eviction_flushes_total",
			Help: "Evicted pages in eviction groups where at least one page required a backing-store write first.",
		}),
		BackingStoreErrs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "backing_store_errors_total",
			Help: "Backing-store read or write failures observed on the populate or evict path.",
		}),
		ObjectError: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "object_error",
			Help: "1 if the object at this base address has a sticky fault-path error, else 0.",
		}, []string{"base_addr"}),
	}
}

// Register adds every collector to reg.
func (c *Collectors) Register(reg *prometheus.Registry) error {
	collectors := []prometheus.Collector{
		c.ResidentBytes, c.ArenaFreeBytes, c.Faults, c.PopulateLatency,
		c.PopulateBytes, c.Evictions, c.EvictionFlushes, c.BackingStoreErrs,
		c.ObjectError,
	}
	for _, coll := range collectors {
		if err := reg.Register(coll); err != nil {
			return err
		}
	}
	return nil
}

// PopulateHooks adapts this package's counters to internal/populate.Hooks.
func (c *Collectors) PopulateHooks() *populate.Hooks {
	return &populate.Hooks{
		OnPopulate: func(desc *registry.Descriptor, pageIndex int64, pages int64, fromBackingStore bool, elapsed time.Duration, err error) {
			c.Faults.Inc()
			c.PopulateLatency.Observe(elapsed.Seconds())
			label := "populate_fn"
			if fromBackingStore {
				label = "backing_store"
			}
			c.PopulateBytes.WithLabelValues(label).Add(float64(pages) * float64(desc.PageSize))
			if err != nil {
				if fromBackingStore {
					c.BackingStoreErrs.Inc()
				}
				c.setObjectError(desc)
				return
			}
			c.ResidentBytes.Add(float64(pages) * float64(desc.PageSize))
		},
	}
}

// EvictHooks adapts this package's counters to internal/evict.Hooks.
func (c *Collectors) EvictHooks() *evict.Hooks {
	return &evict.Hooks{
		OnEvict: func(desc *registry.Descriptor, pages int64, flushed bool, err error) {
			if err != nil {
				c.BackingStoreErrs.Inc()
				c.setObjectError(desc)
				return
			}
			c.Evictions.Add(float64(pages))
			if flushed {
				c.EvictionFlushes.Add(float64(pages))
			}
			c.ResidentBytes.Sub(float64(pages) * float64(desc.PageSize))
		},
	}
}

func (c *Collectors) setObjectError(desc *registry.Descriptor) {
	v := 0.0
	if desc.Err() != nil {
		v = 1.0
	}
	c.ObjectError.WithLabelValues(strconv.FormatUint(uint64(desc.BaseAddr), 16)).Set(v)
}
