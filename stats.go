package vmem

import (
	"fmt"

	"github.com/vmemcore/vmemcore/internal/registry"
)

// Stats is a point-in-time snapshot of core-wide state, a supplemented
// diagnostic beyond the host-facing operations spec.md names.
type Stats struct {
	ResidentBytes  int64
	ArenaFreeBytes int64
	LiveObjects    int
	FaultCount     uint64
}

// GetStats reports current resident bytes, free arena space, live object
// count, and total faults served.
func GetStats() (Stats, error) {
	c, err := ensureInit()
	if err != nil {
		return Stats{}, err
	}

	objs := c.reg.All()
	var resident int64
	for _, d := range objs {
		d.Lock.Lock()
		resident += int64(d.Residency.Cardinality()) * d.PageSize
		d.Lock.Unlock()
	}

	return Stats{
		ResidentBytes:  resident,
		ArenaFreeBytes: c.arena.FreeBytes(),
		LiveObjects:    len(objs),
		FaultCount:     c.dispatcher.FaultCount(),
	}, nil
}

// ObjectInfo is a read-only snapshot of one object's descriptor.
type ObjectInfo struct {
	BaseAddr      uintptr
	SegmentSize   int64
	NPages        int64
	NElements     int64
	ElementSize   int64
	HeaderBytes   int64
	Dims          []int64
	ElementKind   ElementKind
	ResidentPages uint64
	DirtyPages    uint64
	Err           error
}

// DescribeObject returns a snapshot of the live object based at baseAddr.
func DescribeObject(baseAddr uintptr) (ObjectInfo, error) {
	c, err := ensureInit()
	if err != nil {
		return ObjectInfo{}, err
	}
	desc, ok := c.reg.Lookup(baseAddr)
	if !ok {
		return ObjectInfo{}, fmt.Errorf("vmemcore: no object at base %#x", baseAddr)
	}
	return describe(desc), nil
}

func describe(desc *registry.Descriptor) ObjectInfo {
	desc.Lock.Lock()
	defer desc.Lock.Unlock()
	return ObjectInfo{
		BaseAddr:      desc.BaseAddr,
		SegmentSize:   desc.SegmentSize,
		NPages:        desc.NPages,
		NElements:     desc.NElements,
		ElementSize:   desc.ElementSize,
		HeaderBytes:   desc.HeaderBytes,
		Dims:          desc.Dims,
		ElementKind:   desc.ElementKind,
		ResidentPages: desc.Residency.Cardinality(),
		DirtyPages:    desc.Dirty.Cardinality(),
		Err:           desc.Err(),
	}
}
