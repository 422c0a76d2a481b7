package populate

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vmemcore/vmemcore/internal/bitmap"
	"github.com/vmemcore/vmemcore/internal/lruclock"
	"github.com/vmemcore/vmemcore/internal/pageio"
	"github.com/vmemcore/vmemcore/internal/registry"
	"github.com/vmemcore/vmemcore/internal/source"
	"github.com/vmemcore/vmemcore/internal/store"
)

const pageSize = 4096

func newDescriptor(t *testing.T, nElements, elementSize, headerBytes, minLoad int64, populateFn source.PopulateFunc) *registry.Descriptor {
	t.Helper()
	objEnd := headerBytes + nElements*elementSize
	segSize := ((objEnd + pageSize - 1) / pageSize) * pageSize
	npages := segSize / pageSize

	dir, err := os.MkdirTemp("", "vmemcore-populate-test-*")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })

	backing, err := store.Open(dir, pageSize, 0)
	require.NoError(t, err)
	t.Cleanup(func() { backing.Close() })

	return &registry.Descriptor{
		BaseAddr:        0x40000000,
		SegmentSize:     segSize,
		NPages:          npages,
		PageSize:        pageSize,
		NElements:       nElements,
		ElementSize:     elementSize,
		HeaderBytes:     headerBytes,
		MinLoadElements: minLoad,
		PopulateFn:      populateFn,
		Residency:       bitmap.New(),
		Dirty:           bitmap.New(),
		EverDirty:       bitmap.New(),
		LRUEpoch:        make([]uint32, npages),
		Backing:         backing,
	}
}

func TestPopulatorInstallsFromPopulateFn(t *testing.T) {
	var gotStart, gotEnd int64
	fn := func(startElem, endElem int64, callout source.Callout, userData interface{}, out []byte) error {
		gotStart, gotEnd = startElem, endElem
		for i := range out {
			out[i] = byte(i)
		}
		return nil
	}

	desc := newDescriptor(t, 4096, 1, 0, 4096, fn)
	backend := pageio.NewFake()
	p := New(backend, pageSize, 1, lruclock.New(), nil, nil)

	p.Handle(desc, 0)

	require.True(t, desc.Residency.Contains(0))
	require.EqualValues(t, 0, gotStart)
	require.EqualValues(t, pageSize, gotEnd)

	data, ok := backend.Installed(desc.BaseAddr)
	require.True(t, ok)
	require.Len(t, data, pageSize)
	require.Equal(t, byte(0), data[0])
	require.Equal(t, byte(1), data[1])
}

func TestPopulatorRereadsSamePageIsNoOp(t *testing.T) {
	calls := 0
	fn := func(startElem, endElem int64, callout source.Callout, userData interface{}, out []byte) error {
		calls++
		return nil
	}
	desc := newDescriptor(t, 4096, 1, 0, 4096, fn)
	backend := pageio.NewFake()
	p := New(backend, pageSize, 1, lruclock.New(), nil, nil)

	p.Handle(desc, 0)
	p.Handle(desc, 0)

	require.Equal(t, 1, calls)
}

func TestPopulatorReadsFromBackingStoreWhenEverDirty(t *testing.T) {
	fn := func(startElem, endElem int64, callout source.Callout, userData interface{}, out []byte) error {
		t.Fatal("populate_fn should not be called for an ever-dirty page")
		return nil
	}
	desc := newDescriptor(t, 4096, 1, 0, 4096, fn)

	want := make([]byte, pageSize)
	for i := range want {
		want[i] = 0x42
	}
	require.NoError(t, desc.Backing.WritePage(0, want))
	desc.EverDirty.Set(0)

	backend := pageio.NewFake()
	p := New(backend, pageSize, 1, lruclock.New(), nil, nil)

	p.Handle(desc, 0)

	data, ok := backend.Installed(desc.BaseAddr)
	require.True(t, ok)
	require.Equal(t, want, data)
}

func TestPopulatorHonorsHeaderBytes(t *testing.T) {
	var gotStart int64 = -1
	fn := func(startElem, endElem int64, callout source.Callout, userData interface{}, out []byte) error {
		gotStart = startElem
		return nil
	}
	// Header occupies the whole first page; object data starts on page 1.
	desc := newDescriptor(t, 4096, 1, pageSize, 4096, fn)

	backend := pageio.NewFake()
	p := New(backend, pageSize, 1, lruclock.New(), nil, nil)

	p.Handle(desc, 1)

	require.EqualValues(t, 0, gotStart)
	require.True(t, desc.Residency.Contains(1))
	require.False(t, desc.Residency.Contains(0), "header page must not be touched by the populator")
}

func TestPopulatorSkipsAlreadyResidentSiblingInUnit(t *testing.T) {
	fn := func(startElem, endElem int64, callout source.Callout, userData interface{}, out []byte) error {
		for i := range out {
			out[i] = 0xAB
		}
		return nil
	}
	// min_load_elements spans two pages, so faulting page 0 would normally
	// install pages [0,2). Page 1 is pre-marked resident and Dirty, as if
	// the eviction engine had reclaimed only page 0 of the unit (which the
	// grouped evictor can do when an install straddles two of its windows,
	// and which the populator must defend against).
	desc := newDescriptor(t, 2*pageSize, 1, 0, 2*pageSize, fn)
	desc.Residency.Set(1)
	desc.Dirty.Set(1)

	backend := pageio.NewFake()
	sentinel := []byte("do-not-clobber-me")
	require.NoError(t, backend.InstallPage(desc.BaseAddr+pageSize, sentinel))

	p := New(backend, pageSize, 1, lruclock.New(), nil, nil)
	p.Handle(desc, 0)

	require.True(t, desc.Residency.Contains(0))
	require.True(t, desc.Residency.Contains(1))
	require.True(t, desc.Dirty.Contains(1), "sibling's dirty bit must survive the install")

	data, ok := backend.Installed(desc.BaseAddr + pageSize)
	require.True(t, ok)
	require.Equal(t, sentinel, data, "already-resident sibling page must not be overwritten")

	installed, ok := backend.Installed(desc.BaseAddr)
	require.True(t, ok)
	require.Equal(t, byte(0xAB), installed[0])
}

func TestPopulatorFallsBackToZeroPageOnError(t *testing.T) {
	fn := func(startElem, endElem int64, callout source.Callout, userData interface{}, out []byte) error {
		return assert.AnError
	}
	desc := newDescriptor(t, 4096, 1, 0, 4096, fn)
	backend := pageio.NewFake()
	p := New(backend, pageSize, 1, lruclock.New(), nil, nil)

	p.Handle(desc, 0)

	require.Error(t, desc.Err())
	require.True(t, desc.Residency.Contains(0))
	data, ok := backend.Installed(desc.BaseAddr)
	require.True(t, ok)
	for _, b := range data {
		require.Equal(t, byte(0), b)
	}
}
