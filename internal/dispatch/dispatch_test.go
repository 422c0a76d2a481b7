package dispatch

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vmemcore/vmemcore/internal/pageio"
	"github.com/vmemcore/vmemcore/internal/registry"
)

const pageSize = 4096

func TestDispatcherRoutesFaultToOwningDescriptor(t *testing.T) {
	backend := pageio.NewFake()
	reg := registry.New()
	d1 := &registry.Descriptor{BaseAddr: 0x10000, SegmentSize: 2 * pageSize, PageSize: pageSize}
	reg.Insert(d1)

	var mu sync.Mutex
	var got []int64

	handled := make(chan struct{}, 4)
	handle := func(desc *registry.Descriptor, pageIndex int64) {
		mu.Lock()
		got = append(got, pageIndex)
		mu.Unlock()
		handled <- struct{}{}
	}

	disp := New(backend, reg, pageSize, 2, 8, handle, nil)
	defer disp.Stop()

	backend.InjectFault(0x10000)
	backend.InjectFault(0x10000 + pageSize)

	for i := 0; i < 2; i++ {
		select {
		case <-handled:
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for fault handling")
		}
	}

	mu.Lock()
	defer mu.Unlock()
	require.ElementsMatch(t, []int64{0, 1}, got)
	require.EqualValues(t, 2, disp.FaultCount())
}

func TestDispatcherUnroutedFault(t *testing.T) {
	backend := pageio.NewFake()
	reg := registry.New()

	unroutedCh := make(chan uintptr, 1)
	disp := New(backend, reg, pageSize, 1, 4, func(*registry.Descriptor, int64) {}, func(addr uintptr) {
		unroutedCh <- addr
	})
	defer disp.Stop()

	backend.InjectFault(0xDEAD000)

	select {
	case addr := <-unroutedCh:
		require.EqualValues(t, 0xDEAD000, addr)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for unrouted callback")
	}

	page, ok := backend.Installed(0xDEAD000)
	require.True(t, ok, "unrouted fault must still be answered with a zero page")
	require.Equal(t, make([]byte, pageSize), page)
}

func TestDispatcherStopDrains(t *testing.T) {
	backend := pageio.NewFake()
	reg := registry.New()
	disp := New(backend, reg, pageSize, 2, 4, func(*registry.Descriptor, int64) {}, nil)
	require.NoError(t, disp.Stop())
}
