package vmem

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vmemcore/vmemcore/internal/arena"
	"github.com/vmemcore/vmemcore/internal/budget"
	"github.com/vmemcore/vmemcore/internal/debugtrace"
	"github.com/vmemcore/vmemcore/internal/lruclock"
	"github.com/vmemcore/vmemcore/internal/pageio"
	"github.com/vmemcore/vmemcore/internal/registry"
)

const testPageSize = 4096

// newTestController builds a controller wired to a pageio.Fake instead of
// the real userfaultfd backend, so newObject/installHeaderPages/
// destroyObject can be exercised without kernel support or a running
// dispatcher -- the same in-process idiom pageio.Fake's doc comment
// describes for the dispatcher and populator tests.
func newTestController(t *testing.T) (*controller, *pageio.Fake) {
	t.Helper()

	dir, err := os.MkdirTemp("", "vmemcore-vmem-test-*")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })

	ar, err := arena.Reserve(1<<20, testPageSize)
	require.NoError(t, err)
	t.Cleanup(func() { ar.Close() })

	backend := pageio.NewFake()
	t.Cleanup(func() { backend.Close() })

	c := &controller{
		cfg: Config{
			PageSize:   testPageSize,
			ArenaSize:  1 << 20,
			ScratchDir: dir,
		},
		arena:   ar,
		backend: backend,
		reg:     registry.New(),
		budget:  budget.New(0),
		clock:   lruclock.New(),
		trace:   debugtrace.NewRing(16),
	}
	return c, backend
}

func TestInstallHeaderPagesPopulatesTailSharingHeaderPage(t *testing.T) {
	c, backend := newTestController(t)

	// A 4-byte header leaves 4092 bytes of the first page for element
	// data; with 4-byte elements that is 1023 elements that must come
	// from populate_fn even though the page is installed eagerly here,
	// never through a fault.
	var gotStart, gotEnd int64 = -1, -1
	src := Source{
		NElements:   2048,
		ElementSize: 4,
		HeaderBytes: 4,
		ElementKind: KindInteger,
		Populate: func(startElem, endElem int64, callout Callout, userData interface{}, out []byte) error {
			gotStart, gotEnd = startElem, endElem
			for i := range out {
				out[i] = 0xCD
			}
			return nil
		},
	}

	base, err := c.newObject(src)
	require.NoError(t, err)

	require.EqualValues(t, 0, gotStart)
	require.EqualValues(t, 1023, gotEnd)

	page, ok := backend.Installed(base)
	require.True(t, ok)
	require.Len(t, page, testPageSize)

	// Header bytes stay zero; the tail is what populate_fn wrote.
	require.Equal(t, []byte{0, 0, 0, 0}, page[:4])
	require.Equal(t, byte(0xCD), page[4])
	require.Equal(t, byte(0xCD), page[testPageSize-1])

	desc, ok := c.reg.Lookup(base)
	require.True(t, ok)
	require.True(t, desc.Residency.Contains(0))
}

func TestInstallHeaderPagesNoTailWhenHeaderFillsWholePage(t *testing.T) {
	c, backend := newTestController(t)

	fn := func(startElem, endElem int64, callout Callout, userData interface{}, out []byte) error {
		t.Fatal("populate_fn must not run when the header consumes the whole page")
		return nil
	}
	src := Source{
		NElements:   64,
		ElementSize: 8,
		HeaderBytes: testPageSize,
		ElementKind: KindInteger,
		Populate:    fn,
	}

	base, err := c.newObject(src)
	require.NoError(t, err)

	page, ok := backend.Installed(base)
	require.True(t, ok)
	for _, b := range page {
		require.Equal(t, byte(0), b)
	}
}

func TestDestroyObjectDropsResidentPagesAndFreesArena(t *testing.T) {
	c, backend := newTestController(t)

	src := Source{
		NElements:   1024,
		ElementSize: 4,
		HeaderBytes: 8,
		ElementKind: KindInteger,
		Populate: func(startElem, endElem int64, callout Callout, userData interface{}, out []byte) error {
			return nil
		},
	}
	base, err := c.newObject(src)
	require.NoError(t, err)

	freeBefore := c.arena.FreeBytes()

	require.NoError(t, c.destroyObject(base))

	_, ok := c.reg.Lookup(base)
	require.False(t, ok)
	_, ok = backend.Installed(base)
	require.False(t, ok, "header page must be dropped from the backend on destroy")
	require.Greater(t, c.arena.FreeBytes(), freeBefore)
}
