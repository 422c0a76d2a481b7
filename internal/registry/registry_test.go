package registry

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func mkDescriptor(base uintptr, size int64) *Descriptor {
	return &Descriptor{BaseAddr: base, SegmentSize: size, PageSize: 4096}
}

func TestLookupExact(t *testing.T) {
	r := New()
	d := mkDescriptor(0x1000, 4096)
	r.Insert(d)

	got, ok := r.Lookup(0x1000)
	require.True(t, ok)
	require.Same(t, d, got)

	_, ok = r.Lookup(0x2000)
	require.False(t, ok)
}

func TestFindPredecessor(t *testing.T) {
	r := New()
	d1 := mkDescriptor(0x1000, 0x1000)
	d2 := mkDescriptor(0x5000, 0x2000)
	r.Insert(d1)
	r.Insert(d2)

	got, ok := r.Find(0x1500)
	require.True(t, ok)
	require.Same(t, d1, got)

	got, ok = r.Find(0x6500)
	require.True(t, ok)
	require.Same(t, d2, got)

	// Inside the gap between objects.
	_, ok = r.Find(0x3000)
	require.False(t, ok)

	// Past the end of the last object.
	_, ok = r.Find(0x7000)
	require.False(t, ok)

	// Before the first object.
	_, ok = r.Find(0x500)
	require.False(t, ok)
}

func TestRemove(t *testing.T) {
	r := New()
	d := mkDescriptor(0x1000, 0x1000)
	r.Insert(d)
	require.Equal(t, 1, r.Len())

	r.Remove(0x1000)
	require.Equal(t, 0, r.Len())
	_, ok := r.Find(0x1500)
	require.False(t, ok)
}

func TestStickyError(t *testing.T) {
	d := mkDescriptor(0x1000, 0x1000)
	require.Nil(t, d.Err())

	err1 := errors.New("first")
	err2 := errors.New("second")
	d.SetError(err1)
	d.SetError(err2)

	require.Equal(t, err1, d.Err())
}

func TestHeaderPages(t *testing.T) {
	d := mkDescriptor(0x1000, 0x1000)
	d.HeaderBytes = 0
	require.EqualValues(t, 0, d.HeaderPages())

	d.HeaderBytes = 1
	require.EqualValues(t, 1, d.HeaderPages())

	d.HeaderBytes = 4096
	require.EqualValues(t, 1, d.HeaderPages())

	d.HeaderBytes = 4097
	require.EqualValues(t, 2, d.HeaderPages())
}
