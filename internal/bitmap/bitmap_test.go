package bitmap

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPageSetSetClear(t *testing.T) {
	ps := New()
	require.False(t, ps.Contains(5))

	ps.Set(5)
	require.True(t, ps.Contains(5))
	require.EqualValues(t, 1, ps.Cardinality())

	ps.Clear(5)
	require.False(t, ps.Contains(5))
	require.EqualValues(t, 0, ps.Cardinality())
}

func TestPageSetRanges(t *testing.T) {
	ps := New()
	ps.SetRange(10, 20)
	require.EqualValues(t, 10, ps.Cardinality())
	require.True(t, ps.Contains(10))
	require.True(t, ps.Contains(19))
	require.False(t, ps.Contains(20))

	require.True(t, ps.AnyInRange(15, 25))
	require.False(t, ps.AnyInRange(20, 25))

	ps.ClearRange(10, 15)
	require.EqualValues(t, 5, ps.Cardinality())
	require.False(t, ps.AnyInRange(10, 15))
	require.True(t, ps.AnyInRange(10, 20))
}

func TestPageSetIterate(t *testing.T) {
	ps := New()
	ps.SetRange(3, 7)

	var got []uint32
	ps.Iterate(func(page uint32) bool {
		got = append(got, page)
		return true
	})
	require.Equal(t, []uint32{3, 4, 5, 6}, got)

	got = nil
	ps.Iterate(func(page uint32) bool {
		got = append(got, page)
		return len(got) < 2
	})
	require.Equal(t, []uint32{3, 4}, got)
}

func TestPageSetClone(t *testing.T) {
	ps := New()
	ps.SetRange(0, 4)
	clone := ps.Clone()
	clone.Clear(0)

	require.True(t, ps.Contains(0))
	require.False(t, clone.Contains(0))
}
