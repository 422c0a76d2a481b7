package store

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWriteReadRoundTrip(t *testing.T) {
	s, err := Open(t.TempDir(), 4096, 0)
	require.NoError(t, err)
	defer s.Close()

	page := make([]byte, 4096)
	for i := range page {
		page[i] = byte(i)
	}

	require.NoError(t, s.WritePage(3, page))

	out := make([]byte, 4096)
	require.NoError(t, s.ReadPage(3, out))
	require.Equal(t, page, out)
}

func TestWriteReadMultiplePages(t *testing.T) {
	s, err := Open(t.TempDir(), 4096, 0)
	require.NoError(t, err)
	defer s.Close()

	a := make([]byte, 4096)
	b := make([]byte, 4096)
	for i := range a {
		a[i] = 0xAA
		b[i] = 0xBB
	}
	require.NoError(t, s.WritePage(0, a))
	require.NoError(t, s.WritePage(1, b))

	outA := make([]byte, 4096)
	outB := make([]byte, 4096)
	require.NoError(t, s.ReadPage(0, outA))
	require.NoError(t, s.ReadPage(1, outB))
	require.Equal(t, a, outA)
	require.Equal(t, b, outB)

	require.True(t, s.Size() >= 2*4096)
}
