package debugtrace

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRingDisabledByDefault(t *testing.T) {
	r := NewRing(4)
	r.Record(Event{Kind: KindFault, BaseAddr: 1})
	require.Empty(t, r.Snapshot())
}

func TestRingRecordsInOrder(t *testing.T) {
	r := NewRing(4)
	r.SetEnabled(true)
	for i := int64(0); i < 3; i++ {
		r.Record(Event{Kind: KindPopulate, PageIndex: i})
	}
	got := r.Snapshot()
	require.Len(t, got, 3)
	for i, ev := range got {
		require.EqualValues(t, i, ev.PageIndex)
	}
}

func TestRingOverwritesOldest(t *testing.T) {
	r := NewRing(3)
	r.SetEnabled(true)
	for i := int64(0); i < 5; i++ {
		r.Record(Event{Kind: KindEvict, PageIndex: i})
	}
	got := r.Snapshot()
	require.Len(t, got, 3)
	require.EqualValues(t, []int64{2, 3, 4}, []int64{got[0].PageIndex, got[1].PageIndex, got[2].PageIndex})
}
