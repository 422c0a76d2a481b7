package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"

	"github.com/vmemcore/vmemcore/internal/registry"
)

func TestCollectorsRegister(t *testing.T) {
	c := New()
	reg := prometheus.NewRegistry()
	require.NoError(t, c.Register(reg))

	families, err := reg.Gather()
	require.NoError(t, err)
	require.NotEmpty(t, families)
}

func TestPopulateHooksRecordsMetrics(t *testing.T) {
	c := New()
	hooks := c.PopulateHooks()

	desc := &registry.Descriptor{BaseAddr: 0x1000, PageSize: 4096}
	hooks.OnPopulate(desc, 0, 1, false, 0, nil)

	require.Equal(t, float64(1), testCounterValue(t, c.Faults))
	require.Equal(t, float64(4096), testGaugeValue(t, c.ResidentBytes))
}

func TestEvictHooksRecordsMetrics(t *testing.T) {
	c := New()
	hooks := c.EvictHooks()

	desc := &registry.Descriptor{BaseAddr: 0x1000, PageSize: 4096}
	hooks.OnEvict(desc, 1, true, nil)

	require.Equal(t, float64(1), testCounterValue(t, c.Evictions))
	require.Equal(t, float64(1), testCounterValue(t, c.EvictionFlushes))
}

func testCounterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	m := &dto.Metric{}
	require.NoError(t, c.Write(m))
	return m.GetCounter().GetValue()
}

func testGaugeValue(t *testing.T, g prometheus.Gauge) float64 {
	t.Helper()
	m := &dto.Metric{}
	require.NoError(t, g.Write(m))
	return m.GetGauge().GetValue()
}
