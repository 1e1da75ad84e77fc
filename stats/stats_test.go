package stats

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestMetricsRecordBasicSeries(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.SetRAMUsed(1024)
	m.SetSegmentCount(3)
	m.SetChunkCount(2)
	m.SetSaveActive(true)
	m.ObserveMerge(5 * time.Millisecond)
	m.ObserveFlush(10 * time.Millisecond)
	m.ObserveOptimizeStep("compress")
	m.AddKills(4)

	families, err := reg.Gather()
	require.NoError(t, err)
	require.NotEmpty(t, families)
}

func TestQueryLatencyRecorderReportsQuantiles(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	for i := 0; i < 100; i++ {
		require.NoError(t, m.RecordQueryLatency(time.Duration(i+1)*time.Millisecond))
	}

	p50 := m.QueryLatencyValueAtQuantile(50)
	p99 := m.QueryLatencyValueAtQuantile(99)
	require.Greater(t, p99, p50)
}

func TestAddKillsIgnoresNonPositive(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	m.AddKills(0)
	m.AddKills(-1)
	require.Equal(t, float64(0), testutil.ToFloat64(m.killTotal))
}
