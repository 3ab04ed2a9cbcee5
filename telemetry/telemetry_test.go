package telemetry

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNoopCollectorDoesNothing(t *testing.T) {
	assert.NotPanics(t, func() {
		NoopCollector.IncCounter("x", nil)
		NoopCollector.ObserveHistogram("x", 1.0, nil)
		NoopCollector.SetGauge("x", 1.0, nil)
	})
}

func TestTimerObservesElapsedDuration(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewPrometheusCollector(reg)

	timer := StartTimer(c, "handler_duration", map[string]string{"type": "Order"})
	time.Sleep(2 * time.Millisecond)
	timer.Stop()

	mfs, err := reg.Gather()
	require.NoError(t, err)
	found := findMetricFamily(mfs, "relay_handler_duration_seconds")
	require.NotNil(t, found)
	require.Len(t, found.Metric, 1)
	assert.Greater(t, found.Metric[0].GetHistogram().GetSampleSum(), 0.0)
}

func TestIncCounterAccumulates(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewPrometheusCollector(reg)

	c.IncCounter("messages_consumed", map[string]string{"type": "Order"})
	c.IncCounter("messages_consumed", map[string]string{"type": "Order"})

	mfs, err := reg.Gather()
	require.NoError(t, err)
	found := findMetricFamily(mfs, "relay_messages_consumed_total")
	require.NotNil(t, found)
	assert.Equal(t, 2.0, found.Metric[0].GetCounter().GetValue())
}

func TestSetGaugeOverwrites(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewPrometheusCollector(reg)

	c.SetGauge("bulkhead_active", 3, map[string]string{"pool": "default"})
	c.SetGauge("bulkhead_active", 5, map[string]string{"pool": "default"})

	mfs, err := reg.Gather()
	require.NoError(t, err)
	found := findMetricFamily(mfs, "relay_bulkhead_active")
	require.NotNil(t, found)
	assert.Equal(t, 5.0, found.Metric[0].GetGauge().GetValue())
}

func findMetricFamily(mfs []*dto.MetricFamily, name string) *dto.MetricFamily {
	for _, mf := range mfs {
		if mf.GetName() == name {
			return mf
		}
	}
	return nil
}
