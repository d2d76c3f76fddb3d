package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func collect(t *testing.T, reader *metric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	return rm
}

func findSum(rm metricdata.ResourceMetrics, name string) (metricdata.Sum[float64], bool) {
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name == name {
				sum, ok := m.Data.(metricdata.Sum[float64])
				return sum, ok
			}
		}
	}
	return metricdata.Sum[float64]{}, false
}

func TestRecordMetricCounts(t *testing.T) {
	reader := metric.NewManualReader()
	provider := metric.NewMeterProvider(metric.WithReader(reader))
	m := New(WithMeterProvider(provider))

	m.RecordMetric("aicm.transport.records", 3, nil)
	m.RecordMetric("aicm.transport.records", 2, nil)

	sum, ok := findSum(collect(t, reader), "aicm.transport.records")
	require.True(t, ok)
	require.Len(t, sum.DataPoints, 1)
	assert.Equal(t, float64(5), sum.DataPoints[0].Value)
}

func TestRecordMetricLabelsBecomeAttributes(t *testing.T) {
	reader := metric.NewManualReader()
	provider := metric.NewMeterProvider(metric.WithReader(reader))
	m := New(WithMeterProvider(provider))

	m.RecordMetric("aicm.transport.batches", 1, map[string]string{"outcome": "delivered"})
	m.RecordMetric("aicm.transport.batches", 1, map[string]string{"outcome": "failed"})

	sum, ok := findSum(collect(t, reader), "aicm.transport.batches")
	require.True(t, ok)
	require.Len(t, sum.DataPoints, 2, "one series per outcome")

	for _, dp := range sum.DataPoints {
		v, found := dp.Attributes.Value(attribute.Key("outcome"))
		require.True(t, found)
		assert.Contains(t, []string{"delivered", "failed"}, v.AsString())
	}
}

func TestRecordMetricReusesInstrument(t *testing.T) {
	reader := metric.NewManualReader()
	provider := metric.NewMeterProvider(metric.WithReader(reader))
	m := New(WithMeterProvider(provider))

	for i := 0; i < 10; i++ {
		m.RecordMetric("aicm.memqueue.discarded", 1, nil)
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	assert.Len(t, m.counters, 1)
}
