// Package telemetry emits the tracker's internal metrics through the
// OpenTelemetry metric API. The SDK wires this in only when the host
// application asks for it; the default everywhere else is the no-op
// implementation in core.
package telemetry

import (
	"context"
	"sort"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/aicostmanager/aicm-go"

// Metrics records tracker counters as OTel Float64Counters. Instruments are
// created lazily per metric name and cached; labels become attributes.
type Metrics struct {
	meter    metric.Meter
	mu       sync.RWMutex
	counters map[string]metric.Float64Counter
}

// Option customizes Metrics construction
type Option func(*Metrics)

// WithMeterProvider uses an explicit provider instead of the global one
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(m *Metrics) {
		m.meter = mp.Meter(meterName)
	}
}

// New creates a Metrics backed by the global meter provider unless
// overridden with WithMeterProvider.
func New(opts ...Option) *Metrics {
	m := &Metrics{
		meter:    otel.Meter(meterName),
		counters: make(map[string]metric.Float64Counter),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// RecordMetric adds value to the counter registered under name. Instrument
// creation failures are swallowed; metrics must never break delivery.
func (m *Metrics) RecordMetric(name string, value float64, labels map[string]string) {
	m.mu.RLock()
	counter, ok := m.counters[name]
	m.mu.RUnlock()

	if !ok {
		m.mu.Lock()
		// Re-check after taking the write lock
		if counter, ok = m.counters[name]; !ok {
			var err error
			counter, err = m.meter.Float64Counter(name)
			if err != nil {
				m.mu.Unlock()
				return
			}
			m.counters[name] = counter
		}
		m.mu.Unlock()
	}

	counter.Add(context.Background(), value, metric.WithAttributes(attributesFromLabels(labels)...))
}

// attributesFromLabels converts labels to attributes in a stable order
func attributesFromLabels(labels map[string]string) []attribute.KeyValue {
	if len(labels) == 0 {
		return nil
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	attrs := make([]attribute.KeyValue, 0, len(keys))
	for _, k := range keys {
		attrs = append(attrs, attribute.String(k, labels[k]))
	}
	return attrs
}
