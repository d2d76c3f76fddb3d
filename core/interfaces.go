package core

import (
	"context"
)

// Logger interface - minimal logging interface
type Logger interface {
	Info(msg string, fields map[string]interface{})
	Error(msg string, fields map[string]interface{})
	Warn(msg string, fields map[string]interface{})
	Debug(msg string, fields map[string]interface{})
}

// Telemetry interface - optional metrics support
type Telemetry interface {
	RecordMetric(name string, value float64, labels map[string]string)
}

// Delivery moves usage records from the tracker to the tracking service.
// Implementations are owned by exactly one Tracker and released on Close.
type Delivery interface {
	// Enqueue hands a single record to the strategy. For queued strategies
	// the record is accepted once Enqueue returns; delivery happens later.
	Enqueue(ctx context.Context, rec *UsageRecord) error

	// EnqueueBatch hands an ordered batch to the strategy. Synchronous
	// strategies return the server's per-record results; queued strategies
	// return a nil result because delivery is deferred.
	EnqueueBatch(ctx context.Context, recs []*UsageRecord) (*BatchResult, error)

	// Stats returns a point-in-time snapshot of delivery counters.
	Stats() DeliveryStats

	// Close drains pending records within the context deadline and releases
	// background resources. Enqueue after Close returns ErrTrackerClosed.
	Close(ctx context.Context) error
}

// BatchSender dispatches one batch over the wire. Satisfied by
// transport.Client; delivery strategies depend on this rather than the
// concrete client so tests can substitute fakes.
type BatchSender interface {
	SendBatch(ctx context.Context, recs []*UsageRecord) (*BatchResult, error)
}

// LimitsSink absorbs the authoritative triggered-limits list returned by the
// server after a successful delivery.
type LimitsSink interface {
	Notify(limits []TriggeredLimit)
}

// DeliveryStats counters for one delivery strategy instance
type DeliveryStats struct {
	Queued    int64 `json:"queued"`
	Enqueued  int64 `json:"enqueued"`
	Delivered int64 `json:"delivered"`
	Failed    int64 `json:"failed"`
	Discarded int64 `json:"discarded"`
}

// Default no-op implementations

// NoOpLogger provides a no-op logger implementation
type NoOpLogger struct{}

func (n *NoOpLogger) Info(msg string, fields map[string]interface{})  {}
func (n *NoOpLogger) Error(msg string, fields map[string]interface{}) {}
func (n *NoOpLogger) Warn(msg string, fields map[string]interface{})  {}
func (n *NoOpLogger) Debug(msg string, fields map[string]interface{}) {}

// NoOpTelemetry provides a no-op telemetry implementation
type NoOpTelemetry struct{}

func (n *NoOpTelemetry) RecordMetric(name string, value float64, labels map[string]string) {}
