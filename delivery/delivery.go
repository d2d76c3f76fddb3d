// Package delivery implements the three interchangeable strategies that move
// usage records to the tracking service: immediate synchronous, in-memory
// queued and durable on-disk queued. All three share one transport protocol
// and satisfy core.Delivery.
package delivery

import (
	"fmt"

	"github.com/aicostmanager/aicm-go/core"
)

// Options carries the collaborators a strategy needs
type Options struct {
	Sender    core.BatchSender
	Logger    core.Logger
	Telemetry core.Telemetry

	// OnDiscard fires for every record dropped by the in-memory queue's
	// backpressure overflow policy.
	OnDiscard func(*core.UsageRecord)
}

func (o *Options) fill() {
	if o.Logger == nil {
		o.Logger = &core.NoOpLogger{}
	}
	if o.Telemetry == nil {
		o.Telemetry = &core.NoOpTelemetry{}
	}
}

// New constructs the strategy selected by settings.DeliveryType
func New(settings *core.Settings, opts Options) (core.Delivery, error) {
	if opts.Sender == nil {
		return nil, core.NewTrackerError("delivery.New", "delivery", fmt.Errorf("batch sender is required: %w", core.ErrInvalidConfiguration))
	}
	opts.fill()
	switch settings.DeliveryType {
	case core.DeliveryImmediate:
		return NewImmediate(settings, opts), nil
	case core.DeliveryMemQueue:
		return NewMemQueue(settings, opts), nil
	case core.DeliveryPersistentQueue:
		return NewPersistentQueue(settings, opts)
	default:
		return nil, core.NewTrackerError("delivery.New", "delivery", fmt.Errorf("unknown delivery type %q: %w", settings.DeliveryType, core.ErrInvalidConfiguration))
	}
}
