package delivery

import (
	"context"
	"sync/atomic"

	"github.com/aicostmanager/aicm-go/core"
)

// Immediate sends every record synchronously in the caller's goroutine.
// No background state: the HTTP call (with its bounded retry) completes
// before Enqueue returns. On final failure the error either surfaces
// (RAISE_ON_ERROR) or is logged and swallowed.
type Immediate struct {
	sender       core.BatchSender
	logger       core.Logger
	telemetry    core.Telemetry
	raiseOnError bool

	closed    atomic.Bool
	enqueued  atomic.Int64
	delivered atomic.Int64
	failed    atomic.Int64
}

// NewImmediate creates the synchronous strategy
func NewImmediate(settings *core.Settings, opts Options) *Immediate {
	opts.fill()
	return &Immediate{
		sender:       opts.Sender,
		logger:       opts.Logger,
		telemetry:    opts.Telemetry,
		raiseOnError: settings.RaiseOnError,
	}
}

// Enqueue sends a single record now
func (d *Immediate) Enqueue(ctx context.Context, rec *core.UsageRecord) error {
	_, err := d.EnqueueBatch(ctx, []*core.UsageRecord{rec})
	return err
}

// EnqueueBatch sends the whole batch in one HTTP call (atomic)
func (d *Immediate) EnqueueBatch(ctx context.Context, recs []*core.UsageRecord) (*core.BatchResult, error) {
	if d.closed.Load() {
		return nil, core.ErrTrackerClosed
	}
	d.enqueued.Add(int64(len(recs)))

	result, err := d.sender.SendBatch(ctx, recs)
	if err != nil {
		d.failed.Add(int64(len(recs)))
		if d.raiseOnError {
			return nil, err
		}
		d.logger.Error("immediate delivery failed", map[string]interface{}{
			"records": len(recs),
			"error":   err.Error(),
		})
		// The caller still gets a per-record disposition: failed, not queued
		failed := &core.BatchResult{Results: make([]core.RecordResult, len(recs))}
		for i, rec := range recs {
			failed.Results[i] = core.RecordResult{
				ResponseID: rec.ResponseID(),
				Status:     core.StatusFailed,
			}
		}
		return failed, nil
	}
	d.delivered.Add(int64(len(recs)))
	return result, nil
}

// Stats returns the running counters
func (d *Immediate) Stats() core.DeliveryStats {
	return core.DeliveryStats{
		Enqueued:  d.enqueued.Load(),
		Delivered: d.delivered.Load(),
		Failed:    d.failed.Load(),
	}
}

// Close marks the strategy closed. Nothing to drain.
func (d *Immediate) Close(ctx context.Context) error {
	d.closed.Store(true)
	return nil
}
