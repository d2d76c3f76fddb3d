package delivery

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/aicostmanager/aicm-go/core"
	"github.com/aicostmanager/aicm-go/resilience"
	"github.com/aicostmanager/aicm-go/transport"
)

// MemQueue buffers records in a bounded channel and ships them from a single
// background worker in batches. There is no durability: a failed batch is
// retried in-process up to MAX_RETRIES and then dropped with a log line.
//
// Overflow behavior is configurable. The default, backpressure, discards the
// oldest queued record to make room and fires the OnDiscard hook; block
// stalls the producer; raise returns ErrQueueFull.
type MemQueue struct {
	ch        chan *core.UsageRecord
	sender    core.BatchSender
	logger    core.Logger
	telemetry core.Telemetry

	policy           core.OverflowPolicy
	onDiscard        func(*core.UsageRecord)
	batchInterval    time.Duration
	maxBatch         int
	maxRetries       int
	shutdownDeadline time.Duration

	stopCh chan struct{}
	doneCh chan struct{}
	closed atomic.Bool

	enqueued  atomic.Int64
	delivered atomic.Int64
	failed    atomic.Int64
	discarded atomic.Int64
}

// NewMemQueue creates the in-memory strategy and starts its worker
func NewMemQueue(settings *core.Settings, opts Options) *MemQueue {
	d := newMemQueue(settings, opts)
	go d.run()
	return d
}

// newMemQueue builds the queue without starting the worker (tests start it
// explicitly to control timing)
func newMemQueue(settings *core.Settings, opts Options) *MemQueue {
	opts.fill()
	return &MemQueue{
		ch:               make(chan *core.UsageRecord, settings.QueueSize),
		sender:           opts.Sender,
		logger:           opts.Logger,
		telemetry:        opts.Telemetry,
		policy:           settings.OverflowPolicy,
		onDiscard:        opts.OnDiscard,
		batchInterval:    settings.BatchInterval,
		maxBatch:         settings.MaxBatchSize,
		maxRetries:       settings.MaxRetries,
		shutdownDeadline: settings.ShutdownDeadline,
		stopCh:           make(chan struct{}),
		doneCh:           make(chan struct{}),
	}
}

// Enqueue adds one record to the queue, applying the overflow policy when
// the channel is full.
func (d *MemQueue) Enqueue(ctx context.Context, rec *core.UsageRecord) error {
	if d.closed.Load() {
		return core.ErrTrackerClosed
	}
	switch d.policy {
	case core.OverflowBlock:
		select {
		case d.ch <- rec:
			d.enqueued.Add(1)
			return nil
		case <-ctx.Done():
			return ctx.Err()
		case <-d.stopCh:
			return core.ErrTrackerClosed
		}
	case core.OverflowRaise:
		select {
		case d.ch <- rec:
			d.enqueued.Add(1)
			return nil
		default:
			return core.ErrQueueFull
		}
	default: // backpressure
		for {
			select {
			case d.ch <- rec:
				d.enqueued.Add(1)
				return nil
			default:
			}
			// Full: evict the oldest queued record and try again
			select {
			case old := <-d.ch:
				d.discarded.Add(1)
				d.telemetry.RecordMetric("aicm.memqueue.discarded", 1, nil)
				if d.onDiscard != nil {
					d.onDiscard(old)
				}
			default:
				// Worker grabbed it first; the channel has room now
			}
		}
	}
}

// EnqueueBatch enqueues records one by one in order. Queued strategies defer
// delivery, so the result is nil.
func (d *MemQueue) EnqueueBatch(ctx context.Context, recs []*core.UsageRecord) (*core.BatchResult, error) {
	for _, rec := range recs {
		if err := d.Enqueue(ctx, rec); err != nil {
			return nil, err
		}
	}
	return nil, nil
}

// run is the background worker: accumulate up to maxBatch records or
// batchInterval of wall time, then flush.
func (d *MemQueue) run() {
	defer close(d.doneCh)
	batch := make([]*core.UsageRecord, 0, d.maxBatch)
	flushTimer := time.NewTimer(d.batchInterval)
	defer flushTimer.Stop()

	for {
		select {
		case rec := <-d.ch:
			batch = append(batch, rec)
			if len(batch) >= d.maxBatch {
				d.flush(context.Background(), batch)
				batch = batch[:0]
				resetTimer(flushTimer, d.batchInterval)
			}
		case <-flushTimer.C:
			if len(batch) > 0 {
				d.flush(context.Background(), batch)
				batch = batch[:0]
			}
			flushTimer.Reset(d.batchInterval)
		case <-d.stopCh:
			d.drain(batch)
			return
		}
	}
}

// drain empties the channel on shutdown, bounded by the shutdown deadline
func (d *MemQueue) drain(batch []*core.UsageRecord) {
	ctx, cancel := context.WithTimeout(context.Background(), d.shutdownDeadline)
	defer cancel()
	for {
		select {
		case rec := <-d.ch:
			batch = append(batch, rec)
			if len(batch) >= d.maxBatch {
				d.flush(ctx, batch)
				batch = batch[:0]
			}
		default:
			if len(batch) > 0 {
				d.flush(ctx, batch)
			}
			return
		}
	}
}

// flush sends one batch, retrying transient failures in-process. After
// MAX_RETRIES the batch is dropped: there is no durability in this strategy
// and blocking the worker forever would starve newer records.
func (d *MemQueue) flush(ctx context.Context, batch []*core.UsageRecord) {
	retryCfg := &resilience.RetryConfig{
		MaxAttempts:   d.maxRetries,
		InitialDelay:  500 * time.Millisecond,
		MaxDelay:      30 * time.Second,
		BackoffFactor: 2.0,
		JitterEnabled: true,
	}
	err := resilience.Retry(ctx, retryCfg, func() error {
		_, sendErr := d.sender.SendBatch(ctx, batch)
		if sendErr != nil && !transport.IsRetryable(sendErr) {
			return resilience.Permanent(sendErr)
		}
		return sendErr
	})
	if err != nil {
		d.failed.Add(int64(len(batch)))
		d.logger.Error("dropping batch after delivery failure", map[string]interface{}{
			"records": len(batch),
			"error":   err.Error(),
		})
		return
	}
	d.delivered.Add(int64(len(batch)))
}

// Stats returns the running counters plus current queue depth
func (d *MemQueue) Stats() core.DeliveryStats {
	return core.DeliveryStats{
		Queued:    int64(len(d.ch)),
		Enqueued:  d.enqueued.Load(),
		Delivered: d.delivered.Load(),
		Failed:    d.failed.Load(),
		Discarded: d.discarded.Load(),
	}
}

// Close stops intake, signals the worker and waits for the drain to finish
// or the context to expire.
func (d *MemQueue) Close(ctx context.Context) error {
	if !d.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(d.stopCh)
	select {
	case <-d.doneCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}
