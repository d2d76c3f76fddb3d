package aicm

import (
	"context"
	"sync"

	"github.com/aicostmanager/aicm-go/core"
)

const (
	asyncWorkers   = 4
	asyncQueueSize = 256
)

// asyncPool runs fire-and-forget tracking calls off the caller's goroutine.
// Started lazily on the first TrackAsync and stopped by Tracker.Close.
type asyncPool struct {
	jobs   chan func()
	stopCh chan struct{}
	wg     sync.WaitGroup
}

func newAsyncPool() *asyncPool {
	p := &asyncPool{
		jobs:   make(chan func(), asyncQueueSize),
		stopCh: make(chan struct{}),
	}
	p.wg.Add(asyncWorkers)
	for i := 0; i < asyncWorkers; i++ {
		go p.worker()
	}
	return p
}

func (p *asyncPool) worker() {
	defer p.wg.Done()
	for {
		select {
		case job := <-p.jobs:
			job()
		case <-p.stopCh:
			// Drain what is already queued before exiting
			for {
				select {
				case job := <-p.jobs:
					job()
				default:
					return
				}
			}
		}
	}
}

// submit runs job on the pool, or inline when the pool's buffer is full so
// callers never block indefinitely on telemetry.
func (p *asyncPool) submit(job func()) {
	select {
	case p.jobs <- job:
	default:
		job()
	}
}

func (p *asyncPool) stop(ctx context.Context) {
	close(p.stopCh)
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
}

func (t *Tracker) pool() *asyncPool {
	t.asyncOnce.Do(func() {
		t.asyncPool = newAsyncPool()
	})
	return t.asyncPool
}

// TrackAsync records a usage event without blocking the caller. Errors are
// reported through the callback when one is given, otherwise logged.
func (t *Tracker) TrackAsync(ctx context.Context, serviceKey string, usage map[string]interface{}, callback func(*core.TrackResult, error), opts ...core.RecordOption) {
	if t.closed.Load() {
		if callback != nil {
			callback(nil, core.ErrTrackerClosed)
		}
		return
	}
	t.pool().submit(func() {
		result, err := t.Track(ctx, serviceKey, usage, opts...)
		if callback != nil {
			callback(result, err)
			return
		}
		if err != nil && !core.IsLimitExceeded(err) {
			t.logger.Error("async tracking failed", map[string]interface{}{
				"service_key": serviceKey,
				"error":       err.Error(),
			})
		}
	})
}

// TrackBatchAsync records a batch without blocking the caller
func (t *Tracker) TrackBatchAsync(ctx context.Context, recs []*core.UsageRecord, callback func([]*core.TrackResult, error)) {
	if t.closed.Load() {
		if callback != nil {
			callback(nil, core.ErrTrackerClosed)
		}
		return
	}
	t.pool().submit(func() {
		results, err := t.TrackBatch(ctx, recs)
		if callback != nil {
			callback(results, err)
			return
		}
		if err != nil && !core.IsLimitExceeded(err) {
			t.logger.Error("async batch tracking failed", map[string]interface{}{
				"records": len(recs),
				"error":   err.Error(),
			})
		}
	})
}
