package delivery

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/aicostmanager/aicm-go/core"
	"github.com/aicostmanager/aicm-go/transport"
)

// EntryStatus is the lifecycle state of one durable queue entry
type EntryStatus string

const (
	EntryQueued   EntryStatus = "QUEUED"
	EntryInflight EntryStatus = "INFLIGHT"
	EntryFailed   EntryStatus = "FAILED"
	EntryDone     EntryStatus = "DONE"
)

// QueueEntry is the durable envelope around one serialized usage record
type QueueEntry struct {
	ID            int64
	CreatedAt     time.Time
	NextAttemptAt time.Time
	AttemptCount  int
	Status        EntryStatus
	Payload       []byte
	LastError     string
}

const (
	queueSchema = `
CREATE TABLE IF NOT EXISTS queue (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	created_at INTEGER,
	next_attempt_at INTEGER,
	attempt_count INTEGER NOT NULL DEFAULT 0,
	status TEXT NOT NULL CHECK (status IN ('QUEUED','INFLIGHT','FAILED','DONE')),
	payload BLOB NOT NULL,
	last_error TEXT
);
CREATE INDEX IF NOT EXISTS idx_queue_status_next ON queue(status, next_attempt_at);
CREATE TABLE IF NOT EXISTS meta (key TEXT PRIMARY KEY, value TEXT);
`

	schemaVersion = "1"

	// reschedule backoff: min(0.5s * 2^(n-1), 300s) * jitter(0.8..1.2)
	rescheduleBase = 500 * time.Millisecond
	rescheduleCap  = 300 * time.Second

	doneRetention  = 24 * time.Hour
	vacuumInterval = 10 * time.Minute
)

// PersistentQueue journals every record to a WAL-mode SQLite file before
// acknowledging the enqueue, so records survive process crashes. A single
// background worker claims batches inside immediate transactions, ships them
// and keeps per-entry retry bookkeeping on disk. Several processes may share
// one DB_PATH; the busy timeout plus immediate transactions prevent double
// dispatch.
type PersistentQueue struct {
	db        *sql.DB
	path      string
	sender    core.BatchSender
	logger    core.Logger
	telemetry core.Telemetry

	pollInterval     time.Duration
	maxBatch         int
	maxRetries       int
	inflightReclaim  time.Duration
	shutdownDeadline time.Duration

	wake   chan struct{}
	stopCh chan struct{}
	doneCh chan struct{}
	closed atomic.Bool

	enqueued  atomic.Int64
	delivered atomic.Int64
	failed    atomic.Int64
}

// NewPersistentQueue opens (creating if needed) the queue at
// settings.DBPath and starts the worker.
func NewPersistentQueue(settings *core.Settings, opts Options) (*PersistentQueue, error) {
	d, err := newPersistentQueue(settings, opts)
	if err != nil {
		return nil, err
	}
	if err := d.startupScan(); err != nil {
		d.db.Close()
		return nil, err
	}
	go d.run()
	return d, nil
}

// newPersistentQueue opens the store without starting the worker (tests
// drive processBatch explicitly to control timing)
func newPersistentQueue(settings *core.Settings, opts Options) (*PersistentQueue, error) {
	opts.fill()
	db, err := openQueueDB(settings.DBPath)
	if err != nil {
		return nil, err
	}

	return &PersistentQueue{
		db:               db,
		path:             settings.DBPath,
		sender:           opts.Sender,
		logger:           opts.Logger,
		telemetry:        opts.Telemetry,
		pollInterval:     settings.PollInterval,
		maxBatch:         settings.MaxBatchSize,
		maxRetries:       settings.MaxRetries,
		inflightReclaim:  settings.InflightReclaim(),
		shutdownDeadline: settings.ShutdownDeadline,
		wake:             make(chan struct{}, 1),
		stopCh:           make(chan struct{}),
		doneCh:           make(chan struct{}),
	}, nil
}

// openQueueDB opens the SQLite file with the durability settings the queue
// depends on: WAL journaling (one reader and one writer concurrently),
// synchronous=FULL (fsync before enqueue returns) and immediate
// transactions for claim atomicity across processes.
func openQueueDB(path string) (*sql.DB, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, core.NewTrackerError("persistent.Open", "queue", err)
		}
	}
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_synchronous=FULL&_busy_timeout=5000&_txlock=immediate", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, core.NewTrackerError("persistent.Open", "queue", err)
	}
	// database/sql pooling plus SQLite's single-writer model: one
	// connection avoids in-process SQLITE_BUSY churn.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(queueSchema); err != nil {
		db.Close()
		return nil, core.NewTrackerError("persistent.Open", "queue", err)
	}
	if _, err := db.Exec(`INSERT OR IGNORE INTO meta (key, value) VALUES ('schema_version', ?)`, schemaVersion); err != nil {
		db.Close()
		return nil, core.NewTrackerError("persistent.Open", "queue", err)
	}
	return db, nil
}

// startupScan reclaims INFLIGHT rows abandoned by a previous process and
// warns about FAILED rows awaiting operator attention.
func (d *PersistentQueue) startupScan() error {
	cutoff := time.Now().Add(-d.inflightReclaim).UnixMilli()
	res, err := d.db.Exec(
		`UPDATE queue SET status='QUEUED', next_attempt_at=? WHERE status='INFLIGHT' AND next_attempt_at <= ?`,
		time.Now().UnixMilli(), cutoff,
	)
	if err != nil {
		return core.NewTrackerError("persistent.startupScan", "queue", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		d.logger.Warn("reclaimed stale in-flight queue entries", map[string]interface{}{
			"count": n,
			"path":  d.path,
		})
	}

	var failed int64
	if err := d.db.QueryRow(`SELECT COUNT(*) FROM queue WHERE status='FAILED'`).Scan(&failed); err == nil && failed > 0 {
		d.logger.Warn("queue contains failed entries; inspect with the aicm-queue tool", map[string]interface{}{
			"count": failed,
			"path":  d.path,
		})
	}
	return nil
}

// Enqueue journals one record. The row is fsynced before Enqueue returns;
// the worker is woken to pick it up.
func (d *PersistentQueue) Enqueue(ctx context.Context, rec *core.UsageRecord) error {
	if d.closed.Load() {
		return core.ErrTrackerClosed
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return core.NewTrackerError("persistent.Enqueue", "queue", err)
	}
	now := time.Now().UnixMilli()
	_, err = d.db.ExecContext(ctx,
		`INSERT INTO queue (created_at, next_attempt_at, attempt_count, status, payload) VALUES (?, ?, 0, 'QUEUED', ?)`,
		now, now, payload,
	)
	if err != nil {
		return core.NewTrackerError("persistent.Enqueue", "queue", err)
	}
	d.enqueued.Add(1)

	select {
	case d.wake <- struct{}{}:
	default:
	}
	return nil
}

// EnqueueBatch journals records one by one so a crash loses at most the
// records not yet fsynced. Delivery is deferred; the result is nil.
func (d *PersistentQueue) EnqueueBatch(ctx context.Context, recs []*core.UsageRecord) (*core.BatchResult, error) {
	for _, rec := range recs {
		if err := d.Enqueue(ctx, rec); err != nil {
			return nil, err
		}
	}
	return nil, nil
}

func (d *PersistentQueue) run() {
	defer close(d.doneCh)
	lastVacuum := time.Now()

	for {
		select {
		case <-d.stopCh:
			return
		default:
		}

		processed := d.processBatch(context.Background())

		if time.Since(lastVacuum) >= vacuumInterval {
			d.vacuum()
			d.reclaimInflight()
			lastVacuum = time.Now()
		}

		if processed {
			// More work may be eligible immediately
			continue
		}
		select {
		case <-d.stopCh:
			return
		case <-d.wake:
		case <-time.After(d.pollInterval):
		}
	}
}

// claimBatch moves up to maxBatch eligible rows to INFLIGHT inside one
// immediate transaction and returns them. next_attempt_at doubles as the
// claim timestamp while a row is INFLIGHT, which is what the reclaim cutoff
// keys on.
func (d *PersistentQueue) claimBatch(ctx context.Context) ([]QueueEntry, error) {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	now := time.Now().UnixMilli()
	rows, err := tx.QueryContext(ctx,
		`SELECT id, created_at, attempt_count, payload FROM queue
		 WHERE status='QUEUED' AND next_attempt_at <= ?
		 ORDER BY id LIMIT ?`,
		now, d.maxBatch,
	)
	if err != nil {
		return nil, err
	}
	var entries []QueueEntry
	for rows.Next() {
		var e QueueEntry
		var createdAt int64
		if err := rows.Scan(&e.ID, &createdAt, &e.AttemptCount, &e.Payload); err != nil {
			rows.Close()
			return nil, err
		}
		e.CreatedAt = time.UnixMilli(createdAt)
		e.Status = EntryInflight
		entries = append(entries, e)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, nil
	}

	ids := make([]interface{}, 0, len(entries)+1)
	ids = append(ids, now)
	for _, e := range entries {
		ids = append(ids, e.ID)
	}
	query := `UPDATE queue SET status='INFLIGHT', next_attempt_at=? WHERE id IN (?` + strings.Repeat(",?", len(entries)-1) + `)`
	if _, err := tx.ExecContext(ctx, query, ids...); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return entries, nil
}

// processBatch claims, sends and books one batch. Returns true when a batch
// was processed (successfully or not).
func (d *PersistentQueue) processBatch(ctx context.Context) bool {
	entries, err := d.claimBatch(ctx)
	if err != nil {
		d.logger.Error("queue claim failed", map[string]interface{}{"error": err.Error()})
		return false
	}
	if len(entries) == 0 {
		return false
	}

	recs := make([]*core.UsageRecord, 0, len(entries))
	live := make([]QueueEntry, 0, len(entries))
	for _, e := range entries {
		rec, err := core.UnmarshalWire(e.Payload)
		if err != nil {
			d.markFailed([]int64{e.ID}, "corrupt payload: "+err.Error())
			continue
		}
		recs = append(recs, rec)
		live = append(live, e)
	}
	if len(recs) == 0 {
		return true
	}

	result, err := d.sender.SendBatch(ctx, recs)
	if err != nil {
		if transport.IsRetryable(err) {
			d.reschedule(live, err)
		} else {
			ids := make([]int64, len(live))
			for i, e := range live {
				ids[i] = e.ID
			}
			d.markFailed(ids, err.Error())
		}
		return true
	}
	d.bookResults(live, recs, result)
	return true
}

// bookResults applies per-record server results: accepted and
// service_key_unknown entries complete, rejected entries complete with the
// rejection noted. Missing results inherit the batch's success.
func (d *PersistentQueue) bookResults(entries []QueueEntry, recs []*core.UsageRecord, result *core.BatchResult) {
	var done, rejected []int64
	for i, e := range entries {
		res, ok := result.ResultFor(recs[i].ResponseID())
		switch {
		case ok && res.Status == core.StatusRejected:
			rejected = append(rejected, e.ID)
		default:
			done = append(done, e.ID)
		}
	}
	if len(done) > 0 {
		d.markDone(done, "")
		d.delivered.Add(int64(len(done)))
	}
	if len(rejected) > 0 {
		d.markDone(rejected, "rejected by server")
		d.failed.Add(int64(len(rejected)))
	}
	d.telemetry.RecordMetric("aicm.persistent.delivered", float64(len(done)), nil)
}

func (d *PersistentQueue) markDone(ids []int64, lastError string) {
	d.updateStatus(ids, EntryDone, 0, lastError, false)
}

func (d *PersistentQueue) markFailed(ids []int64, lastError string) {
	d.failed.Add(int64(len(ids)))
	d.updateStatus(ids, EntryFailed, 0, lastError, false)
}

// reschedule returns entries to QUEUED with exponential backoff, or FAILED
// once the retry budget is spent.
func (d *PersistentQueue) reschedule(entries []QueueEntry, cause error) {
	var exhausted []int64
	msg := cause.Error()
	for _, e := range entries {
		attempts := e.AttemptCount + 1
		if attempts >= d.maxRetries {
			exhausted = append(exhausted, e.ID)
			continue
		}
		// Each entry keeps its own schedule: the delay grows with the
		// entry's attempt count, not the batch's
		at := time.Now().Add(rescheduleBackoff(attempts)).UnixMilli()
		d.updateStatusAt([]int64{e.ID}, EntryQueued, at, msg, true)
	}
	if len(exhausted) > 0 {
		d.failed.Add(int64(len(exhausted)))
		d.updateStatus(exhausted, EntryFailed, 0, msg, true)
		d.logger.Error("queue entries moved to FAILED after retry budget", map[string]interface{}{
			"count": len(exhausted),
			"error": msg,
		})
	}
}

// rescheduleBackoff computes min(base * 2^(n-1), cap) * jitter(0.8..1.2)
func rescheduleBackoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(rescheduleBase) * math.Pow(2, float64(attempt-1))
	if delay > float64(rescheduleCap) {
		delay = float64(rescheduleCap)
	}
	jitter := 0.8 + rand.Float64()*0.4
	return time.Duration(delay * jitter)
}

func (d *PersistentQueue) updateStatus(ids []int64, status EntryStatus, nextAttempt int64, lastError string, bumpAttempt bool) {
	d.updateStatusAt(ids, status, nextAttempt, lastError, bumpAttempt)
}

func (d *PersistentQueue) updateStatusAt(ids []int64, status EntryStatus, nextAttempt int64, lastError string, bumpAttempt bool) {
	if len(ids) == 0 {
		return
	}
	if nextAttempt == 0 {
		nextAttempt = time.Now().UnixMilli()
	}
	bump := 0
	if bumpAttempt {
		bump = 1
	}
	args := []interface{}{string(status), nextAttempt, bump, lastError}
	for _, id := range ids {
		args = append(args, id)
	}
	query := `UPDATE queue SET status=?, next_attempt_at=?, attempt_count=attempt_count+?, last_error=NULLIF(?, '')
		 WHERE id IN (?` + strings.Repeat(",?", len(ids)-1) + `)`
	if _, err := d.db.Exec(query, args...); err != nil {
		d.logger.Error("queue status update failed", map[string]interface{}{
			"status": string(status),
			"error":  err.Error(),
		})
	}
}

// reclaimInflight reverts INFLIGHT rows whose claim is older than the
// reclaim window (crashed or hung worker, possibly in another process).
func (d *PersistentQueue) reclaimInflight() {
	cutoff := time.Now().Add(-d.inflightReclaim).UnixMilli()
	res, err := d.db.Exec(
		`UPDATE queue SET status='QUEUED', next_attempt_at=? WHERE status='INFLIGHT' AND next_attempt_at <= ?`,
		time.Now().UnixMilli(), cutoff,
	)
	if err != nil {
		d.logger.Error("inflight reclaim failed", map[string]interface{}{"error": err.Error()})
		return
	}
	if n, _ := res.RowsAffected(); n > 0 {
		d.logger.Warn("reclaimed stale in-flight queue entries", map[string]interface{}{"count": n})
	}
}

// vacuum garbage-collects DONE rows past the retention window
func (d *PersistentQueue) vacuum() {
	cutoff := time.Now().Add(-doneRetention).UnixMilli()
	if _, err := d.db.Exec(`DELETE FROM queue WHERE status='DONE' AND created_at < ?`, cutoff); err != nil {
		d.logger.Error("queue vacuum failed", map[string]interface{}{"error": err.Error()})
	}
}

// Stats returns counters plus the current on-disk QUEUED depth
func (d *PersistentQueue) Stats() core.DeliveryStats {
	var queued int64
	_ = d.db.QueryRow(`SELECT COUNT(*) FROM queue WHERE status IN ('QUEUED','INFLIGHT')`).Scan(&queued)
	return core.DeliveryStats{
		Queued:    queued,
		Enqueued:  d.enqueued.Load(),
		Delivered: d.delivered.Load(),
		Failed:    d.failed.Load(),
	}
}

// Close stops intake, lets the worker finish its current batch, reverts any
// straggling INFLIGHT rows to QUEUED and closes the store. Unsent rows stay
// journaled for the next process.
func (d *PersistentQueue) Close(ctx context.Context) error {
	if !d.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(d.stopCh)
	ctx, cancel := context.WithTimeout(ctx, d.shutdownDeadline)
	defer cancel()
	select {
	case <-d.doneCh:
	case <-ctx.Done():
	}
	if _, err := d.db.Exec(`UPDATE queue SET status='QUEUED', next_attempt_at=? WHERE status='INFLIGHT'`, time.Now().UnixMilli()); err != nil {
		d.logger.Warn("could not revert in-flight entries on close", map[string]interface{}{"error": err.Error()})
	}
	return d.db.Close()
}
