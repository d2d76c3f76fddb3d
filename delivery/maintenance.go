package delivery

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/aicostmanager/aicm-go/core"
)

// QueueCounts is the per-status breakdown of a durable queue file
type QueueCounts struct {
	Queued   int64
	Inflight int64
	Failed   int64
	Done     int64
}

// Total returns the number of rows across all statuses
func (c QueueCounts) Total() int64 {
	return c.Queued + c.Inflight + c.Failed + c.Done
}

// Maintenance opens a durable queue file for inspection and repair without
// starting a delivery worker. Safe to use while a tracker process has the
// same file open; all statements run inside the same busy-timeout and
// immediate-transaction regime as the worker.
type Maintenance struct {
	db   *sql.DB
	path string
}

// OpenMaintenance opens the queue at path for offline operations
func OpenMaintenance(path string) (*Maintenance, error) {
	db, err := openQueueDB(path)
	if err != nil {
		return nil, err
	}
	return &Maintenance{db: db, path: path}, nil
}

// Path returns the queue file this handle operates on
func (m *Maintenance) Path() string { return m.path }

// Counts returns the row count per status
func (m *Maintenance) Counts(ctx context.Context) (QueueCounts, error) {
	rows, err := m.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM queue GROUP BY status`)
	if err != nil {
		return QueueCounts{}, core.NewTrackerError("maintenance.Counts", "queue", err)
	}
	defer rows.Close()

	var c QueueCounts
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return QueueCounts{}, core.NewTrackerError("maintenance.Counts", "queue", err)
		}
		switch EntryStatus(status) {
		case EntryQueued:
			c.Queued = n
		case EntryInflight:
			c.Inflight = n
		case EntryFailed:
			c.Failed = n
		case EntryDone:
			c.Done = n
		}
	}
	return c, rows.Err()
}

// ListFailed returns up to limit FAILED entries, oldest first
func (m *Maintenance) ListFailed(ctx context.Context, limit int) ([]QueueEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := m.db.QueryContext(ctx,
		`SELECT id, created_at, next_attempt_at, attempt_count, payload, COALESCE(last_error, '')
		 FROM queue WHERE status='FAILED' ORDER BY id LIMIT ?`, limit)
	if err != nil {
		return nil, core.NewTrackerError("maintenance.ListFailed", "queue", err)
	}
	defer rows.Close()

	var entries []QueueEntry
	for rows.Next() {
		var e QueueEntry
		var createdAt, nextAt int64
		if err := rows.Scan(&e.ID, &createdAt, &nextAt, &e.AttemptCount, &e.Payload, &e.LastError); err != nil {
			return nil, core.NewTrackerError("maintenance.ListFailed", "queue", err)
		}
		e.CreatedAt = time.UnixMilli(createdAt)
		e.NextAttemptAt = time.UnixMilli(nextAt)
		e.Status = EntryFailed
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// RequeueFailed returns FAILED entries to QUEUED with a fresh retry budget.
// With no ids, every FAILED entry is requeued. Returns the number of rows
// changed.
func (m *Maintenance) RequeueFailed(ctx context.Context, ids []int64) (int64, error) {
	now := time.Now().UnixMilli()
	var (
		query string
		args  []interface{}
	)
	if len(ids) == 0 {
		query = `UPDATE queue SET status='QUEUED', attempt_count=0, next_attempt_at=?, last_error=NULL WHERE status='FAILED'`
		args = []interface{}{now}
	} else {
		query = `UPDATE queue SET status='QUEUED', attempt_count=0, next_attempt_at=?, last_error=NULL
			 WHERE status='FAILED' AND id IN (?` + strings.Repeat(",?", len(ids)-1) + `)`
		args = append(args, now)
		for _, id := range ids {
			args = append(args, id)
		}
	}
	res, err := m.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, core.NewTrackerError("maintenance.RequeueFailed", "queue", err)
	}
	return res.RowsAffected()
}

// PurgeFailed deletes FAILED entries permanently. With no ids, every FAILED
// entry is removed. Returns the number of rows deleted.
func (m *Maintenance) PurgeFailed(ctx context.Context, ids []int64) (int64, error) {
	var (
		query string
		args  []interface{}
	)
	if len(ids) == 0 {
		query = `DELETE FROM queue WHERE status='FAILED'`
	} else {
		query = `DELETE FROM queue WHERE status='FAILED' AND id IN (?` + strings.Repeat(",?", len(ids)-1) + `)`
		for _, id := range ids {
			args = append(args, id)
		}
	}
	res, err := m.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, core.NewTrackerError("maintenance.PurgeFailed", "queue", err)
	}
	return res.RowsAffected()
}

// Close releases the database handle
func (m *Maintenance) Close() error {
	return m.db.Close()
}
