// Copyright (c) 2026 Cilo Authors
// SPDX-License-Identifier: BUSL-1.1
// See LICENSES/BUSL-1.1.txt and LICENSE.enterprise for full license text

// Package resultbuffer implements the partition-tolerant durable FIFO of
// task results: a single-file embedded store that survives process
// restart, with capacity limits, retry-bounded flush, and a dead-letter
// set for rows that exhaust their retries.
package resultbuffer

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// ErrBufferFull is returned by Enqueue when the pending row count has
// reached max_buffer_size. Rows in status=failed do not count against
// this limit.
var ErrBufferFull = errors.New("resultbuffer: buffer is at capacity")

// ErrDuplicateTask is returned when enqueuing a task_id already present
// in the buffer; the unique constraint makes a duplicate a caller error.
var ErrDuplicateTask = errors.New("resultbuffer: task_id already buffered")

const schema = `
CREATE TABLE IF NOT EXISTS buffered_results (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	task_id TEXT NOT NULL UNIQUE,
	agent_id TEXT NOT NULL,
	lease_token TEXT NOT NULL,
	result_json TEXT NOT NULL,
	metadata_json TEXT,
	created_at TIMESTAMP NOT NULL,
	retry_count INTEGER NOT NULL DEFAULT 0,
	last_retry_at TIMESTAMP,
	status TEXT NOT NULL DEFAULT 'pending'
);
CREATE INDEX IF NOT EXISTS idx_buffered_results_created_at ON buffered_results(created_at);
CREATE INDEX IF NOT EXISTS idx_buffered_results_status ON buffered_results(status);
`

const (
	statusPending = "pending"
	statusFailed  = "failed"
)

// Row is a single buffered result as returned by query methods.
type Row struct {
	ID          int64
	TaskID      string
	AgentID     string
	LeaseToken  string
	Result      json.RawMessage
	Metadata    json.RawMessage
	CreatedAt   time.Time
	RetryCount  int
	LastRetryAt *time.Time
	Status      string
}

// Metrics mirrors spec §4.6's metrics() contract.
type Metrics struct {
	Current       int
	Max           int
	UtilPct       float64
	OldestAgeSecs *float64
	NewestAgeSecs *float64
}

// Sink is the flush destination: an upstream result-submission endpoint
// or a test double. A nil error means the row is fully delivered.
type Sink interface {
	Send(ctx context.Context, row Row) error
	IsConnected(ctx context.Context) bool
}

// Buffer is the durable FIFO. One Buffer owns one SQLite file.
type Buffer struct {
	db             *sql.DB
	maxSize        int
	maxRetries     int
	flushInterval  time.Duration
	stopFlush      chan struct{}
	flushDone      chan struct{}
}

// Open opens (creating if absent) the SQLite-backed buffer at path.
func Open(path string, maxSize int, maxRetries int, flushInterval time.Duration) (*Buffer, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("resultbuffer: opening %s: %w", path, err)
	}
	db.SetMaxOpenConns(1) // sqlite file handle: serialize writers ourselves

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("resultbuffer: creating schema: %w", err)
	}

	if maxSize <= 0 {
		maxSize = 10000
	}
	if maxRetries <= 0 {
		maxRetries = 3
	}
	if flushInterval <= 0 {
		flushInterval = 30 * time.Second
	}

	return &Buffer{
		db:            db,
		maxSize:       maxSize,
		maxRetries:    maxRetries,
		flushInterval: flushInterval,
	}, nil
}

// Close stops any periodic flush and closes the underlying database.
func (b *Buffer) Close() error {
	b.StopPeriodicFlush()
	return b.db.Close()
}

// Enqueue appends a result to the FIFO, rejecting it with ErrBufferFull
// if the pending count is already at capacity, or ErrDuplicateTask if
// task_id is already present.
func (b *Buffer) Enqueue(ctx context.Context, taskID, agentID, leaseToken string, result map[string]any, metadata map[string]any) (int64, error) {
	size, err := b.Size(ctx)
	if err != nil {
		return 0, err
	}
	if size >= b.maxSize {
		return 0, ErrBufferFull
	}

	resultJSON, err := json.Marshal(result)
	if err != nil {
		return 0, fmt.Errorf("resultbuffer: marshaling result: %w", err)
	}
	var metadataJSON []byte
	if metadata != nil {
		metadataJSON, err = json.Marshal(metadata)
		if err != nil {
			return 0, fmt.Errorf("resultbuffer: marshaling metadata: %w", err)
		}
	}

	res, err := b.db.ExecContext(ctx, `
		INSERT INTO buffered_results (task_id, agent_id, lease_token, result_json, metadata_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, taskID, agentID, leaseToken, string(resultJSON), nullableString(metadataJSON), time.Now().UTC())
	if err != nil {
		if isUniqueConstraintErr(err) {
			return 0, ErrDuplicateTask
		}
		return 0, fmt.Errorf("resultbuffer: inserting row: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("resultbuffer: reading inserted id: %w", err)
	}
	return id, nil
}

// Size returns the pending-only row count.
func (b *Buffer) Size(ctx context.Context) (int, error) {
	var count int
	err := b.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM buffered_results WHERE status = ?`, statusPending).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("resultbuffer: counting pending rows: %w", err)
	}
	return count, nil
}

// Metrics reports capacity utilization and oldest/newest pending age.
func (b *Buffer) Metrics(ctx context.Context) (Metrics, error) {
	current, err := b.Size(ctx)
	if err != nil {
		return Metrics{}, err
	}

	var oldest, newest sql.NullTime
	err = b.db.QueryRowContext(ctx, `
		SELECT MIN(created_at), MAX(created_at) FROM buffered_results WHERE status = ?
	`, statusPending).Scan(&oldest, &newest)
	if err != nil {
		return Metrics{}, fmt.Errorf("resultbuffer: computing age stats: %w", err)
	}

	m := Metrics{
		Current: current,
		Max:     b.maxSize,
	}
	if b.maxSize > 0 {
		m.UtilPct = float64(current) / float64(b.maxSize) * 100
	}
	now := time.Now().UTC()
	if oldest.Valid {
		age := now.Sub(oldest.Time).Seconds()
		m.OldestAgeSecs = &age
	}
	if newest.Valid {
		age := now.Sub(newest.Time).Seconds()
		m.NewestAgeSecs = &age
	}
	return m, nil
}

// Stats adapts Metrics to the health.StatsProvider shape.
func (b *Buffer) Stats() (map[string]any, error) {
	m, err := b.Metrics(context.Background())
	if err != nil {
		return nil, err
	}
	stats := map[string]any{
		"current":  m.Current,
		"max":      m.Max,
		"util_pct": m.UtilPct,
	}
	if m.OldestAgeSecs != nil {
		stats["oldest_age_s"] = *m.OldestAgeSecs
	}
	if m.NewestAgeSecs != nil {
		stats["newest_age_s"] = *m.NewestAgeSecs
	}
	return stats, nil
}

// pending returns every pending row, oldest first.
func (b *Buffer) pending(ctx context.Context) ([]Row, error) {
	rows, err := b.db.QueryContext(ctx, `
		SELECT id, task_id, agent_id, lease_token, result_json, metadata_json, created_at, retry_count, last_retry_at, status
		FROM buffered_results
		WHERE status = ?
		ORDER BY created_at ASC
	`, statusPending)
	if err != nil {
		return nil, fmt.Errorf("resultbuffer: querying pending rows: %w", err)
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		row, err := scanRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// GetFailedResults exposes the dead-letter set; nothing here auto-retries.
func (b *Buffer) GetFailedResults(ctx context.Context) ([]Row, error) {
	rows, err := b.db.QueryContext(ctx, `
		SELECT id, task_id, agent_id, lease_token, result_json, metadata_json, created_at, retry_count, last_retry_at, status
		FROM buffered_results
		WHERE status = ?
		ORDER BY created_at ASC
	`, statusFailed)
	if err != nil {
		return nil, fmt.Errorf("resultbuffer: querying failed rows: %w", err)
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		row, err := scanRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// Flush walks pending rows oldest-first, sending each to sink. A row at
// its retry limit is transitioned to failed and skipped, never sent. A
// per-row send error is isolated: it increments that row's retry_count
// and leaves it pending, without touching the rest of the pass.
func (b *Buffer) Flush(ctx context.Context, sink Sink) (int, error) {
	rows, err := b.pending(ctx)
	if err != nil {
		return 0, err
	}

	flushed := 0
	for _, row := range rows {
		if row.RetryCount >= b.maxRetries {
			if err := b.markFailed(ctx, row.ID); err != nil {
				return flushed, err
			}
			continue
		}

		if err := sink.Send(ctx, row); err != nil {
			if ierr := b.incrementRetry(ctx, row.ID); ierr != nil {
				return flushed, ierr
			}
			continue
		}

		if err := b.remove(ctx, row.ID); err != nil {
			return flushed, err
		}
		flushed++
	}

	return flushed, nil
}

// StartPeriodicFlush launches a background loop that calls Flush at
// flushInterval whenever sink reports it is connected. Calling it twice
// without an intervening StopPeriodicFlush is a no-op.
func (b *Buffer) StartPeriodicFlush(sink Sink) {
	if b.stopFlush != nil {
		return
	}
	b.stopFlush = make(chan struct{})
	b.flushDone = make(chan struct{})

	go func() {
		defer close(b.flushDone)
		ticker := time.NewTicker(b.flushInterval)
		defer ticker.Stop()
		for {
			select {
			case <-b.stopFlush:
				return
			case <-ticker.C:
				ctx := context.Background()
				if sink.IsConnected(ctx) {
					if _, err := b.Flush(ctx, sink); err != nil {
						continue
					}
				}
			}
		}
	}()
}

// StopPeriodicFlush halts the background loop started by
// StartPeriodicFlush, blocking until it has exited. Safe to call when no
// loop is running.
func (b *Buffer) StopPeriodicFlush() {
	if b.stopFlush == nil {
		return
	}
	close(b.stopFlush)
	<-b.flushDone
	b.stopFlush = nil
	b.flushDone = nil
}

func (b *Buffer) markFailed(ctx context.Context, id int64) error {
	_, err := b.db.ExecContext(ctx, `UPDATE buffered_results SET status = ? WHERE id = ?`, statusFailed, id)
	if err != nil {
		return fmt.Errorf("resultbuffer: marking row %d failed: %w", id, err)
	}
	return nil
}

func (b *Buffer) incrementRetry(ctx context.Context, id int64) error {
	_, err := b.db.ExecContext(ctx, `
		UPDATE buffered_results SET retry_count = retry_count + 1, last_retry_at = ? WHERE id = ?
	`, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("resultbuffer: incrementing retry for row %d: %w", id, err)
	}
	return nil
}

func (b *Buffer) remove(ctx context.Context, id int64) error {
	_, err := b.db.ExecContext(ctx, `DELETE FROM buffered_results WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("resultbuffer: removing row %d: %w", id, err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRow(rs scanner) (Row, error) {
	var row Row
	var resultJSON string
	var metadataJSON sql.NullString
	var lastRetryAt sql.NullTime

	if err := rs.Scan(&row.ID, &row.TaskID, &row.AgentID, &row.LeaseToken, &resultJSON, &metadataJSON, &row.CreatedAt, &row.RetryCount, &lastRetryAt, &row.Status); err != nil {
		return Row{}, fmt.Errorf("resultbuffer: scanning row: %w", err)
	}
	row.Result = json.RawMessage(resultJSON)
	if metadataJSON.Valid {
		row.Metadata = json.RawMessage(metadataJSON.String)
	}
	if lastRetryAt.Valid {
		t := lastRetryAt.Time
		row.LastRetryAt = &t
	}
	return row, nil
}

func nullableString(b []byte) any {
	if b == nil {
		return nil
	}
	return string(b)
}

func isUniqueConstraintErr(err error) bool {
	if err == nil {
		return false
	}
	// modernc.org/sqlite reports constraint violations in the error text;
	// there is no typed sentinel to errors.Is against.
	return strings.Contains(strings.ToLower(err.Error()), "unique constraint failed")
}
