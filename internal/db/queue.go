package db

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// QueueRepo manages delivery queue entries. Every lifecycle transition is
// a single-row update guarded by the previous status, so racing workers
// can never both win the same entry.
type QueueRepo struct {
	db     *DB
	logger *zap.Logger
}

// NewQueueRepo creates a new queue repository
func NewQueueRepo(db *DB, logger *zap.Logger) *QueueRepo {
	return &QueueRepo{db: db, logger: logger}
}

const queueColumns = `
	id, notification_id, priority, status, scheduled_for,
	processing_started_at, processing_completed_at, retry_count,
	worker_id, error_message, created_at, updated_at
`

func scanQueueEntry(row interface{ Scan(...any) error }) (*QueueEntry, error) {
	var e QueueEntry
	err := row.Scan(
		&e.ID,
		&e.NotificationID,
		&e.Priority,
		&e.Status,
		&e.ScheduledFor,
		&e.ProcessingStartedAt,
		&e.ProcessingCompletedAt,
		&e.RetryCount,
		&e.WorkerID,
		&e.ErrorMessage,
		&e.CreatedAt,
		&e.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("scan queue entry: %w", err)
	}
	return &e, nil
}

// ClaimBatch atomically claims up to maxItems due entries for the given
// worker. Due means queued with scheduled_for unset or in the past.
// Ordering is priority first (1 is highest) then created_at, giving
// strict priority with FIFO fairness inside a tier. The inner select
// uses FOR UPDATE SKIP LOCKED so concurrent workers drain disjoint sets.
func (r *QueueRepo) ClaimBatch(ctx context.Context, workerID string, maxItems int) ([]*QueueEntry, error) {
	query := `
		UPDATE queue_entries
		SET status = $1,
		    worker_id = $2,
		    processing_started_at = NOW(),
		    updated_at = NOW()
		WHERE id IN (
			SELECT id FROM queue_entries
			WHERE status = $3
			  AND (scheduled_for IS NULL OR scheduled_for <= NOW())
			ORDER BY priority ASC, created_at ASC
			LIMIT $4
			FOR UPDATE SKIP LOCKED
		)
		AND status = $3
		RETURNING ` + queueColumns

	rows, err := r.db.Pool().Query(ctx, query,
		QueueStatusProcessing, workerID, QueueStatusQueued, maxItems)
	if err != nil {
		return nil, fmt.Errorf("claim batch: %w", err)
	}
	defer rows.Close()

	var entries []*QueueEntry
	for rows.Next() {
		e, err := scanQueueEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	if len(entries) > 0 {
		r.logger.Debug("claimed queue entries",
			zap.String("worker_id", workerID),
			zap.Int("count", len(entries)),
		)
	}

	return entries, nil
}

// MarkCompleted transitions a processing entry to completed.
func (r *QueueRepo) MarkCompleted(ctx context.Context, id uuid.UUID) error {
	query := `
		UPDATE queue_entries
		SET status = $1, processing_completed_at = NOW(), updated_at = NOW()
		WHERE id = $2 AND status = $3
	`

	result, err := r.db.Pool().Exec(ctx, query, QueueStatusCompleted, id, QueueStatusProcessing)
	if err != nil {
		return fmt.Errorf("mark completed: %w", err)
	}

	if result.RowsAffected() == 0 {
		return fmt.Errorf("queue entry %s not processing", id)
	}

	return nil
}

// MarkFailed transitions a processing entry to failed and records the
// error. It never requeues; only the retry sweep resurrects failed
// entries. Passing terminal=true pins retry_count at maxRetries so the
// sweep will not pick the entry up (permanent delivery errors).
func (r *QueueRepo) MarkFailed(ctx context.Context, id uuid.UUID, errorMsg string, terminal bool, maxRetries int) error {
	query := `
		UPDATE queue_entries
		SET status = $1,
		    error_message = $2,
		    retry_count = CASE WHEN $3 THEN GREATEST(retry_count + 1, $4) ELSE retry_count + 1 END,
		    processing_completed_at = NOW(),
		    updated_at = NOW()
		WHERE id = $5 AND status = $6
	`

	result, err := r.db.Pool().Exec(ctx, query,
		QueueStatusFailed, errorMsg, terminal, maxRetries, id, QueueStatusProcessing)
	if err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}

	if result.RowsAffected() == 0 {
		return fmt.Errorf("queue entry %s not processing", id)
	}

	return nil
}

// SweepRetryable requeues failed entries that still have retries left and
// whose last attempt is older than the backoff window. This is the only
// path from failed back to queued. Returns the requeued entry ids.
func (r *QueueRepo) SweepRetryable(ctx context.Context, maxRetries int, backoff time.Duration) ([]uuid.UUID, error) {
	query := `
		UPDATE queue_entries
		SET status = $1,
		    scheduled_for = NOW(),
		    worker_id = NULL,
		    processing_started_at = NULL,
		    processing_completed_at = NULL,
		    updated_at = NOW()
		WHERE status = $2
		  AND retry_count < $3
		  AND updated_at <= NOW() - $4::interval
		RETURNING id
	`

	interval := fmt.Sprintf("%d seconds", int(backoff.Seconds()))

	rows, err := r.db.Pool().Query(ctx, query,
		QueueStatusQueued, QueueStatusFailed, maxRetries, interval)
	if err != nil {
		return nil, fmt.Errorf("sweep retryable: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan id: %w", err)
		}
		ids = append(ids, id)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return ids, nil
}

// ListExhausted returns failed entries that have used up their retries
// and have not yet been reported for external alerting.
func (r *QueueRepo) ListExhausted(ctx context.Context, maxRetries, limit int) ([]*QueueEntry, error) {
	query := `
		SELECT ` + queueColumns + `
		FROM queue_entries
		WHERE status = $1 AND retry_count >= $2
		ORDER BY updated_at ASC
		LIMIT $3
	`

	rows, err := r.db.Pool().Query(ctx, query, QueueStatusFailed, maxRetries, limit)
	if err != nil {
		return nil, fmt.Errorf("list exhausted: %w", err)
	}
	defer rows.Close()

	var entries []*QueueEntry
	for rows.Next() {
		e, err := scanQueueEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return entries, nil
}

// ReleaseStale returns entries stuck in processing longer than the given
// age back to queued. Covers workers that died mid-delivery.
func (r *QueueRepo) ReleaseStale(ctx context.Context, age time.Duration) (int64, error) {
	query := `
		UPDATE queue_entries
		SET status = $1, worker_id = NULL, processing_started_at = NULL, updated_at = NOW()
		WHERE status = $2 AND processing_started_at <= NOW() - $3::interval
	`

	interval := fmt.Sprintf("%d seconds", int(age.Seconds()))

	result, err := r.db.Pool().Exec(ctx, query,
		QueueStatusQueued, QueueStatusProcessing, interval)
	if err != nil {
		return 0, fmt.Errorf("release stale: %w", err)
	}

	return result.RowsAffected(), nil
}

// Stats returns current queue entry counts by status.
func (r *QueueRepo) Stats(ctx context.Context) (*QueueStats, error) {
	query := `
		SELECT
			COUNT(*) FILTER (WHERE status = 'queued'),
			COUNT(*) FILTER (WHERE status = 'processing'),
			COUNT(*) FILTER (WHERE status = 'completed'),
			COUNT(*) FILTER (WHERE status = 'failed')
		FROM queue_entries
	`

	var stats QueueStats
	err := r.db.Pool().QueryRow(ctx, query).Scan(
		&stats.Queued,
		&stats.Processing,
		&stats.Completed,
		&stats.Failed,
	)
	if err != nil {
		return nil, fmt.Errorf("query queue stats: %w", err)
	}

	return &stats, nil
}

// PruneTerminalOlderThan deletes completed entries older than the cutoff.
// Failed entries are kept until their notification is pruned so they stay
// visible for alerting.
func (r *QueueRepo) PruneTerminalOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	query := `
		DELETE FROM queue_entries
		WHERE status = $1 AND updated_at < $2
	`

	result, err := r.db.Pool().Exec(ctx, query, QueueStatusCompleted, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune queue entries: %w", err)
	}

	return result.RowsAffected(), nil
}
