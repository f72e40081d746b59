package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// MatchRunRepo persists run audit records. The completion time of the
// last successful run is the cursor for the next run's window.
type MatchRunRepo struct {
	db     *DB
	logger *zap.Logger
}

// NewMatchRunRepo creates a new match run repository
func NewMatchRunRepo(db *DB, logger *zap.Logger) *MatchRunRepo {
	return &MatchRunRepo{db: db, logger: logger}
}

// Create inserts the run record in the running state.
func (r *MatchRunRepo) Create(ctx context.Context, run *MatchRun) error {
	query := `
		INSERT INTO match_runs (
			id, window_start, window_end, status, started_at
		) VALUES ($1, $2, $3, $4, $5)
	`

	_, err := r.db.Pool().Exec(ctx, query,
		run.ID,
		run.WindowStart,
		run.WindowEnd,
		run.Status,
		run.StartedAt,
	)
	if err != nil {
		r.logger.Error("failed to create match run",
			zap.Error(err),
			zap.String("run_id", run.ID.String()),
		)
		return fmt.Errorf("insert match run: %w", err)
	}

	return nil
}

// Finish finalizes a run with its counters and terminal status. A run is
// finalized exactly once; repeated calls for the same id are rejected by
// the status guard.
func (r *MatchRunRepo) Finish(ctx context.Context, run *MatchRun) error {
	query := `
		UPDATE match_runs
		SET alerts_processed = $1, listings_checked = $2, matches_found = $3,
		    notifications_created = $4, status = $5, error = $6, finished_at = $7
		WHERE id = $8 AND status = $9
	`

	result, err := r.db.Pool().Exec(ctx, query,
		run.AlertsProcessed,
		run.ListingsChecked,
		run.MatchesFound,
		run.NotificationsCreated,
		run.Status,
		run.Error,
		run.FinishedAt,
		run.ID,
		RunStatusRunning,
	)
	if err != nil {
		return fmt.Errorf("finish match run: %w", err)
	}

	if result.RowsAffected() == 0 {
		return fmt.Errorf("match run not running: %s", run.ID)
	}

	return nil
}

// LastCompletedWindowEnd returns the window end of the most recent
// completed run, or the zero time when no run has completed yet.
func (r *MatchRunRepo) LastCompletedWindowEnd(ctx context.Context) (time.Time, error) {
	query := `
		SELECT window_end
		FROM match_runs
		WHERE status = $1
		ORDER BY window_end DESC
		LIMIT 1
	`

	var windowEnd time.Time
	err := r.db.Pool().QueryRow(ctx, query, RunStatusCompleted).Scan(&windowEnd)
	if errors.Is(err, pgx.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("query last completed run: %w", err)
	}

	return windowEnd, nil
}

// Get retrieves a run by id.
func (r *MatchRunRepo) Get(ctx context.Context, id uuid.UUID) (*MatchRun, error) {
	query := `
		SELECT
			id, window_start, window_end, alerts_processed, listings_checked,
			matches_found, notifications_created, status, error,
			started_at, finished_at
		FROM match_runs
		WHERE id = $1
	`

	var run MatchRun
	err := r.db.Pool().QueryRow(ctx, query, id).Scan(
		&run.ID,
		&run.WindowStart,
		&run.WindowEnd,
		&run.AlertsProcessed,
		&run.ListingsChecked,
		&run.MatchesFound,
		&run.NotificationsCreated,
		&run.Status,
		&run.Error,
		&run.StartedAt,
		&run.FinishedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("match run not found: %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("query match run: %w", err)
	}

	return &run, nil
}

// PruneOlderThan deletes terminal run records finished before the cutoff.
func (r *MatchRunRepo) PruneOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	query := `
		DELETE FROM match_runs
		WHERE status <> $1 AND finished_at < $2
	`

	result, err := r.db.Pool().Exec(ctx, query, RunStatusRunning, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune match runs: %w", err)
	}

	return result.RowsAffected(), nil
}
