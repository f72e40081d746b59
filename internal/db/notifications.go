package db

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// NotificationRepo handles notification records and their lifecycle.
type NotificationRepo struct {
	db     *DB
	logger *zap.Logger
}

// NewNotificationRepo creates a new notification repository
func NewNotificationRepo(db *DB, logger *zap.Logger) *NotificationRepo {
	return &NotificationRepo{db: db, logger: logger}
}

const notificationColumns = `
	id, user_id, alert_id, listing_id, channel, title, body, payload,
	priority, status, is_read, is_digested, retry_count, error_message,
	created_at, sent_at
`

func scanNotification(row interface{ Scan(...any) error }) (*Notification, error) {
	var n Notification
	err := row.Scan(
		&n.ID,
		&n.UserID,
		&n.AlertID,
		&n.ListingID,
		&n.Channel,
		&n.Title,
		&n.Body,
		&n.Payload,
		&n.Priority,
		&n.Status,
		&n.IsRead,
		&n.IsDigested,
		&n.RetryCount,
		&n.ErrorMessage,
		&n.CreatedAt,
		&n.SentAt,
	)
	if err != nil {
		return nil, fmt.Errorf("scan notification: %w", err)
	}
	return &n, nil
}

// Create inserts a notification together with its queue entry in one
// transaction. The unique index on (alert_id, listing_id) makes matching
// idempotent: re-inserting the same pair returns ErrDuplicatePair.
func (r *NotificationRepo) Create(ctx context.Context, notif *Notification, entry *QueueEntry) error {
	tx, err := r.db.Pool().Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	insertNotif := `
		INSERT INTO notifications (
			id, user_id, alert_id, listing_id, channel, title, body,
			payload, priority, status
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING created_at
	`

	err = tx.QueryRow(ctx, insertNotif,
		notif.ID,
		notif.UserID,
		notif.AlertID,
		notif.ListingID,
		notif.Channel,
		notif.Title,
		notif.Body,
		notif.Payload,
		notif.Priority,
		notif.Status,
	).Scan(&notif.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicatePair
		}
		return fmt.Errorf("insert notification: %w", err)
	}

	insertEntry := `
		INSERT INTO queue_entries (
			id, notification_id, priority, status, scheduled_for
		) VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at, updated_at
	`

	err = tx.QueryRow(ctx, insertEntry,
		entry.ID,
		entry.NotificationID,
		entry.Priority,
		entry.Status,
		entry.ScheduledFor,
	).Scan(&entry.CreatedAt, &entry.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert queue entry: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}

	r.logger.Debug("notification created",
		zap.String("notification_id", notif.ID.String()),
		zap.String("channel", notif.Channel),
		zap.Int("priority", notif.Priority),
	)

	return nil
}

// Get retrieves a notification by ID
func (r *NotificationRepo) Get(ctx context.Context, id uuid.UUID) (*Notification, error) {
	query := `SELECT ` + notificationColumns + ` FROM notifications WHERE id = $1`

	n, err := scanNotification(r.db.Pool().QueryRow(ctx, query, id))
	if err != nil {
		return nil, fmt.Errorf("query notification %s: %w", id, err)
	}

	return n, nil
}

// ExistsForPair reports whether a notification already exists for the
// given alert+listing combination.
func (r *NotificationRepo) ExistsForPair(ctx context.Context, alertID, listingID uuid.UUID) (bool, error) {
	query := `
		SELECT EXISTS (
			SELECT 1 FROM notifications WHERE alert_id = $1 AND listing_id = $2
		)
	`

	var exists bool
	if err := r.db.Pool().QueryRow(ctx, query, alertID, listingID).Scan(&exists); err != nil {
		return false, fmt.Errorf("query pair existence: %w", err)
	}

	return exists, nil
}

// CountForUserSince counts a user's notifications created at or after
// the given time. Backs the daily cap when Redis is unavailable.
func (r *NotificationRepo) CountForUserSince(ctx context.Context, userID uuid.UUID, since time.Time) (int, error) {
	query := `SELECT COUNT(*) FROM notifications WHERE user_id = $1 AND created_at >= $2`

	var count int
	if err := r.db.Pool().QueryRow(ctx, query, userID, since).Scan(&count); err != nil {
		return 0, fmt.Errorf("count user notifications: %w", err)
	}

	return count, nil
}

// CountForAlertSince counts an alert's notifications created at or after
// the given time.
func (r *NotificationRepo) CountForAlertSince(ctx context.Context, alertID uuid.UUID, since time.Time) (int, error) {
	query := `SELECT COUNT(*) FROM notifications WHERE alert_id = $1 AND created_at >= $2`

	var count int
	if err := r.db.Pool().QueryRow(ctx, query, alertID, since).Scan(&count); err != nil {
		return 0, fmt.Errorf("count alert notifications: %w", err)
	}

	return count, nil
}

// UpdateStatus transitions a notification's delivery status, guarded by
// the expected previous status so lifecycle updates are never blind.
func (r *NotificationRepo) UpdateStatus(ctx context.Context, id uuid.UUID, from, to string, errorMsg *string) error {
	query := `
		UPDATE notifications
		SET status = $1,
		    error_message = $2,
		    retry_count = CASE WHEN $1 = 'failed' THEN retry_count + 1 ELSE retry_count END,
		    sent_at = CASE WHEN $1 IN ('sent', 'delivered') THEN NOW() ELSE sent_at END
		WHERE id = $3 AND status = $4
	`

	result, err := r.db.Pool().Exec(ctx, query, to, errorMsg, id, from)
	if err != nil {
		return fmt.Errorf("update notification status: %w", err)
	}

	if result.RowsAffected() == 0 {
		return fmt.Errorf("notification %s not in status %q", id, from)
	}

	return nil
}

// ListUndigestedInApp returns a user's unread, undigested in-app
// notifications created since the given time, oldest first. The digest
// job folds these into one message.
func (r *NotificationRepo) ListUndigestedInApp(ctx context.Context, userID uuid.UUID, since time.Time) ([]*Notification, error) {
	query := `
		SELECT ` + notificationColumns + `
		FROM notifications
		WHERE user_id = $1
		  AND channel = $2
		  AND is_read = FALSE
		  AND is_digested = FALSE
		  AND alert_id IS NOT NULL
		  AND created_at >= $3
		ORDER BY created_at ASC
	`

	rows, err := r.db.Pool().Query(ctx, query, userID, ChannelInApp, since)
	if err != nil {
		return nil, fmt.Errorf("query undigested notifications: %w", err)
	}
	defer rows.Close()

	var notifications []*Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, err
		}
		notifications = append(notifications, n)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return notifications, nil
}

// CreateDigest inserts a digest notification with its queue entry and
// flags the folded source notifications as digested, all in one
// transaction. A crash mid-digest can therefore never fold the same
// items into a second digest.
func (r *NotificationRepo) CreateDigest(ctx context.Context, notif *Notification, entry *QueueEntry, digested []uuid.UUID) error {
	tx, err := r.db.Pool().Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	insertNotif := `
		INSERT INTO notifications (
			id, user_id, alert_id, listing_id, channel, title, body,
			payload, priority, status
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING created_at
	`

	err = tx.QueryRow(ctx, insertNotif,
		notif.ID,
		notif.UserID,
		notif.AlertID,
		notif.ListingID,
		notif.Channel,
		notif.Title,
		notif.Body,
		notif.Payload,
		notif.Priority,
		notif.Status,
	).Scan(&notif.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert digest notification: %w", err)
	}

	insertEntry := `
		INSERT INTO queue_entries (
			id, notification_id, priority, status, scheduled_for
		) VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at, updated_at
	`

	err = tx.QueryRow(ctx, insertEntry,
		entry.ID,
		entry.NotificationID,
		entry.Priority,
		entry.Status,
		entry.ScheduledFor,
	).Scan(&entry.CreatedAt, &entry.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert digest queue entry: %w", err)
	}

	markDigested := `UPDATE notifications SET is_digested = TRUE WHERE id = ANY($1)`
	if _, err := tx.Exec(ctx, markDigested, digested); err != nil {
		return fmt.Errorf("mark digested: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}

	r.logger.Debug("digest created",
		zap.String("notification_id", notif.ID.String()),
		zap.Int("folded", len(digested)),
	)

	return nil
}

// ListByUser returns a user's notifications newest first, paginated.
func (r *NotificationRepo) ListByUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*Notification, error) {
	query := `
		SELECT ` + notificationColumns + `
		FROM notifications
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`

	rows, err := r.db.Pool().Query(ctx, query, userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("query notifications: %w", err)
	}
	defer rows.Close()

	var notifications []*Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, err
		}
		notifications = append(notifications, n)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return notifications, nil
}

// MarkRead flags a notification as read by its owner.
func (r *NotificationRepo) MarkRead(ctx context.Context, id, userID uuid.UUID) error {
	query := `UPDATE notifications SET is_read = TRUE WHERE id = $1 AND user_id = $2`

	result, err := r.db.Pool().Exec(ctx, query, id, userID)
	if err != nil {
		return fmt.Errorf("mark read: %w", err)
	}

	if result.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}

	return nil
}

// PruneTerminalOlderThan deletes terminal notifications created before the
// cutoff. Queue entries are removed by ON DELETE CASCADE.
func (r *NotificationRepo) PruneTerminalOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	query := `
		DELETE FROM notifications
		WHERE status IN ($1, $2, $3, $4) AND created_at < $5
	`

	result, err := r.db.Pool().Exec(ctx, query,
		StatusSent, StatusDelivered, StatusSkipped, StatusFailed, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune notifications: %w", err)
	}

	return result.RowsAffected(), nil
}
