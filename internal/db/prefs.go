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

// PreferencesRepo reads per-user notification preferences. Rows are
// written by the CRUD layer; the core only stamps last_digest_at.
type PreferencesRepo struct {
	db     *DB
	logger *zap.Logger
}

// NewPreferencesRepo creates a new preferences repository
func NewPreferencesRepo(db *DB, logger *zap.Logger) *PreferencesRepo {
	return &PreferencesRepo{db: db, logger: logger}
}

const prefsColumns = `
	user_id, email_enabled, push_enabled, in_app_enabled, email_address,
	push_token, frequency, quiet_hours_start, quiet_hours_end,
	max_notifications_per_day, max_notifications_per_alert_per_day,
	digest_hour, last_digest_at, language
`

func scanPrefs(row interface{ Scan(...any) error }) (*Preferences, error) {
	var p Preferences
	err := row.Scan(
		&p.UserID,
		&p.EmailEnabled,
		&p.PushEnabled,
		&p.InAppEnabled,
		&p.EmailAddress,
		&p.PushToken,
		&p.Frequency,
		&p.QuietHoursStart,
		&p.QuietHoursEnd,
		&p.MaxNotificationsPerDay,
		&p.MaxNotificationsPerAlertDay,
		&p.DigestHour,
		&p.LastDigestAt,
		&p.Language,
	)
	if err != nil {
		return nil, fmt.Errorf("scan preferences: %w", err)
	}
	return &p, nil
}

// Get returns preferences for a user, or defaults when no row exists.
func (r *PreferencesRepo) Get(ctx context.Context, userID uuid.UUID) (*Preferences, error) {
	query := `SELECT ` + prefsColumns + ` FROM notification_preferences WHERE user_id = $1`

	p, err := scanPrefs(r.db.Pool().QueryRow(ctx, query, userID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return DefaultPreferences(userID), nil
		}
		return nil, fmt.Errorf("query preferences for %s: %w", userID, err)
	}

	return p, nil
}

// ListForDigest returns users with the given frequency whose digest hour
// has arrived and whose last digest predates today's slot.
func (r *PreferencesRepo) ListForDigest(ctx context.Context, frequency string, now time.Time) ([]*Preferences, error) {
	query := `
		SELECT ` + prefsColumns + `
		FROM notification_preferences
		WHERE frequency = $1
		  AND in_app_enabled = TRUE
		  AND digest_hour <= $2
		  AND (last_digest_at IS NULL OR last_digest_at < $3)
	`

	dayStart := now.UTC().Truncate(24 * time.Hour)

	rows, err := r.db.Pool().Query(ctx, query, frequency, now.UTC().Hour(), dayStart)
	if err != nil {
		return nil, fmt.Errorf("query digest users: %w", err)
	}
	defer rows.Close()

	var prefs []*Preferences
	for rows.Next() {
		p, err := scanPrefs(rows)
		if err != nil {
			return nil, err
		}
		prefs = append(prefs, p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return prefs, nil
}

// MarkDigestSent stamps last_digest_at for a user.
func (r *PreferencesRepo) MarkDigestSent(ctx context.Context, userID uuid.UUID, at time.Time) error {
	query := `UPDATE notification_preferences SET last_digest_at = $1 WHERE user_id = $2`

	if _, err := r.db.Pool().Exec(ctx, query, at, userID); err != nil {
		return fmt.Errorf("mark digest sent: %w", err)
	}

	return nil
}

// DefaultPreferences returns the settings used for users without a
// preferences row: in-app only, immediate, 10 per day, no quiet hours.
func DefaultPreferences(userID uuid.UUID) *Preferences {
	return &Preferences{
		UserID:                      userID,
		InAppEnabled:                true,
		Frequency:                   FrequencyImmediate,
		MaxNotificationsPerDay:      10,
		MaxNotificationsPerAlertDay: 5,
		DigestHour:                  8,
		Language:                    "en",
	}
}
