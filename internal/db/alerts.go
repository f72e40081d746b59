package db

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// AlertRepo reads alert definitions and records trigger stats. Alerts are
// created and edited by the CRUD layer; the engine only bumps trigger
// counters here.
type AlertRepo struct {
	db     *DB
	logger *zap.Logger
}

// NewAlertRepo creates a new alert repository
func NewAlertRepo(db *DB, logger *zap.Logger) *AlertRepo {
	return &AlertRepo{db: db, logger: logger}
}

const alertColumns = `
	id, user_id, make, model, year_min, year_max, price_min, price_max,
	mileage_max, fuel_type, transmission, body_type, location,
	power_min, power_max, condition, is_active, notification_frequency,
	max_notifications_per_day, last_triggered, trigger_count,
	created_at, updated_at
`

func scanAlert(row interface{ Scan(...any) error }) (*Alert, error) {
	var a Alert
	err := row.Scan(
		&a.ID,
		&a.UserID,
		&a.Make,
		&a.Model,
		&a.YearMin,
		&a.YearMax,
		&a.PriceMin,
		&a.PriceMax,
		&a.MileageMax,
		&a.FuelType,
		&a.Transmission,
		&a.BodyType,
		&a.Location,
		&a.PowerMin,
		&a.PowerMax,
		&a.Condition,
		&a.IsActive,
		&a.NotificationFrequency,
		&a.MaxNotificationsPerDay,
		&a.LastTriggered,
		&a.TriggerCount,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("scan alert: %w", err)
	}
	return &a, nil
}

// ListActive returns all active alerts ordered by creation time.
func (r *AlertRepo) ListActive(ctx context.Context) ([]*Alert, error) {
	query := `
		SELECT ` + alertColumns + `
		FROM alerts
		WHERE is_active = TRUE
		ORDER BY created_at ASC
	`

	rows, err := r.db.Pool().Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query active alerts: %w", err)
	}
	defer rows.Close()

	var alerts []*Alert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		alerts = append(alerts, a)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return alerts, nil
}

// RecordTrigger bumps trigger_count and stamps last_triggered.
func (r *AlertRepo) RecordTrigger(ctx context.Context, id uuid.UUID, at time.Time) error {
	query := `
		UPDATE alerts
		SET trigger_count = trigger_count + 1, last_triggered = $1, updated_at = NOW()
		WHERE id = $2
	`

	result, err := r.db.Pool().Exec(ctx, query, at, id)
	if err != nil {
		r.logger.Error("failed to record alert trigger",
			zap.Error(err),
			zap.String("alert_id", id.String()),
		)
		return fmt.Errorf("record trigger: %w", err)
	}

	if result.RowsAffected() == 0 {
		return fmt.Errorf("alert not found: %s", id)
	}

	return nil
}
