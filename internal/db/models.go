package db

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Notification status constants
const (
	StatusCreated   = "created"
	StatusQueued    = "queued"
	StatusSent      = "sent"
	StatusDelivered = "delivered"
	StatusSkipped   = "skipped"
	StatusFailed    = "failed"
)

// Queue entry status constants
const (
	QueueStatusQueued     = "queued"
	QueueStatusProcessing = "processing"
	QueueStatusCompleted  = "completed"
	QueueStatusFailed     = "failed"
)

// Match run status constants
const (
	RunStatusRunning   = "running"
	RunStatusCompleted = "completed"
	RunStatusFailed    = "failed"
)

// Channel constants
const (
	ChannelEmail = "email"
	ChannelPush  = "push"
	ChannelInApp = "in_app"
)

// Notification frequency constants
const (
	FrequencyImmediate = "immediate"
	FrequencyDaily     = "daily"
	FrequencyWeekly    = "weekly"
)

// Priority tiers. 1 is highest, 5 lowest.
const (
	PriorityUrgent = 1
	PriorityHigh   = 2
	PriorityNormal = 3
	PriorityLow    = 4
	PriorityBulk   = 5
)

// Alert is a saved search owned by a user. Criteria fields are optional;
// a nil field does not participate in matching or scoring.
type Alert struct {
	ID                     uuid.UUID  `json:"id"`
	UserID                 uuid.UUID  `json:"user_id"`
	Make                   *string    `json:"make,omitempty"`
	Model                  *string    `json:"model,omitempty"`
	YearMin                *int       `json:"year_min,omitempty"`
	YearMax                *int       `json:"year_max,omitempty"`
	PriceMin               *int       `json:"price_min,omitempty"`
	PriceMax               *int       `json:"price_max,omitempty"`
	MileageMax             *int       `json:"mileage_max,omitempty"`
	FuelType               *string    `json:"fuel_type,omitempty"`
	Transmission           *string    `json:"transmission,omitempty"`
	BodyType               *string    `json:"body_type,omitempty"`
	Location               *string    `json:"location,omitempty"`
	PowerMin               *int       `json:"power_min,omitempty"`
	PowerMax               *int       `json:"power_max,omitempty"`
	Condition              *string    `json:"condition,omitempty"`
	IsActive               bool       `json:"is_active"`
	NotificationFrequency  string     `json:"notification_frequency"`
	MaxNotificationsPerDay int        `json:"max_notifications_per_day"`
	LastTriggered          *time.Time `json:"last_triggered,omitempty"`
	TriggerCount           int        `json:"trigger_count"`
	CreatedAt              time.Time  `json:"created_at"`
	UpdatedAt              time.Time  `json:"updated_at"`
}

// Listing is a candidate item produced by the scraping subsystem.
// The core never mutates listings.
type Listing struct {
	ID           uuid.UUID `json:"id"`
	Make         string    `json:"make"`
	Model        string    `json:"model"`
	Year         int       `json:"year"`
	Price        int       `json:"price"`
	Mileage      int       `json:"mileage"`
	FuelType     string    `json:"fuel_type"`
	Transmission string    `json:"transmission"`
	BodyType     string    `json:"body_type"`
	Location     string    `json:"location"`
	PowerKW      int       `json:"power_kw"`
	Condition    string    `json:"condition"`
	DiscoveredAt time.Time `json:"discovered_at"`
	IsActive     bool      `json:"is_active"`
}

// MatchRun is the audit record of one match engine execution.
// Finalized exactly once; never mutated afterward.
type MatchRun struct {
	ID                   uuid.UUID  `json:"id"`
	WindowStart          time.Time  `json:"window_start"`
	WindowEnd            time.Time  `json:"window_end"`
	AlertsProcessed      int        `json:"alerts_processed"`
	ListingsChecked      int        `json:"listings_checked"`
	MatchesFound         int        `json:"matches_found"`
	NotificationsCreated int        `json:"notifications_created"`
	Status               string     `json:"status"`
	Error                *string    `json:"error,omitempty"`
	StartedAt            time.Time  `json:"started_at"`
	FinishedAt           *time.Time `json:"finished_at,omitempty"`
}

// Notification is one deliverable message.
type Notification struct {
	ID           uuid.UUID       `json:"id"`
	UserID       uuid.UUID       `json:"user_id"`
	AlertID      *uuid.UUID      `json:"alert_id,omitempty"`
	ListingID    *uuid.UUID      `json:"listing_id,omitempty"`
	Channel      string          `json:"channel"`
	Title        string          `json:"title"`
	Body         string          `json:"body"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	Priority     int             `json:"priority"`
	Status       string          `json:"status"`
	IsRead       bool            `json:"is_read"`
	IsDigested   bool            `json:"is_digested"`
	RetryCount   int             `json:"retry_count"`
	ErrorMessage *string         `json:"error_message,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	SentAt       *time.Time      `json:"sent_at,omitempty"`
}

// QueueEntry schedules delivery of one Notification. It carries no
// business data of its own.
type QueueEntry struct {
	ID                    uuid.UUID  `json:"id"`
	NotificationID        uuid.UUID  `json:"notification_id"`
	Priority              int        `json:"priority"`
	Status                string     `json:"status"`
	ScheduledFor          *time.Time `json:"scheduled_for,omitempty"`
	ProcessingStartedAt   *time.Time `json:"processing_started_at,omitempty"`
	ProcessingCompletedAt *time.Time `json:"processing_completed_at,omitempty"`
	RetryCount            int        `json:"retry_count"`
	WorkerID              *string    `json:"worker_id,omitempty"`
	ErrorMessage          *string    `json:"error_message,omitempty"`
	CreatedAt             time.Time  `json:"created_at"`
	UpdatedAt             time.Time  `json:"updated_at"`
}

// QueueStats is a point-in-time count of queue entries by status.
type QueueStats struct {
	Queued     int `json:"queued"`
	Processing int `json:"processing"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
}

// Preferences holds a user's per-channel delivery settings and quotas.
// Quiet hours are hours of day in UTC; equal start and end disables them.
type Preferences struct {
	UserID                      uuid.UUID  `json:"user_id"`
	EmailEnabled                bool       `json:"email_enabled"`
	PushEnabled                 bool       `json:"push_enabled"`
	InAppEnabled                bool       `json:"in_app_enabled"`
	EmailAddress                *string    `json:"email_address,omitempty"`
	PushToken                   *string    `json:"push_token,omitempty"`
	Frequency                   string     `json:"frequency"`
	QuietHoursStart             int        `json:"quiet_hours_start"`
	QuietHoursEnd               int        `json:"quiet_hours_end"`
	MaxNotificationsPerDay      int        `json:"max_notifications_per_day"`
	MaxNotificationsPerAlertDay int        `json:"max_notifications_per_alert_per_day"`
	DigestHour                  int        `json:"digest_hour"`
	LastDigestAt                *time.Time `json:"last_digest_at,omitempty"`
	Language                    string     `json:"language"`
}

// ChannelEnabled reports whether the given channel is switched on and
// has a usable destination.
func (p *Preferences) ChannelEnabled(channel string) bool {
	switch channel {
	case ChannelEmail:
		return p.EmailEnabled && p.EmailAddress != nil && *p.EmailAddress != ""
	case ChannelPush:
		return p.PushEnabled && p.PushToken != nil && *p.PushToken != ""
	case ChannelInApp:
		return p.InAppEnabled
	default:
		return false
	}
}

// InQuietHours reports whether t falls inside the user's quiet window.
// The window may wrap midnight (start 22, end 7).
func (p *Preferences) InQuietHours(t time.Time) bool {
	if p.QuietHoursStart == p.QuietHoursEnd {
		return false
	}
	hour := t.UTC().Hour()
	if p.QuietHoursStart < p.QuietHoursEnd {
		return hour >= p.QuietHoursStart && hour < p.QuietHoursEnd
	}
	return hour >= p.QuietHoursStart || hour < p.QuietHoursEnd
}
