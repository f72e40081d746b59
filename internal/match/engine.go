package match

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"carwatch/internal/db"
	"carwatch/internal/metrics"
)

// AlertStore provides alert definitions and trigger bookkeeping.
type AlertStore interface {
	ListActive(ctx context.Context) ([]*db.Alert, error)
	RecordTrigger(ctx context.Context, id uuid.UUID, at time.Time) error
}

// ListingStore provides candidate listings for a window.
type ListingStore interface {
	ListDiscoveredSince(ctx context.Context, since time.Time, limit int) ([]*db.Listing, error)
}

// NotificationStore creates notifications and answers pair-dedup queries.
type NotificationStore interface {
	Create(ctx context.Context, notif *db.Notification, entry *db.QueueEntry) error
	ExistsForPair(ctx context.Context, alertID, listingID uuid.UUID) (bool, error)
}

// RunStore persists match run audit records.
type RunStore interface {
	Create(ctx context.Context, run *db.MatchRun) error
	Finish(ctx context.Context, run *db.MatchRun) error
	LastCompletedWindowEnd(ctx context.Context) (time.Time, error)
}

// PreferencesStore returns per-user delivery preferences.
type PreferencesStore interface {
	Get(ctx context.Context, userID uuid.UUID) (*db.Preferences, error)
}

// Quota tracks how many notifications were created today per user and
// per alert. Counts reset at UTC midnight.
type Quota interface {
	UserCount(ctx context.Context, userID uuid.UUID) (int, error)
	AlertCount(ctx context.Context, alertID uuid.UUID) (int, error)
	Record(ctx context.Context, userID, alertID uuid.UUID) error
}

// Config holds match engine tuning knobs.
type Config struct {
	// WindowOverlap is subtracted from the last successful run's
	// completion time to tolerate late-arriving listings and clock skew.
	WindowOverlap time.Duration

	// InitialLookback bounds the first run's window when no run has
	// completed yet.
	InitialLookback time.Duration

	// MaxListings caps listings examined per run unless the caller
	// passes an explicit cap.
	MaxListings int
}

// Engine scores fresh listings against active alerts and emits
// notifications for qualifying pairs. Daily caps are enforced here, at
// creation time: a qualifying match over the cap creates nothing.
type Engine struct {
	alerts   AlertStore
	listings ListingStore
	notifs   NotificationStore
	runs     RunStore
	prefs    PreferencesStore
	quota    Quota
	config   Config
	logger   *zap.Logger
}

// New creates a match engine
func New(alerts AlertStore, listings ListingStore, notifs NotificationStore, runs RunStore, prefs PreferencesStore, quota Quota, cfg Config, logger *zap.Logger) *Engine {
	if cfg.WindowOverlap == 0 {
		cfg.WindowOverlap = 5 * time.Minute
	}
	if cfg.InitialLookback == 0 {
		cfg.InitialLookback = 24 * time.Hour
	}
	if cfg.MaxListings == 0 {
		cfg.MaxListings = 1000
	}

	return &Engine{
		alerts:   alerts,
		listings: listings,
		notifs:   notifs,
		runs:     runs,
		prefs:    prefs,
		quota:    quota,
		config:   cfg,
		logger:   logger,
	}
}

// Run executes one matching pass. windowStart overrides the cursor when
// non-nil; maxListings overrides the configured cap when positive. The
// returned MatchRun carries the aggregated counters; on mid-run failure
// it is finalized as failed with the partial counters and the error is
// returned so the cursor does not advance.
func (e *Engine) Run(ctx context.Context, windowStart *time.Time, maxListings int) (*db.MatchRun, error) {
	start := time.Now().UTC()

	since, err := e.resolveWindowStart(ctx, windowStart, start)
	if err != nil {
		return nil, err
	}

	if maxListings <= 0 {
		maxListings = e.config.MaxListings
	}

	run := &db.MatchRun{
		ID:          uuid.New(),
		WindowStart: since,
		WindowEnd:   start,
		Status:      db.RunStatusRunning,
		StartedAt:   start,
	}

	// The run record is the only fatal write: without it there is no
	// cursor and no audit trail.
	if err := e.runs.Create(ctx, run); err != nil {
		return nil, fmt.Errorf("create run record: %w", err)
	}

	e.logger.Info("match run started",
		zap.String("run_id", run.ID.String()),
		zap.Time("window_start", since),
		zap.Int("max_listings", maxListings),
	)

	if err := e.process(ctx, run, since, maxListings); err != nil {
		return e.finalize(run, db.RunStatusFailed, err)
	}

	return e.finalize(run, db.RunStatusCompleted, nil)
}

func (e *Engine) resolveWindowStart(ctx context.Context, override *time.Time, now time.Time) (time.Time, error) {
	if override != nil {
		return override.UTC(), nil
	}

	lastEnd, err := e.runs.LastCompletedWindowEnd(ctx)
	if err != nil {
		return time.Time{}, fmt.Errorf("resolve cursor: %w", err)
	}

	if lastEnd.IsZero() {
		return now.Add(-e.config.InitialLookback), nil
	}

	return lastEnd.Add(-e.config.WindowOverlap), nil
}

func (e *Engine) process(ctx context.Context, run *db.MatchRun, since time.Time, maxListings int) error {
	alerts, err := e.alerts.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("load alerts: %w", err)
	}
	run.AlertsProcessed = len(alerts)

	listings, err := e.listings.ListDiscoveredSince(ctx, since, maxListings)
	if err != nil {
		return fmt.Errorf("load listings: %w", err)
	}
	run.ListingsChecked = len(listings)

	if len(alerts) == 0 || len(listings) == 0 {
		return nil
	}

	// Per-user preference cache for the duration of the run.
	prefsCache := make(map[uuid.UUID]*db.Preferences)

	// Oldest listing first so a capped run always drains the oldest
	// backlog.
	for _, listing := range listings {
		for _, alert := range alerts {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}

			if err := e.processPair(ctx, run, alert, listing, prefsCache); err != nil {
				// Per-pair errors never abort the run.
				metrics.RecordPairError()
				e.logger.Warn("pair evaluation failed, skipping",
					zap.String("alert_id", alert.ID.String()),
					zap.String("listing_id", listing.ID.String()),
					zap.Error(err),
				)
			}
		}
	}

	return nil
}

func (e *Engine) processPair(ctx context.Context, run *db.MatchRun, alert *db.Alert, listing *db.Listing, prefsCache map[uuid.UUID]*db.Preferences) error {
	score := Evaluate(alert, listing)
	metrics.RecordPairScore(score.Value())

	if !score.Qualifies() {
		return nil
	}

	// Idempotency: a pair that already produced a notification is a
	// re-scan of an overlapping window, not a new match.
	exists, err := e.notifs.ExistsForPair(ctx, alert.ID, listing.ID)
	if err != nil {
		return fmt.Errorf("pair dedup check: %w", err)
	}
	if exists {
		return nil
	}

	run.MatchesFound++
	metrics.RecordMatchFound()

	prefs, ok := prefsCache[alert.UserID]
	if !ok {
		prefs, err = e.prefs.Get(ctx, alert.UserID)
		if err != nil {
			return fmt.Errorf("load preferences: %w", err)
		}
		prefsCache[alert.UserID] = prefs
	}

	allowed, err := e.underDailyCaps(ctx, alert, prefs)
	if err != nil {
		return err
	}
	if !allowed {
		metrics.RecordNotificationSuppressed("daily_cap")
		e.logger.Debug("match suppressed by daily cap",
			zap.String("alert_id", alert.ID.String()),
			zap.String("user_id", alert.UserID.String()),
		)
		return nil
	}

	if err := e.createNotification(ctx, alert, listing); err != nil {
		if errors.Is(err, db.ErrDuplicatePair) {
			// Lost a race with a concurrent run; the pair is covered.
			return nil
		}
		return fmt.Errorf("create notification: %w", err)
	}

	run.NotificationsCreated++
	metrics.RecordNotificationCreated(db.ChannelInApp)

	// Trigger stats follow created notifications. A cap-suppressed pair
	// stays uncounted so overlapping re-scans cannot inflate it.
	if err := e.alerts.RecordTrigger(ctx, alert.ID, time.Now().UTC()); err != nil {
		return fmt.Errorf("record trigger: %w", err)
	}

	return e.quota.Record(ctx, alert.UserID, alert.ID)
}

func (e *Engine) underDailyCaps(ctx context.Context, alert *db.Alert, prefs *db.Preferences) (bool, error) {
	userCount, err := e.quota.UserCount(ctx, alert.UserID)
	if err != nil {
		return false, fmt.Errorf("user quota: %w", err)
	}
	if prefs.MaxNotificationsPerDay > 0 && userCount >= prefs.MaxNotificationsPerDay {
		return false, nil
	}

	alertCap := alert.MaxNotificationsPerDay
	if alertCap <= 0 {
		alertCap = prefs.MaxNotificationsPerAlertDay
	}
	if alertCap <= 0 {
		return true, nil
	}

	alertCount, err := e.quota.AlertCount(ctx, alert.ID)
	if err != nil {
		return false, fmt.Errorf("alert quota: %w", err)
	}

	return alertCount < alertCap, nil
}

func (e *Engine) createNotification(ctx context.Context, alert *db.Alert, listing *db.Listing) error {
	payload, err := json.Marshal(listing)
	if err != nil {
		return fmt.Errorf("marshal listing payload: %w", err)
	}

	alertID := alert.ID
	listingID := listing.ID

	notif := &db.Notification{
		ID:        uuid.New(),
		UserID:    alert.UserID,
		AlertID:   &alertID,
		ListingID: &listingID,
		Channel:   db.ChannelInApp,
		Title:     fmt.Sprintf("New match: %s %s (%d)", listing.Make, listing.Model, listing.Year),
		Body:      fmt.Sprintf("%s %s, %d, %d km, %d EUR, %s", listing.Make, listing.Model, listing.Year, listing.Mileage, listing.Price, listing.Location),
		Payload:   payload,
		Priority:  priorityFor(alert),
		Status:    db.StatusQueued,
	}

	entry := &db.QueueEntry{
		ID:             uuid.New(),
		NotificationID: notif.ID,
		Priority:       notif.Priority,
		Status:         db.QueueStatusQueued,
	}

	return e.notifs.Create(ctx, notif, entry)
}

// priorityFor gives a fresh alert's first trigger a slightly higher
// priority so new subscribers see their first match quickly.
func priorityFor(alert *db.Alert) int {
	if alert.TriggerCount == 0 && time.Since(alert.CreatedAt) < 24*time.Hour {
		return db.PriorityHigh
	}
	return db.PriorityNormal
}

func (e *Engine) finalize(run *db.MatchRun, status string, runErr error) (*db.MatchRun, error) {
	finished := time.Now().UTC()
	run.Status = status
	run.FinishedAt = &finished
	if runErr != nil {
		msg := runErr.Error()
		run.Error = &msg
	}

	// Finalizing uses a fresh context: the run context may already be
	// canceled and the partial counters must still be persisted.
	finishCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := e.runs.Finish(finishCtx, run); err != nil {
		e.logger.Error("failed to finalize match run",
			zap.String("run_id", run.ID.String()),
			zap.Error(err),
		)
		if runErr == nil {
			return run, fmt.Errorf("finalize run: %w", err)
		}
		return run, runErr
	}

	metrics.RecordMatchRun(status, finished.Sub(run.StartedAt))

	e.logger.Info("match run finished",
		zap.String("run_id", run.ID.String()),
		zap.String("status", status),
		zap.Int("alerts_processed", run.AlertsProcessed),
		zap.Int("listings_checked", run.ListingsChecked),
		zap.Int("matches_found", run.MatchesFound),
		zap.Int("notifications_created", run.NotificationsCreated),
		zap.Duration("duration", finished.Sub(run.StartedAt)),
	)

	return run, runErr
}
