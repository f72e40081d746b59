package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"carwatch/internal/db"
	"carwatch/internal/metrics"
)

// QueueStore is the queue surface the worker drains.
type QueueStore interface {
	ClaimBatch(ctx context.Context, workerID string, maxItems int) ([]*db.QueueEntry, error)
	MarkCompleted(ctx context.Context, id uuid.UUID) error
	MarkFailed(ctx context.Context, id uuid.UUID, errorMsg string, terminal bool, maxRetries int) error
}

// NotificationStore loads and transitions the notifications behind
// queue entries.
type NotificationStore interface {
	Get(ctx context.Context, id uuid.UUID) (*db.Notification, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, from, to string, errorMsg *string) error
}

// PreferencesStore resolves delivery preferences per user.
type PreferencesStore interface {
	Get(ctx context.Context, userID uuid.UUID) (*db.Preferences, error)
}

// Config holds worker tuning knobs.
type Config struct {
	WorkerID    string
	BatchSize   int
	MaxRetries  int
	SendTimeout time.Duration
}

// Worker drains the delivery queue: claims due entries, runs preference
// checks, renders content, and hands it to the channel sender. One
// DrainOnce call processes at most one batch; the scheduler decides
// cadence.
type Worker struct {
	queue    QueueStore
	notifs   NotificationStore
	prefs    PreferencesStore
	sender   Sender
	renderer Renderer
	cfg      Config
	logger   *zap.Logger
}

// New creates a queue worker.
func New(queue QueueStore, notifs NotificationStore, prefs PreferencesStore, sender Sender, renderer Renderer, cfg Config, logger *zap.Logger) *Worker {
	if cfg.WorkerID == "" {
		host, _ := os.Hostname()
		cfg.WorkerID = fmt.Sprintf("%s-%s", host, uuid.New().String()[:8])
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 25
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 30 * time.Second
	}

	return &Worker{
		queue:    queue,
		notifs:   notifs,
		prefs:    prefs,
		sender:   sender,
		renderer: renderer,
		cfg:      cfg,
		logger:   logger,
	}
}

// DrainOnce claims and processes one batch. Returns the number of
// entries claimed. Per-entry failures are recorded on the entry and
// never abort the batch.
func (w *Worker) DrainOnce(ctx context.Context) (int, error) {
	entries, err := w.queue.ClaimBatch(ctx, w.cfg.WorkerID, w.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("claim batch: %w", err)
	}

	for _, entry := range entries {
		w.process(ctx, entry)
	}

	return len(entries), nil
}

func (w *Worker) process(ctx context.Context, entry *db.QueueEntry) {
	logger := w.logger.With(
		zap.String("entry_id", entry.ID.String()),
		zap.String("notification_id", entry.NotificationID.String()),
	)

	notif, err := w.notifs.Get(ctx, entry.NotificationID)
	if err != nil {
		logger.Error("failed to load notification", zap.Error(err))
		w.fail(ctx, entry, nil, fmt.Errorf("load notification: %w", err))
		return
	}

	prefs, err := w.prefs.Get(ctx, notif.UserID)
	if err != nil {
		logger.Error("failed to load preferences", zap.Error(err))
		w.fail(ctx, entry, notif, fmt.Errorf("load preferences: %w", err))
		return
	}

	if !prefs.ChannelEnabled(notif.Channel) {
		w.skip(ctx, entry, notif, "channel_disabled")
		return
	}

	if notif.Channel != db.ChannelInApp && prefs.InQuietHours(time.Now()) {
		w.skip(ctx, entry, notif, "quiet_hours")
		return
	}

	content, err := w.renderer.Render(notif.Channel, prefs.Language, notif)
	if err != nil {
		logger.Error("failed to render notification", zap.Error(err))
		w.fail(ctx, entry, notif, err)
		return
	}

	sendCtx, cancel := context.WithTimeout(ctx, w.cfg.SendTimeout)
	err = w.sender.Send(sendCtx, notif, prefs, content)
	cancel()
	if err != nil {
		logger.Warn("delivery failed",
			zap.String("channel", notif.Channel),
			zap.Bool("permanent", errors.Is(err, ErrPermanent)),
			zap.Error(err),
		)
		w.fail(ctx, entry, notif, err)
		return
	}

	// In-app deliveries land directly in the user's inbox, so they are
	// delivered the moment the send succeeds. Email and push only reach
	// the provider; delivery confirmation would come from its callbacks.
	finalStatus := db.StatusSent
	if notif.Channel == db.ChannelInApp {
		finalStatus = db.StatusDelivered
	}

	// Retried entries carry a notification already in failed, so the
	// transition starts from whatever status the row was loaded with.
	if err := w.notifs.UpdateStatus(ctx, notif.ID, notif.Status, finalStatus, nil); err != nil {
		logger.Error("failed to update notification status", zap.Error(err))
	}
	if err := w.queue.MarkCompleted(ctx, entry.ID); err != nil {
		logger.Error("failed to complete queue entry", zap.Error(err))
		return
	}

	metrics.RecordNotificationProcessed(finalStatus, notif.Channel)
	metrics.RecordDeliveryLatency(notif.Channel, time.Since(notif.CreatedAt))

	logger.Debug("notification delivered",
		zap.String("channel", notif.Channel),
		zap.String("status", finalStatus),
	)
}

// skip marks the notification skipped and the entry completed. Skipped
// is terminal: suppressed deliveries are never retried.
func (w *Worker) skip(ctx context.Context, entry *db.QueueEntry, notif *db.Notification, reason string) {
	if err := w.notifs.UpdateStatus(ctx, notif.ID, notif.Status, db.StatusSkipped, &reason); err != nil {
		w.logger.Error("failed to mark notification skipped",
			zap.String("notification_id", notif.ID.String()),
			zap.Error(err),
		)
	}
	if err := w.queue.MarkCompleted(ctx, entry.ID); err != nil {
		w.logger.Error("failed to complete queue entry",
			zap.String("entry_id", entry.ID.String()),
			zap.Error(err),
		)
		return
	}

	metrics.RecordNotificationSuppressed(reason)
	metrics.RecordNotificationProcessed(db.StatusSkipped, notif.Channel)

	w.logger.Info("notification skipped",
		zap.String("notification_id", notif.ID.String()),
		zap.String("reason", reason),
	)
}

func (w *Worker) fail(ctx context.Context, entry *db.QueueEntry, notif *db.Notification, sendErr error) {
	terminal := errors.Is(sendErr, ErrPermanent)
	msg := sendErr.Error()

	if err := w.queue.MarkFailed(ctx, entry.ID, msg, terminal, w.cfg.MaxRetries); err != nil {
		w.logger.Error("failed to mark queue entry failed",
			zap.String("entry_id", entry.ID.String()),
			zap.Error(err),
		)
	}

	if notif != nil {
		if err := w.notifs.UpdateStatus(ctx, notif.ID, notif.Status, db.StatusFailed, &msg); err != nil {
			w.logger.Error("failed to mark notification failed",
				zap.String("notification_id", notif.ID.String()),
				zap.Error(err),
			)
		}
		metrics.RecordNotificationProcessed(db.StatusFailed, notif.Channel)
	}
}
