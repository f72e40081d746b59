package digest

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"carwatch/internal/db"
	"carwatch/internal/metrics"
)

// NotificationStore is the notification surface the digest builder uses.
// CreateDigest writes the digest and marks its sources digested in one
// transaction so a crash never folds the same items twice.
type NotificationStore interface {
	ListUndigestedInApp(ctx context.Context, userID uuid.UUID, since time.Time) ([]*db.Notification, error)
	CreateDigest(ctx context.Context, notif *db.Notification, entry *db.QueueEntry, digested []uuid.UUID) error
}

// PreferencesStore selects users whose digest is due and records
// digests after delivery is queued.
type PreferencesStore interface {
	ListForDigest(ctx context.Context, frequency string, now time.Time) ([]*db.Preferences, error)
	MarkDigestSent(ctx context.Context, userID uuid.UUID, at time.Time) error
}

// Builder folds a user's accumulated match notifications into a single
// digest message. Users on immediate frequency never get digests; their
// notifications are delivered as they are created.
type Builder struct {
	notifs NotificationStore
	prefs  PreferencesStore
	logger *zap.Logger
}

// New creates a digest builder.
func New(notifs NotificationStore, prefs PreferencesStore, logger *zap.Logger) *Builder {
	return &Builder{
		notifs: notifs,
		prefs:  prefs,
		logger: logger,
	}
}

// digestItem is one folded match inside the digest payload.
type digestItem struct {
	NotificationID uuid.UUID       `json:"notification_id"`
	Title          string          `json:"title"`
	Body           string          `json:"body"`
	CreatedAt      time.Time       `json:"created_at"`
	Listing        json.RawMessage `json:"listing,omitempty"`
}

// Run builds digests for every user whose daily or weekly digest is
// due at now. Returns the number of digests created. Per-user failures
// are logged and skipped so one bad user cannot block the rest.
func (b *Builder) Run(ctx context.Context, now time.Time) (int, error) {
	built := 0

	for _, frequency := range []string{db.FrequencyDaily, db.FrequencyWeekly} {
		prefs, err := b.prefs.ListForDigest(ctx, frequency, now)
		if err != nil {
			return built, fmt.Errorf("list users for %s digest: %w", frequency, err)
		}

		for _, p := range prefs {
			ok, err := b.buildForUser(ctx, p, frequency, now)
			if err != nil {
				b.logger.Error("failed to build digest",
					zap.String("user_id", p.UserID.String()),
					zap.String("frequency", frequency),
					zap.Error(err),
				)
				continue
			}
			if ok {
				built++
			}
		}
	}

	if built > 0 {
		b.logger.Info("digests built", zap.Int("count", built))
	}

	return built, nil
}

func (b *Builder) buildForUser(ctx context.Context, p *db.Preferences, frequency string, now time.Time) (bool, error) {
	since := digestWindowStart(p, frequency, now)

	items, err := b.notifs.ListUndigestedInApp(ctx, p.UserID, since)
	if err != nil {
		return false, fmt.Errorf("list undigested: %w", err)
	}

	// An empty digest still advances last_digest_at so the user is not
	// rechecked every tick until the next window.
	if len(items) == 0 {
		if err := b.prefs.MarkDigestSent(ctx, p.UserID, now); err != nil {
			return false, fmt.Errorf("mark digest sent: %w", err)
		}
		return false, nil
	}

	notif, entry, err := b.assemble(p, frequency, items)
	if err != nil {
		return false, err
	}

	ids := make([]uuid.UUID, len(items))
	for i, item := range items {
		ids[i] = item.ID
	}

	if err := b.notifs.CreateDigest(ctx, notif, entry, ids); err != nil {
		return false, fmt.Errorf("create digest notification: %w", err)
	}

	if err := b.prefs.MarkDigestSent(ctx, p.UserID, now); err != nil {
		return false, fmt.Errorf("mark digest sent: %w", err)
	}

	metrics.RecordDigestBuilt()

	b.logger.Debug("digest created",
		zap.String("user_id", p.UserID.String()),
		zap.String("frequency", frequency),
		zap.Int("items", len(items)),
	)

	return true, nil
}

// assemble builds the digest notification and its queue entry. Digests
// carry no alert or listing reference of their own; the folded matches
// live in the payload.
func (b *Builder) assemble(p *db.Preferences, frequency string, items []*db.Notification) (*db.Notification, *db.QueueEntry, error) {
	folded := make([]digestItem, len(items))
	for i, n := range items {
		folded[i] = digestItem{
			NotificationID: n.ID,
			Title:          n.Title,
			Body:           n.Body,
			CreatedAt:      n.CreatedAt,
			Listing:        n.Payload,
		}
	}

	payload, err := json.Marshal(folded)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal digest payload: %w", err)
	}

	channel := db.ChannelInApp
	if p.ChannelEnabled(db.ChannelEmail) {
		channel = db.ChannelEmail
	}

	priority := db.PriorityLow
	if frequency == db.FrequencyWeekly {
		priority = db.PriorityBulk
	}

	notif := &db.Notification{
		ID:       uuid.New(),
		UserID:   p.UserID,
		Channel:  channel,
		Title:    digestTitle(frequency, len(items)),
		Body:     fmt.Sprintf("%d new listings matched your alerts.", len(items)),
		Payload:  payload,
		Priority: priority,
		Status:   db.StatusQueued,
	}

	entry := &db.QueueEntry{
		ID:             uuid.New(),
		NotificationID: notif.ID,
		Priority:       priority,
		Status:         db.QueueStatusQueued,
	}

	return notif, entry, nil
}

func digestTitle(frequency string, count int) string {
	period := "Daily"
	if frequency == db.FrequencyWeekly {
		period = "Weekly"
	}
	if count == 1 {
		return fmt.Sprintf("%s digest: 1 new match", period)
	}
	return fmt.Sprintf("%s digest: %d new matches", period, count)
}

// digestWindowStart picks the lower bound for undigested collection:
// the last digest when one exists, otherwise one period back.
func digestWindowStart(p *db.Preferences, frequency string, now time.Time) time.Time {
	if p.LastDigestAt != nil {
		return *p.LastDigestAt
	}
	if frequency == db.FrequencyWeekly {
		return now.Add(-7 * 24 * time.Hour)
	}
	return now.Add(-24 * time.Hour)
}
