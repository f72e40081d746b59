package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"carwatch/internal/db"
)

// Inbox caches a user's recent in-app feed. Optional; the notification
// row itself is the durable inbox.
type Inbox interface {
	PushInbox(ctx context.Context, userID string, payload []byte) error
}

// InAppSender "delivers" in-app notifications. The notification row is
// already visible to the user's inbox queries, so delivery here means
// refreshing the feed cache.
type InAppSender struct {
	inbox  Inbox
	logger *zap.Logger
}

// NewInAppSender creates an in-app sender. inbox may be nil when Redis
// is not configured.
func NewInAppSender(inbox Inbox, logger *zap.Logger) *InAppSender {
	return &InAppSender{inbox: inbox, logger: logger}
}

type inboxEntry struct {
	NotificationID string          `json:"notification_id"`
	Title          string          `json:"title"`
	Body           string          `json:"body"`
	Priority       int             `json:"priority"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

func (s *InAppSender) Send(ctx context.Context, notif *db.Notification, prefs *db.Preferences, content *Content) error {
	if notif.Channel != db.ChannelInApp {
		return fmt.Errorf("%w: in-app sender only supports in_app, got %s", ErrPermanent, notif.Channel)
	}

	if s.inbox == nil {
		return nil
	}

	entry, err := json.Marshal(inboxEntry{
		NotificationID: notif.ID.String(),
		Title:          content.Subject,
		Body:           content.Text,
		Priority:       notif.Priority,
		Payload:        notif.Payload,
		CreatedAt:      notif.CreatedAt,
	})
	if err != nil {
		return fmt.Errorf("%w: marshal inbox entry: %v", ErrPermanent, err)
	}

	if err := s.inbox.PushInbox(ctx, notif.UserID.String(), entry); err != nil {
		return fmt.Errorf("push inbox: %w", err)
	}

	s.logger.Debug("in-app notification delivered",
		zap.String("id", notif.ID.String()),
		zap.String("user_id", notif.UserID.String()),
	)

	return nil
}

func (s *InAppSender) SupportsChannel(channel string) bool {
	return channel == db.ChannelInApp
}
