package worker

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"carwatch/internal/db"
)

// ErrPermanent marks delivery errors that retrying cannot fix (invalid
// recipient, malformed content). Entries failing with it go terminal
// immediately instead of entering the retry sweep.
var ErrPermanent = errors.New("permanent delivery error")

// Content is rendered channel content ready for a transport.
type Content struct {
	Subject string
	Text    string
	HTML    string
}

// Sender is the unified interface for all notification channels.
// Implementations: email (SES), push (SNS), in-app.
type Sender interface {
	Send(ctx context.Context, notif *db.Notification, prefs *db.Preferences, content *Content) error
	SupportsChannel(channel string) bool
}

// MultiSender routes notifications to the appropriate channel sender.
type MultiSender struct {
	senders []Sender
	logger  *zap.Logger
}

// NewMultiSender creates a router over multiple underlying senders
func NewMultiSender(logger *zap.Logger, senders ...Sender) *MultiSender {
	return &MultiSender{
		senders: senders,
		logger:  logger,
	}
}

// Send routes the notification to the first sender claiming its channel.
func (m *MultiSender) Send(ctx context.Context, notif *db.Notification, prefs *db.Preferences, content *Content) error {
	for _, sender := range m.senders {
		if sender.SupportsChannel(notif.Channel) {
			m.logger.Debug("routing notification to sender",
				zap.String("channel", notif.Channel),
				zap.String("notification_id", notif.ID.String()),
			)
			return sender.Send(ctx, notif, prefs, content)
		}
	}

	return fmt.Errorf("%w: no sender for channel %s", ErrPermanent, notif.Channel)
}

// SupportsChannel checks if any underlying sender supports the channel.
func (m *MultiSender) SupportsChannel(channel string) bool {
	for _, sender := range m.senders {
		if sender.SupportsChannel(channel) {
			return true
		}
	}
	return false
}

// LogSender logs deliveries instead of sending them. Used in development
// when no transport credentials are configured.
type LogSender struct {
	logger *zap.Logger
}

func NewLogSender(logger *zap.Logger) *LogSender {
	return &LogSender{logger: logger}
}

func (s *LogSender) Send(ctx context.Context, notif *db.Notification, prefs *db.Preferences, content *Content) error {
	s.logger.Info("logging notification (development mode)",
		zap.String("id", notif.ID.String()),
		zap.String("channel", notif.Channel),
		zap.String("user_id", notif.UserID.String()),
		zap.String("subject", content.Subject),
	)
	return nil
}

func (s *LogSender) SupportsChannel(channel string) bool {
	return channel == db.ChannelEmail || channel == db.ChannelPush || channel == db.ChannelInApp
}
