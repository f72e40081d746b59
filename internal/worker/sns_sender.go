package worker

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"go.uber.org/zap"

	"carwatch/internal/db"
)

// SNSSender delivers push notifications by publishing to the user's SNS
// platform endpoint (the push token stored in preferences).
type SNSSender struct {
	client *sns.Client
	logger *zap.Logger
}

type SNSConfig struct {
	Region string
}

// NewSNSSender creates a new SNS push sender
func NewSNSSender(ctx context.Context, cfg SNSConfig, logger *zap.Logger) (*SNSSender, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load default AWS config for SNS: %w", err)
	}

	return &SNSSender{
		client: sns.NewFromConfig(awsCfg),
		logger: logger,
	}, nil
}

type pushMessage struct {
	Title string          `json:"title"`
	Body  string          `json:"body"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Send publishes one push notification. A missing push token is
// permanent; SNS transport errors are transient.
func (s *SNSSender) Send(ctx context.Context, notif *db.Notification, prefs *db.Preferences, content *Content) error {
	if notif.Channel != db.ChannelPush {
		return fmt.Errorf("%w: SNS sender only supports push, got %s", ErrPermanent, notif.Channel)
	}

	if prefs.PushToken == nil || *prefs.PushToken == "" {
		return fmt.Errorf("%w: user %s has no push token", ErrPermanent, notif.UserID)
	}

	message, err := json.Marshal(pushMessage{
		Title: content.Subject,
		Body:  content.Text,
		Data:  notif.Payload,
	})
	if err != nil {
		return fmt.Errorf("%w: marshal push message: %v", ErrPermanent, err)
	}

	input := &sns.PublishInput{
		TargetArn: aws.String(*prefs.PushToken),
		Message:   aws.String(string(message)),
	}

	result, err := s.client.Publish(ctx, input)
	if err != nil {
		return fmt.Errorf("sns publish failed: %w", err)
	}

	s.logger.Info("push sent via SNS",
		zap.String("id", notif.ID.String()),
		zap.String("message_id", *result.MessageId),
	)

	return nil
}

// SupportsChannel checks if this sender supports the push channel
func (s *SNSSender) SupportsChannel(channel string) bool {
	return channel == db.ChannelPush
}
