package worker

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/ses/types"
	"go.uber.org/zap"

	"carwatch/internal/db"
)

// SESSender delivers email notifications via AWS SES.
type SESSender struct {
	client *ses.Client
	from   string
	logger *zap.Logger
}

type SESConfig struct {
	Region    string
	FromEmail string
}

func NewSESSender(ctx context.Context, cfg SESConfig, logger *zap.Logger) (*SESSender, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load default AWS config: %w", err)
	}

	return &SESSender{
		client: ses.NewFromConfig(awsCfg),
		from:   cfg.FromEmail,
		logger: logger,
	}, nil
}

// Send sends one rendered email. A missing or empty recipient address is
// permanent; SES transport errors are transient and left to the sweep.
func (s *SESSender) Send(ctx context.Context, notif *db.Notification, prefs *db.Preferences, content *Content) error {
	if notif.Channel != db.ChannelEmail {
		return fmt.Errorf("%w: SES sender only supports email, got %s", ErrPermanent, notif.Channel)
	}

	if prefs.EmailAddress == nil || *prefs.EmailAddress == "" {
		return fmt.Errorf("%w: user %s has no email address", ErrPermanent, notif.UserID)
	}

	body := &types.Body{
		Text: &types.Content{
			Data:    aws.String(content.Text),
			Charset: aws.String("UTF-8"),
		},
	}
	if content.HTML != "" {
		body.Html = &types.Content{
			Data:    aws.String(content.HTML),
			Charset: aws.String("UTF-8"),
		}
	}

	input := &ses.SendEmailInput{
		Source: aws.String(s.from),
		Destination: &types.Destination{
			ToAddresses: []string{*prefs.EmailAddress},
		},
		Message: &types.Message{
			Subject: &types.Content{
				Data:    aws.String(content.Subject),
				Charset: aws.String("UTF-8"),
			},
			Body: body,
		},
	}

	result, err := s.client.SendEmail(ctx, input)
	if err != nil {
		return fmt.Errorf("ses send failed: %w", err)
	}

	s.logger.Info("email sent via SES",
		zap.String("id", notif.ID.String()),
		zap.String("message_id", *result.MessageId),
	)

	return nil
}

// SupportsChannel checks if this sender supports the email channel
func (s *SESSender) SupportsChannel(channel string) bool {
	return channel == db.ChannelEmail
}
