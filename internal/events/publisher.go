package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"carwatch/internal/db"
)

// Config holds SQS event publisher configuration.
type Config struct {
	Region   string
	QueueURL string
}

// DeliveryExhausted is published when a queue entry has used up all its
// retries. Downstream consumers (alerting, ops dashboards) pick these
// up from SQS.
type DeliveryExhausted struct {
	EntryID        string  `json:"entry_id"`
	NotificationID string  `json:"notification_id"`
	Priority       int     `json:"priority"`
	RetryCount     int     `json:"retry_count"`
	Error          *string `json:"error,omitempty"`
	FailedAt       int64   `json:"failed_at"`
}

// QueueStore supplies the exhausted entries to report.
type QueueStore interface {
	ListExhausted(ctx context.Context, maxRetries, limit int) ([]*db.QueueEntry, error)
}

// Publisher ships delivery-exhausted events to SQS. It keeps a small
// in-memory set of already-published entry ids so the periodic report
// job does not republish the same entry every tick.
type Publisher struct {
	client     *sqs.Client
	queueURL   string
	queue      QueueStore
	maxRetries int
	published  map[uuid.UUID]struct{}
	logger     *zap.Logger
}

// NewPublisher creates an SQS-backed event publisher.
func NewPublisher(ctx context.Context, cfg Config, queue QueueStore, maxRetries int, logger *zap.Logger) (*Publisher, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := sqs.NewFromConfig(awsCfg)

	logger.Info("event publisher initialized",
		zap.String("queue_url", cfg.QueueURL),
	)

	return &Publisher{
		client:     client,
		queueURL:   cfg.QueueURL,
		queue:      queue,
		maxRetries: maxRetries,
		published:  make(map[uuid.UUID]struct{}),
		logger:     logger,
	}, nil
}

// ReportExhausted publishes one event per newly exhausted queue entry.
// Returns the number of events published. Runs as a scheduler job with
// the retry sweep.
func (p *Publisher) ReportExhausted(ctx context.Context, limit int) (int, error) {
	entries, err := p.queue.ListExhausted(ctx, p.maxRetries, limit)
	if err != nil {
		return 0, fmt.Errorf("list exhausted entries: %w", err)
	}

	sent := 0
	for _, entry := range entries {
		if _, done := p.published[entry.ID]; done {
			continue
		}

		if err := p.publish(ctx, entry); err != nil {
			p.logger.Error("failed to publish exhausted event",
				zap.String("entry_id", entry.ID.String()),
				zap.Error(err),
			)
			continue
		}

		p.published[entry.ID] = struct{}{}
		sent++
	}

	p.compact()

	if sent > 0 {
		p.logger.Info("published delivery-exhausted events", zap.Int("count", sent))
	}

	return sent, nil
}

func (p *Publisher) publish(ctx context.Context, entry *db.QueueEntry) error {
	evt := DeliveryExhausted{
		EntryID:        entry.ID.String(),
		NotificationID: entry.NotificationID.String(),
		Priority:       entry.Priority,
		RetryCount:     entry.RetryCount,
		Error:          entry.ErrorMessage,
		FailedAt:       entry.UpdatedAt.Unix(),
	}

	body, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(p.queueURL),
		MessageBody: aws.String(string(body)),
	}

	if _, err := p.client.SendMessage(ctx, input); err != nil {
		return fmt.Errorf("sqs send failed: %w", err)
	}

	return nil
}

// compact resets the published set once it grows past the limit. A
// duplicate event after a reset is harmless since consumers key on
// entry_id.
func (p *Publisher) compact() {
	if len(p.published) > 10000 {
		p.published = make(map[uuid.UUID]struct{})
	}
}
