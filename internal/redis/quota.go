package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// QuotaKeeper tracks per-user and per-alert notification counts for the
// current UTC day using fixed-window counters. Counters are incremented
// only when a notification is actually created, so re-scanning an
// overlapping match window never inflates them.
type QuotaKeeper struct {
	client *Client
	logger *zap.Logger
}

// NewQuotaKeeper creates a new quota keeper.
func NewQuotaKeeper(client *Client, logger *zap.Logger) *QuotaKeeper {
	return &QuotaKeeper{client: client, logger: logger}
}

func quotaKey(kind string, id uuid.UUID, day time.Time) string {
	return fmt.Sprintf("quota:%s:%s:%s", kind, id, day.Format("20060102"))
}

func (q *QuotaKeeper) count(ctx context.Context, key string) (int, error) {
	n, err := q.client.rdb.Get(ctx, key).Int()
	if err != nil {
		if isNil(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("redis get failed: %w", err)
	}
	return n, nil
}

// UserCount returns how many notifications the user received today.
func (q *QuotaKeeper) UserCount(ctx context.Context, userID uuid.UUID) (int, error) {
	return q.count(ctx, quotaKey("user", userID, time.Now().UTC()))
}

// AlertCount returns how many notifications the alert produced today.
func (q *QuotaKeeper) AlertCount(ctx context.Context, alertID uuid.UUID) (int, error) {
	return q.count(ctx, quotaKey("alert", alertID, time.Now().UTC()))
}

// Record increments both counters. Keys expire two days after their
// window so stale counters clean themselves up.
func (q *QuotaKeeper) Record(ctx context.Context, userID, alertID uuid.UUID) error {
	day := time.Now().UTC()

	pipe := q.client.rdb.Pipeline()
	for _, key := range []string{quotaKey("user", userID, day), quotaKey("alert", alertID, day)} {
		pipe.Incr(ctx, key)
		pipe.Expire(ctx, key, 48*time.Hour)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis pipeline failed: %w", err)
	}

	return nil
}
