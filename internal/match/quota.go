package match

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// NotificationCounter is the slice of the notification store the
// store-backed quota needs.
type NotificationCounter interface {
	CountForUserSince(ctx context.Context, userID uuid.UUID, since time.Time) (int, error)
	CountForAlertSince(ctx context.Context, alertID uuid.UUID, since time.Time) (int, error)
}

// StoreQuota derives daily counts from the notification store itself.
// Used when Redis is not configured; slower than counters but always
// consistent with what was actually created.
type StoreQuota struct {
	counter NotificationCounter
}

// NewStoreQuota creates a store-backed quota.
func NewStoreQuota(counter NotificationCounter) *StoreQuota {
	return &StoreQuota{counter: counter}
}

func utcDayStart() time.Time {
	return time.Now().UTC().Truncate(24 * time.Hour)
}

// UserCount returns the user's notifications created today.
func (q *StoreQuota) UserCount(ctx context.Context, userID uuid.UUID) (int, error) {
	return q.counter.CountForUserSince(ctx, userID, utcDayStart())
}

// AlertCount returns the alert's notifications created today.
func (q *StoreQuota) AlertCount(ctx context.Context, alertID uuid.UUID) (int, error) {
	return q.counter.CountForAlertSince(ctx, alertID, utcDayStart())
}

// Record is a no-op: the store itself is the counter.
func (q *StoreQuota) Record(ctx context.Context, userID, alertID uuid.UUID) error {
	return nil
}
