package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func setupTestClient(t *testing.T) (*Client, *miniredis.Miniredis, func()) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	client := &Client{rdb: rdb, logger: zap.NewNop()}

	return client, mr, func() {
		rdb.Close()
		mr.Close()
	}
}

func TestQuotaKeeper_CountsStartAtZero(t *testing.T) {
	client, _, cleanup := setupTestClient(t)
	defer cleanup()

	keeper := NewQuotaKeeper(client, zap.NewNop())
	ctx := context.Background()

	n, err := keeper.UserCount(ctx, uuid.New())
	if err != nil {
		t.Fatalf("user count: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected 0, got %d", n)
	}

	n, err = keeper.AlertCount(ctx, uuid.New())
	if err != nil {
		t.Fatalf("alert count: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected 0, got %d", n)
	}
}

func TestQuotaKeeper_RecordIncrementsBothCounters(t *testing.T) {
	client, _, cleanup := setupTestClient(t)
	defer cleanup()

	keeper := NewQuotaKeeper(client, zap.NewNop())
	ctx := context.Background()

	userID := uuid.New()
	alertID := uuid.New()

	for i := 0; i < 3; i++ {
		if err := keeper.Record(ctx, userID, alertID); err != nil {
			t.Fatalf("record %d: %v", i, err)
		}
	}

	n, err := keeper.UserCount(ctx, userID)
	if err != nil {
		t.Fatalf("user count: %v", err)
	}
	if n != 3 {
		t.Fatalf("user count = %d, want 3", n)
	}

	n, err = keeper.AlertCount(ctx, alertID)
	if err != nil {
		t.Fatalf("alert count: %v", err)
	}
	if n != 3 {
		t.Fatalf("alert count = %d, want 3", n)
	}
}

func TestQuotaKeeper_CountersAreIsolated(t *testing.T) {
	client, _, cleanup := setupTestClient(t)
	defer cleanup()

	keeper := NewQuotaKeeper(client, zap.NewNop())
	ctx := context.Background()

	userA := uuid.New()
	userB := uuid.New()

	if err := keeper.Record(ctx, userA, uuid.New()); err != nil {
		t.Fatalf("record: %v", err)
	}

	n, err := keeper.UserCount(ctx, userB)
	if err != nil {
		t.Fatalf("user count: %v", err)
	}
	if n != 0 {
		t.Fatalf("unrelated user count = %d, want 0", n)
	}
}

func TestQuotaKeeper_CountersExpire(t *testing.T) {
	client, mr, cleanup := setupTestClient(t)
	defer cleanup()

	keeper := NewQuotaKeeper(client, zap.NewNop())
	ctx := context.Background()

	userID := uuid.New()
	if err := keeper.Record(ctx, userID, uuid.New()); err != nil {
		t.Fatalf("record: %v", err)
	}

	mr.FastForward(49 * time.Hour)

	n, err := keeper.UserCount(ctx, userID)
	if err != nil {
		t.Fatalf("user count: %v", err)
	}
	if n != 0 {
		t.Fatalf("expired counter = %d, want 0", n)
	}
}
