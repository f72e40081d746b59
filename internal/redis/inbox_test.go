package redis

import (
	"context"
	"fmt"
	"testing"
)

func TestInbox_PushAndRead(t *testing.T) {
	client, _, cleanup := setupTestClient(t)
	defer cleanup()

	ctx := context.Background()

	for i := 0; i < 3; i++ {
		payload := []byte(fmt.Sprintf(`{"seq":%d}`, i))
		if err := client.PushInbox(ctx, "user-1", payload); err != nil {
			t.Fatalf("push %d: %v", i, err)
		}
	}

	entries, err := client.ReadInbox(ctx, "user-1", 10)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("entries = %d, want 3", len(entries))
	}
	// Newest first.
	if string(entries[0]) != `{"seq":2}` {
		t.Fatalf("head = %s", entries[0])
	}
}

func TestInbox_TrimsToMaxLength(t *testing.T) {
	client, _, cleanup := setupTestClient(t)
	defer cleanup()

	ctx := context.Background()

	for i := 0; i < inboxMaxLen+20; i++ {
		payload := []byte(fmt.Sprintf(`{"seq":%d}`, i))
		if err := client.PushInbox(ctx, "user-1", payload); err != nil {
			t.Fatalf("push %d: %v", i, err)
		}
	}

	entries, err := client.ReadInbox(ctx, "user-1", 0)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(entries) != inboxMaxLen {
		t.Fatalf("entries = %d, want %d", len(entries), inboxMaxLen)
	}
}

func TestInbox_ReadIsolatedPerUser(t *testing.T) {
	client, _, cleanup := setupTestClient(t)
	defer cleanup()

	ctx := context.Background()

	if err := client.PushInbox(ctx, "user-1", []byte(`{}`)); err != nil {
		t.Fatalf("push: %v", err)
	}

	entries, err := client.ReadInbox(ctx, "user-2", 10)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("entries = %d, want 0", len(entries))
	}
}
