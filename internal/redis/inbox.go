package redis

import (
	"context"
	"fmt"
	"time"
)

// inboxMaxLen bounds the cached feed per user; the notifications table
// remains the source of truth.
const inboxMaxLen = 100

// PushInbox prepends a payload to the user's in-app feed cache and trims
// it to the most recent entries.
func (c *Client) PushInbox(ctx context.Context, userID string, payload []byte) error {
	key := "inbox:" + userID

	pipe := c.rdb.Pipeline()
	pipe.LPush(ctx, key, payload)
	pipe.LTrim(ctx, key, 0, inboxMaxLen-1)
	pipe.Expire(ctx, key, 30*24*time.Hour)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis pipeline failed: %w", err)
	}

	return nil
}

// ReadInbox returns the most recent cached feed entries for a user.
func (c *Client) ReadInbox(ctx context.Context, userID string, limit int) ([][]byte, error) {
	if limit <= 0 || limit > inboxMaxLen {
		limit = inboxMaxLen
	}

	values, err := c.rdb.LRange(ctx, "inbox:"+userID, 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis lrange failed: %w", err)
	}

	entries := make([][]byte, 0, len(values))
	for _, v := range values {
		entries = append(entries, []byte(v))
	}

	return entries, nil
}
