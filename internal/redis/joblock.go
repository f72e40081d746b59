package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// lockTTL bounds how long a crashed process can hold a job lock.
const lockTTL = 15 * time.Minute

// JobLocker provides cross-process job exclusivity via SET NX. When
// several orchestrator instances run against the same Redis, only one
// acquires a given job's lock per tick; in-memory guards alone are not
// enough under horizontal scaling.
type JobLocker struct {
	client *Client
	owner  string
	logger *zap.Logger
}

// NewJobLocker creates a job locker. owner identifies this process in
// lock values so a holder only releases its own locks.
func NewJobLocker(client *Client, owner string, logger *zap.Logger) *JobLocker {
	return &JobLocker{client: client, owner: owner, logger: logger}
}

func lockKey(jobID string) string {
	return "joblock:" + jobID
}

// Acquire attempts to take the lock for a job. Returns false when
// another process holds it.
func (l *JobLocker) Acquire(ctx context.Context, jobID string) (bool, error) {
	ok, err := l.client.rdb.SetNX(ctx, lockKey(jobID), l.owner, lockTTL).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx failed: %w", err)
	}

	if !ok {
		l.logger.Debug("job lock held elsewhere", zap.String("job", jobID))
	}

	return ok, nil
}

// Release frees the lock if this process owns it. A lock taken over by
// another owner (after TTL expiry) is left alone.
func (l *JobLocker) Release(ctx context.Context, jobID string) error {
	// Compare-and-delete so an expired-and-reacquired lock is not
	// released out from under its new owner.
	const script = `
		if redis.call("GET", KEYS[1]) == ARGV[1] then
			return redis.call("DEL", KEYS[1])
		end
		return 0
	`

	if err := l.client.rdb.Eval(ctx, script, []string{lockKey(jobID)}, l.owner).Err(); err != nil && !isNil(err) {
		return fmt.Errorf("redis eval failed: %w", err)
	}

	return nil
}

func isNil(err error) bool {
	return err == redis.Nil
}
