package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const cancelKeyPrefix = "export:cancel:"

// CancelSignal is a Redis-backed flag raised when a PROCESSING job is
// cancelled. Workers poll it between chunks, so a cancel lands within
// roughly one chunk's processing time. Keys expire on their own; a signal
// for a job that already finished is harmless.
type CancelSignal struct {
	client *redis.Client
	ttl    time.Duration
}

// NewCancelSignal builds a signal store. ttl bounds how long a raised
// flag lingers after the job is gone.
func NewCancelSignal(client *redis.Client, ttl time.Duration) *CancelSignal {
	if ttl == 0 {
		ttl = 24 * time.Hour
	}
	return &CancelSignal{client: client, ttl: ttl}
}

func cancelKey(jobID string) string {
	return cancelKeyPrefix + jobID
}

// Raise marks the job as cancellation-requested.
func (c *CancelSignal) Raise(ctx context.Context, jobID string) error {
	if err := c.client.Set(ctx, cancelKey(jobID), "1", c.ttl).Err(); err != nil {
		return fmt.Errorf("raise cancel %s: %w", jobID, err)
	}
	return nil
}

// Raised reports whether cancellation has been requested for the job.
func (c *CancelSignal) Raised(ctx context.Context, jobID string) (bool, error) {
	n, err := c.client.Exists(ctx, cancelKey(jobID)).Result()
	if err != nil {
		return false, fmt.Errorf("check cancel %s: %w", jobID, err)
	}
	return n > 0, nil
}

// Clear drops the flag once a worker has acted on it.
func (c *CancelSignal) Clear(ctx context.Context, jobID string) error {
	return c.client.Del(ctx, cancelKey(jobID)).Err()
}
