// Package queue is the Redis-backed job queue shared by all worker
// processes. Ready jobs live in a list consumed with BRPOP, which gives each
// job id to exactly one consumer. Retries wait in a sorted set scored by
// their due time and are moved to the ready list atomically by a script, so
// a job id is never visible in both structures.
package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	readyKey   = "q:jobs:ready"
	delayedKey = "q:jobs:delayed"

	// Retry backoff: exponential with base 2s. The cap stretches to 60s
	// when the upstream reported overload.
	backoffBase   = 2 * time.Second
	backoffCap    = 30 * time.Second
	overloadCap   = 60 * time.Second
	moverInterval = 500 * time.Millisecond
)

// ErrEmpty is returned by Dequeue when no job became ready within the wait.
var ErrEmpty = errors.New("queue empty")

var promoteScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, 100)
for _, id in ipairs(due) do
  redis.call('ZREM', KEYS[1], id)
  redis.call('LPUSH', KEYS[2], id)
end
return #due
`)

// Queue moves job ids between the API and the executors.
type Queue struct {
	rdb    redis.UniversalClient
	logger *zap.Logger
}

// New creates a Queue.
func New(rdb redis.UniversalClient, logger *zap.Logger) *Queue {
	return &Queue{rdb: rdb, logger: logger}
}

// Enqueue makes the job immediately available to a consumer.
func (q *Queue) Enqueue(ctx context.Context, jobID string) error {
	if err := q.rdb.LPush(ctx, readyKey, jobID).Err(); err != nil {
		return fmt.Errorf("enqueue: %w", err)
	}
	return nil
}

// EnqueueAfter schedules the job to become ready after delay.
func (q *Queue) EnqueueAfter(ctx context.Context, jobID string, delay time.Duration) error {
	due := float64(time.Now().Add(delay).UnixMilli())
	if err := q.rdb.ZAdd(ctx, delayedKey, redis.Z{Score: due, Member: jobID}).Err(); err != nil {
		return fmt.Errorf("enqueue delayed: %w", err)
	}
	return nil
}

// Dequeue blocks up to wait for the next ready job. ErrEmpty on timeout.
func (q *Queue) Dequeue(ctx context.Context, wait time.Duration) (string, error) {
	res, err := q.rdb.BRPop(ctx, wait, readyKey).Result()
	if err == redis.Nil {
		return "", ErrEmpty
	}
	if err != nil {
		return "", fmt.Errorf("dequeue: %w", err)
	}
	// BRPOP replies [key, value].
	return res[1], nil
}

// Depth returns the number of jobs waiting in the ready list.
func (q *Queue) Depth(ctx context.Context) (int64, error) {
	n, err := q.rdb.LLen(ctx, readyKey).Result()
	if err != nil {
		return 0, fmt.Errorf("queue depth: %w", err)
	}
	return n, nil
}

// Promote moves all due delayed jobs to the ready list. Exposed for tests;
// RunMover calls it periodically.
func (q *Queue) Promote(ctx context.Context) (int64, error) {
	n, err := promoteScript.Run(ctx, q.rdb,
		[]string{delayedKey, readyKey}, time.Now().UnixMilli()).Int64()
	if err != nil {
		return 0, fmt.Errorf("promote delayed jobs: %w", err)
	}
	return n, nil
}

// RunMover promotes due retries until the context is canceled. Every worker
// process runs one; the promote script makes concurrent movers safe.
func (q *Queue) RunMover(ctx context.Context) {
	ticker := time.NewTicker(moverInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := q.Promote(ctx); err != nil {
				if ctx.Err() == nil {
					q.logger.Warn("delayed-job promotion failed", zap.Error(err))
				}
			} else if n > 0 {
				q.logger.Debug("promoted delayed jobs", zap.Int64("count", n))
			}
		}
	}
}

// Backoff returns the retry delay for the given attempt count (1-based).
func Backoff(attempt int, overload bool) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := backoffBase << uint(attempt-1)
	maxDelay := backoffCap
	if overload {
		maxDelay = overloadCap
	}
	if d > maxDelay || d <= 0 {
		d = maxDelay
	}
	return d
}
