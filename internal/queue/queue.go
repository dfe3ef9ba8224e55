package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	MinPriority = 0
	MaxPriority = 9
)

// Queue is the durable, shared store of job ids waiting for a worker
type Queue interface {
	// Enqueue adds a job id; higher priority is served first, FIFO within a priority.
	Enqueue(ctx context.Context, jobID string, priority int) error
	// Dequeue atomically removes and returns the next job id, or "" when empty.
	Dequeue(ctx context.Context) (string, error)
	Remove(ctx context.Context, jobID string) error
	Len(ctx context.Context) (int64, error)
}

// RedisQueue is a priority FIFO backed by a sorted set. ZPOPMIN hands each id
// to exactly one caller, so several worker processes can share it.
type RedisQueue struct {
	redis *redis.Client
	key   string
	now   func() time.Time
}

// NewRedisQueue creates a queue stored under queue:<name>
func NewRedisQueue(redisClient *redis.Client, name string) *RedisQueue {
	return &RedisQueue{
		redis: redisClient,
		key:   fmt.Sprintf("queue:%s", name),
		now:   time.Now,
	}
}

// score orders by priority band first, then by enqueue time within the band.
func (q *RedisQueue) score(priority int) float64 {
	if priority < MinPriority {
		priority = MinPriority
	}
	if priority > MaxPriority {
		priority = MaxPriority
	}
	return float64(MaxPriority-priority)*1e13 + float64(q.now().UnixMilli())
}

// Enqueue adds jobID unless it is already waiting
func (q *RedisQueue) Enqueue(ctx context.Context, jobID string, priority int) error {
	if jobID == "" {
		return errors.New("empty job id")
	}
	err := q.redis.ZAddNX(ctx, q.key, redis.Z{Score: q.score(priority), Member: jobID}).Err()
	if err != nil {
		return fmt.Errorf("failed to enqueue job %s: %w", jobID, err)
	}
	return nil
}

// Dequeue pops the lowest score; it never blocks
func (q *RedisQueue) Dequeue(ctx context.Context) (string, error) {
	items, err := q.redis.ZPopMin(ctx, q.key, 1).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", nil
		}
		return "", fmt.Errorf("failed to dequeue: %w", err)
	}
	if len(items) == 0 {
		return "", nil
	}
	id, ok := items[0].Member.(string)
	if !ok {
		return "", fmt.Errorf("unexpected queue member %T", items[0].Member)
	}
	return id, nil
}

// Remove drops a waiting job id, e.g. after it was cancelled while queued
func (q *RedisQueue) Remove(ctx context.Context, jobID string) error {
	return q.redis.ZRem(ctx, q.key, jobID).Err()
}

// Len returns the number of waiting job ids
func (q *RedisQueue) Len(ctx context.Context) (int64, error) {
	return q.redis.ZCard(ctx, q.key).Result()
}
