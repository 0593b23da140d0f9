// Package queue is the delayed settlement trigger: "settle trade X at time
// T", deduplicated by trade ID, plus the worker that fires due jobs.
//
// Delivery is at-least-once. A job popped by a worker that crashes before
// settling is lost from the queue, and the recovery sweep picks the trade up.
package queue

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultKey is the sorted set holding scheduled trade IDs scored by due
// time in unix milliseconds.
const DefaultKey = "settle:scheduled"

// Scheduler accepts delayed settlement requests.
type Scheduler interface {
	// Schedule asks for tradeID to be settled at at. A second call for an ID
	// that is already waiting is ignored.
	Schedule(ctx context.Context, tradeID string, at time.Time) error
}

// Queue is a Scheduler whose due jobs can be claimed.
type Queue interface {
	Scheduler

	// PopDue claims up to limit jobs due at or before now. Each job is
	// returned to exactly one caller.
	PopDue(ctx context.Context, now time.Time, limit int) ([]string, error)

	// Len returns the number of waiting jobs.
	Len(ctx context.Context) (int64, error)
}

// RedisQueue keeps jobs in a Redis sorted set.
type RedisQueue struct {
	client *redis.Client
	key    string
}

// NewRedisQueue creates a queue on key (DefaultKey when empty).
func NewRedisQueue(client *redis.Client, key string) *RedisQueue {
	if key == "" {
		key = DefaultKey
	}
	return &RedisQueue{client: client, key: key}
}

func (q *RedisQueue) Schedule(ctx context.Context, tradeID string, at time.Time) error {
	err := q.client.ZAddNX(ctx, q.key, redis.Z{
		Score:  float64(at.UnixMilli()),
		Member: tradeID,
	}).Err()
	if err != nil {
		return fmt.Errorf("schedule settlement of %s: %w", tradeID, err)
	}
	return nil
}

func (q *RedisQueue) PopDue(ctx context.Context, now time.Time, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 100
	}
	due, err := q.client.ZRangeByScore(ctx, q.key, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.UnixMilli(), 10),
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("read due settlements: %w", err)
	}

	// ZREM returning 1 means this caller owns the job.
	claimed := make([]string, 0, len(due))
	for _, id := range due {
		n, err := q.client.ZRem(ctx, q.key, id).Result()
		if err != nil {
			return claimed, fmt.Errorf("claim settlement of %s: %w", id, err)
		}
		if n == 1 {
			claimed = append(claimed, id)
		}
	}
	return claimed, nil
}

func (q *RedisQueue) Len(ctx context.Context) (int64, error) {
	return q.client.ZCard(ctx, q.key).Result()
}

// MemoryQueue is an in-process Queue for tests and single-process runs.
type MemoryQueue struct {
	mu   sync.Mutex
	jobs map[string]time.Time
}

func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{jobs: make(map[string]time.Time)}
}

func (q *MemoryQueue) Schedule(_ context.Context, tradeID string, at time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.jobs[tradeID]; !ok {
		q.jobs[tradeID] = at
	}
	return nil
}

func (q *MemoryQueue) PopDue(_ context.Context, now time.Time, limit int) ([]string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var due []string
	for id, at := range q.jobs {
		if !at.After(now) {
			due = append(due, id)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if q.jobs[due[i]].Equal(q.jobs[due[j]]) {
			return due[i] < due[j]
		}
		return q.jobs[due[i]].Before(q.jobs[due[j]])
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	for _, id := range due {
		delete(q.jobs, id)
	}
	return due, nil
}

func (q *MemoryQueue) Len(_ context.Context) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return int64(len(q.jobs)), nil
}

// Due returns when tradeID is scheduled, if it is waiting.
func (q *MemoryQueue) Due(tradeID string) (time.Time, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	at, ok := q.jobs[tradeID]
	return at, ok
}
