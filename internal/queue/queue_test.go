package queue_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/settlement-engine/internal/queue"
)

func newRedisQueue(t *testing.T) *queue.RedisQueue {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return queue.NewRedisQueue(rdb, "")
}

func TestQueues_ScheduleDedupAndPopDue(t *testing.T) {
	impls := map[string]func(t *testing.T) queue.Queue{
		"redis":  func(t *testing.T) queue.Queue { return newRedisQueue(t) },
		"memory": func(*testing.T) queue.Queue { return queue.NewMemoryQueue() },
	}
	for name, mk := range impls {
		t.Run(name, func(t *testing.T) {
			q := mk(t)
			ctx := context.Background()
			now := time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC)

			require.NoError(t, q.Schedule(ctx, "t1", now.Add(-2*time.Second)))
			require.NoError(t, q.Schedule(ctx, "t2", now.Add(-time.Second)))
			require.NoError(t, q.Schedule(ctx, "t3", now.Add(time.Minute)))
			// Duplicate keeps the original due time.
			require.NoError(t, q.Schedule(ctx, "t3", now.Add(-time.Hour)))

			n, err := q.Len(ctx)
			require.NoError(t, err)
			assert.Equal(t, int64(3), n)

			due, err := q.PopDue(ctx, now, 10)
			require.NoError(t, err)
			assert.Equal(t, []string{"t1", "t2"}, due)

			due, err = q.PopDue(ctx, now, 10)
			require.NoError(t, err)
			assert.Empty(t, due)

			due, err = q.PopDue(ctx, now.Add(time.Minute), 10)
			require.NoError(t, err)
			assert.Equal(t, []string{"t3"}, due)
		})
	}
}

func TestRedisQueue_ConcurrentPopClaimsOnce(t *testing.T) {
	q := newRedisQueue(t)
	ctx := context.Background()
	now := time.Now()

	for i := 0; i < 50; i++ {
		require.NoError(t, q.Schedule(ctx, string(rune('A'+i)), now.Add(-time.Second)))
	}

	var mu sync.Mutex
	seen := make(map[string]int)
	var wg sync.WaitGroup
	for w := 0; w < 5; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ids, err := q.PopDue(ctx, now, 50)
			assert.NoError(t, err)
			mu.Lock()
			for _, id := range ids {
				seen[id]++
			}
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Len(t, seen, 50)
	for id, n := range seen {
		assert.Equal(t, 1, n, "job %s claimed %d times", id, n)
	}
}

func TestWorker_SettlesAndRetries(t *testing.T) {
	q := queue.NewMemoryQueue()
	ctx := context.Background()
	past := time.Now().Add(-time.Second)
	require.NoError(t, q.Schedule(ctx, "ok", past))
	require.NoError(t, q.Schedule(ctx, "flaky", past))

	var settled []string
	settle := func(_ context.Context, id string) error {
		if id == "flaky" {
			return errors.New("price feed down")
		}
		settled = append(settled, id)
		return nil
	}

	w := queue.NewWorker(q, settle, queue.WorkerConfig{RetryDelay: time.Minute}, nil)
	assert.Equal(t, 2, w.RunOnce(ctx))
	assert.Equal(t, []string{"ok"}, settled)

	at, ok := q.Due("flaky")
	require.True(t, ok, "failed job should be re-scheduled")
	assert.True(t, at.After(time.Now().Add(50*time.Second)))
	assert.Equal(t, 0, w.RunOnce(ctx))
}
