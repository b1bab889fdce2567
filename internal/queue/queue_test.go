package queue

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/tripflow/pkg/config"
	"github.com/ajitpratap0/tripflow/pkg/errors"
	"github.com/ajitpratap0/tripflow/pkg/testutil"
)

func TestLocalPoolRunsEveryTask(t *testing.T) {
	var (
		mu   sync.Mutex
		seen = map[int64]bool{}
	)
	p := NewLocalPool(4, 2, func(_ context.Context, task Task) error {
		mu.Lock()
		defer mu.Unlock()
		seen[task.ItemID] = true
		return nil
	}, testutil.TestLogger(t))

	ctx := testutil.TestContext(t)
	for i := int64(1); i <= 50; i++ {
		require.NoError(t, p.Enqueue(ctx, NewTask(ctx, 1, i)))
	}
	require.NoError(t, p.Close())

	assert.Len(t, seen, 50)
	assert.ErrorIs(t, p.Enqueue(ctx, NewTask(ctx, 1, 51)), ErrClosed)
	require.NoError(t, p.Close())
}

func TestLocalPoolSurvivesFailures(t *testing.T) {
	var ran atomic.Int64
	p := NewLocalPool(1, 0, func(_ context.Context, task Task) error {
		ran.Add(1)
		switch task.ItemID {
		case 1:
			panic("boom")
		case 2:
			return errors.New(errors.ErrorTypeStore, "store down")
		}
		return nil
	}, testutil.TestLogger(t))

	ctx := testutil.TestContext(t)
	for i := int64(1); i <= 3; i++ {
		require.NoError(t, p.Enqueue(ctx, NewTask(ctx, 1, i)))
	}
	require.NoError(t, p.Close())
	assert.Equal(t, int64(3), ran.Load())
}

func TestLocalPoolEnqueueHonoursContext(t *testing.T) {
	release := make(chan struct{})
	p := NewLocalPool(1, 1, func(context.Context, Task) error {
		<-release
		return nil
	}, testutil.TestLogger(t))
	defer func() {
		close(release)
		_ = p.Close()
	}()

	bg := context.Background()
	require.NoError(t, p.Enqueue(bg, Task{ItemID: 1}))
	// The worker may or may not have taken task 1 yet, so fill until full.
	ctx, cancel := context.WithTimeout(bg, 100*time.Millisecond)
	defer cancel()
	var err error
	for i := int64(2); i < 5 && err == nil; i++ {
		err = p.Enqueue(ctx, Task{ItemID: i})
	}
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func newTestRedisQueue(t *testing.T, maxDeliveries int) (*RedisQueue, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)

	cfg := config.QueueConfig{
		Mode:          config.QueueModeRedis,
		RedisURL:      "redis://" + mr.Addr(),
		Stream:        "tripflow:test",
		ConsumerGroup: "test-workers",
		BlockMs:       50,
		MaxDeliveries: maxDeliveries,
	}
	q, err := NewRedisQueue(context.Background(), cfg, testutil.TestLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Close() })

	raw := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = raw.Close() })
	return q, raw
}

// consumeUntil runs Consume until done reports true.
func consumeUntil(t *testing.T, q *RedisQueue, h Handler, done func() bool) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- q.Consume(ctx, h) }()

	testutil.AssertEventually(t, done, 5*time.Second, "consumer did not finish")
	cancel()
	select {
	case err := <-errc:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("consumer did not stop")
	}
}

func TestRedisQueueDeliversTasks(t *testing.T) {
	q, raw := newTestRedisQueue(t, 3)
	ctx := testutil.TestContext(t)

	for i := int64(1); i <= 3; i++ {
		require.NoError(t, q.Enqueue(ctx, NewTask(ctx, 7, i)))
	}

	var (
		mu  sync.Mutex
		got []Task
	)
	consumeUntil(t, q, func(_ context.Context, task Task) error {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, task)
		return nil
	}, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 3
	})

	assert.Equal(t, []int64{1, 2, 3}, []int64{got[0].ItemID, got[1].ItemID, got[2].ItemID})
	assert.Equal(t, int64(7), got[0].BatchID)

	pending, err := raw.XPending(ctx, "tripflow:test", "test-workers").Result()
	require.NoError(t, err)
	assert.Zero(t, pending.Count)
}

func TestRedisQueueDeadLetters(t *testing.T) {
	q, raw := newTestRedisQueue(t, 2)
	ctx := testutil.TestContext(t)

	require.NoError(t, q.Enqueue(ctx, Task{ItemID: 42, BatchID: 1}))
	// A message without a task payload.
	require.NoError(t, raw.XAdd(ctx, &redis.XAddArgs{
		Stream: "tripflow:test",
		Values: map[string]any{"junk": "1"},
	}).Err())

	var calls atomic.Int64
	consumeUntil(t, q, func(context.Context, Task) error {
		calls.Add(1)
		return errors.New(errors.ErrorTypeStore, "store down")
	}, func() bool {
		n, _ := raw.XLen(ctx, q.DeadLetterStream()).Result()
		return n == 2
	})

	assert.Equal(t, int64(2), calls.Load())

	msgs, err := raw.XRange(ctx, q.DeadLetterStream(), "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, msgs, 2)

	var dead Task
	for _, m := range msgs {
		if payload, ok := m.Values[fieldTask].(string); ok && payload != "" {
			require.NoError(t, json.Unmarshal([]byte(payload), &dead))
		}
	}
	assert.Equal(t, int64(42), dead.ItemID)
	assert.Equal(t, 2, dead.Delivery)
}

func TestNewRedisQueueBadURL(t *testing.T) {
	_, err := NewRedisQueue(context.Background(), config.QueueConfig{RedisURL: "://nope"}, testutil.TestLogger(t))
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))
}
