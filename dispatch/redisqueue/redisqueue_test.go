package redisqueue_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/agentflow/eventgateway/dispatch"
	"github.com/agentflow/eventgateway/dispatch/redisqueue"
)

func newTestQueue(t *testing.T) *redisqueue.Queue {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	q, err := redisqueue.New(redisqueue.Options{Redis: rdb})
	require.NoError(t, err)
	return q
}

func TestEnqueueDequeueRoundTrip(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	task := dispatch.Task{Thread: "t1", Run: "r1", User: "alice", Context: map[string]any{"k": "v"}}
	require.NoError(t, q.Enqueue(ctx, task))

	got, ok, err := q.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, task.Thread, got.Thread)
	require.Equal(t, task.Run, got.Run)
	require.Equal(t, task.User, got.User)
	require.Equal(t, "v", got.Context["k"])
}

func TestDequeueTimesOutOnEmptyQueue(t *testing.T) {
	q := newTestQueue(t)
	_, ok, err := q.Dequeue(context.Background(), 30*time.Millisecond)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestEnqueuePreservesFIFOOrder(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, dispatch.Task{Thread: "t1", Run: "r1"}))
	require.NoError(t, q.Enqueue(ctx, dispatch.Task{Thread: "t1", Run: "r2"}))

	first, ok, err := q.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "r1", first.Run)

	second, ok, err := q.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "r2", second.Run)
}

func TestNewRequiresRedisClient(t *testing.T) {
	_, err := redisqueue.New(redisqueue.Options{})
	require.Error(t, err)
}
