package listnotifier_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/agentflow/eventgateway/notifier"
	"github.com/agentflow/eventgateway/notifier/listnotifier"
)

func newNotifier(t *testing.T) (*listnotifier.Notifier, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return listnotifier.New(rdb), rdb
}

func TestNextTimesOutWithNoPublish(t *testing.T) {
	n, _ := newNotifier(t)
	ctx := context.Background()

	h, err := n.Subscribe(ctx, "t1")
	require.NoError(t, err)
	defer h.Close()

	start := time.Now()
	next, err := h.Next(ctx, 50*time.Millisecond)
	require.NoError(t, err)
	require.Equal(t, notifier.Timeout, next.Kind)
	require.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
}

func TestPublishDataDeliversDataArrived(t *testing.T) {
	n, _ := newNotifier(t)
	ctx := context.Background()

	h, err := n.Subscribe(ctx, "t1")
	require.NoError(t, err)
	defer h.Close()

	require.NoError(t, n.PublishData(ctx, "t1"))

	next, err := h.Next(ctx, time.Second)
	require.NoError(t, err)
	require.Equal(t, notifier.DataArrived, next.Kind)
}

func TestPublishControlDeliversControlPayload(t *testing.T) {
	n, _ := newNotifier(t)
	ctx := context.Background()

	h, err := n.Subscribe(ctx, "t1")
	require.NoError(t, err)
	defer h.Close()

	require.NoError(t, n.PublishControl(ctx, "t1", notifier.EndStream))

	next, err := h.Next(ctx, time.Second)
	require.NoError(t, err)
	require.Equal(t, notifier.Control, next.Kind)
	require.Equal(t, notifier.EndStream, next.Control)
}

func TestCloseUnblocksNext(t *testing.T) {
	n, _ := newNotifier(t)
	ctx := context.Background()

	h, err := n.Subscribe(ctx, "t1")
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		next, err := h.Next(ctx, 5*time.Second)
		require.NoError(t, err)
		require.Equal(t, notifier.Closed, next.Kind)
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, h.Close())

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Next did not unblock after Close")
	}
}
