package streamlog_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/agentflow/eventgateway/eventlog"
	"github.com/agentflow/eventgateway/eventlog/streamlog"
	"github.com/agentflow/eventgateway/eventlog/streamlog/clients/pulse"
)

func newLog(t *testing.T) *streamlog.Log {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	cli, err := pulse.New(pulse.Options{Redis: rdb})
	require.NoError(t, err)

	log, err := streamlog.New(streamlog.Options{
		Client:    cli,
		Redis:     rdb,
		Prefix:    "agent_run",
		MaxLogLength: 5,
	})
	require.NoError(t, err)
	return log
}

func TestAppendAndRange(t *testing.T) {
	log := newLog(t)
	ctx := context.Background()

	exists, err := log.Exists(ctx, "t1")
	require.NoError(t, err)
	require.False(t, exists)

	pos1, err := log.Append(ctx, "t1", eventlog.Event{UUID: "u1", EventType: eventlog.EventAssistantResponse, CurrentState: eventlog.StateProcessing})
	require.NoError(t, err)
	require.NotEmpty(t, pos1)

	exists, err = log.Exists(ctx, "t1")
	require.NoError(t, err)
	require.True(t, exists)

	entries, err := log.Range(ctx, "t1", eventlog.ZeroPosition)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, pos1, entries[0].Position)
}

func TestAppendUUIDCollisionPreservesPosition(t *testing.T) {
	log := newLog(t)
	ctx := context.Background()

	pos1, err := log.Append(ctx, "t1", eventlog.Event{
		UUID:         "u1",
		EventType:    eventlog.EventToolCall,
		CurrentState: eventlog.StateProcessing,
		Payload:      map[string]any{"field": "A"},
	})
	require.NoError(t, err)

	pos2, err := log.Append(ctx, "t1", eventlog.Event{
		UUID:         "u1",
		EventType:    eventlog.EventToolCall,
		CurrentState: eventlog.StateComplete,
		Payload:      map[string]any{"field": "B"},
	})
	require.NoError(t, err)
	require.Equal(t, pos1, pos2, "colliding uuid must overwrite in place")

	entries, err := log.Range(ctx, "t1", eventlog.ZeroPosition)
	require.NoError(t, err)
	require.Len(t, entries, 1, "a single logical position is delivered for the uuid")
	require.Equal(t, pos1, entries[0].Position)
	require.Equal(t, "B", entries[0].Event.Payload["field"])
	require.True(t, entries[0].Event.IsTerminal())
}

func TestRangeFromCursorExcludesDelivered(t *testing.T) {
	log := newLog(t)
	ctx := context.Background()

	pos1, err := log.Append(ctx, "t1", eventlog.Event{UUID: "u1", EventType: eventlog.EventAssistantResponse})
	require.NoError(t, err)
	_, err = log.Append(ctx, "t1", eventlog.Event{UUID: "u2", EventType: eventlog.EventAssistantResponse})
	require.NoError(t, err)

	entries, err := log.Range(ctx, "t1", pos1)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "u2", entries[0].Event.UUID)
}

func TestTailTimesOutEmpty(t *testing.T) {
	log := newLog(t)
	ctx := context.Background()
	_, err := log.Append(ctx, "t1", eventlog.Event{UUID: "u1", EventType: eventlog.EventAssistantResponse})
	require.NoError(t, err)

	start := time.Now()
	entries, err := log.Tail(ctx, "t1", eventlog.Position("$"), 50*time.Millisecond)
	require.NoError(t, err)
	require.Empty(t, entries)
	require.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
}

func TestLength(t *testing.T) {
	log := newLog(t)
	ctx := context.Background()
	_, err := log.Append(ctx, "t1", eventlog.Event{UUID: "u1", EventType: eventlog.EventAssistantResponse})
	require.NoError(t, err)
	_, err = log.Append(ctx, "t1", eventlog.Event{UUID: "u2", EventType: eventlog.EventAssistantResponse})
	require.NoError(t, err)

	n, err := log.Length(ctx, "t1")
	require.NoError(t, err)
	require.Equal(t, int64(2), n)
}
