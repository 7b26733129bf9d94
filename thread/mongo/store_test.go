package mongo

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/agentflow/eventgateway/thread"
)

// fakeClient is a hand-rolled stub of mongo.Client (the generated-mock
// package this test originally used was part of the teacher's tool
// registry generator, which has no bearing on this domain). Each field is
// a test-supplied function that receives the call's arguments, so tests
// can assert on them.
type fakeClient struct {
	createThread     func(ctx context.Context, threadID string, metadata map[string]any, createdAt time.Time) (thread.Thread, error)
	loadThread       func(ctx context.Context, threadID string) (thread.Thread, error)
	recordRun        func(ctx context.Context, threadID, runID string, at time.Time) (thread.Thread, error)
	upsertRun        func(ctx context.Context, run thread.Run) error
	loadRun          func(ctx context.Context, runID string) (thread.Run, error)
	listRunsByThread func(ctx context.Context, threadID string, statuses []thread.RunStatus) ([]thread.Run, error)
}

func (f *fakeClient) Name() string              { return "fake-thread-mongo" }
func (f *fakeClient) Ping(context.Context) error { return nil }

func (f *fakeClient) CreateThread(ctx context.Context, threadID string, metadata map[string]any, createdAt time.Time) (thread.Thread, error) {
	return f.createThread(ctx, threadID, metadata, createdAt)
}
func (f *fakeClient) LoadThread(ctx context.Context, threadID string) (thread.Thread, error) {
	return f.loadThread(ctx, threadID)
}
func (f *fakeClient) RecordRun(ctx context.Context, threadID, runID string, at time.Time) (thread.Thread, error) {
	return f.recordRun(ctx, threadID, runID, at)
}
func (f *fakeClient) UpsertRun(ctx context.Context, run thread.Run) error {
	return f.upsertRun(ctx, run)
}
func (f *fakeClient) LoadRun(ctx context.Context, runID string) (thread.Run, error) {
	return f.loadRun(ctx, runID)
}
func (f *fakeClient) ListRunsByThread(ctx context.Context, threadID string, statuses []thread.RunStatus) ([]thread.Run, error) {
	return f.listRunsByThread(ctx, threadID, statuses)
}

func TestNewStoreRequiresClient(t *testing.T) {
	_, err := NewStore(nil)
	require.EqualError(t, err, "client is required")
}

func TestCreateThreadDelegatesToClient(t *testing.T) {
	now := time.Now().UTC()
	expected := thread.Thread{ID: "t1", Status: thread.StatusActive, CreatedAt: now}
	client := &fakeClient{
		createThread: func(ctx context.Context, threadID string, metadata map[string]any, createdAt time.Time) (thread.Thread, error) {
			require.Equal(t, "t1", threadID)
			require.Equal(t, now, createdAt)
			return expected, nil
		},
	}
	store, err := NewStore(client)
	require.NoError(t, err)

	got, err := store.CreateThread(context.Background(), "t1", nil, now)
	require.NoError(t, err)
	require.Equal(t, expected, got)
}

func TestLoadThreadDelegatesToClient(t *testing.T) {
	expected := thread.Thread{ID: "t1", Status: thread.StatusActive}
	client := &fakeClient{
		loadThread: func(ctx context.Context, threadID string) (thread.Thread, error) {
			require.Equal(t, "t1", threadID)
			return expected, nil
		},
	}
	store, err := NewStore(client)
	require.NoError(t, err)

	got, err := store.LoadThread(context.Background(), "t1")
	require.NoError(t, err)
	require.Equal(t, expected, got)
}

func TestRecordRunDelegatesToClient(t *testing.T) {
	now := time.Now().UTC()
	expected := thread.Thread{ID: "t1", LastRunID: "r1", RunCount: 1}
	client := &fakeClient{
		recordRun: func(ctx context.Context, threadID, runID string, at time.Time) (thread.Thread, error) {
			require.Equal(t, "t1", threadID)
			require.Equal(t, "r1", runID)
			require.Equal(t, now, at)
			return expected, nil
		},
	}
	store, err := NewStore(client)
	require.NoError(t, err)

	got, err := store.RecordRun(context.Background(), "t1", "r1", now)
	require.NoError(t, err)
	require.Equal(t, expected, got)
}

func TestUpsertRunDelegatesToClient(t *testing.T) {
	run := thread.Run{ID: "r1", ThreadID: "t1", Status: thread.RunStatusProcessing}
	client := &fakeClient{
		upsertRun: func(ctx context.Context, r thread.Run) error {
			require.Equal(t, run, r)
			return nil
		},
	}
	store, err := NewStore(client)
	require.NoError(t, err)

	require.NoError(t, store.UpsertRun(context.Background(), run))
}

func TestLoadRunDelegatesToClient(t *testing.T) {
	expected := thread.Run{ID: "r1", ThreadID: "t1"}
	client := &fakeClient{
		loadRun: func(ctx context.Context, runID string) (thread.Run, error) {
			require.Equal(t, "r1", runID)
			return expected, nil
		},
	}
	store, err := NewStore(client)
	require.NoError(t, err)

	got, err := store.LoadRun(context.Background(), "r1")
	require.NoError(t, err)
	require.Equal(t, expected, got)
}

func TestListRunsByThreadDelegatesToClient(t *testing.T) {
	expected := []thread.Run{
		{ID: "r1", ThreadID: "t1", Status: thread.RunStatusProcessing},
		{ID: "r2", ThreadID: "t1", Status: thread.RunStatusPending},
	}
	statuses := []thread.RunStatus{thread.RunStatusProcessing, thread.RunStatusPending}
	client := &fakeClient{
		listRunsByThread: func(ctx context.Context, threadID string, st []thread.RunStatus) ([]thread.Run, error) {
			require.Equal(t, "t1", threadID)
			require.Equal(t, statuses, st)
			return expected, nil
		},
	}
	store, err := NewStore(client)
	require.NoError(t, err)

	got, err := store.ListRunsByThread(context.Background(), "t1", statuses)
	require.NoError(t, err)
	require.Equal(t, expected, got)
}
