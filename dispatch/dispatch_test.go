package dispatch_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/agentflow/eventgateway/dispatch"
	"github.com/agentflow/eventgateway/gatewayerr"
	"github.com/agentflow/eventgateway/thread"
	"github.com/agentflow/eventgateway/thread/inmem"
)

type fakeQueue struct {
	tasks []dispatch.Task
	err   error
}

func (q *fakeQueue) Enqueue(_ context.Context, task dispatch.Task) error {
	if q.err != nil {
		return q.err
	}
	q.tasks = append(q.tasks, task)
	return nil
}

func newThread(t *testing.T, store *inmem.Store, id string) {
	t.Helper()
	_, err := store.CreateThread(context.Background(), id, nil, time.Now().UTC())
	require.NoError(t, err)
}

func TestExecuteDispatchesTaskAndPersistsRun(t *testing.T) {
	store := inmem.New()
	newThread(t, store, "t1")
	queue := &fakeQueue{}
	bridge, err := dispatch.New(dispatch.Options{Store: store, Queue: queue})
	require.NoError(t, err)

	runID, err := bridge.Execute(context.Background(), dispatch.Request{
		Thread:     "t1",
		User:       "alice",
		Task:       "summarize document",
		Context:    map[string]any{"doc": "abc"},
		Parameters: map[string]any{"temperature": 0.2},
	})
	require.NoError(t, err)
	require.NotEmpty(t, runID)

	require.Len(t, queue.tasks, 1)
	require.Equal(t, "t1", queue.tasks[0].Thread)
	require.Equal(t, runID, queue.tasks[0].Run)
	require.Equal(t, "alice", queue.tasks[0].User)

	run, err := store.LoadRun(context.Background(), runID)
	require.NoError(t, err)
	require.Equal(t, thread.RunStatusPending, run.Status)
	require.Equal(t, "summarize document", run.Task)

	th, err := store.LoadThread(context.Background(), "t1")
	require.NoError(t, err)
	require.Equal(t, runID, th.LastRunID)
	require.Equal(t, 1, th.RunCount)
}

func TestExecuteUnknownThreadFails(t *testing.T) {
	store := inmem.New()
	bridge, err := dispatch.New(dispatch.Options{Store: store, Queue: &fakeQueue{}})
	require.NoError(t, err)

	_, err = bridge.Execute(context.Background(), dispatch.Request{Thread: "ghost", Task: "x"})
	require.Error(t, err)
	kind, ok := gatewayerr.Of(err)
	require.True(t, ok)
	require.Equal(t, gatewayerr.UnknownThread, kind)
}

func TestExecuteRequiresThreadID(t *testing.T) {
	bridge, err := dispatch.New(dispatch.Options{Store: inmem.New(), Queue: &fakeQueue{}})
	require.NoError(t, err)

	_, err = bridge.Execute(context.Background(), dispatch.Request{Task: "x"})
	require.Error(t, err)
	kind, ok := gatewayerr.Of(err)
	require.True(t, ok)
	require.Equal(t, gatewayerr.Malformed, kind)
}

func TestExecuteEnqueueFailureSurfacesInternalError(t *testing.T) {
	store := inmem.New()
	newThread(t, store, "t1")
	queue := &fakeQueue{err: errors.New("broker down")}
	bridge, err := dispatch.New(dispatch.Options{Store: store, Queue: queue})
	require.NoError(t, err)

	_, err = bridge.Execute(context.Background(), dispatch.Request{Thread: "t1", Task: "x"})
	require.Error(t, err)
	kind, ok := gatewayerr.Of(err)
	require.True(t, ok)
	require.Equal(t, gatewayerr.Internal, kind)
}

func TestNewRequiresStoreAndQueue(t *testing.T) {
	_, err := dispatch.New(dispatch.Options{Queue: &fakeQueue{}})
	require.Error(t, err)

	_, err = dispatch.New(dispatch.Options{Store: inmem.New()})
	require.Error(t, err)
}
