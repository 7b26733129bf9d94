package httpsink_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/agentflow/eventgateway/eventlog"
	"github.com/agentflow/eventgateway/publisher/httpsink"
)

func TestSaveResultPostsEnvelope(t *testing.T) {
	var received map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	sink, err := httpsink.New(httpsink.Options{URL: srv.URL})
	require.NoError(t, err)

	event := eventlog.Event{
		UUID:         "u1",
		EventType:    eventlog.EventFlowCompletion,
		CurrentState: eventlog.StateComplete,
		Payload:      map[string]any{"summary": "done"},
	}
	require.NoError(t, sink.SaveResult(t.Context(), "thread-1", event))

	require.Equal(t, "thread-1", received["thread"])
	require.Equal(t, "u1", received["uuid"])
	require.Equal(t, "flow_completion", received["event_type"])
}

func TestSaveResultSurfacesNonSuccessStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	sink, err := httpsink.New(httpsink.Options{URL: srv.URL})
	require.NoError(t, err)

	err = sink.SaveResult(t.Context(), "thread-1", eventlog.Event{UUID: "u1"})
	require.Error(t, err)
}

func TestNewRequiresURL(t *testing.T) {
	_, err := httpsink.New(httpsink.Options{})
	require.Error(t, err)
}
