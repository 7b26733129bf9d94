// Package httpsink implements publisher.ResultSink by POSTing a terminal
// event's result to an external HTTP endpoint, generalizing the teacher's
// OnPublished callback hook (features/stream/pulse/sink.go) from an
// in-process function to a network boundary.
package httpsink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/agentflow/eventgateway/eventlog"
)

// envelope mirrors the teacher's sink.go Envelope shape: a stable wire
// format independent of eventlog.Event's internal field layout.
type envelope struct {
	Thread    string         `json:"thread"`
	UUID      string         `json:"uuid"`
	EventType string         `json:"event_type"`
	State     string         `json:"current_state"`
	Timestamp time.Time      `json:"timestamp"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// Sink posts terminal results to a configured URL. Failures are returned to
// the caller (publisher.Publisher logs and swallows them per spec §4.3).
type Sink struct {
	client *http.Client
	url    string
	header http.Header
}

// Options configures a Sink.
type Options struct {
	// URL is the endpoint results are POSTed to. Required.
	URL string
	// Client is the underlying http.Client. Defaults to a client with a
	// 10 second timeout, matching the teacher's runbook.Service fetch client
	// (pkg/runbook/github.go).
	Client *http.Client
	// Header carries additional request headers (e.g. auth) sent with
	// every POST.
	Header http.Header
}

// New constructs a Sink.
func New(opts Options) (*Sink, error) {
	if opts.URL == "" {
		return nil, fmt.Errorf("httpsink: URL is required")
	}
	client := opts.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &Sink{client: client, url: opts.URL, header: opts.Header}, nil
}

// SaveResult implements publisher.ResultSink.
func (s *Sink) SaveResult(ctx context.Context, thread string, event eventlog.Event) error {
	ts := time.Now().UTC()
	if event.ModifyAt != nil {
		ts = *event.ModifyAt
	}
	body, err := json.Marshal(envelope{
		Thread:    thread,
		UUID:      event.UUID,
		EventType: string(event.EventType),
		State:     string(event.CurrentState),
		Timestamp: ts,
		Payload:   event.Payload,
	})
	if err != nil {
		return fmt.Errorf("httpsink: marshal envelope: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("httpsink: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, vs := range s.header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("httpsink: post result: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("httpsink: endpoint returned status %d", resp.StatusCode)
	}
	return nil
}
