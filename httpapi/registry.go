package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/agentflow/eventgateway/dispatch"
	"github.com/agentflow/eventgateway/gatewayerr"
	"github.com/agentflow/eventgateway/thread"
)

type initiateRequest struct {
	Metadata map[string]any `json:"metadata,omitempty"`
	Context  map[string]any `json:"context,omitempty"`
}

type initiateResponse struct {
	ThreadID  string    `json:"thread_id"`
	CreatedAt time.Time `json:"created_at"`
	Status    string    `json:"status"`
}

// handleInitiate implements POST /agent/initiate (spec §6): generates a
// new thread ID and creates its registry record.
func (s *Server) handleInitiate(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxInitiateBodySize)

	var req initiateRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, gatewayerr.Wrap(gatewayerr.Malformed, "invalid request body", err))
			return
		}
	}

	threadID := generateThreadID()
	now := time.Now().UTC()
	th, err := s.store.CreateThread(r.Context(), threadID, req.Metadata, now)
	if err != nil {
		writeError(w, gatewayerr.Wrap(gatewayerr.Internal, "create thread", err))
		return
	}

	writeJSON(w, http.StatusCreated, initiateResponse{
		ThreadID:  th.ID,
		CreatedAt: th.CreatedAt,
		Status:    string(th.Status),
	})
}

type executeRequest struct {
	Task       string         `json:"task"`
	Context    map[string]any `json:"context_data,omitempty"`
	Parameters map[string]any `json:"parameters,omitempty"`
	User       string         `json:"user,omitempty"`
}

type executeResponse struct {
	ThreadID  string    `json:"thread_id"`
	RunID     string    `json:"run_id"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

// handleExecute implements POST /agent/{thread}/execute (spec §6), rate
// limited per user (supplemented feature, grounded on the teacher's
// RateLimiter).
func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	threadID := chi.URLParam(r, "thread")

	r.Body = http.MaxBytesReader(w, r.Body, maxInitiateBodySize)
	var req executeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, gatewayerr.Wrap(gatewayerr.Malformed, "invalid request body", err))
		return
	}
	if req.Task == "" {
		writeError(w, gatewayerr.New(gatewayerr.Malformed, "task is required"))
		return
	}

	if s.rateLimiter != nil {
		key := req.User
		if key == "" {
			key = threadID
		}
		if !s.rateLimiter.Allow(key) {
			w.Header().Set("Retry-After", "60")
			writeJSON(w, http.StatusTooManyRequests, errorBody{Error: "rate limit exceeded"})
			return
		}
	}

	runID, err := s.bridge.Execute(r.Context(), dispatch.Request{
		Thread:     threadID,
		User:       req.User,
		Task:       req.Task,
		Context:    req.Context,
		Parameters: req.Parameters,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, executeResponse{
		ThreadID:  threadID,
		RunID:     runID,
		Status:    string(thread.RunStatusProcessing),
		CreatedAt: time.Now().UTC(),
	})
}

// generateThreadID returns a globally unique, domain-prefixed thread ID
// (spec: thread IDs are opaque, domain-prefixed and generated by the
// registry on creation, never caller-supplied), grounded on the teacher's
// runtime/agent/runtime/run_id.go generateRunID idiom.
func generateThreadID() string {
	return fmt.Sprintf("thread-%s", uuid.NewString())
}
