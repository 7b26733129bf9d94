// Package inmem provides an in-memory implementation of thread.Store.
//
// It is intended for tests and local development. Production deployments
// should use a durable implementation (see thread/mongo).
package inmem

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/agentflow/eventgateway/thread"
)

// Store is an in-memory implementation of thread.Store. Safe for concurrent
// use.
type Store struct {
	mu      sync.RWMutex
	threads map[string]thread.Thread
	runs    map[string]thread.Run
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		threads: make(map[string]thread.Thread),
		runs:    make(map[string]thread.Run),
	}
}

// CreateThread implements thread.Store.
func (s *Store) CreateThread(_ context.Context, threadID string, metadata map[string]any, createdAt time.Time) (thread.Thread, error) {
	if threadID == "" {
		return thread.Thread{}, errors.New("thread id is required")
	}
	if createdAt.IsZero() {
		return thread.Thread{}, errors.New("created_at is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.threads[threadID]
	if ok {
		if existing.Status == thread.StatusArchived {
			return thread.Thread{}, thread.ErrThreadArchived
		}
		return cloneThread(existing), nil
	}

	out := thread.Thread{
		ID:        threadID,
		Status:    thread.StatusActive,
		CreatedAt: createdAt.UTC(),
		UpdatedAt: createdAt.UTC(),
		Metadata:  cloneMetadata(metadata),
	}
	s.threads[threadID] = out
	return cloneThread(out), nil
}

// LoadThread implements thread.Store.
func (s *Store) LoadThread(_ context.Context, threadID string) (thread.Thread, error) {
	if threadID == "" {
		return thread.Thread{}, errors.New("thread id is required")
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	existing, ok := s.threads[threadID]
	if !ok {
		return thread.Thread{}, thread.ErrThreadNotFound
	}
	return cloneThread(existing), nil
}

// RecordRun implements thread.Store.
func (s *Store) RecordRun(_ context.Context, threadID, runID string, at time.Time) (thread.Thread, error) {
	if threadID == "" {
		return thread.Thread{}, errors.New("thread id is required")
	}
	if runID == "" {
		return thread.Thread{}, errors.New("run id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.threads[threadID]
	if !ok {
		return thread.Thread{}, thread.ErrThreadNotFound
	}

	existing.RunIDs = prependRunID(existing.RunIDs, runID)
	existing.RunCount++
	existing.LastRunID = runID
	existing.UpdatedAt = at.UTC()
	s.threads[threadID] = existing
	return cloneThread(existing), nil
}

// UpsertRun implements thread.Store.
func (s *Store) UpsertRun(_ context.Context, run thread.Run) error {
	if run.ID == "" {
		return errors.New("run id is required")
	}
	if run.ThreadID == "" {
		return errors.New("thread id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.runs[run.ID]
	if ok && !existing.CreatedAt.IsZero() && run.CreatedAt.IsZero() {
		run.CreatedAt = existing.CreatedAt
	}
	s.runs[run.ID] = cloneRun(run)
	return nil
}

// LoadRun implements thread.Store.
func (s *Store) LoadRun(_ context.Context, runID string) (thread.Run, error) {
	if runID == "" {
		return thread.Run{}, errors.New("run id is required")
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[runID]
	if !ok {
		return thread.Run{}, thread.ErrRunNotFound
	}
	return cloneRun(run), nil
}

// ListRunsByThread implements thread.Store.
func (s *Store) ListRunsByThread(_ context.Context, threadID string, statuses []thread.RunStatus) ([]thread.Run, error) {
	if threadID == "" {
		return nil, errors.New("thread id is required")
	}
	var allowed map[thread.RunStatus]struct{}
	if len(statuses) > 0 {
		allowed = make(map[thread.RunStatus]struct{}, len(statuses))
		for _, st := range statuses {
			allowed[st] = struct{}{}
		}
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]thread.Run, 0, len(s.runs))
	for _, run := range s.runs {
		if run.ThreadID != threadID {
			continue
		}
		if allowed != nil {
			if _, ok := allowed[run.Status]; !ok {
				continue
			}
		}
		out = append(out, cloneRun(run))
	}
	return out, nil
}

func prependRunID(runIDs []string, id string) []string {
	out := make([]string, 0, len(runIDs)+1)
	out = append(out, id)
	out = append(out, runIDs...)
	if len(out) > thread.MaxRunHistory {
		out = out[:thread.MaxRunHistory]
	}
	return out
}

func cloneThread(in thread.Thread) thread.Thread {
	out := in
	out.Metadata = cloneMetadata(in.Metadata)
	if len(in.RunIDs) > 0 {
		out.RunIDs = append([]string(nil), in.RunIDs...)
	}
	return out
}

func cloneMetadata(in map[string]any) map[string]any {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func cloneRun(in thread.Run) thread.Run {
	out := in
	out.Context = cloneMetadata(in.Context)
	out.Parameters = cloneMetadata(in.Parameters)
	if in.CompletedAt != nil {
		at := *in.CompletedAt
		out.CompletedAt = &at
	}
	return out
}
