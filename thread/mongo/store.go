package mongo

import (
	"context"
	"errors"
	"time"

	"github.com/agentflow/eventgateway/thread"
	"github.com/agentflow/eventgateway/thread/mongo/clients/mongo"
)

// Store implements thread.Store by delegating to the Mongo client.
type Store struct {
	client mongo.Client
}

// NewStore builds a Store using the provided client.
func NewStore(client mongo.Client) (*Store, error) {
	if client == nil {
		return nil, errors.New("client is required")
	}
	return &Store{client: client}, nil
}

// CreateThread implements thread.Store.
func (s *Store) CreateThread(ctx context.Context, threadID string, metadata map[string]any, createdAt time.Time) (thread.Thread, error) {
	return s.client.CreateThread(ctx, threadID, metadata, createdAt)
}

// LoadThread implements thread.Store.
func (s *Store) LoadThread(ctx context.Context, threadID string) (thread.Thread, error) {
	return s.client.LoadThread(ctx, threadID)
}

// RecordRun implements thread.Store.
func (s *Store) RecordRun(ctx context.Context, threadID, runID string, at time.Time) (thread.Thread, error) {
	return s.client.RecordRun(ctx, threadID, runID, at)
}

// UpsertRun implements thread.Store.
func (s *Store) UpsertRun(ctx context.Context, run thread.Run) error {
	return s.client.UpsertRun(ctx, run)
}

// LoadRun implements thread.Store.
func (s *Store) LoadRun(ctx context.Context, runID string) (thread.Run, error) {
	return s.client.LoadRun(ctx, runID)
}

// ListRunsByThread implements thread.Store.
func (s *Store) ListRunsByThread(ctx context.Context, threadID string, statuses []thread.RunStatus) ([]thread.Run, error) {
	return s.client.ListRunsByThread(ctx, threadID, statuses)
}
