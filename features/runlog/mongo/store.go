package mongo

import (
	"context"
	"errors"

	clientsmongo "goa.design/taskrun/features/runlog/mongo/clients/mongo"
	"goa.design/taskrun/runtime/task/runlog"
)

// Store implements runlog.Store by delegating to the Mongo client.
type Store struct {
	client clientsmongo.Client
}

// NewStore builds a Mongo-backed run log store using the provided client.
func NewStore(client clientsmongo.Client) (*Store, error) {
	if client == nil {
		return nil, errors.New("client is required")
	}
	return &Store{client: client}, nil
}

// Append implements runlog.Store.
func (s *Store) Append(ctx context.Context, e *runlog.Event) error {
	return s.client.Append(ctx, e)
}

// List implements runlog.Store.
func (s *Store) List(ctx context.Context, runID string, cursor string, limit int) (runlog.Page, error) {
	return s.client.List(ctx, runID, cursor, limit)
}

// ListSession implements runlog.Store.
func (s *Store) ListSession(ctx context.Context, sessionKey string, cursor string, limit int) (runlog.Page, error) {
	return s.client.ListSession(ctx, sessionKey, cursor, limit)
}

// Name implements health.Pinger.
func (s *Store) Name() string { return s.client.Name() }

// Ping implements health.Pinger.
func (s *Store) Ping(ctx context.Context) error { return s.client.Ping(ctx) }
