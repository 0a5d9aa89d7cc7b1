package mongo

import (
	"context"
	"errors"

	clientsmongo "goa.design/taskrun/features/session/mongo/clients/mongo"
	"goa.design/taskrun/runtime/task/session"
)

// Store implements session.Store by delegating to the Mongo client.
type Store struct {
	client clientsmongo.Client
}

var _ session.Store = (*Store)(nil)

// NewStore builds a Store using the provided client.
func NewStore(client clientsmongo.Client) (*Store, error) {
	if client == nil {
		return nil, errors.New("client is required")
	}
	return &Store{client: client}, nil
}

// Load retrieves the session stored for key.
func (s *Store) Load(ctx context.Context, key string) (*session.Session, error) {
	return s.client.LoadSession(ctx, key)
}

// Save persists sess using its version as the optimistic concurrency token.
func (s *Store) Save(ctx context.Context, sess *session.Session) error {
	return s.client.SaveSession(ctx, sess)
}

// Clear resets the conversation of the session stored for key.
func (s *Store) Clear(ctx context.Context, key string) error {
	return s.client.ClearSession(ctx, key)
}

// Name implements health.Pinger.
func (s *Store) Name() string { return s.client.Name() }

// Ping implements health.Pinger.
func (s *Store) Ping(ctx context.Context) error { return s.client.Ping(ctx) }
