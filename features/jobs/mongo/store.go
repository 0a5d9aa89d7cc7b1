package mongo

import (
	"context"
	"errors"
	"time"

	clientsmongo "goa.design/taskrun/features/jobs/mongo/clients/mongo"
	"goa.design/taskrun/runtime/task/jobs"
)

// Store implements jobs.Store by delegating to the Mongo client.
type Store struct {
	client clientsmongo.Client
}

var _ jobs.Store = (*Store)(nil)

// NewStore builds a Mongo-backed job store using the provided client.
func NewStore(client clientsmongo.Client) (*Store, error) {
	if client == nil {
		return nil, errors.New("client is required")
	}
	return &Store{client: client}, nil
}

// Create implements jobs.Store.
func (s *Store) Create(ctx context.Context, job *jobs.Job) (*jobs.Job, bool, error) {
	return s.client.CreateJob(ctx, job)
}

// Get implements jobs.Store.
func (s *Store) Get(ctx context.Context, id string) (*jobs.Job, error) {
	return s.client.GetJob(ctx, id)
}

// Claim implements jobs.Store.
func (s *Store) Claim(ctx context.Context, now time.Time) (*jobs.Job, error) {
	return s.client.ClaimJob(ctx, now)
}

// Update implements jobs.Store.
func (s *Store) Update(ctx context.Context, job *jobs.Job) error {
	return s.client.UpdateJob(ctx, job)
}

// Cancel implements jobs.Store.
func (s *Store) Cancel(ctx context.Context, id string, now time.Time) (*jobs.Job, error) {
	return s.client.CancelJob(ctx, id, now)
}

// SetProgress implements jobs.Store.
func (s *Store) SetProgress(ctx context.Context, id string, percent int) error {
	return s.client.SetProgress(ctx, id, percent)
}

// Requeue implements jobs.Store.
func (s *Store) Requeue(ctx context.Context, now time.Time) (int, error) {
	return s.client.RequeueActive(ctx, now)
}

// Purge implements jobs.Store.
func (s *Store) Purge(ctx context.Context, completedBefore, failedBefore time.Time) (int, error) {
	return s.client.PurgeFinished(ctx, completedBefore, failedBefore)
}

// Name implements health.Pinger.
func (s *Store) Name() string { return s.client.Name() }

// Ping implements health.Pinger.
func (s *Store) Ping(ctx context.Context) error { return s.client.Ping(ctx) }
