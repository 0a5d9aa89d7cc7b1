// Package inmem provides an in-memory jobs.Store for tests and local runs.
package inmem

import (
	"context"
	"fmt"
	"sync"
	"time"

	"goa.design/taskrun/runtime/task/jobs"
)

// Store keeps jobs in insertion order so claims are FIFO.
type Store struct {
	mu    sync.Mutex
	jobs  map[string]*jobs.Job
	order []string
}

// New returns an empty store.
func New() *Store {
	return &Store{jobs: make(map[string]*jobs.Job)}
}

// Create implements jobs.Store.
func (s *Store) Create(_ context.Context, job *jobs.Job) (*jobs.Job, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range s.order {
		existing := s.jobs[id]
		if existing.Fingerprint == job.Fingerprint && existing.Status.Open() {
			return existing.Clone(), false, nil
		}
	}
	s.jobs[job.ID] = job.Clone()
	s.order = append(s.order, job.ID)
	return job.Clone(), true, nil
}

// Get implements jobs.Store.
func (s *Store) Get(_ context.Context, id string) (*jobs.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, jobs.ErrJobNotFound
	}
	return job.Clone(), nil
}

// Claim implements jobs.Store.
func (s *Store) Claim(_ context.Context, now time.Time) (*jobs.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	active := make(map[string]bool)
	for _, job := range s.jobs {
		if job.Status == jobs.StatusActive {
			active[job.SessionKey] = true
		}
	}
	for _, id := range s.order {
		job := s.jobs[id]
		if job.Status != jobs.StatusQueued || job.AvailableAt.After(now) || active[job.SessionKey] {
			continue
		}
		job.Status = jobs.StatusActive
		job.Attempts++
		job.UpdatedAt = now
		return job.Clone(), nil
	}
	return nil, nil
}

// Update implements jobs.Store.
func (s *Store) Update(_ context.Context, job *jobs.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.ID]; !ok {
		return jobs.ErrJobNotFound
	}
	s.jobs[job.ID] = job.Clone()
	return nil
}

// Cancel implements jobs.Store.
func (s *Store) Cancel(_ context.Context, id string, now time.Time) (*jobs.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, jobs.ErrJobNotFound
	}
	switch job.Status {
	case jobs.StatusQueued:
		job.Status = jobs.StatusCancelled
		job.LastError = jobs.ReasonCancelled
		job.FinishedAt = now
	case jobs.StatusActive:
		job.CancelRequested = true
	default:
		return nil, fmt.Errorf("%w: %s is %s", jobs.ErrJobFinished, id, job.Status)
	}
	job.UpdatedAt = now
	return job.Clone(), nil
}

// SetProgress implements jobs.Store.
func (s *Store) SetProgress(_ context.Context, id string, percent int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return jobs.ErrJobNotFound
	}
	job.ProgressPercent = percent
	return nil
}

// Requeue implements jobs.Store.
func (s *Store) Requeue(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, job := range s.jobs {
		if job.Status != jobs.StatusActive {
			continue
		}
		job.UpdatedAt = now
		if job.CancelRequested {
			job.Status = jobs.StatusCancelled
			job.LastError = jobs.ReasonCancelled
			job.FinishedAt = now
			continue
		}
		job.Status = jobs.StatusQueued
		job.AvailableAt = now
		n++
	}
	return n, nil
}

// Purge implements jobs.Store.
func (s *Store) Purge(_ context.Context, completedBefore, failedBefore time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.order[:0]
	n := 0
	for _, id := range s.order {
		job := s.jobs[id]
		if expired(job, completedBefore, failedBefore) {
			delete(s.jobs, id)
			n++
			continue
		}
		kept = append(kept, id)
	}
	s.order = kept
	return n, nil
}

func expired(job *jobs.Job, completedBefore, failedBefore time.Time) bool {
	if job.Status.Open() || job.FinishedAt.IsZero() {
		return false
	}
	if job.Status == jobs.StatusCompleted {
		return job.FinishedAt.Before(completedBefore)
	}
	return job.FinishedAt.Before(failedBefore)
}
