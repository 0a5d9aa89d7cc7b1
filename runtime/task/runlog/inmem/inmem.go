// Package inmem implements runlog.Store in memory for tests and single
// process deployments.
package inmem

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"goa.design/taskrun/runtime/task/runlog"
)

// Store keeps events in append order. IDs are 1-based sequence numbers
// shared by all runs.
type Store struct {
	mu     sync.Mutex
	events []*runlog.Event
}

// New returns an empty store.
func New() *Store {
	return &Store{}
}

// Append implements runlog.Store.
func (s *Store) Append(_ context.Context, e *runlog.Event) error {
	if e == nil {
		return errors.New("event is required")
	}
	if e.RunID == "" {
		return errors.New("run id is required")
	}
	if e.Kind == "" {
		return errors.New("event kind is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e.ID = strconv.Itoa(len(s.events) + 1)
	cp := *e
	cp.Payload = append([]byte(nil), e.Payload...)
	s.events = append(s.events, &cp)
	return nil
}

// List implements runlog.Store.
func (s *Store) List(_ context.Context, runID string, cursor string, limit int) (runlog.Page, error) {
	if runID == "" {
		return runlog.Page{}, errors.New("run id is required")
	}
	return s.page(cursor, limit, func(e *runlog.Event) bool { return e.RunID == runID })
}

// ListSession implements runlog.Store.
func (s *Store) ListSession(_ context.Context, sessionKey string, cursor string, limit int) (runlog.Page, error) {
	if sessionKey == "" {
		return runlog.Page{}, errors.New("session key is required")
	}
	return s.page(cursor, limit, func(e *runlog.Event) bool { return e.SessionKey == sessionKey })
}

func (s *Store) page(cursor string, limit int, match func(*runlog.Event) bool) (runlog.Page, error) {
	if limit <= 0 {
		return runlog.Page{}, errors.New("limit must be > 0")
	}
	after := 0
	if cursor != "" {
		n, err := strconv.Atoi(cursor)
		if err != nil || n < 0 {
			return runlog.Page{}, fmt.Errorf("invalid cursor %q", cursor)
		}
		after = n
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	var events []*runlog.Event
	for _, e := range s.events[min(after, len(s.events)):] {
		if !match(e) {
			continue
		}
		if len(events) == limit {
			return runlog.Page{Events: events, NextCursor: events[limit-1].ID}, nil
		}
		cp := *e
		events = append(events, &cp)
	}
	return runlog.Page{Events: events}, nil
}
