// Package inmem provides in-memory session tiers for tests and local runs.
package inmem

import (
	"context"
	"errors"
	"sync"
	"time"

	"goa.design/taskrun/runtime/task/session"
)

type (
	// Store is a durable-tier stand-in with optimistic versioning.
	Store struct {
		mu       sync.Mutex
		sessions map[string]*session.Session
		now      func() time.Time
	}

	// Cache is a TTL cache tier.
	Cache struct {
		mu      sync.Mutex
		entries map[string]cacheEntry
		ttl     time.Duration
		now     func() time.Time
	}

	cacheEntry struct {
		s       *session.Session
		expires time.Time
	}
)

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{sessions: make(map[string]*session.Session), now: time.Now}
}

// Load implements session.Store.
func (s *Store) Load(_ context.Context, key string) (*session.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.sessions[key]
	if !ok {
		return nil, session.ErrSessionNotFound
	}
	return stored.Clone(), nil
}

// Save implements session.Store.
func (s *Store) Save(_ context.Context, sess *session.Session) error {
	if sess == nil || sess.Key == "" || sess.ID == "" {
		return errors.New("session id and key are required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.sessions[sess.Key]
	switch {
	case !ok && sess.Version != 0:
		return session.ErrConflict
	case ok && current.Version != sess.Version:
		return session.ErrConflict
	case ok && current.ID != sess.ID:
		return errors.New("session id is immutable")
	}
	sess.Version++
	sess.UpdatedAt = s.now().UTC()
	s.sessions[sess.Key] = sess.Clone()
	return nil
}

// Clear implements session.Store.
func (s *Store) Clear(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.sessions[key]
	if !ok {
		return session.ErrSessionNotFound
	}
	current.Reset()
	current.Version++
	current.UpdatedAt = s.now().UTC()
	return nil
}

// NewCache returns a cache whose entries expire after ttl. A non-positive
// ttl disables expiry.
func NewCache(ttl time.Duration) *Cache {
	return &Cache{entries: make(map[string]cacheEntry), ttl: ttl, now: time.Now}
}

// Get implements session.Cache.
func (c *Cache) Get(_ context.Context, key string) (*session.Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return nil, session.ErrSessionNotFound
	}
	if c.ttl > 0 && !c.now().Before(e.expires) {
		delete(c.entries, key)
		return nil, session.ErrSessionNotFound
	}
	return e.s.Clone(), nil
}

// Set implements session.Cache.
func (c *Cache) Set(_ context.Context, s *session.Session) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[s.Key] = cacheEntry{s: s.Clone(), expires: c.now().Add(c.ttl)}
	return nil
}

// Delete implements session.Cache.
func (c *Cache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
	return nil
}
