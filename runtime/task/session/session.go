// Package session defines the resumable identity of a workflow instance and
// the two-tier store that persists it.
//
// A Session outlives individual runs: each run of a workflow step loads the
// session for its key, resumes the reasoning provider conversation from the
// stored handle and saves the advanced step and spend when it ends. Sessions
// are addressed by the external workflow key; the session ID is issued once
// and never changes.
package session

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

type (
	// Session captures the resumable state of a workflow instance.
	Session struct {
		// ID is issued when the session is created and never changes.
		ID string `json:"session_id"`
		// Key is the external workflow-instance key, for example a business
		// entity ID.
		Key string `json:"workflow_key"`
		// ConversationHandle is the opaque reasoning provider handle reused on
		// resume. Empty after Clear.
		ConversationHandle string `json:"conversation_handle,omitempty"`
		// LastStep is the last completed workflow step.
		LastStep string `json:"last_step,omitempty"`
		// CumulativeSpend is the spend of every run of the session.
		CumulativeSpend float64 `json:"cumulative_spend"`
		// UpdatedAt is set by the durable store on each write.
		UpdatedAt time.Time `json:"updated_at"`
		// Version is the optimistic concurrency token. Zero means the session
		// has never been saved. Save increments it.
		Version int64 `json:"version"`
	}

	// Store persists sessions.
	Store interface {
		// Load returns the session for key or ErrSessionNotFound.
		Load(ctx context.Context, key string) (*Session, error)
		// Save persists s. Stores supporting optimistic writes return
		// ErrConflict when s.Version does not match the stored version and
		// advance s.Version on success.
		Save(ctx context.Context, s *Session) error
		// Clear invalidates the conversation handle and resets the last step
		// of the session for key. The session ID is kept.
		Clear(ctx context.Context, key string) error
	}

	// Cache is the fast tier of a Tiered store. Entries expire after a TTL
	// chosen by the implementation.
	Cache interface {
		// Get returns the cached session or ErrSessionNotFound on a miss.
		Get(ctx context.Context, key string) (*Session, error)
		// Set caches s.
		Set(ctx context.Context, s *Session) error
		// Delete evicts the entry for key. Deleting a missing entry succeeds.
		Delete(ctx context.Context, key string) error
	}
)

var (
	// ErrSessionNotFound indicates no session exists for the key.
	ErrSessionNotFound = errors.New("session not found")
	// ErrConflict indicates a stale optimistic write.
	ErrConflict = errors.New("session version conflict")
)

// New returns an unsaved session for key with a fresh ID.
func New(key string) *Session {
	return &Session{ID: uuid.NewString(), Key: key}
}

// LoadOrNew loads the session for key, creating an unsaved one when none
// exists. created reports whether the session is new.
func LoadOrNew(ctx context.Context, store Store, key string) (s *Session, created bool, err error) {
	if key == "" {
		return nil, false, errors.New("session key is required")
	}
	s, err = store.Load(ctx, key)
	if err == nil {
		return s, false, nil
	}
	if !errors.Is(err, ErrSessionNotFound) {
		return nil, false, err
	}
	return New(key), true, nil
}

// Clone returns a copy of s.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	return &c
}

// Reset clears the conversation handle and the last step.
func (s *Session) Reset() {
	s.ConversationHandle = ""
	s.LastStep = ""
}
