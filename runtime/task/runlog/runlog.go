// Package runlog defines the append-only audit trail of task runs. Every
// lifecycle event fired on the hook bus can be appended here by the audit
// observer; stores assign an ordered ID that doubles as a paging cursor. A
// cursor returns the events appended after it, so the same cursor pages
// through one run or through every run of a session.
package runlog

import (
	"context"
	"encoding/json"
	"time"
)

type (
	// Event is one audit record.
	Event struct {
		// ID is assigned by the store on Append and orders events per run.
		ID string
		// RunID identifies the run the event belongs to.
		RunID string
		// ParentID identifies the parent run for child runs.
		ParentID string
		// SessionKey is the workflow-instance key of the run tree.
		SessionKey string
		// Kind is the lifecycle event kind (run_started, pre_call...).
		Kind string
		// Payload is the JSON encoded event detail.
		Payload json.RawMessage
		// Timestamp is when the event fired.
		Timestamp time.Time
	}

	// Page is a slice of a run's events.
	Page struct {
		Events []*Event
		// NextCursor is empty when there are no more events.
		NextCursor string
	}

	// Store persists audit events.
	Store interface {
		// Append stores e and sets e.ID.
		Append(ctx context.Context, e *Event) error
		// List returns up to limit events of runID after cursor, oldest first.
		List(ctx context.Context, runID string, cursor string, limit int) (Page, error)
		// ListSession returns up to limit events of every run of sessionKey
		// (parents and children interleaved) after cursor, oldest first.
		ListSession(ctx context.Context, sessionKey string, cursor string, limit int) (Page, error)
	}
)
