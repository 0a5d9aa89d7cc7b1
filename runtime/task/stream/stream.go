// Package stream defines the external event channel: ordered, per-run progress
// events consumed by UIs and log pipelines, keyed by session. Events carry
// only public information; internal errors, credentials and provider
// identifiers never reach a Sink.
package stream

import (
	"context"
	"time"
)

type (
	// Kind identifies an external event.
	Kind string

	// Event is the payload delivered on the external channel.
	Event struct {
		// RunID identifies the run producing the event.
		RunID string `json:"run_id"`
		// SessionKey is the workflow-instance key consumers subscribe by.
		SessionKey string `json:"session_key"`
		// Kind is the event kind.
		Kind Kind `json:"kind"`
		// Tool names the capability for tool events.
		Tool string `json:"tool,omitempty"`
		// ProgressPercent estimates completion of the top-level run.
		ProgressPercent *int `json:"progress_percent,omitempty"`
		// Message is a human-readable, sanitized message.
		Message string `json:"message,omitempty"`
		// Timestamp is when the event was produced.
		Timestamp time.Time `json:"timestamp"`
	}

	// Sink delivers events to a transport. Send must preserve the order of
	// calls made for the same run.
	Sink interface {
		Send(ctx context.Context, evt Event) error
		Close(ctx context.Context) error
	}
)

const (
	// SessionStarted is emitted when a top-level run starts.
	SessionStarted Kind = "session_started"
	// ToolStart is emitted before a capability executes.
	ToolStart Kind = "tool_start"
	// ToolComplete is emitted after a capability succeeds.
	ToolComplete Kind = "tool_complete"
	// ToolError is emitted when a capability fails or is refused.
	ToolError Kind = "tool_error"
	// SessionComplete is emitted when a top-level run succeeds.
	SessionComplete Kind = "session_complete"
	// SessionFailed is emitted when a top-level run ends in any other state.
	SessionFailed Kind = "session_failed"
)

// Percent returns a pointer to p for ProgressPercent.
func Percent(p int) *int { return &p }
