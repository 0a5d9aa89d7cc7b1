package run

import (
	"encoding/json"
	"time"
)

type (
	// EventKind identifies an engine event.
	EventKind string

	// Event is a typed progress event pushed by the engine onto Spec.Events.
	// Events of one run arrive in loop order.
	Event struct {
		// Kind is the event kind.
		Kind EventKind
		// RunID identifies the emitting run.
		RunID string
		// Turn is the 1-based turn the event belongs to.
		Turn int
		// Capability is set for capability results.
		Capability string
		// Output is the capability output for successful results.
		Output json.RawMessage
		// Error is the public failure message for failed results.
		Error string
		// Result is set on EventTerminal.
		Result *Result
		// Timestamp is when the engine produced the event.
		Timestamp time.Time
	}
)

const (
	// EventTurnStarted is emitted before each provider submission.
	EventTurnStarted EventKind = "turn_started"
	// EventCapabilityResult is emitted after each capability call.
	EventCapabilityResult EventKind = "capability_result"
	// EventTerminal is emitted once with the terminal result.
	EventTerminal EventKind = "terminal"
)
