// Package run defines the primitives describing a single task run.
//
// # Core Concepts
//
// Run (execution layer):
//   - One execution of the reasoning loop, top-level or child
//   - Identified by a globally unique run ID
//   - Mutated only by the loop instance that owns it
//   - Always ends in exactly one terminal State
//
// Session (resumption layer):
//   - The durable identity of a workflow instance across many runs
//   - Addressed by the external session key (for example a business entity ID)
//   - Carries the provider conversation handle reused on resume
//
// Relationship example:
//
//	Session "brand-42"
//	  └─ Run "r-1" (step "research")      succeeded
//	       ├─ Child "r-1.a" (delegated)   succeeded
//	       └─ Child "r-1.b" (delegated)   budget_exceeded (partial handed back)
//	  └─ Run "r-2" (step "naming")        resumed with the handle saved by r-1
package run

import (
	"encoding/json"
	"time"
)

type (
	// State is the lifecycle state of a run.
	State string

	// Record is a point-in-time snapshot of a run. The loop owning the run is
	// the only writer; everybody else receives copies.
	Record struct {
		// ID uniquely identifies the run.
		ID string
		// ParentID is the ID of the run that spawned this one. Empty for
		// top-level runs.
		ParentID string
		// SessionKey is the workflow-instance key the run belongs to. Children
		// inherit the key of their parent.
		SessionKey string
		// Step is the workflow step the run executes, if any.
		Step string
		// Scope lists the capability names the run may invoke.
		Scope Scope
		// TurnLimit is the maximum number of reasoning turns.
		TurnLimit int
		// Turns counts the turns started so far.
		Turns int
		// Ceiling is the run's own budget ceiling in monetary units.
		Ceiling float64
		// Spend is the amount committed so far, including child spend.
		Spend float64
		// Depth is 0 for top-level runs and increases by one per delegation.
		Depth int
		// StartedAt is the wall-clock start time.
		StartedAt time.Time
		// State is the current lifecycle state.
		State State
	}

	// Result is the terminal outcome of a run. Graceful exhaustion states are
	// results, not errors: they carry whatever partial output exists.
	Result struct {
		// RunID identifies the run that produced the result.
		RunID string `json:"run_id"`
		// ParentID identifies the parent run for child results.
		ParentID string `json:"parent_id,omitempty"`
		// State is the terminal state.
		State State `json:"state"`
		// Payload is the final answer for succeeded runs and the partial result
		// (last successful structured capability output) otherwise. Nil when no
		// output exists.
		Payload json.RawMessage `json:"payload,omitempty"`
		// Partial reports whether Payload is a partial result.
		Partial bool `json:"partial,omitempty"`
		// Reason is a human-readable explanation for non-success states. It never
		// contains internal error detail.
		Reason string `json:"reason,omitempty"`
		// Spend is the total amount committed by the run and its children.
		Spend float64 `json:"spend"`
		// Turns is the number of turns the run started.
		Turns int `json:"turns"`
		// Handle is the provider conversation handle after the last turn. It
		// stays in process: the worker stores it on the session and it is
		// never serialized into job results.
		Handle string `json:"-"`
		// LastStep is the workflow step completed by a succeeded run.
		LastStep string `json:"last_step,omitempty"`
		// Err is the internal cause of a failed run. It is kept out of
		// serialized results and external events.
		Err error `json:"-"`
	}
)

const (
	// StateRunning is the state of a run whose loop is executing.
	StateRunning State = "running"
	// StateSucceeded marks a run that produced a final answer.
	StateSucceeded State = "succeeded"
	// StateFailed marks a run terminated by a fatal error or cancellation.
	StateFailed State = "failed"
	// StateBudgetExceeded marks a run whose authorization was denied.
	StateBudgetExceeded State = "budget_exceeded"
	// StateTurnExceeded marks a run that hit its turn limit.
	StateTurnExceeded State = "turn_exceeded"
	// StateTimedOut marks a run whose wall-clock budget elapsed.
	StateTimedOut State = "timed_out"
)

// Reasons attached to terminal results.
const (
	ReasonCancelled      = "cancelled"
	ReasonTimeout        = "timeout"
	ReasonTurnLimit      = "turn limit reached"
	ReasonCapabilityFail = "capability failed"
	ReasonProviderFail   = "reasoning provider failed"
)

// Terminal reports whether s is a terminal state.
func (s State) Terminal() bool {
	switch s {
	case StateSucceeded, StateFailed, StateBudgetExceeded, StateTurnExceeded, StateTimedOut:
		return true
	default:
		return false
	}
}

// Succeeded reports whether the result is a success.
func (r *Result) Succeeded() bool {
	return r != nil && r.State == StateSucceeded
}
