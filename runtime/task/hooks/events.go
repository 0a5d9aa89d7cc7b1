package hooks

import (
	"encoding/json"
	"time"

	"goa.design/taskrun/runtime/task/run"
)

type (
	// Kind identifies a lifecycle point of the reasoning loop.
	Kind string

	// FailureKind classifies call_failed events.
	FailureKind string

	// Event is fired on the bus at each lifecycle point. Fields irrelevant to
	// a kind are left zero.
	Event struct {
		// Kind is the lifecycle point.
		Kind Kind
		// Run is a snapshot of the run when the event fired.
		Run run.Record
		// Turn is the 1-based turn of call events.
		Turn int
		// CallID identifies the capability call.
		CallID string
		// Capability is the capability name of call events.
		Capability string
		// Input is the capability input (pre_call).
		Input json.RawMessage
		// Estimate is the authorized estimate (pre_call).
		Estimate float64
		// Output is the capability output (post_call).
		Output json.RawMessage
		// Cost is the actual cost reported by the capability (post_call).
		Cost float64
		// Duration is the measured call time (post_call, call_failed).
		Duration time.Duration
		// Failure classifies call_failed events.
		Failure FailureKind
		// Err is the internal failure cause. Observers publishing externally
		// must not forward it.
		Err error
		// Result is the terminal result (run_ended).
		Result *run.Result
		// Timestamp is when the event fired.
		Timestamp time.Time
	}
)

const (
	// RunStarted fires once when a run begins.
	RunStarted Kind = "run_started"
	// PreCall fires after authorization, before a capability executes.
	PreCall Kind = "pre_call"
	// PostCall fires after a capability succeeds.
	PostCall Kind = "post_call"
	// CallFailed fires when a capability fails or is refused.
	CallFailed Kind = "call_failed"
	// RunEnded fires once with the terminal result.
	RunEnded Kind = "run_ended"
)

const (
	// FailureScopeViolation marks a request outside the run scope.
	FailureScopeViolation FailureKind = "scope_violation"
	// FailureRetryable marks a transient capability failure.
	FailureRetryable FailureKind = "retryable"
	// FailureFatal marks a failure that terminates the run.
	FailureFatal FailureKind = "fatal"
	// FailureDenied marks a call refused by the budget governor.
	FailureDenied FailureKind = "denied"
)
