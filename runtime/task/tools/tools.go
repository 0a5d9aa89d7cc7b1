// Package tools defines capabilities, the named operations a task run may
// invoke, and the Registry that indexes them. Capabilities are registered once
// at process start; the registry is frozen before the first run and read
// without locking afterwards.
package tools

import (
	"context"
	"encoding/json"
	"time"

	"goa.design/taskrun/runtime/task/run"
)

type (
	// CostClass buckets capabilities by expected spend. The governor uses the
	// class estimate to pre-authorize calls before they execute.
	CostClass string

	// Spec describes a capability.
	Spec struct {
		// Name is the unique capability name used by providers and scopes.
		Name string
		// Description is shown to the reasoning provider.
		Description string
		// InputSchema is the JSON Schema the input must satisfy. Empty accepts
		// any JSON value.
		InputSchema json.RawMessage
		// CostClass selects the pre-authorization estimate.
		CostClass CostClass
		// Delegatable marks capabilities that spawn child runs. Only those
		// receive a Spawner in their Invocation.
		Delegatable bool
		// Cancellable marks capabilities that honour context cancellation.
		// Others run on a context detached from run cancellation so an
		// in-flight call always completes.
		Cancellable bool
	}

	// Capability is a named, schema-validated operation.
	Capability interface {
		// Spec returns the static description of the capability.
		Spec() Spec
		// Execute runs the capability. Failures should be classified with
		// toolerrors.Retryable or toolerrors.Fatal; unclassified errors are
		// treated as fatal.
		Execute(ctx context.Context, inv *Invocation) (*Outcome, error)
	}

	// Invocation carries the input and run context of a capability call.
	Invocation struct {
		// CallID identifies the call within the run.
		CallID string
		// Run is a snapshot of the calling run.
		Run run.Record
		// Input is the validated JSON input.
		Input json.RawMessage
		// Spawner starts child runs. Nil unless the capability is delegatable.
		Spawner Spawner
	}

	// Outcome is the result of a successful capability call.
	Outcome struct {
		// Result is the structured output appended to the run context.
		Result json.RawMessage
		// Cost is the actual spend incurred by the call, excluding child runs
		// which commit their own spend.
		Cost float64
		// SideEffects optionally lists external effects for the audit trail.
		SideEffects []string
		// Duration is filled by the registry with the measured call time.
		Duration time.Duration
	}

	// Spawner starts a budget- and scope-isolated child run and blocks until
	// it terminates.
	Spawner interface {
		Spawn(ctx context.Context, child run.ChildSpec) (*run.Result, error)
	}

	// ExecuteFunc adapts a function to Capability.Execute.
	ExecuteFunc func(ctx context.Context, inv *Invocation) (*Outcome, error)

	binding struct {
		spec Spec
		fn   ExecuteFunc
	}
)

// Standard cost classes.
const (
	CostFree     CostClass = "free"
	CostLow      CostClass = "low"
	CostMedium   CostClass = "medium"
	CostHigh     CostClass = "high"
	CostDelegate CostClass = "delegate"
)

// Bind returns a Capability described by spec and executed by fn.
func Bind(spec Spec, fn ExecuteFunc) Capability {
	return &binding{spec: spec, fn: fn}
}

func (b *binding) Spec() Spec { return b.spec }

func (b *binding) Execute(ctx context.Context, inv *Invocation) (*Outcome, error) {
	return b.fn(ctx, inv)
}
