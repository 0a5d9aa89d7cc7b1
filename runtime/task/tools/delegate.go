package tools

import (
	"context"
	"encoding/json"
	"time"

	"goa.design/taskrun/runtime/task/run"
	"goa.design/taskrun/runtime/task/toolerrors"
)

type (
	// DelegateInput is the input of a capability built with Delegate.
	DelegateInput struct {
		Instruction    string   `json:"instruction"`
		System         string   `json:"system,omitempty"`
		Scope          []string `json:"scope,omitempty"`
		TurnLimit      int      `json:"turn_limit,omitempty"`
		Ceiling        float64  `json:"ceiling,omitempty"`
		TimeoutSeconds int      `json:"timeout_seconds,omitempty"`
	}

	// DelegateOutput reports the child run outcome to the parent.
	DelegateOutput struct {
		RunID   string          `json:"run_id"`
		State   run.State       `json:"state"`
		Payload json.RawMessage `json:"payload,omitempty"`
		Partial bool            `json:"partial,omitempty"`
		Reason  string          `json:"reason,omitempty"`
		Spend   float64         `json:"spend"`
	}
)

const delegateSchema = `{
  "type": "object",
  "required": ["instruction"],
  "additionalProperties": false,
  "properties": {
    "instruction": {"type": "string", "minLength": 1},
    "system": {"type": "string"},
    "scope": {"type": "array", "items": {"type": "string"}},
    "turn_limit": {"type": "integer", "minimum": 0},
    "ceiling": {"type": "number", "minimum": 0},
    "timeout_seconds": {"type": "integer", "minimum": 0}
  }
}`

// Delegate returns a delegatable capability that runs a child task with the
// requested instruction and scope and returns its outcome. A child that ends
// in any state other than succeeded is still a successful call: the parent
// decides what to do with the partial result.
func Delegate(name, description string) Capability {
	spec := Spec{
		Name:        name,
		Description: description,
		InputSchema: json.RawMessage(delegateSchema),
		CostClass:   CostDelegate,
		Delegatable: true,
		Cancellable: true,
	}
	return Bind(spec, func(ctx context.Context, inv *Invocation) (*Outcome, error) {
		if inv.Spawner == nil {
			return nil, toolerrors.Fatal("delegation unavailable", nil)
		}
		var in DelegateInput
		if err := json.Unmarshal(inv.Input, &in); err != nil {
			return nil, toolerrors.Fatal("invalid delegation input", err)
		}
		var requested run.Scope
		if len(in.Scope) > 0 {
			requested = run.NewScope(in.Scope...)
		}
		res, err := inv.Spawner.Spawn(ctx, run.ChildSpec{
			Instruction:    in.Instruction,
			System:         in.System,
			RequestedScope: requested,
			TurnLimit:      in.TurnLimit,
			Ceiling:        in.Ceiling,
			Timeout:        time.Duration(in.TimeoutSeconds) * time.Second,
		})
		if err != nil {
			// A refused child (depth limit) leaves the parent running.
			return nil, toolerrors.Retryable("delegation refused", err)
		}
		out, err := json.Marshal(DelegateOutput{
			RunID:   res.RunID,
			State:   res.State,
			Payload: res.Payload,
			Partial: res.Partial,
			Reason:  res.Reason,
			Spend:   res.Spend,
		})
		if err != nil {
			return nil, toolerrors.Fatal("encode delegation result", err)
		}
		return &Outcome{Result: out}, nil
	})
}
