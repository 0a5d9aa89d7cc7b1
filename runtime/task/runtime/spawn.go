package runtime

import (
	"context"
	"errors"
	"fmt"

	"goa.design/taskrun/runtime/task/budget"
	"goa.design/taskrun/runtime/task/policy"
	"goa.design/taskrun/runtime/task/run"
)

// spawner is the tools.Spawner handed to delegatable capabilities. It binds
// the parent snapshot and the delegating capability so a capability cannot
// widen its own grant.
type spawner struct {
	rt          *Runtime
	parent      run.Record
	via         string
	runCtx      context.Context
	cancellable bool
}

// Spawn implements tools.Spawner. Children of capabilities that ignore
// cancellation follow the parent run's context so a cancelled parent stops
// its children between calls.
func (s *spawner) Spawn(ctx context.Context, child run.ChildSpec) (*run.Result, error) {
	if !s.cancellable {
		ctx = s.runCtx
	}
	return s.rt.Spawn(ctx, s.parent, s.via, child)
}

// Spawn starts a child run of parent on behalf of the capability via and
// blocks until it terminates. The child scope is the intersection of the
// requested scope, the policy maximum for via and the parent scope, minus
// via itself, so it is always strictly narrower than the parent's. A nil
// requested scope asks for everything the parent may grant. The child's
// spend is charged to the parent's accounting. Budget, turn and time
// exhaustion of the child are normal results; an error means the child
// could not start.
func (r *Runtime) Spawn(ctx context.Context, parent run.Record, via string, child run.ChildSpec) (*run.Result, error) {
	if parent.ID == "" {
		return nil, errors.New("parent run is required")
	}
	if child.Instruction == "" {
		return nil, errors.New("child instruction is required")
	}
	defaults := policy.DefaultChildDefaults
	if r.policy != nil {
		defaults = r.policy.ChildDefaults().Or(policy.DefaultChildDefaults)
	}
	depth := parent.Depth + 1
	if defaults.MaxDepth > 0 && depth > defaults.MaxDepth {
		return nil, fmt.Errorf("%w: depth %d", ErrDelegationDepth, depth)
	}

	spec := run.Spec{
		SessionKey:  parent.SessionKey,
		Step:        parent.Step,
		System:      child.System,
		Instruction: child.Instruction,
		Scope:       r.childScope(parent, via, child.RequestedScope),
		TurnLimit:   firstPositive(child.TurnLimit, defaults.TurnLimit),
		Ceiling:     child.Ceiling,
		Timeout:     child.Timeout,
	}
	if spec.Ceiling <= 0 {
		spec.Ceiling = defaults.Ceiling
	}
	if spec.Timeout <= 0 {
		spec.Timeout = defaults.Timeout
	}
	if err := spec.Validate(); err != nil {
		return nil, fmt.Errorf("invalid child spec: %w", err)
	}

	id := newRunID()
	err := r.governor.Register(budget.Account{
		RunID:    id,
		ParentID: parent.ID,
		Ceiling:  spec.Ceiling,
		Timeout:  spec.Timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("register child budget: %w", err)
	}
	defer r.release(ctx, id)

	r.logger.Debug(ctx, "spawning child run",
		"run_id", id, "parent_id", parent.ID, "via", via, "scope", []string(spec.Scope), "ceiling", spec.Ceiling)
	l := r.newLoop(spec, run.Record{
		ID:         id,
		ParentID:   parent.ID,
		SessionKey: parent.SessionKey,
		Step:       parent.Step,
		Scope:      spec.Scope,
		TurnLimit:  spec.TurnLimit,
		Ceiling:    spec.Ceiling,
		Depth:      depth,
	})
	return l.run(ctx), nil
}

// childScope computes the least-privilege scope of a child run.
func (r *Runtime) childScope(parent run.Record, via string, requested run.Scope) run.Scope {
	if requested == nil {
		requested = parent.Scope
	}
	scope := requested.Intersect(parent.Scope)
	if r.policy != nil {
		if limit, ok := r.policy.MaxScope(via); ok {
			scope = scope.Intersect(limit)
		}
	}
	out := scope[:0:0]
	for _, name := range scope {
		if name != via {
			out = append(out, name)
		}
	}
	return out
}

func firstPositive(vals ...int) int {
	for _, v := range vals {
		if v > 0 {
			return v
		}
	}
	return 0
}
