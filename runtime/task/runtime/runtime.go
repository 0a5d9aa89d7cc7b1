// Package runtime implements the reasoning-loop engine and the task spawner.
//
// A Runtime owns the capability registry, the reasoning provider, the budget
// governor and the lifecycle hook bus. Run drives a top-level run: each turn
// it submits the conversation to the provider, executes the requested
// capabilities one at a time under governor authorization, fires lifecycle
// hooks around every call and feeds the results back as observations until
// the provider returns a final answer or a limit is reached. Delegatable
// capabilities receive a Spawner that starts child runs with a narrowed scope
// and their own budget, charged to the parent's accounting.
//
// Run outcomes are results, not errors: budget, turn and time exhaustion,
// capability failures and cancellation all produce a terminal run.Result.
// Run only returns an error when the run could not start.
//
// Example:
//
//	rt, err := runtime.New(runtime.Options{Registry: reg, Provider: provider})
//	if err != nil {
//		return err
//	}
//	spec, err := run.NewSpec("research brand names", run.WithScope("search"))
//	if err != nil {
//		return err
//	}
//	res, err := rt.Run(ctx, spec)
package runtime

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"goa.design/taskrun/runtime/task/budget"
	"goa.design/taskrun/runtime/task/hooks"
	"goa.design/taskrun/runtime/task/model"
	"goa.design/taskrun/runtime/task/policy"
	"goa.design/taskrun/runtime/task/run"
	"goa.design/taskrun/runtime/task/telemetry"
	"goa.design/taskrun/runtime/task/tools"
)

type (
	// Runtime executes task runs. It is safe for concurrent use.
	Runtime struct {
		registry *tools.Registry
		provider model.Provider
		governor *budget.Governor
		bus      hooks.Bus
		policy   policy.Policy
		costs    tools.CostTable
		logger   telemetry.Logger
		metrics  telemetry.Metrics
		tracer   telemetry.Tracer
		now      func() time.Time
	}

	// Options configures a Runtime.
	Options struct {
		// Registry indexes the capabilities. It is frozen by New.
		Registry *tools.Registry
		// Provider is the reasoning provider.
		Provider model.Provider
		// Governor enforces budgets. A governor without credit checks or
		// anomaly detection is created when nil.
		Governor *budget.Governor
		// Hooks is the lifecycle hook bus. An empty bus is created when nil.
		Hooks hooks.Bus
		// Policy bounds delegation. Nil applies policy.DefaultChildDefaults
		// and no per-capability maximum scope.
		Policy policy.Policy
		// Costs overrides the per-class estimates of tools.DefaultCostTable.
		Costs tools.CostTable
		// Logger emits structured logs.
		Logger telemetry.Logger
		// Metrics records capability and run metrics.
		Metrics telemetry.Metrics
		// Tracer emits run and capability spans.
		Tracer telemetry.Tracer
	}
)

var (
	// ErrScopeViolation is recorded when the provider requests a capability
	// outside the run scope. The call is refused and the loop continues.
	ErrScopeViolation = errors.New("capability outside run scope")
	// ErrDelegationDepth is returned by Spawn when the delegation depth limit
	// is reached.
	ErrDelegationDepth = errors.New("delegation depth limit reached")
)

// New returns a Runtime configured with opts.
func New(opts Options) (*Runtime, error) {
	if opts.Registry == nil {
		return nil, errors.New("capability registry is required")
	}
	if opts.Provider == nil {
		return nil, errors.New("reasoning provider is required")
	}
	logger := telemetry.OrNoopLogger(opts.Logger)
	metrics := telemetry.OrNoopMetrics(opts.Metrics)
	gov := opts.Governor
	if gov == nil {
		gov = budget.New(budget.Options{Logger: logger, Metrics: metrics})
	}
	bus := opts.Hooks
	if bus == nil {
		bus = hooks.NewBus(hooks.Options{Logger: logger})
	}
	opts.Registry.Freeze()
	return &Runtime{
		registry: opts.Registry,
		provider: opts.Provider,
		governor: gov,
		bus:      bus,
		policy:   opts.Policy,
		costs:    tools.DefaultCostTable().Merge(opts.Costs),
		logger:   logger,
		metrics:  metrics,
		tracer:   telemetry.OrNoopTracer(opts.Tracer),
		now:      time.Now,
	}, nil
}

// WithHooks returns a copy of r publishing lifecycle events to bus. Workers
// use it to attach per-job observers without sharing them across jobs.
func (r *Runtime) WithHooks(bus hooks.Bus) *Runtime {
	cp := *r
	if bus != nil {
		cp.bus = bus
	}
	return &cp
}

// Governor returns the budget governor.
func (r *Runtime) Governor() *budget.Governor { return r.governor }

// Registry returns the frozen capability registry.
func (r *Runtime) Registry() *tools.Registry { return r.registry }

// Run executes a top-level run to a terminal state.
func (r *Runtime) Run(ctx context.Context, spec run.Spec) (*run.Result, error) {
	if err := spec.Validate(); err != nil {
		return nil, fmt.Errorf("invalid run spec: %w", err)
	}
	id := spec.RunID
	if id == "" {
		id = newRunID()
	}
	err := r.governor.Register(budget.Account{
		RunID:          id,
		Ceiling:        spec.Ceiling,
		SessionCeiling: spec.SessionCeiling,
		Timeout:        spec.Timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("register run budget: %w", err)
	}
	defer r.release(ctx, id)

	l := r.newLoop(spec, run.Record{
		ID:         id,
		SessionKey: spec.SessionKey,
		Step:       spec.Step,
		Scope:      spec.Scope,
		TurnLimit:  spec.TurnLimit,
		Ceiling:    spec.Ceiling,
	})
	return l.run(ctx), nil
}

func (r *Runtime) release(ctx context.Context, runID string) {
	if _, err := r.governor.Release(runID); err != nil {
		r.logger.Warn(ctx, "release run budget failed", "run_id", runID, "err", err)
	}
}

func newRunID() string {
	return "run-" + uuid.NewString()
}
