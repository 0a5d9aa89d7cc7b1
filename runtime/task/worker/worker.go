// Package worker implements the job handler that turns a dequeued job into a
// top-level task run. For each job it resolves or creates the session of the
// job's session key, wires a per-job hook bus (external event stream, audit
// trail, cost circuit breaker and job progress), runs the engine resuming the
// stored conversation handle and persists the advanced session.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"goa.design/taskrun/runtime/task/hooks"
	"goa.design/taskrun/runtime/task/jobs"
	"goa.design/taskrun/runtime/task/run"
	"goa.design/taskrun/runtime/task/runlog"
	"goa.design/taskrun/runtime/task/runtime"
	"goa.design/taskrun/runtime/task/session"
	"goa.design/taskrun/runtime/task/stream"
	"goa.design/taskrun/runtime/task/telemetry"
)

type (
	// Deps are the process-wide collaborators built once at startup.
	Deps struct {
		// Runtime executes runs. Required.
		Runtime *runtime.Runtime
		// Sessions persists sessions. Required.
		Sessions session.Store
		// Sink is the external event channel. Optional.
		Sink stream.Sink
		// RunLog receives the audit trail. Optional.
		RunLog runlog.Store
		// Steps configures each workflow step. Jobs for unknown steps use
		// DefaultStep.
		Steps map[string]StepConfig
		// DefaultStep applies to steps without an entry in Steps.
		DefaultStep StepConfig
		// Breaker configures the cost circuit breaker. A zero MaxCallCost
		// only checks the governor record.
		Breaker hooks.BreakerOptions
		// Observers are registered on every per-job bus, after the built-in
		// ones.
		Observers []hooks.Observer
		// Logger emits structured logs.
		Logger telemetry.Logger
	}

	// StepConfig describes how to run a workflow step.
	StepConfig struct {
		// System is the system instruction.
		System string `yaml:"system"`
		// Instruction is used when the job input carries none.
		Instruction string `yaml:"instruction"`
		// Scope lists the capabilities the step may invoke.
		Scope []string `yaml:"scope"`
		// TurnLimit bounds the turns of the run.
		TurnLimit int `yaml:"turn_limit"`
		// Ceiling is the run's budget ceiling.
		Ceiling float64 `yaml:"ceiling"`
		// SessionCeiling is the aggregate ceiling of the run tree.
		SessionCeiling float64 `yaml:"session_ceiling"`
		// Timeout is the run's wall-clock budget.
		Timeout time.Duration `yaml:"timeout"`
	}

	// Input is the job payload understood by the orchestrator.
	Input struct {
		// Instruction is the user instruction for the step.
		Instruction string `json:"instruction,omitempty"`
		// Restart clears the session conversation before running.
		Restart bool `json:"restart,omitempty"`
	}

	// Orchestrator is the jobs.Handler running task runs.
	Orchestrator struct {
		deps   Deps
		logger telemetry.Logger
	}
)

// New returns an Orchestrator using deps.
func New(deps Deps) (*Orchestrator, error) {
	if deps.Runtime == nil {
		return nil, errors.New("runtime is required")
	}
	if deps.Sessions == nil {
		return nil, errors.New("session store is required")
	}
	return &Orchestrator{deps: deps, logger: telemetry.OrNoopLogger(deps.Logger)}, nil
}

// Handle implements jobs.Handler. The run result is always returned once the
// run started. A run that failed, other than by cancellation, fails the job
// with the run reason; a run that stopped on a budget, turn or time limit
// completes the job with the reason recorded as its error.
func (o *Orchestrator) Handle(ctx context.Context, job *jobs.Job, progress jobs.ProgressFunc) (json.RawMessage, error) {
	var in Input
	if len(job.Input) > 0 {
		if err := json.Unmarshal(job.Input, &in); err != nil {
			return nil, jobs.Permanent(fmt.Errorf("decode job input: %w", err))
		}
	}
	cfg, ok := o.deps.Steps[job.Step]
	if !ok {
		cfg = o.deps.DefaultStep
	}
	instruction := in.Instruction
	if instruction == "" {
		instruction = cfg.Instruction
	}

	if in.Restart {
		if err := o.deps.Sessions.Clear(ctx, job.SessionKey); err != nil && !errors.Is(err, session.ErrSessionNotFound) {
			return nil, fmt.Errorf("clear session: %w", err)
		}
	}
	sess, created, err := session.LoadOrNew(ctx, o.deps.Sessions, job.SessionKey)
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}

	spec, err := o.spec(job, cfg, instruction, sess)
	if err != nil {
		return nil, jobs.Permanent(err)
	}
	bus, err := o.bus(progress)
	if err != nil {
		return nil, err
	}
	o.logger.Info(ctx, "running job", "job_id", job.ID, "session_key", job.SessionKey,
		"session_id", sess.ID, "step", job.Step, "resumed", sess.ConversationHandle != "", "new_session", created)

	res, err := o.deps.Runtime.WithHooks(bus).Run(ctx, spec)
	if err != nil {
		return nil, fmt.Errorf("start run: %w", err)
	}

	// The session is saved even when the job context ended so spend and the
	// conversation handle are not lost.
	if err := o.persist(context.WithoutCancel(ctx), sess, job.Step, res); err != nil {
		return nil, err
	}
	if cause := context.Cause(ctx); cause != nil {
		return nil, cause
	}
	out, err := json.Marshal(res)
	if err != nil {
		return nil, fmt.Errorf("encode run result: %w", err)
	}
	switch {
	case res.Succeeded():
		return out, nil
	case res.State == run.StateFailed && res.Reason != run.ReasonCancelled:
		o.logger.Warn(ctx, "run failed", "job_id", job.ID, "run_id", res.RunID, "reason", res.Reason, "err", res.Err)
		return out, jobs.Fail(res.Reason)
	default:
		return out, jobs.Incomplete(res.Reason)
	}
}

func (o *Orchestrator) spec(job *jobs.Job, cfg StepConfig, instruction string, sess *session.Session) (run.Spec, error) {
	opts := []run.Option{
		run.WithSession(job.SessionKey, job.Step),
		run.WithSystem(cfg.System),
		run.WithScope(cfg.Scope...),
		run.WithResumeHandle(sess.ConversationHandle),
	}
	if cfg.TurnLimit > 0 {
		opts = append(opts, run.WithTurnLimit(cfg.TurnLimit))
	}
	if cfg.Ceiling > 0 {
		opts = append(opts, run.WithCeiling(cfg.Ceiling))
	}
	if cfg.SessionCeiling > 0 {
		opts = append(opts, run.WithSessionCeiling(cfg.SessionCeiling))
	}
	if cfg.Timeout > 0 {
		opts = append(opts, run.WithTimeout(cfg.Timeout))
	}
	spec, err := run.NewSpec(instruction, opts...)
	if err != nil {
		return run.Spec{}, fmt.Errorf("job %s: %w", job.ID, err)
	}
	return spec, nil
}

// bus builds the per-job hook bus.
func (o *Orchestrator) bus(progress jobs.ProgressFunc) (hooks.Bus, error) {
	bus := hooks.NewBus(hooks.Options{Logger: o.logger})
	breaker, err := hooks.NewCostBreaker(o.deps.Runtime.Governor(), o.deps.Breaker)
	if err != nil {
		return nil, err
	}
	observers := []hooks.Observer{breaker, progressObserver(progress)}
	if o.deps.RunLog != nil {
		audit, err := hooks.NewAuditObserver(o.deps.RunLog)
		if err != nil {
			return nil, err
		}
		observers = append(observers, audit)
	}
	if o.deps.Sink != nil {
		sub, err := stream.NewSubscriber(o.deps.Sink)
		if err != nil {
			return nil, err
		}
		observers = append(observers, sub)
	}
	observers = append(observers, o.deps.Observers...)
	for _, obs := range observers {
		if _, err := bus.Register(obs); err != nil {
			return nil, err
		}
	}
	return bus, nil
}

// persist records the run outcome on the session. The last step only
// advances on success.
func (o *Orchestrator) persist(ctx context.Context, sess *session.Session, step string, res *run.Result) error {
	if res.Handle != "" {
		sess.ConversationHandle = res.Handle
	}
	sess.CumulativeSpend += res.Spend
	if res.Succeeded() && step != "" {
		sess.LastStep = step
	}
	if err := o.deps.Sessions.Save(ctx, sess); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

// progressObserver forwards the top-level run progress to the job.
func progressObserver(progress jobs.ProgressFunc) hooks.Observer {
	return hooks.ObserverFunc(func(ctx context.Context, evt hooks.Event) error {
		if progress == nil {
			return nil
		}
		out, ok := stream.Translate(evt)
		if !ok || out.ProgressPercent == nil || evt.Run.ParentID != "" {
			return nil
		}
		progress(ctx, *out.ProgressPercent)
		return nil
	})
}
