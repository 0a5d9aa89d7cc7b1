package runtime

import (
	"context"
	"encoding/json"
	"errors"

	"go.opentelemetry.io/otel/codes"

	"goa.design/taskrun/runtime/task/budget"
	"goa.design/taskrun/runtime/task/hooks"
	"goa.design/taskrun/runtime/task/model"
	"goa.design/taskrun/runtime/task/run"
	"goa.design/taskrun/runtime/task/telemetry"
	"goa.design/taskrun/runtime/task/toolerrors"
	"goa.design/taskrun/runtime/task/tools"
)

type (
	// loop is the single writer of one run's state.
	loop struct {
		rt           *Runtime
		spec         run.Spec
		rec          run.Record
		handle       string
		partial      json.RawMessage
		observations []model.Observation
	}

	// callOutcome tells the turn whether the run must end after a call.
	callOutcome struct {
		state  run.State
		reason string
		err    error
	}
)

func (r *Runtime) newLoop(spec run.Spec, rec run.Record) *loop {
	rec.State = run.StateRunning
	rec.StartedAt = r.now().UTC()
	return &loop{rt: r, spec: spec, rec: rec, handle: spec.ResumeHandle}
}

// run drives the loop to a terminal result.
func (l *loop) run(ctx context.Context) *run.Result {
	ctx, span := l.rt.tracer.Start(ctx, "taskrun.run")
	defer span.End()
	span.AddEvent("run_started", "run_id", l.rec.ID, "parent_id", l.rec.ParentID, "depth", l.rec.Depth)

	l.fire(ctx, hooks.Event{Kind: hooks.RunStarted})

	res := l.turns(ctx)
	if res.State != run.StateSucceeded {
		span.SetStatus(codes.Error, string(res.State))
	}
	return res
}

func (l *loop) turns(ctx context.Context) *run.Result {
	for turn := 1; turn <= l.spec.TurnLimit; turn++ {
		if ctx.Err() != nil {
			return l.cancelled(ctx)
		}
		if l.rt.governor.Expired(l.rec.ID) {
			return l.terminate(ctx, run.StateTimedOut, run.ReasonTimeout, nil)
		}
		l.rec.Turns = turn
		l.emit(ctx, run.Event{Kind: run.EventTurnStarted, Turn: turn})

		resp, err := l.submit(ctx, turn)
		if err != nil {
			if ctx.Err() != nil {
				return l.cancelled(ctx)
			}
			if errors.Is(err, context.DeadlineExceeded) && l.rt.governor.Expired(l.rec.ID) {
				return l.terminate(ctx, run.StateTimedOut, run.ReasonTimeout, err)
			}
			return l.terminate(ctx, run.StateFailed, run.ReasonProviderFail, err)
		}
		if resp.Handle != "" {
			l.handle = resp.Handle
		}
		l.commit(ctx, resp.Cost)

		if resp.Kind == model.KindFinalAnswer {
			l.partial = nil
			res := l.result(run.StateSucceeded, "", nil)
			res.Payload = resp.Payload
			res.LastStep = l.spec.Step
			return l.finish(ctx, res)
		}
		for _, req := range resp.Requests {
			if ctx.Err() != nil {
				return l.cancelled(ctx)
			}
			if out := l.call(ctx, turn, req); out != nil {
				if out.reason == run.ReasonCancelled {
					return l.cancelled(ctx)
				}
				return l.terminate(ctx, out.state, out.reason, out.err)
			}
		}
	}
	return l.terminate(ctx, run.StateTurnExceeded, run.ReasonTurnLimit, nil)
}

// submit sends the turn to the provider. The wall-clock budget bounds the
// provider call through the context deadline.
func (l *loop) submit(ctx context.Context, turn int) (*model.Response, error) {
	req := &model.Request{
		RunID:        l.rec.ID,
		Turn:         turn,
		Handle:       l.handle,
		System:       l.spec.System,
		Capabilities: l.rt.registry.Specs(l.rec.Scope),
		Observations: l.observations,
	}
	if turn == 1 {
		req.Instruction = l.spec.Instruction
	}
	l.observations = nil
	if l.spec.Timeout > 0 {
		deadline := l.rec.StartedAt.Add(l.spec.Timeout)
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, deadline)
		defer cancel()
	}
	resp, err := l.rt.provider.Submit(ctx, req)
	if err != nil {
		return nil, err
	}
	if resp == nil {
		return nil, errors.New("reasoning provider returned no response")
	}
	return resp, nil
}

// call runs one requested capability. It returns nil when the loop may
// continue.
func (l *loop) call(ctx context.Context, turn int, req model.CapabilityRequest) *callOutcome {
	spec, known := l.rt.registry.Lookup(req.Name)
	if !known || !l.rec.Scope.Contains(req.Name) {
		l.fire(ctx, hooks.Event{
			Kind:       hooks.CallFailed,
			Turn:       turn,
			CallID:     req.ID,
			Capability: req.Name,
			Input:      req.Input,
			Failure:    hooks.FailureScopeViolation,
			Err:        ErrScopeViolation,
		})
		l.observe(ctx, turn, model.Observation{
			RequestID:      req.ID,
			Capability:     req.Name,
			Error:          "capability is not available to this task",
			ScopeViolation: true,
		})
		return nil
	}

	estimate := l.rt.costs.Estimate(spec.CostClass)
	if err := l.rt.governor.Authorize(ctx, l.rec.ID, spec.CostClass, estimate); err != nil {
		l.fire(ctx, hooks.Event{
			Kind:       hooks.CallFailed,
			Turn:       turn,
			CallID:     req.ID,
			Capability: req.Name,
			Estimate:   estimate,
			Failure:    hooks.FailureDenied,
			Err:        err,
		})
		l.observe(ctx, turn, model.Observation{RequestID: req.ID, Capability: req.Name, Error: "call not authorized", Denied: true})
		return denialOutcome(err)
	}

	l.fire(ctx, hooks.Event{
		Kind:       hooks.PreCall,
		Turn:       turn,
		CallID:     req.ID,
		Capability: req.Name,
		Input:      req.Input,
		Estimate:   estimate,
	})

	out, err := l.execute(ctx, spec, req)
	if err != nil {
		l.commit(ctx, 0)
		if ctx.Err() != nil {
			l.fire(ctx, hooks.Event{Kind: hooks.CallFailed, Turn: turn, CallID: req.ID, Capability: req.Name, Failure: hooks.FailureFatal, Err: err})
			return &callOutcome{state: run.StateFailed, reason: run.ReasonCancelled, err: err}
		}
		failure := hooks.FailureFatal
		if toolerrors.IsRetryable(err) {
			failure = hooks.FailureRetryable
		}
		l.fire(ctx, hooks.Event{
			Kind:       hooks.CallFailed,
			Turn:       turn,
			CallID:     req.ID,
			Capability: req.Name,
			Failure:    failure,
			Err:        err,
		})
		if failure == hooks.FailureFatal {
			l.rt.logger.Error(ctx, "capability failed", "run_id", l.rec.ID, "capability", req.Name, "err", err)
			return &callOutcome{state: run.StateFailed, reason: run.ReasonCapabilityFail, err: err}
		}
		l.observe(ctx, turn, model.Observation{
			RequestID:  req.ID,
			Capability: req.Name,
			Error:      observationMessage(err),
			Retryable:  true,
		})
		return nil
	}

	l.fire(ctx, hooks.Event{
		Kind:       hooks.PostCall,
		Turn:       turn,
		CallID:     req.ID,
		Capability: req.Name,
		Output:     out.Result,
		Cost:       out.Cost,
		Duration:   out.Duration,
	})
	l.commit(ctx, out.Cost)
	if isStructured(out.Result) {
		l.partial = out.Result
	}
	l.observe(ctx, turn, model.Observation{RequestID: req.ID, Capability: req.Name, Output: out.Result})
	return nil
}

// execute invokes the capability. Capabilities that do not honour
// cancellation run on a context detached from the run so an in-flight call
// always completes.
func (l *loop) execute(ctx context.Context, spec tools.Spec, req model.CapabilityRequest) (*tools.Outcome, error) {
	execCtx := ctx
	if !spec.Cancellable {
		execCtx = context.WithoutCancel(ctx)
	}
	execCtx, span := l.rt.tracer.Start(execCtx, "taskrun.capability")
	defer span.End()
	span.AddEvent("capability_call", "capability", spec.Name, "call_id", req.ID)

	inv := &tools.Invocation{
		CallID: req.ID,
		Run:    l.rec,
		Input:  req.Input,
	}
	if spec.Delegatable {
		inv.Spawner = &spawner{rt: l.rt, parent: l.rec, via: spec.Name, runCtx: ctx, cancellable: spec.Cancellable}
	}
	start := l.rt.now()
	out, err := l.rt.registry.Execute(execCtx, spec.Name, inv)
	elapsed := l.rt.now().Sub(start)

	status := "ok"
	if err != nil {
		status = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, "capability failed")
	}
	l.rt.metrics.IncCounter(telemetry.MetricCapabilityCalls, 1, "capability", spec.Name, "status", status)
	l.rt.metrics.RecordTimer(telemetry.MetricCapabilityDuration, elapsed, "capability", spec.Name)
	if err != nil {
		return nil, err
	}
	if out.Duration == 0 {
		out.Duration = elapsed
	}
	return out, nil
}

// commit records actual spend. An overspend is clamped by the governor,
// which also denies further calls, so it only needs logging here.
func (l *loop) commit(ctx context.Context, cost float64) {
	if err := l.rt.governor.Commit(l.rec.ID, cost); err != nil {
		l.rt.logger.Warn(ctx, "commit spend failed", "run_id", l.rec.ID, "cost", cost, "err", err)
	}
	if u, err := l.rt.governor.Usage(l.rec.ID); err == nil {
		l.rec.Spend = u.Spent
	}
}

func (l *loop) observe(ctx context.Context, turn int, obs model.Observation) {
	l.observations = append(l.observations, obs)
	l.emit(ctx, run.Event{
		Kind:       run.EventCapabilityResult,
		Turn:       turn,
		Capability: obs.Capability,
		Output:     obs.Output,
		Error:      obs.Error,
	})
}

func (l *loop) cancelled(ctx context.Context) *run.Result {
	return l.terminate(ctx, run.StateFailed, run.ReasonCancelled, context.Cause(ctx))
}

// terminate ends the run in a non-success state carrying the partial result.
func (l *loop) terminate(ctx context.Context, state run.State, reason string, cause error) *run.Result {
	res := l.result(state, reason, cause)
	if l.partial != nil {
		res.Payload = l.partial
		res.Partial = true
	}
	return l.finish(ctx, res)
}

func (l *loop) result(state run.State, reason string, cause error) *run.Result {
	return &run.Result{
		RunID:    l.rec.ID,
		ParentID: l.rec.ParentID,
		State:    state,
		Reason:   reason,
		Spend:    l.rec.Spend,
		Turns:    l.rec.Turns,
		Handle:   l.handle,
		Err:      cause,
	}
}

func (l *loop) finish(ctx context.Context, res *run.Result) *run.Result {
	if u, err := l.rt.governor.Usage(l.rec.ID); err == nil {
		l.rec.Spend = u.Spent
		res.Spend = u.Spent
	}
	l.rec.State = res.State
	l.rt.metrics.IncCounter(telemetry.MetricRunTerminal, 1, "state", string(res.State))
	l.rt.metrics.RecordGauge(telemetry.MetricRunSpend, res.Spend, "state", string(res.State))
	l.rt.logger.Info(ctx, "run ended",
		"run_id", res.RunID, "parent_id", res.ParentID, "state", string(res.State),
		"turns", res.Turns, "spend", res.Spend)
	l.fire(ctx, hooks.Event{Kind: hooks.RunEnded, Result: res})
	l.emit(ctx, run.Event{Kind: run.EventTerminal, Turn: res.Turns, Result: res})
	return res
}

// fire publishes a lifecycle event stamped with the current run snapshot.
// Delivery continues after cancellation so observers see the whole run.
func (l *loop) fire(ctx context.Context, evt hooks.Event) {
	evt.Run = l.rec
	if evt.Turn == 0 {
		evt.Turn = l.rec.Turns
	}
	evt.Timestamp = l.rt.now().UTC()
	l.rt.bus.Fire(context.WithoutCancel(ctx), evt)
}

// emit pushes an engine event onto the caller's channel, blocking while it
// is full. Once ctx is done only a non-blocking send is attempted.
func (l *loop) emit(ctx context.Context, evt run.Event) {
	ch := l.spec.Events
	if ch == nil {
		return
	}
	evt.RunID = l.rec.ID
	evt.Timestamp = l.rt.now().UTC()
	if ctx.Err() != nil {
		select {
		case ch <- evt:
		default:
			l.rt.logger.Warn(ctx, "engine event dropped", "run_id", l.rec.ID, "kind", string(evt.Kind))
		}
		return
	}
	select {
	case ch <- evt:
	case <-ctx.Done():
		l.rt.logger.Warn(ctx, "engine event dropped", "run_id", l.rec.ID, "kind", string(evt.Kind))
	}
}

func denialOutcome(err error) *callOutcome {
	d, ok := budget.AsDenial(err)
	if !ok {
		return &callOutcome{state: run.StateFailed, reason: "budget check failed", err: err}
	}
	if d.Kind == budget.DenyTimeout {
		return &callOutcome{state: run.StateTimedOut, reason: run.ReasonTimeout, err: err}
	}
	return &callOutcome{state: run.StateBudgetExceeded, reason: d.Reason, err: err}
}

// observationMessage returns the message reported back to the provider for
// a retryable failure.
func observationMessage(err error) string {
	var te *toolerrors.ToolError
	if errors.As(err, &te) && te.Message != "" {
		return te.Message
	}
	return "temporary capability failure"
}

func isStructured(raw json.RawMessage) bool {
	return len(raw) > 0 && json.Valid(raw) && string(raw) != "null"
}
