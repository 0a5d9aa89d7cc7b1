package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"goa.design/taskrun/runtime/task/hooks"
	"goa.design/taskrun/runtime/task/model"
	"goa.design/taskrun/runtime/task/model/scripted"
	"goa.design/taskrun/runtime/task/run"
	"goa.design/taskrun/runtime/task/toolerrors"
	"goa.design/taskrun/runtime/task/tools"
)

func TestRunFinalAnswer(t *testing.T) {
	provider := scripted.New(
		scripted.Respond(model.Requests("h1", 0.02, request("c1", "lookup"))),
		scripted.Respond(model.Final(json.RawMessage(`{"answer":42}`), "h2", 0.01)),
	)
	rt, rec := newTestRuntime(t, provider, Options{}, capability("lookup", tools.CostLow, constant(`{"n":1}`, 0.01)))

	events := make(chan run.Event, 16)
	spec := mustSpec(t, "find the answer",
		run.WithRunID("r1"), run.WithScope("lookup"), run.WithSystem("be brief"),
		run.WithSession("brand-1", "research"), run.WithEvents(events))
	res, err := rt.Run(context.Background(), spec)
	require.NoError(t, err)

	require.Equal(t, run.StateSucceeded, res.State)
	require.JSONEq(t, `{"answer":42}`, string(res.Payload))
	require.False(t, res.Partial)
	require.Equal(t, "h2", res.Handle)
	require.Equal(t, "research", res.LastStep)
	require.Equal(t, 2, res.Turns)
	require.InDelta(t, 0.04, res.Spend, 1e-9)

	require.Equal(t, []hooks.Kind{hooks.RunStarted, hooks.PreCall, hooks.PostCall, hooks.RunEnded}, rec.kinds("r1"))

	close(events)
	var kinds []run.EventKind
	for e := range events {
		require.Equal(t, "r1", e.RunID)
		kinds = append(kinds, e.Kind)
	}
	require.Equal(t, []run.EventKind{
		run.EventTurnStarted, run.EventCapabilityResult, run.EventTurnStarted, run.EventTerminal,
	}, kinds)

	reqs := provider.Requests()
	require.Len(t, reqs, 2)
	require.Equal(t, "find the answer", reqs[0].Instruction)
	require.Equal(t, "be brief", reqs[0].System)
	require.Empty(t, reqs[0].Handle)
	require.Len(t, reqs[0].Capabilities, 1)
	require.Empty(t, reqs[1].Instruction)
	require.Equal(t, "h1", reqs[1].Handle)
	require.Len(t, reqs[1].Observations, 1)
	require.JSONEq(t, `{"n":1}`, string(reqs[1].Observations[0].Output))
}

func TestRunResumesFromHandle(t *testing.T) {
	provider := scripted.New(scripted.Respond(model.Final(json.RawMessage(`"ok"`), "h9", 0)))
	rt, _ := newTestRuntime(t, provider, Options{})
	res, err := rt.Run(context.Background(), mustSpec(t, "next step", run.WithResumeHandle("h8")))
	require.NoError(t, err)
	require.True(t, res.Succeeded())
	require.Equal(t, "h8", provider.Requests()[0].Handle)
}

func TestRunRejectsInvalidSpec(t *testing.T) {
	rt, _ := newTestRuntime(t, scripted.New(), Options{})
	_, err := rt.Run(context.Background(), run.Spec{Instruction: "x"})
	require.Error(t, err)
}

func TestTurnExceededCarriesLastOutput(t *testing.T) {
	var n atomic.Int32
	lookup := capability("lookup", tools.CostLow, func(context.Context, *tools.Invocation) (*tools.Outcome, error) {
		v := n.Add(1)
		out, _ := json.Marshal(map[string]int32{"n": v})
		return &tools.Outcome{Result: out}, nil
	})
	provider := scripted.New().WithFallback(scripted.Respond(model.Requests("h", 0, request("c", "lookup"))))
	rt, _ := newTestRuntime(t, provider, Options{}, lookup)

	res, err := rt.Run(context.Background(), mustSpec(t, "loop", run.WithScope("lookup"), run.WithTurnLimit(3)))
	require.NoError(t, err)
	require.Equal(t, run.StateTurnExceeded, res.State)
	require.True(t, res.Partial)
	require.JSONEq(t, `{"n":3}`, string(res.Payload))
	require.Equal(t, 3, res.Turns)
	require.Equal(t, run.ReasonTurnLimit, res.Reason)
}

func TestTurnExceededWithoutOutputHasNilPartial(t *testing.T) {
	flaky := capability("flaky", tools.CostLow, func(context.Context, *tools.Invocation) (*tools.Outcome, error) {
		return nil, toolerrors.Retryable("upstream busy", nil)
	})
	provider := scripted.New().WithFallback(scripted.Respond(model.Requests("h", 0, request("c", "flaky"))))
	rt, rec := newTestRuntime(t, provider, Options{}, flaky)

	res, err := rt.Run(context.Background(), mustSpec(t, "loop", run.WithScope("flaky"), run.WithTurnLimit(2)))
	require.NoError(t, err)
	require.Equal(t, run.StateTurnExceeded, res.State)
	require.Nil(t, res.Payload)
	require.False(t, res.Partial)
	require.Equal(t, []hooks.FailureKind{hooks.FailureRetryable, hooks.FailureRetryable}, rec.failures())

	obs := provider.Requests()[1].Observations
	require.Len(t, obs, 1)
	require.True(t, obs[0].Retryable)
	require.Equal(t, "upstream busy", obs[0].Error)
}

func TestScopeViolationContinuesLoop(t *testing.T) {
	var adminCalls atomic.Int32
	admin := capability("admin", tools.CostLow, func(context.Context, *tools.Invocation) (*tools.Outcome, error) {
		adminCalls.Add(1)
		return &tools.Outcome{}, nil
	})
	provider := scripted.New(
		scripted.Respond(model.Requests("h", 0, request("a", "admin"), request("g", "ghost"), request("l", "lookup"))),
		scripted.Respond(model.Final(json.RawMessage(`"done"`), "h", 0)),
	)
	rt, rec := newTestRuntime(t, provider, Options{}, admin, capability("lookup", tools.CostLow, constant(`{"ok":true}`, 0)))

	res, err := rt.Run(context.Background(), mustSpec(t, "go", run.WithScope("lookup")))
	require.NoError(t, err)
	require.Equal(t, run.StateSucceeded, res.State)
	require.Zero(t, adminCalls.Load())
	require.Equal(t, []hooks.FailureKind{hooks.FailureScopeViolation, hooks.FailureScopeViolation}, rec.failures())

	obs := provider.Requests()[1].Observations
	require.Len(t, obs, 3)
	require.True(t, obs[0].ScopeViolation)
	require.True(t, obs[1].ScopeViolation)
	require.False(t, obs[2].ScopeViolation)
	for _, c := range provider.Requests()[0].Capabilities {
		require.Equal(t, "lookup", c.Name)
	}
}

func TestFatalCapabilityFailureEndsRun(t *testing.T) {
	boom := errors.New("disk corrupted at /var/lib/x")
	provider := scripted.New(
		scripted.Respond(model.Requests("h", 0, request("c1", "write"), request("c2", "lookup"))),
		scripted.Respond(model.Final(json.RawMessage(`"unreachable"`), "h", 0)),
	)
	var lookups atomic.Int32
	rt, rec := newTestRuntime(t, provider, Options{},
		capability("write", tools.CostLow, func(context.Context, *tools.Invocation) (*tools.Outcome, error) {
			return nil, boom
		}),
		capability("lookup", tools.CostLow, func(context.Context, *tools.Invocation) (*tools.Outcome, error) {
			lookups.Add(1)
			return &tools.Outcome{}, nil
		}),
	)
	res, err := rt.Run(context.Background(), mustSpec(t, "go", run.WithScope("write", "lookup")))
	require.NoError(t, err)
	require.Equal(t, run.StateFailed, res.State)
	require.Equal(t, run.ReasonCapabilityFail, res.Reason)
	require.ErrorIs(t, res.Err, boom)
	require.NotContains(t, res.Reason, "/var/lib")
	require.Zero(t, lookups.Load())
	require.Len(t, provider.Requests(), 1)
	require.Equal(t, []hooks.FailureKind{hooks.FailureFatal}, rec.failures())
}

func TestSchemaViolationIsRetryable(t *testing.T) {
	strict := tools.Bind(tools.Spec{
		Name:        "strict",
		CostClass:   tools.CostLow,
		InputSchema: json.RawMessage(`{"type":"object","required":["q"],"properties":{"q":{"type":"string"}}}`),
	}, constant(`{"ok":true}`, 0))
	provider := scripted.New(
		scripted.Respond(model.Requests("h", 0, request("c1", "strict"))),
		scripted.Respond(model.Requests("h", 0, model.CapabilityRequest{ID: "c2", Name: "strict", Input: json.RawMessage(`{"q":"x"}`)})),
		scripted.Respond(model.Final(json.RawMessage(`"done"`), "h", 0)),
	)
	rt, _ := newTestRuntime(t, provider, Options{}, strict)
	res, err := rt.Run(context.Background(), mustSpec(t, "go", run.WithScope("strict")))
	require.NoError(t, err)
	require.True(t, res.Succeeded())
	obs := provider.Requests()[1].Observations
	require.True(t, obs[0].Retryable)
	require.NotEmpty(t, obs[0].Error)
}

func TestBudgetDenialEndsRunWithoutExecuting(t *testing.T) {
	var calls atomic.Int32
	expensive := capability("render", tools.CostHigh, func(context.Context, *tools.Invocation) (*tools.Outcome, error) {
		calls.Add(1)
		return &tools.Outcome{}, nil
	})
	provider := scripted.New(scripted.Respond(model.Requests("h", 0, request("c", "render"))))
	rt, rec := newTestRuntime(t, provider, Options{}, expensive)

	res, err := rt.Run(context.Background(), mustSpec(t, "go", run.WithScope("render"), run.WithCeiling(0.05)))
	require.NoError(t, err)
	require.Equal(t, run.StateBudgetExceeded, res.State)
	require.Zero(t, calls.Load())
	require.Equal(t, []hooks.FailureKind{hooks.FailureDenied}, rec.failures())
}

func TestTimeoutDenialEndsRunTimedOut(t *testing.T) {
	provider := scripted.New().WithFallback(func(context.Context, *model.Request) (*model.Response, error) {
		time.Sleep(30 * time.Millisecond)
		return model.Requests("h", 0, request("c", "lookup")), nil
	})
	rt, _ := newTestRuntime(t, provider, Options{}, capability("lookup", tools.CostLow, constant(`{}`, 0)))
	res, err := rt.Run(context.Background(), mustSpec(t, "go",
		run.WithScope("lookup"), run.WithTimeout(10*time.Millisecond), run.WithTurnLimit(5)))
	require.NoError(t, err)
	require.Equal(t, run.StateTimedOut, res.State)
	require.Equal(t, run.ReasonTimeout, res.Reason)
}

func TestProviderFailureEndsRunFailed(t *testing.T) {
	provider := scripted.New(scripted.Fail(errors.New("502 from upstream")))
	rt, _ := newTestRuntime(t, provider, Options{})
	res, err := rt.Run(context.Background(), mustSpec(t, "go"))
	require.NoError(t, err)
	require.Equal(t, run.StateFailed, res.State)
	require.Equal(t, run.ReasonProviderFail, res.Reason)
}

func TestCancellationFinishesInFlightCall(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var calls atomic.Int32
	var callCancelled atomic.Bool
	slow := capability("slow", tools.CostLow, func(ctx context.Context, _ *tools.Invocation) (*tools.Outcome, error) {
		if calls.Add(1) == 1 {
			close(started)
		}
		<-release
		callCancelled.Store(ctx.Err() != nil)
		return &tools.Outcome{Result: json.RawMessage(`{"slow":true}`)}, nil
	})
	provider := scripted.New().WithFallback(scripted.Respond(model.Requests("h", 0, request("s1", "slow"), request("s2", "slow"))))
	rt, rec := newTestRuntime(t, provider, Options{}, slow)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var wg sync.WaitGroup
	var (
		res    *run.Result
		runErr error
	)
	spec := mustSpec(t, "go", run.WithRunID("r"), run.WithScope("slow"))
	wg.Add(1)
	go func() {
		defer wg.Done()
		res, runErr = rt.Run(ctx, spec)
	}()
	<-started
	cancel()
	close(release)
	wg.Wait()

	require.NoError(t, runErr)

	require.Equal(t, run.StateFailed, res.State)
	require.Equal(t, run.ReasonCancelled, res.Reason)
	require.EqualValues(t, 1, calls.Load(), "no call is issued after cancellation")
	require.False(t, callCancelled.Load(), "in-flight call is not cancelled")
	require.Len(t, provider.Requests(), 1)
	require.True(t, res.Partial)
	require.Equal(t, []hooks.Kind{hooks.RunStarted, hooks.PreCall, hooks.PostCall, hooks.RunEnded}, rec.kinds("r"))
}

func TestCancellableCapabilityObservesCancellation(t *testing.T) {
	started := make(chan struct{})
	waiter := tools.Bind(tools.Spec{Name: "wait", CostClass: tools.CostLow, Cancellable: true},
		func(ctx context.Context, _ *tools.Invocation) (*tools.Outcome, error) {
			close(started)
			<-ctx.Done()
			return nil, toolerrors.Fatal("interrupted", ctx.Err())
		})
	provider := scripted.New(scripted.Respond(model.Requests("h", 0, request("w", "wait"))))
	rt, _ := newTestRuntime(t, provider, Options{}, waiter)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()
	res, err := rt.Run(ctx, mustSpec(t, "go", run.WithScope("wait")))
	require.NoError(t, err)
	require.Equal(t, run.StateFailed, res.State)
	require.Equal(t, run.ReasonCancelled, res.Reason)
}
