// Command demo runs the task runtime fully in memory: a drafting step that
// delegates a lookup to a scoped child run, a review step that resumes the
// same conversation, and an audit step stopped by its budget ceiling.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"slices"
	"sync"
	"time"

	"goa.design/clue/log"

	"goa.design/taskrun/runtime/task/jobs"
	jobsinmem "goa.design/taskrun/runtime/task/jobs/inmem"
	"goa.design/taskrun/runtime/task/model"
	"goa.design/taskrun/runtime/task/policy"
	taskrun "goa.design/taskrun/runtime/task/run"
	runloginmem "goa.design/taskrun/runtime/task/runlog/inmem"
	"goa.design/taskrun/runtime/task/runtime"
	sessioninmem "goa.design/taskrun/runtime/task/session/inmem"
	streaminmem "goa.design/taskrun/runtime/task/stream/inmem"
	"goa.design/taskrun/runtime/task/telemetry"
	"goa.design/taskrun/runtime/task/tools"
	"goa.design/taskrun/runtime/task/worker"
)

const sessionKey = "order-42"

func main() {
	ctx := log.Context(context.Background(), log.WithFormat(log.FormatTerminal))
	if err := run(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	logger := telemetry.NewClueLogger()

	registry := tools.NewRegistry()
	registry.MustRegister(
		tools.Bind(tools.Spec{
			Name:        "search",
			Description: "Search past orders.",
			InputSchema: json.RawMessage(`{"type":"object","required":["query"],"properties":{"query":{"type":"string"}}}`),
			CostClass:   tools.CostLow,
		}, func(_ context.Context, inv *tools.Invocation) (*tools.Outcome, error) {
			return &tools.Outcome{Result: json.RawMessage(`{"orders":2}`), Cost: 0.004}, nil
		}),
		tools.Bind(tools.Spec{Name: "deep_search", Description: "Exhaustive search.", CostClass: tools.CostHigh},
			func(ctx context.Context, _ *tools.Invocation) (*tools.Outcome, error) {
				shard := func(n int) func(context.Context) (int, error) {
					return func(context.Context) (int, error) { return n * 10, nil }
				}
				counts, err := tools.FanOut(ctx, shard(1), shard(1), shard(2))
				if err != nil {
					return nil, err
				}
				total := 0
				for _, c := range counts {
					total += c
				}
				out, err := json.Marshal(map[string]int{"orders": total})
				if err != nil {
					return nil, err
				}
				return &tools.Outcome{Result: out, Cost: 0.2}, nil
			}),
		tools.Delegate("delegate", "Delegate a lookup to a child run."),
	)
	rt, err := runtime.New(runtime.Options{
		Registry: registry,
		Provider: demoProvider(),
		Policy: policy.Static{
			Scopes:   map[string]taskrun.Scope{"delegate": taskrun.NewScope("search")},
			Defaults: policy.ChildDefaults{TurnLimit: 3, Ceiling: 0.05},
		},
		Logger: logger,
	})
	if err != nil {
		return err
	}

	broker := streaminmem.NewBroker()
	events, cancel := broker.Subscribe(sessionKey, 64)
	defer cancel()
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for evt := range events {
			pct := ""
			if evt.ProgressPercent != nil {
				pct = fmt.Sprintf(" %d%%", *evt.ProgressPercent)
			}
			fmt.Printf("  event %-16s %s%s %s\n", evt.Kind, evt.Tool, pct, evt.Message)
		}
	}()

	sessions := sessioninmem.NewStore()
	audit := runloginmem.New()
	orchestrator, err := worker.New(worker.Deps{
		Runtime:  rt,
		Sessions: sessions,
		Sink:     broker,
		RunLog:   audit,
		Steps: map[string]worker.StepConfig{
			"draft":  {System: "You draft replies.", Scope: []string{"search", "delegate"}, TurnLimit: 4, Ceiling: 0.10},
			"review": {System: "You review drafts.", TurnLimit: 2, Ceiling: 0.05},
			"audit":  {System: "You audit orders.", Scope: []string{"search", "deep_search"}, TurnLimit: 4, Ceiling: 0.05},
		},
		Logger: logger,
	})
	if err != nil {
		return err
	}
	dispatcher, err := jobs.NewDispatcher(jobs.Options{
		Store:        jobsinmem.New(),
		Handler:      orchestrator,
		Workers:      2,
		PollInterval: 10 * time.Millisecond,
		Logger:       logger,
	})
	if err != nil {
		return err
	}
	if err := dispatcher.Start(ctx); err != nil {
		return err
	}

	for _, step := range []struct{ name, instruction string }{
		{"draft", "draft a reply to the customer"},
		{"review", "review the draft"},
		{"audit", "search everything"},
	} {
		fmt.Printf("job %s\n", step.name)
		input, _ := json.Marshal(worker.Input{Instruction: step.instruction})
		id, err := dispatcher.Enqueue(ctx, jobs.Request{SessionKey: sessionKey, Step: step.name, Input: input})
		if err != nil {
			return err
		}
		view, err := wait(ctx, dispatcher, id)
		if err != nil {
			return err
		}
		var res taskrun.Result
		if err := json.Unmarshal(view.Result, &res); err != nil {
			return err
		}
		fmt.Printf("  result state=%s spend=%.3f payload=%s partial=%t %s\n", res.State, res.Spend, res.Payload, res.Partial, res.Reason)
	}

	sess, err := sessions.Load(ctx, sessionKey)
	if err != nil {
		return err
	}
	fmt.Printf("session %s last_step=%s handle=%s spend=%.3f\n", sess.Key, sess.LastStep, sess.ConversationHandle, sess.CumulativeSpend)

	trail, err := audit.ListSession(ctx, sessionKey, "", 1000)
	if err != nil {
		return err
	}
	runs := map[string]bool{}
	for _, e := range trail.Events {
		runs[e.RunID] = true
	}
	fmt.Printf("audit trail: %d events across %d runs\n", len(trail.Events), len(runs))

	if err := dispatcher.Stop(ctx); err != nil {
		return err
	}
	cancel()
	wg.Wait()
	return nil
}

func wait(ctx context.Context, d *jobs.Dispatcher, id string) (*jobs.StatusView, error) {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		view, err := d.GetStatus(ctx, id)
		if err != nil {
			return nil, err
		}
		if view.Status.Terminal() {
			if view.Status != jobs.StatusCompleted {
				return nil, fmt.Errorf("job %s ended %s: %s", id, view.Status, view.Error)
			}
			return view, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// demoProvider scripts the reasoning provider by looking at the submission.
func demoProvider() model.Provider {
	return model.ProviderFunc(func(_ context.Context, req *model.Request) (*model.Response, error) {
		handle := req.Handle
		if handle == "" {
			handle = "conv-" + req.RunID
		}
		var last string
		if len(req.Observations) > 0 {
			last = req.Observations[0].Capability
		}
		switch {
		case req.Instruction == "look up prior orders":
			return model.Requests(handle, 0.002,
				model.CapabilityRequest{ID: "s1", Name: "search", Input: json.RawMessage(`{"query":"order-42"}`)}), nil
		case last == "search":
			return model.Final(json.RawMessage(`{"prior_orders":2}`), handle, 0.002), nil
		case req.Instruction == "draft a reply to the customer":
			return model.Requests(handle, 0.003, model.CapabilityRequest{
				ID:    "d1",
				Name:  "delegate",
				Input: json.RawMessage(`{"instruction":"look up prior orders","scope":["search","deep_search"]}`),
			}), nil
		case last == "delegate":
			return model.Final(json.RawMessage(`{"draft":"Thanks for ordering again!"}`), handle, 0.003), nil
		case req.Instruction == "search everything":
			return model.Requests(handle, 0.002,
				model.CapabilityRequest{ID: "a1", Name: "search", Input: json.RawMessage(`{"query":"*"}`)},
				model.CapabilityRequest{ID: "a2", Name: "deep_search", Input: json.RawMessage(`{}`)}), nil
		case slices.ContainsFunc(req.Capabilities, func(s tools.Spec) bool { return s.Name == "delegate" }):
			return model.Final(json.RawMessage(`{"note":"nothing to do"}`), handle, 0.001), nil
		default:
			return model.Final(json.RawMessage(`{"review":"approved"}`), handle, 0.001), nil
		}
	})
}
