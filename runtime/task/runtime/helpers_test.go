package runtime

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"goa.design/taskrun/runtime/task/hooks"
	"goa.design/taskrun/runtime/task/model"
	"goa.design/taskrun/runtime/task/run"
	"goa.design/taskrun/runtime/task/tools"
)

type hookRecorder struct {
	mu     sync.Mutex
	events []hooks.Event
}

func (h *hookRecorder) HandleEvent(_ context.Context, evt hooks.Event) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, evt)
	return nil
}

func (h *hookRecorder) kinds(runID string) []hooks.Kind {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []hooks.Kind
	for _, e := range h.events {
		if runID == "" || e.Run.ID == runID {
			out = append(out, e.Kind)
		}
	}
	return out
}

func (h *hookRecorder) failures() []hooks.FailureKind {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []hooks.FailureKind
	for _, e := range h.events {
		if e.Kind == hooks.CallFailed {
			out = append(out, e.Failure)
		}
	}
	return out
}

// newTestRuntime builds a runtime whose bus is recorded.
func newTestRuntime(t *testing.T, provider model.Provider, opts Options, caps ...tools.Capability) (*Runtime, *hookRecorder) {
	t.Helper()
	reg := tools.NewRegistry()
	reg.MustRegister(caps...)
	opts.Registry = reg
	opts.Provider = provider
	rec := &hookRecorder{}
	bus := hooks.NewBus(hooks.Options{})
	_, err := bus.Register(rec)
	require.NoError(t, err)
	opts.Hooks = bus
	rt, err := New(opts)
	require.NoError(t, err)
	return rt, rec
}

func capability(name string, class tools.CostClass, fn tools.ExecuteFunc) tools.Capability {
	return tools.Bind(tools.Spec{Name: name, CostClass: class}, fn)
}

func constant(result string, cost float64) tools.ExecuteFunc {
	return func(context.Context, *tools.Invocation) (*tools.Outcome, error) {
		return &tools.Outcome{Result: json.RawMessage(result), Cost: cost}, nil
	}
}

func request(id, name string) model.CapabilityRequest {
	return model.CapabilityRequest{ID: id, Name: name, Input: json.RawMessage(`{}`)}
}

func mustSpec(t *testing.T, instruction string, opts ...run.Option) run.Spec {
	t.Helper()
	spec, err := run.NewSpec(instruction, opts...)
	require.NoError(t, err)
	return spec
}
