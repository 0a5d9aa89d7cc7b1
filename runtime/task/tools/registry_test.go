package tools

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"goa.design/taskrun/runtime/task/run"
	"goa.design/taskrun/runtime/task/toolerrors"
)

const searchSchema = `{
	"type": "object",
	"properties": {"query": {"type": "string", "minLength": 1}},
	"required": ["query"],
	"additionalProperties": false
}`

func echo(name string, schema string) Capability {
	return Bind(Spec{Name: name, InputSchema: json.RawMessage(schema), CostClass: CostLow},
		func(_ context.Context, inv *Invocation) (*Outcome, error) {
			return &Outcome{Result: inv.Input, Cost: 0.01}, nil
		})
}

func TestRegisterAndFreeze(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(echo("search", searchSchema)))
	require.Error(t, r.Register(echo("search", "")), "duplicate names are rejected")
	require.Error(t, r.Register(echo("", "")))
	require.Error(t, r.Register(nil))

	r.Freeze()
	require.True(t, r.Frozen())
	err := r.Register(echo("draft", ""))
	require.ErrorIs(t, err, ErrFrozen)

	spec, ok := r.Lookup("search")
	require.True(t, ok)
	require.Equal(t, CostLow, spec.CostClass)
	_, ok = r.Lookup("draft")
	require.False(t, ok)
	require.Equal(t, []string{"search"}, r.Names())
}

func TestRegisterRejectsMalformedSchema(t *testing.T) {
	r := NewRegistry()
	require.Error(t, r.Register(echo("bad", `{"type": 12}`)))
	require.Error(t, r.Register(echo("broken", `{"type":`)))
}

func TestExecuteValidatesInput(t *testing.T) {
	r := NewRegistry()
	r.MustRegister(echo("search", searchSchema), echo("free", ""))
	r.Freeze()
	ctx := context.Background()

	out, err := r.Execute(ctx, "search", &Invocation{Input: json.RawMessage(`{"query":"shoes"}`)})
	require.NoError(t, err)
	require.JSONEq(t, `{"query":"shoes"}`, string(out.Result))
	require.GreaterOrEqual(t, out.Duration.Nanoseconds(), int64(0))

	_, err = r.Execute(ctx, "search", &Invocation{Input: json.RawMessage(`{"query":""}`)})
	require.Error(t, err)
	require.True(t, toolerrors.IsRetryable(err), "schema violations are retryable")

	_, err = r.Execute(ctx, "search", &Invocation{Input: json.RawMessage(`{"q":1`)})
	require.Error(t, err)

	_, err = r.Execute(ctx, "free", &Invocation{})
	require.NoError(t, err)

	_, err = r.Execute(ctx, "missing", &Invocation{})
	require.ErrorIs(t, err, ErrUnknownCapability)
	require.ErrorIs(t, r.Validate("missing", nil), ErrUnknownCapability)
}

func TestSpecsFiltersByScope(t *testing.T) {
	r := NewRegistry()
	r.MustRegister(echo("a", ""), echo("b", ""), echo("c", ""))
	r.Freeze()
	specs := r.Specs(run.NewScope("c", "a", "zzz"))
	require.Len(t, specs, 2)
	require.Equal(t, "a", specs[0].Name)
	require.Equal(t, "c", specs[1].Name)
}

func TestCostTable(t *testing.T) {
	table := DefaultCostTable().Merge(CostTable{CostHigh: 1})
	require.Equal(t, 1.0, table.Estimate(CostHigh))
	require.Equal(t, 0.01, table.Estimate(""))
	require.Equal(t, 0.05, table.Estimate("exotic"))
	require.Equal(t, 0.05, CostTable{}.Estimate("exotic"))
}

func TestFanOutWaitsForAll(t *testing.T) {
	var done atomic.Int32
	fn := func(v int, err error) func(context.Context) (int, error) {
		return func(context.Context) (int, error) {
			done.Add(1)
			return v, err
		}
	}
	res, err := FanOut(context.Background(), fn(1, nil), fn(2, errors.New("boom")), fn(3, nil))
	require.EqualError(t, err, "boom")
	require.Equal(t, int32(3), done.Load())
	require.Equal(t, []int{1, 2, 3}, res)
}
