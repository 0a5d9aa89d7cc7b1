package budget

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"goa.design/taskrun/runtime/task/tools"
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time          { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newClock() *fakeClock { return &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)} }

func TestAuthorizeCommitRemaining(t *testing.T) {
	ctx := context.Background()
	g := New(Options{})
	require.NoError(t, g.Register(Account{RunID: "r", Ceiling: 1}))

	require.NoError(t, g.Authorize(ctx, "r", tools.CostMedium, 0.4))
	rem, err := g.Remaining("r")
	require.NoError(t, err)
	require.InDelta(t, 0.6, rem, 1e-9, "reservations reduce the remaining budget")

	require.NoError(t, g.Commit("r", 0.3))
	rem, err = g.Remaining("r")
	require.NoError(t, err)
	require.InDelta(t, 0.7, rem, 1e-9)

	err = g.Authorize(ctx, "r", tools.CostHigh, 0.8)
	d, ok := AsDenial(err)
	require.True(t, ok)
	require.Equal(t, DenyBudget, d.Kind)
	require.InDelta(t, 0.7, d.Remaining, 1e-9)
}

func TestUnknownRun(t *testing.T) {
	g := New(Options{})
	require.ErrorIs(t, g.Authorize(context.Background(), "nope", tools.CostLow, 0.1), ErrUnknownRun)
	require.ErrorIs(t, g.Commit("nope", 0.1), ErrUnknownRun)
	_, err := g.Remaining("nope")
	require.ErrorIs(t, err, ErrUnknownRun)
	_, err = g.Release("nope")
	require.ErrorIs(t, err, ErrUnknownRun)
	require.ErrorIs(t, g.ForceDeny("nope", ""), ErrUnknownRun)
	require.ErrorIs(t, g.Register(Account{RunID: "c", ParentID: "nope", Ceiling: 1}), ErrUnknownRun)
}

func TestRegisterValidation(t *testing.T) {
	g := New(Options{})
	require.Error(t, g.Register(Account{Ceiling: 1}))
	require.Error(t, g.Register(Account{RunID: "r"}))
	require.NoError(t, g.Register(Account{RunID: "r", Ceiling: 1}))
	require.Error(t, g.Register(Account{RunID: "r", Ceiling: 1}))
}

func TestChildSpendChargedToParent(t *testing.T) {
	ctx := context.Background()
	g := New(Options{})
	require.NoError(t, g.Register(Account{RunID: "p", Ceiling: 1}))
	require.NoError(t, g.Register(Account{RunID: "c", ParentID: "p", Ceiling: 5}))

	require.NoError(t, g.Authorize(ctx, "c", tools.CostHigh, 0.9))
	require.NoError(t, g.Commit("c", 0.9))

	pu, err := g.Usage("p")
	require.NoError(t, err)
	require.InDelta(t, 0.9, pu.Spent, 1e-9)

	err = g.Authorize(ctx, "c", tools.CostHigh, 0.2)
	d, ok := AsDenial(err)
	require.True(t, ok, "child is capped by the parent's remaining budget")
	require.Equal(t, DenyParentBudget, d.Kind)

	cu, err := g.Release("c")
	require.NoError(t, err)
	require.InDelta(t, 0.9, cu.Spent, 1e-9)
	pu, err = g.Usage("p")
	require.NoError(t, err)
	require.InDelta(t, 0.9, pu.Spent, 1e-9, "released child spend stays charged")
}

// Parent ceiling 2.00, three children capped at 0.90 each, aggregate ceiling
// 2.00: run sequentially the children would spend 2.70, so the third child is
// denied once the tree reaches 2.00 although it is far below its own cap.
func TestAggregateSessionCeiling(t *testing.T) {
	ctx := context.Background()
	g := New(Options{})
	require.NoError(t, g.Register(Account{RunID: "parent", Ceiling: 2.00, SessionCeiling: 2.00}))

	spent := map[string]float64{}
	var denied []string
	for _, child := range []string{"c1", "c2", "c3"} {
		require.NoError(t, g.Register(Account{RunID: child, ParentID: "parent", Ceiling: 0.90}))
		for i := 0; i < 9; i++ {
			err := g.Authorize(ctx, child, tools.CostMedium, 0.10)
			if err != nil {
				d, ok := AsDenial(err)
				require.True(t, ok)
				require.Contains(t, []DenyKind{DenySession, DenyParentBudget}, d.Kind)
				denied = append(denied, child)
				break
			}
			require.NoError(t, g.Commit(child, 0.10))
		}
		u, err := g.Release(child)
		require.NoError(t, err)
		spent[child] = u.Spent
	}
	require.Equal(t, []string{"c3"}, denied)
	require.InDelta(t, 0.20, spent["c3"], 1e-9)
	u, err := g.Usage("parent")
	require.NoError(t, err)
	require.InDelta(t, 2.00, u.Spent, 1e-9)
}

func TestSessionCeilingIndependentOfRunCeiling(t *testing.T) {
	ctx := context.Background()
	g := New(Options{})
	require.NoError(t, g.Register(Account{RunID: "root", Ceiling: 10, SessionCeiling: 1}))
	require.NoError(t, g.Authorize(ctx, "root", tools.CostHigh, 0.8))
	require.NoError(t, g.Commit("root", 0.8))
	d, ok := AsDenial(g.Authorize(ctx, "root", tools.CostHigh, 0.3))
	require.True(t, ok)
	require.Equal(t, DenySession, d.Kind)
	rem, err := g.Remaining("root")
	require.NoError(t, err)
	require.InDelta(t, 0.2, rem, 1e-9)
}

func TestTimeout(t *testing.T) {
	clock := newClock()
	g := New(Options{Clock: clock.Now})
	require.NoError(t, g.Register(Account{RunID: "r", Ceiling: 1, Timeout: time.Minute}))
	require.NoError(t, g.Register(Account{RunID: "c", ParentID: "r", Ceiling: 1}))
	require.NoError(t, g.Authorize(context.Background(), "r", tools.CostLow, 0.1))
	require.False(t, g.Expired("c"))

	clock.Advance(time.Minute)
	require.True(t, g.Expired("r"))
	require.True(t, g.Expired("c"), "children inherit the ancestor deadline")
	d, ok := AsDenial(g.Authorize(context.Background(), "c", tools.CostLow, 0.1))
	require.True(t, ok)
	require.Equal(t, DenyTimeout, d.Kind)
}

func TestCreditCheckFailsClosed(t *testing.T) {
	ctx := context.Background()
	calls := 0
	g := New(Options{Credits: CreditCheckerFunc(func(_ context.Context, _ string, class tools.CostClass, _ float64) error {
		calls++
		switch class {
		case tools.CostHigh:
			return ErrInsufficientCredits
		case tools.CostMedium:
			return errors.New("credit service unavailable")
		default:
			return nil
		}
	})})
	require.NoError(t, g.Register(Account{RunID: "r", Ceiling: 1}))

	require.NoError(t, g.Authorize(ctx, "r", tools.CostLow, 0.1))

	err := g.Authorize(ctx, "r", tools.CostHigh, 0.1)
	d, ok := AsDenial(err)
	require.True(t, ok)
	require.Equal(t, DenyCredits, d.Kind)
	require.Equal(t, "insufficient credits", d.Reason)
	require.ErrorIs(t, err, ErrInsufficientCredits)

	d, ok = AsDenial(g.Authorize(ctx, "r", tools.CostMedium, 0.1))
	require.True(t, ok)
	require.Equal(t, "credit check failed", d.Reason)
	require.Equal(t, 3, calls)

	u, err := g.Usage("r")
	require.NoError(t, err)
	require.InDelta(t, 0.1, u.Reserved, 1e-9, "denied calls reserve nothing")
}

func TestAnomalyBlocksNewRunsOnly(t *testing.T) {
	ctx := context.Background()
	clock := newClock()
	g := New(Options{Clock: clock.Now, SpendRateLimit: 1, SpendRateWindow: time.Minute})
	require.NoError(t, g.Register(Account{RunID: "old", Ceiling: 10}))

	require.NoError(t, g.Authorize(ctx, "old", tools.CostHigh, 1.5))
	require.NoError(t, g.Commit("old", 1.5))
	require.True(t, g.AnomalyTripped())

	require.NoError(t, g.Authorize(ctx, "old", tools.CostLow, 0.1), "in-flight work completes")
	require.NoError(t, g.Commit("old", 0.1))

	clock.Advance(time.Second)
	require.NoError(t, g.Register(Account{RunID: "new", Ceiling: 10}))
	d, ok := AsDenial(g.Authorize(ctx, "new", tools.CostLow, 0.1))
	require.True(t, ok)
	require.Equal(t, DenyAnomaly, d.Kind)

	clock.Advance(2 * time.Minute)
	require.False(t, g.AnomalyTripped())
	require.NoError(t, g.Authorize(ctx, "new", tools.CostLow, 0.1))
}

func TestAnomalyBlocksChildrenSpawnedAfterTrip(t *testing.T) {
	ctx := context.Background()
	clock := newClock()
	g := New(Options{Clock: clock.Now, SpendRateLimit: 1, SpendRateWindow: time.Minute})
	require.NoError(t, g.Register(Account{RunID: "root", Ceiling: 10}))
	require.NoError(t, g.Register(Account{RunID: "early", ParentID: "root", Ceiling: 5}))

	clock.Advance(time.Second)
	require.NoError(t, g.Authorize(ctx, "root", tools.CostHigh, 1.5))
	require.NoError(t, g.Commit("root", 1.5))
	require.True(t, g.AnomalyTripped())

	clock.Advance(time.Second)
	require.NoError(t, g.Register(Account{RunID: "late", ParentID: "root", Ceiling: 5}))
	d, ok := AsDenial(g.Authorize(ctx, "late", tools.CostLow, 0.1))
	require.True(t, ok)
	require.Equal(t, DenyAnomaly, d.Kind)

	require.NoError(t, g.Authorize(ctx, "early", tools.CostLow, 0.1), "children registered before the trip continue")
	require.NoError(t, g.Authorize(ctx, "root", tools.CostLow, 0.1))
}

func TestForceDenyCoversDescendants(t *testing.T) {
	ctx := context.Background()
	g := New(Options{})
	require.NoError(t, g.Register(Account{RunID: "p", Ceiling: 1}))
	require.NoError(t, g.Register(Account{RunID: "c", ParentID: "p", Ceiling: 1}))
	require.NoError(t, g.ForceDeny("p", ""))
	d, ok := AsDenial(g.Authorize(ctx, "c", tools.CostLow, 0.01))
	require.True(t, ok)
	require.Equal(t, DenyForced, d.Kind)
	require.Equal(t, "denied by circuit breaker", d.Reason)
}

func TestCommitClampsOverspend(t *testing.T) {
	ctx := context.Background()
	g := New(Options{})
	require.NoError(t, g.Register(Account{RunID: "r", Ceiling: 1}))
	require.NoError(t, g.Authorize(ctx, "r", tools.CostHigh, 0.5))
	err := g.Commit("r", 1.4)
	require.ErrorIs(t, err, ErrOverspend)

	u, err := g.Usage("r")
	require.NoError(t, err)
	require.InDelta(t, 1.0, u.Spent, 1e-9)
	require.InDelta(t, 0.4, u.Overage, 1e-9)

	d, ok := AsDenial(g.Authorize(ctx, "r", tools.CostFree, 0))
	require.True(t, ok, "overspent runs are denied")
	require.Equal(t, DenyForced, d.Kind)
}

func TestReleaseDropsReservations(t *testing.T) {
	ctx := context.Background()
	g := New(Options{})
	require.NoError(t, g.Register(Account{RunID: "p", Ceiling: 1}))
	require.NoError(t, g.Register(Account{RunID: "c", ParentID: "p", Ceiling: 1}))
	require.NoError(t, g.Authorize(ctx, "c", tools.CostHigh, 0.7))
	_, err := g.Release("c")
	require.NoError(t, err)
	u, err := g.Usage("p")
	require.NoError(t, err)
	require.Zero(t, u.Reserved)
}
