package budget

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"goa.design/taskrun/runtime/task/tools"
)

// TestSpendNeverExceedsCeiling hammers a parent run and two children with
// concurrent authorize/commit pairs, including commits that report more than
// was authorized, and samples the accounts while the calls run.
func TestSpendNeverExceedsCeiling(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("spend stays within every ceiling", prop.ForAll(
		func(ceiling, sessionCeiling float64, estimates []float64, factors []float64) bool {
			ctx := context.Background()
			g := New(Options{})
			runs := []string{"root", "child-a", "child-b"}
			if err := g.Register(Account{RunID: "root", Ceiling: ceiling, SessionCeiling: sessionCeiling}); err != nil {
				return false
			}
			for _, c := range runs[1:] {
				if err := g.Register(Account{RunID: c, ParentID: "root", Ceiling: ceiling / 2}); err != nil {
					return false
				}
			}
			limits := map[string]float64{"root": ceiling, "child-a": ceiling / 2, "child-b": ceiling / 2}

			var violated atomic.Bool
			check := func() {
				for _, r := range runs {
					u, err := g.Usage(r)
					if err != nil || u.Spent > limits[r]+epsilon {
						violated.Store(true)
					}
				}
				if u, err := g.Usage("root"); err != nil || u.Spent > sessionCeiling+epsilon {
					violated.Store(true)
				}
			}

			var wg sync.WaitGroup
			done := make(chan struct{})
			wg.Add(1)
			go func() {
				defer wg.Done()
				for {
					select {
					case <-done:
						return
					default:
						check()
					}
				}
			}()

			var calls sync.WaitGroup
			for i, est := range estimates {
				factor := 1.0
				if len(factors) > 0 {
					factor = factors[i%len(factors)]
				}
				runID := runs[i%len(runs)]
				calls.Add(1)
				go func(runID string, est, actual float64) {
					defer calls.Done()
					if err := g.Authorize(ctx, runID, tools.CostMedium, est); err != nil {
						return
					}
					_ = g.Commit(runID, actual)
				}(runID, est, est*factor)
			}
			calls.Wait()
			close(done)
			wg.Wait()
			check()
			return !violated.Load()
		},
		gen.Float64Range(0.1, 5),
		gen.Float64Range(0.1, 5),
		gen.SliceOf(gen.Float64Range(0, 1)),
		gen.SliceOf(gen.Float64Range(0, 2)),
	))

	properties.TestingRun(t)
}

// TestReservationsNeverOverbook checks that the sum of outstanding
// authorizations never exceeds the ceiling when no call commits.
func TestReservationsNeverOverbook(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("granted estimates fit the ceiling", prop.ForAll(
		func(ceiling float64, estimates []float64) bool {
			ctx := context.Background()
			g := New(Options{})
			if err := g.Register(Account{RunID: "r", Ceiling: ceiling}); err != nil {
				return false
			}
			var (
				mu      sync.Mutex
				granted float64
				wg      sync.WaitGroup
			)
			for _, est := range estimates {
				wg.Add(1)
				go func(est float64) {
					defer wg.Done()
					if g.Authorize(ctx, "r", tools.CostLow, est) == nil {
						mu.Lock()
						granted += est
						mu.Unlock()
					}
				}(est)
			}
			wg.Wait()
			return granted <= ceiling+1e-6
		},
		gen.Float64Range(0.01, 3),
		gen.SliceOf(gen.Float64Range(0, 1)),
	))

	properties.TestingRun(t)
}

func ExampleGovernor() {
	ctx := context.Background()
	g := New(Options{})
	_ = g.Register(Account{RunID: "run-1", Ceiling: 1})
	if err := g.Authorize(ctx, "run-1", tools.CostMedium, 0.25); err == nil {
		_ = g.Commit("run-1", 0.2)
	}
	rem, _ := g.Remaining("run-1")
	fmt.Printf("%.2f\n", rem)
	// Output: 0.80
}
