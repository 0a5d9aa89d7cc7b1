package hooks

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"goa.design/taskrun/runtime/task/budget"
	"goa.design/taskrun/runtime/task/telemetry"
)

type (
	// Ledger is the subset of the budget governor the cost breaker needs.
	Ledger interface {
		Usage(runID string) (budget.Usage, error)
		ForceDeny(runID, reason string) error
	}

	// CostBreaker keeps its own tally of the costs reported in post_call
	// events (charging child costs to their ancestors) and force-denies a run
	// when the governor's record falls behind that tally or when a single
	// call reports more than MaxCallCost.
	CostBreaker struct {
		ledger      Ledger
		tolerance   float64
		maxCallCost float64
		logger      telemetry.Logger

		mu      sync.Mutex
		tallies map[string]*tally
	}

	// BreakerOptions configures a CostBreaker.
	BreakerOptions struct {
		// Tolerance is the allowed gap between the tally and the governor.
		// Defaults to 1e-6.
		Tolerance float64
		// MaxCallCost trips the breaker for any single call reporting more.
		// Zero disables the check.
		MaxCallCost float64
		// Logger receives trip logs.
		Logger telemetry.Logger
	}

	tally struct {
		parent string
		total  float64
	}
)

// NewCostBreaker returns a breaker backed by ledger.
func NewCostBreaker(ledger Ledger, opts BreakerOptions) (*CostBreaker, error) {
	if ledger == nil {
		return nil, errors.New("ledger is required")
	}
	tol := opts.Tolerance
	if tol <= 0 {
		tol = 1e-6
	}
	return &CostBreaker{
		ledger:      ledger,
		tolerance:   tol,
		maxCallCost: opts.MaxCallCost,
		logger:      telemetry.OrNoopLogger(opts.Logger),
		tallies:     make(map[string]*tally),
	}, nil
}

// HandleEvent implements Observer.
func (b *CostBreaker) HandleEvent(ctx context.Context, evt Event) error {
	id := evt.Run.ID
	switch evt.Kind {
	case RunStarted:
		b.mu.Lock()
		b.tallies[id] = &tally{parent: evt.Run.ParentID}
		b.mu.Unlock()
	case PostCall:
		if b.maxCallCost > 0 && evt.Cost > b.maxCallCost {
			return b.trip(ctx, id, fmt.Sprintf("capability %s reported cost above hard limit", evt.Capability))
		}
		b.mu.Lock()
		prior := 0.0
		if t, ok := b.tallies[id]; ok {
			prior = t.total
		}
		for cur := id; cur != ""; {
			t, ok := b.tallies[cur]
			if !ok {
				break
			}
			t.total += evt.Cost
			cur = t.parent
		}
		b.mu.Unlock()
		usage, err := b.ledger.Usage(id)
		if err != nil {
			return err
		}
		if prior > usage.Spent+b.tolerance {
			return b.trip(ctx, id, "recorded spend is below reported costs")
		}
	case RunEnded:
		b.mu.Lock()
		delete(b.tallies, id)
		b.mu.Unlock()
	}
	return nil
}

// Tally returns the breaker's own total for runID.
func (b *CostBreaker) Tally(runID string) float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	if t, ok := b.tallies[runID]; ok {
		return t.total
	}
	return 0
}

func (b *CostBreaker) trip(ctx context.Context, runID, reason string) error {
	b.logger.Warn(ctx, "cost circuit breaker tripped", "run_id", runID, "reason", reason)
	return b.ledger.ForceDeny(runID, reason)
}
