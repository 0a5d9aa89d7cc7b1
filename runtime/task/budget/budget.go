// Package budget implements the Governor, the cross-cutting component consulted
// before and after every capability call to enforce spend and time ceilings.
//
// Each registered run owns an account seeded from its ceiling. Authorize
// reserves the estimated cost on the run and on every ancestor, so a child's
// spend is charged against its parent's accounting and concurrent
// authorizations can never jointly overspend. On top of the per-run check the
// governor enforces an aggregate ceiling for the whole run tree, a wall-clock
// timeout, an external credit check and a process-wide spend-rate anomaly
// detector. Any failing layer denies further calls for that run only.
package budget

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"goa.design/taskrun/runtime/task/telemetry"
	"goa.design/taskrun/runtime/task/tools"
)

type (
	// Governor tracks budgets for active runs. All methods are safe for
	// concurrent use; every counter mutation happens under a single lock.
	Governor struct {
		mu       sync.Mutex
		accounts map[string]*account
		credits  CreditChecker
		anomaly  *rateWindow
		logger   telemetry.Logger
		metrics  telemetry.Metrics
		now      func() time.Time
	}

	// Options configures a Governor.
	Options struct {
		// Credits is consulted on every authorization when set. Errors deny
		// the authorization (fail closed).
		Credits CreditChecker
		// SpendRateLimit is the maximum process-wide spend allowed within
		// SpendRateWindow. Zero disables anomaly detection.
		SpendRateLimit float64
		// SpendRateWindow is the rolling window for SpendRateLimit. Defaults
		// to one minute.
		SpendRateWindow time.Duration
		// Logger receives denial and overspend logs.
		Logger telemetry.Logger
		// Metrics receives denial counters.
		Metrics telemetry.Metrics
		// Clock overrides time.Now, mostly for tests.
		Clock func() time.Time
	}

	// Account describes a run to register.
	Account struct {
		// RunID identifies the run.
		RunID string
		// ParentID links a child run to its parent. The parent must be
		// registered.
		ParentID string
		// Ceiling is the run's own budget.
		Ceiling float64
		// SessionCeiling is the aggregate ceiling for the tree rooted at this
		// run. Ignored for child runs, which inherit the root's ceiling.
		SessionCeiling float64
		// Timeout is the run's wall-clock budget. Zero disables it.
		Timeout time.Duration
	}

	// Usage is a snapshot of a run's account.
	Usage struct {
		Ceiling  float64
		Spent    float64
		Reserved float64
		// Overage is the spend reported above the ceiling and not recorded.
		Overage float64
	}

	// CreditChecker verifies that externally held credits cover a call.
	CreditChecker interface {
		CheckCredits(ctx context.Context, runID string, class tools.CostClass, estimate float64) error
	}

	// CreditCheckerFunc adapts a function to CreditChecker.
	CreditCheckerFunc func(ctx context.Context, runID string, class tools.CostClass, estimate float64) error

	account struct {
		id             string
		parent         *account
		root           *account
		ceiling        float64
		sessionCeiling float64
		spent          float64
		reserved       float64
		overage        float64
		holds          []float64
		deadline       time.Time
		registeredAt   time.Time
		forced         string
		children       int
	}
)

// epsilon absorbs float rounding in ceiling comparisons.
const epsilon = 1e-9

var (
	// ErrUnknownRun is returned for run IDs that are not registered.
	ErrUnknownRun = errors.New("budget: unknown run")
	// ErrOverspend is returned by Commit when the actual cost exceeds what
	// the ceilings allow. The excess is not recorded and the run is denied
	// further authorizations.
	ErrOverspend = errors.New("budget: actual cost exceeds remaining budget")
	// ErrInsufficientCredits is the canonical denial returned by credit
	// checkers when credits do not cover the call.
	ErrInsufficientCredits = errors.New("insufficient credits")
)

// CheckCredits implements CreditChecker.
func (f CreditCheckerFunc) CheckCredits(ctx context.Context, runID string, class tools.CostClass, estimate float64) error {
	return f(ctx, runID, class, estimate)
}

// New returns a Governor configured with opts.
func New(opts Options) *Governor {
	now := opts.Clock
	if now == nil {
		now = time.Now
	}
	g := &Governor{
		accounts: make(map[string]*account),
		credits:  opts.Credits,
		logger:   telemetry.OrNoopLogger(opts.Logger),
		metrics:  telemetry.OrNoopMetrics(opts.Metrics),
		now:      now,
	}
	if opts.SpendRateLimit > 0 {
		window := opts.SpendRateWindow
		if window <= 0 {
			window = time.Minute
		}
		g.anomaly = newRateWindow(opts.SpendRateLimit, window)
	}
	return g
}

// Register opens an account for a run.
func (g *Governor) Register(a Account) error {
	if a.RunID == "" {
		return errors.New("budget: run id is required")
	}
	if a.Ceiling <= 0 {
		return fmt.Errorf("budget: ceiling must be > 0, got %v", a.Ceiling)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.accounts[a.RunID]; ok {
		return fmt.Errorf("budget: run %q already registered", a.RunID)
	}
	now := g.now()
	acct := &account{
		id:           a.RunID,
		ceiling:      a.Ceiling,
		registeredAt: now,
	}
	if a.Timeout > 0 {
		acct.deadline = now.Add(a.Timeout)
	}
	if a.ParentID != "" {
		parent, ok := g.accounts[a.ParentID]
		if !ok {
			return fmt.Errorf("%w: parent %q", ErrUnknownRun, a.ParentID)
		}
		acct.parent = parent
		acct.root = parent.root
		parent.children++
	} else {
		acct.root = acct
		acct.sessionCeiling = a.SessionCeiling
	}
	g.accounts[a.RunID] = acct
	return nil
}

// Release closes the account of a terminated run and returns its final usage.
// Committed spend stays charged to the ancestors; outstanding reservations are
// dropped.
func (g *Governor) Release(runID string) (Usage, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	acct, ok := g.accounts[runID]
	if !ok {
		return Usage{}, fmt.Errorf("%w: %q", ErrUnknownRun, runID)
	}
	for len(acct.holds) > 0 {
		acct.releaseHold()
	}
	if acct.parent != nil {
		acct.parent.children--
	}
	delete(g.accounts, runID)
	return acct.usage(), nil
}

// Authorize returns nil when a call estimated at estimate may proceed for
// runID, and a *Denial otherwise. An allowed authorization reserves estimate
// until the matching Commit.
func (g *Governor) Authorize(ctx context.Context, runID string, class tools.CostClass, estimate float64) error {
	if estimate < 0 {
		estimate = 0
	}
	g.mu.Lock()
	if err := g.check(runID, estimate); err != nil {
		g.mu.Unlock()
		return g.denied(ctx, err)
	}
	g.mu.Unlock()

	if g.credits != nil {
		if err := g.credits.CheckCredits(ctx, runID, class, estimate); err != nil {
			reason := "credit check failed"
			if errors.Is(err, ErrInsufficientCredits) {
				reason = "insufficient credits"
			}
			return g.denied(ctx, &Denial{RunID: runID, Kind: DenyCredits, Reason: reason, Estimate: estimate, cause: err})
		}
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	// State may have moved while the credit callout ran.
	if err := g.check(runID, estimate); err != nil {
		return g.denied(ctx, err)
	}
	acct := g.accounts[runID]
	acct.holds = append(acct.holds, estimate)
	for a := acct; a != nil; a = a.parent {
		a.reserved += estimate
	}
	return nil
}

// Commit records the actual cost of the oldest outstanding authorization of
// runID and releases its reservation. The cost is charged to the run and to
// every ancestor. Spend never exceeds a ceiling: the recorded amount is
// clamped, the run is force-denied and ErrOverspend is returned.
func (g *Governor) Commit(runID string, actual float64) error {
	if actual < 0 {
		actual = 0
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	acct, ok := g.accounts[runID]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownRun, runID)
	}
	if len(acct.holds) > 0 {
		acct.releaseHold()
	}
	allowed := acct.headroom()
	recorded := math.Min(actual, allowed)
	for a := acct; a != nil; a = a.parent {
		a.spent += recorded
	}
	if g.anomaly != nil {
		g.anomaly.add(g.now(), actual)
	}
	if actual > recorded+epsilon {
		acct.overage += actual - recorded
		if acct.forced == "" {
			acct.forced = "reported cost exceeded remaining budget"
		}
		g.logger.Warn(context.Background(), "budget overspend clamped",
			"run_id", runID, "actual", actual, "recorded", recorded)
		return fmt.Errorf("%w: run %q actual %.4f recorded %.4f", ErrOverspend, runID, actual, recorded)
	}
	return nil
}

// Remaining returns how much runID can still authorize: the smallest
// headroom along its parent chain and under the aggregate ceiling.
func (g *Governor) Remaining(runID string) (float64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	acct, ok := g.accounts[runID]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownRun, runID)
	}
	return acct.headroom(), nil
}

// Usage returns a snapshot of the run's account.
func (g *Governor) Usage(runID string) (Usage, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	acct, ok := g.accounts[runID]
	if !ok {
		return Usage{}, fmt.Errorf("%w: %q", ErrUnknownRun, runID)
	}
	return acct.usage(), nil
}

// ForceDeny denies every further authorization for runID and its
// descendants. Used by circuit breakers that detect understated costs.
func (g *Governor) ForceDeny(runID, reason string) error {
	if reason == "" {
		reason = "denied by circuit breaker"
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	acct, ok := g.accounts[runID]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownRun, runID)
	}
	acct.forced = reason
	return nil
}

// Expired reports whether the wall-clock budget of runID or one of its
// ancestors has elapsed.
func (g *Governor) Expired(runID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	acct, ok := g.accounts[runID]
	if !ok {
		return false
	}
	return acct.expired(g.now())
}

// AnomalyTripped reports whether the spend-rate detector currently blocks new
// runs.
func (g *Governor) AnomalyTripped() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.anomaly != nil && g.anomaly.tripped(g.now())
}

// check evaluates every enforcement layer except credits. Callers hold mu.
func (g *Governor) check(runID string, estimate float64) error {
	acct, ok := g.accounts[runID]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownRun, runID)
	}
	now := g.now()
	for a := acct; a != nil; a = a.parent {
		if a.forced != "" {
			return &Denial{RunID: runID, Kind: DenyForced, Reason: a.forced, Estimate: estimate}
		}
	}
	if acct.expired(now) {
		return &Denial{RunID: runID, Kind: DenyTimeout, Reason: "run timed out", Estimate: estimate}
	}
	if g.anomaly != nil && g.anomaly.blocks(now, acct.registeredAt) {
		return &Denial{RunID: runID, Kind: DenyAnomaly, Reason: "spend rate anomaly detected", Estimate: estimate}
	}
	for a := acct; a != nil; a = a.parent {
		if a.spent+a.reserved+estimate > a.ceiling+epsilon {
			kind := DenyBudget
			if a != acct {
				kind = DenyParentBudget
			}
			return &Denial{
				RunID:     runID,
				Kind:      kind,
				Reason:    "budget exhausted",
				Estimate:  estimate,
				Remaining: math.Max(0, a.ceiling-a.spent-a.reserved),
			}
		}
	}
	root := acct.root
	if root.sessionCeiling > 0 && root.spent+root.reserved+estimate > root.sessionCeiling+epsilon {
		return &Denial{
			RunID:     runID,
			Kind:      DenySession,
			Reason:    "session budget exhausted",
			Estimate:  estimate,
			Remaining: math.Max(0, root.sessionCeiling-root.spent-root.reserved),
		}
	}
	return nil
}

func (g *Governor) denied(ctx context.Context, err error) error {
	var d *Denial
	if errors.As(err, &d) {
		g.metrics.IncCounter(telemetry.MetricBudgetDenials, 1, "kind", string(d.Kind))
		g.logger.Info(ctx, "budget authorization denied",
			"run_id", d.RunID, "kind", string(d.Kind), "estimate", d.Estimate, "remaining", d.Remaining)
	}
	return err
}

// headroom returns the smallest amount left along the chain and under the
// aggregate ceiling, net of outstanding reservations.
func (a *account) headroom() float64 {
	h := math.Inf(1)
	for cur := a; cur != nil; cur = cur.parent {
		h = math.Min(h, cur.ceiling-cur.spent-cur.reserved)
	}
	if root := a.root; root.sessionCeiling > 0 {
		h = math.Min(h, root.sessionCeiling-root.spent-root.reserved)
	}
	return math.Max(0, h)
}

func (a *account) releaseHold() {
	hold := a.holds[0]
	a.holds = a.holds[1:]
	for cur := a; cur != nil; cur = cur.parent {
		cur.reserved = math.Max(0, cur.reserved-hold)
	}
}

func (a *account) expired(now time.Time) bool {
	for cur := a; cur != nil; cur = cur.parent {
		if !cur.deadline.IsZero() && !now.Before(cur.deadline) {
			return true
		}
	}
	return false
}

func (a *account) usage() Usage {
	return Usage{Ceiling: a.ceiling, Spent: a.spent, Reserved: a.reserved, Overage: a.overage}
}
