// Package redis implements a budget.CreditChecker over account balances held
// in Redis. Balances are plain float values so operators can top accounts up
// with INCRBYFLOAT. The ledger is also a hooks.Observer: when a top-level run
// ends its spend is debited from the account it ran under.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"

	"goa.design/taskrun/runtime/task/budget"
	"goa.design/taskrun/runtime/task/hooks"
	"goa.design/taskrun/runtime/task/telemetry"
	"goa.design/taskrun/runtime/task/tools"
)

type (
	// Options configures a Ledger.
	Options struct {
		// Prefix namespaces balance keys. Defaults to "taskrun:credits:".
		Prefix string
		// DefaultAccount is charged when the context carries no account.
		// Defaults to "default".
		DefaultAccount string
		// Logger records failed debits.
		Logger telemetry.Logger
	}

	// Ledger checks and debits credit balances.
	Ledger struct {
		rdb            *redis.Client
		prefix         string
		defaultAccount string
		logger         telemetry.Logger
	}

	accountKey struct{}
)

// debitScript subtracts ARGV[1] from the balance and returns the new balance.
// Debits never fail for lack of funds: the spend already happened, so the
// balance may go negative and later checks deny.
var debitScript = redis.NewScript(`
local v = redis.call("INCRBYFLOAT", KEYS[1], "-" .. ARGV[1])
return v
`)

var (
	_ budget.CreditChecker = (*Ledger)(nil)
	_ hooks.Observer       = (*Ledger)(nil)
)

// WithAccount returns a context charging runs started with it to account.
func WithAccount(ctx context.Context, account string) context.Context {
	return context.WithValue(ctx, accountKey{}, account)
}

// AccountFrom returns the account carried by ctx, if any.
func AccountFrom(ctx context.Context) (string, bool) {
	a, ok := ctx.Value(accountKey{}).(string)
	return a, ok && a != ""
}

// New returns a Ledger using rdb.
func New(rdb *redis.Client, opts Options) (*Ledger, error) {
	if rdb == nil {
		return nil, errors.New("redis client is required")
	}
	prefix := opts.Prefix
	if prefix == "" {
		prefix = "taskrun:credits:"
	}
	account := opts.DefaultAccount
	if account == "" {
		account = "default"
	}
	return &Ledger{rdb: rdb, prefix: prefix, defaultAccount: account, logger: telemetry.OrNoopLogger(opts.Logger)}, nil
}

// Name implements health.Pinger.
func (l *Ledger) Name() string { return "credits-redis" }

// Ping implements health.Pinger.
func (l *Ledger) Ping(ctx context.Context) error { return l.rdb.Ping(ctx).Err() }

// CheckCredits implements budget.CreditChecker. A missing balance counts as
// zero.
func (l *Ledger) CheckCredits(ctx context.Context, _ string, _ tools.CostClass, estimate float64) error {
	balance, err := l.Balance(ctx, l.account(ctx))
	if err != nil {
		return err
	}
	if balance < estimate {
		return fmt.Errorf("%w: balance %.4f below estimate %.4f", budget.ErrInsufficientCredits, balance, estimate)
	}
	return nil
}

// Balance returns the balance of account.
func (l *Ledger) Balance(ctx context.Context, account string) (float64, error) {
	v, err := l.rdb.Get(ctx, l.prefix+account).Float64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read balance: %w", err)
	}
	return v, nil
}

// Grant adds amount to account and returns the new balance.
func (l *Ledger) Grant(ctx context.Context, account string, amount float64) (float64, error) {
	if amount < 0 {
		return 0, errors.New("grant amount must not be negative")
	}
	return l.rdb.IncrByFloat(ctx, l.prefix+account, amount).Result()
}

// Debit subtracts amount from account and returns the new balance.
func (l *Ledger) Debit(ctx context.Context, account string, amount float64) (float64, error) {
	if amount < 0 {
		return 0, errors.New("debit amount must not be negative")
	}
	res, err := debitScript.Run(ctx, l.rdb, []string{l.prefix + account}, strconv.FormatFloat(amount, 'f', -1, 64)).Text()
	if err != nil {
		return 0, fmt.Errorf("debit: %w", err)
	}
	return strconv.ParseFloat(res, 64)
}

// HandleEvent implements hooks.Observer. Child spend is already part of the
// root result so only top-level runs are debited.
func (l *Ledger) HandleEvent(ctx context.Context, evt hooks.Event) error {
	if evt.Kind != hooks.RunEnded || evt.Run.ParentID != "" || evt.Result == nil || evt.Result.Spend <= 0 {
		return nil
	}
	account := l.account(ctx)
	if _, err := l.Debit(ctx, account, evt.Result.Spend); err != nil {
		l.logger.Error(ctx, "credit debit failed", "account", account, "run_id", evt.Run.ID, "err", err)
		return err
	}
	return nil
}

func (l *Ledger) account(ctx context.Context) string {
	if a, ok := AccountFrom(ctx); ok {
		return a
	}
	return l.defaultAccount
}
