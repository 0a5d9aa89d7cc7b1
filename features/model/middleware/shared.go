package middleware

import (
	"context"
	"strconv"
	"time"

	"goa.design/pulse/rmap"

	"goa.design/taskrun/runtime/task/telemetry"
)

type (
	// budgetMap is the subset of rmap.Map holding shared budgets.
	budgetMap interface {
		Get(key string) (string, bool)
		SetIfNotExists(ctx context.Context, key, value string) (bool, error)
		TestAndSet(ctx context.Context, key, test, value string) (string, error)
		Subscribe() <-chan rmap.EventKind
	}

	// sharedBudget mirrors a limiter budget in a replicated map entry. Every
	// process applies its AIMD adjustments to the entry with compare-and-swap
	// and adopts the value written by the others.
	sharedBudget struct {
		m      budgetMap
		key    string
		logger telemetry.Logger
	}

	rmapBudget struct {
		m *rmap.Map
	}
)

const (
	sharedUpdateAttempts = 3
	sharedUpdateTimeout  = 2 * time.Second
)

// share seeds the entry of l.key with the local budget when missing, adopts
// the shared value and follows later changes.
func (l *AdaptiveRateLimiter) share(ctx context.Context, m budgetMap) {
	if _, ok := m.Get(l.key); !ok {
		if _, err := m.SetIfNotExists(ctx, l.key, formatTPM(l.TPM())); err != nil {
			l.logger.Warn(ctx, "shared model budget unavailable, limiting locally", "key", l.key, "err", err)
			return
		}
	}
	b := &sharedBudget{m: m, key: l.key, logger: l.logger}
	if tpm, ok := b.load(); ok {
		l.set(tpm)
	}
	l.mu.Lock()
	l.shared = b
	l.mu.Unlock()

	events := m.Subscribe()
	go func() {
		for range events {
			if tpm, ok := b.load(); ok {
				l.set(tpm)
			}
		}
	}()
}

func (b *sharedBudget) load() (float64, bool) {
	raw, ok := b.m.Get(b.key)
	if !ok {
		return 0, false
	}
	tpm, err := strconv.ParseFloat(raw, 64)
	if err != nil || tpm <= 0 {
		return 0, false
	}
	return tpm, true
}

// update applies next to the shared value. Losing writers retry against the
// value that won, a bounded number of times.
func (b *sharedBudget) update(ctx context.Context, next func(float64) float64) {
	ctx, cancel := context.WithTimeout(ctx, sharedUpdateTimeout)
	defer cancel()
	for range sharedUpdateAttempts {
		raw, ok := b.m.Get(b.key)
		if !ok {
			return
		}
		cur, err := strconv.ParseFloat(raw, 64)
		if err != nil || cur <= 0 {
			return
		}
		want := formatTPM(next(cur))
		if want == raw {
			return
		}
		prev, err := b.m.TestAndSet(ctx, b.key, raw, want)
		if err != nil {
			b.logger.Warn(ctx, "update shared model budget", "key", b.key, "err", err)
			return
		}
		if prev == raw {
			return
		}
	}
}

func formatTPM(tpm float64) string {
	return strconv.Itoa(int(tpm))
}

func (r rmapBudget) Get(key string) (string, bool) { return r.m.Get(key) }

func (r rmapBudget) SetIfNotExists(ctx context.Context, key, value string) (bool, error) {
	return r.m.SetIfNotExists(ctx, key, value)
}

func (r rmapBudget) TestAndSet(ctx context.Context, key, test, value string) (string, error) {
	return r.m.TestAndSet(ctx, key, test, value)
}

func (r rmapBudget) Subscribe() <-chan rmap.EventKind { return r.m.Subscribe() }
