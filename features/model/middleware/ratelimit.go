// Package middleware provides model.Provider middlewares. The adaptive rate
// limiter keeps submissions under the provider's tokens-per-minute quota and
// adapts to throttling signals.
package middleware

import (
	"context"
	"errors"
	"sync"
	"time"

	"goa.design/pulse/rmap"
	"golang.org/x/time/rate"

	"goa.design/taskrun/runtime/task/model"
	"goa.design/taskrun/runtime/task/telemetry"
)

type (
	// AdaptiveRateLimiter throttles provider submissions with a token bucket
	// sized in tokens per minute (TPM). Each submission waits for its
	// estimated token count; the reported usage settles the difference once
	// the provider answers. The budget halves on model.ErrRateLimited and
	// grows back linearly on success (AIMD), within [10% of the initial
	// budget, MaxTPM].
	//
	// Build one limiter per provider model and process. With a Pulse
	// replicated map the budget is shared by every worker process.
	AdaptiveRateLimiter struct {
		key     string
		bucket  *rate.Limiter
		floor   float64
		ceiling float64
		step    float64
		logger  telemetry.Logger
		metrics telemetry.Metrics

		mu     sync.Mutex
		tpm    float64
		shared *sharedBudget
	}

	// RateLimitOptions configures an AdaptiveRateLimiter.
	RateLimitOptions struct {
		// Map shares the budget across processes. Optional.
		Map *rmap.Map
		// Key names the budget, typically "<provider>:<model>". Required to
		// share the budget.
		Key string
		// InitialTPM is the starting budget. Defaults to 60000.
		InitialTPM float64
		// MaxTPM bounds recovery. Defaults to InitialTPM.
		MaxTPM float64
		// Logger records budget changes.
		Logger telemetry.Logger
		// Metrics receives the current budget as a gauge.
		Metrics telemetry.Metrics
	}

	limitedProvider struct {
		next    model.Provider
		limiter *AdaptiveRateLimiter
	}
)

const (
	defaultTPM = 60000

	// Tokens added to every estimate for capability definitions and
	// provider framing.
	overheadTokens = 500
	charsPerToken  = 3
)

// MetricModelTPM is the gauge reporting the current budget of a limiter.
const MetricModelTPM = "taskrun.model.tpm"

// NewAdaptiveRateLimiter returns a limiter configured with opts. When the
// shared budget cannot be seeded the limiter stays process-local.
func NewAdaptiveRateLimiter(ctx context.Context, opts RateLimitOptions) *AdaptiveRateLimiter {
	l := newLimiter(opts.Key, opts.InitialTPM, opts.MaxTPM)
	l.logger = telemetry.OrNoopLogger(opts.Logger)
	l.metrics = telemetry.OrNoopMetrics(opts.Metrics)
	if opts.Map != nil && opts.Key != "" {
		l.share(ctx, rmapBudget{m: opts.Map})
	}
	return l
}

func newLimiter(key string, initialTPM, maxTPM float64) *AdaptiveRateLimiter {
	if initialTPM <= 0 {
		initialTPM = defaultTPM
	}
	if maxTPM < initialTPM {
		maxTPM = initialTPM
	}
	return &AdaptiveRateLimiter{
		key:     key,
		bucket:  rate.NewLimiter(perSecond(initialTPM), int(initialTPM)),
		floor:   max(initialTPM*0.1, 1),
		ceiling: maxTPM,
		step:    max(initialTPM*0.05, 1),
		tpm:     initialTPM,
		logger:  telemetry.NewNoopLogger(),
		metrics: telemetry.NewNoopMetrics(),
	}
}

// Middleware wraps a provider so every submission goes through the limiter.
func (l *AdaptiveRateLimiter) Middleware() func(model.Provider) model.Provider {
	return func(next model.Provider) model.Provider {
		if next == nil {
			return nil
		}
		return &limitedProvider{next: next, limiter: l}
	}
}

// TPM returns the current budget.
func (l *AdaptiveRateLimiter) TPM() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.tpm
}

// Submit implements model.Provider.
func (p *limitedProvider) Submit(ctx context.Context, req *model.Request) (*model.Response, error) {
	l := p.limiter
	estimate := l.fit(estimateTokens(req))
	if err := l.bucket.WaitN(ctx, estimate); err != nil {
		return nil, err
	}
	resp, err := p.next.Submit(ctx, req)
	switch {
	case err == nil:
		if resp != nil {
			l.settle(estimate, resp.Usage)
		}
		l.probe(ctx)
	case errors.Is(err, model.ErrRateLimited):
		l.backoff(ctx)
	}
	return resp, err
}

// fit caps n to the bucket size so oversized submissions wait for a full
// bucket instead of failing.
func (l *AdaptiveRateLimiter) fit(n int) int {
	return max(min(n, l.bucket.Burst()), 1)
}

// settle charges the tokens used beyond the estimate. The bucket goes into
// debt so later submissions wait for it.
func (l *AdaptiveRateLimiter) settle(estimate int, usage model.TokenUsage) {
	extra := usage.InputTokens + usage.OutputTokens - estimate
	if extra <= 0 {
		return
	}
	l.bucket.ReserveN(time.Now(), l.fit(extra))
}

func (l *AdaptiveRateLimiter) backoff(ctx context.Context) {
	l.retune(ctx, "backoff", func(tpm float64) float64 { return tpm / 2 })
}

func (l *AdaptiveRateLimiter) probe(ctx context.Context) {
	l.retune(ctx, "probe", func(tpm float64) float64 { return tpm + l.step })
}

// retune applies next to the local budget and mirrors it to the shared one.
func (l *AdaptiveRateLimiter) retune(ctx context.Context, reason string, next func(float64) float64) {
	l.mu.Lock()
	prev := l.tpm
	tpm := l.clamp(next(prev))
	if tpm == prev {
		l.mu.Unlock()
		return
	}
	l.applyLocked(tpm)
	shared := l.shared
	l.mu.Unlock()

	if reason == "backoff" {
		l.logger.Warn(ctx, "provider rate limited, reducing budget", "key", l.key, "tpm", tpm, "previous_tpm", prev)
	} else {
		l.logger.Debug(ctx, "model budget adjusted", "key", l.key, "reason", reason, "tpm", tpm)
	}
	if shared != nil {
		go shared.update(context.WithoutCancel(ctx), func(cur float64) float64 { return l.clamp(next(cur)) })
	}
}

// set adopts a budget decided elsewhere.
func (l *AdaptiveRateLimiter) set(tpm float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if tpm = l.clamp(tpm); tpm != l.tpm {
		l.applyLocked(tpm)
	}
}

func (l *AdaptiveRateLimiter) applyLocked(tpm float64) {
	l.tpm = tpm
	l.bucket.SetLimit(perSecond(tpm))
	l.bucket.SetBurst(int(tpm))
	l.metrics.RecordGauge(MetricModelTPM, tpm, "key", l.key)
}

func (l *AdaptiveRateLimiter) clamp(tpm float64) float64 {
	return min(max(tpm, l.floor), l.ceiling)
}

func perSecond(tpm float64) rate.Limit {
	return rate.Limit(tpm / 60)
}

// estimateTokens approximates the tokens of a submission from the length of
// its new text.
func estimateTokens(req *model.Request) int {
	chars := len(req.System) + len(req.Instruction)
	for _, o := range req.Observations {
		chars += len(o.Output) + len(o.Error)
	}
	return chars/charsPerToken + overheadTokens
}
