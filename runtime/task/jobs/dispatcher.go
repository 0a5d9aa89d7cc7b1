package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"goa.design/taskrun/runtime/task/telemetry"
)

type (
	// Dispatcher owns the worker pool. Build it with NewDispatcher, Start it
	// once and Stop it on shutdown.
	Dispatcher struct {
		store   Store
		handler Handler
		alerter Alerter
		limiter *rate.Limiter
		logger  telemetry.Logger
		metrics telemetry.Metrics
		now     func() time.Time

		workers            int
		maxAttempts        int
		baseBackoff        time.Duration
		maxBackoff         time.Duration
		jobTimeout         time.Duration
		pollInterval       time.Duration
		cancelPoll         time.Duration
		completedRetention time.Duration
		failedRetention    time.Duration
		sweepInterval      time.Duration

		wake chan struct{}

		mu      sync.Mutex
		running map[string]*activeJob
		started bool
		stopped bool
		stop    chan struct{}
		cancel  context.CancelFunc
		wg      sync.WaitGroup
	}

	// Options configures a Dispatcher.
	Options struct {
		// Store persists jobs. Required.
		Store Store
		// Handler runs jobs. Required.
		Handler Handler
		// Alerter is notified once per dead-lettered job.
		Alerter Alerter
		// Workers bounds concurrency. Defaults to 4.
		Workers int
		// RateLimit bounds job activations per second. Zero disables it.
		RateLimit rate.Limit
		// RateBurst is the token bucket size. Defaults to 1.
		RateBurst int
		// MaxAttempts bounds activations per job. Defaults to 3.
		MaxAttempts int
		// BaseBackoff is the delay before the first retry. Defaults to 1s.
		BaseBackoff time.Duration
		// MaxBackoff caps the retry delay. Defaults to 1m.
		MaxBackoff time.Duration
		// JobTimeout is the hard per-attempt deadline. Defaults to 15m.
		JobTimeout time.Duration
		// PollInterval is how often idle workers look for claimable jobs.
		// Defaults to 500ms.
		PollInterval time.Duration
		// CancelPollInterval is how often a running job checks the store for
		// a cancel requested by another process. Defaults to 1s.
		CancelPollInterval time.Duration
		// CompletedRetention keeps completed jobs this long. Defaults to 24h.
		CompletedRetention time.Duration
		// FailedRetention keeps failed, dead-lettered and cancelled jobs this
		// long. Defaults to 7 days.
		FailedRetention time.Duration
		// SweepInterval runs the retention sweep periodically when positive.
		SweepInterval time.Duration
		// Logger emits structured logs.
		Logger telemetry.Logger
		// Metrics records job counters and durations.
		Metrics telemetry.Metrics
		// Clock overrides time.Now.
		Clock func() time.Time
	}

	activeJob struct {
		cancel    context.CancelCauseFunc
		cancelled bool
	}
)

var (
	// errJobTimeout is the cancellation cause of a job exceeding JobTimeout.
	errJobTimeout = errors.New("job timeout")
	// errJobCancelled is the cancellation cause of a cancelled active job.
	errJobCancelled = errors.New("job cancelled")
)

// Public error messages recorded on jobs.
const (
	reasonTimeout   = "timeout"
	reasonCancelled = ReasonCancelled
	reasonFailed    = "job failed"
)

// NewDispatcher returns a stopped dispatcher configured with opts.
func NewDispatcher(opts Options) (*Dispatcher, error) {
	if opts.Store == nil {
		return nil, errors.New("job store is required")
	}
	if opts.Handler == nil {
		return nil, errors.New("job handler is required")
	}
	d := &Dispatcher{
		store:              opts.Store,
		handler:            opts.Handler,
		alerter:            opts.Alerter,
		logger:             telemetry.OrNoopLogger(opts.Logger),
		metrics:            telemetry.OrNoopMetrics(opts.Metrics),
		now:                opts.Clock,
		workers:            orInt(opts.Workers, 4),
		maxAttempts:        orInt(opts.MaxAttempts, 3),
		baseBackoff:        orDuration(opts.BaseBackoff, time.Second),
		maxBackoff:         orDuration(opts.MaxBackoff, time.Minute),
		jobTimeout:         orDuration(opts.JobTimeout, 15*time.Minute),
		pollInterval:       orDuration(opts.PollInterval, 500*time.Millisecond),
		cancelPoll:         orDuration(opts.CancelPollInterval, time.Second),
		completedRetention: orDuration(opts.CompletedRetention, 24*time.Hour),
		failedRetention:    orDuration(opts.FailedRetention, 7*24*time.Hour),
		sweepInterval:      opts.SweepInterval,
		wake:               make(chan struct{}, 1),
		running:            make(map[string]*activeJob),
		stop:               make(chan struct{}),
	}
	if d.now == nil {
		d.now = time.Now
	}
	if opts.RateLimit > 0 {
		d.limiter = rate.NewLimiter(opts.RateLimit, orInt(opts.RateBurst, 1))
	}
	return d, nil
}

// Enqueue creates a queued job for req and returns its ID. When an identical
// job (same session key, step and input) is already queued or active its ID
// is returned instead.
func (d *Dispatcher) Enqueue(ctx context.Context, req Request) (string, error) {
	if req.SessionKey == "" {
		return "", errors.New("session key is required")
	}
	d.mu.Lock()
	stopped := d.stopped
	d.mu.Unlock()
	if stopped {
		return "", ErrStopped
	}
	now := d.now().UTC()
	job := &Job{
		ID:          "job-" + uuid.NewString(),
		SessionKey:  req.SessionKey,
		Step:        req.Step,
		Input:       req.Input,
		Fingerprint: Fingerprint(req),
		Status:      StatusQueued,
		AvailableAt: now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	stored, created, err := d.store.Create(ctx, job)
	if err != nil {
		return "", fmt.Errorf("enqueue job: %w", err)
	}
	if created {
		d.logger.Info(ctx, "job enqueued", "job_id", stored.ID, "session_key", stored.SessionKey, "step", stored.Step)
		d.signal()
	} else {
		d.logger.Debug(ctx, "job already open", "job_id", stored.ID, "session_key", stored.SessionKey)
	}
	return stored.ID, nil
}

// GetStatus returns the polling view of a job.
func (d *Dispatcher) GetStatus(ctx context.Context, jobID string) (*StatusView, error) {
	job, err := d.store.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	return job.View(), nil
}

// Cancel stops a job. A queued job is marked cancelled and never dispatched.
// An active job is flagged in the store; the worker running it, in this
// process or another, cancels its context and the job ends cancelled once
// the run stops after its in-flight capability call.
func (d *Dispatcher) Cancel(ctx context.Context, jobID string) error {
	job, err := d.store.Cancel(ctx, jobID, d.now().UTC())
	if err != nil {
		if errors.Is(err, ErrJobNotFound) || errors.Is(err, ErrJobFinished) {
			return err
		}
		return fmt.Errorf("cancel job: %w", err)
	}
	if job.Status == StatusActive {
		d.cancelLocal(jobID)
	}
	d.logger.Info(ctx, "job cancel requested", "job_id", jobID, "status", string(job.Status))
	return nil
}

// Start recovers jobs abandoned by a previous process and launches the
// worker pool and the retention sweeper.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		return errors.New("dispatcher already started")
	}
	d.started = true
	base, cancel := context.WithCancel(context.WithoutCancel(ctx))
	d.cancel = cancel
	d.mu.Unlock()

	n, err := d.store.Requeue(ctx, d.now().UTC())
	if err != nil {
		cancel()
		return fmt.Errorf("requeue abandoned jobs: %w", err)
	}
	if n > 0 {
		d.logger.Warn(ctx, "requeued abandoned jobs", "count", n)
	}
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.work(base)
	}
	if d.sweepInterval > 0 {
		d.wg.Add(1)
		go d.sweepLoop(base)
	}
	return nil
}

// Stop stops claiming jobs and waits for in-flight jobs. When ctx expires
// first, in-flight jobs are cancelled and Stop waits for them to return.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return nil
	}
	d.stopped = true
	close(d.stop)
	cancel := d.cancel
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		if cancel != nil {
			cancel()
		}
		return nil
	case <-ctx.Done():
		if cancel != nil {
			cancel()
		}
		<-done
		return ctx.Err()
	}
}

// Sweep purges terminal jobs older than their retention window.
func (d *Dispatcher) Sweep(ctx context.Context) (int, error) {
	now := d.now().UTC()
	n, err := d.store.Purge(ctx, now.Add(-d.completedRetention), now.Add(-d.failedRetention))
	if err != nil {
		return 0, fmt.Errorf("purge jobs: %w", err)
	}
	if n > 0 {
		d.logger.Info(ctx, "purged expired jobs", "count", n)
	}
	return n, nil
}

func (d *Dispatcher) work(ctx context.Context) {
	defer d.wg.Done()
	timer := time.NewTimer(d.pollInterval)
	defer timer.Stop()
	for {
		if d.isStopping() {
			return
		}
		job, err := d.store.Claim(ctx, d.now().UTC())
		if err != nil {
			d.logger.Error(ctx, "claim job failed", "err", err)
		}
		if job != nil {
			d.process(ctx, job)
			continue
		}
		timer.Reset(d.pollInterval)
		select {
		case <-d.stop:
			return
		case <-ctx.Done():
			return
		case <-d.wake:
		case <-timer.C:
		}
	}
}

func (d *Dispatcher) process(ctx context.Context, job *Job) {
	jobCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	d.mu.Lock()
	d.running[job.ID] = &activeJob{cancel: cancel, cancelled: job.CancelRequested}
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		delete(d.running, job.ID)
		d.mu.Unlock()
		d.signal()
	}()

	if job.CancelRequested {
		d.cancelLocal(job.ID)
	}
	go d.watchCancel(jobCtx, job.ID)
	if d.limiter != nil {
		if err := d.limiter.Wait(jobCtx); err != nil {
			if cause := context.Cause(jobCtx); cause != nil {
				err = cause
			}
			d.finish(ctx, job, nil, err, 0)
			return
		}
	}

	d.metrics.IncCounter(telemetry.MetricJobsDispatched, 1)
	d.logger.Info(ctx, "job started", "job_id", job.ID, "session_key", job.SessionKey, "attempt", job.Attempts)
	start := d.now()
	runCtx, stopTimer := context.WithTimeoutCause(jobCtx, d.jobTimeout, errJobTimeout)
	result, err := d.safeHandle(runCtx, job)
	cause := context.Cause(runCtx)
	stopTimer()
	switch {
	case cause == nil:
	case err == nil:
		err = cause
	default:
		err = fmt.Errorf("%w: %w", cause, err)
	}
	d.finish(ctx, job, result, err, d.now().Sub(start))
}

func (d *Dispatcher) safeHandle(ctx context.Context, job *Job) (result json.RawMessage, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job handler panic: %v", r)
		}
	}()
	progress := func(pctx context.Context, percent int) {
		percent = max(0, min(percent, 100))
		if err := d.store.SetProgress(context.WithoutCancel(pctx), job.ID, percent); err != nil {
			d.logger.Warn(pctx, "record job progress failed", "job_id", job.ID, "err", err)
		}
	}
	return d.handler.Handle(ctx, job.Clone(), progress)
}

// watchCancel polls the store while the job runs so a cancel recorded by
// another process reaches this worker. The first check runs immediately to
// catch a cancel that landed between the claim and the registration of the
// job.
func (d *Dispatcher) watchCancel(ctx context.Context, jobID string) {
	ticker := time.NewTicker(d.cancelPoll)
	defer ticker.Stop()
	for {
		if d.cancelRequested(ctx, jobID) {
			d.cancelLocal(jobID)
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// cancelRequested reports whether the stored job carries CancelRequested.
func (d *Dispatcher) cancelRequested(ctx context.Context, jobID string) bool {
	job, err := d.store.Get(ctx, jobID)
	if err != nil {
		if ctx.Err() == nil {
			d.logger.Warn(ctx, "check job cancellation failed", "job_id", jobID, "err", err)
		}
		return false
	}
	return job.CancelRequested
}

// finish records the outcome of an attempt.
func (d *Dispatcher) finish(ctx context.Context, job *Job, result json.RawMessage, err error, elapsed time.Duration) {
	ctx = context.WithoutCancel(ctx)
	now := d.now().UTC()
	job.UpdatedAt = now
	d.mu.Lock()
	cancelled := d.running[job.ID] != nil && d.running[job.ID].cancelled
	d.mu.Unlock()
	// A failed attempt is not retried once a cancel was recorded for it.
	if !cancelled && err != nil && !IsPermanent(err) {
		cancelled = d.cancelRequested(ctx, job.ID)
	}
	var incomplete *incompleteError
	status := "completed"
	var deadLettered bool
	switch {
	case cancelled || errors.Is(err, errJobCancelled):
		job.Status = StatusCancelled
		job.LastError = reasonCancelled
		job.FinishedAt = now
		status = "cancelled"
	case err == nil || (errors.As(err, &incomplete) && !errors.Is(err, errJobTimeout)):
		job.Status = StatusCompleted
		job.Result = result
		job.LastError = ""
		if incomplete != nil {
			job.LastError = incomplete.reason
		}
		job.ProgressPercent = 100
		job.FinishedAt = now
	default:
		job.LastError = publicReason(err)
		if len(result) > 0 {
			job.Result = result
		}
		d.logger.Error(ctx, "job attempt failed", "job_id", job.ID, "attempt", job.Attempts, "err", err)
		switch {
		case IsPermanent(err):
			job.Status = StatusFailed
			job.FinishedAt = now
			status = "failed"
		case job.Attempts >= d.maxAttempts:
			job.Status = StatusDeadLettered
			job.FinishedAt = now
			status = "dead_lettered"
			deadLettered = true
		default:
			job.Status = StatusQueued
			job.AvailableAt = now.Add(d.backoff(job.Attempts))
			status = "retry"
			d.metrics.IncCounter(telemetry.MetricJobsRetried, 1)
		}
	}
	d.metrics.RecordTimer(telemetry.MetricJobDuration, elapsed, "status", status)
	if err := d.store.Update(ctx, job); err != nil {
		d.logger.Error(ctx, "record job outcome failed", "job_id", job.ID, "err", err)
		return
	}
	d.logger.Info(ctx, "job attempt finished", "job_id", job.ID, "status", string(job.Status), "attempt", job.Attempts)
	if deadLettered {
		d.metrics.IncCounter(telemetry.MetricJobsDeadLettered, 1)
		d.alert(ctx, job)
	}
}

func (d *Dispatcher) alert(ctx context.Context, job *Job) {
	d.logger.Error(ctx, "job dead-lettered", "job_id", job.ID, "session_key", job.SessionKey, "attempts", job.Attempts)
	if d.alerter == nil {
		return
	}
	if err := d.alerter.Alert(ctx, job.Clone()); err != nil {
		d.logger.Error(ctx, "dead-letter alert failed", "job_id", job.ID, "err", err)
	}
}

// backoff returns the bounded exponential delay before retrying after
// attempt.
func (d *Dispatcher) backoff(attempt int) time.Duration {
	exp := math.Pow(2, float64(max(attempt-1, 0)))
	delay := time.Duration(float64(d.baseBackoff) * exp)
	if delay <= 0 || delay > d.maxBackoff {
		return d.maxBackoff
	}
	return delay
}

func (d *Dispatcher) sweepLoop(ctx context.Context) {
	defer d.wg.Done()
	ticker := time.NewTicker(d.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-d.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := d.Sweep(ctx); err != nil {
				d.logger.Error(ctx, "job retention sweep failed", "err", err)
			}
		}
	}
}

func (d *Dispatcher) cancelLocal(jobID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if a, ok := d.running[jobID]; ok {
		a.cancelled = true
		a.cancel(errJobCancelled)
	}
}

func (d *Dispatcher) signal() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *Dispatcher) isStopping() bool {
	select {
	case <-d.stop:
		return true
	default:
		return false
	}
}

// publicReason maps an attempt error to the message recorded on the job.
func publicReason(err error) string {
	switch {
	case errors.Is(err, errJobTimeout):
		return reasonTimeout
	case errors.Is(err, errJobCancelled):
		return reasonCancelled
	}
	var pub *publicError
	if errors.As(err, &pub) {
		return pub.reason
	}
	return reasonFailed
}

func orInt(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}

func orDuration(v, def time.Duration) time.Duration {
	if v > 0 {
		return v
	}
	return def
}
