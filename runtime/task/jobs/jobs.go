// Package jobs implements the durable job dispatcher and worker pool that
// decouple triggers from orchestration runs.
//
// A trigger enqueues a Job for a session key. Workers claim queued jobs with
// bounded concurrency and a token-bucket rate limit, never activating two
// jobs for the same session key at once, and run them through a Handler
// under a hard per-job deadline. Failed jobs are retried with bounded
// exponential backoff until MaxAttempts, after which they are dead-lettered
// and reported to the Alerter exactly once.
//
// State machine:
//
//	queued -> active -> completed
//	                 -> queued         (failed, attempts remaining)
//	                 -> failed         (permanent error)
//	                 -> dead_lettered  (failed, attempts exhausted)
//	                 -> cancelled
//	queued -> cancelled
package jobs

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"time"
)

type (
	// Status is the lifecycle state of a job.
	Status string

	// Job is a durable unit of work bridging a trigger to a worker.
	Job struct {
		// ID is globally unique and correlates progress events.
		ID string `json:"id"`
		// SessionKey is the workflow-instance key the job targets.
		SessionKey string `json:"session_key"`
		// Step is the requested workflow step.
		Step string `json:"step,omitempty"`
		// Input is the opaque input payload.
		Input json.RawMessage `json:"input,omitempty"`
		// Fingerprint identifies identical requests for idempotent enqueue.
		Fingerprint string `json:"fingerprint"`
		// Status is the current state.
		Status Status `json:"status"`
		// Attempts counts the activations so far.
		Attempts int `json:"attempts"`
		// LastError is the sanitized error of the last failed attempt.
		LastError string `json:"last_error,omitempty"`
		// ProgressPercent is the last reported progress.
		ProgressPercent int `json:"progress_percent"`
		// Result is the handler output of a completed job.
		Result json.RawMessage `json:"result,omitempty"`
		// CancelRequested is set when an active job is asked to stop.
		CancelRequested bool `json:"cancel_requested,omitempty"`
		// AvailableAt delays the next claim of a queued job (backoff).
		AvailableAt time.Time `json:"available_at"`
		// CreatedAt is when the job was enqueued.
		CreatedAt time.Time `json:"created_at"`
		// UpdatedAt is the last state change.
		UpdatedAt time.Time `json:"updated_at"`
		// FinishedAt is set when the job reaches a terminal state.
		FinishedAt time.Time `json:"finished_at,omitzero"`
	}

	// Request is the input of Enqueue.
	Request struct {
		SessionKey string
		Step       string
		Input      json.RawMessage
	}

	// StatusView is the polling view returned by GetStatus.
	StatusView struct {
		JobID           string          `json:"job_id"`
		Status          Status          `json:"status"`
		ProgressPercent int             `json:"progress_percent"`
		Attempts        int             `json:"attempts"`
		Result          json.RawMessage `json:"result,omitempty"`
		Error           string          `json:"error,omitempty"`
	}

	// Store persists jobs. Implementations must make Create and Claim atomic
	// with respect to concurrent callers.
	Store interface {
		// Create inserts job unless an open (queued or active) job with the
		// same fingerprint exists, in which case that job is returned and
		// created is false.
		Create(ctx context.Context, job *Job) (stored *Job, created bool, err error)
		// Get returns the job or ErrJobNotFound.
		Get(ctx context.Context, id string) (*Job, error)
		// Claim activates the oldest queued job available at now whose
		// session key has no active job, incrementing its attempts. It
		// returns nil when nothing is claimable.
		Claim(ctx context.Context, now time.Time) (*Job, error)
		// Update replaces the stored job.
		Update(ctx context.Context, job *Job) error
		// Cancel atomically moves a queued job to cancelled or flags an
		// active job with CancelRequested, and returns the updated job. It
		// returns ErrJobNotFound for unknown jobs and ErrJobFinished for
		// terminal ones.
		Cancel(ctx context.Context, id string, now time.Time) (*Job, error)
		// SetProgress records the progress of an active job.
		SetProgress(ctx context.Context, id string, percent int) error
		// Requeue moves every active job back to queued, or to cancelled
		// when CancelRequested is set. Used at startup to recover jobs
		// abandoned by a crashed process.
		Requeue(ctx context.Context, now time.Time) (int, error)
		// Purge deletes completed jobs finished before completedBefore and
		// failed, dead-lettered or cancelled jobs finished before
		// failedBefore.
		Purge(ctx context.Context, completedBefore, failedBefore time.Time) (int, error)
	}

	// Handler runs an active job. It returns the job result or an error that
	// fails the attempt.
	Handler interface {
		Handle(ctx context.Context, job *Job, progress ProgressFunc) (json.RawMessage, error)
	}

	// HandlerFunc adapts a function to Handler.
	HandlerFunc func(ctx context.Context, job *Job, progress ProgressFunc) (json.RawMessage, error)

	// ProgressFunc reports the progress of the running job.
	ProgressFunc func(ctx context.Context, percent int)

	// Alerter is notified when a job is dead-lettered.
	Alerter interface {
		Alert(ctx context.Context, job *Job) error
	}

	// AlerterFunc adapts a function to Alerter.
	AlerterFunc func(ctx context.Context, job *Job) error
)

// Job statuses. Jobs whose handler returns a Permanent error end failed
// without retries; jobs exhausting their attempts end dead_lettered.
const (
	StatusQueued       Status = "queued"
	StatusActive       Status = "active"
	StatusCompleted    Status = "completed"
	StatusFailed       Status = "failed"
	StatusDeadLettered Status = "dead_lettered"
	StatusCancelled    Status = "cancelled"
)

// ReasonCancelled is the public error recorded on cancelled jobs.
const ReasonCancelled = "cancelled"

var (
	// ErrJobNotFound is returned for unknown job IDs.
	ErrJobNotFound = errors.New("job not found")
	// ErrJobFinished is returned when cancelling a terminal job.
	ErrJobFinished = errors.New("job already finished")
	// ErrStopped is returned by Enqueue after Stop.
	ErrStopped = errors.New("dispatcher stopped")
)

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// Fail returns a Permanent error whose message is safe to record on the job
// and show to pollers.
func Fail(reason string) error {
	return Permanent(&publicError{reason: reason})
}

// Incomplete reports an attempt that ran but stopped short of its goal, for
// instance on a budget or turn limit. The job completes with the handler
// result and reason as its error; it is not retried.
func Incomplete(reason string) error {
	return &incompleteError{reason: reason}
}

type (
	permanentError  struct{ err error }
	publicError     struct{ reason string }
	incompleteError struct{ reason string }
)

func (e *permanentError) Error() string  { return e.err.Error() }
func (e *permanentError) Unwrap() error  { return e.err }
func (e *publicError) Error() string     { return e.reason }
func (e *incompleteError) Error() string { return "incomplete: " + e.reason }

// Handle implements Handler.
func (f HandlerFunc) Handle(ctx context.Context, job *Job, progress ProgressFunc) (json.RawMessage, error) {
	return f(ctx, job, progress)
}

// Alert implements Alerter.
func (f AlerterFunc) Alert(ctx context.Context, job *Job) error { return f(ctx, job) }

// Open reports whether s is queued or active.
func (s Status) Open() bool { return s == StatusQueued || s == StatusActive }

// Terminal reports whether s is final.
func (s Status) Terminal() bool { return !s.Open() }

// Clone returns a deep copy of j.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	c := *j
	c.Input = append(json.RawMessage(nil), j.Input...)
	c.Result = append(json.RawMessage(nil), j.Result...)
	return &c
}

// View returns the polling view of j.
func (j *Job) View() *StatusView {
	return &StatusView{
		JobID:           j.ID,
		Status:          j.Status,
		ProgressPercent: j.ProgressPercent,
		Attempts:        j.Attempts,
		Result:          j.Result,
		Error:           j.LastError,
	}
}

// Fingerprint identifies identical requests: same session key, step and
// input bytes.
func Fingerprint(r Request) string {
	h := sha256.New()
	h.Write([]byte(r.SessionKey))
	h.Write([]byte{0})
	h.Write([]byte(r.Step))
	h.Write([]byte{0})
	h.Write(r.Input)
	return hex.EncodeToString(h.Sum(nil))
}
