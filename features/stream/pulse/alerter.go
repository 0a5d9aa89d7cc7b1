package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	clientspulse "goa.design/taskrun/features/stream/pulse/clients/pulse"
	"goa.design/taskrun/runtime/task/jobs"
)

// DeadLetterStream is the default stream receiving dead-letter alerts.
const DeadLetterStream = "jobs/dead_letter"

type (
	// Alerter publishes dead-lettered jobs to a Pulse stream so operators can
	// page on them or replay the inputs.
	Alerter struct {
		client clientspulse.Client
		stream string
	}

	// DeadLetter is the payload published for a dead-lettered job. It carries
	// the job input so the job can be replayed.
	DeadLetter struct {
		JobID      string          `json:"job_id"`
		SessionKey string          `json:"session_key"`
		Step       string          `json:"step,omitempty"`
		Attempts   int             `json:"attempts"`
		LastError  string          `json:"last_error,omitempty"`
		Input      json.RawMessage `json:"input,omitempty"`
		At         time.Time       `json:"at"`
	}
)

var _ jobs.Alerter = (*Alerter)(nil)

// NewAlerter returns an alerter publishing on streamName, DeadLetterStream
// when empty.
func NewAlerter(client clientspulse.Client, streamName string) (*Alerter, error) {
	if client == nil {
		return nil, errors.New("pulse client is required")
	}
	if streamName == "" {
		streamName = DeadLetterStream
	}
	return &Alerter{client: client, stream: streamName}, nil
}

// Alert implements jobs.Alerter.
func (a *Alerter) Alert(ctx context.Context, job *jobs.Job) error {
	if job == nil {
		return errors.New("job is required")
	}
	at := job.UpdatedAt
	if at.IsZero() {
		at = time.Now()
	}
	payload, err := json.Marshal(DeadLetter{
		JobID:      job.ID,
		SessionKey: job.SessionKey,
		Step:       job.Step,
		Attempts:   job.Attempts,
		LastError:  job.LastError,
		Input:      job.Input,
		At:         at.UTC(),
	})
	if err != nil {
		return err
	}
	handle, err := a.client.Stream(a.stream)
	if err != nil {
		return err
	}
	_, err = handle.Add(ctx, string(jobs.StatusDeadLettered), payload)
	return err
}
