package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	streamopts "goa.design/pulse/streaming/options"

	clientspulse "goa.design/taskrun/features/stream/pulse/clients/pulse"
	"goa.design/taskrun/runtime/task/jobs"
	"goa.design/taskrun/runtime/task/telemetry"
)

// TriggerStream is the default stream carrying job triggers.
const TriggerStream = "jobs/triggers"

type (
	// Trigger is the payload producers publish to request a job.
	Trigger struct {
		SessionKey string          `json:"session_key"`
		Step       string          `json:"step,omitempty"`
		Input      json.RawMessage `json:"input,omitempty"`
	}

	// Enqueuer accepts job requests. *jobs.Dispatcher satisfies it.
	Enqueuer interface {
		Enqueue(ctx context.Context, req jobs.Request) (string, error)
	}

	// TriggerOptions configures a TriggerConsumer.
	TriggerOptions struct {
		// Stream is the trigger stream. Defaults to TriggerStream.
		Stream string
		// SinkName is the consumer group shared by dispatcher processes.
		// Defaults to "taskrun_dispatcher".
		SinkName string
		// Logger records dropped and failed triggers.
		Logger telemetry.Logger
	}

	// TriggerConsumer reads triggers from a Pulse stream and enqueues them.
	// Malformed triggers are acked and dropped. Triggers that fail to enqueue
	// are left unacked so Pulse redelivers them.
	TriggerConsumer struct {
		client   clientspulse.Client
		enqueuer Enqueuer
		stream   string
		sinkName string
		logger   telemetry.Logger
	}
)

// NewTriggerConsumer returns a consumer enqueueing into enq.
func NewTriggerConsumer(client clientspulse.Client, enq Enqueuer, opts TriggerOptions) (*TriggerConsumer, error) {
	if client == nil {
		return nil, errors.New("pulse client is required")
	}
	if enq == nil {
		return nil, errors.New("enqueuer is required")
	}
	name := opts.Stream
	if name == "" {
		name = TriggerStream
	}
	sinkName := opts.SinkName
	if sinkName == "" {
		sinkName = "taskrun_dispatcher"
	}
	return &TriggerConsumer{
		client:   client,
		enqueuer: enq,
		stream:   name,
		sinkName: sinkName,
		logger:   telemetry.OrNoopLogger(opts.Logger),
	}, nil
}

// Run consumes triggers until ctx is done or the sink closes.
func (c *TriggerConsumer) Run(ctx context.Context, opts ...streamopts.Sink) error {
	str, err := c.client.Stream(c.stream)
	if err != nil {
		return fmt.Errorf("open trigger stream: %w", err)
	}
	sink, err := str.NewSink(ctx, c.sinkName, opts...)
	if err != nil {
		return fmt.Errorf("open trigger sink: %w", err)
	}
	defer sink.Close(context.WithoutCancel(ctx))
	ch := sink.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return nil
		case evt, ok := <-ch:
			if !ok {
				return nil
			}
			var trig Trigger
			if err := json.Unmarshal(evt.Payload, &trig); err != nil || trig.SessionKey == "" {
				c.logger.Warn(ctx, "dropping malformed trigger", "event_id", evt.ID, "err", err)
				if err := sink.Ack(ctx, evt); err != nil {
					return fmt.Errorf("pulse ack: %w", err)
				}
				continue
			}
			id, err := c.enqueuer.Enqueue(ctx, jobs.Request{SessionKey: trig.SessionKey, Step: trig.Step, Input: trig.Input})
			if err != nil {
				c.logger.Error(ctx, "enqueue trigger failed", "event_id", evt.ID, "session_key", trig.SessionKey, "err", err)
				continue
			}
			c.logger.Debug(ctx, "trigger enqueued", "event_id", evt.ID, "job_id", id)
			if err := sink.Ack(ctx, evt); err != nil {
				return fmt.Errorf("pulse ack: %w", err)
			}
		}
	}
}

// PublishTrigger publishes trig on streamName, TriggerStream when empty.
func PublishTrigger(ctx context.Context, client clientspulse.Client, streamName string, trig Trigger) (string, error) {
	if trig.SessionKey == "" {
		return "", errors.New("session key is required")
	}
	if streamName == "" {
		streamName = TriggerStream
	}
	str, err := client.Stream(streamName)
	if err != nil {
		return "", err
	}
	payload, err := json.Marshal(trig)
	if err != nil {
		return "", err
	}
	return str.Add(ctx, "trigger", payload)
}
