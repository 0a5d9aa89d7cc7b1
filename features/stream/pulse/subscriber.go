package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"

	"goa.design/pulse/streaming"
	streamopts "goa.design/pulse/streaming/options"

	clientspulse "goa.design/taskrun/features/stream/pulse/clients/pulse"
	"goa.design/taskrun/runtime/task/stream"
	"goa.design/taskrun/runtime/task/telemetry"
)

type (
	// SubscriberOptions configures a Subscriber.
	SubscriberOptions struct {
		// Client opens the session streams. Required.
		Client clientspulse.Client
		// SinkName is the consumer group. Defaults to "taskrun_subscriber".
		// Subscribers sharing a group split the events between them.
		SinkName string
		// Buffer is the capacity of the events channel. Defaults to 64.
		Buffer int
		// Kinds restricts delivery to the listed event kinds. Other events
		// are acked and dropped. Empty delivers every kind.
		Kinds []stream.Kind
		// Logger records dropped entries.
		Logger telemetry.Logger
	}

	// Subscriber follows the Pulse streams of sessions.
	Subscriber struct {
		client clientspulse.Client
		group  string
		buffer int
		kinds  []stream.Kind
		logger telemetry.Logger
	}

	// Subscription delivers the events of one session until closed.
	Subscription struct {
		events chan stream.Event
		errs   chan error
		cancel context.CancelFunc
		sink   clientspulse.Sink
		once   sync.Once
		done   chan struct{}
	}
)

// NewSubscriber returns a Subscriber configured with opts.
func NewSubscriber(opts SubscriberOptions) (*Subscriber, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	group := opts.SinkName
	if group == "" {
		group = "taskrun_subscriber"
	}
	buffer := opts.Buffer
	if buffer <= 0 {
		buffer = 64
	}
	return &Subscriber{
		client: opts.Client,
		group:  group,
		buffer: buffer,
		kinds:  slices.Clone(opts.Kinds),
		logger: telemetry.OrNoopLogger(opts.Logger),
	}, nil
}

// Subscribe joins the consumer group on the stream of sessionKey. Entries
// that do not decode are acked, logged and skipped so one bad producer
// cannot stall a watcher.
func (s *Subscriber) Subscribe(ctx context.Context, sessionKey string, opts ...streamopts.Sink) (*Subscription, error) {
	if sessionKey == "" {
		return nil, errors.New("session key is required")
	}
	str, err := s.client.Stream(StreamName(sessionKey))
	if err != nil {
		return nil, err
	}
	sink, err := str.NewSink(ctx, s.group, opts...)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(ctx)
	sub := &Subscription{
		events: make(chan stream.Event, s.buffer),
		errs:   make(chan error, 1),
		cancel: cancel,
		sink:   sink,
		done:   make(chan struct{}),
	}
	go s.forward(ctx, sub)
	return sub, nil
}

// Events returns the delivered events. The channel closes when the
// subscription ends.
func (sub *Subscription) Events() <-chan stream.Event { return sub.events }

// Err returns the channel reporting the error that ended the subscription,
// if any. It closes with the events channel.
func (sub *Subscription) Err() <-chan error { return sub.errs }

// Close ends the subscription, leaves the consumer group and waits for the
// forwarding goroutine to exit.
func (sub *Subscription) Close() {
	sub.once.Do(func() {
		sub.cancel()
		<-sub.done
		sub.sink.Close(context.Background())
	})
}

func (s *Subscriber) forward(ctx context.Context, sub *Subscription) {
	defer close(sub.done)
	defer close(sub.errs)
	defer close(sub.events)
	in := sub.sink.Subscribe()
	for {
		var entry *streaming.Event
		select {
		case <-ctx.Done():
			return
		case e, ok := <-in:
			if !ok {
				return
			}
			entry = e
		}
		evt, deliver := s.accept(ctx, entry)
		if deliver {
			select {
			case sub.events <- evt:
			case <-ctx.Done():
				return
			}
		}
		if err := sub.sink.Ack(ctx, entry); err != nil {
			sub.errs <- fmt.Errorf("pulse ack %s: %w", entry.ID, err)
			return
		}
	}
}

// accept decodes entry and reports whether it passes the kind filter.
func (s *Subscriber) accept(ctx context.Context, entry *streaming.Event) (stream.Event, bool) {
	var evt stream.Event
	if err := json.Unmarshal(entry.Payload, &evt); err != nil {
		s.logger.Warn(ctx, "dropping malformed stream entry", "id", entry.ID, "err", err)
		return evt, false
	}
	if len(s.kinds) > 0 && !slices.Contains(s.kinds, evt.Kind) {
		return evt, false
	}
	return evt, true
}
