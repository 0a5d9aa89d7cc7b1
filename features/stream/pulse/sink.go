// Package pulse publishes external task events to goa.design/pulse streams.
// Services build a Redis client, pass it to the Pulse client in clients/pulse,
// and hand the resulting sink to the worker. Consumers read the per-session
// streams with a Subscriber.
package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"goa.design/taskrun/features/stream/pulse/clients/pulse"
	"goa.design/taskrun/runtime/task/stream"
)

type (
	// Options configures the Pulse sink.
	Options struct {
		// Client is the Pulse client used to publish events. Required.
		Client pulse.Client
		// StreamID derives the target Pulse stream from an event. Defaults to
		// `session/<SessionKey>`.
		StreamID func(stream.Event) (string, error)
		// Marshal overrides the event serialization (primarily for tests).
		Marshal func(stream.Event) ([]byte, error)
	}

	// Sink publishes stream events into Pulse streams. Events of one session
	// share a stream so consumers observe them in publish order.
	// Thread-safe for concurrent Send operations.
	Sink struct {
		client   pulse.Client
		streamID func(stream.Event) (string, error)
		marshal  func(stream.Event) ([]byte, error)
	}
)

var _ stream.Sink = (*Sink)(nil)

// NewSink constructs a Pulse-backed stream sink.
func NewSink(opts Options) (*Sink, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	s := &Sink{
		client:   opts.Client,
		streamID: SessionStreamID,
		marshal:  defaultMarshal,
	}
	if opts.StreamID != nil {
		s.streamID = opts.StreamID
	}
	if opts.Marshal != nil {
		s.marshal = opts.Marshal
	}
	return s, nil
}

// Send publishes the event to the derived Pulse stream using the event kind as
// the Pulse event name.
func (s *Sink) Send(ctx context.Context, event stream.Event) error {
	streamID, err := s.streamID(event)
	if err != nil {
		return err
	}
	handle, err := s.client.Stream(streamID)
	if err != nil {
		return err
	}
	payload, err := s.marshal(event)
	if err != nil {
		return err
	}
	if _, err := handle.Add(ctx, string(event.Kind), payload); err != nil {
		return err
	}
	return nil
}

// Close releases resources owned by the sink. This delegates to the underlying
// Pulse client, which may or may not close the Redis connection depending on
// the client implementation.
func (s *Sink) Close(ctx context.Context) error {
	return s.client.Close(ctx)
}

// SessionStreamID derives the Pulse stream name from the event session key.
func SessionStreamID(event stream.Event) (string, error) {
	if event.SessionKey == "" {
		return "", errors.New("stream event missing session key")
	}
	return StreamName(event.SessionKey), nil
}

// StreamName returns the Pulse stream carrying the events of sessionKey.
func StreamName(sessionKey string) string {
	return fmt.Sprintf("session/%s", sessionKey)
}

func defaultMarshal(event stream.Event) ([]byte, error) {
	return json.Marshal(event)
}
