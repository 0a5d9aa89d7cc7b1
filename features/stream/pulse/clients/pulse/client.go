// Package pulse wraps the Pulse streams used by taskrun: the per-session
// event streams, the dead-letter stream and the job trigger stream. Stream
// handles are opened once per name and reused.
package pulse

//go:generate cmg gen .

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"goa.design/clue/health"
	"goa.design/pulse/streaming"
	streamopts "goa.design/pulse/streaming/options"
)

type (
	// Options configures the Pulse client.
	Options struct {
		// Redis backs the streams. Required.
		Redis *redis.Client
		// StreamMaxLen bounds the entries kept per stream. Zero uses the
		// Pulse default.
		StreamMaxLen int
		// OperationTimeout bounds each Add. Zero means no timeout.
		OperationTimeout time.Duration
	}

	// Client opens Pulse streams.
	Client interface {
		health.Pinger

		// Stream returns the handle of the named stream, creating the stream
		// on first use. Options only apply when the handle is first opened.
		Stream(name string, opts ...streamopts.Stream) (Stream, error)
		// Close drops the cached handles. The Redis connection belongs to
		// the caller and stays open.
		Close(ctx context.Context) error
	}

	// Stream publishes events and opens consumer groups.
	Stream interface {
		// Add publishes payload under the event name and returns the Redis
		// entry ID.
		Add(ctx context.Context, event string, payload []byte) (string, error)
		// NewSink opens the named consumer group.
		NewSink(ctx context.Context, name string, opts ...streamopts.Sink) (Sink, error)
	}

	// Sink is a consumer group reading a stream.
	Sink interface {
		// Subscribe returns the channel of incoming events.
		Subscribe() <-chan *streaming.Event
		// Ack removes ev from the pending list.
		Ack(context.Context, *streaming.Event) error
		// Close stops the sink.
		Close(context.Context)
	}

	client struct {
		redis   *redis.Client
		maxLen  int
		timeout time.Duration

		mu      sync.Mutex
		handles map[string]*handle
	}

	handle struct {
		stream  *streaming.Stream
		timeout time.Duration
	}

	sinkAdapter struct {
		*streaming.Sink
	}
)

const (
	clientName = "pulse"
	// maxHandles bounds the handle cache; session streams are keyed by
	// session so the set of names grows with traffic.
	maxHandles = 1024
)

// New returns a Client backed by opts.Redis.
func New(opts Options) (Client, error) {
	if opts.Redis == nil {
		return nil, errors.New("redis client is required")
	}
	if opts.StreamMaxLen < 0 {
		return nil, errors.New("stream max length must not be negative")
	}
	return &client{
		redis:   opts.Redis,
		maxLen:  opts.StreamMaxLen,
		timeout: opts.OperationTimeout,
		handles: make(map[string]*handle),
	}, nil
}

// Name implements health.Pinger.
func (c *client) Name() string { return clientName }

// Ping implements health.Pinger.
func (c *client) Ping(ctx context.Context) error {
	return c.redis.Ping(ctx).Err()
}

func (c *client) Stream(name string, opts ...streamopts.Stream) (Stream, error) {
	if name == "" {
		return nil, errors.New("stream name is required")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if h, ok := c.handles[name]; ok {
		return h, nil
	}
	var all []streamopts.Stream
	if c.maxLen > 0 {
		all = append(all, streamopts.WithStreamMaxLen(c.maxLen))
	}
	all = append(all, opts...)
	str, err := streaming.NewStream(name, c.redis, all...)
	if err != nil {
		return nil, fmt.Errorf("open pulse stream %q: %w", name, err)
	}
	h := &handle{stream: str, timeout: c.timeout}
	if len(c.handles) >= maxHandles {
		clear(c.handles)
	}
	c.handles[name] = h
	return h, nil
}

func (c *client) Close(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	clear(c.handles)
	return nil
}

func (h *handle) Add(ctx context.Context, event string, payload []byte) (string, error) {
	if event == "" {
		return "", errors.New("event name is required")
	}
	if h.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.timeout)
		defer cancel()
	}
	id, err := h.stream.Add(ctx, event, payload)
	if err != nil {
		return "", fmt.Errorf("pulse add %s: %w", event, err)
	}
	return id, nil
}

func (h *handle) NewSink(ctx context.Context, name string, opts ...streamopts.Sink) (Sink, error) {
	if name == "" {
		return nil, errors.New("sink name is required")
	}
	sink, err := h.stream.NewSink(ctx, name, opts...)
	if err != nil {
		return nil, fmt.Errorf("open pulse sink %q: %w", name, err)
	}
	return sinkAdapter{Sink: sink}, nil
}

// Close stops the consumer group.
func (s sinkAdapter) Close(ctx context.Context) {
	s.Sink.Close(ctx)
}
