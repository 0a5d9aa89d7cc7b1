// Package inmem provides an in-process stream.Sink that fans events out to
// subscribers registered per session key.
package inmem

import (
	"context"
	"errors"
	"sync"

	"goa.design/taskrun/runtime/task/stream"
)

type (
	// Broker is a stream.Sink delivering each event to the subscribers of its
	// session key. Send blocks while a subscriber's buffer is full, which
	// applies backpressure to the producing run and preserves ordering.
	Broker struct {
		mu     sync.RWMutex
		subs   map[string]map[*subscriber]struct{}
		closed bool
	}

	subscriber struct {
		mu     sync.Mutex
		ch     chan stream.Event
		done   chan struct{}
		once   sync.Once
		closed bool
	}
)

// ErrClosed is returned by Send once the broker is closed.
var ErrClosed = errors.New("stream broker closed")

// NewBroker returns an empty broker.
func NewBroker() *Broker {
	return &Broker{subs: make(map[string]map[*subscriber]struct{})}
}

// Subscribe returns a channel receiving the events of sessionKey and a
// function that cancels the subscription and closes the channel. The
// channel is also closed when the broker closes.
func (b *Broker) Subscribe(sessionKey string, buffer int) (<-chan stream.Event, func()) {
	if buffer < 0 {
		buffer = 0
	}
	s := &subscriber{ch: make(chan stream.Event, buffer), done: make(chan struct{})}
	b.mu.Lock()
	if b.subs[sessionKey] == nil {
		b.subs[sessionKey] = make(map[*subscriber]struct{})
	}
	b.subs[sessionKey][s] = struct{}{}
	b.mu.Unlock()
	cancel := func() {
		b.mu.Lock()
		delete(b.subs[sessionKey], s)
		if len(b.subs[sessionKey]) == 0 {
			delete(b.subs, sessionKey)
		}
		b.mu.Unlock()
		s.close()
	}
	return s.ch, cancel
}

// Send implements stream.Sink.
func (b *Broker) Send(ctx context.Context, evt stream.Event) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrClosed
	}
	targets := make([]*subscriber, 0, len(b.subs[evt.SessionKey]))
	for s := range b.subs[evt.SessionKey] {
		targets = append(targets, s)
	}
	b.mu.RUnlock()
	for _, s := range targets {
		if err := s.send(ctx, evt); err != nil {
			return err
		}
	}
	return nil
}

// Close implements stream.Sink. Subscriber channels are closed.
func (b *Broker) Close(context.Context) error {
	b.mu.Lock()
	b.closed = true
	subs := b.subs
	b.subs = make(map[string]map[*subscriber]struct{})
	b.mu.Unlock()
	for _, set := range subs {
		for s := range set {
			s.close()
		}
	}
	return nil
}

func (s *subscriber) send(ctx context.Context, evt stream.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	select {
	case s.ch <- evt:
		return nil
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// close unblocks pending sends through done, then closes the event channel
// once no sender holds the lock.
func (s *subscriber) close() {
	s.once.Do(func() {
		close(s.done)
		s.mu.Lock()
		s.closed = true
		close(s.ch)
		s.mu.Unlock()
	})
}
