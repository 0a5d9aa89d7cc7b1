// Package hooks implements the lifecycle hook bus of the reasoning loop.
// Observers receive events synchronously in registration order. An observer
// that fails (returns an error or panics) is logged and skipped: a broken
// observer never aborts task execution.
package hooks

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"goa.design/taskrun/runtime/task/telemetry"
)

type (
	// Bus delivers lifecycle events to registered observers.
	Bus interface {
		// Fire delivers evt to every observer registered for evt.Kind, in
		// registration order, in the caller's goroutine.
		Fire(ctx context.Context, evt Event)
		// Register adds o for the given kinds, or for every kind when none is
		// given. Close the returned Subscription to unregister.
		Register(o Observer, kinds ...Kind) (Subscription, error)
	}

	// Observer reacts to lifecycle events.
	Observer interface {
		HandleEvent(ctx context.Context, evt Event) error
	}

	// ObserverFunc adapts a function to Observer.
	ObserverFunc func(ctx context.Context, evt Event) error

	// Subscription is an active registration. Close is idempotent.
	Subscription interface {
		Close() error
	}

	// Options configures a Bus.
	Options struct {
		// Logger receives observer failures.
		Logger telemetry.Logger
	}

	bus struct {
		mu        sync.RWMutex
		observers []*subscription
		logger    telemetry.Logger
	}

	subscription struct {
		bus      *bus
		observer Observer
		kinds    []Kind
		once     sync.Once
	}
)

// NewBus returns an empty bus.
func NewBus(opts Options) Bus {
	return &bus{logger: telemetry.OrNoopLogger(opts.Logger)}
}

// HandleEvent implements Observer.
func (f ObserverFunc) HandleEvent(ctx context.Context, evt Event) error {
	return f(ctx, evt)
}

func (b *bus) Fire(ctx context.Context, evt Event) {
	b.mu.RLock()
	subs := slices.Clone(b.observers)
	b.mu.RUnlock()
	for _, s := range subs {
		if !s.accepts(evt.Kind) {
			continue
		}
		if err := b.deliver(ctx, s.observer, evt); err != nil {
			b.logger.Error(ctx, "hook observer failed",
				"kind", string(evt.Kind), "run_id", evt.Run.ID, "err", err)
		}
	}
}

func (b *bus) Register(o Observer, kinds ...Kind) (Subscription, error) {
	if o == nil {
		return nil, errors.New("observer is required")
	}
	s := &subscription{bus: b, observer: o, kinds: kinds}
	b.mu.Lock()
	b.observers = append(b.observers, s)
	b.mu.Unlock()
	return s, nil
}

// deliver invokes o and converts panics into errors.
func (b *bus) deliver(ctx context.Context, o Observer, evt Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("observer panic: %v", r)
		}
	}()
	return o.HandleEvent(ctx, evt)
}

func (s *subscription) accepts(k Kind) bool {
	return len(s.kinds) == 0 || slices.Contains(s.kinds, k)
}

func (s *subscription) Close() error {
	s.once.Do(func() {
		s.bus.mu.Lock()
		defer s.bus.mu.Unlock()
		s.bus.observers = slices.DeleteFunc(s.bus.observers, func(o *subscription) bool { return o == s })
	})
	return nil
}
