package session

import (
	"context"
	"errors"
	"fmt"

	"goa.design/taskrun/runtime/task/telemetry"
)

type (
	// Tiered combines a durable store with a fast cache. Loads check the
	// cache first and repopulate it from the durable tier on a miss. Saves
	// write through: the durable write is authoritative and cache failures
	// are logged.
	Tiered struct {
		durable Store
		cache   Cache
		logger  telemetry.Logger
	}

	// TieredOptions configures a Tiered store.
	TieredOptions struct {
		Logger telemetry.Logger
	}
)

// NewTiered returns a two-tier store. cache may be nil, in which case the
// store reads and writes the durable tier only.
func NewTiered(durable Store, cache Cache, opts TieredOptions) (*Tiered, error) {
	if durable == nil {
		return nil, errors.New("durable session store is required")
	}
	return &Tiered{durable: durable, cache: cache, logger: telemetry.OrNoopLogger(opts.Logger)}, nil
}

// Load implements Store.
func (t *Tiered) Load(ctx context.Context, key string) (*Session, error) {
	if t.cache != nil {
		s, err := t.cache.Get(ctx, key)
		if err == nil {
			return s, nil
		}
		if !errors.Is(err, ErrSessionNotFound) {
			t.logger.Warn(ctx, "session cache read failed", "key", key, "err", err)
		}
	}
	s, err := t.durable.Load(ctx, key)
	if err != nil {
		return nil, err
	}
	t.populate(ctx, s)
	return s, nil
}

// Save implements Store.
func (t *Tiered) Save(ctx context.Context, s *Session) error {
	if s == nil {
		return errors.New("session is required")
	}
	if err := t.durable.Save(ctx, s); err != nil {
		if errors.Is(err, ErrConflict) {
			t.evict(ctx, s.Key)
		}
		return err
	}
	t.populate(ctx, s)
	return nil
}

// Clear implements Store. The cache entry is evicted after the durable
// reset; unlike Save a failed eviction is returned since a stale cached
// handle would resume the cleared conversation.
func (t *Tiered) Clear(ctx context.Context, key string) error {
	if err := t.durable.Clear(ctx, key); err != nil {
		return err
	}
	if t.cache == nil {
		return nil
	}
	if err := t.cache.Delete(ctx, key); err != nil {
		return fmt.Errorf("evict cleared session: %w", err)
	}
	return nil
}

func (t *Tiered) populate(ctx context.Context, s *Session) {
	if t.cache == nil {
		return
	}
	if err := t.cache.Set(ctx, s); err != nil {
		t.logger.Warn(ctx, "session cache write failed", "key", s.Key, "err", err)
		t.evict(ctx, s.Key)
	}
}

func (t *Tiered) evict(ctx context.Context, key string) {
	if t.cache == nil {
		return
	}
	if err := t.cache.Delete(ctx, key); err != nil {
		t.logger.Warn(ctx, "session cache eviction failed", "key", key, "err", err)
	}
}
