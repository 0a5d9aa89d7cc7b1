// Package redis provides the Redis-backed cache tier of the session store.
// Entries are JSON documents stored under a key prefix with a TTL; pair the
// cache with a durable store using session.NewTiered.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"goa.design/taskrun/runtime/task/session"
)

const (
	defaultPrefix = "taskrun:session:"
	defaultTTL    = 10 * time.Minute
	cacheName     = "session-redis"
)

type (
	// Options configures the cache.
	Options struct {
		// Prefix is prepended to workflow keys. Defaults to "taskrun:session:".
		Prefix string
		// TTL bounds how long an entry may serve reads. Defaults to 10 minutes.
		TTL time.Duration
	}

	// Cache implements session.Cache on Redis.
	Cache struct {
		rdb    *redis.Client
		prefix string
		ttl    time.Duration
	}
)

var _ session.Cache = (*Cache)(nil)

// New returns a cache using rdb.
func New(rdb *redis.Client, opts Options) (*Cache, error) {
	if rdb == nil {
		return nil, errors.New("redis client is required")
	}
	prefix := opts.Prefix
	if prefix == "" {
		prefix = defaultPrefix
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &Cache{rdb: rdb, prefix: prefix, ttl: ttl}, nil
}

// Get implements session.Cache.
func (c *Cache) Get(ctx context.Context, key string) (*session.Session, error) {
	raw, err := c.rdb.Get(ctx, c.prefix+key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, session.ErrSessionNotFound
		}
		return nil, fmt.Errorf("get session %q: %w", key, err)
	}
	var s session.Session
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("decode session %q: %w", key, err)
	}
	return &s, nil
}

// Set implements session.Cache.
func (c *Cache) Set(ctx context.Context, s *session.Session) error {
	if s == nil || s.Key == "" {
		return errors.New("workflow key is required")
	}
	raw, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode session %q: %w", s.Key, err)
	}
	if err := c.rdb.Set(ctx, c.prefix+s.Key, raw, c.ttl).Err(); err != nil {
		return fmt.Errorf("set session %q: %w", s.Key, err)
	}
	return nil
}

// Delete implements session.Cache.
func (c *Cache) Delete(ctx context.Context, key string) error {
	if err := c.rdb.Del(ctx, c.prefix+key).Err(); err != nil {
		return fmt.Errorf("delete session %q: %w", key, err)
	}
	return nil
}

// Name implements health.Pinger.
func (c *Cache) Name() string { return cacheName }

// Ping implements health.Pinger.
func (c *Cache) Ping(ctx context.Context) error { return c.rdb.Ping(ctx).Err() }
