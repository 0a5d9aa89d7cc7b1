package transcript

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

type (
	// Store persists transcripts by conversation handle.
	Store interface {
		// Load returns the transcript for handle or ErrUnknownHandle.
		Load(ctx context.Context, handle string) (Transcript, error)
		// Save replaces the transcript stored for handle.
		Save(ctx context.Context, handle string, t Transcript) error
	}

	// Memory is a process-local Store.
	Memory struct {
		mu          sync.Mutex
		transcripts map[string]Transcript
	}

	// Redis stores transcripts as JSON documents so conversations can be
	// resumed by any worker process.
	Redis struct {
		rdb    *redis.Client
		prefix string
		ttl    time.Duration
	}
)

// ErrUnknownHandle is returned when no transcript exists for a handle.
var ErrUnknownHandle = errors.New("unknown conversation handle")

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{transcripts: make(map[string]Transcript)}
}

// Load implements Store.
func (m *Memory) Load(_ context.Context, handle string) (Transcript, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.transcripts[handle]
	if !ok {
		return nil, ErrUnknownHandle
	}
	return append(Transcript(nil), t...), nil
}

// Save implements Store.
func (m *Memory) Save(_ context.Context, handle string, t Transcript) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transcripts[handle] = append(Transcript(nil), t...)
	return nil
}

// NewRedis returns a Redis-backed store. Entries expire after ttl
// when positive.
func NewRedis(rdb *redis.Client, prefix string, ttl time.Duration) (*Redis, error) {
	if rdb == nil {
		return nil, errors.New("redis client is required")
	}
	if prefix == "" {
		prefix = "taskrun:transcript:"
	}
	return &Redis{rdb: rdb, prefix: prefix, ttl: ttl}, nil
}

// Load implements Store.
func (r *Redis) Load(ctx context.Context, handle string) (Transcript, error) {
	raw, err := r.rdb.Get(ctx, r.prefix+handle).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrUnknownHandle
		}
		return nil, fmt.Errorf("get transcript: %w", err)
	}
	var t Transcript
	if err := json.Unmarshal(raw, &t); err != nil {
		return nil, fmt.Errorf("decode transcript: %w", err)
	}
	return t, nil
}

// Save implements Store.
func (r *Redis) Save(ctx context.Context, handle string, t Transcript) error {
	raw, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("encode transcript: %w", err)
	}
	return r.rdb.Set(ctx, r.prefix+handle, raw, r.ttl).Err()
}
