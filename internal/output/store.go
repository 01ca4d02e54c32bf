// Package output stores what each view publishes to its host: the last
// command that executed successfully and the current selection.
package output

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pitabwire/datagrid/model"
)

// DefaultTTL is how long an output outlives its last update.
const DefaultTTL = 30 * time.Minute

// Store keeps the latest output of every view. Entries expire after the
// store's TTL so abandoned views do not accumulate.
type Store interface {
	// Publish replaces the output of out.ViewID.
	Publish(ctx context.Context, out model.ViewOutput) error
	// Get returns the output of viewID, or found=false when there is none.
	Get(ctx context.Context, viewID string) (out model.ViewOutput, found bool, err error)
	// Delete drops the output of viewID.
	Delete(ctx context.Context, viewID string) error
}

// Key builds the storage key of a view's output.
func Key(viewID string) string {
	return "view-output:" + viewID
}

// --- MemoryStore ---

// MemoryStore is an in-memory Store with TTL support. Suitable for testing
// and single-instance deployments.
type MemoryStore struct {
	mu      sync.RWMutex
	ttl     time.Duration
	entries map[string]*memEntry
	now     func() time.Time
}

type memEntry struct {
	data      model.ViewOutput
	expiresAt time.Time
}

// NewMemoryStore creates an in-memory store. A non-positive ttl uses
// DefaultTTL.
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &MemoryStore{
		ttl:     ttl,
		entries: make(map[string]*memEntry),
		now:     time.Now,
	}
}

// Publish stores out with the store's TTL.
func (s *MemoryStore) Publish(_ context.Context, out model.ViewOutput) error {
	if out.ViewID == "" {
		return fmt.Errorf("publish output: empty view id")
	}
	out.SelectedIDs = append([]string{}, out.SelectedIDs...)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[out.ViewID] = &memEntry{data: out, expiresAt: s.now().Add(s.ttl)}
	return nil
}

// Get returns the stored output of viewID.
func (s *MemoryStore) Get(_ context.Context, viewID string) (model.ViewOutput, bool, error) {
	s.mu.RLock()
	entry, exists := s.entries[viewID]
	s.mu.RUnlock()

	if !exists {
		return model.ViewOutput{}, false, nil
	}
	if s.now().After(entry.expiresAt) {
		s.mu.Lock()
		delete(s.entries, viewID)
		s.mu.Unlock()
		return model.ViewOutput{}, false, nil
	}
	out := entry.data
	out.SelectedIDs = append([]string{}, out.SelectedIDs...)
	return out, true, nil
}

// Delete removes the output of viewID.
func (s *MemoryStore) Delete(_ context.Context, viewID string) error {
	s.mu.Lock()
	delete(s.entries, viewID)
	s.mu.Unlock()
	return nil
}

// Len returns the number of entries (including expired ones). For testing.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// --- RedisStore ---

// RedisStore is a Redis-backed Store. Outputs are JSON values under Key.
type RedisStore struct {
	client redis.Cmdable
	ttl    time.Duration
}

// NewRedisStore creates a Redis-backed store. A non-positive ttl uses
// DefaultTTL.
func NewRedisStore(client redis.Cmdable, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisStore{client: client, ttl: ttl}
}

// Publish writes out with the store's TTL.
func (s *RedisStore) Publish(ctx context.Context, out model.ViewOutput) error {
	if out.ViewID == "" {
		return fmt.Errorf("publish output: empty view id")
	}
	data, err := json.Marshal(out)
	if err != nil {
		return fmt.Errorf("marshal view output: %w", err)
	}
	key := Key(out.ViewID)
	if err := s.client.Set(ctx, key, data, s.ttl).Err(); err != nil {
		return fmt.Errorf("redis set %q: %w", key, err)
	}
	return nil
}

// Get reads the output of viewID.
func (s *RedisStore) Get(ctx context.Context, viewID string) (model.ViewOutput, bool, error) {
	key := Key(viewID)
	raw, err := s.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return model.ViewOutput{}, false, nil
	}
	if err != nil {
		return model.ViewOutput{}, false, fmt.Errorf("redis get %q: %w", key, err)
	}

	var out model.ViewOutput
	if err := json.Unmarshal(raw, &out); err != nil {
		return model.ViewOutput{}, false, fmt.Errorf("unmarshal view output %q: %w", key, err)
	}
	return out, true, nil
}

// Delete removes the output of viewID.
func (s *RedisStore) Delete(ctx context.Context, viewID string) error {
	key := Key(viewID)
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("redis del %q: %w", key, err)
	}
	return nil
}

// Ping reports whether Redis is reachable. Used by the readiness check.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
