package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Canceller records external cancel requests. The loop polls it at every
// iteration boundary, so a request made on another instance is honoured too.
type Canceller interface {
	Request(ctx context.Context, jobID string) error
	Requested(ctx context.Context, jobID string) (bool, error)
	Clear(ctx context.Context, jobID string) error
}

// MemoryCanceller keeps cancel flags in process.
type MemoryCanceller struct {
	mu    sync.Mutex
	flags map[string]struct{}
}

func NewMemoryCanceller() *MemoryCanceller {
	return &MemoryCanceller{flags: make(map[string]struct{})}
}

func (m *MemoryCanceller) Request(_ context.Context, jobID string) error {
	m.mu.Lock()
	m.flags[jobID] = struct{}{}
	m.mu.Unlock()
	return nil
}

func (m *MemoryCanceller) Requested(_ context.Context, jobID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.flags[jobID]
	return ok, nil
}

func (m *MemoryCanceller) Clear(_ context.Context, jobID string) error {
	m.mu.Lock()
	delete(m.flags, jobID)
	m.mu.Unlock()
	return nil
}

// RedisCanceller stores flags as keys "research:cancel:<job>" with a TTL.
type RedisCanceller struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisCanceller(client *redis.Client, ttl time.Duration) *RedisCanceller {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisCanceller{client: client, ttl: ttl}
}

func cancelKey(jobID string) string { return "research:cancel:" + jobID }

func (r *RedisCanceller) Request(ctx context.Context, jobID string) error {
	if err := r.client.Set(ctx, cancelKey(jobID), time.Now().UTC().Format(time.RFC3339), r.ttl).Err(); err != nil {
		return fmt.Errorf("set cancel flag: %w", err)
	}
	return nil
}

func (r *RedisCanceller) Requested(ctx context.Context, jobID string) (bool, error) {
	err := r.client.Get(ctx, cancelKey(jobID)).Err()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("get cancel flag: %w", err)
	}
	return true, nil
}

func (r *RedisCanceller) Clear(ctx context.Context, jobID string) error {
	return r.client.Del(ctx, cancelKey(jobID)).Err()
}
