// Package gatescache mirrors computed gate values into a shared cache so
// dashboards and list views can read them without recomputing. The cache is
// advisory: transition decisions always recompute from source facts, so a
// stale or missing entry is never a correctness problem.
package gatescache

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const gatesKeyPrefix = "envelope:gates:"

// RedisCache is the shared implementation for deployments where several
// instances serve reads.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedis constructs a Redis-backed gates cache. Entries expire after ttl
// so a crashed writer cannot leave stale values behind forever.
func NewRedis(client *redis.Client, ttl time.Duration) *RedisCache {
	return &RedisCache{client: client, ttl: ttl}
}

func (c *RedisCache) Put(ctx context.Context, envelopeID uuid.UUID, gates map[string]bool) error {
	raw, err := json.Marshal(gates)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, gatesKeyPrefix+envelopeID.String(), raw, c.ttl).Err()
}

func (c *RedisCache) Get(ctx context.Context, envelopeID uuid.UUID) (map[string]bool, bool, error) {
	raw, err := c.client.Get(ctx, gatesKeyPrefix+envelopeID.String()).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var gates map[string]bool
	if err := json.Unmarshal(raw, &gates); err != nil {
		return nil, false, err
	}
	return gates, true, nil
}

// MemoryCache is the single-process fallback for tests and development.
type MemoryCache struct {
	mu    sync.RWMutex
	gates map[uuid.UUID]map[string]bool
}

func NewMemory() *MemoryCache {
	return &MemoryCache{gates: make(map[uuid.UUID]map[string]bool)}
}

func (c *MemoryCache) Put(_ context.Context, envelopeID uuid.UUID, gates map[string]bool) error {
	clone := make(map[string]bool, len(gates))
	for k, v := range gates {
		clone[k] = v
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gates[envelopeID] = clone
	return nil
}

func (c *MemoryCache) Get(_ context.Context, envelopeID uuid.UUID) (map[string]bool, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	stored, ok := c.gates[envelopeID]
	if !ok {
		return nil, false, nil
	}
	clone := make(map[string]bool, len(stored))
	for k, v := range stored {
		clone[k] = v
	}
	return clone, true, nil
}
