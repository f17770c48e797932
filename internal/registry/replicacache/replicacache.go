// Package replicacache lets several processes at one site share a single
// polled registry snapshot instead of each hammering the registry's
// /updates endpoint, mirroring the teacher's infrastructure/cache
// read-through pattern. Backed by Redis when REDIS_ADDR is configured;
// falls back to an in-process, nil-safe no-op otherwise.
package replicacache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/ddm-net/ddm/internal/registry"
)

// Snapshot is the cached replica state for one registry endpoint.
type Snapshot struct {
	Objects     []registry.Event `json:"objects"`
	LastSeq     int64            `json:"last_seq"`
	LeaseExpiry time.Time        `json:"lease_expiry"`
}

// Cache reads and writes Snapshots. A nil *Cache is valid and behaves as
// an always-miss cache, so callers needn't branch on whether Redis is
// configured.
type Cache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// New connects to addr, or returns nil (a no-op cache) if addr is empty.
func New(addr, prefix string, ttl time.Duration) *Cache {
	if addr == "" {
		return nil
	}
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &Cache{
		client: redis.NewClient(&redis.Options{Addr: addr}),
		prefix: prefix,
		ttl:    ttl,
	}
}

func (c *Cache) key(endpoint string) string {
	return c.prefix + ":replica:" + endpoint
}

// Get returns the cached snapshot for endpoint, if present and unexpired.
func (c *Cache) Get(ctx context.Context, endpoint string) (Snapshot, bool) {
	if c == nil {
		return Snapshot{}, false
	}
	raw, err := c.client.Get(ctx, c.key(endpoint)).Bytes()
	if err != nil {
		return Snapshot{}, false
	}
	var snap Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return Snapshot{}, false
	}
	return snap, true
}

// Set stores snap for endpoint, best-effort.
func (c *Cache) Set(ctx context.Context, endpoint string, snap Snapshot) {
	if c == nil {
		return
	}
	raw, err := json.Marshal(snap)
	if err != nil {
		return
	}
	_ = c.client.Set(ctx, c.key(endpoint), raw, c.ttl).Err()
}

// Close releases the underlying Redis connection, if any.
func (c *Cache) Close() error {
	if c == nil {
		return nil
	}
	return c.client.Close()
}
