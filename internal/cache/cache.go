// Package cache implements the three-tier result cache: an in-process
// memory tier, a local SQLite tier, and a shared semantic tier backed by
// Postgres and Qdrant. A hit at any tier short-circuits upstream calls.
package cache

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/singleflight"

	"github.com/ashita-ai/senken/internal/telemetry"
)

// Cache is the tiered facade. Get walks tiers fastest-first and backfills
// faster tiers on a lower-tier hit; Put writes through all tiers.
type Cache struct {
	memory   *Memory
	disk     *Disk
	semantic *Semantic // nil disables the tier

	logger *slog.Logger
	group  singleflight.Group

	hits   metric.Int64Counter
	misses metric.Int64Counter
}

// New assembles the facade. disk and semantic may be nil to disable those
// tiers (tests, or deployments without a Qdrant).
func New(memory *Memory, disk *Disk, semantic *Semantic, logger *slog.Logger) *Cache {
	meter := telemetry.Meter("senken/cache")
	hits, _ := meter.Int64Counter("senken.cache.hits",
		metric.WithDescription("Cache hits by tier"))
	misses, _ := meter.Int64Counter("senken.cache.misses",
		metric.WithDescription("Cache misses across all tiers"))

	return &Cache{
		memory:   memory,
		disk:     disk,
		semantic: semantic,
		logger:   logger,
		hits:     hits,
		misses:   misses,
	}
}

// Get returns the cached value for key, trying memory, then disk, then the
// semantic tier (using description for similarity). Tier errors degrade to
// misses; a broken tier never fails a read.
func (c *Cache) Get(ctx context.Context, key, description string) ([]byte, bool) {
	if value, ok := c.memory.Get(key); ok {
		c.recordHit(ctx, "memory")
		return value, true
	}

	if c.disk != nil {
		value, ok, err := c.disk.Get(ctx, key)
		if err != nil {
			c.logger.Warn("disk cache read failed", "error", err, "key", key)
		} else if ok {
			c.memory.Put(key, value)
			c.recordHit(ctx, "disk")
			return value, true
		}
	}

	if c.semantic != nil && description != "" {
		value, ok, err := c.semantic.Get(ctx, description)
		if err != nil {
			c.logger.Warn("semantic cache read failed", "error", err, "key", key)
		} else if ok {
			c.backfill(ctx, key, value)
			c.recordHit(ctx, "semantic")
			return value, true
		}
	}

	c.misses.Add(ctx, 1)
	return nil, false
}

// Put writes value through every enabled tier. Lower-tier failures are
// logged, not returned; the memory tier always succeeds.
func (c *Cache) Put(ctx context.Context, key, description string, value []byte) {
	c.memory.Put(key, value)

	if c.disk != nil {
		if err := c.disk.Put(ctx, key, value); err != nil {
			c.logger.Warn("disk cache write failed", "error", err, "key", key)
		}
	}

	if c.semantic != nil && description != "" {
		if err := c.semantic.Put(ctx, key, description, value); err != nil {
			c.logger.Warn("semantic cache write failed", "error", err, "key", key)
		}
	}
}

// Fetch returns the cached value for key or, on a miss, runs fill once
// (concurrent misses for the same key share a single call) and writes the
// result through all tiers.
func (c *Cache) Fetch(ctx context.Context, key, description string, fill func(ctx context.Context) ([]byte, error)) ([]byte, bool, error) {
	if value, ok := c.Get(ctx, key, description); ok {
		return value, true, nil
	}

	v, err, _ := c.group.Do(key, func() (any, error) {
		// Re-check under the flight: a concurrent fill may have landed.
		if value, ok := c.memory.Get(key); ok {
			return value, nil
		}
		value, err := fill(ctx)
		if err != nil {
			return nil, err
		}
		c.Put(ctx, key, description, value)
		return value, nil
	})
	if err != nil {
		return nil, false, err
	}
	return v.([]byte), false, nil
}

// Invalidate removes all entries whose key starts with prefix from every
// tier. Returns the largest per-tier removal count, which approximates the
// number of distinct logical entries dropped.
func (c *Cache) Invalidate(ctx context.Context, prefix string) (int, error) {
	removed := c.memory.InvalidatePrefix(prefix)

	if c.disk != nil {
		n, err := c.disk.InvalidatePrefix(ctx, prefix)
		if err != nil {
			return removed, err
		}
		removed = max(removed, n)
	}

	if c.semantic != nil {
		n, err := c.semantic.InvalidatePrefix(ctx, prefix)
		if err != nil {
			return removed, err
		}
		removed = max(removed, n)
	}

	c.logger.Info("cache invalidated", "prefix", prefix, "removed", removed)
	return removed, nil
}

// Close releases tier resources.
func (c *Cache) Close() error {
	_ = c.memory.Close()
	if c.disk != nil {
		return c.disk.Close()
	}
	return nil
}

func (c *Cache) backfill(ctx context.Context, key string, value []byte) {
	c.memory.Put(key, value)
	if c.disk != nil {
		if err := c.disk.Put(ctx, key, value); err != nil {
			c.logger.Warn("disk cache backfill failed", "error", err, "key", key)
		}
	}
}

func (c *Cache) recordHit(ctx context.Context, tier string) {
	c.hits.Add(ctx, 1, metric.WithAttributes(attribute.String("tier", tier)))
}
