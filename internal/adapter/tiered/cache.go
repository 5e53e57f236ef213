// Package tiered implements a two-level (L1 + L2) cache adapter.
package tiered

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/solosolocodes/lablab-sub002/internal/port/cache"
)

// Cache combines an in-process L1 and an optional shared L2.
// Get checks L1 first, then L2, backfilling L1 on an L2 hit. An unreachable
// L2 reads as a miss. Set and Delete operate on both levels.
type Cache struct {
	l1    cache.Cache
	l2    cache.Cache
	l1TTL time.Duration
	log   *slog.Logger
}

var _ cache.Cache = (*Cache)(nil)

// New creates a tiered cache. l2 may be nil, in which case the cache is L1
// only. L1 entries never outlive l1TTL.
func New(l1, l2 cache.Cache, l1TTL time.Duration) *Cache {
	return &Cache{l1: l1, l2: l2, l1TTL: l1TTL, log: slog.Default()}
}

// WithLogger sets the logger used to report L2 failures.
func (c *Cache) WithLogger(l *slog.Logger) *Cache {
	c.log = l
	return c
}

// Get checks L1, then L2.
func (c *Cache) Get(ctx context.Context, key string) (data []byte, ok bool, err error) {
	val, found, err := c.l1.Get(ctx, key)
	if err != nil {
		return nil, false, fmt.Errorf("l1 get %s: %w", key, err)
	}
	if found || c.l2 == nil {
		return val, found, nil
	}

	val, found, err = c.l2.Get(ctx, key)
	if err != nil {
		c.log.WarnContext(ctx, "l2 cache get failed", "key", key, "error", err)
		return nil, false, nil
	}
	if !found {
		return nil, false, nil
	}
	if err := c.l1.Set(ctx, key, val, c.l1TTL); err != nil {
		c.log.DebugContext(ctx, "l1 backfill failed", "key", key, "error", err)
	}
	return val, true, nil
}

// Set writes to L1 with the smaller of ttl and the L1 bound, then to L2 with ttl.
func (c *Cache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	l1TTL := ttl
	if c.l1TTL > 0 && (l1TTL <= 0 || l1TTL > c.l1TTL) {
		l1TTL = c.l1TTL
	}
	if err := c.l1.Set(ctx, key, value, l1TTL); err != nil {
		return fmt.Errorf("l1 set %s: %w", key, err)
	}
	if c.l2 == nil {
		return nil
	}
	if err := c.l2.Set(ctx, key, value, ttl); err != nil {
		return fmt.Errorf("l2 set %s: %w", key, err)
	}
	return nil
}

// Delete removes key from both levels. L2 is attempted even when L1 fails.
func (c *Cache) Delete(ctx context.Context, key string) error {
	err1 := c.l1.Delete(ctx, key)
	if c.l2 == nil {
		return err1
	}
	if err2 := c.l2.Delete(ctx, key); err2 != nil {
		return fmt.Errorf("l2 delete %s: %w", key, err2)
	}
	return err1
}
