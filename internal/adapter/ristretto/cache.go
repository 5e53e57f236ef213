// Package ristretto implements the byte cache port on dgraph-io/ristretto.
// The authority keeps decoded session documents here in front of Postgres.
package ristretto

import (
	"context"
	"errors"
	"time"

	"github.com/dgraph-io/ristretto/v2"

	"github.com/solosolocodes/lablab-sub002/internal/port/cache"
)

const minCostBytes = 1 << 20

// Cache is an in-process L1 cache bounded by the total size of its values.
type Cache struct {
	c *ristretto.Cache[string, []byte]
}

var _ cache.Cache = (*Cache)(nil)

// New creates a cache holding at most maxCostBytes of values. Sizes below
// one MiB are raised to one MiB.
func New(maxCostBytes int64) (*Cache, error) {
	if maxCostBytes < minCostBytes {
		maxCostBytes = minCostBytes
	}
	c, err := ristretto.NewCache(&ristretto.Config[string, []byte]{
		// Session documents are a few KiB; count ten keys per expected entry.
		NumCounters: maxCostBytes / 1024 * 10,
		MaxCost:     maxCostBytes,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &Cache{c: c}, nil
}

// Get returns a copy of the stored value.
func (c *Cache) Get(_ context.Context, key string) (data []byte, ok bool, err error) {
	val, found := c.c.Get(key)
	if !found {
		return nil, false, nil
	}
	return append([]byte(nil), val...), true, nil
}

// Set stores value for ttl. A ttl of zero keeps the entry until it is
// evicted. Writes are buffered; use Wait to make them visible immediately.
func (c *Cache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl < 0 {
		return errors.New("ristretto: negative ttl")
	}
	stored := append([]byte(nil), value...)
	// A write rejected by the admission policy shows up as a later miss.
	c.c.SetWithTTL(key, stored, int64(len(stored)), ttl)
	return nil
}

// Delete removes a value from the cache.
func (c *Cache) Delete(_ context.Context, key string) error {
	c.c.Del(key)
	return nil
}

// Wait blocks until buffered writes are applied.
func (c *Cache) Wait() {
	c.c.Wait()
}

// Close shuts down the cache and releases resources.
func (c *Cache) Close() {
	c.c.Close()
}
