// Package cache defines the port interfaces for caching and cache persistence.
package cache

import (
	"context"
	"errors"
	"time"
)

// Cache is the port interface for key-value caching.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// ErrNoSnapshot is returned by a Persister when nothing has been saved yet.
var ErrNoSnapshot = errors.New("no cache snapshot")

// Persister stores an opaque snapshot of a client-side cache so it survives
// process restarts. Implementations need not be atomic with respect to
// concurrent readers of the same snapshot; the cache tolerates corrupt data.
type Persister interface {
	Load(ctx context.Context) ([]byte, error)
	Save(ctx context.Context, data []byte) error
}
