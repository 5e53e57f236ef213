// Package natskv implements the cache ports on NATS JetStream KV: an L2
// remote cache for the authority and a snapshot persister for clients.
package natskv

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/solosolocodes/lablab-sub002/internal/port/cache"
)

// Cache wraps a NATS JetStream KeyValue store as an L2 cache.
type Cache struct {
	kv jetstream.KeyValue
}

// New creates a NATS KV-backed cache.
func New(kv jetstream.KeyValue) *Cache {
	return &Cache{kv: kv}
}

// Get retrieves a value from the NATS KV store.
func (c *Cache) Get(ctx context.Context, key string) (data []byte, ok bool, err error) {
	entry, err := c.kv.Get(ctx, key)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return entry.Value(), true, nil
}

// Set stores a value in the NATS KV store. TTL is managed at bucket level.
func (c *Cache) Set(ctx context.Context, key string, value []byte, _ time.Duration) error {
	_, err := c.kv.Put(ctx, key, value)
	return err
}

// Delete removes a value from the NATS KV store.
func (c *Cache) Delete(ctx context.Context, key string) error {
	err := c.kv.Delete(ctx, key)
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return nil
	}
	return err
}

// Snapshot persists a client cache snapshot under a single KV key.
type Snapshot struct {
	kv  jetstream.KeyValue
	key string
}

// NewSnapshot creates a persister storing the snapshot under key.
func NewSnapshot(kv jetstream.KeyValue, key string) *Snapshot {
	return &Snapshot{kv: kv, key: key}
}

// Load returns the stored snapshot.
func (s *Snapshot) Load(ctx context.Context) ([]byte, error) {
	entry, err := s.kv.Get(ctx, s.key)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return nil, cache.ErrNoSnapshot
		}
		return nil, fmt.Errorf("nats kv get %s: %w", s.key, err)
	}
	return entry.Value(), nil
}

// Save replaces the stored snapshot.
func (s *Snapshot) Save(ctx context.Context, data []byte) error {
	if _, err := s.kv.Put(ctx, s.key, data); err != nil {
		return fmt.Errorf("nats kv put %s: %w", s.key, err)
	}
	return nil
}
