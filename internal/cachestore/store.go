// Package cachestore implements the client-side cache: a key/value store with
// per-entry expiry, kept in memory and persisted as a snapshot in the
// background so it survives restarts.
package cachestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/solosolocodes/lablab-sub002/internal/port/cache"
)

// snapshotVersion is bumped whenever the snapshot layout changes. Snapshots
// with another version are ignored.
const snapshotVersion = 1

// DefaultDebounce is the delay between a mutation and the snapshot write it triggers.
const DefaultDebounce = 500 * time.Millisecond

// Entry is a cached value with its expiry.
type Entry struct {
	Key         string          `json:"key"`
	Data        json.RawMessage `json:"data"`
	ExpiresAt   time.Time       `json:"expires_at"`
	LastUpdated time.Time       `json:"last_updated"`
}

func (e *Entry) expired(now time.Time) bool {
	return e.ExpiresAt.Before(now)
}

type snapshot struct {
	Version int     `json:"version"`
	SavedAt int64   `json:"saved_at"`
	Entries []Entry `json:"entries"`
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithDebounce sets the delay between a mutation and the snapshot write.
func WithDebounce(d time.Duration) Option {
	return func(s *Store) { s.debounce = d }
}

// WithLogger sets the logger used for persistence diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.log = l }
}

// Store is the in-memory cache index. All reads and writes are synchronous
// and guarded by one mutex; persistence happens on a background goroutine.
type Store struct {
	mu      sync.Mutex
	entries map[string]*Entry
	dirty   bool

	persister cache.Persister
	debounce  time.Duration
	now       func() time.Time
	log       *slog.Logger

	poke      chan struct{}
	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// Open creates a Store and loads the snapshot from p. A missing or unreadable
// snapshot is not an error: the store starts cold. A nil p gives a store that
// lives in memory only.
func Open(ctx context.Context, p cache.Persister, opts ...Option) *Store {
	s := &Store{
		entries:   make(map[string]*Entry),
		persister: p,
		debounce:  DefaultDebounce,
		now:       time.Now,
		log:       slog.Default(),
		poke:      make(chan struct{}, 1),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}

	if p == nil {
		close(s.done)
		return s
	}

	s.restore(ctx)
	go s.writeLoop()
	return s
}

// New creates an in-memory Store without persistence.
func New(opts ...Option) *Store {
	return Open(context.Background(), nil, opts...)
}

func (s *Store) restore(ctx context.Context) {
	data, err := s.persister.Load(ctx)
	if err != nil {
		if !errors.Is(err, cache.ErrNoSnapshot) {
			s.log.Warn("cache snapshot unreadable, starting cold", "error", err)
		}
		return
	}

	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		s.log.Warn("cache snapshot corrupt, starting cold", "error", err, "bytes", len(data))
		return
	}
	if snap.Version != snapshotVersion {
		s.log.Warn("cache snapshot version mismatch, starting cold", "version", snap.Version, "want", snapshotVersion)
		return
	}

	now := s.now()
	loaded := 0
	for i := range snap.Entries {
		e := snap.Entries[i]
		if e.Key == "" || len(e.Data) == 0 || e.expired(now) {
			continue
		}
		s.entries[e.Key] = &e
		loaded++
	}
	s.log.Debug("cache snapshot restored", "entries", loaded, "skipped", len(snap.Entries)-loaded)
}

// SetRaw stores already encoded JSON under key for ttl.
func (s *Store) SetRaw(key string, data json.RawMessage, ttl time.Duration) {
	now := s.now()
	s.mu.Lock()
	s.entries[key] = &Entry{
		Key:         key,
		Data:        append(json.RawMessage(nil), data...),
		ExpiresAt:   now.Add(ttl),
		LastUpdated: now,
	}
	s.dirty = true
	s.mu.Unlock()
	s.schedule()
}

// GetRaw returns the encoded value stored under key. Expired entries are
// deleted and reported absent.
func (s *Store) GetRaw(key string) (json.RawMessage, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.live(key)
	if !ok {
		return nil, false
	}
	return append(json.RawMessage(nil), e.Data...), true
}

// Entry returns a copy of the live entry under key.
func (s *Store) Entry(key string) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.live(key)
	if !ok {
		return Entry{}, false
	}
	c := *e
	c.Data = append(json.RawMessage(nil), e.Data...)
	return c, true
}

// Has reports whether a live entry exists under key.
func (s *Store) Has(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.live(key)
	return ok
}

// Remove deletes the entry under key.
func (s *Store) Remove(key string) {
	s.mu.Lock()
	_, ok := s.entries[key]
	if ok {
		delete(s.entries, key)
		s.dirty = true
	}
	s.mu.Unlock()
	if ok {
		s.schedule()
	}
}

// Clear deletes every entry.
func (s *Store) Clear() {
	s.mu.Lock()
	s.entries = make(map[string]*Entry)
	s.dirty = true
	s.mu.Unlock()
	s.schedule()
}

// Len returns the number of stored entries, including expired ones not yet purged.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// live must be called with s.mu held.
func (s *Store) live(key string) (*Entry, bool) {
	e, ok := s.entries[key]
	if !ok {
		return nil, false
	}
	if e.expired(s.now()) {
		delete(s.entries, key)
		s.dirty = true
		return nil, false
	}
	return e, true
}

func (s *Store) schedule() {
	if s.persister == nil {
		return
	}
	select {
	case s.poke <- struct{}{}:
	default:
	}
}

func (s *Store) writeLoop() {
	defer close(s.done)
	for {
		select {
		case <-s.stop:
			return
		case <-s.poke:
		}

		t := time.NewTimer(s.debounce)
		select {
		case <-s.stop:
			t.Stop()
			return
		case <-t.C:
		}

		if err := s.Flush(context.Background()); err != nil {
			s.log.Warn("cache snapshot write failed", "error", err)
		}
	}
}

// Flush writes a snapshot now if anything changed since the last write.
func (s *Store) Flush(ctx context.Context) error {
	if s.persister == nil {
		return nil
	}

	s.mu.Lock()
	if !s.dirty {
		s.mu.Unlock()
		return nil
	}
	now := s.now()
	snap := snapshot{Version: snapshotVersion, SavedAt: now.UnixMilli()}
	for _, e := range s.entries {
		if e.expired(now) {
			continue
		}
		snap.Entries = append(snap.Entries, *e)
	}
	s.dirty = false
	s.mu.Unlock()

	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode cache snapshot: %w", err)
	}
	if err := s.persister.Save(ctx, data); err != nil {
		s.mu.Lock()
		s.dirty = true
		s.mu.Unlock()
		return fmt.Errorf("save cache snapshot: %w", err)
	}
	return nil
}

// Close stops the background writer and writes a final snapshot.
func (s *Store) Close(ctx context.Context) error {
	var err error
	s.closeOnce.Do(func() {
		if s.persister == nil {
			return
		}
		close(s.stop)
		<-s.done
		err = s.Flush(ctx)
	})
	return err
}

// Set encodes v as JSON and stores it under key for ttl.
func Set[T any](s *Store, key string, v T, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("cache encode %s: %w", key, err)
	}
	s.SetRaw(key, data, ttl)
	return nil
}

// Get decodes the value stored under key. An entry that no longer decodes
// into T is removed and reported absent.
func Get[T any](s *Store, key string) (T, bool) {
	var v T
	data, ok := s.GetRaw(key)
	if !ok {
		return v, false
	}
	if err := json.Unmarshal(data, &v); err != nil {
		s.log.Debug("cache entry undecodable, dropping", "key", key, "error", err)
		s.Remove(key)
		var zero T
		return zero, false
	}
	return v, true
}
