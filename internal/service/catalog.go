// Package service implements the authority's business logic on top of ports.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/solosolocodes/lablab-sub002/internal/domain"
	"github.com/solosolocodes/lablab-sub002/internal/domain/experiment"
	"github.com/solosolocodes/lablab-sub002/internal/port/cache"
	"github.com/solosolocodes/lablab-sub002/internal/port/database"
)

// DefaultDocumentTTL bounds how long documents stay in the cache.
const DefaultDocumentTTL = time.Hour

// CatalogService serves session definitions and scenario assets. Documents
// are read through a byte cache in front of the store.
type CatalogService struct {
	store database.Store
	cache cache.Cache
	ttl   time.Duration
	group singleflight.Group
	log   *slog.Logger
}

// NewCatalogService creates a CatalogService. c may be nil to disable caching.
func NewCatalogService(store database.Store, c cache.Cache, ttl time.Duration) *CatalogService {
	if ttl <= 0 {
		ttl = DefaultDocumentTTL
	}
	return &CatalogService{store: store, cache: c, ttl: ttl, log: slog.Default()}
}

// SetLogger sets the logger.
func (s *CatalogService) SetLogger(l *slog.Logger) {
	s.log = l
}

func sessionCacheKey(id string) string  { return "session." + id }
func scenarioCacheKey(id string) string { return "scenario." + id }
func walletCacheKey(id string) string   { return "wallet." + id }

// GetSession returns the session definition with stages in order.
func (s *CatalogService) GetSession(ctx context.Context, id string) (*experiment.Session, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: session id is required", domain.ErrValidation)
	}
	raw, err := s.cached(ctx, sessionCacheKey(id), func(ctx context.Context) (json.RawMessage, error) {
		sess, err := s.store.GetSession(ctx, id)
		if err != nil {
			return nil, err
		}
		if err := sess.Prepare(); err != nil {
			return nil, err
		}
		return json.Marshal(sess)
	})
	if err != nil {
		return nil, err
	}

	var sess experiment.Session
	if err := json.Unmarshal(raw, &sess); err != nil {
		s.invalidate(ctx, sessionCacheKey(id))
		return nil, fmt.Errorf("decode session %s: %w", id, errors.Join(domain.ErrMalformed, err))
	}
	return &sess, nil
}

// PutSession validates and stores a session definition.
func (s *CatalogService) PutSession(ctx context.Context, sess *experiment.Session) error {
	if err := s.store.PutSession(ctx, sess); err != nil {
		return err
	}
	s.invalidate(ctx, sessionCacheKey(sess.ID))
	return nil
}

// GetScenarioDetail returns the opaque scenario document.
func (s *CatalogService) GetScenarioDetail(ctx context.Context, id string) (json.RawMessage, error) {
	return s.cached(ctx, scenarioCacheKey(id), func(ctx context.Context) (json.RawMessage, error) {
		return s.store.GetScenarioDetail(ctx, id)
	})
}

// GetWalletAssets returns the opaque wallet asset document.
func (s *CatalogService) GetWalletAssets(ctx context.Context, id string) (json.RawMessage, error) {
	return s.cached(ctx, walletCacheKey(id), func(ctx context.Context) (json.RawMessage, error) {
		return s.store.GetWalletAssets(ctx, id)
	})
}

// PutScenarioDetail stores a scenario document.
func (s *CatalogService) PutScenarioDetail(ctx context.Context, id string, doc json.RawMessage) error {
	if err := s.store.PutScenarioDetail(ctx, id, doc); err != nil {
		return err
	}
	s.invalidate(ctx, scenarioCacheKey(id))
	return nil
}

// PutWalletAssets stores a wallet asset document.
func (s *CatalogService) PutWalletAssets(ctx context.Context, id string, doc json.RawMessage) error {
	if err := s.store.PutWalletAssets(ctx, id, doc); err != nil {
		return err
	}
	s.invalidate(ctx, walletCacheKey(id))
	return nil
}

// cached returns the document under key, loading and caching it on a miss.
// Concurrent misses for one key share a single load; a caller stops waiting
// when its own ctx ends.
func (s *CatalogService) cached(ctx context.Context, key string, load func(context.Context) (json.RawMessage, error)) (json.RawMessage, error) {
	if s.cache != nil {
		data, ok, err := s.cache.Get(ctx, key)
		if err != nil {
			s.log.WarnContext(ctx, "document cache read failed", "key", key, "error", err)
		} else if ok {
			return json.RawMessage(data), nil
		}
	}

	fill := func() (json.RawMessage, error) {
		doc, err := load(ctx)
		if err != nil {
			return nil, err
		}
		if s.cache != nil {
			if err := s.cache.Set(ctx, key, doc, s.ttl); err != nil {
				s.log.WarnContext(ctx, "document cache write failed", "key", key, "error", err)
			}
		}
		return doc, nil
	}

	ch := s.group.DoChan(key, func() (any, error) {
		return fill()
	})
	var res singleflight.Result
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res = <-ch:
	}
	if res.Err != nil {
		// The shared load ran under another request's context.
		if res.Shared && ctx.Err() == nil &&
			(errors.Is(res.Err, context.Canceled) || errors.Is(res.Err, context.DeadlineExceeded)) {
			return fill()
		}
		return nil, res.Err
	}
	return res.Val.(json.RawMessage), nil
}

func (s *CatalogService) invalidate(ctx context.Context, key string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Delete(ctx, key); err != nil {
		s.log.WarnContext(ctx, "document cache delete failed", "key", key, "error", err)
	}
}
