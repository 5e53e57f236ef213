// Package fetcher wraps remote loaders with the client cache: cache-first
// reads, write-through on success, and a cache fallback when the network fails.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/solosolocodes/lablab-sub002/internal/adapter/otel"
	"github.com/solosolocodes/lablab-sub002/internal/cachestore"
	"github.com/solosolocodes/lablab-sub002/internal/domain"
)

// Origin tells where a fetched value came from.
type Origin string

const (
	OriginCache         Origin = "cache"
	OriginNetwork       Origin = "network"
	OriginCacheFallback Origin = "cache_fallback"
)

// Loader performs the network read for one key.
type Loader[T any] func(ctx context.Context) (T, error)

// Request describes one cache-backed fetch.
type Request[T any] struct {
	Key         string
	Load        Loader[T]
	TTL         time.Duration
	BypassCache bool
}

// Result carries the fetched value and its origin.
type Result[T any] struct {
	Value  T
	Origin Origin
}

// Fetcher binds a cache store to the fetch algorithm. Methods cannot be
// generic, so fetching goes through the package-level Fetch functions.
type Fetcher struct {
	store   *cachestore.Store
	group   singleflight.Group
	metrics *otel.Metrics
	log     *slog.Logger
}

// Option configures a Fetcher.
type Option func(*Fetcher)

// WithMetrics records fetch origins on m.
func WithMetrics(m *otel.Metrics) Option {
	return func(f *Fetcher) { f.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(f *Fetcher) { f.log = l }
}

// New creates a Fetcher backed by store.
func New(store *cachestore.Store, opts ...Option) *Fetcher {
	f := &Fetcher{store: store, log: slog.Default()}
	for _, o := range opts {
		o(f)
	}
	return f
}

// Store returns the underlying cache store.
func (f *Fetcher) Store() *cachestore.Store { return f.store }

// FetchWithCache returns the value for key, loading it when the cache has no
// live entry or bypassCache is set.
func FetchWithCache[T any](ctx context.Context, f *Fetcher, key string, load Loader[T], ttl time.Duration, bypassCache bool) (T, error) {
	res, err := Fetch(ctx, f, Request[T]{Key: key, Load: load, TTL: ttl, BypassCache: bypassCache})
	return res.Value, err
}

// Fetch runs the cache-first algorithm for req:
//   - a live entry is returned without calling the loader unless BypassCache is set;
//   - a successful load is written through, unless ctx was cancelled meanwhile,
//     in which case the value is discarded and ctx.Err() returned;
//   - a failed load re-checks the cache once before returning the error.
func Fetch[T any](ctx context.Context, f *Fetcher, req Request[T]) (Result[T], error) {
	var zero Result[T]
	if req.Key == "" || req.Load == nil {
		return zero, fmt.Errorf("fetch: key and loader are required: %w", domain.ErrValidation)
	}

	ctx, span := otel.StartFetchSpan(ctx, req.Key, req.BypassCache)
	defer span.End()

	if !req.BypassCache {
		if v, ok := cachestore.Get[T](f.store, req.Key); ok {
			f.metrics.RecordFetch(ctx, string(OriginCache))
			return Result[T]{Value: v, Origin: OriginCache}, nil
		}
	}

	v, err := load(ctx, f, req)
	if err == nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			f.log.Debug("fetch result discarded, context done", "key", req.Key, "error", ctxErr)
			return zero, ctxErr
		}
		f.metrics.RecordFetch(ctx, string(OriginNetwork))
		return Result[T]{Value: v, Origin: OriginNetwork}, nil
	}

	if cached, ok := cachestore.Get[T](f.store, req.Key); ok {
		f.log.Debug("fetch failed, serving cached value", "key", req.Key, "error", err)
		f.metrics.RecordFetch(ctx, string(OriginCacheFallback))
		return Result[T]{Value: cached, Origin: OriginCacheFallback}, nil
	}

	span.RecordError(err)
	f.metrics.RecordFetch(ctx, "error")
	return zero, fmt.Errorf("fetch %s: %w", req.Key, err)
}

// load calls the loader and writes through on success. Non-bypass loads of
// the same key are coalesced. A caller stops waiting when its own ctx ends;
// a caller whose shared load failed only because another caller's ctx ended
// loads again on its own.
func load[T any](ctx context.Context, f *Fetcher, req Request[T]) (T, error) {
	var zero T
	call := func() (T, error) {
		v, err := req.Load(ctx)
		if err != nil {
			return v, err
		}
		if ctx.Err() != nil {
			return v, nil
		}
		if err := cachestore.Set(f.store, req.Key, v, req.TTL); err != nil {
			f.log.Warn("cache write-through failed", "key", req.Key, "error", err)
		}
		return v, nil
	}

	if req.BypassCache {
		return call()
	}

	ch := f.group.DoChan(req.Key, func() (any, error) {
		return call()
	})
	var res singleflight.Result
	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	case res = <-ch:
	}
	if res.Err != nil {
		if res.Shared && isContextErr(res.Err) && ctx.Err() == nil {
			f.log.Debug("coalesced fetch cancelled by another caller, retrying", "key", req.Key)
			return call()
		}
		return zero, res.Err
	}
	v, ok := res.Val.(T)
	if !ok {
		return zero, errors.New("coalesced fetch returned a different type")
	}
	return v, nil
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
