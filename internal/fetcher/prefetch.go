package fetcher

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/solosolocodes/lablab-sub002/internal/adapter/otel"
	"github.com/solosolocodes/lablab-sub002/internal/domain/experiment"
)

const (
	DefaultPrefetchDelay       = 250 * time.Millisecond
	DefaultPrefetchConcurrency = 4
	DefaultPrefetchTTL         = 15 * time.Minute
)

// AssetSource loads the pass-through payloads referenced by scenario stages.
type AssetSource interface {
	GetScenarioDetail(ctx context.Context, id string) (json.RawMessage, error)
	GetWalletAssets(ctx context.Context, id string) (json.RawMessage, error)
}

// PrefetchConfig tunes the Prefetcher. Zero fields take the defaults.
type PrefetchConfig struct {
	Delay       time.Duration
	Concurrency int
	TTL         time.Duration
}

// Prefetcher warms the cache with scenario details and wallet assets so a
// later scenario stage renders without a network round trip.
type Prefetcher struct {
	f       *Fetcher
	src     AssetSource
	delay   time.Duration
	ttl     time.Duration
	sem     *semaphore.Weighted
	wg      sync.WaitGroup
	metrics *otel.Metrics
	log     *slog.Logger
}

// NewPrefetcher creates a Prefetcher. delay < 0 disables the delay.
func NewPrefetcher(f *Fetcher, src AssetSource, cfg PrefetchConfig) *Prefetcher {
	if cfg.Delay == 0 {
		cfg.Delay = DefaultPrefetchDelay
	}
	if cfg.Delay < 0 {
		cfg.Delay = 0
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = DefaultPrefetchConcurrency
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultPrefetchTTL
	}
	return &Prefetcher{
		f:       f,
		src:     src,
		delay:   cfg.Delay,
		ttl:     cfg.TTL,
		sem:     semaphore.NewWeighted(int64(cfg.Concurrency)),
		metrics: f.metrics,
		log:     f.log,
	}
}

// Schedule warms every asset referenced by s in the background and returns
// immediately. Cancelling ctx aborts the pending delay and in-flight warm-ups.
func (p *Prefetcher) Schedule(ctx context.Context, s *experiment.Session) {
	refs := s.ScenarioRefs()
	if len(refs) == 0 {
		return
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()

		if p.delay > 0 {
			t := time.NewTimer(p.delay)
			select {
			case <-ctx.Done():
				t.Stop()
				return
			case <-t.C:
			}
		}

		seen := make(map[string]struct{}, len(refs)*2)
		for _, ref := range refs {
			id := ref.ScenarioID
			p.warm(ctx, seen, "scenario", ScenarioKey(id), func(ctx context.Context) (json.RawMessage, error) {
				return p.src.GetScenarioDetail(ctx, id)
			})
			if ref.WalletID == "" {
				continue
			}
			wid := ref.WalletID
			p.warm(ctx, seen, "wallet", WalletAssetsKey(wid), func(ctx context.Context) (json.RawMessage, error) {
				return p.src.GetWalletAssets(ctx, wid)
			})
		}
	}()
}

func (p *Prefetcher) warm(ctx context.Context, seen map[string]struct{}, kind, key string, load Loader[json.RawMessage]) {
	if _, dup := seen[key]; dup {
		return
	}
	seen[key] = struct{}{}

	if err := p.sem.Acquire(ctx, 1); err != nil {
		return
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer p.sem.Release(1)

		_, err := FetchWithCache(ctx, p.f, key, load, p.ttl, false)
		if err != nil {
			p.log.Debug("prefetch failed", "key", key, "error", err)
		}
		p.metrics.RecordPrefetch(ctx, kind, err == nil)
	}()
}

// Wait blocks until all scheduled warm-ups have finished.
func (p *Prefetcher) Wait() {
	p.wg.Wait()
}
