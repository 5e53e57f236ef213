package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/solosolocodes/lablab-sub002/internal/adapter/authorityhttp"
	"github.com/solosolocodes/lablab-sub002/internal/adapter/filesnap"
	lnats "github.com/solosolocodes/lablab-sub002/internal/adapter/nats"
	"github.com/solosolocodes/lablab-sub002/internal/adapter/natskv"
	"github.com/solosolocodes/lablab-sub002/internal/adapter/otel"
	"github.com/solosolocodes/lablab-sub002/internal/cachestore"
	"github.com/solosolocodes/lablab-sub002/internal/config"
	"github.com/solosolocodes/lablab-sub002/internal/fetcher"
	"github.com/solosolocodes/lablab-sub002/internal/port/cache"
	"github.com/solosolocodes/lablab-sub002/internal/progresssync"
	"github.com/solosolocodes/lablab-sub002/internal/resilience"
)

// stack is the participant-side core: cache, fetcher and synchronizer over
// the authority HTTP client.
type stack struct {
	client  *authorityhttp.Client
	store   *cachestore.Store
	fetch   *fetcher.Fetcher
	sync    *progresssync.Synchronizer
	metrics *otel.Metrics
	queue   *lnats.Queue
}

func buildStack(ctx context.Context, cfg *config.Config, log *slog.Logger) (*stack, error) {
	st := &stack{}

	metrics, err := otel.NewMetrics()
	if err != nil {
		return nil, fmt.Errorf("metrics: %w", err)
	}
	st.metrics = metrics

	persister, err := st.openPersister(ctx, cfg, log)
	if err != nil {
		return nil, err
	}
	st.store = cachestore.Open(ctx, persister,
		cachestore.WithDebounce(cfg.Cache.Debounce),
		cachestore.WithLogger(log),
	)

	st.client = authorityhttp.NewClient(cfg.Authority.BaseURL, cfg.Authority.ParticipantID, cfg.Authority.Timeout)
	st.client.SetBreaker(resilience.NewBreaker(cfg.Breaker.MaxFailures, cfg.Breaker.Timeout))

	st.fetch = fetcher.New(st.store, fetcher.WithMetrics(metrics), fetcher.WithLogger(log))
	st.sync = progresssync.New(st.client, st.fetch,
		progresssync.WithTimeout(cfg.Session.SyncTimeout),
		progresssync.WithTTL(cfg.Cache.ProgressTTL),
		progresssync.WithMetrics(metrics),
		progresssync.WithLogger(log),
	)
	return st, nil
}

// openPersister picks the snapshot backend: a NATS KV bucket when NATS is
// configured, else a file when a snapshot path is set. With neither it
// returns nil and the cache lives in memory only.
func (st *stack) openPersister(ctx context.Context, cfg *config.Config, log *slog.Logger) (cache.Persister, error) {
	if cfg.NATS.URL != "" && cfg.Cache.SnapshotBucket != "" {
		q, err := lnats.Connect(ctx, cfg.NATS.URL, log)
		if err != nil {
			return nil, fmt.Errorf("nats: %w", err)
		}
		kv, err := q.KeyValue(ctx, cfg.Cache.SnapshotBucket, 0)
		if err != nil {
			_ = q.Close()
			return nil, fmt.Errorf("snapshot bucket: %w", err)
		}
		st.queue = q
		return natskv.NewSnapshot(kv, snapshotKey(cfg.Authority.ParticipantID)), nil
	}
	if cfg.Cache.SnapshotPath != "" {
		return filesnap.New(cfg.Cache.SnapshotPath), nil
	}
	return nil, nil
}

// snapshotKey maps a participant id to a valid KV key.
func snapshotKey(participantID string) string {
	b := []byte(participantID)
	for i, c := range b {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '_':
		default:
			b[i] = '_'
		}
	}
	return "participant." + string(b)
}

// close flushes the cache snapshot and releases connections.
func (st *stack) close(ctx context.Context) error {
	err := st.store.Close(ctx)
	if st.queue != nil {
		_ = st.queue.Close()
	}
	return err
}
