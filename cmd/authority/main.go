package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	lhttp "github.com/solosolocodes/lablab-sub002/internal/adapter/http"
	lnats "github.com/solosolocodes/lablab-sub002/internal/adapter/nats"
	"github.com/solosolocodes/lablab-sub002/internal/adapter/natskv"
	"github.com/solosolocodes/lablab-sub002/internal/adapter/otel"
	"github.com/solosolocodes/lablab-sub002/internal/adapter/postgres"
	"github.com/solosolocodes/lablab-sub002/internal/adapter/ristretto"
	"github.com/solosolocodes/lablab-sub002/internal/adapter/tiered"
	"github.com/solosolocodes/lablab-sub002/internal/adapter/ws"
	"github.com/solosolocodes/lablab-sub002/internal/config"
	"github.com/solosolocodes/lablab-sub002/internal/logger"
	"github.com/solosolocodes/lablab-sub002/internal/middleware"
	"github.com/solosolocodes/lablab-sub002/internal/port/cache"
	"github.com/solosolocodes/lablab-sub002/internal/service"
)

const serviceName = "lablab-authority"

func main() {
	if len(os.Args) > 1 && os.Args[1] == "admin" {
		if err := runAdmin(os.Args[2:]); err != nil {
			fmt.Fprintln(os.Stderr, "error:", err)
			os.Exit(1)
		}
		return
	}

	if err := run(); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if cfg.Logging.Service == config.Defaults().Logging.Service {
		cfg.Logging.Service = serviceName
	}

	log, closeLog := logger.New(cfg.Logging)
	defer closeLog.Close()
	slog.SetDefault(log)

	log.Info("config loaded",
		"port", cfg.Server.Port,
		"log_level", cfg.Logging.Level,
		"pg_max_conns", cfg.Postgres.MaxConns,
		"nats", cfg.NATS.URL != "",
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownOtel, err := otel.Setup(ctx, cfg.Otel, serviceName)
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownOtel(sctx); err != nil {
			log.Warn("otel shutdown", "error", err)
		}
	}()

	// --- Infrastructure ---

	// PostgreSQL
	pool, err := postgres.NewPool(ctx, cfg.Postgres)
	if err != nil {
		return fmt.Errorf("postgres: %w", err)
	}
	defer pool.Close()
	log.Info("postgres connected")

	applied, err := postgres.RunMigrations(ctx, cfg.Postgres.DSN)
	if err != nil {
		return fmt.Errorf("migrations: %w", err)
	}
	log.Info("migrations applied", "versions", applied)

	// L1 session cache, backed by a NATS KV bucket when NATS is configured.
	l1, err := ristretto.New(cfg.Cache.L1MaxSizeMB << 20)
	if err != nil {
		return fmt.Errorf("ristretto: %w", err)
	}
	defer l1.Close()

	var (
		l2    cache.Cache
		queue *lnats.Queue
	)
	if cfg.NATS.URL != "" {
		queue, err = lnats.Connect(ctx, cfg.NATS.URL, log)
		if err != nil {
			return fmt.Errorf("nats: %w", err)
		}
		defer func() { _ = queue.Close() }()

		kv, err := queue.KeyValue(ctx, cfg.Cache.L2Bucket, cfg.Cache.L2TTL)
		if err != nil {
			return fmt.Errorf("nats kv: %w", err)
		}
		l2 = natskv.New(kv)
	}
	docCache := tiered.New(l1, l2, cfg.Cache.L1TTL).WithLogger(log)

	// --- Services ---
	hub := ws.NewHub(log)
	defer hub.Close()

	store := postgres.NewStore(pool)
	catalog := service.NewCatalogService(store, docCache, cfg.Cache.L2TTL)
	catalog.SetLogger(log)

	progressSvc := service.NewProgressService(store, catalog, hub)
	progressSvc.SetLogger(log)
	if queue != nil {
		progressSvc.SetQueue(queue)
		cancelRelay, err := progressSvc.RelayEvents(ctx)
		if err != nil {
			return fmt.Errorf("progress relay: %w", err)
		}
		defer cancelRelay()
	}

	// --- HTTP ---
	health := map[string]lhttp.HealthCheck{"postgres": store.Ping}
	if queue != nil {
		health["nats"] = func(context.Context) error {
			if !queue.IsConnected() {
				return errors.New("disconnected")
			}
			return nil
		}
	}
	handlers := &lhttp.Handlers{
		Catalog:   catalog,
		Progress:  progressSvc,
		Health:    health,
		BodyLimit: cfg.Server.MaxBodyBytes,
	}

	r := chi.NewRouter()

	// Middleware
	r.Use(otel.HTTPMiddleware(serviceName))
	r.Use(lhttp.SecurityHeaders)
	r.Use(lhttp.CORS(cfg.Server.CORSOrigin))
	r.Use(middleware.RequestID)
	r.Use(lhttp.Logger(log))
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)

	// The live feed must outlive the request timeout.
	r.Get("/ws", hub.HandleWS)
	r.Group(func(r chi.Router) {
		r.Use(chimw.Timeout(cfg.Server.RequestTimeout))
		lhttp.MountRoutes(r, handlers, nil)
	})

	addr := ":" + cfg.Server.Port

	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("starting server", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server: %w", err)
		}
	case <-ctx.Done():
	}
	log.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	return srv.Shutdown(shutdownCtx)
}
