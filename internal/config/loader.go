package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultConfigFile is the path checked for YAML configuration.
const DefaultConfigFile = "lablab.yaml"

// Load returns a Config using the hierarchy: defaults < YAML < ENV.
// YAML file is optional; missing file is not an error.
func Load() (*Config, error) {
	return LoadFrom(DefaultConfigFile)
}

// LoadFrom returns a Config loaded from the given YAML path using the
// hierarchy: defaults < YAML < ENV. The YAML file is optional.
func LoadFrom(yamlPath string) (*Config, error) {
	cfg := Defaults()

	if err := loadYAML(&cfg, yamlPath); err != nil {
		return nil, fmt.Errorf("config yaml: %w", err)
	}

	loadEnv(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validate: %w", err)
	}

	return &cfg, nil
}

// loadYAML reads the YAML file and unmarshals it over cfg.
// Returns nil if the file does not exist.
func loadYAML(cfg *Config, path string) error {
	data, err := os.ReadFile(path) //nolint:gosec // G304: path is validated by caller
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}

	return nil
}

// loadEnv overlays environment variables onto cfg.
// Only non-empty env values override the current config.
func loadEnv(cfg *Config) {
	setString(&cfg.Server.Port, "LABLAB_PORT")
	setString(&cfg.Server.CORSOrigin, "LABLAB_CORS_ORIGIN")
	setDuration(&cfg.Server.RequestTimeout, "LABLAB_REQUEST_TIMEOUT")
	setInt64(&cfg.Server.MaxBodyBytes, "LABLAB_MAX_BODY_BYTES")

	setString(&cfg.Postgres.DSN, "DATABASE_URL")
	setInt32(&cfg.Postgres.MaxConns, "LABLAB_PG_MAX_CONNS")
	setInt32(&cfg.Postgres.MinConns, "LABLAB_PG_MIN_CONNS")
	setDuration(&cfg.Postgres.MaxConnLifetime, "LABLAB_PG_MAX_CONN_LIFETIME")
	setDuration(&cfg.Postgres.MaxConnIdleTime, "LABLAB_PG_MAX_CONN_IDLE_TIME")
	setDuration(&cfg.Postgres.HealthCheck, "LABLAB_PG_HEALTH_CHECK")

	setString(&cfg.NATS.URL, "NATS_URL")

	// Authority client
	setString(&cfg.Authority.BaseURL, "LABLAB_AUTHORITY_URL")
	setString(&cfg.Authority.ParticipantID, "LABLAB_PARTICIPANT_ID")
	setDuration(&cfg.Authority.Timeout, "LABLAB_AUTHORITY_TIMEOUT")

	// Cache
	setString(&cfg.Cache.SnapshotPath, "LABLAB_CACHE_SNAPSHOT_PATH")
	setString(&cfg.Cache.SnapshotBucket, "LABLAB_CACHE_SNAPSHOT_BUCKET")
	setDuration(&cfg.Cache.Debounce, "LABLAB_CACHE_DEBOUNCE")
	setDuration(&cfg.Cache.SessionTTL, "LABLAB_CACHE_SESSION_TTL")
	setDuration(&cfg.Cache.ProgressTTL, "LABLAB_CACHE_PROGRESS_TTL")
	setDuration(&cfg.Cache.PrefetchTTL, "LABLAB_CACHE_PREFETCH_TTL")
	setInt64(&cfg.Cache.L1MaxSizeMB, "LABLAB_CACHE_L1_SIZE_MB")
	setDuration(&cfg.Cache.L1TTL, "LABLAB_CACHE_L1_TTL")
	setString(&cfg.Cache.L2Bucket, "LABLAB_CACHE_L2_BUCKET")
	setDuration(&cfg.Cache.L2TTL, "LABLAB_CACHE_L2_TTL")

	// Session
	setDuration(&cfg.Session.Tick, "LABLAB_SESSION_TICK")
	setDuration(&cfg.Session.AutoAdvanceGrace, "LABLAB_SESSION_GRACE")
	setDuration(&cfg.Session.PrefetchDelay, "LABLAB_PREFETCH_DELAY")
	setInt(&cfg.Session.PrefetchConcurrency, "LABLAB_PREFETCH_CONCURRENCY")
	setDuration(&cfg.Session.SyncTimeout, "LABLAB_SYNC_TIMEOUT")

	setString(&cfg.Logging.Level, "LABLAB_LOG_LEVEL")
	setString(&cfg.Logging.Service, "LABLAB_LOG_SERVICE")
	setBool(&cfg.Logging.Async, "LABLAB_LOG_ASYNC")

	setInt(&cfg.Breaker.MaxFailures, "LABLAB_BREAKER_MAX_FAILURES")
	setDuration(&cfg.Breaker.Timeout, "LABLAB_BREAKER_TIMEOUT")

	// Telemetry
	setBool(&cfg.Otel.Enabled, "LABLAB_OTEL_ENABLED")
	setString(&cfg.Otel.Endpoint, "LABLAB_OTEL_ENDPOINT")
	setBool(&cfg.Otel.Insecure, "LABLAB_OTEL_INSECURE")
	setFloat64(&cfg.Otel.SampleRatio, "LABLAB_OTEL_SAMPLE_RATIO")
	setDuration(&cfg.Otel.MetricInterval, "LABLAB_OTEL_METRIC_INTERVAL")
}

// validate checks that required fields are set.
func validate(cfg *Config) error {
	if cfg.Server.Port == "" {
		return errors.New("server.port is required")
	}
	if cfg.Postgres.MaxConns < 1 {
		return errors.New("postgres.max_conns must be >= 1")
	}
	if cfg.Authority.Timeout <= 0 {
		return errors.New("authority.timeout must be > 0")
	}
	if cfg.Session.Tick <= 0 {
		return errors.New("session.tick must be > 0")
	}
	if cfg.Session.SyncTimeout <= 0 {
		return errors.New("session.sync_timeout must be > 0")
	}
	if cfg.Session.PrefetchConcurrency < 1 {
		return errors.New("session.prefetch_concurrency must be >= 1")
	}
	if cfg.Breaker.MaxFailures < 1 {
		return errors.New("breaker.max_failures must be >= 1")
	}
	if cfg.Otel.SampleRatio < 0 || cfg.Otel.SampleRatio > 1 {
		return errors.New("otel.sample_ratio must be within [0,1]")
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt32(dst *int32, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 32); err == nil {
			*dst = int32(n)
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
