// Package config loads process settings from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds process-level settings. Business parameters live in the
// settings store, not here.
type Config struct {
	AppEnv           string
	LogLevel         string
	LogFormat        string
	HTTPListenAddr   string
	PublicBasePath   string
	MetricsNamespace string

	DatabaseDriver string
	DatabaseURL    string
	DatabaseSchema string
	SQLitePath     string

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisTLS      bool

	BusinessTimezone string
	Location         *time.Location

	EngineWorkers      int
	EngineTickInterval time.Duration
	EngineLeaseTTL     time.Duration
	EngineRunTimeout   time.Duration
	EngineMaxAttempts  int
	EngineRetryBackoff time.Duration
	EngineInstanceID   string
	SummaryCacheTTL    time.Duration
}

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Load reads the environment. Callers load .env files beforehand.
func Load() (*Config, error) {
	l := loader{}
	cfg := &Config{
		AppEnv:           l.str("APP_ENV", "development"),
		LogLevel:         l.str("LOG_LEVEL", "info"),
		LogFormat:        l.str("LOG_FORMAT", "text"),
		HTTPListenAddr:   l.str("HTTP_LISTEN_ADDR", ":8080"),
		PublicBasePath:   l.str("PUBLIC_BASE_PATH", ""),
		MetricsNamespace: l.str("METRICS_NAMESPACE", "pairengine"),

		DatabaseDriver: strings.ToLower(l.str("DATABASE_DRIVER", DriverSQLite)),
		DatabaseURL:    l.str("DATABASE_URL", ""),
		DatabaseSchema: l.str("DATABASE_SCHEMA", "public"),
		SQLitePath:     l.str("SQLITE_PATH", "pairengine.db"),

		RedisAddr:     l.str("REDIS_ADDR", ""),
		RedisPassword: l.str("REDIS_PASSWORD", ""),
		RedisDB:       l.integer("REDIS_DB", 0),
		RedisTLS:      l.boolean("REDIS_TLS", false),

		BusinessTimezone: l.str("BUSINESS_TIMEZONE", "Asia/Kolkata"),

		EngineWorkers:      l.integer("ENGINE_WORKERS", 8),
		EngineTickInterval: l.duration("ENGINE_TICK_INTERVAL", time.Minute),
		EngineLeaseTTL:     l.duration("ENGINE_LEASE_TTL", 2*time.Minute),
		EngineRunTimeout:   l.duration("ENGINE_RUN_TIMEOUT", 30*time.Minute),
		EngineMaxAttempts:  l.integer("ENGINE_MAX_ATTEMPTS", 5),
		EngineRetryBackoff: l.duration("ENGINE_RETRY_BACKOFF", 50*time.Millisecond),
		EngineInstanceID:   l.str("ENGINE_INSTANCE_ID", hostname()),
		SummaryCacheTTL:    l.duration("SUMMARY_CACHE_TTL", 5*time.Minute),
	}
	if l.err != nil {
		return nil, l.err
	}

	switch cfg.DatabaseDriver {
	case DriverPostgres:
		if cfg.DatabaseURL == "" {
			return nil, fmt.Errorf("DATABASE_URL is required for driver %s", DriverPostgres)
		}
	case DriverSQLite:
		if cfg.SQLitePath == "" {
			return nil, fmt.Errorf("SQLITE_PATH is required for driver %s", DriverSQLite)
		}
	default:
		return nil, fmt.Errorf("DATABASE_DRIVER: unsupported value %q", cfg.DatabaseDriver)
	}

	loc, err := time.LoadLocation(cfg.BusinessTimezone)
	if err != nil {
		return nil, fmt.Errorf("BUSINESS_TIMEZONE: %w", err)
	}
	cfg.Location = loc

	if cfg.EngineWorkers < 1 {
		return nil, fmt.Errorf("ENGINE_WORKERS: must be at least 1, got %d", cfg.EngineWorkers)
	}
	if cfg.EngineMaxAttempts < 1 {
		return nil, fmt.Errorf("ENGINE_MAX_ATTEMPTS: must be at least 1, got %d", cfg.EngineMaxAttempts)
	}
	if cfg.EngineLeaseTTL < time.Second {
		return nil, fmt.Errorf("ENGINE_LEASE_TTL: must be at least 1s, got %s", cfg.EngineLeaseTTL)
	}
	cfg.PublicBasePath = strings.TrimRight(cfg.PublicBasePath, "/")
	return cfg, nil
}

// loader keeps the first parse error so Load reads like a flat list.
type loader struct {
	err error
}

func (l *loader) str(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	return def
}

func (l *loader) integer(key string, def int) int {
	v := l.str(key, "")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		l.fail(key, err)
		return def
	}
	return n
}

func (l *loader) boolean(key string, def bool) bool {
	v := l.str(key, "")
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		l.fail(key, err)
		return def
	}
	return b
}

func (l *loader) duration(key string, def time.Duration) time.Duration {
	v := l.str(key, "")
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		l.fail(key, err)
		return def
	}
	return d
}

func (l *loader) fail(key string, err error) {
	if l.err == nil {
		l.err = fmt.Errorf("%s: %w", key, err)
	}
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil {
		return "engine"
	}
	return h
}
