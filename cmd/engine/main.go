package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"pairengine/internal/cache"
	"pairengine/internal/commission"
	"pairengine/internal/config"
	"pairengine/internal/engine"
	"pairengine/internal/httpserver"
	"pairengine/internal/ledger"
	"pairengine/internal/logging"
	"pairengine/internal/metrics"
	"pairengine/internal/report"
	"pairengine/internal/repo"
	"pairengine/internal/session"
	"pairengine/internal/settings"
	"pairengine/internal/tree"
	"pairengine/internal/wallet"
	"pairengine/migrations"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := logging.NewLogger(cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting pair engine", "env", cfg.AppEnv, "driver", cfg.DatabaseDriver, "timezone", cfg.BusinessTimezone)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	metricRegistry := metrics.Registry(cfg.MetricsNamespace)

	var repository *repo.Store
	if cfg.DatabaseDriver == config.DriverPostgres {
		repository, err = repo.New(ctx, cfg.DatabaseURL, cfg.DatabaseSchema, logger)
	} else {
		repository, err = repo.NewSQLite(ctx, cfg.SQLitePath, logger)
	}
	if err != nil {
		return fmt.Errorf("init repository: %w", err)
	}
	defer repository.Close()

	if err := repository.RunMigrations(ctx, migrations.Files); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	logger.Info("database migrated")

	settingsStore := settings.NewStore(repository, logger)
	business, err := settingsStore.EnsureDefaults(ctx)
	if err != nil {
		return fmt.Errorf("load business config: %w", err)
	}
	logger.Info("business config loaded", "version", business.Version, "packages", len(business.Packages))

	var (
		redisClient  *cache.Redis
		locker       session.Locker
		summaryCache report.Cache
	)
	if cfg.RedisAddr != "" {
		redisClient = cache.New(cache.Config{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			UseTLS:   cfg.RedisTLS,
		}, logger)
		defer func() {
			if err := redisClient.Close(); err != nil {
				logger.Warn("failed closing redis", "error", err)
			}
		}()
		if err := redisClient.Ping(ctx); err != nil {
			logger.Warn("redis ping failed", "error", err)
		}
		locker = redisClient
		summaryCache = redisClient
	} else {
		logger.Info("redis not configured, relying on stored window leases only")
	}

	retry := repo.RetryPolicy{
		MaxAttempts: cfg.EngineMaxAttempts,
		Backoff:     cfg.EngineRetryBackoff,
		OnRetry: func(attempt int, err error) {
			logger.Debug("retrying transaction", "attempt", attempt, "error", err)
		},
	}

	placement := tree.New(repository, retry, logger)
	volumes := ledger.New(repository, settingsStore, cfg.Location, retry, logger)
	wallets := wallet.NewService(repository, logger)
	distributor := commission.New(repository, retry, metricRegistry, logger)
	matcher := engine.New(repository, distributor, engine.Options{Workers: cfg.EngineWorkers, Retry: retry}, metricRegistry, logger)
	reports := report.NewService(repository, summaryCache, cfg.SummaryCacheTTL, logger)

	scheduler := session.New(repository, settingsStore, matcher, distributor, locker, reports, session.Options{
		Location:   cfg.Location,
		LeaseTTL:   cfg.EngineLeaseTTL,
		RunTimeout: cfg.EngineRunTimeout,
		InstanceID: cfg.EngineInstanceID,
	}, metricRegistry, logger)

	// Close times are read once; the catch-up tick covers windows edited later.
	cal, _, err := scheduler.Calendar(ctx)
	if err != nil {
		return fmt.Errorf("build session calendar: %w", err)
	}
	driver, err := session.NewDriver(ctx, scheduler, cal, cfg.EngineTickInterval, logger)
	if err != nil {
		return fmt.Errorf("init session driver: %w", err)
	}
	driver.Start()
	defer driver.Stop()

	httpSrv := httpserver.New(cfg.HTTPListenAddr, logger, metricRegistry, httpserver.Dependencies{
		Repository:  repository,
		Redis:       redisClient,
		Settings:    settingsStore,
		Ledger:      volumes,
		Tree:        placement,
		Wallets:     wallets,
		Reports:     reports,
		Scheduler:   scheduler,
		Distributor: distributor,
	}, cfg.PublicBasePath)

	errCh := make(chan error, 1)
	go func() {
		if err := httpSrv.Start(); err != nil {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "error", err)
	}

	return nil
}
