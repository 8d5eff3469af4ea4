// Package app provides the main application struct for centralized dependency management
// and lifecycle control of the fact cache server.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"factcache/config"
	"factcache/internal/cache"
	"factcache/internal/catalog"
	"factcache/internal/core"
	"factcache/internal/freshness"
	"factcache/internal/keys"
	"factcache/internal/refresh"
	"factcache/internal/scheduler"
	"factcache/internal/server"
	"factcache/internal/storage"
	"factcache/internal/upstream"
	"factcache/internal/verify"
)

// App represents the main application with all its dependencies.
// It provides centralized lifecycle management for all components.
type App struct {
	config      *config.Config
	storage     storage.Storage
	cache       *cache.Result
	catalog     *catalog.Result
	coordinator *refresh.Coordinator
	verifier    *verify.Verifier
	jobs        *scheduler.Queue
	scheduler   *scheduler.Scheduler
	server      *server.Server

	shutdownMu sync.Mutex
	shutdown   bool
}

// Config holds the configuration options for creating an App.
type Config struct {
	// AppConfig is the loaded application configuration.
	AppConfig *config.Config

	// Fetcher overrides the upstream provider built from AppConfig.Upstream.
	Fetcher core.Fetcher

	// Clock defaults to core.SystemClock.
	Clock core.Clock
}

// New creates a new App with all dependencies initialized.
// The caller must call Shutdown to release resources.
func New(ctx context.Context, cfg Config) (*App, error) {
	if cfg.AppConfig == nil {
		return nil, fmt.Errorf("app config is required")
	}
	appCfg := cfg.AppConfig
	clock := cfg.Clock
	if clock == nil {
		clock = core.SystemClock{}
	}

	app := &App{config: appCfg}

	// Shared database connection for the cache table and the catalog.
	store, err := storage.New(ctx, cache.BuildStorageConfig(appCfg))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}
	app.storage = store

	cacheResult, err := cache.NewWithSharedStorage(ctx, appCfg, store)
	if err != nil {
		return nil, app.abort("failed to initialize cache", err)
	}
	app.cache = cacheResult

	catalogResult, err := catalog.NewWithSharedStorage(ctx, store)
	if err != nil {
		return nil, app.abort("failed to initialize catalog", err)
	}
	app.catalog = catalogResult

	deriver, err := keys.FromConfig(appCfg.Kinds)
	if err != nil {
		return nil, app.abort("failed to build key schemas", err)
	}
	policy := freshness.FromConfig(appCfg)

	fetcher := cfg.Fetcher
	if fetcher == nil {
		chat, err := upstream.NewFromConfig(appCfg)
		if err != nil {
			return nil, app.abort("failed to initialize upstream", err)
		}
		fetcher = chat
	}

	app.coordinator, err = refresh.New(cacheResult.Store, fetcher, deriver, policy, refresh.Config{
		FetchTimeout: appCfg.Cache.FetchTimeout,
		MaxStaleness: appCfg.Cache.MaxStaleness,
		Clock:        clock,
	})
	if err != nil {
		return nil, app.abort("failed to initialize refresh coordinator", err)
	}

	verifyCfg := verify.ConfigFrom(appCfg.Verify)
	verifyCfg.Clock = clock
	app.verifier, err = verify.New(catalogResult.Store, fetcher, verifyCfg)
	if err != nil {
		return nil, app.abort("failed to initialize verifier", err)
	}

	app.jobs = scheduler.NewQueue(app.verifier.Verify, scheduler.DefaultMaxJobs)

	app.scheduler = scheduler.New()
	if err := app.scheduleTasks(cacheResult.Store, clock); err != nil {
		return nil, app.abort("failed to schedule background tasks", err)
	}

	app.logStartupInfo()

	app.server = server.New(server.Services{
		Facts:    app.coordinator,
		Verifier: app.verifier,
		Jobs:     app.jobs,
		Records:  catalogResult.Store,
	}, &server.Config{
		MasterKey:       appCfg.Server.MasterKey,
		MetricsEnabled:  appCfg.Metrics.Enabled,
		MetricsEndpoint: appCfg.Metrics.Endpoint,
		BodySizeLimit:   appCfg.Server.BodySizeLimit,
	})

	return app, nil
}

func (a *App) scheduleTasks(store cache.Store, clock core.Clock) error {
	cacheCfg := a.config.Cache
	if cacheCfg.Retention > 0 && cacheCfg.GCInterval > 0 {
		task := scheduler.CacheGCTask(store, cacheCfg.Retention, clock)
		if err := a.scheduler.Add(scheduler.EverySpec(cacheCfg.GCInterval), task, cacheCfg.GCInterval); err != nil {
			return fmt.Errorf("cache gc: %w", err)
		}
	}

	verifyCfg := a.config.Verify
	if verifyCfg.Schedule != "" {
		task := scheduler.StaleSweepTask(a.verifier, verifyCfg.StaleDays)
		// The verifier enforces its own deadline.
		if err := a.scheduler.Add(verifyCfg.Schedule, task, 0); err != nil {
			return fmt.Errorf("stale sweep: %w", err)
		}
	}
	return nil
}

// abort releases everything opened so far and wraps err.
func (a *App) abort(msg string, err error) error {
	if closeErr := a.closeComponents(); closeErr != nil {
		return fmt.Errorf("%s: %w (also: close error: %v)", msg, err, closeErr)
	}
	return fmt.Errorf("%s: %w", msg, err)
}

// Coordinator returns the cache read path.
func (a *App) Coordinator() *refresh.Coordinator {
	return a.coordinator
}

// Verifier returns the catalog verifier.
func (a *App) Verifier() *verify.Verifier {
	return a.verifier
}

// Catalog returns the record catalog store.
func (a *App) Catalog() catalog.Store {
	if a.catalog == nil {
		return nil
	}
	return a.catalog.Store
}

// Cache returns the fact cache store.
func (a *App) Cache() cache.Store {
	if a.cache == nil {
		return nil
	}
	return a.cache.Store
}

// Handler returns the HTTP handler, for tests and embedding.
func (a *App) Handler() http.Handler {
	return a.server
}

// Start starts the scheduler and the HTTP server on the given address.
// This is a blocking call that returns when the server stops.
func (a *App) Start(addr string) error {
	if a.server == nil {
		return fmt.Errorf("server is not initialized")
	}
	a.scheduler.Start()
	slog.Info("starting server", "address", addr)
	if err := a.server.Start(addr); err != nil {
		if errors.Is(err, http.ErrServerClosed) {
			slog.Info("server stopped gracefully")
			return nil
		}
		return fmt.Errorf("server failed to start: %w", err)
	}
	return nil
}

// Shutdown gracefully tears down app components in dependency order.
// Order:
// 1. HTTP server shutdown, honoring the passed context timeout/cancellation.
// 2. Scheduler stop (waits for running tasks).
// 3. Job queue close (pending jobs are marked failed).
// 4. Refresh coordinator close (waits for background refreshes).
// 5. Catalog, cache and shared storage close.
//
// Shutdown is idempotent; after the first call, subsequent calls are no-ops.
// It attempts every close step and returns a joined error if any step fails.
func (a *App) Shutdown(ctx context.Context) error {
	a.shutdownMu.Lock()
	if a.shutdown {
		a.shutdownMu.Unlock()
		return nil
	}
	a.shutdown = true
	a.shutdownMu.Unlock()

	slog.Info("shutting down application...")

	var errs []error
	if a.server != nil {
		if err := a.server.Shutdown(ctx); err != nil {
			slog.Error("server shutdown error", "error", err)
			errs = append(errs, fmt.Errorf("server shutdown: %w", err))
		}
	}
	if err := a.closeComponents(); err != nil {
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %w", errors.Join(errs...))
	}

	slog.Info("application shutdown complete")
	return nil
}

func (a *App) closeComponents() error {
	var errs []error

	if a.scheduler != nil {
		a.scheduler.Close()
	}
	if a.jobs != nil {
		a.jobs.Close()
	}
	if a.coordinator != nil {
		if err := a.coordinator.Close(); err != nil {
			slog.Error("refresh coordinator close error", "error", err)
			errs = append(errs, fmt.Errorf("coordinator close: %w", err))
		}
	}
	if a.catalog != nil {
		if err := a.catalog.Close(); err != nil {
			slog.Error("catalog close error", "error", err)
			errs = append(errs, fmt.Errorf("catalog close: %w", err))
		}
	}
	if a.cache != nil {
		if err := a.cache.Close(); err != nil {
			slog.Error("cache close error", "error", err)
			errs = append(errs, fmt.Errorf("cache close: %w", err))
		}
	}
	if a.storage != nil {
		if err := a.storage.Close(); err != nil {
			slog.Error("storage close error", "error", err)
			errs = append(errs, fmt.Errorf("storage close: %w", err))
		}
	}

	a.scheduler, a.jobs, a.coordinator = nil, nil, nil
	a.catalog, a.cache, a.storage = nil, nil, nil
	return errors.Join(errs...)
}

// logStartupInfo logs the application configuration on startup.
func (a *App) logStartupInfo() {
	cfg := a.config

	if cfg.Server.MasterKey == "" {
		slog.Warn("SECURITY WARNING: FACTCACHE_MASTER_KEY not set - admin routes are unauthenticated",
			"security_risk", "anyone can trigger verification sweeps",
			"recommendation", "set FACTCACHE_MASTER_KEY to secure the server")
	} else {
		slog.Info("authentication enabled", "mode", "master_key")
	}

	if cfg.Metrics.Enabled {
		slog.Info("prometheus metrics enabled", "endpoint", cfg.Metrics.Endpoint)
	} else {
		slog.Info("prometheus metrics disabled")
	}

	slog.Info("storage configured", "type", cfg.Storage.Type)
	slog.Info("cache configured",
		"backend", cfg.Cache.Backend,
		"default_ttl", cfg.Cache.DefaultTTL,
		"retention", cfg.Cache.Retention,
		"kinds", len(cfg.Kinds),
	)

	if cfg.Verify.Schedule != "" {
		slog.Info("scheduled verification enabled",
			"schedule", cfg.Verify.Schedule,
			"stale_days", cfg.Verify.StaleDays,
			"deadline", cfg.Verify.Deadline,
		)
	} else {
		slog.Info("scheduled verification disabled")
	}
	slog.Info("scheduler configured", "tasks", a.scheduler.Len())
}
