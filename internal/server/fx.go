// Package server builds the application's dependency graph and runs it.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	pubsub "cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/JakeFAU/leaderboard-crawler/internal/api"
	"github.com/JakeFAU/leaderboard-crawler/internal/browser"
	"github.com/JakeFAU/leaderboard-crawler/internal/cache"
	"github.com/JakeFAU/leaderboard-crawler/internal/clock/system"
	"github.com/JakeFAU/leaderboard-crawler/internal/config"
	"github.com/JakeFAU/leaderboard-crawler/internal/crawl"
	"github.com/JakeFAU/leaderboard-crawler/internal/dispatcher"
	"github.com/JakeFAU/leaderboard-crawler/internal/hash/sha256"
	"github.com/JakeFAU/leaderboard-crawler/internal/id/uuid"
	"github.com/JakeFAU/leaderboard-crawler/internal/leaderboard"
	"github.com/JakeFAU/leaderboard-crawler/internal/logging"
	"github.com/JakeFAU/leaderboard-crawler/internal/pagemodel"
	"github.com/JakeFAU/leaderboard-crawler/internal/persist"
	"github.com/JakeFAU/leaderboard-crawler/internal/policy/ratelimit"
	"github.com/JakeFAU/leaderboard-crawler/internal/policy/robots"
	gcppublisher "github.com/JakeFAU/leaderboard-crawler/internal/publisher/pubsub"
	"github.com/JakeFAU/leaderboard-crawler/internal/quarantine"
	queueMemory "github.com/JakeFAU/leaderboard-crawler/internal/queue/memory"
	"github.com/JakeFAU/leaderboard-crawler/internal/rankings"
	"github.com/JakeFAU/leaderboard-crawler/internal/refresh"
	"github.com/JakeFAU/leaderboard-crawler/internal/retry"
	"github.com/JakeFAU/leaderboard-crawler/internal/scheduler"
	gcsstorage "github.com/JakeFAU/leaderboard-crawler/internal/storage/gcs"
	memoryStorage "github.com/JakeFAU/leaderboard-crawler/internal/storage/memory"
	pgstore "github.com/JakeFAU/leaderboard-crawler/internal/storage/postgres"
	sqlitestore "github.com/JakeFAU/leaderboard-crawler/internal/storage/sqlite"
	"github.com/JakeFAU/leaderboard-crawler/internal/telemetry"
	"github.com/JakeFAU/leaderboard-crawler/internal/validation"
	"github.com/JakeFAU/leaderboard-crawler/internal/worker"
)

// App contains the application's dependencies.
type App struct {
	cfg       *config.Config
	logger    *zap.Logger
	clock     leaderboard.Clock
	apiServer *api.Server
	service   *rankings.Service
	dispatch  *dispatcher.Dispatcher
	scheduler *scheduler.Scheduler
	queue     *queueMemory.Queue

	pool            *browser.Pool
	pubsubClient    *pubsub.Client
	pubsubPublisher *pubsub.Publisher
	storage         *storage.Client
	sqlite          *sqlitestore.KVStore
	quarantineDB    *pgstore.QuarantineStore

	closeOnce sync.Once
}

// Build creates the application's dependencies.
func Build(ctx context.Context, cfg *config.Config) (*App, error) {
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)

	app := &App{cfg: cfg, logger: logger, clock: system.New()}
	logger.Info("building application dependencies",
		zap.Int("port", cfg.Server.Port),
		zap.String("persistence", cfg.Persistence.Backend),
		zap.String("quarantine", cfg.Quarantine.Backend),
		zap.Strings("servers", cfg.Rankings.Servers),
	)

	if err := app.build(ctx); err != nil {
		app.closeInfrastructure()
		return nil, err
	}
	return app, nil
}

func (a *App) build(ctx context.Context) error {
	cfg := a.cfg
	ids := uuid.NewUUIDGenerator()
	alerter := telemetry.NewLogAlerter(a.logger)
	engine := retry.NewEngine(a.logger, retry.WithAlerter(alerter))

	kv, err := a.setupPersistence(ctx)
	if err != nil {
		return err
	}
	store := persist.New(kv, engine, a.clock, a.logger, persist.Options{LogCapacity: cfg.Persistence.LogCapacity})

	qstore, err := a.setupQuarantineStore(ctx)
	if err != nil {
		return err
	}
	quarantined := quarantine.NewQueue(qstore, ids, a.clock, cfg.Quarantine.Capacity, a.logger)
	pipeline := validation.NewPipeline(validation.LeaderboardSchema(), cfg.Strategy(), quarantined, a.logger)

	publisher, err := a.setupPublisher(ctx)
	if err != nil {
		return err
	}

	pages, err := pagemodel.New(cfg.PageModel)
	if err != nil {
		return fmt.Errorf("page model init failed: %w", err)
	}
	a.pool, err = browser.NewPool(cfg.Browser, a.logger)
	if err != nil {
		return fmt.Errorf("browser pool init failed: %w", err)
	}
	a.logger.Info("browser pool ready", zap.Int("max_sessions", cfg.Browser.MaxSessions))

	caches := cache.New(cfg.Cache, a.clock)
	deps := crawl.Deps{
		Cache:      caches,
		Sessions:   a.pool,
		Pages:      pages,
		Pipeline:   pipeline,
		Quarantine: quarantined,
		Store:      store,
		Policy:     robots.New(cfg.Robots, a.clock, a.logger),
		Engine:     engine,
		Retry:      cfg.Retry.Policy(),
		Hasher:     sha256.New(),
		Clock:      a.clock,
		Alerter:    alerter,
		Logger:     a.logger,
	}
	if publisher != nil {
		deps.Publisher = publisher
	}
	controller, err := crawl.NewController(cfg.Crawl, deps)
	if err != nil {
		return fmt.Errorf("crawl controller init failed: %w", err)
	}

	limiter := ratelimit.New(cfg.RateLimit, a.clock)
	a.service, err = rankings.New(cfg.Rankings, rankings.Deps{
		Crawler:    controller,
		Cache:      caches,
		Limiter:    limiter,
		Quarantine: quarantined,
		Pipeline:   pipeline,
		Clock:      a.clock,
		Logger:     a.logger,
	})
	if err != nil {
		return fmt.Errorf("rankings service init failed: %w", err)
	}

	log := refresh.NewLog(cfg.Workers.LogSize)
	a.queue = queueMemory.NewQueue(cfg.Workers.QueueDepth)
	workers := make([]*worker.Worker, 0, cfg.Workers.Count)
	for i := 0; i < cfg.Workers.Count; i++ {
		workers = append(workers, worker.New(i, a.queue, controller, log, a.clock, a.logger))
	}
	a.dispatch = dispatcher.New(a.queue, workers, ids, a.clock, log)

	a.scheduler, err = scheduler.New(a.logger, a.periodicTasks()...)
	if err != nil {
		return fmt.Errorf("scheduler init failed: %w", err)
	}

	a.apiServer = api.NewServer(a.service, a.dispatch, log, limiter, cfg.API, a.logger)
	return nil
}

func (a *App) periodicTasks() []scheduler.Task {
	return []scheduler.Task{
		{
			Name:       "refresh",
			Interval:   a.cfg.Scheduler.RefreshInterval,
			RunOnStart: a.cfg.Scheduler.RefreshOnStart,
			Run: func(ctx context.Context) error {
				_, err := a.dispatch.SubmitAll(ctx, a.service.Scopes(), false, "scheduler")
				return err
			},
		},
		{
			Name:     "cleanup",
			Interval: a.cfg.Scheduler.CleanupInterval,
			Run: func(ctx context.Context) error {
				report := a.service.Cleanup()
				a.logger.Info("cleanup finished",
					zap.Int("cache_entries", report.CacheEntries),
					zap.Int("buckets", report.Buckets),
				)
				if !a.cfg.Quarantine.ReprocessOnCleanup {
					return nil
				}
				res, err := a.service.Reprocess(ctx, quarantine.ActionRetryLater)
				if err != nil {
					return fmt.Errorf("reprocess retry_later: %w", err)
				}
				if res.Selected > 0 {
					a.logger.Info("quarantine reprocessed",
						zap.Int("selected", res.Selected),
						zap.Int("resolved", res.Resolved),
						zap.Int("failed", res.Failed),
						zap.Int("discarded", res.Discarded),
					)
				}
				return nil
			},
		},
	}
}

func (a *App) setupPersistence(ctx context.Context) (persist.KV, error) {
	switch a.cfg.Persistence.Backend {
	case config.BackendGCS:
		a.logger.Info("using GCS persistence backend", zap.String("bucket", a.cfg.Persistence.GCS.Bucket))
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		a.storage = client
		kv, err := gcsstorage.New(client, a.cfg.Persistence.GCS)
		if err != nil {
			return nil, fmt.Errorf("gcs kv store init failed: %w", err)
		}
		return kv, nil
	case config.BackendSQLite:
		a.logger.Info("using SQLite persistence backend", zap.String("path", a.cfg.Persistence.SQLitePath))
		kv, err := sqlitestore.Open(ctx, a.cfg.Persistence.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("sqlite kv store init failed: %w", err)
		}
		a.sqlite = kv
		return kv, nil
	default:
		a.logger.Warn("using in-memory persistence backend; snapshots do not survive restarts")
		return memoryStorage.NewKVStore(), nil
	}
}

func (a *App) setupQuarantineStore(ctx context.Context) (quarantine.Store, error) {
	if a.cfg.Quarantine.Backend != config.BackendPostgres {
		a.logger.Info("using in-memory quarantine store")
		return memoryStorage.NewQuarantineStore(), nil
	}
	db, err := pgstore.NewQuarantineStore(ctx, a.cfg.Quarantine.Postgres)
	if err != nil {
		return nil, fmt.Errorf("quarantine store init failed: %w", err)
	}
	a.quarantineDB = db
	if err := db.EnsureSchema(ctx); err != nil {
		return nil, fmt.Errorf("quarantine schema init failed: %w", err)
	}
	a.logger.Info("postgres quarantine store initialized", zap.String("table", a.cfg.Quarantine.Postgres.Table))
	return db, nil
}

// setupPublisher returns nil when Pub/Sub is disabled; commits are then not announced.
func (a *App) setupPublisher(ctx context.Context) (*gcppublisher.Publisher, error) {
	if !a.cfg.PubSub.Enabled || a.cfg.Crawl.Topic == "" {
		a.logger.Warn("Pub/Sub disabled, snapshot commits will not be published")
		return nil, nil
	}
	client, err := pubsub.NewClient(ctx, a.cfg.PubSub.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub client init failed: %w", err)
	}
	a.pubsubClient = client
	a.pubsubPublisher = client.Publisher(a.cfg.Crawl.Topic)
	a.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", a.cfg.PubSub.ProjectID),
		zap.String("topic", a.cfg.Crawl.Topic),
	)
	return gcppublisher.New(a.pubsubPublisher), nil
}

// Run starts workers, the scheduler and the HTTP server, and blocks until the
// context is canceled or a termination signal arrives. Callers still Close the App.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	done := make(chan struct{})
	go func() {
		defer close(done)
		a.logger.Info("dispatcher started")
		a.dispatch.Run(ctx)
	}()
	go a.scheduler.Run(ctx)

	srv := &http.Server{
		Addr:              a.cfg.Server.Addr(),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	timeout := a.cfg.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	a.queue.Close()
	select {
	case <-done:
	case <-shutdownCtx.Done():
		a.logger.Warn("workers did not stop before shutdown timeout")
	}
	return nil
}

// RefreshAll crawls every configured scope once, synchronously.
func (a *App) RefreshAll(ctx context.Context, force bool) ([]rankings.ScopeRefresh, error) {
	res, err := a.service.RefreshAll(ctx, force)
	if err != nil {
		return res, fmt.Errorf("refresh all: %w", err)
	}
	return res, nil
}

// Reprocess runs one quarantine reprocessing pass for action.
func (a *App) Reprocess(ctx context.Context, action quarantine.Action) (quarantine.ReprocessResult, error) {
	res, err := a.service.Reprocess(ctx, action)
	if err != nil {
		return res, fmt.Errorf("reprocess %s: %w", action, err)
	}
	return res, nil
}

// Logger returns the application logger.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// Close releases infrastructure clients and flushes the logger. It is safe to call twice.
func (a *App) Close() error {
	a.closeOnce.Do(func() {
		a.closeInfrastructure()
		a.logger.Info("shutdown complete")
		if err := a.logger.Sync(); err != nil {
			a.logger.Debug("logger sync failed", zap.Error(err))
		}
	})
	return nil
}

func (a *App) closeInfrastructure() {
	if a.pool != nil {
		a.pool.Close()
	}
	if a.pubsubPublisher != nil {
		a.pubsubPublisher.Stop()
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	if a.storage != nil {
		if err := a.storage.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.sqlite != nil {
		if err := a.sqlite.Close(); err != nil {
			a.logger.Warn("sqlite close failed", zap.Error(err))
		}
	}
	if a.quarantineDB != nil {
		a.quarantineDB.Close()
	}
}
