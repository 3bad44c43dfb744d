package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/phrazzld/scry-queue/internal/api"
	"github.com/phrazzld/scry-queue/internal/batch"
	"github.com/phrazzld/scry-queue/internal/config"
	"github.com/phrazzld/scry-queue/internal/events"
	"github.com/phrazzld/scry-queue/internal/metrics"
	"github.com/phrazzld/scry-queue/internal/platform/gemini"
	"github.com/phrazzld/scry-queue/internal/platform/memory"
	"github.com/phrazzld/scry-queue/internal/platform/postgres"
	"github.com/phrazzld/scry-queue/internal/platform/redis"
	"github.com/phrazzld/scry-queue/internal/queue"
	"github.com/phrazzld/scry-queue/internal/results"
	"github.com/phrazzld/scry-queue/internal/service/auth"
	"github.com/phrazzld/scry-queue/internal/store"
	"github.com/phrazzld/scry-queue/internal/task"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	goredis "github.com/redis/go-redis/v9"
)

type runMode int

const (
	// modeServe runs the API, the workers and the batch scheduler.
	modeServe runMode = iota
	// modeWorker runs only the workers. It needs shared postgres and redis
	// backends since it cannot see another process's memory stores.
	modeWorker
)

// eventBufferSize bounds how many status events may wait for the redis
// forwarder before new ones are dropped.
const eventBufferSize = 1024

// application holds all the shared application dependencies to simplify management
// and ensure proper cleanup on shutdown.
type application struct {
	config *config.Config
	mode   runMode
	logger *slog.Logger

	sqlDB *sql.DB
	redis *goredis.Client

	stores  store.Stores
	manager *queue.Manager
	bus     *events.Bus

	orchestrator *batch.Orchestrator
	scheduler    *batch.Scheduler
	workerPool   *task.WorkerPool
	forwarder    *redis.EventForwarder
	eventSub     *events.Subscription

	router http.Handler
}

// newApplication creates a new application instance with all dependencies
// initialized. Resources opened before a failure are released.
func newApplication(ctx context.Context, cfg *config.Config, logger *slog.Logger, mode runMode) (_ *application, err error) {
	if mode == modeWorker {
		if cfg.Database.Driver != "postgres" || cfg.Queue.Backend != "redis" {
			return nil, errors.New("worker mode requires the postgres database driver and the redis queue backend")
		}
		if cfg.Worker.Count <= 0 {
			return nil, errors.New("worker mode requires worker.count greater than zero")
		}
	}

	app := &application{
		config: cfg,
		mode:   mode,
		logger: logger,
	}
	defer func() {
		if err != nil {
			app.cleanup()
		}
	}()

	var tx store.Transactor
	switch cfg.Database.Driver {
	case "postgres":
		app.sqlDB, err = postgres.Open(ctx, cfg.Database.URL, poolConfig(cfg.Database))
		if err != nil {
			return nil, err
		}
		db := postgres.NewDB(app.sqlDB, logger)
		app.stores, tx = db.Stores(), db
	default:
		logger.Warn("using in-memory record store, data is lost on restart")
		db := memory.New(logger)
		app.stores, tx = db.Stores(), db
	}
	logger.Info("record store initialized", "driver", cfg.Database.Driver)

	var queueStore queue.Store
	switch cfg.Queue.Backend {
	case "redis":
		app.redis, err = redis.NewClient(ctx, cfg.Redis)
		if err != nil {
			return nil, err
		}
		queueStore = redis.NewQueueStore(app.redis, cfg.Redis.KeyPrefix, logger)
	default:
		queueStore = queue.NewMemoryStore()
	}
	logger.Info("queue store initialized", "backend", cfg.Queue.Backend)

	app.bus = events.NewBus(logger)
	if app.redis != nil && cfg.Redis.EventChannel != "" {
		app.forwarder = redis.NewEventForwarder(app.redis, cfg.Redis.EventChannel, logger)
		app.eventSub = app.bus.Subscribe(eventBufferSize)
	}

	app.manager = queue.NewManager(queueStore, queue.Config{
		PollInterval:      cfg.Queue.PollInterval,
		DefaultMaxRetries: cfg.Queue.DefaultMaxRetries,
		RetryBackoffBase:  cfg.Queue.RetryBackoffBase,
		RetryBackoffMax:   cfg.Queue.RetryBackoffMax,
		PromoteBatchSize:  queue.DefaultConfig().PromoteBatchSize,
	}, logger,
		queue.WithTaskRecords(app.stores.Tasks),
		queue.WithPublisher(app.bus),
	)

	app.orchestrator = batch.NewOrchestrator(app.stores, tx, app.manager, batch.Config{
		DefaultMaxConcurrent: cfg.Batch.DefaultMaxConcurrent,
		MaxTasksPerJob:       cfg.Batch.MaxTasksPerJob,
	}, logger)

	if cfg.Worker.Count > 0 {
		registry, err := newHandlerRegistry(ctx, cfg.LLM, logger)
		if err != nil {
			return nil, err
		}
		app.workerPool = task.NewWorkerPool(app.manager, registry, app.stores, task.WorkerPoolConfig{
			WorkerCount: cfg.Worker.Count,
			Worker: task.WorkerConfig{
				DequeueTimeout:      cfg.Worker.DequeueTimeout,
				CancelCheckInterval: cfg.Worker.CancelCheckInterval,
			},
			PromoteInterval:        cfg.Worker.PromoteInterval,
			StuckTaskAge:           cfg.Worker.StuckTaskAge,
			StuckTaskCheckInterval: cfg.Worker.StuckCheckInterval,
		}, logger)
		app.workerPool.SetReconciler(app.orchestrator)
	} else {
		logger.Warn("worker count is zero, tasks are queued but not processed by this instance")
	}

	if mode == modeServe {
		app.scheduler = batch.NewScheduler(app.orchestrator, cfg.Batch.SchedulerInterval, logger)

		jwtService, err := auth.NewJWTService(cfg.Auth)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize JWT service: %w", err)
		}
		logger.Info("JWT authentication service initialized",
			"token_lifetime_minutes", cfg.Auth.TokenLifetimeMinutes)

		registry := prometheus.NewRegistry()
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		if err := metrics.Register(registry); err != nil {
			return nil, fmt.Errorf("failed to register metrics: %w", err)
		}

		app.router = api.NewRouter(api.RouterDeps{
			Jobs:    app.orchestrator,
			Results: results.NewAggregator(app.stores, logger),
			Queue:   app.manager,
			Tasks:   app.stores.Tasks,
			JWT:     jwtService,
			Health:  app.healthCheck,
			Metrics: promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
			Logger:  logger,
		})
	}

	logger.Info("application initialized successfully")
	return app, nil
}

// newHandlerRegistry registers the task handlers this deployment can run.
// Generation handlers need a Gemini API key.
func newHandlerRegistry(ctx context.Context, cfg config.LLMConfig, logger *slog.Logger) (*task.HandlerRegistry, error) {
	registry := task.NewHandlerRegistry()
	if cfg.GeminiAPIKey == "" {
		logger.Warn("no Gemini API key configured, generation tasks will fail as unsupported")
		return registry, nil
	}

	gen, err := gemini.NewGenerator(ctx, logger.With("component", "llm_generator"), cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize LLM generator: %w", err)
	}
	if err := task.RegisterGenerationHandlers(registry, gen); err != nil {
		return nil, fmt.Errorf("failed to register generation handlers: %w", err)
	}
	logger.Info("LLM generator initialized successfully",
		"model", cfg.ModelName,
		"task_types", registry.Types())
	return registry, nil
}

// healthCheck pings the external backends in use.
func (app *application) healthCheck(ctx context.Context) error {
	if app.sqlDB != nil {
		if err := app.sqlDB.PingContext(ctx); err != nil {
			return fmt.Errorf("database: %w", err)
		}
	}
	if app.redis != nil {
		if err := app.redis.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis: %w", err)
		}
	}
	return nil
}

// Run starts the background components and, in serve mode, the HTTP server.
// It blocks until ctx is cancelled and then shuts everything down.
func (app *application) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	bg, cancel := context.WithCancel(ctx)
	defer func() {
		cancel()
		wg.Wait()
		app.cleanup()
	}()

	if app.forwarder != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			app.forwarder.Run(bg, app.eventSub)
		}()
	}

	if app.workerPool != nil {
		if err := app.workerPool.Start(); err != nil {
			return fmt.Errorf("failed to start worker pool: %w", err)
		}
	}

	if app.scheduler != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			app.scheduler.Run(bg)
		}()
	}

	if app.router == nil {
		app.logger.Info("worker running")
		<-ctx.Done()
		app.logger.Info("shutting down worker...")
		return nil
	}
	return app.startHTTPServer(ctx, app.router)
}

// cleanup handles graceful shutdown of application resources.
func (app *application) cleanup() {
	if app.workerPool != nil {
		app.workerPool.Stop()
	}
	if app.orchestrator != nil {
		app.orchestrator.Stop()
	}
	if app.eventSub != nil {
		if dropped := app.eventSub.Dropped(); dropped > 0 {
			app.logger.Warn("task events were dropped before reaching redis", "dropped", dropped)
		}
		app.eventSub.Close()
	}
	if app.redis != nil {
		if err := app.redis.Close(); err != nil {
			app.logger.Error("error closing redis connection", "error", err)
		}
	}
	if app.sqlDB != nil {
		if err := app.sqlDB.Close(); err != nil {
			app.logger.Error("error closing database connection", "error", err)
		}
	}
	app.logger.Info("application shutdown completed")
}
