package main

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"plan-engine/internal/config"
	"plan-engine/internal/distribution"
	"plan-engine/internal/domain"
	"plan-engine/internal/ledger"
	"plan-engine/internal/logging"
	"plan-engine/internal/observability"
	"plan-engine/internal/orchestrator"
	"plan-engine/internal/placement"
	"plan-engine/internal/queue"
	"plan-engine/internal/reconcile"
	"plan-engine/internal/storage"
	"plan-engine/internal/storage/memory"
	"plan-engine/internal/storage/migrations"
	pgstore "plan-engine/internal/storage/postgres"
)

// app holds the components built once per process.
type app struct {
	cfg      *config.Config
	logger   *zap.Logger
	store    storage.Store
	pool     *pgstore.Pool // nil with --use-memory
	registry *prometheus.Registry
	metrics  *observability.Metrics

	orch    *orchestrator.Orchestrator
	worker  *queue.Worker
	monitor *reconcile.Monitor
}

// loadConfig reads configuration, applies command-line overrides and validates the result.
func loadConfig(flags *globalFlags) (*config.Config, error) {
	cfg, err := config.Read(flags.configPath)
	if err != nil {
		return nil, err
	}
	if flags.useMemory {
		cfg.Database.UseMemory = true
	}
	if flags.dsn != "" {
		cfg.Database.DSN = flags.dsn
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// newApp loads configuration, opens the store and wires every component.
// The returned cleanup closes the pool and flushes the logger.
func newApp(ctx context.Context, flags *globalFlags) (*app, func(), error) {
	cfg, err := loadConfig(flags)
	if err != nil {
		return nil, nil, err
	}

	logger, err := logging.New(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		File:   cfg.Logging.File,
	})
	if err != nil {
		return nil, nil, err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := observability.NewMetrics(cfg.Metrics.Namespace, registry)

	a := &app{cfg: cfg, logger: logger, registry: registry, metrics: metrics}
	cleanup := func() {
		if a.pool != nil {
			a.pool.Close()
		}
		_ = logger.Sync()
	}

	if cfg.Database.UseMemory {
		a.store = memory.NewStore()
		logger.Warn("using in-memory storage, state is lost on exit")
	} else {
		pool, err := pgstore.NewPool(ctx, cfg.Database.DSN)
		if err != nil {
			cleanup()
			return nil, nil, err
		}
		a.pool = pool
		a.store = pgstore.NewStore(pool, pgstore.StoreOptions{
			MaxRetries: cfg.Database.MaxTxRetries,
			OnRetry: func(attempt int, err error) {
				metrics.RecordTxRetry()
				logger.Warn("retrying transaction", zap.Int("attempt", attempt), zap.Error(err))
			},
		})
	}

	plan := &cfg.Plan
	place := placement.NewEngine(plan.Width(), logger.Named("placement"))
	book := ledger.NewBook(nil)
	dist := distribution.NewEngine(distribution.Options{
		Plan:      plan,
		Placement: place,
		Ledger:    book,
		Sink:      ledger.NewSystemSink(book),
		Logger:    logger.Named("distribution"),
	})
	a.orch = orchestrator.New(orchestrator.Options{
		Store:        a.store,
		Plan:         plan,
		Placement:    place,
		Distribution: dist,
		Ledger:       book,
		Metrics:      metrics,
		Logger:       logger.Named("orchestrator"),
	})

	a.worker = queue.NewWorker(queue.WorkerOptions{
		Store:        a.store,
		PollInterval: cfg.Queue.PollInterval,
		RetryBackoff: cfg.Queue.RetryBackoff,
		MaxAttempts:  cfg.Queue.MaxAttempts,
		Metrics:      metrics,
		Logger:       logger.Named("queue"),
	})
	a.worker.Register(domain.JobTypePlaceGlobal, queue.PlaceGlobalHandler(a.orch))

	a.monitor = reconcile.NewMonitor(reconcile.Options{
		Store:       a.store,
		Placer:      a.orch,
		Interval:    cfg.Reconcile.Interval,
		GraceWindow: cfg.Reconcile.GraceWindow,
		BatchSize:   cfg.Reconcile.BatchSize,
		Metrics:     metrics,
		Logger:      logger.Named("reconcile"),
	})

	return a, cleanup, nil
}

// migrate applies pending migrations. It is a no-op for the memory store.
func (a *app) migrate(ctx context.Context) error {
	if a.pool == nil {
		return nil
	}
	applied, err := migrations.RunPostgresMigrations(ctx, a.pool)
	if err != nil {
		return err
	}
	for _, name := range applied {
		a.logger.Info("migration applied", zap.String("file", name))
	}
	return nil
}

// healthCheck pings the database.
func (a *app) healthCheck(ctx context.Context) error {
	if a.pool == nil {
		return nil
	}
	return a.pool.Ping(ctx)
}
