package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/rendis/eventflow/internal/engine"
	"github.com/rendis/eventflow/internal/logging"
	"github.com/rendis/eventflow/internal/scheduler"
	"github.com/rendis/eventflow/internal/steps"
	"github.com/rendis/eventflow/internal/store"
	"github.com/rendis/eventflow/internal/streaming"
	"github.com/rendis/eventflow/internal/validation"
)

// app is the wired engine shared by every command.
type app struct {
	cfg      Config
	logger   *slog.Logger
	db       store.Store
	store    store.Store
	registry *steps.Registry
	executor *engine.Executor
	queue    *engine.Queue
	worker   *engine.Worker
	catalog  *engine.Catalog
	hub      *streaming.MemoryHub
}

func newApp(ctx context.Context, cfg Config) (*app, error) {
	logger := logging.New(os.Stderr, cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)

	if !isURI(cfg.DBPath) {
		if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
			return nil, fmt.Errorf("create data directory: %w", err)
		}
	}
	db, err := store.NewLibSQLStore(cfg.dsn())
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	var s store.Store = db
	if cfg.DefinitionCacheTTL >= 0 {
		s = store.NewCachedStore(db, cfg.DefinitionCacheTTL)
	}

	jsv, err := validation.NewJSONSchemaValidator()
	if err != nil {
		db.Close()
		return nil, err
	}
	registry := steps.NewRegistry(jsv)
	if err := steps.RegisterBuiltins(registry, steps.BuiltinOptions{
		Webhook: steps.WebhookConfig{
			Client:         &http.Client{},
			DefaultTimeout: cfg.WebhookTimeout,
		},
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("register steps: %w", err)
	}

	executor := engine.NewExecutor(s, registry, engine.ExecutorConfig{
		Retry:       cfg.RetryPolicy(),
		LearnFields: cfg.LearnFields,
		CircuitBreaker: &engine.CircuitBreakerConfig{
			FailureThreshold: cfg.BreakerThreshold,
			Cooldown:         cfg.BreakerCooldown,
			HalfOpenMax:      1,
		},
		LeaseRenewal: cfg.LeaseTimeout / 3,
		Logger:       logger,
	})
	hub := streaming.NewMemoryHub()
	hub.Attach(executor.FSM())

	return &app{
		cfg:      cfg,
		logger:   logger,
		db:       db,
		store:    s,
		registry: registry,
		executor: executor,
		queue:    engine.NewQueue(s, logger),
		worker: engine.NewWorker(s, executor, engine.WorkerConfig{
			PoolSize:     cfg.PoolSize,
			PollInterval: cfg.PollInterval,
			BatchSize:    cfg.BatchSize,
			Logger:       logger,
		}),
		catalog: engine.NewCatalog(s, registry, validation.NewWorkflowValidator(jsv, registry), logger),
		hub:     hub,
	}, nil
}

// housekeeper registers the maintenance jobs on the configured schedule.
func (a *app) housekeeper() (*scheduler.Housekeeper, error) {
	hk := scheduler.NewHousekeeper(a.logger, 0)
	jobs := []struct {
		name string
		task scheduler.Task
	}{
		{"recover-stale", scheduler.RecoverTask(a.executor, a.cfg.LeaseTimeout)},
		{"purge-executions", scheduler.PurgeTask(a.store, a.cfg.Retention, nil)},
	}
	for _, j := range jobs {
		if err := hk.Add(j.name, a.cfg.HousekeepingCron, j.task); err != nil {
			return nil, err
		}
	}
	if err := hk.Add("vacuum", "@weekly", scheduler.VacuumTask(a.store)); err != nil {
		return nil, err
	}
	return hk, nil
}

func (a *app) Close() error {
	return a.db.Close()
}

func isURI(path string) bool {
	return strings.HasPrefix(path, "file:") || strings.HasPrefix(path, "libsql:")
}
