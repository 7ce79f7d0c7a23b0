package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/phrazzld/runqueue/internal/api"
	"github.com/phrazzld/runqueue/internal/auth"
	"github.com/phrazzld/runqueue/internal/config"
	"github.com/phrazzld/runqueue/internal/events"
	"github.com/phrazzld/runqueue/internal/execution"
	"github.com/phrazzld/runqueue/internal/resource"
	"github.com/phrazzld/runqueue/internal/task"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// httpShutdownTimeout bounds how long in-flight API requests may take to
// finish once shutdown starts.
const httpShutdownTimeout = 10 * time.Second

// application holds the engine's components so they can be started and
// torn down in order.
type application struct {
	config *config.Config
	logger *slog.Logger

	store     *taskStore
	backend   *execution.Backend
	monitor   *resource.Monitor
	registry  *prometheus.Registry
	runner    *task.TaskRunner
	scheduler *task.Scheduler

	// emitter accepts task request events from in-process producers.
	emitter *events.InMemoryEventEmitter

	router http.Handler
}

// newApplication builds every component from cfg. Nothing runs until Run.
func newApplication(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *application, err error) {
	app := &application{config: cfg, logger: logger}
	defer func() {
		if err != nil {
			app.cleanup()
		}
	}()

	app.store, err = openStore(ctx, cfg.Database, logger)
	if err != nil {
		return nil, err
	}

	strategy, err := task.ParseStrategy(cfg.Task.SchedulingStrategy)
	if err != nil {
		return nil, err
	}

	mode := execution.NewProber(logger).Probe(ctx)
	app.backend, err = execution.NewBackend(execution.NewRegistry(), mode, execution.Options{
		CancelGrace: cfg.Task.CancelGrace(),
		Threads:     cfg.Task.MaxConcurrentRuns,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create execution backend: %w", err)
	}
	for taskType, h := range cfg.Handlers {
		if err := app.backend.RegisterCommand(taskType, execution.CommandSpec{
			Command: h.Command,
			Env:     h.Env,
			Dir:     h.Dir,
		}); err != nil {
			return nil, fmt.Errorf("failed to register handler for %s: %w", taskType, err)
		}
	}
	logger.Info("execution backend ready",
		"mode", string(mode),
		"task_types", app.backend.Registry().Types())

	app.monitor = resource.NewMonitor(resource.SystemSampler{}, resource.Config{
		CPUThresholdPct:      cfg.Task.CPUThresholdPct,
		MinAvailableMemBytes: cfg.Task.MinAvailableMemBytes,
		SampleInterval:       cfg.Task.ResourceSampleInterval(),
	}, logger)

	app.registry = prometheus.NewRegistry()
	app.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	app.runner, err = task.NewTaskRunner(task.RunnerDeps{
		Store:     app.store,
		Strategy:  strategy,
		Executor:  app.backend,
		Admitter:  app.monitor,
		Resources: app.monitor,
		Metrics:   task.NewMetrics(app.registry),
	}, runnerConfig(cfg.Task), logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create task runner: %w", err)
	}

	app.emitter = events.NewInMemoryEventEmitter(logger)
	app.emitter.RegisterHandler(task.NewSubmitEventHandler(app.runner, logger))

	// Schedules are in-process producers, so they go through the event intake.
	app.scheduler = task.NewScheduler(task.EventSubmitter{Emitter: app.emitter}, logger)
	for i, sc := range cfg.Schedules {
		if err := app.scheduler.Add(scheduleFromConfig(i, sc)); err != nil {
			return nil, err
		}
	}

	deps := api.RouterDeps{
		Tasks:    app.runner,
		Gatherer: app.registry,
		Logger:   logger,
	}
	if cfg.Auth.JWTSecret != "" {
		tokens, err := auth.NewTokenService(cfg.Auth.JWTSecret)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize token service: %w", err)
		}
		deps.Tokens = tokens
	}
	app.router = api.NewRouter(deps)

	logger.Info("application initialized",
		"workers", cfg.Task.MaxConcurrentRuns,
		"schedules", app.scheduler.Len())
	return app, nil
}

func runnerConfig(c config.TaskConfig) task.TaskRunnerConfig {
	return task.TaskRunnerConfig{
		DefaultMaxRetries: c.DefaultMaxRetries,
		Pool: task.WorkerPoolConfig{
			Size:            c.MaxConcurrentRuns,
			ShutdownTimeout: c.ShutdownTimeout(),
			Worker: task.WorkerConfig{
				PollInterval:      c.PollInterval(),
				MaxPollBackoff:    c.MaxPollBackoff(),
				HeartbeatInterval: c.HeartbeatInterval(),
				DefaultTimeout:    c.DefaultTimeout(),
				ShutdownPolicy:    task.ShutdownPolicy(c.ShutdownPolicy),
			},
		},
		Health: task.HealthConfig{
			Interval:       c.HealthCheckInterval(),
			StallThreshold: c.StallThreshold(),
		},
	}
}

func scheduleFromConfig(i int, sc config.ScheduleConfig) task.Schedule {
	name := sc.Name
	if name == "" {
		name = fmt.Sprintf("%s-%d", sc.Type, i)
	}
	params := sc.Params
	if params == "" {
		params = "{}"
	}
	priority := sc.Priority
	return task.Schedule{
		Name: name,
		Spec: sc.Cron,
		Request: task.SubmitRequest{
			Type:     sc.Type,
			Params:   json.RawMessage(params),
			Priority: &priority,
		},
	}
}

// Run starts the engine and serves the control API until ctx is cancelled
// or the listener fails, then shuts everything down.
func (app *application) Run(ctx context.Context) error {
	if err := app.runner.Start(ctx); err != nil {
		app.cleanup()
		return fmt.Errorf("failed to start task runner: %w", err)
	}
	app.scheduler.Start()

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", app.config.Server.Port),
		Handler:           app.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		app.logger.Info("starting server", "port", app.config.Server.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		app.logger.Info("shutdown requested")
	case err := <-serveErr:
		app.logger.Error("server failed", "error", err)
		runErr = fmt.Errorf("server error: %w", err)
	}

	httpCtx, cancel := context.WithTimeout(context.Background(), httpShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(httpCtx); err != nil {
		app.logger.Error("server shutdown failed", "error", err)
	}

	app.shutdown()
	return runErr
}

// shutdown stops producers before workers so nothing new is queued while
// the pool drains.
func (app *application) shutdown() {
	stopCtx, cancel := context.WithTimeout(context.Background(),
		app.config.Task.ShutdownTimeout()+httpShutdownTimeout)
	defer cancel()

	if err := app.scheduler.Stop(stopCtx); err != nil {
		app.logger.Warn("recurring scheduler did not stop cleanly", "error", err)
	}
	if err := app.runner.Stop(stopCtx); err != nil {
		app.logger.Warn("task runner did not stop cleanly", "error", err)
	}
	app.cleanup()
	app.logger.Info("shutdown completed")
}

// cleanup releases the backend and the store connection.
func (app *application) cleanup() {
	if app.backend != nil {
		app.backend.Close()
	}
	if app.store != nil {
		if err := app.store.Close(); err != nil {
			app.logger.Error("error closing task store", "error", err)
		}
	}
}
