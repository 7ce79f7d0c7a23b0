package task

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
)

// WorkerPool runs a fixed number of workers against a shared store and
// coordinates their graceful shutdown.
type WorkerPool struct {
	cfg     WorkerPoolConfig
	workers []*Worker
	wake    *wakeup
	logger  *slog.Logger

	wg         sync.WaitGroup
	mu         sync.Mutex
	started    bool
	stopped    bool
	stopClaims context.CancelFunc
	stopExec   context.CancelCauseFunc
}

// WorkerPoolConfig holds configuration options for the worker pool
type WorkerPoolConfig struct {
	// Size is the number of concurrent workers. If zero or negative,
	// defaults to 1.
	Size int

	// ShutdownTimeout bounds how long Stop waits for in-flight tasks.
	ShutdownTimeout time.Duration

	// IDPrefix prefixes worker IDs. Defaults to the hostname.
	IDPrefix string

	Worker WorkerConfig
}

// DefaultWorkerPoolConfig returns a WorkerPoolConfig with reasonable defaults
func DefaultWorkerPoolConfig() WorkerPoolConfig {
	return WorkerPoolConfig{
		Size:            10,
		ShutdownTimeout: 30 * time.Second,
		Worker:          DefaultWorkerConfig(),
	}
}

// WorkerDeps are the collaborators every worker in a pool shares.
type WorkerDeps struct {
	Store    Store
	Strategy Strategy
	Executor Executor
	Admitter Admitter
	Metrics  *Metrics
}

// NewWorkerPool creates a pool. Workers do not run until Start.
func NewWorkerPool(deps WorkerDeps, cfg WorkerPoolConfig, logger *slog.Logger) (*WorkerPool, error) {
	if deps.Store == nil || deps.Strategy == nil || deps.Executor == nil {
		return nil, errors.New("worker pool requires a store, a strategy and an executor")
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "worker_pool")

	if cfg.Size <= 0 {
		logger.Warn("invalid worker count specified, using default",
			"specified_count", cfg.Size,
			"default_count", 1)
		cfg.Size = 1
	}
	defaults := DefaultWorkerConfig()
	if cfg.Worker.PollInterval <= 0 {
		cfg.Worker.PollInterval = defaults.PollInterval
	}
	if cfg.Worker.MaxPollBackoff < cfg.Worker.PollInterval {
		cfg.Worker.MaxPollBackoff = cfg.Worker.PollInterval
	}
	if cfg.Worker.HeartbeatInterval <= 0 {
		cfg.Worker.HeartbeatInterval = defaults.HeartbeatInterval
	}
	if cfg.Worker.DefaultTimeout <= 0 {
		cfg.Worker.DefaultTimeout = defaults.DefaultTimeout
	}
	switch cfg.Worker.ShutdownPolicy {
	case ShutdownRequeue, ShutdownCancel:
	case "":
		cfg.Worker.ShutdownPolicy = ShutdownRequeue
	default:
		return nil, fmt.Errorf("unknown shutdown policy %q", cfg.Worker.ShutdownPolicy)
	}

	prefix := cfg.IDPrefix
	if prefix == "" {
		prefix, _ = os.Hostname()
		if prefix == "" {
			prefix = "runqueue"
		}
	}
	// The random segment keeps IDs unique across restarts of the same host so
	// a new process never inherits a dead predecessor's claims.
	instance := uuid.NewString()[:8]

	p := &WorkerPool{
		cfg:    cfg,
		wake:   newWakeup(),
		logger: logger,
	}
	for i := range cfg.Size {
		id := fmt.Sprintf("%s-%s-%d", prefix, instance, i)
		p.workers = append(p.workers, &Worker{
			id:       id,
			store:    deps.Store,
			strategy: deps.Strategy,
			exec:     deps.Executor,
			admit:    deps.Admitter,
			cfg:      cfg.Worker,
			wake:     p.wake,
			metrics:  deps.Metrics,
			logger:   logger.With("worker_id", id),
		})
	}
	return p, nil
}

// Start launches the workers. Calling Start twice is an error.
func (p *WorkerPool) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return errors.New("worker pool already started")
	}
	p.started = true

	claimCtx, stopClaims := context.WithCancel(context.Background())
	execCtx, stopExec := context.WithCancelCause(context.Background())
	p.stopClaims = stopClaims
	p.stopExec = stopExec

	p.logger.Info("starting worker pool",
		"worker_count", len(p.workers),
		"shutdown_policy", p.cfg.Worker.ShutdownPolicy)

	for _, w := range p.workers {
		p.wg.Add(1)
		go func(w *Worker) {
			defer p.wg.Done()
			w.run(claimCtx, execCtx)
		}(w)
	}
	return nil
}

// Notify wakes idle workers so a fresh submission is claimed without waiting
// out their poll backoff.
func (p *WorkerPool) Notify() {
	p.wake.Notify()
}

// Interrupt cancels the in-process execution of taskID. It reports whether a
// worker in this pool was running the task.
func (p *WorkerPool) Interrupt(taskID uuid.UUID) bool {
	for _, w := range p.workers {
		if w.Interrupt(taskID) {
			return true
		}
	}
	return false
}

// WorkerIDs returns the identifiers of the pool's workers.
func (p *WorkerPool) WorkerIDs() []string {
	ids := make([]string, len(p.workers))
	for i, w := range p.workers {
		ids[i] = w.id
	}
	return ids
}

// Stop stops claiming and waits up to the shutdown timeout, or until ctx
// ends, for in-flight tasks to drain. Executions still running after that are
// force-cancelled and handed back or cancelled per the shutdown policy.
func (p *WorkerPool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.started || p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	p.mu.Unlock()

	p.logger.Info("stopping worker pool, waiting for in-flight tasks",
		"shutdown_timeout", p.cfg.ShutdownTimeout)
	p.stopClaims()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	var timeout <-chan time.Time
	if p.cfg.ShutdownTimeout > 0 {
		timer := time.NewTimer(p.cfg.ShutdownTimeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case <-done:
		p.stopExec(nil)
		p.logger.Info("worker pool stopped cleanly")
		return nil
	case <-timeout:
	case <-ctx.Done():
	}

	p.logger.Warn("shutdown timeout reached, force-cancelling in-flight tasks",
		"policy", p.cfg.Worker.ShutdownPolicy)
	p.stopExec(errShutdown)
	<-done
	p.logger.Info("worker pool stopped")
	return nil
}
