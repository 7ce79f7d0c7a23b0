package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/phrazzld/runqueue/internal/domain"
	"github.com/phrazzld/runqueue/internal/resource"
)

// SubmitRequest is a producer's request to queue a task. Nil optional fields
// take the runner's defaults.
type SubmitRequest struct {
	Type             string          `json:"type"               validate:"required,max=128"`
	Params           json.RawMessage `json:"params"             validate:"required"`
	Priority         *int            `json:"priority,omitempty" validate:"omitempty,min=-1000,max=1000"`
	Weight           *float64        `json:"weight,omitempty"   validate:"omitempty,gt=0,lte=1000000"`
	MaxRetries       *int            `json:"max_retries,omitempty" validate:"omitempty,min=0,max=100"`
	RequiredMemBytes int64           `json:"required_mem_bytes,omitempty" validate:"min=0"`
	TimeoutSeconds   int             `json:"timeout_seconds,omitempty" validate:"min=0"`
}

// Status is the producer-visible view of a task.
type Status struct {
	ID         uuid.UUID        `json:"id"`
	Type       string           `json:"type"`
	State      domain.TaskState `json:"state"`
	Result     json.RawMessage  `json:"result,omitempty"`
	Error      string           `json:"error,omitempty"`
	RetryCount int              `json:"retry_count"`
	MaxRetries int              `json:"max_retries"`
}

// Stats reports queue depth per state alongside the host's resource headroom.
type Stats struct {
	Counts            map[domain.TaskState]int `json:"counts"`
	CPUPct            float64                  `json:"cpu_pct"`
	MemAvailableBytes int64                    `json:"mem_available_bytes"`
	SampledAt         time.Time                `json:"sampled_at"`
}

// ResourceSampler provides the resource figures reported by Stats.
// *resource.Monitor implements it.
type ResourceSampler interface {
	Sample(ctx context.Context) (resource.Snapshot, error)
}

// TaskRunnerConfig holds configuration for the task runner
type TaskRunnerConfig struct {
	DefaultMaxRetries int
	Pool              WorkerPoolConfig
	Health            HealthConfig
}

// DefaultTaskRunnerConfig returns a TaskRunnerConfig with reasonable defaults
func DefaultTaskRunnerConfig() TaskRunnerConfig {
	return TaskRunnerConfig{
		DefaultMaxRetries: 3,
		Pool:              DefaultWorkerPoolConfig(),
		Health: HealthConfig{
			Interval:       60 * time.Second,
			StallThreshold: 90 * time.Second,
		},
	}
}

// RunnerDeps are the collaborators of a TaskRunner. Admitter and Resources
// are optional.
type RunnerDeps struct {
	Store     Store
	Strategy  Strategy
	Executor  Executor
	Admitter  Admitter
	Resources ResourceSampler
	Metrics   *Metrics
}

// TaskRunner is the engine's boundary. Producers submit and observe tasks
// through it, and it owns the worker pool and health monitor lifecycle.
type TaskRunner struct {
	store     Store
	pool      *WorkerPool
	health    *HealthMonitor
	resources ResourceSampler
	metrics   *Metrics
	validate  *validator.Validate
	cfg       TaskRunnerConfig
	logger    *slog.Logger

	mu         sync.Mutex
	running    bool
	stopHealth context.CancelFunc
	healthDone chan struct{}
}

// NewTaskRunner creates a new TaskRunner
func NewTaskRunner(deps RunnerDeps, cfg TaskRunnerConfig, logger *slog.Logger) (*TaskRunner, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Health.Interval <= 0 {
		cfg.Health.Interval = DefaultTaskRunnerConfig().Health.Interval
	}
	if cfg.Health.StallThreshold <= 0 {
		hb := cfg.Pool.Worker.HeartbeatInterval
		if hb <= 0 {
			hb = DefaultWorkerConfig().HeartbeatInterval
		}
		cfg.Health.StallThreshold = 3 * hb
	}
	if cfg.DefaultMaxRetries < 0 || cfg.DefaultMaxRetries > domain.MaxRetryLimit {
		return nil, fmt.Errorf("%w: default max retries %d outside [0, %d]",
			domain.ErrValidation, cfg.DefaultMaxRetries, domain.MaxRetryLimit)
	}

	pool, err := NewWorkerPool(WorkerDeps{
		Store:    deps.Store,
		Strategy: deps.Strategy,
		Executor: deps.Executor,
		Admitter: deps.Admitter,
		Metrics:  deps.Metrics,
	}, cfg.Pool, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create worker pool: %w", err)
	}

	return &TaskRunner{
		store:     deps.Store,
		pool:      pool,
		health:    NewHealthMonitor(deps.Store, cfg.Health, deps.Metrics, logger),
		resources: deps.Resources,
		metrics:   deps.Metrics,
		validate:  validator.New(),
		cfg:       cfg,
		logger:    logger.With("component", "task_runner"),
	}, nil
}

// Submit validates the request, applies defaults and queues the task.
func (r *TaskRunner) Submit(ctx context.Context, req SubmitRequest) (uuid.UUID, error) {
	if err := r.validate.Struct(req); err != nil {
		return uuid.Nil, fmt.Errorf("%w: %v", domain.ErrValidation, err)
	}
	if !json.Valid(req.Params) {
		return uuid.Nil, fmt.Errorf("%w: params must be valid JSON", domain.ErrValidation)
	}

	maxRetries := r.cfg.DefaultMaxRetries
	if req.MaxRetries != nil {
		maxRetries = *req.MaxRetries
	}
	t, err := domain.NewTask(req.Type, req.Params, maxRetries)
	if err != nil {
		return uuid.Nil, err
	}
	if req.Priority != nil {
		t.Priority = *req.Priority
	}
	if req.Weight != nil {
		t.Weight = *req.Weight
	}
	t.RequiredMemBytes = req.RequiredMemBytes
	t.Timeout = time.Duration(req.TimeoutSeconds) * time.Second

	if err := r.store.Submit(ctx, t); err != nil {
		return uuid.Nil, fmt.Errorf("failed to save task: %w", err)
	}
	r.metrics.taskSubmitted(t.Type)
	r.pool.Notify()

	r.logger.Debug("task submitted",
		"task_id", t.ID,
		"task_type", t.Type,
		"priority", t.Priority,
		"max_retries", t.MaxRetries)
	return t.ID, nil
}

// GetStatus returns the current state of a task.
func (r *TaskRunner) GetStatus(ctx context.Context, id uuid.UUID) (Status, error) {
	t, err := r.store.Get(ctx, id)
	if err != nil {
		return Status{}, err
	}
	return Status{
		ID:         t.ID,
		Type:       t.Type,
		State:      t.State,
		Result:     t.Result,
		Error:      t.Error,
		RetryCount: t.RetryCount,
		MaxRetries: t.MaxRetries,
	}, nil
}

// Cancel cancels a task that has not reached a terminal state. It returns
// false, with no error, when the task had already finished. A running task
// is interrupted if it executes in this process; elsewhere its worker learns
// of the cancellation on its next heartbeat.
func (r *TaskRunner) Cancel(ctx context.Context, id uuid.UUID) (bool, error) {
	cancelled, err := r.store.Cancel(ctx, id)
	if err != nil {
		return false, err
	}
	if !cancelled {
		return false, nil
	}
	interrupted := r.pool.Interrupt(id)
	r.logger.Info("task cancelled", "task_id", id, "interrupted", interrupted)
	return true, nil
}

// ListActive returns every task that has not reached a terminal state.
func (r *TaskRunner) ListActive(ctx context.Context) ([]*domain.Task, error) {
	return r.store.ListActive(ctx)
}

// ListWorkers returns the worker bookkeeping records.
func (r *TaskRunner) ListWorkers(ctx context.Context) ([]*domain.Worker, error) {
	return r.store.ListWorkers(ctx)
}

// Stats reports task counts per state and the latest resource snapshot.
// A failed resource sample leaves the resource fields zero.
func (r *TaskRunner) Stats(ctx context.Context) (Stats, error) {
	counts, err := r.store.CountByState(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("failed to count tasks: %w", err)
	}
	r.metrics.observeCounts(counts)

	stats := Stats{Counts: counts}
	if r.resources != nil {
		snap, err := r.resources.Sample(ctx)
		if err != nil {
			r.logger.Warn("failed to sample host resources", "error", err)
		} else {
			stats.CPUPct = snap.CPUPct
			stats.MemAvailableBytes = snap.MemAvailableBytes
			stats.SampledAt = snap.SampledAt
		}
	}
	return stats, nil
}

// Start recovers tasks orphaned by a previous run with one health scan, then
// starts the health monitor and the worker pool.
func (r *TaskRunner) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return errors.New("task runner already started")
	}

	if _, err := r.health.Scan(ctx); err != nil {
		return fmt.Errorf("failed to recover tasks: %w", err)
	}

	healthCtx, stop := context.WithCancel(context.Background())
	r.stopHealth = stop
	r.healthDone = make(chan struct{})
	go func() {
		defer close(r.healthDone)
		r.runHealth(healthCtx)
	}()

	if err := r.pool.Start(); err != nil {
		stop()
		<-r.healthDone
		return err
	}
	r.running = true
	r.logger.Info("task runner started")
	return nil
}

// runHealth hands over to the monitor one interval after the startup scan.
func (r *TaskRunner) runHealth(ctx context.Context) {
	select {
	case <-ctx.Done():
		return
	case <-time.After(r.cfg.Health.Interval):
	}
	r.health.Run(ctx)
}

// Stop drains the worker pool and stops the health monitor.
func (r *TaskRunner) Stop(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.running {
		return nil
	}
	r.running = false

	err := r.pool.Stop(ctx)
	r.stopHealth()
	<-r.healthDone
	r.logger.Info("task runner stopped")
	return err
}
