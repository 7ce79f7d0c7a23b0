package task

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/runqueue/internal/domain"
	"github.com/phrazzld/runqueue/internal/execution"
)

// Executor runs a claimed task. *execution.Backend implements it.
type Executor interface {
	Execute(ctx context.Context, task *domain.Task, timeout time.Duration) execution.Result
}

// Admitter gates dispatch on host resources. *resource.Monitor implements it.
type Admitter interface {
	CanAdmit(ctx context.Context, requiredMemBytes int64) bool
}

// ShutdownPolicy decides what happens to tasks still running when the
// shutdown timeout expires.
type ShutdownPolicy string

// Shutdown policies
const (
	ShutdownRequeue ShutdownPolicy = "requeue"
	ShutdownCancel  ShutdownPolicy = "cancel"
)

// storeWriteTimeout bounds state write-backs, which run even while the
// engine is shutting down.
const storeWriteTimeout = 10 * time.Second

// Causes attached to an execution's context when it is cut short.
var (
	errInterrupted   = errors.New("interrupted by cancel request")
	errShutdown      = errors.New("engine shutting down")
	errOwnershipLost = errors.New("task ownership lost")
)

// WorkerConfig holds the timing knobs of a single worker.
type WorkerConfig struct {
	PollInterval      time.Duration
	MaxPollBackoff    time.Duration
	HeartbeatInterval time.Duration
	DefaultTimeout    time.Duration
	ShutdownPolicy    ShutdownPolicy
}

// DefaultWorkerConfig returns the stock worker timings.
func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		PollInterval:      500 * time.Millisecond,
		MaxPollBackoff:    5 * time.Second,
		HeartbeatInterval: 30 * time.Second,
		DefaultTimeout:    30 * time.Minute,
		ShutdownPolicy:    ShutdownRequeue,
	}
}

// Worker claims and executes one task at a time until its claim context ends.
type Worker struct {
	id       string
	store    Store
	strategy Strategy
	exec     Executor
	admit    Admitter
	cfg      WorkerConfig
	wake     *wakeup
	metrics  *Metrics
	logger   *slog.Logger

	mu        sync.Mutex
	current   uuid.UUID
	interrupt context.CancelCauseFunc
	lastBeat  time.Time
}

// ID returns the worker's identifier.
func (w *Worker) ID() string {
	return w.id
}

// Interrupt cancels the execution of taskID if this worker is running it.
func (w *Worker) Interrupt(taskID uuid.UUID) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.interrupt == nil || w.current != taskID {
		return false
	}
	w.interrupt(errInterrupted)
	return true
}

type waitResult int

const (
	waitElapsed waitResult = iota
	waitWoken
	waitDone
)

func (w *Worker) wait(ctx context.Context, d time.Duration) waitResult {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return waitDone
	case <-w.wake.C():
		return waitWoken
	case <-timer.C:
		return waitElapsed
	}
}

// run loops until claimCtx ends. Executions derive from execCtx so that a
// shutdown can let them drain after claiming stops.
func (w *Worker) run(claimCtx, execCtx context.Context) {
	w.logger.Debug("starting worker")
	defer w.logger.Debug("stopping worker")

	w.recordStatus(execCtx, domain.WorkerStatusIdle, nil)

	delay := w.cfg.PollInterval
	backoff := func() bool {
		switch w.wait(claimCtx, delay) {
		case waitDone:
			return false
		case waitWoken:
			delay = w.cfg.PollInterval
		default:
			delay = min(delay*2, w.cfg.MaxPollBackoff)
		}
		w.idleHeartbeat(execCtx)
		return true
	}

	for claimCtx.Err() == nil {
		claimed, err := w.store.ClaimNext(claimCtx, w.id, w.strategy)
		if err != nil {
			if claimCtx.Err() != nil {
				return
			}
			w.logger.Error("failed to claim task", "error", err)
		}
		if claimed == nil {
			if !backoff() {
				return
			}
			continue
		}
		w.metrics.taskClaimed()

		if w.admit != nil && !w.admit.CanAdmit(claimCtx, claimed.RequiredMemBytes) {
			w.deferTask(execCtx, claimed)
			if !backoff() {
				return
			}
			continue
		}

		delay = w.cfg.PollInterval
		w.process(execCtx, claimed)
	}
}

// deferTask hands a task back after admission control refused it.
func (w *Worker) deferTask(ctx context.Context, t *domain.Task) {
	w.metrics.admissionDeniedInc()
	wctx, cancel := writeContext(ctx)
	defer cancel()
	if err := w.store.Release(wctx, t.ID, w.id); err != nil {
		w.logger.Warn("failed to release deferred task", "task_id", t.ID, "error", err)
		return
	}
	w.logger.Debug("deferred task: host resources insufficient",
		"task_id", t.ID,
		"required_mem_bytes", t.RequiredMemBytes)
}

func writeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), storeWriteTimeout)
}

func (w *Worker) process(execCtx context.Context, t *domain.Task) {
	logger := w.logger.With("task_id", t.ID, "task_type", t.Type)

	wctx, cancel := writeContext(execCtx)
	err := w.store.Start(wctx, t.ID, w.id)
	cancel()
	if err != nil {
		if errors.Is(err, domain.ErrOwnership) || errors.Is(err, domain.ErrInvalidState) {
			logger.Info("task taken away before start, skipping", "error", err)
		} else {
			logger.Error("failed to start task", "error", err)
		}
		return
	}

	runCtx, interrupt := context.WithCancelCause(execCtx)
	defer interrupt(nil)

	w.mu.Lock()
	w.current = t.ID
	w.interrupt = interrupt
	w.mu.Unlock()
	defer func() {
		w.mu.Lock()
		w.current = uuid.Nil
		w.interrupt = nil
		w.mu.Unlock()
	}()

	w.metrics.busyDelta(1)
	defer w.metrics.busyDelta(-1)
	w.recordStatus(execCtx, domain.WorkerStatusBusy, &t.ID)

	hbStop := make(chan struct{})
	hbDone := make(chan struct{})
	go func() {
		defer close(hbDone)
		w.heartbeat(runCtx, t.ID, interrupt, hbStop, logger)
	}()

	timeout := t.Timeout
	if timeout <= 0 {
		timeout = w.cfg.DefaultTimeout
	}

	logger.Info("executing task", "attempt", t.RetryCount+1, "timeout", timeout)
	res := w.exec.Execute(runCtx, t, timeout)

	close(hbStop)
	<-hbDone

	w.writeBack(execCtx, t, res, context.Cause(runCtx), logger)
	w.recordStatus(execCtx, domain.WorkerStatusIdle, nil)
}

func (w *Worker) heartbeat(ctx context.Context, taskID uuid.UUID, interrupt context.CancelCauseFunc,
	stop <-chan struct{}, logger *slog.Logger) {
	ticker := time.NewTicker(w.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		err := w.store.Heartbeat(ctx, taskID, w.id)
		switch {
		case err == nil:
			w.recordStatus(ctx, domain.WorkerStatusBusy, &taskID)
		case errors.Is(err, domain.ErrOwnership):
			logger.Warn("lost ownership of task, stopping execution", "error", err)
			interrupt(errOwnershipLost)
			return
		case ctx.Err() == nil:
			logger.Warn("failed to record heartbeat", "error", err)
		}
	}
}

// writeBack records the execution outcome. Ownership errors mean another
// actor already decided the task's fate; the result is discarded.
func (w *Worker) writeBack(ctx context.Context, t *domain.Task, res execution.Result,
	cause error, logger *slog.Logger) {
	wctx, cancel := writeContext(ctx)
	defer cancel()

	seconds := res.Duration.Seconds()
	var (
		err     error
		outcome string
	)

	switch {
	case res.Err == nil:
		outcome = "completed"
		err = w.store.Complete(wctx, t.ID, w.id, res.Output)

	case res.Err.Kind == execution.KindCancelled && errors.Is(cause, errOwnershipLost):
		logger.Info("discarding result of task owned elsewhere")
		return

	case res.Err.Kind == execution.KindCancelled && errors.Is(cause, errShutdown) &&
		w.cfg.ShutdownPolicy == ShutdownRequeue:
		outcome = "released"
		err = w.store.Release(wctx, t.ID, w.id)

	case res.Err.Kind == execution.KindCancelled:
		outcome = "cancelled"
		_, err = w.store.Cancel(wctx, t.ID)

	case res.Err.Fatal():
		outcome = "failed"
		err = w.store.Fail(wctx, t.ID, w.id, res.Err.Error())

	default:
		var state domain.TaskState
		state, err = w.store.Requeue(wctx, t.ID, w.id, res.Err.Error())
		outcome = "requeued"
		if state == domain.TaskStateFailed {
			outcome = "failed"
		}
	}

	if err != nil {
		if errors.Is(err, domain.ErrOwnership) {
			logger.Info("task no longer owned, discarding result", "outcome", outcome)
		} else {
			logger.Error("failed to record task outcome", "outcome", outcome, "error", err)
		}
		return
	}

	w.metrics.taskOutcome(t.Type, outcome, seconds)
	if res.Err != nil {
		logger.Info("task attempt finished", "outcome", outcome, "error", res.Err.Error(),
			"duration", res.Duration)
	} else {
		logger.Info("task attempt finished", "outcome", outcome, "duration", res.Duration)
	}
}

func (w *Worker) idleHeartbeat(ctx context.Context) {
	w.mu.Lock()
	due := time.Since(w.lastBeat) >= w.cfg.HeartbeatInterval
	w.mu.Unlock()
	if due {
		w.recordStatus(ctx, domain.WorkerStatusIdle, nil)
	}
}

// recordStatus upserts the worker's bookkeeping row. Failures are logged
// only; bookkeeping never blocks task processing.
func (w *Worker) recordStatus(ctx context.Context, status domain.WorkerStatus, taskID *uuid.UUID) {
	wctx, cancel := writeContext(ctx)
	defer cancel()

	now := time.Now().UTC()
	err := w.store.UpsertWorker(wctx, &domain.Worker{
		ID:            w.id,
		Status:        status,
		LastHeartbeat: now,
		CurrentTaskID: taskID,
	})
	if err != nil {
		w.logger.Warn("failed to update worker bookkeeping", "status", status, "error", err)
		return
	}

	w.mu.Lock()
	w.lastBeat = now
	w.mu.Unlock()
}
