package task

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/phrazzld/runqueue/internal/domain"
)

// HealthConfig controls stall detection.
type HealthConfig struct {
	// Interval between scans.
	Interval time.Duration

	// StallThreshold is how old a heartbeat may get before its owner is
	// presumed gone. Workers older than twice the threshold are marked dead.
	StallThreshold time.Duration
}

// HealthReport summarises one scan.
type HealthReport struct {
	Requeued       int
	Failed         int
	Skipped        int
	WorkersStalled int
	WorkersDead    int
}

// HealthMonitor recovers tasks whose worker stopped heartbeating.
type HealthMonitor struct {
	store   Store
	cfg     HealthConfig
	metrics *Metrics
	logger  *slog.Logger
	now     func() time.Time
}

// NewHealthMonitor creates a health monitor.
func NewHealthMonitor(store Store, cfg HealthConfig, metrics *Metrics, logger *slog.Logger) *HealthMonitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &HealthMonitor{
		store:   store,
		cfg:     cfg,
		metrics: metrics,
		logger:  logger.With("component", "health_monitor"),
		now:     time.Now,
	}
}

// Run scans once immediately and then every interval until ctx ends.
func (h *HealthMonitor) Run(ctx context.Context) {
	h.logger.Info("starting health monitor",
		"interval", h.cfg.Interval,
		"stall_threshold", h.cfg.StallThreshold)

	ticker := time.NewTicker(h.cfg.Interval)
	defer ticker.Stop()

	for {
		if _, err := h.Scan(ctx); err != nil && ctx.Err() == nil {
			h.logger.Error("health scan failed", "error", err)
		}
		select {
		case <-ctx.Done():
			h.logger.Info("health monitor stopped")
			return
		case <-ticker.C:
		}
	}
}

// Scan requeues stale tasks through the conditional requeue, so a task whose
// retry budget is spent fails with the stall message instead. Worker
// bookkeeping is updated afterwards and its errors never block recovery.
func (h *HealthMonitor) Scan(ctx context.Context) (HealthReport, error) {
	var report HealthReport
	now := h.now().UTC()
	cutoff := now.Add(-h.cfg.StallThreshold)

	stale, err := h.store.ListStale(ctx, cutoff)
	if err != nil {
		return report, fmt.Errorf("failed to list stale tasks: %w", err)
	}

	for _, t := range stale {
		since := t.CreatedAt
		if t.HeartbeatAt != nil {
			since = *t.HeartbeatAt
		}
		reason := fmt.Sprintf("%s: no heartbeat from %s since %s",
			domain.ErrWorkerStalled, t.ClaimedBy, since.Format(time.RFC3339))

		state, err := h.store.Requeue(ctx, t.ID, t.ClaimedBy, reason)
		switch {
		case err == nil:
		case errors.Is(err, domain.ErrOwnership), errors.Is(err, domain.ErrInvalidState):
			// The owner finished or another actor got there between list and
			// requeue.
			report.Skipped++
			continue
		default:
			if ctx.Err() != nil {
				return report, ctx.Err()
			}
			h.logger.Error("failed to recover stalled task", "task_id", t.ID, "error", err)
			report.Skipped++
			continue
		}

		h.metrics.stalledRecoveredInc(state)
		if state == domain.TaskStateFailed {
			report.Failed++
		} else {
			report.Requeued++
		}
		h.logger.Warn("recovered stalled task",
			"task_id", t.ID,
			"task_type", t.Type,
			"stalled_worker", t.ClaimedBy,
			"last_heartbeat", since,
			"new_state", state)
	}

	dead, err := h.store.MarkWorkersStale(ctx, now.Add(-2*h.cfg.StallThreshold), domain.WorkerStatusDead)
	if err != nil {
		h.logger.Warn("failed to mark dead workers", "error", err)
	}
	report.WorkersDead = dead

	stalled, err := h.store.MarkWorkersStale(ctx, cutoff, domain.WorkerStatusStalled)
	if err != nil {
		h.logger.Warn("failed to mark stalled workers", "error", err)
	}
	report.WorkersStalled = stalled

	if len(stale) > 0 || dead > 0 || stalled > 0 {
		h.logger.Info("health scan complete",
			"requeued", report.Requeued,
			"failed", report.Failed,
			"skipped", report.Skipped,
			"workers_stalled", report.WorkersStalled,
			"workers_dead", report.WorkersDead)
	}
	return report, nil
}
