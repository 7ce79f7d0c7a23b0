package task

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/runqueue/internal/domain"
)

// TaskStore is the durable, shared record of every task. Implementations must
// make each operation atomic with respect to concurrent callers in this and
// other processes sharing the same database.
type TaskStore interface {
	// Submit inserts a queued task after validating it.
	Submit(ctx context.Context, task *domain.Task) error

	// ClaimNext atomically selects the next queued task according to the
	// strategy and assigns it to workerID. Returns (nil, nil) when nothing is
	// eligible. Claim conflicts are retried internally and never surfaced.
	ClaimNext(ctx context.Context, workerID string, strategy Strategy) (*domain.Task, error)

	// Start moves a task claimed by workerID to running.
	Start(ctx context.Context, taskID uuid.UUID, workerID string) error

	// Release returns a task owned by workerID to the queue without
	// consuming a retry.
	Release(ctx context.Context, taskID uuid.UUID, workerID string) error

	// Heartbeat refreshes the liveness timestamp of an owned task.
	// Returns domain.ErrOwnership if workerID no longer owns it.
	Heartbeat(ctx context.Context, taskID uuid.UUID, workerID string) error

	// Complete records a successful result on a running task.
	Complete(ctx context.Context, taskID uuid.UUID, workerID string, result []byte) error

	// Fail records a terminal failure on a running task.
	Fail(ctx context.Context, taskID uuid.UUID, workerID string, errMsg string) error

	// Requeue puts an owned task back in the queue, consuming one retry, or
	// fails it with reason when the retry budget is spent. An empty workerID
	// skips the ownership check. Returns the resulting state.
	Requeue(ctx context.Context, taskID uuid.UUID, workerID string, reason string) (domain.TaskState, error)

	// Cancel moves a non-terminal task to cancelled. Returns false without
	// mutation when the task is already terminal.
	Cancel(ctx context.Context, taskID uuid.UUID) (bool, error)

	// Get retrieves a task by ID, or store.ErrTaskNotFound.
	Get(ctx context.Context, taskID uuid.UUID) (*domain.Task, error)

	// ListActive returns queued, claimed and running tasks oldest first.
	ListActive(ctx context.Context) ([]*domain.Task, error)

	// ListStale returns claimed or running tasks whose heartbeat is older
	// than cutoff.
	ListStale(ctx context.Context, cutoff time.Time) ([]*domain.Task, error)

	// CountByState returns the number of tasks in each state. States with no
	// tasks may be absent.
	CountByState(ctx context.Context) (map[domain.TaskState]int, error)
}

// WorkerStore keeps the bookkeeping rows that describe live workers.
type WorkerStore interface {
	// UpsertWorker inserts or replaces the worker row.
	UpsertWorker(ctx context.Context, worker *domain.Worker) error

	// ListWorkers returns all known workers ordered by ID.
	ListWorkers(ctx context.Context) ([]*domain.Worker, error)

	// MarkWorkersStale sets status on workers whose last heartbeat is older
	// than cutoff. Marking stalled only touches idle or busy workers; marking
	// dead touches every worker not already dead. Returns the rows changed.
	MarkWorkersStale(ctx context.Context, cutoff time.Time, status domain.WorkerStatus) (int, error)
}

// Store is the full persistence surface the engine needs.
type Store interface {
	TaskStore
	WorkerStore
}
