package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/runqueue/internal/domain"
	"github.com/phrazzld/runqueue/internal/store"
	"github.com/phrazzld/runqueue/internal/task"
)

const taskColumns = `id, type, params, priority, weight, state, claimed_by, created_at,
	claimed_at, heartbeat_at, finished_at, retry_count, max_retries,
	required_mem_bytes, timeout_ms, result, error`

// Store is a task.Store backed by a SQL database shared by every engine
// process. Each state change runs in its own transaction after locking the
// task row.
type Store struct {
	db      *sql.DB
	dialect Dialect
	retry   store.RetryPolicy
	logger  *slog.Logger
	now     func() time.Time
}

var _ task.Store = (*Store)(nil)

// New creates a Store. The schema must already be migrated.
func New(db *sql.DB, dialect Dialect, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		db:      db,
		dialect: dialect,
		retry:   store.DefaultRetryPolicy(),
		logger:  logger.With("component", "task_store", "backend", dialect.Name()),
		now:     time.Now,
	}
}

// SetClock replaces the store's time source. Tests use it to fabricate
// stale heartbeats.
func (s *Store) SetClock(now func() time.Time) {
	s.now = now
}

// DB returns the underlying connection pool.
func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) q(query string) string {
	return s.dialect.Rebind(query)
}

func (s *Store) retryable(err error) bool {
	return errors.Is(err, domain.ErrClaimConflict) || s.dialect.Retryable(err)
}

// withTx runs fn in a transaction, retrying transient conflicts.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	return store.Retry(ctx, s.retry, s.retryable, func() error {
		return store.RunInTransaction(ctx, s.db, func(ctx context.Context, tx *sql.Tx) error {
			return fn(tx)
		})
	})
}

// exec runs a single statement, retrying transient conflicts.
func (s *Store) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	var res sql.Result
	err := store.Retry(ctx, s.retry, s.dialect.Retryable, func() error {
		var err error
		res, err = s.db.ExecContext(ctx, s.q(query), args...)
		return err
	})
	return res, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *Store) scanTask(row rowScanner) (*domain.Task, error) {
	var (
		t           domain.Task
		state       string
		created     any
		claimedAt   any
		heartbeatAt any
		finishedAt  any
		timeoutMS   int64
	)
	err := row.Scan(&t.ID, &t.Type, &t.Params, &t.Priority, &t.Weight, &state, &t.ClaimedBy,
		&created, &claimedAt, &heartbeatAt, &finishedAt, &t.RetryCount, &t.MaxRetries,
		&t.RequiredMemBytes, &timeoutMS, &t.Result, &t.Error)
	if err != nil {
		return nil, err
	}

	t.State = domain.TaskState(state)
	t.Timeout = time.Duration(timeoutMS) * time.Millisecond
	if t.CreatedAt, err = s.dialect.DecodeTime(created); err != nil {
		return nil, fmt.Errorf("created_at: %w", err)
	}
	if t.ClaimedAt, err = s.decodeTimePtr(claimedAt); err != nil {
		return nil, fmt.Errorf("claimed_at: %w", err)
	}
	if t.HeartbeatAt, err = s.decodeTimePtr(heartbeatAt); err != nil {
		return nil, fmt.Errorf("heartbeat_at: %w", err)
	}
	if t.FinishedAt, err = s.decodeTimePtr(finishedAt); err != nil {
		return nil, fmt.Errorf("finished_at: %w", err)
	}
	return &t, nil
}

func (s *Store) decodeTimePtr(v any) (*time.Time, error) {
	if v == nil {
		return nil, nil
	}
	t, err := s.dialect.DecodeTime(v)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *Store) queryTasks(ctx context.Context, q store.DBTX, query string, args ...any) ([]*domain.Task, error) {
	rows, err := q.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*domain.Task
	for rows.Next() {
		t, err := s.scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// lockTask loads a task inside tx, locking its row where the dialect can.
func (s *Store) lockTask(ctx context.Context, tx *sql.Tx, id uuid.UUID) (*domain.Task, error) {
	row := tx.QueryRowContext(ctx,
		s.q("SELECT "+taskColumns+" FROM tasks WHERE id = ?"+s.dialect.RowLock()), id.String())
	t, err := s.scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrTaskNotFound
	}
	return t, err
}

func checkOwner(t *domain.Task, workerID string) error {
	if t.ClaimedBy != workerID || !t.State.IsOwned() {
		return fmt.Errorf("%w: task %s held by %q in state %s",
			domain.ErrOwnership, t.ID, t.ClaimedBy, t.State)
	}
	return nil
}

// mapErr translates driver errors at the API boundary, leaving the engine's
// own sentinels untouched.
func (s *Store) mapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, store.ErrNotFound) || errors.Is(err, domain.ErrOwnership) ||
		errors.Is(err, domain.ErrInvalidState) || errors.Is(err, domain.ErrValidation) {
		return err
	}
	return fmt.Errorf("%s: %w", op, s.dialect.MapError(err))
}

func (s *Store) nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return s.dialect.EncodeTime(*t)
}

// Submit implements task.TaskStore.
func (s *Store) Submit(ctx context.Context, t *domain.Task) error {
	if err := t.Validate(); err != nil {
		return err
	}
	if t.State != domain.TaskStateQueued {
		return fmt.Errorf("%w: new tasks must be queued, got %s", domain.ErrValidation, t.State)
	}

	_, err := s.exec(ctx, `INSERT INTO tasks (`+taskColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID.String(), t.Type, t.Params, t.Priority, t.Weight, string(t.State), t.ClaimedBy,
		s.dialect.EncodeTime(t.CreatedAt), s.nullTime(t.ClaimedAt), s.nullTime(t.HeartbeatAt),
		s.nullTime(t.FinishedAt), t.RetryCount, t.MaxRetries, t.RequiredMemBytes,
		t.Timeout.Milliseconds(), t.Result, t.Error)
	if err != nil {
		s.logger.Error("failed to insert task", "task_id", t.ID, "task_type", t.Type, "error", err)
		return s.mapErr("insert task", err)
	}
	return nil
}

func orderBy(kind task.StrategyKind) string {
	switch kind {
	case task.StrategyLIFO:
		return "created_at DESC, id DESC"
	case task.StrategyPriority:
		return "priority DESC, created_at ASC, id ASC"
	default:
		return "created_at ASC, id ASC"
	}
}

// ClaimNext implements task.TaskStore. Candidates are loaded in strategy
// order, so deterministic strategies read a single row while weighted random
// draws from the oldest WeightedCandidateLimit queued tasks.
func (s *Store) ClaimNext(ctx context.Context, workerID string, strategy task.Strategy) (*domain.Task, error) {
	limit := 1
	if strategy.Kind() == task.StrategyWeightedRandom {
		limit = task.WeightedCandidateLimit
	}
	query := "SELECT " + taskColumns + " FROM tasks WHERE state = ? ORDER BY " +
		orderBy(strategy.Kind()) + " LIMIT ?" + s.dialect.ClaimLock()

	var claimed *domain.Task
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		claimed = nil
		candidates, err := s.queryTasks(ctx, tx, query, string(domain.TaskStateQueued), limit)
		if err != nil {
			return err
		}
		picked := strategy.Pick(candidates)
		if picked == nil {
			return nil
		}

		now := s.now().UTC()
		res, err := tx.ExecContext(ctx, s.q(`UPDATE tasks
			SET state = ?, claimed_by = ?, claimed_at = ?, heartbeat_at = ?
			WHERE id = ? AND state = ?`),
			string(domain.TaskStateClaimed), workerID, s.dialect.EncodeTime(now),
			s.dialect.EncodeTime(now), picked.ID.String(), string(domain.TaskStateQueued))
		if err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err != nil {
			return err
		} else if n == 0 {
			return domain.ErrClaimConflict
		}

		picked.State = domain.TaskStateClaimed
		picked.ClaimedBy = workerID
		picked.ClaimedAt = &now
		picked.HeartbeatAt = &now
		claimed = picked
		return nil
	})
	if errors.Is(err, domain.ErrClaimConflict) {
		s.logger.Debug("claim conflicts persisted, reporting empty queue", "worker_id", workerID)
		return nil, nil
	}
	if err != nil {
		return nil, s.mapErr("claim task", err)
	}
	return claimed, nil
}

// mutate locks a task, lets fn decide the change and applies the returned
// update, if any.
func (s *Store) mutate(ctx context.Context, op string, id uuid.UUID,
	fn func(t *domain.Task, now time.Time) (string, []any, error)) error {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		t, err := s.lockTask(ctx, tx, id)
		if err != nil {
			return err
		}
		set, args, err := fn(t, s.now().UTC())
		if err != nil || set == "" {
			return err
		}
		args = append(args, id.String())
		_, err = tx.ExecContext(ctx, s.q("UPDATE tasks SET "+set+" WHERE id = ?"), args...)
		return err
	})
	return s.mapErr(op, err)
}

// Start implements task.TaskStore.
func (s *Store) Start(ctx context.Context, taskID uuid.UUID, workerID string) error {
	return s.mutate(ctx, "start task", taskID, func(t *domain.Task, now time.Time) (string, []any, error) {
		if err := checkOwner(t, workerID); err != nil {
			return "", nil, err
		}
		if err := domain.CheckTransition(t.State, domain.TaskStateRunning); err != nil {
			return "", nil, err
		}
		return "state = ?, heartbeat_at = ?",
			[]any{string(domain.TaskStateRunning), s.dialect.EncodeTime(now)}, nil
	})
}

const unclaimSet = "state = ?, claimed_by = '', claimed_at = NULL, heartbeat_at = NULL"

// Release implements task.TaskStore.
func (s *Store) Release(ctx context.Context, taskID uuid.UUID, workerID string) error {
	return s.mutate(ctx, "release task", taskID, func(t *domain.Task, now time.Time) (string, []any, error) {
		if err := checkOwner(t, workerID); err != nil {
			return "", nil, err
		}
		if err := domain.CheckTransition(t.State, domain.TaskStateQueued); err != nil {
			return "", nil, err
		}
		return unclaimSet, []any{string(domain.TaskStateQueued)}, nil
	})
}

// Heartbeat implements task.TaskStore.
func (s *Store) Heartbeat(ctx context.Context, taskID uuid.UUID, workerID string) error {
	return s.mutate(ctx, "record heartbeat", taskID, func(t *domain.Task, now time.Time) (string, []any, error) {
		if err := checkOwner(t, workerID); err != nil {
			return "", nil, err
		}
		if t.HeartbeatAt != nil && !now.After(*t.HeartbeatAt) {
			return "", nil, nil
		}
		return "heartbeat_at = ?", []any{s.dialect.EncodeTime(now)}, nil
	})
}

// Complete implements task.TaskStore.
func (s *Store) Complete(ctx context.Context, taskID uuid.UUID, workerID string, result []byte) error {
	return s.finish(ctx, "complete task", taskID, workerID, domain.TaskStateCompleted, result, "")
}

// Fail implements task.TaskStore.
func (s *Store) Fail(ctx context.Context, taskID uuid.UUID, workerID string, errMsg string) error {
	return s.finish(ctx, "fail task", taskID, workerID, domain.TaskStateFailed, nil, errMsg)
}

func (s *Store) finish(ctx context.Context, op string, taskID uuid.UUID, workerID string,
	state domain.TaskState, result []byte, errMsg string) error {
	return s.mutate(ctx, op, taskID, func(t *domain.Task, now time.Time) (string, []any, error) {
		if err := checkOwner(t, workerID); err != nil {
			return "", nil, err
		}
		if err := domain.CheckTransition(t.State, state); err != nil {
			return "", nil, err
		}
		return "state = ?, claimed_by = '', finished_at = ?, result = ?, error = ?",
			[]any{string(state), s.dialect.EncodeTime(now), result, errMsg}, nil
	})
}

// Requeue implements task.TaskStore.
func (s *Store) Requeue(ctx context.Context, taskID uuid.UUID, workerID string, reason string) (domain.TaskState, error) {
	var state domain.TaskState
	err := s.mutate(ctx, "requeue task", taskID, func(t *domain.Task, now time.Time) (string, []any, error) {
		state = t.State
		if !t.State.IsOwned() {
			return "", nil, fmt.Errorf("%w: cannot requeue task in state %s", domain.ErrInvalidState, t.State)
		}
		if workerID != "" && t.ClaimedBy != workerID {
			return "", nil, fmt.Errorf("%w: task %s held by %q", domain.ErrOwnership, taskID, t.ClaimedBy)
		}

		target := domain.TaskStateFailed
		if t.CanRetry() {
			target = domain.TaskStateQueued
		}
		if err := domain.CheckTransition(t.State, target); err != nil {
			return "", nil, err
		}
		state = target
		if target == domain.TaskStateQueued {
			return unclaimSet + ", retry_count = ?, error = ?",
				[]any{string(state), t.RetryCount + 1, reason}, nil
		}
		return "state = ?, claimed_by = '', finished_at = ?, error = ?",
			[]any{string(state), s.dialect.EncodeTime(now), reason}, nil
	})
	return state, err
}

// Cancel implements task.TaskStore.
func (s *Store) Cancel(ctx context.Context, taskID uuid.UUID) (bool, error) {
	cancelled := false
	err := s.mutate(ctx, "cancel task", taskID, func(t *domain.Task, now time.Time) (string, []any, error) {
		cancelled = false
		if !domain.CanTransition(t.State, domain.TaskStateCancelled) {
			return "", nil, nil
		}
		cancelled = true
		return "state = ?, claimed_by = '', finished_at = ?",
			[]any{string(domain.TaskStateCancelled), s.dialect.EncodeTime(now)}, nil
	})
	if err != nil {
		return false, err
	}
	return cancelled, nil
}

// Get implements task.TaskStore.
func (s *Store) Get(ctx context.Context, taskID uuid.UUID) (*domain.Task, error) {
	row := s.db.QueryRowContext(ctx, s.q("SELECT "+taskColumns+" FROM tasks WHERE id = ?"), taskID.String())
	t, err := s.scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrTaskNotFound
	}
	if err != nil {
		return nil, s.mapErr("get task", err)
	}
	return t, nil
}

func statePlaceholders(states []domain.TaskState) (string, []any) {
	marks := make([]string, len(states))
	args := make([]any, len(states))
	for i, st := range states {
		marks[i] = "?"
		args[i] = string(st)
	}
	return strings.Join(marks, ", "), args
}

// ListActive implements task.TaskStore.
func (s *Store) ListActive(ctx context.Context) ([]*domain.Task, error) {
	in, args := statePlaceholders([]domain.TaskState{
		domain.TaskStateQueued, domain.TaskStateClaimed, domain.TaskStateRunning,
	})
	tasks, err := s.queryTasks(ctx, s.db,
		"SELECT "+taskColumns+" FROM tasks WHERE state IN ("+in+") ORDER BY created_at ASC, id ASC", args...)
	return tasks, s.mapErr("list active tasks", err)
}

// ListStale implements task.TaskStore.
func (s *Store) ListStale(ctx context.Context, cutoff time.Time) ([]*domain.Task, error) {
	in, args := statePlaceholders([]domain.TaskState{domain.TaskStateClaimed, domain.TaskStateRunning})
	args = append(args, s.dialect.EncodeTime(cutoff.UTC()))
	tasks, err := s.queryTasks(ctx, s.db,
		"SELECT "+taskColumns+" FROM tasks WHERE state IN ("+in+") AND heartbeat_at < ?"+
			" ORDER BY created_at ASC, id ASC", args...)
	return tasks, s.mapErr("list stale tasks", err)
}

// CountByState implements task.TaskStore.
func (s *Store) CountByState(ctx context.Context) (map[domain.TaskState]int, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT state, COUNT(*) FROM tasks GROUP BY state")
	if err != nil {
		return nil, s.mapErr("count tasks", err)
	}
	defer func() { _ = rows.Close() }()

	counts := make(map[domain.TaskState]int)
	for rows.Next() {
		var (
			state string
			n     int
		)
		if err := rows.Scan(&state, &n); err != nil {
			return nil, fmt.Errorf("failed to scan task count: %w", err)
		}
		counts[domain.TaskState(state)] = n
	}
	return counts, s.mapErr("count tasks", rows.Err())
}

// UpsertWorker implements task.WorkerStore.
func (s *Store) UpsertWorker(ctx context.Context, w *domain.Worker) error {
	if w.ID == "" {
		return fmt.Errorf("%w: worker ID cannot be empty", store.ErrInvalidEntity)
	}
	var current any
	if w.CurrentTaskID != nil {
		current = w.CurrentTaskID.String()
	}
	_, err := s.exec(ctx, `INSERT INTO workers (id, status, last_heartbeat, current_task_id)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			status = excluded.status,
			last_heartbeat = excluded.last_heartbeat,
			current_task_id = excluded.current_task_id`,
		w.ID, string(w.Status), s.dialect.EncodeTime(w.LastHeartbeat.UTC()), current)
	return s.mapErr("upsert worker", err)
}

// ListWorkers implements task.WorkerStore.
func (s *Store) ListWorkers(ctx context.Context) ([]*domain.Worker, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, status, last_heartbeat, current_task_id FROM workers ORDER BY id")
	if err != nil {
		return nil, s.mapErr("list workers", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*domain.Worker
	for rows.Next() {
		var (
			w       domain.Worker
			status  string
			beat    any
			current uuid.NullUUID
		)
		if err := rows.Scan(&w.ID, &status, &beat, &current); err != nil {
			return nil, fmt.Errorf("failed to scan worker: %w", err)
		}
		w.Status = domain.WorkerStatus(status)
		if w.LastHeartbeat, err = s.dialect.DecodeTime(beat); err != nil {
			return nil, fmt.Errorf("last_heartbeat: %w", err)
		}
		if current.Valid {
			id := current.UUID
			w.CurrentTaskID = &id
		}
		out = append(out, &w)
	}
	return out, s.mapErr("list workers", rows.Err())
}

// MarkWorkersStale implements task.WorkerStore. Stalled applies to idle and
// busy workers only; dead applies to any worker not already dead.
func (s *Store) MarkWorkersStale(ctx context.Context, cutoff time.Time, status domain.WorkerStatus) (int, error) {
	var from []domain.WorkerStatus
	switch status {
	case domain.WorkerStatusStalled:
		from = []domain.WorkerStatus{domain.WorkerStatusIdle, domain.WorkerStatusBusy}
	case domain.WorkerStatusDead:
		from = []domain.WorkerStatus{domain.WorkerStatusIdle, domain.WorkerStatusBusy, domain.WorkerStatusStalled}
	default:
		return 0, fmt.Errorf("%w: cannot mark workers %s", domain.ErrValidation, status)
	}

	marks := make([]string, len(from))
	args := []any{string(status), s.dialect.EncodeTime(cutoff.UTC())}
	for i, st := range from {
		marks[i] = "?"
		args = append(args, string(st))
	}
	res, err := s.exec(ctx, "UPDATE workers SET status = ? WHERE last_heartbeat < ? AND status IN ("+
		strings.Join(marks, ", ")+")", args...)
	if err != nil {
		return 0, s.mapErr("mark workers", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return int(n), nil
}
