// Package memory provides a process-local implementation of the task and
// worker stores. It backs the ephemeral "memory" driver and the engine's
// tests; nothing survives a restart.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/runqueue/internal/domain"
	"github.com/phrazzld/runqueue/internal/store"
	"github.com/phrazzld/runqueue/internal/task"
)

// Store is a mutex-guarded map of tasks and workers.
type Store struct {
	mu      sync.Mutex
	tasks   map[uuid.UUID]*domain.Task
	workers map[string]*domain.Worker
	now     func() time.Time
}

var _ task.Store = (*Store)(nil)

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		tasks:   make(map[uuid.UUID]*domain.Task),
		workers: make(map[string]*domain.Worker),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// SetClock replaces the store's time source. Intended for tests.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func copyTask(t *domain.Task) *domain.Task {
	c := *t
	c.Params = append([]byte(nil), t.Params...)
	if t.Result != nil {
		c.Result = append([]byte(nil), t.Result...)
	}
	c.ClaimedAt = copyTime(t.ClaimedAt)
	c.HeartbeatAt = copyTime(t.HeartbeatAt)
	c.FinishedAt = copyTime(t.FinishedAt)
	return &c
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func (s *Store) stamp() *time.Time {
	now := s.now()
	return &now
}

// Submit implements task.TaskStore.
func (s *Store) Submit(ctx context.Context, t *domain.Task) error {
	if err := t.Validate(); err != nil {
		return err
	}
	if t.State != domain.TaskStateQueued {
		return fmt.Errorf("%w: new tasks must be queued, got %s", domain.ErrValidation, t.State)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.tasks[t.ID]; exists {
		return fmt.Errorf("%w: task %s", store.ErrDuplicate, t.ID)
	}
	s.tasks[t.ID] = copyTask(t)
	return nil
}

// ClaimNext implements task.TaskStore.
func (s *Store) ClaimNext(ctx context.Context, workerID string, strategy task.Strategy) (*domain.Task, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var candidates []*domain.Task
	for _, t := range s.tasks {
		if t.State == domain.TaskStateQueued {
			candidates = append(candidates, t)
		}
	}
	if len(candidates) == 0 {
		return nil, nil
	}
	// Map iteration order is random; weighted selection should only depend
	// on the rng.
	sort.Slice(candidates, func(i, j int) bool {
		return task.Less(task.StrategyFIFO, candidates[i], candidates[j])
	})

	picked := strategy.Pick(candidates)
	if picked == nil {
		return nil, nil
	}

	picked.State = domain.TaskStateClaimed
	picked.ClaimedBy = workerID
	picked.ClaimedAt = s.stamp()
	picked.HeartbeatAt = s.stamp()
	return copyTask(picked), nil
}

// owned loads a task and checks that workerID holds it.
func (s *Store) owned(taskID uuid.UUID, workerID string) (*domain.Task, error) {
	t, ok := s.tasks[taskID]
	if !ok {
		return nil, store.ErrTaskNotFound
	}
	if t.ClaimedBy != workerID || !t.State.IsOwned() {
		return nil, fmt.Errorf("%w: task %s held by %q in state %s",
			domain.ErrOwnership, taskID, t.ClaimedBy, t.State)
	}
	return t, nil
}

// Start implements task.TaskStore.
func (s *Store) Start(ctx context.Context, taskID uuid.UUID, workerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.owned(taskID, workerID)
	if err != nil {
		return err
	}
	if err := domain.CheckTransition(t.State, domain.TaskStateRunning); err != nil {
		return err
	}
	t.State = domain.TaskStateRunning
	t.HeartbeatAt = s.stamp()
	return nil
}

// Release implements task.TaskStore.
func (s *Store) Release(ctx context.Context, taskID uuid.UUID, workerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.owned(taskID, workerID)
	if err != nil {
		return err
	}
	if err := domain.CheckTransition(t.State, domain.TaskStateQueued); err != nil {
		return err
	}
	unclaim(t)
	return nil
}

func unclaim(t *domain.Task) {
	t.State = domain.TaskStateQueued
	t.ClaimedBy = ""
	t.ClaimedAt = nil
	t.HeartbeatAt = nil
}

// Heartbeat implements task.TaskStore.
func (s *Store) Heartbeat(ctx context.Context, taskID uuid.UUID, workerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.owned(taskID, workerID)
	if err != nil {
		return err
	}
	now := s.now()
	if t.HeartbeatAt == nil || now.After(*t.HeartbeatAt) {
		t.HeartbeatAt = &now
	}
	return nil
}

// Complete implements task.TaskStore.
func (s *Store) Complete(ctx context.Context, taskID uuid.UUID, workerID string, result []byte) error {
	return s.finish(taskID, workerID, domain.TaskStateCompleted, result, "")
}

// Fail implements task.TaskStore.
func (s *Store) Fail(ctx context.Context, taskID uuid.UUID, workerID string, errMsg string) error {
	return s.finish(taskID, workerID, domain.TaskStateFailed, nil, errMsg)
}

func (s *Store) finish(taskID uuid.UUID, workerID string, state domain.TaskState, result []byte, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.owned(taskID, workerID)
	if err != nil {
		return err
	}
	if err := domain.CheckTransition(t.State, state); err != nil {
		return err
	}
	t.State = state
	t.ClaimedBy = ""
	t.FinishedAt = s.stamp()
	t.Result = append([]byte(nil), result...)
	t.Error = errMsg
	return nil
}

// Requeue implements task.TaskStore.
func (s *Store) Requeue(ctx context.Context, taskID uuid.UUID, workerID string, reason string) (domain.TaskState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[taskID]
	if !ok {
		return "", store.ErrTaskNotFound
	}
	if !t.State.IsOwned() {
		return t.State, fmt.Errorf("%w: cannot requeue task in state %s", domain.ErrInvalidState, t.State)
	}
	if workerID != "" && t.ClaimedBy != workerID {
		return t.State, fmt.Errorf("%w: task %s held by %q", domain.ErrOwnership, taskID, t.ClaimedBy)
	}

	target := domain.TaskStateFailed
	if t.CanRetry() {
		target = domain.TaskStateQueued
	}
	if err := domain.CheckTransition(t.State, target); err != nil {
		return t.State, err
	}

	t.Error = reason
	if target == domain.TaskStateQueued {
		t.RetryCount++
		unclaim(t)
		return t.State, nil
	}

	t.State = domain.TaskStateFailed
	t.ClaimedBy = ""
	t.FinishedAt = s.stamp()
	return t.State, nil
}

// Cancel implements task.TaskStore.
func (s *Store) Cancel(ctx context.Context, taskID uuid.UUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[taskID]
	if !ok {
		return false, store.ErrTaskNotFound
	}
	if !domain.CanTransition(t.State, domain.TaskStateCancelled) {
		return false, nil
	}
	t.State = domain.TaskStateCancelled
	t.ClaimedBy = ""
	t.FinishedAt = s.stamp()
	return true, nil
}

// Get implements task.TaskStore.
func (s *Store) Get(ctx context.Context, taskID uuid.UUID) (*domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[taskID]
	if !ok {
		return nil, store.ErrTaskNotFound
	}
	return copyTask(t), nil
}

func (s *Store) list(match func(*domain.Task) bool) []*domain.Task {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*domain.Task
	for _, t := range s.tasks {
		if match(t) {
			out = append(out, copyTask(t))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return task.Less(task.StrategyFIFO, out[i], out[j])
	})
	return out
}

// ListActive implements task.TaskStore.
func (s *Store) ListActive(ctx context.Context) ([]*domain.Task, error) {
	return s.list(func(t *domain.Task) bool { return !t.State.IsTerminal() }), nil
}

// ListStale implements task.TaskStore.
func (s *Store) ListStale(ctx context.Context, cutoff time.Time) ([]*domain.Task, error) {
	return s.list(func(t *domain.Task) bool {
		return t.State.IsOwned() && t.HeartbeatAt != nil && t.HeartbeatAt.Before(cutoff)
	}), nil
}

// CountByState implements task.TaskStore.
func (s *Store) CountByState(ctx context.Context) (map[domain.TaskState]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	counts := make(map[domain.TaskState]int)
	for _, t := range s.tasks {
		counts[t.State]++
	}
	return counts, nil
}

// UpsertWorker implements task.WorkerStore.
func (s *Store) UpsertWorker(ctx context.Context, w *domain.Worker) error {
	if w.ID == "" {
		return fmt.Errorf("%w: worker ID cannot be empty", store.ErrInvalidEntity)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	c := *w
	if w.CurrentTaskID != nil {
		id := *w.CurrentTaskID
		c.CurrentTaskID = &id
	}
	s.workers[w.ID] = &c
	return nil
}

// ListWorkers implements task.WorkerStore.
func (s *Store) ListWorkers(ctx context.Context) ([]*domain.Worker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*domain.Worker, 0, len(s.workers))
	for _, w := range s.workers {
		c := *w
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// MarkWorkersStale implements task.WorkerStore.
func (s *Store) MarkWorkersStale(ctx context.Context, cutoff time.Time, status domain.WorkerStatus) (int, error) {
	if status != domain.WorkerStatusStalled && status != domain.WorkerStatusDead {
		return 0, fmt.Errorf("%w: cannot mark workers %s", domain.ErrValidation, status)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, w := range s.workers {
		if !w.LastHeartbeat.Before(cutoff) || !staleEligible(w.Status, status) {
			continue
		}
		w.Status = status
		n++
	}
	return n, nil
}

func staleEligible(current, target domain.WorkerStatus) bool {
	switch target {
	case domain.WorkerStatusStalled:
		return current == domain.WorkerStatusIdle || current == domain.WorkerStatusBusy
	case domain.WorkerStatusDead:
		return current != domain.WorkerStatusDead
	default:
		return false
	}
}
