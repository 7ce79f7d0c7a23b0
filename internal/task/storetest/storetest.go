// Package storetest holds the behavioural contract every task.Store
// implementation must satisfy. Backend packages call Run from their tests.
package storetest

import (
	"context"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/runqueue/internal/domain"
	"github.com/phrazzld/runqueue/internal/store"
	"github.com/phrazzld/runqueue/internal/task"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Factory returns a fresh, empty store for one subtest.
type Factory func(t *testing.T) task.Store

// Run executes the full contract against stores produced by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("SubmitAndGet", func(t *testing.T) { testSubmitAndGet(t, newStore(t)) })
	t.Run("SubmitRejectsInvalid", func(t *testing.T) { testSubmitRejectsInvalid(t, newStore(t)) })
	t.Run("ClaimEmpty", func(t *testing.T) { testClaimEmpty(t, newStore(t)) })
	t.Run("PriorityOrdering", func(t *testing.T) { testPriorityOrdering(t, newStore(t)) })
	t.Run("FIFOAndLIFO", func(t *testing.T) { testFIFOAndLIFO(t, newStore(t)) })
	t.Run("WeightedRandomClaims", func(t *testing.T) { testWeightedRandomClaims(t, newStore(t)) })
	t.Run("ClaimExclusivity", func(t *testing.T) { testClaimExclusivity(t, newStore(t)) })
	t.Run("Lifecycle", func(t *testing.T) { testLifecycle(t, newStore(t)) })
	t.Run("Ownership", func(t *testing.T) { testOwnership(t, newStore(t)) })
	t.Run("Release", func(t *testing.T) { testRelease(t, newStore(t)) })
	t.Run("RequeueExhaustion", func(t *testing.T) { testRequeueExhaustion(t, newStore(t)) })
	t.Run("Cancel", func(t *testing.T) { testCancel(t, newStore(t)) })
	t.Run("ListsAndCounts", func(t *testing.T) { testListsAndCounts(t, newStore(t)) })
	t.Run("Workers", func(t *testing.T) { testWorkers(t, newStore(t)) })
}

// NewTask builds a valid queued task for tests.
func NewTask(t *testing.T, taskType string, priority int) *domain.Task {
	t.Helper()
	tk, err := domain.NewTask(taskType, []byte(`{"source":"test"}`), 2)
	require.NoError(t, err)
	tk.Priority = priority
	return tk
}

func submit(t *testing.T, s task.Store, tk *domain.Task) *domain.Task {
	t.Helper()
	require.NoError(t, s.Submit(context.Background(), tk))
	// Distinct created_at values keep ordering assertions independent of
	// timestamp resolution.
	time.Sleep(2 * time.Millisecond)
	return tk
}

func claimRunning(t *testing.T, s task.Store, workerID string) *domain.Task {
	t.Helper()
	ctx := context.Background()
	claimed, err := s.ClaimNext(ctx, workerID, task.FIFO{})
	require.NoError(t, err)
	require.NotNil(t, claimed)
	require.NoError(t, s.Start(ctx, claimed.ID, workerID))
	return claimed
}

func testSubmitAndGet(t *testing.T, s task.Store) {
	ctx := context.Background()
	tk := NewTask(t, "scrape_sources", 7)
	tk.Weight = 2.5
	tk.RequiredMemBytes = 1 << 20
	tk.Timeout = 90 * time.Second
	submit(t, s, tk)

	got, err := s.Get(ctx, tk.ID)
	require.NoError(t, err)
	assert.Equal(t, tk.ID, got.ID)
	assert.Equal(t, "scrape_sources", got.Type)
	assert.JSONEq(t, string(tk.Params), string(got.Params))
	assert.Equal(t, 7, got.Priority)
	assert.InDelta(t, 2.5, got.Weight, 1e-9)
	assert.Equal(t, domain.TaskStateQueued, got.State)
	assert.Equal(t, 2, got.MaxRetries)
	assert.Equal(t, 0, got.RetryCount)
	assert.Equal(t, int64(1<<20), got.RequiredMemBytes)
	assert.Equal(t, 90*time.Second, got.Timeout)
	assert.Empty(t, got.ClaimedBy)
	assert.Nil(t, got.ClaimedAt)
	assert.WithinDuration(t, tk.CreatedAt, got.CreatedAt, time.Millisecond)

	_, err = s.Get(ctx, uuid.New())
	assert.ErrorIs(t, err, store.ErrTaskNotFound)
	assert.ErrorIs(t, err, store.ErrNotFound)

	assert.ErrorIs(t, s.Submit(ctx, tk), store.ErrDuplicate)
}

func testSubmitRejectsInvalid(t *testing.T, s task.Store) {
	ctx := context.Background()

	tk := NewTask(t, "voiceover", 0)
	tk.Priority = domain.MaxPriority + 1
	assert.ErrorIs(t, s.Submit(ctx, tk), domain.ErrValidation)

	tk = NewTask(t, "voiceover", 0)
	tk.Weight = 0
	assert.ErrorIs(t, s.Submit(ctx, tk), domain.ErrValidation)

	counts, err := s.CountByState(ctx)
	require.NoError(t, err)
	assert.Zero(t, counts[domain.TaskStateQueued], "invalid tasks never enter the store")
}

func testClaimEmpty(t *testing.T, s task.Store) {
	claimed, err := s.ClaimNext(context.Background(), "w-1", task.Priority{})
	require.NoError(t, err)
	assert.Nil(t, claimed)
}

func testPriorityOrdering(t *testing.T, s task.Store) {
	ctx := context.Background()
	a := submit(t, s, NewTask(t, "a", 1))
	b := submit(t, s, NewTask(t, "b", 5))
	c := submit(t, s, NewTask(t, "c", 3))
	d := submit(t, s, NewTask(t, "d", 5))

	var order []uuid.UUID
	for i := 0; i < 4; i++ {
		claimed, err := s.ClaimNext(ctx, "w-1", task.Priority{})
		require.NoError(t, err)
		require.NotNil(t, claimed)
		order = append(order, claimed.ID)
	}
	assert.Equal(t, []uuid.UUID{b.ID, d.ID, c.ID, a.ID}, order)

	claimed, err := s.ClaimNext(ctx, "w-1", task.Priority{})
	require.NoError(t, err)
	assert.Nil(t, claimed)
}

func testFIFOAndLIFO(t *testing.T, s task.Store) {
	ctx := context.Background()
	first := submit(t, s, NewTask(t, "x", 0))
	second := submit(t, s, NewTask(t, "x", 9))
	third := submit(t, s, NewTask(t, "x", 0))

	got, err := s.ClaimNext(ctx, "w-1", task.LIFO{})
	require.NoError(t, err)
	assert.Equal(t, third.ID, got.ID)

	got, err = s.ClaimNext(ctx, "w-1", task.FIFO{})
	require.NoError(t, err)
	assert.Equal(t, first.ID, got.ID)

	got, err = s.ClaimNext(ctx, "w-1", task.FIFO{})
	require.NoError(t, err)
	assert.Equal(t, second.ID, got.ID)
}

func testWeightedRandomClaims(t *testing.T, s task.Store) {
	ctx := context.Background()
	strategy := task.NewWeightedRandom(rand.NewPCG(7, 11))

	seen := make(map[uuid.UUID]bool)
	for i := 0; i < 5; i++ {
		tk := NewTask(t, "w", 0)
		tk.Weight = float64(i + 1)
		submit(t, s, tk)
	}
	for i := 0; i < 5; i++ {
		claimed, err := s.ClaimNext(ctx, "w-1", strategy)
		require.NoError(t, err)
		require.NotNil(t, claimed)
		assert.False(t, seen[claimed.ID], "task claimed twice")
		seen[claimed.ID] = true
	}
	claimed, err := s.ClaimNext(ctx, "w-1", strategy)
	require.NoError(t, err)
	assert.Nil(t, claimed)
}

func testClaimExclusivity(t *testing.T, s task.Store) {
	ctx := context.Background()
	const tasks = 40
	const workers = 8

	for i := 0; i < tasks; i++ {
		require.NoError(t, s.Submit(ctx, NewTask(t, "exclusive", i%3)))
	}

	var mu sync.Mutex
	claims := make(map[uuid.UUID]string)
	duplicates := 0

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		workerID := "w-" + string(rune('a'+w))
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				claimed, err := s.ClaimNext(ctx, workerID, task.Priority{})
				if !assert.NoError(t, err) || claimed == nil {
					return
				}
				mu.Lock()
				if _, dup := claims[claimed.ID]; dup {
					duplicates++
				}
				claims[claimed.ID] = workerID
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Zero(t, duplicates)
	assert.Len(t, claims, tasks)

	for id, workerID := range claims {
		got, err := s.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, domain.TaskStateClaimed, got.State)
		assert.Equal(t, workerID, got.ClaimedBy)
	}
}

func testLifecycle(t *testing.T, s task.Store) {
	ctx := context.Background()
	tk := submit(t, s, NewTask(t, "assemble_video", 0))

	claimed, err := s.ClaimNext(ctx, "w-1", task.Priority{})
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, tk.ID, claimed.ID)
	assert.Equal(t, domain.TaskStateClaimed, claimed.State)
	assert.Equal(t, "w-1", claimed.ClaimedBy)
	require.NotNil(t, claimed.ClaimedAt)
	require.NotNil(t, claimed.HeartbeatAt)

	assert.ErrorIs(t, s.Complete(ctx, tk.ID, "w-1", nil), domain.ErrInvalidState,
		"a claimed task must start before it completes")
	got, err := s.Get(ctx, tk.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStateClaimed, got.State)

	require.NoError(t, s.Start(ctx, tk.ID, "w-1"))
	assert.ErrorIs(t, s.Start(ctx, tk.ID, "w-1"), domain.ErrInvalidState)

	time.Sleep(2 * time.Millisecond)
	require.NoError(t, s.Heartbeat(ctx, tk.ID, "w-1"))
	got, err = s.Get(ctx, tk.ID)
	require.NoError(t, err)
	require.NotNil(t, got.HeartbeatAt)
	assert.False(t, got.HeartbeatAt.Before(*claimed.HeartbeatAt), "heartbeat never moves backwards")

	require.NoError(t, s.Complete(ctx, tk.ID, "w-1", []byte(`{"video":"v.mp4"}`)))
	got, err = s.Get(ctx, tk.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStateCompleted, got.State)
	assert.JSONEq(t, `{"video":"v.mp4"}`, string(got.Result))
	assert.NotNil(t, got.FinishedAt)
	assert.Empty(t, got.ClaimedBy)

	// Fail path
	tk2 := submit(t, s, NewTask(t, "publish", 0))
	claimRunning(t, s, "w-2")
	require.NoError(t, s.Fail(ctx, tk2.ID, "w-2", "credentials rejected"))
	got, err = s.Get(ctx, tk2.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStateFailed, got.State)
	assert.Equal(t, "credentials rejected", got.Error)
}

func testOwnership(t *testing.T, s task.Store) {
	ctx := context.Background()
	tk := submit(t, s, NewTask(t, "voiceover", 0))

	claimed, err := s.ClaimNext(ctx, "w-1", task.Priority{})
	require.NoError(t, err)
	require.NotNil(t, claimed)

	assert.ErrorIs(t, s.Start(ctx, tk.ID, "w-2"), domain.ErrOwnership)
	assert.ErrorIs(t, s.Heartbeat(ctx, tk.ID, "w-2"), domain.ErrOwnership)

	require.NoError(t, s.Start(ctx, tk.ID, "w-1"))
	assert.ErrorIs(t, s.Complete(ctx, tk.ID, "w-2", nil), domain.ErrOwnership)
	assert.ErrorIs(t, s.Fail(ctx, tk.ID, "w-2", "x"), domain.ErrOwnership)
	_, err = s.Requeue(ctx, tk.ID, "w-2", "x")
	assert.ErrorIs(t, err, domain.ErrOwnership)

	// A forced requeue takes the task away from w-1.
	state, err := s.Requeue(ctx, tk.ID, "", "worker stalled")
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStateQueued, state)

	assert.ErrorIs(t, s.Heartbeat(ctx, tk.ID, "w-1"), domain.ErrOwnership)
	assert.ErrorIs(t, s.Complete(ctx, tk.ID, "w-1", nil), domain.ErrOwnership)

	assert.ErrorIs(t, s.Heartbeat(ctx, uuid.New(), "w-1"), store.ErrTaskNotFound)
}

func testRelease(t *testing.T, s task.Store) {
	ctx := context.Background()
	tk := submit(t, s, NewTask(t, "render", 0))

	_, err := s.ClaimNext(ctx, "w-1", task.Priority{})
	require.NoError(t, err)
	require.NoError(t, s.Release(ctx, tk.ID, "w-1"))

	got, err := s.Get(ctx, tk.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStateQueued, got.State)
	assert.Equal(t, 0, got.RetryCount, "deferral does not consume a retry")
	assert.Empty(t, got.ClaimedBy)
	assert.Nil(t, got.HeartbeatAt)

	// Running tasks can be handed back too, still without a retry.
	claimRunning(t, s, "w-1")
	assert.ErrorIs(t, s.Release(ctx, tk.ID, "w-2"), domain.ErrOwnership)
	require.NoError(t, s.Release(ctx, tk.ID, "w-1"))
	got, err = s.Get(ctx, tk.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStateQueued, got.State)
	assert.Equal(t, 0, got.RetryCount)

	require.NoError(t, s.Complete(ctx, claimRunning(t, s, "w-1").ID, "w-1", nil))
	assert.ErrorIs(t, s.Release(ctx, tk.ID, "w-1"), domain.ErrOwnership)
}

func testRequeueExhaustion(t *testing.T, s task.Store) {
	ctx := context.Background()
	tk := submit(t, s, NewTask(t, "scrape_sources", 0)) // max_retries = 2

	attempts := 0
	var state domain.TaskState
	for {
		claimed := claimRunning(t, s, "w-1")
		require.Equal(t, tk.ID, claimed.ID)
		attempts++

		var err error
		state, err = s.Requeue(ctx, tk.ID, "w-1", "upstream 503")
		require.NoError(t, err)
		if state != domain.TaskStateQueued {
			break
		}
		require.Less(t, attempts, 10, "requeue never exhausted")
	}

	assert.Equal(t, 3, attempts)
	assert.Equal(t, domain.TaskStateFailed, state)

	got, err := s.Get(ctx, tk.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStateFailed, got.State)
	assert.Equal(t, 2, got.RetryCount)
	assert.Equal(t, "upstream 503", got.Error)
	assert.NotNil(t, got.FinishedAt)

	_, err = s.Requeue(ctx, tk.ID, "", "again")
	assert.ErrorIs(t, err, domain.ErrInvalidState)

	// Exhaustion from claimed, as the health monitor would see it.
	tk2 := NewTask(t, "scrape_sources", 0)
	tk2.MaxRetries = 0
	submit(t, s, tk2)
	_, err = s.ClaimNext(ctx, "w-9", task.FIFO{})
	require.NoError(t, err)
	state, err = s.Requeue(ctx, tk2.ID, "w-9", domain.ErrWorkerStalled.Error())
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStateFailed, state)
}

func testCancel(t *testing.T, s task.Store) {
	ctx := context.Background()

	queued := submit(t, s, NewTask(t, "a", 0))
	ok, err := s.Cancel(ctx, queued.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := s.Get(ctx, queued.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStateCancelled, got.State)

	running := submit(t, s, NewTask(t, "b", 0))
	claimRunning(t, s, "w-1")
	ok, err = s.Cancel(ctx, running.ID)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.ErrorIs(t, s.Complete(ctx, running.ID, "w-1", nil), domain.ErrOwnership)

	done := submit(t, s, NewTask(t, "c", 0))
	claimRunning(t, s, "w-1")
	require.NoError(t, s.Complete(ctx, done.ID, "w-1", []byte(`{}`)))

	ok, err = s.Cancel(ctx, done.ID)
	require.NoError(t, err)
	assert.False(t, ok, "terminal tasks are not cancelled")
	got, err = s.Get(ctx, done.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStateCompleted, got.State)

	ok, err = s.Cancel(ctx, queued.ID)
	require.NoError(t, err)
	assert.False(t, ok, "cancel is idempotent")

	_, err = s.Cancel(ctx, uuid.New())
	assert.ErrorIs(t, err, store.ErrTaskNotFound)
}

func testListsAndCounts(t *testing.T, s task.Store) {
	ctx := context.Background()

	q1 := submit(t, s, NewTask(t, "q", 0))
	c := submit(t, s, NewTask(t, "c", 0))
	q2 := submit(t, s, NewTask(t, "q", 0))
	done := submit(t, s, NewTask(t, "d", 0))

	// FIFO claims q1 first; finish it so c and q2 remain.
	claimRunning(t, s, "w-1")
	require.NoError(t, s.Complete(ctx, q1.ID, "w-1", nil))
	claimRunning(t, s, "w-1") // c running

	active, err := s.ListActive(ctx)
	require.NoError(t, err)
	var ids []uuid.UUID
	for _, a := range active {
		ids = append(ids, a.ID)
	}
	assert.Equal(t, []uuid.UUID{c.ID, q2.ID, done.ID}, ids)

	stale, err := s.ListStale(ctx, time.Now().Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, c.ID, stale[0].ID)
	assert.Equal(t, "w-1", stale[0].ClaimedBy)

	stale, err = s.ListStale(ctx, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Empty(t, stale)

	counts, err := s.CountByState(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, counts[domain.TaskStateQueued])
	assert.Equal(t, 1, counts[domain.TaskStateRunning])
	assert.Equal(t, 1, counts[domain.TaskStateCompleted])
	assert.Zero(t, counts[domain.TaskStateFailed])
}

func testWorkers(t *testing.T, s task.Store) {
	ctx := context.Background()
	now := time.Now().UTC()
	taskID := uuid.New()

	require.NoError(t, s.UpsertWorker(ctx, &domain.Worker{
		ID: "w-fresh", Status: domain.WorkerStatusBusy, LastHeartbeat: now, CurrentTaskID: &taskID,
	}))
	require.NoError(t, s.UpsertWorker(ctx, &domain.Worker{
		ID: "w-quiet", Status: domain.WorkerStatusIdle, LastHeartbeat: now.Add(-2 * time.Minute),
	}))
	require.NoError(t, s.UpsertWorker(ctx, &domain.Worker{
		ID: "w-gone", Status: domain.WorkerStatusBusy, LastHeartbeat: now.Add(-10 * time.Minute),
	}))

	_, err := s.MarkWorkersStale(ctx, now, domain.WorkerStatusIdle)
	assert.ErrorIs(t, err, domain.ErrValidation, "only stalled and dead are stale statuses")

	n, err := s.MarkWorkersStale(ctx, now.Add(-5*time.Minute), domain.WorkerStatusDead)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = s.MarkWorkersStale(ctx, now.Add(-time.Minute), domain.WorkerStatusStalled)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "dead workers are not downgraded to stalled")

	workers, err := s.ListWorkers(ctx)
	require.NoError(t, err)
	require.Len(t, workers, 3)

	byID := make(map[string]*domain.Worker)
	for _, w := range workers {
		byID[w.ID] = w
	}
	assert.Equal(t, domain.WorkerStatusBusy, byID["w-fresh"].Status)
	require.NotNil(t, byID["w-fresh"].CurrentTaskID)
	assert.Equal(t, taskID, *byID["w-fresh"].CurrentTaskID)
	assert.Equal(t, domain.WorkerStatusStalled, byID["w-quiet"].Status)
	assert.Equal(t, domain.WorkerStatusDead, byID["w-gone"].Status)
	assert.Nil(t, byID["w-gone"].CurrentTaskID)

	// A heartbeat revives a stalled worker.
	require.NoError(t, s.UpsertWorker(ctx, &domain.Worker{
		ID: "w-quiet", Status: domain.WorkerStatusIdle, LastHeartbeat: time.Now().UTC(),
	}))
	workers, err = s.ListWorkers(ctx)
	require.NoError(t, err)
	for _, w := range workers {
		if w.ID == "w-quiet" {
			assert.Equal(t, domain.WorkerStatusIdle, w.Status)
		}
	}
}
