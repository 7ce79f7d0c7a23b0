package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// TaskState represents the lifecycle state of a task
type TaskState string

// Possible task state values
const (
	TaskStateQueued    TaskState = "queued"
	TaskStateClaimed   TaskState = "claimed"
	TaskStateRunning   TaskState = "running"
	TaskStateCompleted TaskState = "completed"
	TaskStateFailed    TaskState = "failed"
	TaskStateCancelled TaskState = "cancelled"
)

// Submission limits
const (
	MinPriority   = -1000
	MaxPriority   = 1000
	MaxWeight     = 1e6
	MaxRetryLimit = 100
	DefaultWeight = 1.0
)

// allowedTransitions lists every legal state change. Failed is reachable from
// claimed only through requeue exhaustion.
var allowedTransitions = map[TaskState]map[TaskState]struct{}{
	TaskStateQueued: {
		TaskStateClaimed:   {},
		TaskStateCancelled: {},
	},
	TaskStateClaimed: {
		TaskStateRunning:   {},
		TaskStateQueued:    {},
		TaskStateFailed:    {},
		TaskStateCancelled: {},
	},
	TaskStateRunning: {
		TaskStateCompleted: {},
		TaskStateFailed:    {},
		TaskStateQueued:    {},
		TaskStateCancelled: {},
	},
}

// CanTransition reports whether a task may move from one state to another.
func CanTransition(from, to TaskState) bool {
	next, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	_, ok = next[to]
	return ok
}

// CheckTransition returns an error wrapping ErrInvalidState when a task in
// state from may not move to state to.
func CheckTransition(from, to TaskState) error {
	if CanTransition(from, to) {
		return nil
	}
	return fmt.Errorf("%w: cannot move task from %s to %s", ErrInvalidState, from, to)
}

// IsTerminal reports whether no further transitions are possible.
func (s TaskState) IsTerminal() bool {
	switch s {
	case TaskStateCompleted, TaskStateFailed, TaskStateCancelled:
		return true
	default:
		return false
	}
}

// IsOwned reports whether a worker holds the task in this state.
func (s TaskState) IsOwned() bool {
	return s == TaskStateClaimed || s == TaskStateRunning
}

// IsValid checks if the state is one of the known task states.
func (s TaskState) IsValid() bool {
	switch s {
	case TaskStateQueued, TaskStateClaimed, TaskStateRunning,
		TaskStateCompleted, TaskStateFailed, TaskStateCancelled:
		return true
	default:
		return false
	}
}

// AllTaskStates returns every task state in lifecycle order.
func AllTaskStates() []TaskState {
	return []TaskState{
		TaskStateQueued,
		TaskStateClaimed,
		TaskStateRunning,
		TaskStateCompleted,
		TaskStateFailed,
		TaskStateCancelled,
	}
}

// Task is a unit of work tracked by the task store. It is created queued by a
// producer and owned by exactly one worker while claimed or running.
type Task struct {
	ID               uuid.UUID     `json:"id"`
	Type             string        `json:"type"`
	Params           []byte        `json:"params"`
	Priority         int           `json:"priority"`
	Weight           float64       `json:"weight"`
	State            TaskState     `json:"state"`
	ClaimedBy        string        `json:"claimed_by,omitempty"`
	CreatedAt        time.Time     `json:"created_at"`
	ClaimedAt        *time.Time    `json:"claimed_at,omitempty"`
	HeartbeatAt      *time.Time    `json:"heartbeat_at,omitempty"`
	FinishedAt       *time.Time    `json:"finished_at,omitempty"`
	RetryCount       int           `json:"retry_count"`
	MaxRetries       int           `json:"max_retries"`
	RequiredMemBytes int64         `json:"required_mem_bytes,omitempty"`
	Timeout          time.Duration `json:"timeout,omitempty"`
	Result           []byte        `json:"result,omitempty"`
	Error            string        `json:"error,omitempty"`
}

// NewTask creates a queued task with a time-ordered ID, default weight and
// the given retry budget. Returns an error if validation fails.
func NewTask(taskType string, params []byte, maxRetries int) (*Task, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("failed to generate task ID: %w", err)
	}

	task := &Task{
		ID:         id,
		Type:       taskType,
		Params:     params,
		Weight:     DefaultWeight,
		State:      TaskStateQueued,
		CreatedAt:  time.Now().UTC(),
		MaxRetries: maxRetries,
	}

	if err := task.Validate(); err != nil {
		return nil, err
	}

	return task, nil
}

// Validate checks that the task can enter the store.
// Every returned error wraps ErrValidation.
func (t *Task) Validate() error {
	if t.ID == uuid.Nil {
		return fmt.Errorf("%w: task ID cannot be empty", ErrValidation)
	}
	if t.Type == "" {
		return fmt.Errorf("%w: task type cannot be empty", ErrValidation)
	}
	if len(t.Params) == 0 {
		return fmt.Errorf("%w: task params cannot be empty", ErrValidation)
	}
	if t.Priority < MinPriority || t.Priority > MaxPriority {
		return fmt.Errorf("%w: priority %d outside [%d, %d]",
			ErrValidation, t.Priority, MinPriority, MaxPriority)
	}
	if !(t.Weight > 0) || t.Weight > MaxWeight {
		return fmt.Errorf("%w: weight %g must be in (0, %g]", ErrValidation, t.Weight, MaxWeight)
	}
	if t.MaxRetries < 0 || t.MaxRetries > MaxRetryLimit {
		return fmt.Errorf("%w: max retries %d outside [0, %d]",
			ErrValidation, t.MaxRetries, MaxRetryLimit)
	}
	if t.RequiredMemBytes < 0 {
		return fmt.Errorf("%w: required memory cannot be negative", ErrValidation)
	}
	if t.Timeout < 0 {
		return fmt.Errorf("%w: timeout cannot be negative", ErrValidation)
	}
	if !t.State.IsValid() {
		return fmt.Errorf("%w: unknown state %q", ErrValidation, t.State)
	}
	return nil
}

// CanRetry reports whether a requeue would be accepted instead of failing
// the task.
func (t *Task) CanRetry() bool {
	return t.RetryCount < t.MaxRetries
}
