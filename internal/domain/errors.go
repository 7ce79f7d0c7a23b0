package domain

import "errors"

// Common domain errors used across the engine.
var (
	// ErrValidation is returned when a task submission fails validation.
	// It is wrapped with a more specific message naming the offending field.
	ErrValidation = errors.New("validation failed")

	// ErrClaimConflict signals a lost race on an atomic claim. Stores retry it
	// internally and never return it to callers of ClaimNext.
	ErrClaimConflict = errors.New("claim conflict")

	// ErrOwnership is returned when a worker mutates a task it no longer owns,
	// for example after the health monitor forcibly requeued it.
	ErrOwnership = errors.New("task not owned by worker")

	// ErrInvalidState is returned when an operation is not legal for the
	// task's current state.
	ErrInvalidState = errors.New("invalid task state")

	// ErrResourceExhausted is returned when admission control denies dispatch.
	ErrResourceExhausted = errors.New("host resources exhausted")

	// ErrExecutionTimeout is returned when a handler exceeds its timeout.
	ErrExecutionTimeout = errors.New("execution timed out")

	// ErrHandler wraps errors reported by task handlers.
	ErrHandler = errors.New("handler error")

	// ErrWorkerStalled is recorded by the health monitor on tasks whose worker
	// stopped heartbeating.
	ErrWorkerStalled = errors.New("worker stalled")

	// ErrTaskCancelled is returned by execution when the task was cancelled
	// while running.
	ErrTaskCancelled = errors.New("task cancelled")
)
