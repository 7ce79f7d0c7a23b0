package api

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/runqueue/internal/domain"
)

// SubmitTaskResponse is returned by POST /api/tasks.
type SubmitTaskResponse struct {
	ID uuid.UUID `json:"id"`
}

// CancelTaskResponse is returned by POST /api/tasks/{id}/cancel. Cancelled is
// false when the task had already finished.
type CancelTaskResponse struct {
	ID        uuid.UUID `json:"id"`
	Cancelled bool      `json:"cancelled"`
}

// TaskResponse describes one task in listings.
type TaskResponse struct {
	ID               uuid.UUID        `json:"id"`
	Type             string           `json:"type"`
	State            domain.TaskState `json:"state"`
	Priority         int              `json:"priority"`
	Weight           float64          `json:"weight"`
	ClaimedBy        string           `json:"claimed_by,omitempty"`
	CreatedAt        time.Time        `json:"created_at"`
	ClaimedAt        *time.Time       `json:"claimed_at,omitempty"`
	HeartbeatAt      *time.Time       `json:"heartbeat_at,omitempty"`
	RetryCount       int              `json:"retry_count"`
	MaxRetries       int              `json:"max_retries"`
	RequiredMemBytes int64            `json:"required_mem_bytes,omitempty"`
	TimeoutSeconds   float64          `json:"timeout_seconds,omitempty"`
	Params           json.RawMessage  `json:"params"`
	Error            string           `json:"error,omitempty"`
}

// ListTasksResponse is returned by GET /api/tasks.
type ListTasksResponse struct {
	Tasks []TaskResponse `json:"tasks"`
}

// ListWorkersResponse is returned by GET /api/workers.
type ListWorkersResponse struct {
	Workers []*domain.Worker `json:"workers"`
}

func taskToResponse(t *domain.Task) TaskResponse {
	params := json.RawMessage(t.Params)
	if !json.Valid(params) {
		params = nil
	}
	return TaskResponse{
		ID:               t.ID,
		Type:             t.Type,
		State:            t.State,
		Priority:         t.Priority,
		Weight:           t.Weight,
		ClaimedBy:        t.ClaimedBy,
		CreatedAt:        t.CreatedAt,
		ClaimedAt:        t.ClaimedAt,
		HeartbeatAt:      t.HeartbeatAt,
		RetryCount:       t.RetryCount,
		MaxRetries:       t.MaxRetries,
		RequiredMemBytes: t.RequiredMemBytes,
		TimeoutSeconds:   t.Timeout.Seconds(),
		Params:           params,
		Error:            t.Error,
	}
}
