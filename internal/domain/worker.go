package domain

import (
	"time"

	"github.com/google/uuid"
)

// WorkerStatus represents the observed liveness of a worker
type WorkerStatus string

// Possible worker status values
const (
	WorkerStatusIdle    WorkerStatus = "idle"
	WorkerStatusBusy    WorkerStatus = "busy"
	WorkerStatusStalled WorkerStatus = "stalled"
	WorkerStatusDead    WorkerStatus = "dead"
)

// Worker is the bookkeeping record of one executor. Each worker runs at most
// one task at a time; fan-out comes from the pool running several workers.
type Worker struct {
	ID            string       `json:"id"`
	Status        WorkerStatus `json:"status"`
	LastHeartbeat time.Time    `json:"last_heartbeat"`
	CurrentTaskID *uuid.UUID   `json:"current_task_id,omitempty"`
}
