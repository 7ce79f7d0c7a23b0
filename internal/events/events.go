package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// TaskRequestEvent represents a request to queue a task. Optional scheduling
// fields left nil take the engine defaults.
type TaskRequestEvent struct {
	// ID is a unique identifier for this event, not the resulting task
	ID uuid.UUID `json:"id"`

	// Type names the registered handler that should execute the task
	Type string `json:"type"`

	// Payload becomes the task params
	Payload json.RawMessage `json:"payload"`

	Priority         *int     `json:"priority,omitempty"`
	Weight           *float64 `json:"weight,omitempty"`
	MaxRetries       *int     `json:"max_retries,omitempty"`
	RequiredMemBytes int64    `json:"required_mem_bytes,omitempty"`
	TimeoutSeconds   int      `json:"timeout_seconds,omitempty"`

	// CreatedAt is the timestamp when the event was created
	CreatedAt time.Time `json:"created_at"`
}

// EventOption customizes a TaskRequestEvent at construction.
type EventOption func(*TaskRequestEvent)

// WithPriority sets the task priority (higher runs first).
func WithPriority(p int) EventOption {
	return func(e *TaskRequestEvent) { e.Priority = &p }
}

// WithWeight sets the weighted-random selection weight.
func WithWeight(w float64) EventOption {
	return func(e *TaskRequestEvent) { e.Weight = &w }
}

// WithMaxRetries overrides the default retry budget.
func WithMaxRetries(n int) EventOption {
	return func(e *TaskRequestEvent) { e.MaxRetries = &n }
}

// WithRequiredMemory declares how much free memory the task needs to start.
func WithRequiredMemory(bytes int64) EventOption {
	return func(e *TaskRequestEvent) { e.RequiredMemBytes = bytes }
}

// WithTimeout overrides the default execution timeout.
func WithTimeout(d time.Duration) EventOption {
	return func(e *TaskRequestEvent) { e.TimeoutSeconds = int(d / time.Second) }
}

// UnmarshalPayload decodes the event payload into the provided structure.
func (e *TaskRequestEvent) UnmarshalPayload(v interface{}) error {
	return json.Unmarshal(e.Payload, v)
}

// NewTaskRequestEvent creates a new TaskRequestEvent with the specified task
// type and payload.
func NewTaskRequestEvent(taskType string, payload interface{}, opts ...EventOption) (*TaskRequestEvent, error) {
	// Serialize the payload to JSON
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	event := &TaskRequestEvent{
		ID:        uuid.New(),
		Type:      taskType,
		Payload:   payloadBytes,
		CreatedAt: time.Now(),
	}
	for _, opt := range opts {
		opt(event)
	}
	return event, nil
}

// EventHandler defines an interface for components that can handle events.
// Handlers are responsible for processing events and taking appropriate actions.
type EventHandler interface {
	// HandleEvent processes the given event within the provided context.
	// Returns an error if the event cannot be handled successfully.
	HandleEvent(ctx context.Context, event *TaskRequestEvent) error
}

// EventEmitter defines an interface for components that can emit events.
// This allows services to publish events without direct knowledge of handlers.
type EventEmitter interface {
	// EmitEvent publishes the given event to all registered handlers.
	// Returns an error if the event cannot be emitted.
	EmitEvent(ctx context.Context, event *TaskRequestEvent) error
}
