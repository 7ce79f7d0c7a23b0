package task

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/runqueue/internal/events"
)

// SubmitEventHandler implements events.EventHandler by turning each task
// request event into a submission.
type SubmitEventHandler struct {
	submitter Submitter
	logger    *slog.Logger
}

// NewSubmitEventHandler creates an event handler that submits to submitter.
func NewSubmitEventHandler(submitter Submitter, logger *slog.Logger) *SubmitEventHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &SubmitEventHandler{
		submitter: submitter,
		logger:    logger.With("component", "submit_event_handler"),
	}
}

// HandleEvent submits the task described by event.
func (h *SubmitEventHandler) HandleEvent(ctx context.Context, event *events.TaskRequestEvent) error {
	req := SubmitRequest{
		Type:             event.Type,
		Params:           event.Payload,
		Priority:         event.Priority,
		Weight:           event.Weight,
		MaxRetries:       event.MaxRetries,
		RequiredMemBytes: event.RequiredMemBytes,
		TimeoutSeconds:   event.TimeoutSeconds,
	}

	id, err := h.submitter.Submit(ctx, req)
	if err != nil {
		h.logger.Error("failed to submit task",
			"error", err,
			"event_id", event.ID,
			"task_type", event.Type)
		return fmt.Errorf("failed to submit task for event %s: %w", event.ID, err)
	}

	h.logger.Info("task submitted from event",
		"task_id", id,
		"event_id", event.ID,
		"task_type", event.Type,
		"event_age", time.Since(event.CreatedAt))
	return nil
}

// EventSubmitter is a Submitter that publishes each request as a task request
// event instead of queueing it directly. The returned ID is the event's; the
// handler on the other side logs the task ID it produced.
type EventSubmitter struct {
	Emitter events.EventEmitter
}

// Submit implements Submitter.
func (s EventSubmitter) Submit(ctx context.Context, req SubmitRequest) (uuid.UUID, error) {
	event := &events.TaskRequestEvent{
		ID:               uuid.New(),
		Type:             req.Type,
		Payload:          req.Params,
		Priority:         req.Priority,
		Weight:           req.Weight,
		MaxRetries:       req.MaxRetries,
		RequiredMemBytes: req.RequiredMemBytes,
		TimeoutSeconds:   req.TimeoutSeconds,
		CreatedAt:        time.Now(),
	}
	if err := s.Emitter.EmitEvent(ctx, event); err != nil {
		return uuid.Nil, err
	}
	return event.ID, nil
}

var (
	_ events.EventHandler = (*SubmitEventHandler)(nil)
	_ Submitter           = EventSubmitter{}
)
