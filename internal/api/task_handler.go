package api

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/phrazzld/runqueue/internal/api/shared"
	"github.com/phrazzld/runqueue/internal/domain"
	"github.com/phrazzld/runqueue/internal/platform/logger"
	"github.com/phrazzld/runqueue/internal/task"
)

// TaskService is the runner surface the HTTP handlers need.
type TaskService interface {
	Submit(ctx context.Context, req task.SubmitRequest) (uuid.UUID, error)
	GetStatus(ctx context.Context, id uuid.UUID) (task.Status, error)
	Cancel(ctx context.Context, id uuid.UUID) (bool, error)
	ListActive(ctx context.Context) ([]*domain.Task, error)
	ListWorkers(ctx context.Context) ([]*domain.Worker, error)
	Stats(ctx context.Context) (task.Stats, error)
}

var _ TaskService = (*task.TaskRunner)(nil)

// TaskHandler serves the /api/tasks, /api/stats and /api/workers routes.
type TaskHandler struct {
	tasks  TaskService
	logger *slog.Logger
}

// NewTaskHandler creates a TaskHandler.
func NewTaskHandler(tasks TaskService, logger *slog.Logger) *TaskHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &TaskHandler{
		tasks:  tasks,
		logger: logger.With("component", "task_handler"),
	}
}

func (h *TaskHandler) log(r *http.Request) *slog.Logger {
	return logger.FromContextOrDefault(r.Context(), h.logger)
}

// SubmitTask handles POST /api/tasks.
func (h *TaskHandler) SubmitTask(w http.ResponseWriter, r *http.Request) {
	var req task.SubmitRequest
	if err := shared.DecodeJSON(w, r, &req); err != nil {
		shared.RespondWithErrorAndLog(w, r, http.StatusBadRequest, "Invalid request format", err)
		return
	}

	id, err := h.tasks.Submit(r.Context(), req)
	if err != nil {
		HandleAPIError(w, r, err, "")
		return
	}

	subject, _ := shared.GetSubject(r.Context())
	h.log(r).Info("task submitted via API",
		"task_id", id,
		"task_type", req.Type,
		"subject", subject)
	shared.RespondWithJSON(w, r, http.StatusCreated, SubmitTaskResponse{ID: id})
}

// ListTasks handles GET /api/tasks.
func (h *TaskHandler) ListTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := h.tasks.ListActive(r.Context())
	if err != nil {
		HandleAPIError(w, r, err, "")
		return
	}

	resp := ListTasksResponse{Tasks: make([]TaskResponse, 0, len(tasks))}
	for _, t := range tasks {
		resp.Tasks = append(resp.Tasks, taskToResponse(t))
	}
	shared.RespondWithJSON(w, r, http.StatusOK, resp)
}

// GetTask handles GET /api/tasks/{id}.
func (h *TaskHandler) GetTask(w http.ResponseWriter, r *http.Request) {
	id, err := getPathUUID(r, "id")
	if err != nil {
		HandleAPIError(w, r, err, "")
		return
	}

	status, err := h.tasks.GetStatus(r.Context(), id)
	if err != nil {
		HandleAPIError(w, r, err, "")
		return
	}
	shared.RespondWithJSON(w, r, http.StatusOK, status)
}

// CancelTask handles POST /api/tasks/{id}/cancel. Cancelling a finished
// task succeeds with cancelled=false.
func (h *TaskHandler) CancelTask(w http.ResponseWriter, r *http.Request) {
	id, err := getPathUUID(r, "id")
	if err != nil {
		HandleAPIError(w, r, err, "")
		return
	}

	cancelled, err := h.tasks.Cancel(r.Context(), id)
	if err != nil {
		HandleAPIError(w, r, err, "")
		return
	}

	h.log(r).Info("task cancel requested via API", "task_id", id, "cancelled", cancelled)
	shared.RespondWithJSON(w, r, http.StatusOK, CancelTaskResponse{ID: id, Cancelled: cancelled})
}

// GetStats handles GET /api/stats.
func (h *TaskHandler) GetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.tasks.Stats(r.Context())
	if err != nil {
		HandleAPIError(w, r, err, "")
		return
	}
	shared.RespondWithJSON(w, r, http.StatusOK, stats)
}

// ListWorkers handles GET /api/workers.
func (h *TaskHandler) ListWorkers(w http.ResponseWriter, r *http.Request) {
	workers, err := h.tasks.ListWorkers(r.Context())
	if err != nil {
		HandleAPIError(w, r, err, "")
		return
	}
	if workers == nil {
		workers = []*domain.Worker{}
	}
	shared.RespondWithJSON(w, r, http.StatusOK, ListWorkersResponse{Workers: workers})
}
