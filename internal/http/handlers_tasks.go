package httpx

import (
	"log/slog"
	"net/http"

	"github.com/mxtoai/mailengine/internal/core"
	apperrors "github.com/mxtoai/mailengine/internal/errors"
)

// TaskHandlers serves the task status endpoint.
type TaskHandlers struct {
	Tasks  core.TaskStore
	Logger *slog.Logger
}

// GetTask handles GET /tasks/{id} and returns the task wire form with its
// latest run, when one exists.
func (h *TaskHandlers) GetTask(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("id")

	task, latest, err := h.Tasks.GetWithLatestRun(r.Context(), taskID)
	if err != nil {
		if apperrors.Is(err, apperrors.ErrCodeNotFound) {
			WriteMessage(w, http.StatusNotFound, "Task not found")
			return
		}
		logger := h.Logger
		if logger == nil {
			logger = slog.Default()
		}
		logger.ErrorContext(r.Context(), "task lookup failed", "task_id", taskID, "error", err)
		WriteMessage(w, http.StatusInternalServerError, "Error loading task")
		return
	}

	WriteJSON(w, http.StatusOK, task.Wire(latest))
}
