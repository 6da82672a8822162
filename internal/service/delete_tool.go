package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/mxtoai/mailengine/internal/core"
	"github.com/mxtoai/mailengine/internal/domain/fingerprint"
	"github.com/mxtoai/mailengine/internal/domain/model"
	apperrors "github.com/mxtoai/mailengine/internal/errors"
)

// DeleteToolOptions groups dependencies for DeleteTool.
type DeleteToolOptions struct {
	Tasks     core.TaskStore    // Required: task store
	Scheduler *SchedulerService // Required: job removal
	Logger    *slog.Logger      // Optional: structured logger
}

// DeleteTool is the agent-facing tool that cancels a scheduled task on its
// owner's request.
type DeleteTool struct {
	tasks     core.TaskStore
	scheduler *SchedulerService
	logger    *slog.Logger
	now       func() time.Time
}

// NewDeleteTool constructs a new DeleteTool.
func NewDeleteTool(opts DeleteToolOptions) (*DeleteTool, error) {
	if opts.Tasks == nil {
		return nil, errors.New("TaskStore is required")
	}
	if opts.Scheduler == nil {
		return nil, errors.New("SchedulerService is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &DeleteTool{
		tasks:     opts.Tasks,
		scheduler: opts.Scheduler,
		logger:    logger.With("component", "delete_tool"),
		now:       time.Now,
	}, nil
}

// SetClock overrides the clock, for tests.
func (t *DeleteTool) SetClock(now func() time.Time) {
	t.now = now
}

// DeleteResult is the tool's structured success payload.
type DeleteResult struct {
	TaskID              string    `json:"task_id"`
	SchedulerJobRemoved bool      `json:"scheduler_job_removed"`
	DeletedAt           time.Time `json:"deleted_at"`
}

// Delete cancels a task. Only the sender recorded in the stored email
// request may delete it; the comparison is on normalized addresses. Job
// removal is best-effort and its outcome is reported, but the DELETED
// transition happens regardless.
func (t *DeleteTool) Delete(ctx context.Context, taskID, requesterEmail string) (*DeleteResult, error) {
	if _, err := uuid.Parse(taskID); err != nil {
		return nil, apperrors.ValidationField("task_id", fmt.Sprintf("invalid task id %q", taskID))
	}

	task, err := t.tasks.Get(ctx, taskID)
	if err != nil {
		// Not-found and corrupted-payload both surface as structured codes.
		return nil, err
	}

	if task.EmailRequest == nil {
		return nil, apperrors.Corrupted(fmt.Sprintf("task %s has no stored email request", taskID), nil)
	}
	owner := fingerprint.NormalizeSender(task.EmailRequest.From)
	requester := fingerprint.NormalizeSender(requesterEmail)
	if owner == "" || owner != requester {
		return nil, apperrors.PermissionDenied("only the task owner may delete it")
	}

	jobRemoved := false
	if task.SchedulerJobID != nil {
		removed, rmErr := t.scheduler.RemoveJob(ctx, *task.SchedulerJobID)
		if rmErr != nil {
			t.logger.WarnContext(ctx, "scheduler job removal failed",
				"task_id", taskID, "job_id", *task.SchedulerJobID, "error", rmErr)
		} else {
			jobRemoved = removed
		}
	}

	if err := t.tasks.Transition(ctx, model.TransitionParams{
		TaskID: taskID,
		To:     model.TaskStatusDeleted,
	}); err != nil {
		return nil, fmt.Errorf("mark task deleted: %w", err)
	}

	deletedAt := t.now().UTC()
	t.logger.InfoContext(ctx, "task deleted",
		"task_id", taskID,
		"scheduler_job_removed", jobRemoved,
	)
	return &DeleteResult{
		TaskID:              taskID,
		SchedulerJobRemoved: jobRemoved,
		DeletedAt:           deletedAt,
	}, nil
}
