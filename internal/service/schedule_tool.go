package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mxtoai/mailengine/internal/core"
	"github.com/mxtoai/mailengine/internal/domain/cron"
	"github.com/mxtoai/mailengine/internal/domain/fingerprint"
	"github.com/mxtoai/mailengine/internal/domain/model"
	apperrors "github.com/mxtoai/mailengine/internal/errors"
)

// ScheduleToolOptions groups dependencies for ScheduleTool.
type ScheduleToolOptions struct {
	Tasks     core.TaskStore    // Required: task store
	Scheduler *SchedulerService // Required: job registration
	Logger    *slog.Logger      // Optional: structured logger
}

// ScheduleTool is the agent-facing tool that turns "do this later" requests
// into persistent tasks with scheduler jobs.
type ScheduleTool struct {
	tasks     core.TaskStore
	scheduler *SchedulerService
	logger    *slog.Logger
	now       func() time.Time
}

// NewScheduleTool constructs a new ScheduleTool.
func NewScheduleTool(opts ScheduleToolOptions) (*ScheduleTool, error) {
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
	return &ScheduleTool{
		tasks:     opts.Tasks,
		scheduler: opts.Scheduler,
		logger:    logger.With("component", "schedule_tool"),
		now:       time.Now,
	}, nil
}

// ScheduleRequest carries the agent's scheduling inputs alongside the
// captured email request being processed.
type ScheduleRequest struct {
	CronExpression string
	// Instructions is the distilled description of what the future
	// execution should do.
	Instructions string
	// Description is the human-readable task summary echoed back.
	Description string
	// NextRunTime optionally overrides the computed first firing; it is
	// rounded to the nearest minute.
	NextRunTime *time.Time
	StartTime   *time.Time
	ExpiryTime  *time.Time
	// Email is the captured request of the message being processed.
	Email *model.EmailRequest
}

// ScheduleResult is the tool's structured success payload.
type ScheduleResult struct {
	TaskID          string    `json:"task_id"`
	SchedulerJobID  string    `json:"scheduler_job_id"`
	CronExpression  string    `json:"cron_expression"`
	NextExecution   time.Time `json:"next_execution"`
	TaskDescription string    `json:"task_description"`
}

// Schedule creates a task and registers its scheduler job. The task row is
// inserted INITIALISED and only promoted to ACTIVE once the job registration
// succeeded; a failed registration deletes the row again.
func (t *ScheduleTool) Schedule(ctx context.Context, req ScheduleRequest) (*ScheduleResult, error) {
	if req.Email == nil {
		return nil, apperrors.Validation("email request is required")
	}
	if req.Email.ScheduledTaskID != "" {
		return nil, apperrors.Validation("scheduling from a scheduled task execution is not allowed")
	}
	if err := cron.Validate(req.CronExpression); err != nil {
		return nil, apperrors.ValidationField("cron_expression", err.Error())
	}
	if strings.TrimSpace(req.Instructions) == "" {
		return nil, apperrors.ValidationField("distilled_future_task_instructions", "instructions are required")
	}

	stored := t.rewriteForFutureExecution(req)

	task := &model.Task{
		TaskID:         uuid.NewString(),
		EmailID:        stored.EmailID,
		CronExpression: req.CronExpression,
		EmailRequest:   stored,
		StartTime:      req.StartTime,
		ExpiryTime:     req.ExpiryTime,
		Status:         model.TaskStatusInitialised,
	}
	if err := t.tasks.Create(ctx, task); err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}

	job, err := t.scheduler.AddJob(ctx, task.TaskID, req.CronExpression, req.NextRunTime)
	if err != nil {
		if delErr := t.tasks.Delete(ctx, task.TaskID); delErr != nil {
			t.logger.ErrorContext(ctx, "cleanup after failed job registration failed",
				"task_id", task.TaskID, "error", delErr)
		}
		return nil, fmt.Errorf("register scheduler job: %w", err)
	}

	if err := t.attachAndActivate(ctx, task.TaskID, job.JobID); err != nil {
		t.rollbackRegistration(ctx, task.TaskID, job.JobID)
		return nil, err
	}

	t.logger.InfoContext(ctx, "task scheduled",
		"task_id", task.TaskID,
		"scheduler_job_id", job.JobID,
		"cron", req.CronExpression,
		"next_execution", job.NextRunTime,
	)
	return &ScheduleResult{
		TaskID:          task.TaskID,
		SchedulerJobID:  job.JobID,
		CronExpression:  req.CronExpression,
		NextExecution:   job.NextRunTime,
		TaskDescription: req.Description,
	}, nil
}

// rewriteForFutureExecution deep-copies the captured request, attaches the
// distilled instructions, and redirects the handle to the generic agentic
// one so the re-execution is interpreted as an agent task regardless of the
// original alias.
func (t *ScheduleTool) rewriteForFutureExecution(req ScheduleRequest) *model.EmailRequest {
	stored := req.Email.Clone()

	domain := fingerprint.Domain
	if at := strings.IndexByte(stored.To, '@'); at >= 0 {
		domain = stored.To[at+1:]
	}
	stored.To = HandleAsk + "@" + domain

	var body strings.Builder
	body.WriteString(req.Instructions)
	if stored.TextContent != "" {
		body.WriteString("\n\n--- Original message ---\n")
		body.WriteString(stored.TextContent)
	}
	stored.TextContent = body.String()
	return stored
}

func (t *ScheduleTool) attachAndActivate(ctx context.Context, taskID, jobID string) error {
	if err := t.tasks.SetSchedulerJobID(ctx, taskID, &jobID); err != nil {
		return fmt.Errorf("attach scheduler job: %w", err)
	}
	if err := t.tasks.Transition(ctx, model.TransitionParams{
		TaskID: taskID,
		From:   []model.TaskStatus{model.TaskStatusInitialised},
		To:     model.TaskStatusActive,
	}); err != nil {
		return fmt.Errorf("activate task: %w", err)
	}
	return nil
}

// rollbackRegistration undoes a half-finished registration, best-effort.
func (t *ScheduleTool) rollbackRegistration(ctx context.Context, taskID, jobID string) {
	if _, err := t.scheduler.RemoveJob(ctx, jobID); err != nil {
		t.logger.ErrorContext(ctx, "rollback: remove job failed", "job_id", jobID, "error", err)
	}
	if err := t.tasks.Delete(ctx, taskID); err != nil {
		t.logger.ErrorContext(ctx, "rollback: delete task failed", "task_id", taskID, "error", err)
	}
}
