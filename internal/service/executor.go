package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/mxtoai/mailengine/internal/core"
	"github.com/mxtoai/mailengine/internal/domain/cron"
	"github.com/mxtoai/mailengine/internal/domain/fingerprint"
	"github.com/mxtoai/mailengine/internal/domain/model"
	apperrors "github.com/mxtoai/mailengine/internal/errors"
)

// TaskExecutorOptions groups dependencies for TaskExecutor.
type TaskExecutorOptions struct {
	Tasks    core.TaskStore         // Required: task lifecycle store
	Runs     core.TaskRunStore      // Required: run bookkeeping
	Jobs     core.SchedulerJobStore // Required: shared job store
	Callback core.SelfCallback      // Required: ingress self-callback client
	Logger   *slog.Logger           // Optional: structured logger
}

// TaskExecutor fires one due scheduler job: it moves the task through
// ACTIVE -> EXECUTING -> (FINISHED | ACTIVE) around an HTTP self-callback.
// The two database phases are separate short transactions so no row lock is
// ever held across the callback.
type TaskExecutor struct {
	tasks    core.TaskStore
	runs     core.TaskRunStore
	jobs     core.SchedulerJobStore
	callback core.SelfCallback
	logger   *slog.Logger
	now      func() time.Time
}

// NewTaskExecutor constructs a new TaskExecutor.
func NewTaskExecutor(opts TaskExecutorOptions) (*TaskExecutor, error) {
	if opts.Tasks == nil {
		return nil, errors.New("TaskStore is required")
	}
	if opts.Runs == nil {
		return nil, errors.New("TaskRunStore is required")
	}
	if opts.Jobs == nil {
		return nil, errors.New("SchedulerJobStore is required")
	}
	if opts.Callback == nil {
		return nil, errors.New("SelfCallback is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &TaskExecutor{
		tasks:    opts.Tasks,
		runs:     opts.Runs,
		jobs:     opts.Jobs,
		callback: opts.Callback,
		logger:   logger.With("component", "executor"),
		now:      time.Now,
	}, nil
}

// SetClock overrides the clock, for tests.
func (e *TaskExecutor) SetClock(now func() time.Time) {
	e.now = now
}

// firePlan is the outcome of the pre-call transaction.
type firePlan struct {
	fire bool
	// stale means the task is no longer active; its job row was removed and
	// the scheduler_job_id pointer must be cleared after commit.
	stale bool
	// notYetDue means start_time has not arrived; the job is realigned.
	notYetDue bool
	task      *model.Task
	run       *model.TaskRun
}

// Execute fires one due job end to end. It is safe to call concurrently for
// distinct jobs; for the same job the advisory lock makes extra callers
// no-ops.
func (e *TaskExecutor) Execute(ctx context.Context, job model.SchedulerJob) error {
	var plan firePlan
	locked, err := e.jobs.TryWithJobLock(ctx, job.JobID, func(ctx context.Context, tx *sql.Tx) error {
		return e.prepare(ctx, tx, job, &plan)
	})
	if err != nil {
		return fmt.Errorf("prepare firing for task %s: %w", job.TaskID, err)
	}
	if !locked {
		e.logger.DebugContext(ctx, "job locked by another process", "job_id", job.JobID)
		return nil
	}
	if plan.stale {
		e.clearStalePointer(ctx, job.TaskID)
		return nil
	}
	if plan.notYetDue {
		return e.realignForStartTime(ctx, job, plan.task)
	}
	if !plan.fire {
		return nil
	}

	// An early failure between the EXECUTING transition and the post-call
	// update would otherwise strand the task; best-effort recovery, then
	// propagate.
	defer func() {
		if r := recover(); r != nil {
			e.recoverStrandedTask(ctx, plan)
			panic(r)
		}
	}()

	callbackErr := e.fireCallback(ctx, plan)
	if finishErr := e.finish(ctx, job, plan, callbackErr == nil); finishErr != nil {
		e.recoverStrandedTask(ctx, plan)
		return finishErr
	}
	return nil
}

// prepare is the pre-call transaction: load the task, filter out stale,
// not-yet-due, and expired firings, and otherwise mark the task EXECUTING
// with a fresh IN_PROGRESS run.
func (e *TaskExecutor) prepare(ctx context.Context, tx *sql.Tx, job model.SchedulerJob, plan *firePlan) error {
	task, err := e.tasks.Get(ctx, job.TaskID)
	if err != nil {
		return fmt.Errorf("load task: %w", err)
	}
	plan.task = task
	now := e.now().UTC()

	if !task.Status.Active() {
		if _, rmErr := e.jobs.RemoveTx(ctx, tx, job.JobID); rmErr != nil {
			return fmt.Errorf("remove stale job: %w", rmErr)
		}
		plan.stale = true
		e.logger.InfoContext(ctx, "removed stale scheduler job",
			"job_id", job.JobID, "task_id", task.TaskID, "status", task.Status)
		return nil
	}

	if task.StartTime != nil && now.Before(*task.StartTime) {
		plan.notYetDue = true
		return nil
	}

	if task.ExpiryTime != nil && now.After(*task.ExpiryTime) {
		if trErr := e.tasks.TransitionTx(ctx, tx, model.TransitionParams{
			TaskID: task.TaskID,
			From:   []model.TaskStatus{model.TaskStatusInitialised, model.TaskStatusActive, model.TaskStatusExecuting},
			To:     model.TaskStatusFinished,
		}); trErr != nil {
			return fmt.Errorf("finish expired task: %w", trErr)
		}
		if _, rmErr := e.jobs.RemoveTx(ctx, tx, job.JobID); rmErr != nil {
			return fmt.Errorf("remove expired job: %w", rmErr)
		}
		e.logger.InfoContext(ctx, "task expired", "task_id", task.TaskID, "expiry_time", task.ExpiryTime)
		return nil
	}

	if task.EmailRequest == nil {
		return apperrors.Corrupted(fmt.Sprintf("task %s has no stored email request", task.TaskID), nil)
	}

	if trErr := e.tasks.TransitionTx(ctx, tx, model.TransitionParams{
		TaskID: task.TaskID,
		From:   []model.TaskStatus{model.TaskStatusActive},
		To:     model.TaskStatusExecuting,
	}); trErr != nil {
		if apperrors.Is(trErr, apperrors.ErrCodeNotFound) {
			// Lost the race with a concurrent firing or a delete.
			e.logger.InfoContext(ctx, "task no longer ACTIVE, skipping firing", "task_id", task.TaskID)
			return nil
		}
		return fmt.Errorf("mark task executing: %w", trErr)
	}

	run := &model.TaskRun{
		RunID:  uuid.NewString(),
		TaskID: task.TaskID,
		Status: model.RunStatusInProgress,
	}
	if crErr := e.runs.CreateTx(ctx, tx, run); crErr != nil {
		return fmt.Errorf("create task run: %w", crErr)
	}

	plan.run = run
	plan.fire = true
	return nil
}

// fireCallback replays the stored request through the ingress with a fresh
// scheduled message id. Attachments are never carried into re-executions.
func (e *TaskExecutor) fireCallback(ctx context.Context, plan firePlan) error {
	req := plan.task.EmailRequest.Clone()
	req.MessageID = fingerprint.ScheduledMessageID(plan.task.TaskID, e.now())
	req.ScheduledTaskID = plan.task.TaskID
	if len(req.Attachments) > 0 {
		e.logger.WarnContext(ctx, "dropping attachments from scheduled re-execution",
			"task_id", plan.task.TaskID, "attachments", len(req.Attachments))
		req.Attachments = nil
	}

	err := e.callback.Post(ctx, req)
	if err != nil {
		e.logger.ErrorContext(ctx, "self-callback failed",
			"task_id", plan.task.TaskID, "run_id", plan.run.RunID, "error", err)
	}
	return err
}

// finish is the post-call phase: record the run outcome, settle the task
// status, and keep the job row in step with it.
func (e *TaskExecutor) finish(ctx context.Context, job model.SchedulerJob, plan firePlan, success bool) error {
	runStatus := model.RunStatusCompleted
	if !success {
		runStatus = model.RunStatusErrored
	}
	if err := e.runs.UpdateStatus(ctx, plan.run.RunID, runStatus); err != nil {
		return fmt.Errorf("update run status: %w", err)
	}

	// A one-shot fires exactly once: even a failed callback settles the task
	// FINISHED and removes the job so it never refires.
	if job.OneShot {
		if err := e.tasks.Transition(ctx, model.TransitionParams{
			TaskID: plan.task.TaskID,
			From:   []model.TaskStatus{model.TaskStatusExecuting},
			To:     model.TaskStatusFinished,
		}); err != nil {
			return fmt.Errorf("finish one-shot task: %w", err)
		}
		if _, err := e.jobs.Remove(ctx, job.JobID); err != nil {
			return fmt.Errorf("remove one-shot job: %w", err)
		}
		e.logger.InfoContext(ctx, "one-shot task finished",
			"task_id", plan.task.TaskID, "run_id", plan.run.RunID, "success", success)
		return nil
	}

	if err := e.tasks.Transition(ctx, model.TransitionParams{
		TaskID: plan.task.TaskID,
		From:   []model.TaskStatus{model.TaskStatusExecuting},
		To:     model.TaskStatusActive,
	}); err != nil {
		return fmt.Errorf("return task to active: %w", err)
	}

	next, err := cron.Next(job.CronExpression, e.now())
	if err != nil {
		return fmt.Errorf("compute next firing: %w", err)
	}
	if advErr := e.jobs.AdvanceNextRun(ctx, job.JobID, next); advErr != nil {
		return fmt.Errorf("advance job: %w", advErr)
	}

	e.logger.InfoContext(ctx, "task firing settled",
		"task_id", plan.task.TaskID,
		"run_id", plan.run.RunID,
		"success", success,
		"next_run_time", next,
	)
	return nil
}

// clearStalePointer detaches the removed job from its task, best-effort.
func (e *TaskExecutor) clearStalePointer(ctx context.Context, taskID string) {
	if err := e.tasks.SetSchedulerJobID(ctx, taskID, nil); err != nil &&
		!apperrors.Is(err, apperrors.ErrCodeNotFound) {
		e.logger.WarnContext(ctx, "clear stale scheduler_job_id failed", "task_id", taskID, "error", err)
	}
}

// realignForStartTime pushes the job's next attempt forward when the task's
// start gate has not opened yet.
func (e *TaskExecutor) realignForStartTime(ctx context.Context, job model.SchedulerJob, task *model.Task) error {
	next := *task.StartTime
	if !job.OneShot {
		computed, err := cron.Next(job.CronExpression, e.now())
		if err != nil {
			return err
		}
		next = computed
		if next.Before(*task.StartTime) {
			next = cron.RoundToMinute(*task.StartTime)
		}
	}
	if err := e.jobs.AdvanceNextRun(ctx, job.JobID, next); err != nil {
		return fmt.Errorf("realign job before start_time: %w", err)
	}
	e.logger.InfoContext(ctx, "task not yet due, realigned",
		"task_id", task.TaskID, "start_time", task.StartTime, "next_run_time", next)
	return nil
}

// recoverStrandedTask best-effort marks the in-flight run ERRORED and puts
// the task back to ACTIVE so the next tick can retry.
func (e *TaskExecutor) recoverStrandedTask(ctx context.Context, plan firePlan) {
	if plan.run == nil {
		return
	}
	if err := e.runs.UpdateStatus(ctx, plan.run.RunID, model.RunStatusErrored); err != nil {
		e.logger.ErrorContext(ctx, "recovery: mark run errored failed", "run_id", plan.run.RunID, "error", err)
	}
	if err := e.tasks.Transition(ctx, model.TransitionParams{
		TaskID: plan.task.TaskID,
		From:   []model.TaskStatus{model.TaskStatusExecuting},
		To:     model.TaskStatusActive,
	}); err != nil && !apperrors.Is(err, apperrors.ErrCodeNotFound) {
		e.logger.ErrorContext(ctx, "recovery: return task to active failed", "task_id", plan.task.TaskID, "error", err)
	}
}
