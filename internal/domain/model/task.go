// Package model defines the persistent entities shared by the ingress
// pipeline, the scheduler, and the task tools.
package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// TaskStatus is the lifecycle status of a scheduled task.
type TaskStatus string

const (
	// TaskStatusInitialised marks a task created but not yet attached to a scheduler job.
	TaskStatusInitialised TaskStatus = "INITIALISED"
	// TaskStatusActive marks a task with a registered scheduler job awaiting its next firing.
	TaskStatusActive TaskStatus = "ACTIVE"
	// TaskStatusExecuting marks a task whose firing is currently in flight.
	TaskStatusExecuting TaskStatus = "EXECUTING"
	// TaskStatusFinished marks a task that will never fire again (one-shot done or expired).
	TaskStatusFinished TaskStatus = "FINISHED"
	// TaskStatusDeleted marks a task removed by its owner.
	TaskStatusDeleted TaskStatus = "DELETED"
)

// Valid reports whether the status is one of the known task statuses.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskStatusInitialised, TaskStatusActive, TaskStatusExecuting,
		TaskStatusFinished, TaskStatusDeleted:
		return true
	}
	return false
}

// Active reports whether the status is one of the active statuses.
// Active tasks are exactly the tasks that own a scheduler job row.
func (s TaskStatus) Active() bool {
	switch s {
	case TaskStatusInitialised, TaskStatusActive, TaskStatusExecuting:
		return true
	}
	return false
}

// Terminal reports whether the status is FINISHED or DELETED.
// Terminal tasks must have their email request cleared and no scheduler job.
func (s TaskStatus) Terminal() bool {
	return s == TaskStatusFinished || s == TaskStatusDeleted
}

// RunStatus is the lifecycle status of a single task execution attempt.
type RunStatus string

const (
	// RunStatusInitialised marks a run row created before execution started.
	RunStatusInitialised RunStatus = "INITIALISED"
	// RunStatusInProgress marks the one in-flight run of an EXECUTING task.
	RunStatusInProgress RunStatus = "IN_PROGRESS"
	// RunStatusCompleted marks a run whose self-callback returned success.
	RunStatusCompleted RunStatus = "COMPLETED"
	// RunStatusErrored marks a run that failed; the task returns to ACTIVE.
	RunStatusErrored RunStatus = "ERRORED"
)

// Valid reports whether the status is one of the known run statuses.
func (s RunStatus) Valid() bool {
	switch s {
	case RunStatusInitialised, RunStatusInProgress, RunStatusCompleted, RunStatusErrored:
		return true
	}
	return false
}

// Task is a persistent declaration that a captured email request should be
// re-processed on a cron schedule.
type Task struct {
	TaskID         string
	EmailID        string
	CronExpression string
	// EmailRequest holds the captured request payload. It is nil for tasks
	// in a terminal status (privacy and storage hygiene).
	EmailRequest   *EmailRequest
	SchedulerJobID *string
	StartTime      *time.Time
	ExpiryTime     *time.Time
	Status         TaskStatus
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// TaskRun is one recorded execution attempt of a Task.
type TaskRun struct {
	RunID     string
	TaskID    string
	Status    RunStatus
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ErrInvalidTransition is returned when a requested status change is not part
// of the task lifecycle.
type ErrInvalidTransition struct {
	From, To TaskStatus
}

func (e *ErrInvalidTransition) Error() string {
	return fmt.Sprintf("invalid task transition %s -> %s", e.From, e.To)
}

// CanTransition reports whether a task may move from one status to another.
// DELETED is reachable from any state (owner delete wins); other transitions
// follow the firing lifecycle.
func CanTransition(from, to TaskStatus) bool {
	if to == TaskStatusDeleted {
		return true
	}
	switch from {
	case TaskStatusInitialised:
		return to == TaskStatusActive || to == TaskStatusFinished
	case TaskStatusActive:
		return to == TaskStatusExecuting || to == TaskStatusFinished
	case TaskStatusExecuting:
		return to == TaskStatusActive || to == TaskStatusFinished
	case TaskStatusFinished, TaskStatusDeleted:
		return false
	}
	return false
}

// TransitionParams groups the arguments of a task status transition.
type TransitionParams struct {
	TaskID string
	// From optionally guards the transition; when non-empty the update only
	// applies while the task is in one of these statuses.
	From []TaskStatus
	To   TaskStatus
}

// TaskWire is the serialized form of a task as exposed by the status endpoint.
type TaskWire struct {
	TaskID         string       `json:"task_id"`
	TaskStatus     TaskStatus   `json:"task_status"`
	CreatedAt      time.Time    `json:"created_at"`
	UpdatedAt      time.Time    `json:"updated_at"`
	CronExpression string       `json:"cron_expression"`
	SchedulerJobID *string      `json:"scheduler_job_id"`
	StartTime      *time.Time   `json:"start_time"`
	ExpiryTime     *time.Time   `json:"expiry_time"`
	LatestRun      *TaskRunWire `json:"latest_run,omitempty"`
}

// TaskRunWire is the serialized form of a task run.
type TaskRunWire struct {
	RunID     string    `json:"run_id"`
	Status    RunStatus `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Wire converts a task (and its optional latest run) to the wire form.
func (t *Task) Wire(latest *TaskRun) TaskWire {
	w := TaskWire{
		TaskID:         t.TaskID,
		TaskStatus:     t.Status,
		CreatedAt:      t.CreatedAt,
		UpdatedAt:      t.UpdatedAt,
		CronExpression: t.CronExpression,
		SchedulerJobID: t.SchedulerJobID,
		StartTime:      t.StartTime,
		ExpiryTime:     t.ExpiryTime,
	}
	if latest != nil {
		w.LatestRun = &TaskRunWire{
			RunID:     latest.RunID,
			Status:    latest.Status,
			CreatedAt: latest.CreatedAt,
			UpdatedAt: latest.UpdatedAt,
		}
	}
	return w
}

// SchedulerJob is a row in the shared scheduler job store. A job row exists
// iff its task is in an active status.
type SchedulerJob struct {
	JobID          string
	TaskID         string
	CronExpression string
	OneShot        bool
	NextRunTime    time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// QueueItemStatus is the lifecycle status of a durable queue entry.
type QueueItemStatus string

const (
	// QueueStatusPending marks an item waiting for a worker.
	QueueStatusPending QueueItemStatus = "pending"
	// QueueStatusRunning marks an item reserved under an unexpired lease.
	QueueStatusRunning QueueItemStatus = "running"
	// QueueStatusCompleted marks an item whose processing finished.
	QueueStatusCompleted QueueItemStatus = "completed"
	// QueueStatusFailed marks an item that exhausted its retries.
	QueueStatusFailed QueueItemStatus = "failed"
)

// QueueItem is one durable unit of work handed from the ingress to a worker.
type QueueItem struct {
	ID              string
	Status          QueueItemStatus
	Payload         json.RawMessage
	MessageID       string
	ScheduledTaskID *string
	RetryCount      int
	MaxRetries      int
	LeaseExpiresAt  *time.Time
	ScheduledAt     time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}
