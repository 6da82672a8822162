// Package core defines the capability interfaces that connect the ingress,
// the scheduler, and the workers to their stores and external collaborators.
package core

import (
	"context"
	"database/sql"
	"time"

	"github.com/mxtoai/mailengine/internal/domain/model"
)

// TaskStore provides CRUD and lifecycle operations for tasks and task runs.
// Status transitions into a terminal state clear email_request and
// scheduler_job_id in the same statement.
type TaskStore interface {
	Create(ctx context.Context, task *model.Task) error
	Get(ctx context.Context, taskID string) (*model.Task, error)
	// GetWithLatestRun also loads the most recent run, when one exists.
	GetWithLatestRun(ctx context.Context, taskID string) (*model.Task, *model.TaskRun, error)
	// Transition moves a task between lifecycle statuses. Terminal targets
	// clear the stored request and the scheduler job pointer.
	Transition(ctx context.Context, p model.TransitionParams) error
	// TransitionTx is the transactional variant used by the executor.
	TransitionTx(ctx context.Context, tx *sql.Tx, p model.TransitionParams) error
	// SetSchedulerJobID attaches or clears the scheduler job pointer.
	SetSchedulerJobID(ctx context.Context, taskID string, jobID *string) error
	// Delete removes the row entirely. Only used when job registration fails
	// right after insert.
	Delete(ctx context.Context, taskID string) error
}

// TaskRunStore records execution attempts.
type TaskRunStore interface {
	Create(ctx context.Context, run *model.TaskRun) error
	CreateTx(ctx context.Context, tx *sql.Tx, run *model.TaskRun) error
	UpdateStatus(ctx context.Context, runID string, status model.RunStatus) error
	LatestForTask(ctx context.Context, taskID string) (*model.TaskRun, error)
	// InProgressCount supports the executing-status invariant checks.
	InProgressCount(ctx context.Context, taskID string) (int, error)
}

// SchedulerJobStore is the shared job store. A row exists iff its task is in
// an active status; any process may add or remove jobs.
type SchedulerJobStore interface {
	// Upsert registers a job, replacing an existing binding for the same task.
	Upsert(ctx context.Context, job *model.SchedulerJob) error
	Get(ctx context.Context, jobID string) (*model.SchedulerJob, error)
	// Remove deletes a job row. Returns false when no row existed.
	Remove(ctx context.Context, jobID string) (bool, error)
	RemoveTx(ctx context.Context, tx *sql.Tx, jobID string) (bool, error)
	// FindDue returns jobs with next_run_time <= now. Concurrent scans skip
	// each other's rows but the same job may still surface on more than one
	// replica; TryWithJobLock is what makes a firing single-flight.
	FindDue(ctx context.Context, now time.Time, limit int) ([]model.SchedulerJob, error)
	// AdvanceNextRun moves a recurring job to its next tick.
	AdvanceNextRun(ctx context.Context, jobID string, next time.Time) error
	// ListJobIDs returns all known job ids, for refresh-loop change logging.
	ListJobIDs(ctx context.Context) ([]string, error)
	// TryWithJobLock runs fn under a per-job advisory lock; fn is skipped
	// (false, nil) when another process holds the lock.
	TryWithJobLock(ctx context.Context, jobID string, fn func(context.Context, *sql.Tx) error) (bool, error)
}

// QueueRepository is the durable hand-off between the ingress and workers.
type QueueRepository interface {
	Enqueue(ctx context.Context, item *model.QueueItem) (*model.QueueItem, error)
	// ReserveNext reserves the oldest pending item under a lease, or returns
	// nil when the queue is empty.
	ReserveNext(ctx context.Context, leaseSeconds int) (*model.QueueItem, error)
	Complete(ctx context.Context, id string) error
	// Fail records a failed attempt; the item returns to pending until its
	// retries are exhausted.
	Fail(ctx context.Context, id string, cause string) error
	// WaitForNotification blocks until a new item is enqueued or ctx ends.
	WaitForNotification(ctx context.Context) error
	// PurgeTerminal deletes completed and failed items last touched before
	// the cutoff. Returns how many rows were removed.
	PurgeTerminal(ctx context.Context, cutoff time.Time) (int64, error)
}

// RateLimitCounter describes one fixed-window counter in a sweep.
type RateLimitCounter struct {
	Key   string
	Limit int
	// TTL covers the remainder of the counter's window.
	TTL time.Duration
}

// CounterSweeper increments a batch of counters atomically and reports the
// 1-based index of the first counter over its limit, or 0 when all pass.
type CounterSweeper interface {
	IncrementAll(ctx context.Context, counters []RateLimitCounter) (int, error)
}

// RateLimitDecision describes the outcome of one counter sweep.
type RateLimitDecision struct {
	Allowed bool
	// Dimension is "email" or "domain" when rejected.
	Dimension string
	// Window is "hour", "day", or "month" when rejected.
	Window string
	Plan   string
}

// RateLimiter enforces the fixed-window counters. Increment-and-check is
// atomic per key and a rejected attempt still consumes quota.
type RateLimiter interface {
	Check(ctx context.Context, sender string, now time.Time) (RateLimitDecision, error)
}

// FingerprintState is the idempotency state of one message id.
type FingerprintState string

const (
	// FingerprintAbsent means the fingerprint has not been seen.
	FingerprintAbsent FingerprintState = ""
	// FingerprintQueued means the request is accepted but not yet processed.
	FingerprintQueued FingerprintState = "queued"
	// FingerprintProcessed means a worker reached terminal completion.
	FingerprintProcessed FingerprintState = "processed"
)

// IdempotencyStore tracks fingerprint states with a short-lived window.
type IdempotencyStore interface {
	// MarkQueued atomically records absent -> queued. Returns the prior
	// state; callers reject when it is not absent.
	MarkQueued(ctx context.Context, messageID string) (FingerprintState, error)
	MarkProcessed(ctx context.Context, messageID string) error
	State(ctx context.Context, messageID string) (FingerprintState, error)
}

// WhitelistEntry is the stored membership record for one sender.
type WhitelistEntry struct {
	Email             string
	Verified          bool
	VerificationToken string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// WhitelistStore persists sender membership and verification state.
type WhitelistStore interface {
	Get(ctx context.Context, email string) (*WhitelistEntry, error)
	// Enroll inserts an unverified entry with a fresh verification token.
	Enroll(ctx context.Context, email, token string) (*WhitelistEntry, error)
	Verify(ctx context.Context, token string) (bool, error)
}

// Reply is an outbound message handed to the external sender.
type Reply struct {
	To      string
	Subject string
	Body    string
}

// ReplySender is the external SMTP-like collaborator. Send failures are
// logged and swallowed; they never change the primary response.
type ReplySender interface {
	SendReply(ctx context.Context, reply Reply) error
}

// AgentResult is what the agent collaborator produces for one request.
type AgentResult struct {
	ReplyBody string
	Duplicate bool
}

// AgentRunner is the external LLM-agent collaborator invoked by workers.
type AgentRunner interface {
	Process(ctx context.Context, req *model.EmailRequest) (AgentResult, error)
}

// SelfCallback issues the scheduler-to-ingress HTTP request that re-drives a
// scheduled task through the normal pipeline.
type SelfCallback interface {
	// Post replays the request form against POST /process-email and reports
	// whether the ingress answered 200.
	Post(ctx context.Context, req *model.EmailRequest) error
}
