package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/mxtoai/mailengine/internal/core"
	"github.com/mxtoai/mailengine/internal/domain/cron"
	"github.com/mxtoai/mailengine/internal/domain/model"
)

// SchedulerServiceOptions groups dependencies for SchedulerService.
type SchedulerServiceOptions struct {
	Jobs   core.SchedulerJobStore // Required: shared job store
	Logger *slog.Logger           // Optional: structured logger
}

// SchedulerService manages the shared scheduler job store. Because every
// process writes the same table, registering a job from an HTTP worker and
// from the long-lived scheduler runner is the same code path; the runner
// picks up foreign writes on its next poll.
type SchedulerService struct {
	jobs   core.SchedulerJobStore
	logger *slog.Logger
	now    func() time.Time
}

// NewSchedulerService constructs a new SchedulerService.
func NewSchedulerService(opts SchedulerServiceOptions) (*SchedulerService, error) {
	if opts.Jobs == nil {
		return nil, errors.New("SchedulerJobStore is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &SchedulerService{
		jobs:   opts.Jobs,
		logger: logger.With("component", "scheduler"),
		now:    time.Now,
	}, nil
}

// SetClock overrides the clock, for tests.
func (s *SchedulerService) SetClock(now func() time.Time) {
	s.now = now
}

// AddJob registers (or replaces) the scheduler job for a task. One-shot
// expressions are stored with their single absolute fire time; recurring
// expressions store the next cron tick. A caller-supplied nextRun overrides
// the computed first firing and is rounded to the minute.
func (s *SchedulerService) AddJob(
	ctx context.Context,
	taskID, cronExpression string,
	nextRun *time.Time,
) (*model.SchedulerJob, error) {
	if err := cron.Validate(cronExpression); err != nil {
		return nil, err
	}

	now := s.now()
	var next time.Time
	if nextRun != nil {
		next = cron.RoundToMinute(*nextRun)
	} else {
		computed, err := cron.Next(cronExpression, now)
		if err != nil {
			return nil, err
		}
		next = computed
	}

	job := &model.SchedulerJob{
		JobID:          uuid.NewString(),
		TaskID:         taskID,
		CronExpression: cronExpression,
		OneShot:        cron.IsOneShot(cronExpression),
		NextRunTime:    next,
	}
	if err := s.jobs.Upsert(ctx, job); err != nil {
		return nil, fmt.Errorf("register scheduler job: %w", err)
	}

	s.logger.InfoContext(ctx, "scheduler job registered",
		"job_id", job.JobID,
		"task_id", taskID,
		"cron", cronExpression,
		"one_shot", job.OneShot,
		"next_run_time", next,
	)
	return job, nil
}

// RemoveJob deletes a job from the shared store. Returns false when the job
// was already gone.
func (s *SchedulerService) RemoveJob(ctx context.Context, jobID string) (bool, error) {
	removed, err := s.jobs.Remove(ctx, jobID)
	if err != nil {
		return false, fmt.Errorf("remove scheduler job: %w", err)
	}
	if removed {
		s.logger.InfoContext(ctx, "scheduler job removed", "job_id", jobID)
	}
	return removed, nil
}

// DueJobs returns jobs whose next_run_time has arrived. The store keeps
// concurrent replicas from overlapping on the scan; single-flight per firing
// comes from the per-job advisory lock taken by the executor.
func (s *SchedulerService) DueJobs(ctx context.Context, limit int) ([]model.SchedulerJob, error) {
	return s.jobs.FindDue(ctx, s.now(), limit)
}

// Refresh reconciles the runner's view of the job store. It logs only when
// the known job-id set changes. Returns the current job-id set for the next
// comparison.
func (s *SchedulerService) Refresh(ctx context.Context, known map[string]struct{}) (map[string]struct{}, error) {
	ids, err := s.jobs.ListJobIDs(ctx)
	if err != nil {
		return known, fmt.Errorf("list scheduler jobs: %w", err)
	}

	current := make(map[string]struct{}, len(ids))
	var added, removed []string
	for _, id := range ids {
		current[id] = struct{}{}
		if _, ok := known[id]; !ok {
			added = append(added, id)
		}
	}
	for id := range known {
		if _, ok := current[id]; !ok {
			removed = append(removed, id)
		}
	}
	if len(added) > 0 || len(removed) > 0 {
		s.logger.InfoContext(ctx, "scheduler job set changed",
			"total", len(ids),
			"added", added,
			"removed", removed,
		)
	}
	return current, nil
}

// Coalesce collapses the missed firings of an overdue recurring job into its
// next future tick. One-shot jobs are never coalesced: a missed one-shot
// still fires once, late, and the executor settles its task.
func (s *SchedulerService) Coalesce(ctx context.Context, job model.SchedulerJob) error {
	if job.OneShot {
		return fmt.Errorf("one-shot job %s cannot be coalesced", job.JobID)
	}
	now := s.now()
	s.logger.WarnContext(ctx, "scheduler job misfired",
		"job_id", job.JobID,
		"task_id", job.TaskID,
		"scheduled_for", job.NextRunTime,
		"late_by", now.Sub(job.NextRunTime).String(),
	)

	next, err := cron.Next(job.CronExpression, now)
	if err != nil {
		return err
	}
	if advErr := s.jobs.AdvanceNextRun(ctx, job.JobID, next); advErr != nil {
		return fmt.Errorf("advance misfired job: %w", advErr)
	}
	return nil
}
