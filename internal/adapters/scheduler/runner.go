// Package scheduler hosts the long-running loop that fires due scheduler
// jobs. It polls the shared job store and hands each due job to the task
// executor; a slower reconciliation tick keeps the runner's view of the job
// set fresh for operators reading the logs.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/mxtoai/mailengine/config"
	"github.com/mxtoai/mailengine/internal/domain/model"
	"github.com/mxtoai/mailengine/internal/observability/metrics"
	"github.com/mxtoai/mailengine/internal/observability/statsd"
	"github.com/mxtoai/mailengine/internal/service"
)

// RunnerOptions configures the scheduler runner.
type RunnerOptions struct {
	Scheduler *service.SchedulerService
	Executor  *service.TaskExecutor
	Config    config.SchedulerConfig
	Logger    *slog.Logger
	Metrics   statsd.Sink
}

// Runner polls for due jobs and fires them through the executor. Multiple
// replicas may run concurrently; the per-job advisory lock taken by the
// executor keeps each firing single-flight.
type Runner struct {
	scheduler *service.SchedulerService
	executor  *service.TaskExecutor

	interval        time.Duration
	refreshInterval time.Duration
	misfireGrace    time.Duration
	maxWorkers      int

	sem     *semaphore.Weighted
	logger  *slog.Logger
	metrics statsd.Sink
	now     func() time.Time
}

// NewRunner constructs a scheduler runner from sanitized configuration.
func NewRunner(opts RunnerOptions) (*Runner, error) {
	if opts.Scheduler == nil {
		return nil, errors.New("SchedulerService is required")
	}
	if opts.Executor == nil {
		return nil, errors.New("TaskExecutor is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	cfg := opts.Config
	cfg.Sanitize()

	return &Runner{
		scheduler:       opts.Scheduler,
		executor:        opts.Executor,
		interval:        cfg.Interval,
		refreshInterval: cfg.RefreshInterval,
		misfireGrace:    cfg.MisfireGrace,
		maxWorkers:      cfg.MaxWorkers,
		sem:             semaphore.NewWeighted(int64(cfg.MaxWorkers)),
		logger:          logger.With("component", "scheduler_runner"),
		metrics:         opts.Metrics,
		now:             time.Now,
	}, nil
}

// SetClock overrides the clock, for tests.
func (r *Runner) SetClock(now func() time.Time) {
	r.now = now
}

// Run executes the polling loop until ctx is cancelled. Errors on individual
// ticks are logged and the loop continues; only context cancellation stops
// the runner.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.InfoContext(ctx, "starting scheduler runner",
		"interval", r.interval,
		"refresh_interval", r.refreshInterval,
		"misfire_grace", r.misfireGrace,
		"max_workers", r.maxWorkers,
	)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	refresh := time.NewTicker(r.refreshInterval)
	defer refresh.Stop()

	known := make(map[string]struct{})
	for {
		select {
		case <-ctx.Done():
			r.logger.InfoContext(ctx, "scheduler runner stopping")
			// Let in-flight firings settle before returning.
			r.drain()
			return nil
		case <-ticker.C:
			if err := r.tick(ctx); err != nil {
				r.logger.ErrorContext(ctx, "scheduler tick failed", "error", err)
			}
		case <-refresh.C:
			current, err := r.scheduler.Refresh(ctx, known)
			if err != nil {
				r.logger.ErrorContext(ctx, "scheduler refresh failed", "error", err)
				continue
			}
			known = current
		}
	}
}

// tick fires every due job. Recurring jobs overdue past the misfire grace are
// coalesced instead of fired; one-shot jobs always fire, however late, since
// they have no future tick to collapse into. The rest run concurrently up to
// the worker cap.
func (r *Runner) tick(ctx context.Context) error {
	jobs, err := r.scheduler.DueJobs(ctx, r.maxWorkers)
	if err != nil {
		return err
	}

	now := r.now().UTC()
	for _, job := range jobs {
		if !job.OneShot && now.Sub(job.NextRunTime) > r.misfireGrace {
			if coErr := r.scheduler.Coalesce(ctx, job); coErr != nil {
				r.logger.ErrorContext(ctx, "misfire coalescing failed",
					"job_id", job.JobID, "task_id", job.TaskID, "error", coErr)
			}
			metrics.EmitFiring(r.metrics, metrics.FiringMetric{
				Result:  metrics.ResultSkipped,
				OneShot: job.OneShot,
				Misfire: true,
			})
			continue
		}

		if acqErr := r.sem.Acquire(ctx, 1); acqErr != nil {
			return acqErr
		}
		go func() {
			defer r.sem.Release(1)
			r.fire(ctx, job)
		}()
	}
	return nil
}

func (r *Runner) fire(ctx context.Context, job model.SchedulerJob) {
	started := time.Now()
	err := r.executor.Execute(ctx, job)

	result := metrics.ResultSuccess
	if err != nil {
		result = metrics.ResultError
		r.logger.ErrorContext(ctx, "job firing failed",
			"job_id", job.JobID, "task_id", job.TaskID, "error", err)
	}
	metrics.EmitFiring(r.metrics, metrics.FiringMetric{
		Result:   result,
		OneShot:  job.OneShot,
		Duration: time.Since(started),
		Err:      err,
	})
}

// drain waits for outstanding firings without blocking shutdown forever.
func (r *Runner) drain() {
	drainCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := r.sem.Acquire(drainCtx, int64(r.maxWorkers)); err != nil {
		r.logger.Warn("scheduler runner drain timed out", "error", err)
		return
	}
	r.sem.Release(int64(r.maxWorkers))
}
