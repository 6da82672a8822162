// Package emailrunner hosts the worker loop that drains the durable email
// queue. Each worker goroutine reserves one item at a time and sleeps on the
// queue's LISTEN channel while idle.
package emailrunner

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mxtoai/mailengine/config"
	"github.com/mxtoai/mailengine/internal/service"
)

// RunnerOptions configures the email worker runner.
type RunnerOptions struct {
	Worker *service.EmailWorker
	Config config.WorkerConfig
	Logger *slog.Logger
}

// Runner runs a fixed pool of worker goroutines over one EmailWorker.
type Runner struct {
	worker       *service.EmailWorker
	workers      int
	pollInterval time.Duration
	logger       *slog.Logger
}

// NewRunner constructs an email worker runner from sanitized configuration.
func NewRunner(opts RunnerOptions) (*Runner, error) {
	if opts.Worker == nil {
		return nil, errors.New("EmailWorker is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	cfg := opts.Config
	cfg.Sanitize()

	return &Runner{
		worker:       opts.Worker,
		workers:      cfg.Concurrency,
		pollInterval: cfg.PollInterval,
		logger:       logger.With("component", "email_runner"),
	}, nil
}

// Run starts the worker pool and drains the queue until ctx is cancelled.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.InfoContext(ctx, "starting email workers",
		"workers", r.workers,
		"poll_interval", r.pollInterval,
	)

	group, gctx := errgroup.WithContext(ctx)
	for range r.workers {
		group.Go(func() error { return r.runWorkerLoop(gctx) })
	}
	err := group.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// runWorkerLoop reserves and processes items until the context ends.
// Infrastructure errors back off for one poll interval instead of killing
// the loop; a database blip should not take down the whole worker pool.
func (r *Runner) runWorkerLoop(ctx context.Context) error {
	for ctx.Err() == nil {
		processed, err := r.worker.ProcessNext(ctx)
		switch {
		case err != nil:
			r.logger.ErrorContext(ctx, "queue processing error", "error", err)
			r.backoff(ctx)
		case !processed:
			r.worker.WaitForWork(ctx, r.pollInterval)
		}
	}
	return ctx.Err()
}

func (r *Runner) backoff(ctx context.Context) {
	t := time.NewTimer(r.pollInterval)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
