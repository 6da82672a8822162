// Package reaper hosts the slow loop that purges terminal email queue rows.
package reaper

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/mxtoai/mailengine/internal/observability/statsd"
	"github.com/mxtoai/mailengine/internal/service"
)

// RunnerOptions holds the dependencies for creating a Runner.
type RunnerOptions struct {
	Reaper   *service.ReaperService
	Interval time.Duration
	Logger   *slog.Logger
	Metrics  statsd.Sink
}

// Runner runs the reaper sweep on a fixed cadence.
type Runner struct {
	reaper   *service.ReaperService
	interval time.Duration
	logger   *slog.Logger
	metrics  statsd.Sink
}

// NewRunner creates a new reaper runner with the given options.
func NewRunner(opts RunnerOptions) (*Runner, error) {
	if opts.Reaper == nil {
		return nil, errors.New("ReaperService is required")
	}
	interval := opts.Interval
	if interval <= 0 {
		interval = time.Hour
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		reaper:   opts.Reaper,
		interval: interval,
		logger:   logger.With("component", "reaper_runner"),
		metrics:  opts.Metrics,
	}, nil
}

// Run sweeps once at startup and then on every tick until ctx is cancelled.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.InfoContext(ctx, "starting queue reaper", "interval", r.interval)

	r.sweep(ctx)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			r.logger.InfoContext(ctx, "queue reaper stopping")
			return nil
		case <-ticker.C:
			r.sweep(ctx)
		}
	}
}

func (r *Runner) sweep(ctx context.Context) {
	purged, err := r.reaper.Sweep(ctx)
	if err != nil {
		r.logger.ErrorContext(ctx, "queue sweep failed", "error", err)
		return
	}
	if r.metrics != nil && purged > 0 {
		r.metrics.Count("queue.purged", purged, nil)
	}
}
