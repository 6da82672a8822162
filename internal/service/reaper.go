package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mxtoai/mailengine/internal/core"
)

// ReaperServiceOptions groups dependencies for ReaperService.
type ReaperServiceOptions struct {
	Queue core.QueueRepository // Required: durable queue
	// Retention is how long terminal queue rows are kept for inspection.
	Retention time.Duration
	Logger    *slog.Logger // Optional: structured logger
}

// ReaperService removes terminal email queue rows past their retention.
// Leases are reclaimed inline by the reservation query, so the reaper's only
// job is keeping the table from growing without bound.
type ReaperService struct {
	queue     core.QueueRepository
	retention time.Duration
	logger    *slog.Logger
	now       func() time.Time
}

// NewReaperService constructs a new ReaperService.
func NewReaperService(opts ReaperServiceOptions) (*ReaperService, error) {
	if opts.Queue == nil {
		return nil, errors.New("QueueRepository is required")
	}
	retention := opts.Retention
	if retention <= 0 {
		retention = 7 * 24 * time.Hour
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &ReaperService{
		queue:     opts.Queue,
		retention: retention,
		logger:    logger.With("component", "reaper"),
		now:       time.Now,
	}, nil
}

// SetClock overrides the clock, for tests.
func (s *ReaperService) SetClock(now func() time.Time) {
	s.now = now
}

// Sweep purges terminal queue rows older than the retention window and
// returns how many were removed.
func (s *ReaperService) Sweep(ctx context.Context) (int64, error) {
	cutoff := s.now().UTC().Add(-s.retention)
	purged, err := s.queue.PurgeTerminal(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("sweep queue: %w", err)
	}
	if purged > 0 {
		s.logger.InfoContext(ctx, "purged terminal queue items",
			"purged", purged, "cutoff", cutoff)
	}
	return purged, nil
}
