package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mxtoai/mailengine/config"
	"github.com/mxtoai/mailengine/internal/core"
	"github.com/mxtoai/mailengine/internal/domain/fingerprint"
	"golang.org/x/net/publicsuffix"
)

// providerDomains are multi-tenant consumer email providers. Their shared
// domains carry no per-domain limit; individual senders are still limited.
var providerDomains = map[string]struct{}{
	"gmail.com":      {},
	"googlemail.com": {},
	"yahoo.com":      {},
	"outlook.com":    {},
	"hotmail.com":    {},
	"live.com":       {},
	"icloud.com":     {},
	"aol.com":        {},
	"proton.me":      {},
	"protonmail.com": {},
}

// RateLimitServiceOptions groups dependencies for RateLimitService.
type RateLimitServiceOptions struct {
	Sweeper core.CounterSweeper  // Required: atomic counter store
	Config  config.RateLimitConfig // Required: plan limits
	Logger  *slog.Logger         // Optional: structured logger
}

// RateLimitService enforces the per-sender and per-domain fixed-window
// limits. All counters for one request are swept in a single atomic call;
// a rejected request still consumes quota in every window.
type RateLimitService struct {
	sweeper core.CounterSweeper
	cfg     config.RateLimitConfig
	logger  *slog.Logger
}

// NewRateLimitService constructs a new RateLimitService.
func NewRateLimitService(opts RateLimitServiceOptions) (*RateLimitService, error) {
	if opts.Sweeper == nil {
		return nil, errors.New("CounterSweeper is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &RateLimitService{
		sweeper: opts.Sweeper,
		cfg:     opts.Config,
		logger:  logger.With("component", "rate_limit"),
	}, nil
}

type counterDimension struct {
	dimension string
	window    string
}

// Check sweeps all applicable counters for the sender and returns the
// decision. The sender is normalized (lowercased, plus-tag stripped) before
// keying so aliases share quota.
func (s *RateLimitService) Check(ctx context.Context, sender string, now time.Time) (core.RateLimitDecision, error) {
	allowed := core.RateLimitDecision{Allowed: true, Plan: s.cfg.Plan}
	if !s.cfg.Enabled {
		return allowed, nil
	}

	normalized := fingerprint.NormalizeSender(sender)
	if normalized == "" {
		return allowed, nil
	}
	now = now.UTC()

	hourBucket := now.Format("2006010215")
	dayBucket := now.Format("20060102")
	monthBucket := now.Format("200601")

	counters := []core.RateLimitCounter{
		{
			Key:   fmt.Sprintf("rl:%s:hour:%s:%s", s.cfg.Plan, hourBucket, normalized),
			Limit: s.cfg.HourlyLimit,
			TTL:   time.Hour,
		},
		{
			Key:   fmt.Sprintf("rl:%s:day:%s:%s", s.cfg.Plan, dayBucket, normalized),
			Limit: s.cfg.DailyLimit,
			TTL:   24 * time.Hour,
		},
		{
			Key:   fmt.Sprintf("rl:%s:month:%s:%s", s.cfg.Plan, monthBucket, normalized),
			Limit: s.cfg.MonthlyLimit,
			TTL:   32 * 24 * time.Hour,
		},
	}
	dimensions := []counterDimension{
		{dimension: "email", window: "hour"},
		{dimension: "email", window: "day"},
		{dimension: "email", window: "month"},
	}

	if domain := s.limitedDomain(normalized); domain != "" {
		counters = append(counters, core.RateLimitCounter{
			Key:   fmt.Sprintf("rl:domain:hour:%s:%s", hourBucket, domain),
			Limit: s.cfg.DomainHourlyLimit,
			TTL:   time.Hour,
		})
		dimensions = append(dimensions, counterDimension{dimension: "domain", window: "hour"})
	}

	failed, err := s.sweeper.IncrementAll(ctx, counters)
	if err != nil {
		return core.RateLimitDecision{}, fmt.Errorf("increment rate limit counters: %w", err)
	}
	if failed == 0 {
		return allowed, nil
	}

	dim := dimensions[failed-1]
	s.logger.InfoContext(ctx, "rate limit exceeded",
		"sender", normalized,
		"dimension", dim.dimension,
		"window", dim.window,
		"plan", s.cfg.Plan,
	)
	return core.RateLimitDecision{
		Allowed:   false,
		Dimension: dim.dimension,
		Window:    dim.window,
		Plan:      s.cfg.Plan,
	}, nil
}

// limitedDomain returns the registrable domain to count against, or "" when
// the sender's domain is a shared consumer provider.
func (s *RateLimitService) limitedDomain(normalizedSender string) string {
	domain := fingerprint.SenderDomain(normalizedSender)
	if domain == "" {
		return ""
	}
	if registrable, err := publicsuffix.EffectiveTLDPlusOne(domain); err == nil {
		domain = registrable
	}
	if _, shared := providerDomains[domain]; shared {
		return ""
	}
	return domain
}

// RejectionMessage renders the human-readable 429 body text.
func RejectionMessage(d core.RateLimitDecision) string {
	return fmt.Sprintf("Rate limit exceeded — %s %s for %s plan", d.Dimension, d.Window, d.Plan)
}
