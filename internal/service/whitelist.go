package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/mxtoai/mailengine/config"
	"github.com/mxtoai/mailengine/internal/core"
	"github.com/mxtoai/mailengine/internal/domain/fingerprint"
)

// WhitelistDecision is the outcome of one whitelist check.
type WhitelistDecision struct {
	Allowed  bool
	Exists   bool
	Verified bool
	// RejectionSent reports whether the verification email went out.
	// Send failures never change the decision.
	RejectionSent bool
}

// WhitelistServiceOptions groups dependencies for WhitelistService.
type WhitelistServiceOptions struct {
	Store  core.WhitelistStore    // Required: membership store
	Sender core.ReplySender       // Optional: verification email sender
	Config config.WhitelistConfig // Required: feature flag and URLs
	Logger *slog.Logger           // Optional: structured logger
}

// WhitelistService gates the ingress on sender membership. Unknown senders
// are auto-enrolled with a single-use verification token; verification
// itself happens externally on the frontend.
type WhitelistService struct {
	store  core.WhitelistStore
	sender core.ReplySender
	cfg    config.WhitelistConfig
	logger *slog.Logger
}

// NewWhitelistService constructs a new WhitelistService.
func NewWhitelistService(opts WhitelistServiceOptions) (*WhitelistService, error) {
	if opts.Store == nil {
		return nil, errors.New("WhitelistStore is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &WhitelistService{
		store:  opts.Store,
		sender: opts.Sender,
		cfg:    opts.Config,
		logger: logger.With("component", "whitelist"),
	}, nil
}

// Check evaluates the sender against the whitelist. When whitelisting is
// disabled every sender passes.
func (s *WhitelistService) Check(ctx context.Context, sender string) (WhitelistDecision, error) {
	if !s.cfg.Enabled {
		return WhitelistDecision{Allowed: true, Exists: true, Verified: true}, nil
	}

	normalized := fingerprint.NormalizeSender(sender)
	entry, err := s.store.Get(ctx, normalized)
	if err != nil {
		return WhitelistDecision{}, fmt.Errorf("look up whitelist entry: %w", err)
	}

	if entry == nil {
		enrolled, enrollErr := s.store.Enroll(ctx, normalized, uuid.NewString())
		if enrollErr != nil {
			return WhitelistDecision{}, fmt.Errorf("enroll sender: %w", enrollErr)
		}
		sent := s.sendVerification(ctx, enrolled, false)
		return WhitelistDecision{Allowed: false, Exists: false, Verified: false, RejectionSent: sent}, nil
	}

	if !entry.Verified {
		sent := s.sendVerification(ctx, entry, true)
		return WhitelistDecision{Allowed: false, Exists: true, Verified: false, RejectionSent: sent}, nil
	}

	return WhitelistDecision{Allowed: true, Exists: true, Verified: true}, nil
}

// sendVerification mails the verification link, best-effort.
func (s *WhitelistService) sendVerification(ctx context.Context, entry *core.WhitelistEntry, resend bool) bool {
	if s.sender == nil || entry.VerificationToken == "" {
		return false
	}

	subject := "Verify your email address"
	if resend {
		subject = "Reminder: verify your email address"
	}
	body := fmt.Sprintf(
		"Your email was not processed because this address is not verified yet.\n\n"+
			"Verify it here: %s/verify?token=%s\n\n"+
			"Sign up for access: %s\n",
		s.cfg.FrontendURL, entry.VerificationToken, s.cfg.SignupURL,
	)

	if err := s.sender.SendReply(ctx, core.Reply{To: entry.Email, Subject: subject, Body: body}); err != nil {
		s.logger.WarnContext(ctx, "verification email failed", "email", entry.Email, "error", err)
		return false
	}
	return true
}
