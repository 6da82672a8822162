package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/mxtoai/mailengine/config"
	"github.com/mxtoai/mailengine/internal/core"
	"github.com/mxtoai/mailengine/internal/domain/fingerprint"
	"github.com/mxtoai/mailengine/internal/domain/model"
)

// RejectionKind names which validator produced a rejection.
type RejectionKind string

const (
	// RejectionRateLimit is a 429 quota rejection.
	RejectionRateLimit RejectionKind = "rate_limit"
	// RejectionDuplicate is a 409 idempotency rejection.
	RejectionDuplicate RejectionKind = "duplicate"
	// RejectionWhitelist is a 403 membership rejection.
	RejectionWhitelist RejectionKind = "whitelist"
	// RejectionHandle is a 400 unknown-handle rejection.
	RejectionHandle RejectionKind = "handle"
	// RejectionAttachments is a 400 attachment-policy rejection.
	RejectionAttachments RejectionKind = "attachments"
)

// Rejection is the structured outcome of a failed validator. The HTTP layer
// maps each kind onto its response shape; the first non-nil rejection in the
// chain wins and later validators never run.
type Rejection struct {
	Kind RejectionKind

	// RateLimit is set for RejectionRateLimit.
	RateLimit core.RateLimitDecision

	// MessageID and DuplicateState are set for RejectionDuplicate.
	MessageID      string
	DuplicateState core.FingerprintState

	// Whitelist and Email are set for RejectionWhitelist.
	Whitelist WhitelistDecision
	Email     string

	// Handle is set for RejectionHandle and RejectionAttachments.
	Handle string

	// Message is the human-readable rejection text.
	Message string

	// RejectionSent reports whether a reject email went out, best-effort.
	RejectionSent bool
}

// Acceptance is the outcome of a successfully validated and enqueued request.
type Acceptance struct {
	EmailID          string
	MessageID        string
	AttachmentsSaved int
	QueueItemID      string
}

// IngressServiceOptions groups dependencies for IngressService.
type IngressServiceOptions struct {
	RateLimiter core.RateLimiter      // Required: quota enforcement
	Idempotency core.IdempotencyStore // Required: fingerprint states
	Whitelist   *WhitelistService     // Required: membership gating
	Queue       core.QueueRepository  // Required: durable hand-off
	Sender      core.ReplySender      // Optional: reject email dispatch
	HTTPConfig  config.HTTPConfig     // Required: attachment policy
	Logger      *slog.Logger          // Optional: structured logger
}

// IngressService runs the ordered validator chain for POST /process-email
// and enqueues accepted requests. The order is load-bearing: the idempotency
// mark is created only after rate-limit acceptance, and whitelist state is
// never revealed to senders who are already over quota.
type IngressService struct {
	rateLimiter core.RateLimiter
	idempotency core.IdempotencyStore
	whitelist   *WhitelistService
	queue       core.QueueRepository
	sender      core.ReplySender
	httpCfg     config.HTTPConfig
	logger      *slog.Logger
	now         func() time.Time
}

// NewIngressService constructs a new IngressService.
func NewIngressService(opts IngressServiceOptions) (*IngressService, error) {
	if opts.RateLimiter == nil {
		return nil, errors.New("RateLimiter is required")
	}
	if opts.Idempotency == nil {
		return nil, errors.New("IdempotencyStore is required")
	}
	if opts.Whitelist == nil {
		return nil, errors.New("WhitelistService is required")
	}
	if opts.Queue == nil {
		return nil, errors.New("QueueRepository is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &IngressService{
		rateLimiter: opts.RateLimiter,
		idempotency: opts.Idempotency,
		whitelist:   opts.Whitelist,
		queue:       opts.Queue,
		sender:      opts.Sender,
		httpCfg:     opts.HTTPConfig,
		logger:      logger.With("component", "ingress"),
		now:         time.Now,
	}, nil
}

// SetClock overrides the clock, for tests.
func (s *IngressService) SetClock(now func() time.Time) {
	s.now = now
}

// Validate runs the validator chain on a parsed request: rate limit,
// idempotency, whitelist, handle, attachment policy. It fills in the
// request's message id (derived fingerprint when the client supplied none)
// and returns the first rejection, or nil when the request passes.
func (s *IngressService) Validate(ctx context.Context, req *model.EmailRequest) (*Rejection, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	now := s.now()

	decision, err := s.rateLimiter.Check(ctx, req.From, now)
	if err != nil {
		return nil, err
	}
	if !decision.Allowed {
		rej := &Rejection{
			Kind:      RejectionRateLimit,
			RateLimit: decision,
			Message:   RejectionMessage(decision),
		}
		rej.RejectionSent = s.sendRejectEmail(ctx, req.From, "Rate limit exceeded", rej.Message)
		return rej, nil
	}

	s.ensureMessageID(req)

	// Scheduler re-entries carry a regenerated message id and skip the
	// duplicate check entirely.
	if req.ScheduledTaskID == "" {
		prior, markErr := s.idempotency.MarkQueued(ctx, req.MessageID)
		if markErr != nil {
			return nil, markErr
		}
		if prior != core.FingerprintAbsent {
			return &Rejection{
				Kind:           RejectionDuplicate,
				MessageID:      req.MessageID,
				DuplicateState: prior,
				Message:        "Duplicate email detected",
			}, nil
		}
	}

	wl, err := s.whitelist.Check(ctx, req.From)
	if err != nil {
		return nil, err
	}
	if !wl.Allowed {
		msg := "Email rejected - Email not whitelisted"
		if wl.Exists {
			msg = "Email rejected - Email not verified"
		}
		return &Rejection{
			Kind:          RejectionWhitelist,
			Whitelist:     wl,
			Email:         fingerprint.NormalizeSender(req.From),
			Message:       msg,
			RejectionSent: wl.RejectionSent,
		}, nil
	}

	handle := req.Handle()
	cfg, known := ResolveHandle(handle)
	if !known {
		rej := &Rejection{
			Kind:    RejectionHandle,
			Handle:  handle,
			Message: "Unsupported email handle",
		}
		rej.RejectionSent = s.sendRejectEmail(ctx, req.From, "Unsupported email handle",
			fmt.Sprintf("The address %s is not a recognised handle.", req.To))
		return rej, nil
	}

	if rej := s.checkAttachmentPolicy(req, cfg); rej != nil {
		return rej, nil
	}
	return nil, nil
}

func (s *IngressService) checkAttachmentPolicy(req *model.EmailRequest, cfg HandleConfig) *Rejection {
	if len(req.Attachments) == 0 {
		return nil
	}
	if !cfg.ProcessAttachments {
		return &Rejection{
			Kind:    RejectionAttachments,
			Handle:  cfg.Name,
			Message: fmt.Sprintf("Attachments are not supported by the %s handle", cfg.Name),
		}
	}
	if s.httpCfg.MaxAttachmentCount > 0 && len(req.Attachments) > s.httpCfg.MaxAttachmentCount {
		return &Rejection{
			Kind:    RejectionAttachments,
			Handle:  cfg.Name,
			Message: fmt.Sprintf("Too many attachments: %d exceeds the limit of %d", len(req.Attachments), s.httpCfg.MaxAttachmentCount),
		}
	}
	for _, a := range req.Attachments {
		if s.httpCfg.MaxAttachmentSize > 0 && a.Size > s.httpCfg.MaxAttachmentSize {
			return &Rejection{
				Kind:    RejectionAttachments,
				Handle:  cfg.Name,
				Message: fmt.Sprintf("Attachment %s exceeds the size limit of %d bytes", a.Filename, s.httpCfg.MaxAttachmentSize),
			}
		}
	}
	return nil
}

// Accept enqueues a validated request on the durable queue. The request must
// already carry its email id and persisted attachment paths.
func (s *IngressService) Accept(ctx context.Context, req *model.EmailRequest) (*Acceptance, error) {
	if req.EmailID == "" {
		req.EmailID = uuid.NewString()
	}
	s.ensureMessageID(req)

	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode queue payload: %w", err)
	}

	item := &model.QueueItem{
		ID:        uuid.NewString(),
		Payload:   payload,
		MessageID: req.MessageID,
	}
	if req.ScheduledTaskID != "" {
		taskID := req.ScheduledTaskID
		item.ScheduledTaskID = &taskID
	}

	created, err := s.queue.Enqueue(ctx, item)
	if err != nil {
		return nil, fmt.Errorf("enqueue email: %w", err)
	}

	s.logger.InfoContext(ctx, "email queued",
		"email_id", req.EmailID,
		"message_id", req.MessageID,
		"queue_item_id", created.ID,
		"attachments", len(req.Attachments),
	)
	return &Acceptance{
		EmailID:          req.EmailID,
		MessageID:        req.MessageID,
		AttachmentsSaved: len(req.Attachments),
		QueueItemID:      created.ID,
	}, nil
}

// ensureMessageID derives the content fingerprint when the client supplied
// no message id. Client-supplied ids are used verbatim.
func (s *IngressService) ensureMessageID(req *model.EmailRequest) {
	if req.MessageID != "" {
		return
	}
	req.MessageID = fingerprint.Derive(fingerprint.Input{
		From:            req.From,
		To:              req.To,
		Subject:         req.Subject,
		Date:            req.Date,
		HTMLContent:     req.HTMLContent,
		TextContent:     req.TextContent,
		AttachmentCount: len(req.Attachments),
	})
}

// sendRejectEmail dispatches a rejection notice, best-effort.
func (s *IngressService) sendRejectEmail(ctx context.Context, to, subject, body string) bool {
	if s.sender == nil {
		return false
	}
	if err := s.sender.SendReply(ctx, core.Reply{To: to, Subject: subject, Body: body}); err != nil {
		s.logger.WarnContext(ctx, "reject email failed", "to", to, "error", err)
		return false
	}
	return true
}
