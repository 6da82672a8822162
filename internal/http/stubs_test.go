package httpx

import (
	"context"
	"database/sql"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/mxtoai/mailengine/config"
	"github.com/mxtoai/mailengine/internal/core"
	"github.com/mxtoai/mailengine/internal/domain/model"
	"github.com/mxtoai/mailengine/internal/service"
	"github.com/stretchr/testify/require"
)

const testAPIKey = "test-api-key"

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type stubRateLimiter struct {
	decision core.RateLimitDecision
	err      error
}

func (s *stubRateLimiter) Check(_ context.Context, _ string, _ time.Time) (core.RateLimitDecision, error) {
	return s.decision, s.err
}

type stubIdempotency struct {
	mu     sync.Mutex
	states map[string]core.FingerprintState
	queued []string
}

func newStubIdempotency() *stubIdempotency {
	return &stubIdempotency{states: map[string]core.FingerprintState{}}
}

func (s *stubIdempotency) MarkQueued(_ context.Context, messageID string) (core.FingerprintState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prior := s.states[messageID]
	if prior == core.FingerprintAbsent {
		s.states[messageID] = core.FingerprintQueued
		s.queued = append(s.queued, messageID)
	}
	return prior, nil
}

func (s *stubIdempotency) MarkProcessed(_ context.Context, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[messageID] = core.FingerprintProcessed
	return nil
}

func (s *stubIdempotency) State(_ context.Context, messageID string) (core.FingerprintState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.states[messageID], nil
}

type stubWhitelistStore struct {
	entries  map[string]*core.WhitelistEntry
	enrolled []string
}

func newStubWhitelistStore() *stubWhitelistStore {
	return &stubWhitelistStore{entries: map[string]*core.WhitelistEntry{}}
}

func (s *stubWhitelistStore) Get(_ context.Context, email string) (*core.WhitelistEntry, error) {
	return s.entries[email], nil
}

func (s *stubWhitelistStore) Enroll(_ context.Context, email, token string) (*core.WhitelistEntry, error) {
	entry := &core.WhitelistEntry{Email: email, VerificationToken: token}
	s.entries[email] = entry
	s.enrolled = append(s.enrolled, email)
	return entry, nil
}

func (s *stubWhitelistStore) Verify(_ context.Context, token string) (bool, error) {
	for _, entry := range s.entries {
		if entry.VerificationToken == token {
			entry.Verified = true
			return true, nil
		}
	}
	return false, nil
}

type stubQueue struct {
	enqueued   []*model.QueueItem
	enqueueErr error
}

func (s *stubQueue) Enqueue(_ context.Context, item *model.QueueItem) (*model.QueueItem, error) {
	if s.enqueueErr != nil {
		return nil, s.enqueueErr
	}
	item.Status = model.QueueStatusPending
	s.enqueued = append(s.enqueued, item)
	return item, nil
}

func (s *stubQueue) ReserveNext(_ context.Context, _ int) (*model.QueueItem, error) { return nil, nil }
func (s *stubQueue) Complete(_ context.Context, _ string) error                     { return nil }
func (s *stubQueue) Fail(_ context.Context, _ string, _ string) error               { return nil }
func (s *stubQueue) WaitForNotification(_ context.Context) error                    { return nil }
func (s *stubQueue) PurgeTerminal(_ context.Context, _ time.Time) (int64, error)    { return 0, nil }

type stubSender struct {
	sent []core.Reply
	err  error
}

func (s *stubSender) SendReply(_ context.Context, reply core.Reply) error {
	if s.err != nil {
		return s.err
	}
	s.sent = append(s.sent, reply)
	return nil
}

type stubTaskStore struct {
	task *model.Task
	run  *model.TaskRun
	err  error
}

func (s *stubTaskStore) Create(_ context.Context, _ *model.Task) error      { return nil }
func (s *stubTaskStore) Get(_ context.Context, _ string) (*model.Task, error) {
	return s.task, s.err
}

func (s *stubTaskStore) GetWithLatestRun(_ context.Context, _ string) (*model.Task, *model.TaskRun, error) {
	if s.err != nil {
		return nil, nil, s.err
	}
	return s.task, s.run, nil
}

func (s *stubTaskStore) Transition(_ context.Context, _ model.TransitionParams) error { return nil }
func (s *stubTaskStore) TransitionTx(_ context.Context, _ *sql.Tx, _ model.TransitionParams) error {
	return nil
}
func (s *stubTaskStore) SetSchedulerJobID(_ context.Context, _ string, _ *string) error { return nil }
func (s *stubTaskStore) Delete(_ context.Context, _ string) error                       { return nil }

// routerFixture wires a real ingress service behind the real router so the
// handler tests exercise the same middleware and response shapes production
// serves.
type routerFixture struct {
	handler        http.Handler
	limiter        *stubRateLimiter
	idempotency    *stubIdempotency
	whitelist      *stubWhitelistStore
	queue          *stubQueue
	sender         *stubSender
	tasks          *stubTaskStore
	attachmentsDir string
}

func newRouterFixture(t *testing.T) *routerFixture {
	t.Helper()

	f := &routerFixture{
		limiter:        &stubRateLimiter{decision: core.RateLimitDecision{Allowed: true}},
		idempotency:    newStubIdempotency(),
		whitelist:      newStubWhitelistStore(),
		queue:          &stubQueue{},
		sender:         &stubSender{},
		tasks:          &stubTaskStore{},
		attachmentsDir: t.TempDir(),
	}
	f.whitelist.entries["alice@example.com"] = &core.WhitelistEntry{
		Email:    "alice@example.com",
		Verified: true,
	}

	whitelistSvc, err := service.NewWhitelistService(service.WhitelistServiceOptions{
		Store:  f.whitelist,
		Sender: f.sender,
		Config: config.WhitelistConfig{
			Enabled:     true,
			FrontendURL: "https://app.example.com",
			SignupURL:   "https://app.example.com/signup",
		},
		Logger: testLogger(),
	})
	require.NoError(t, err)

	ingress, err := service.NewIngressService(service.IngressServiceOptions{
		RateLimiter: f.limiter,
		Idempotency: f.idempotency,
		Whitelist:   whitelistSvc,
		Queue:       f.queue,
		Sender:      f.sender,
		HTTPConfig: config.HTTPConfig{
			MaxAttachmentSize:  1024,
			MaxAttachmentCount: 2,
		},
		Logger: testLogger(),
	})
	require.NoError(t, err)

	f.handler = NewRouter(RouterServices{
		Ingress:        ingress,
		Tasks:          f.tasks,
		APIKey:         testAPIKey,
		AttachmentsDir: f.attachmentsDir,
		Logger:         testLogger(),
	})
	return f
}
