package service

import (
	"context"
	"database/sql"
	"sort"
	"sync"
	"time"

	"github.com/mxtoai/mailengine/internal/core"
	"github.com/mxtoai/mailengine/internal/domain/model"
	apperrors "github.com/mxtoai/mailengine/internal/errors"
)

// In-memory fakes shared by the service tests. They implement the core
// interfaces with just enough lifecycle semantics to observe outcomes.

type stubRateLimiter struct {
	decision core.RateLimitDecision
	err      error
	calls    int
}

func (s *stubRateLimiter) Check(context.Context, string, time.Time) (core.RateLimitDecision, error) {
	s.calls++
	return s.decision, s.err
}

type stubIdempotency struct {
	mu        sync.Mutex
	states    map[string]core.FingerprintState
	markErr   error
	processed []string
	queued    []string
}

func newStubIdempotency() *stubIdempotency {
	return &stubIdempotency{states: make(map[string]core.FingerprintState)}
}

func (s *stubIdempotency) MarkQueued(_ context.Context, messageID string) (core.FingerprintState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.markErr != nil {
		return core.FingerprintAbsent, s.markErr
	}
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
	s.processed = append(s.processed, messageID)
	return nil
}

func (s *stubIdempotency) State(_ context.Context, messageID string) (core.FingerprintState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.states[messageID], nil
}

type stubWhitelistStore struct {
	entries   map[string]*core.WhitelistEntry
	enrolled  []string
	enrollErr error
}

func newStubWhitelistStore() *stubWhitelistStore {
	return &stubWhitelistStore{entries: make(map[string]*core.WhitelistEntry)}
}

func (s *stubWhitelistStore) Get(_ context.Context, email string) (*core.WhitelistEntry, error) {
	return s.entries[email], nil
}

func (s *stubWhitelistStore) Enroll(_ context.Context, email, token string) (*core.WhitelistEntry, error) {
	if s.enrollErr != nil {
		return nil, s.enrollErr
	}
	entry := &core.WhitelistEntry{Email: email, VerificationToken: token}
	s.entries[email] = entry
	s.enrolled = append(s.enrolled, email)
	return entry, nil
}

func (s *stubWhitelistStore) Verify(_ context.Context, token string) (bool, error) {
	for _, e := range s.entries {
		if e.VerificationToken == token {
			e.Verified = true
			e.VerificationToken = ""
			return true, nil
		}
	}
	return false, nil
}

type stubSender struct {
	mu   sync.Mutex
	sent []core.Reply
	err  error
}

func (s *stubSender) SendReply(_ context.Context, reply core.Reply) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.sent = append(s.sent, reply)
	return nil
}

type stubQueue struct {
	mu         sync.Mutex
	pending    []*model.QueueItem
	enqueued   []*model.QueueItem
	completed  []string
	failed     map[string]string
	enqueueErr  error
	reserveErr  error
	purged      int64
	purgeCutoff time.Time
}

func newStubQueue() *stubQueue {
	return &stubQueue{failed: make(map[string]string)}
}

func (s *stubQueue) Enqueue(_ context.Context, item *model.QueueItem) (*model.QueueItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.enqueueErr != nil {
		return nil, s.enqueueErr
	}
	cp := *item
	cp.Status = model.QueueStatusPending
	if cp.MaxRetries <= 0 {
		cp.MaxRetries = 3
	}
	s.enqueued = append(s.enqueued, &cp)
	return &cp, nil
}

func (s *stubQueue) ReserveNext(context.Context, int) (*model.QueueItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.reserveErr != nil {
		return nil, s.reserveErr
	}
	if len(s.pending) == 0 {
		return nil, nil
	}
	item := s.pending[0]
	s.pending = s.pending[1:]
	item.Status = model.QueueStatusRunning
	return item, nil
}

func (s *stubQueue) Complete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.completed = append(s.completed, id)
	return nil
}

func (s *stubQueue) Fail(_ context.Context, id string, cause string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failed[id] = cause
	return nil
}

func (s *stubQueue) WaitForNotification(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}

func (s *stubQueue) PurgeTerminal(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.purgeCutoff = cutoff
	return s.purged, nil
}

type stubAgent struct {
	result core.AgentResult
	err    error
	seen   []*model.EmailRequest
}

func (s *stubAgent) Process(_ context.Context, req *model.EmailRequest) (core.AgentResult, error) {
	s.seen = append(s.seen, req)
	return s.result, s.err
}

// memTaskStore is an in-memory TaskStore with real transition semantics.
type memTaskStore struct {
	mu            sync.Mutex
	tasks         map[string]*model.Task
	setJobErr     error
	transitionErr error
	deleted       []string
}

func newMemTaskStore() *memTaskStore {
	return &memTaskStore{tasks: make(map[string]*model.Task)}
}

func (s *memTaskStore) put(task *model.Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[task.TaskID] = task
}

func (s *memTaskStore) Create(_ context.Context, task *model.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[task.TaskID] = task
	return nil
}

func (s *memTaskStore) Get(_ context.Context, taskID string) (*model.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[taskID]
	if !ok {
		return nil, apperrors.NotFound("task not found")
	}
	cp := *task
	return &cp, nil
}

func (s *memTaskStore) GetWithLatestRun(ctx context.Context, taskID string) (*model.Task, *model.TaskRun, error) {
	task, err := s.Get(ctx, taskID)
	return task, nil, err
}

func (s *memTaskStore) Transition(_ context.Context, p model.TransitionParams) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.transitionErr != nil {
		return s.transitionErr
	}
	task, ok := s.tasks[p.TaskID]
	if !ok {
		return apperrors.NotFound("task not found")
	}
	if len(p.From) > 0 {
		matched := false
		for _, from := range p.From {
			if task.Status == from {
				matched = true
				break
			}
		}
		if !matched {
			return apperrors.NotFound("task not found")
		}
	}
	task.Status = p.To
	if p.To.Terminal() {
		task.EmailRequest = nil
		task.SchedulerJobID = nil
	}
	return nil
}

func (s *memTaskStore) TransitionTx(ctx context.Context, _ *sql.Tx, p model.TransitionParams) error {
	return s.Transition(ctx, p)
}

func (s *memTaskStore) SetSchedulerJobID(_ context.Context, taskID string, jobID *string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.setJobErr != nil {
		return s.setJobErr
	}
	task, ok := s.tasks[taskID]
	if !ok {
		return apperrors.NotFound("task not found")
	}
	task.SchedulerJobID = jobID
	return nil
}

func (s *memTaskStore) Delete(_ context.Context, taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tasks, taskID)
	s.deleted = append(s.deleted, taskID)
	return nil
}

// memJobStore is an in-memory SchedulerJobStore.
type memJobStore struct {
	mu        sync.Mutex
	jobs      map[string]*model.SchedulerJob
	lockHeld  bool
	upsertErr error
}

func newMemJobStore() *memJobStore {
	return &memJobStore{jobs: make(map[string]*model.SchedulerJob)}
}

func (s *memJobStore) Upsert(_ context.Context, job *model.SchedulerJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.upsertErr != nil {
		return s.upsertErr
	}
	for id, existing := range s.jobs {
		if existing.TaskID == job.TaskID {
			delete(s.jobs, id)
		}
	}
	cp := *job
	s.jobs[job.JobID] = &cp
	return nil
}

func (s *memJobStore) Get(_ context.Context, jobID string) (*model.SchedulerJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return nil, apperrors.NotFound("scheduler job not found")
	}
	cp := *job
	return &cp, nil
}

func (s *memJobStore) Remove(_ context.Context, jobID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.jobs[jobID]
	delete(s.jobs, jobID)
	return ok, nil
}

func (s *memJobStore) RemoveTx(ctx context.Context, _ *sql.Tx, jobID string) (bool, error) {
	return s.Remove(ctx, jobID)
}

func (s *memJobStore) FindDue(_ context.Context, now time.Time, limit int) ([]model.SchedulerJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []model.SchedulerJob
	for _, job := range s.jobs {
		if !job.NextRunTime.After(now) {
			due = append(due, *job)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].NextRunTime.Before(due[j].NextRunTime) })
	if len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (s *memJobStore) AdvanceNextRun(_ context.Context, jobID string, next time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return apperrors.NotFound("scheduler job not found")
	}
	job.NextRunTime = next
	return nil
}

func (s *memJobStore) ListJobIDs(context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.jobs))
	for id := range s.jobs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *memJobStore) TryWithJobLock(ctx context.Context, _ string, fn func(context.Context, *sql.Tx) error) (bool, error) {
	if s.lockHeld {
		return false, nil
	}
	return true, fn(ctx, nil)
}

// memRunStore is an in-memory TaskRunStore.
type memRunStore struct {
	mu   sync.Mutex
	runs map[string]*model.TaskRun
}

func newMemRunStore() *memRunStore {
	return &memRunStore{runs: make(map[string]*model.TaskRun)}
}

func (s *memRunStore) Create(_ context.Context, run *model.TaskRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *run
	s.runs[run.RunID] = &cp
	return nil
}

func (s *memRunStore) CreateTx(ctx context.Context, _ *sql.Tx, run *model.TaskRun) error {
	return s.Create(ctx, run)
}

func (s *memRunStore) UpdateStatus(_ context.Context, runID string, status model.RunStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok {
		return apperrors.NotFound("task run not found")
	}
	run.Status = status
	return nil
}

func (s *memRunStore) LatestForTask(_ context.Context, taskID string) (*model.TaskRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, run := range s.runs {
		if run.TaskID == taskID {
			cp := *run
			return &cp, nil
		}
	}
	return nil, apperrors.NotFound("task run not found")
}

func (s *memRunStore) InProgressCount(_ context.Context, taskID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, run := range s.runs {
		if run.TaskID == taskID && run.Status == model.RunStatusInProgress {
			count++
		}
	}
	return count, nil
}
