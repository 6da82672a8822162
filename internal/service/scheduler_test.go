package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mxtoai/mailengine/internal/domain/model"
)

var schedTestTime = time.Date(2026, time.March, 10, 8, 15, 0, 0, time.UTC)

func newSchedulerFixture(t *testing.T) (*SchedulerService, *memJobStore) {
	t.Helper()
	jobs := newMemJobStore()
	svc, err := NewSchedulerService(SchedulerServiceOptions{Jobs: jobs})
	require.NoError(t, err)
	svc.SetClock(func() time.Time { return schedTestTime })
	return svc, jobs
}

func TestSchedulerAddJobRecurring(t *testing.T) {
	svc, jobs := newSchedulerFixture(t)

	job, err := svc.AddJob(context.Background(), "task-1", "0 9 * * *", nil)
	require.NoError(t, err)
	assert.False(t, job.OneShot)
	assert.Equal(t, time.Date(2026, time.March, 10, 9, 0, 0, 0, time.UTC), job.NextRunTime)

	stored, err := jobs.Get(context.Background(), job.JobID)
	require.NoError(t, err)
	assert.Equal(t, "task-1", stored.TaskID)
}

func TestSchedulerAddJobOneShot(t *testing.T) {
	svc, _ := newSchedulerFixture(t)

	job, err := svc.AddJob(context.Background(), "task-1", "30 14 2 7 *", nil)
	require.NoError(t, err)
	assert.True(t, job.OneShot)
	assert.Equal(t, time.Date(2026, time.July, 2, 14, 30, 0, 0, time.UTC), job.NextRunTime)
}

func TestSchedulerAddJobExplicitNextRun(t *testing.T) {
	svc, _ := newSchedulerFixture(t)

	// Caller-supplied times are rounded to the minute.
	next := time.Date(2026, time.April, 1, 10, 0, 31, 0, time.UTC)
	job, err := svc.AddJob(context.Background(), "task-1", "0 10 1 4 *", &next)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, time.April, 1, 10, 1, 0, 0, time.UTC), job.NextRunTime)
}

func TestSchedulerAddJobInvalidCron(t *testing.T) {
	svc, _ := newSchedulerFixture(t)

	_, err := svc.AddJob(context.Background(), "task-1", "not a cron", nil)
	assert.Error(t, err)
}

func TestSchedulerAddJobReplacesExisting(t *testing.T) {
	svc, jobs := newSchedulerFixture(t)
	ctx := context.Background()

	first, err := svc.AddJob(ctx, "task-1", "0 9 * * *", nil)
	require.NoError(t, err)
	second, err := svc.AddJob(ctx, "task-1", "0 10 * * *", nil)
	require.NoError(t, err)

	ids, err := jobs.ListJobIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{second.JobID}, ids)
	assert.NotEqual(t, first.JobID, second.JobID)
}

func TestSchedulerRemoveJob(t *testing.T) {
	svc, _ := newSchedulerFixture(t)
	ctx := context.Background()

	job, err := svc.AddJob(ctx, "task-1", "0 9 * * *", nil)
	require.NoError(t, err)

	removed, err := svc.RemoveJob(ctx, job.JobID)
	require.NoError(t, err)
	assert.True(t, removed)

	removed, err = svc.RemoveJob(ctx, job.JobID)
	require.NoError(t, err)
	assert.False(t, removed)
}

func TestSchedulerDueJobs(t *testing.T) {
	svc, _ := newSchedulerFixture(t)
	ctx := context.Background()

	past := schedTestTime.Add(-time.Minute)
	_, err := svc.AddJob(ctx, "task-due", "0 9 * * *", &past)
	require.NoError(t, err)
	future := schedTestTime.Add(time.Hour)
	_, err = svc.AddJob(ctx, "task-later", "0 9 * * *", &future)
	require.NoError(t, err)

	due, err := svc.DueJobs(ctx, 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "task-due", due[0].TaskID)
}

func TestSchedulerRefresh(t *testing.T) {
	svc, _ := newSchedulerFixture(t)
	ctx := context.Background()

	job, err := svc.AddJob(ctx, "task-1", "0 9 * * *", nil)
	require.NoError(t, err)

	known, err := svc.Refresh(ctx, nil)
	require.NoError(t, err)
	assert.Contains(t, known, job.JobID)

	_, err = svc.RemoveJob(ctx, job.JobID)
	require.NoError(t, err)

	known, err = svc.Refresh(ctx, known)
	require.NoError(t, err)
	assert.Empty(t, known)
}

func TestSchedulerCoalesceRecurring(t *testing.T) {
	svc, jobs := newSchedulerFixture(t)
	ctx := context.Background()

	job := model.SchedulerJob{
		JobID:          "job-1",
		TaskID:         "task-1",
		CronExpression: "0 9 * * *",
		NextRunTime:    schedTestTime.Add(-time.Hour),
	}
	require.NoError(t, jobs.Upsert(ctx, &job))

	// Missed firings collapse into the next future tick.
	require.NoError(t, svc.Coalesce(ctx, job))
	stored, err := jobs.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, time.March, 10, 9, 0, 0, 0, time.UTC), stored.NextRunTime)
}

func TestSchedulerCoalesceRejectsOneShot(t *testing.T) {
	svc, jobs := newSchedulerFixture(t)
	ctx := context.Background()

	job := model.SchedulerJob{
		JobID:          "job-1",
		TaskID:         "task-1",
		CronExpression: "30 7 10 3 *",
		OneShot:        true,
		NextRunTime:    schedTestTime.Add(-time.Hour),
	}
	require.NoError(t, jobs.Upsert(ctx, &job))

	// One-shots are never coalesced: they fire once even when late, so the
	// job row must survive untouched.
	require.Error(t, svc.Coalesce(ctx, job))
	stored, err := jobs.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, job.NextRunTime, stored.NextRunTime)
}
