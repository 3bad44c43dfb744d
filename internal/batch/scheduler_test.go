package batch

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/scry-queue/internal/domain"
	"github.com/phrazzld/scry-queue/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScheduler_StartsScheduledJobWhenDue(t *testing.T) {
	t.Parallel()
	f := newFixture(t, fixtureOptions{})
	s := NewScheduler(f.orch, time.Second, testLogger())
	ctx := context.Background()

	at := f.clock.Now().Add(time.Hour)
	job := f.create(t, CreateBatchJobRequest{
		Tasks:        numbered(2),
		ScheduleType: domain.ScheduleScheduled,
		ScheduledAt:  &at,
	})
	assert.Equal(t, domain.JobStatusScheduled, job.Status)

	n, err := s.Tick(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	f.clock.Advance(time.Hour)
	n, err = s.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	f.orch.Wait()

	got := f.job(t, job.ID)
	assert.Equal(t, domain.JobStatusRunning, got.Status)
	ids, err := f.orch.TaskIDs(ctx, job.ID)
	require.NoError(t, err)
	assert.Len(t, ids, 2)

	n, err = s.Tick(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "a started job is not started again")
}

func TestScheduler_RecurringJobSpawnsRuns(t *testing.T) {
	t.Parallel()
	f := newFixture(t, fixtureOptions{})
	s := NewScheduler(f.orch, time.Second, testLogger())
	ctx := context.Background()

	parent := f.create(t, CreateBatchJobRequest{
		Name:           "hourly digest",
		Tasks:          numbered(3),
		ScheduleType:   domain.ScheduleRecurring,
		CronExpression: "0 * * * *",
	})
	require.NotNil(t, parent.ScheduledAt)
	assert.Equal(t, time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC), *parent.ScheduledAt)

	f.clock.Advance(time.Hour)
	n, err := s.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	f.orch.Wait()

	n, err = s.Tick(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "next occurrence is not due yet")

	got := f.job(t, parent.ID)
	assert.Equal(t, domain.JobStatusScheduled, got.Status)
	require.NotNil(t, got.ScheduledAt)
	assert.Equal(t, time.Date(2026, 3, 2, 11, 0, 0, 0, time.UTC), *got.ScheduledAt)

	jobs, err := f.orch.ListBatchJobs(ctx, store.JobFilter{OwnerID: &f.owner})
	require.NoError(t, err)
	require.Len(t, jobs, 2)

	var run *domain.BatchJob
	for _, j := range jobs {
		if j.ID != parent.ID {
			run = j
		}
	}
	require.NotNil(t, run)
	require.NotNil(t, run.ParentJobID)
	assert.Equal(t, parent.ID, *run.ParentJobID)
	assert.Equal(t, domain.ScheduleImmediate, run.ScheduleType)
	assert.Equal(t, domain.JobStatusRunning, run.Status)
	assert.Equal(t, "hourly digest", run.Name)

	assert.Equal(t, 3, f.drain(t))
	assert.Equal(t, domain.JobStatusCompleted, f.job(t, run.ID).Status)
	assert.Equal(t, domain.JobStatusScheduled, f.job(t, parent.ID).Status, "the recurring job itself never runs")
}

func TestScheduler_FailsJobWithInvalidCron(t *testing.T) {
	t.Parallel()
	f := newFixture(t, fixtureOptions{})
	s := NewScheduler(f.orch, time.Second, testLogger())
	ctx := context.Background()

	now := f.clock.Now()
	due := now.Add(-time.Minute)
	job := &domain.BatchJob{
		ID:                 uuid.New(),
		OwnerID:            f.owner,
		TaskType:           echoType,
		Config:             domain.BatchConfig{Tasks: numbered(1)},
		TotalTasks:         1,
		MaxConcurrentTasks: 1,
		ScheduleType:       domain.ScheduleRecurring,
		ScheduledAt:        &due,
		CronExpression:     "not a schedule",
		Status:             domain.JobStatusScheduled,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	require.NoError(t, f.db.Stores().Jobs.Create(ctx, job))

	n, err := s.Tick(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	got := f.job(t, job.ID)
	assert.Equal(t, domain.JobStatusFailed, got.Status)
	assert.Contains(t, got.ErrorMessage, "invalid cron expression")
}

func TestScheduler_Run(t *testing.T) {
	t.Parallel()
	f := newFixture(t, fixtureOptions{})
	s := NewScheduler(f.orch, time.Second, testLogger())

	at := f.clock.Now().Add(-time.Minute)
	job := f.create(t, CreateBatchJobRequest{
		Tasks:        numbered(1),
		ScheduleType: domain.ScheduleScheduled,
		ScheduledAt:  &at,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		got, err := f.orch.GetBatchJob(context.Background(), job.ID)
		return err == nil && got.Status == domain.JobStatusRunning
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop")
	}
}
