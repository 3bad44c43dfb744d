package memory

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/scry-queue/internal/domain"
	"github.com/phrazzld/scry-queue/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDB() *DB {
	return New(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func newTask(t *testing.T, owner uuid.UUID) *domain.TaskRecord {
	t.Helper()
	rec, err := domain.NewTaskRecord(uuid.New(), domain.TaskTypeTextGeneration, owner,
		domain.PriorityNormal, json.RawMessage(`{"prompt":"hi"}`))
	require.NoError(t, err)
	return rec
}

func newJob(t *testing.T, tasks int) *domain.BatchJob {
	t.Helper()
	now := time.Now().UTC()
	specs := make([]domain.TaskSpec, tasks)
	for i := range specs {
		specs[i] = domain.TaskSpec{Payload: json.RawMessage(`{"prompt":"p"}`)}
	}
	return &domain.BatchJob{
		ID:                 uuid.New(),
		OwnerID:            uuid.New(),
		Name:               "job",
		TaskType:           domain.TaskTypeTextGeneration,
		Config:             domain.BatchConfig{Tasks: specs},
		TotalTasks:         tasks,
		MaxConcurrentTasks: domain.DefaultMaxConcurrentTasks,
		ScheduleType:       domain.ScheduleImmediate,
		Status:             domain.JobStatusPending,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
}

func TestTaskStore_CreateAndGet(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestDB().Stores()

	rec := newTask(t, uuid.New())
	require.NoError(t, s.Tasks.Create(ctx, rec))

	err := s.Tasks.Create(ctx, rec)
	assert.True(t, store.IsDuplicateError(err))

	got, err := s.Tasks.GetByID(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, rec.ID, got.ID)

	// returned records are copies
	got.Progress = 99
	again, err := s.Tasks.GetByID(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, again.Progress)

	_, err = s.Tasks.GetByID(ctx, uuid.New())
	assert.ErrorIs(t, err, store.ErrTaskNotFound)
}

func TestTaskStore_UpdateStatus(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestDB().Stores()
	rec := newTask(t, uuid.New())
	require.NoError(t, s.Tasks.Create(ctx, rec))

	running, err := s.Tasks.UpdateStatus(ctx, rec.ID, domain.StatusUpdate{
		Status:   domain.TaskStatusRunning,
		Progress: domain.IntPtr(0),
	})
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusRunning, running.Status)
	require.NotNil(t, running.StartedAt)

	progressed, err := s.Tasks.UpdateStatus(ctx, rec.ID, domain.StatusUpdate{
		Status:   domain.TaskStatusRunning,
		Progress: domain.IntPtr(40),
	})
	require.NoError(t, err)
	assert.Equal(t, 40, progressed.Progress)
	assert.True(t, progressed.UpdatedAt.After(running.UpdatedAt))

	cancelled, err := s.Tasks.UpdateStatus(ctx, rec.ID, domain.StatusUpdate{Status: domain.TaskStatusCancelled})
	require.NoError(t, err)
	require.NotNil(t, cancelled.CompletedAt)

	t.Run("late completion is rejected", func(t *testing.T) {
		cur, err := s.Tasks.UpdateStatus(ctx, rec.ID, domain.StatusUpdate{Status: domain.TaskStatusCompleted})
		assert.ErrorIs(t, err, domain.ErrInvalidTransition)
		require.NotNil(t, cur)
		assert.Equal(t, domain.TaskStatusCancelled, cur.Status)
	})

	t.Run("repeated terminal update is a no-op", func(t *testing.T) {
		cur, err := s.Tasks.UpdateStatus(ctx, rec.ID, domain.StatusUpdate{Status: domain.TaskStatusCancelled})
		require.NoError(t, err)
		assert.Equal(t, cancelled.UpdatedAt, cur.UpdatedAt)
	})
}

func TestTaskStore_ListAndFindStale(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestDB().Stores()
	owner := uuid.New()

	base := time.Now().UTC().Add(-time.Hour)
	var ids []uuid.UUID
	for i := 0; i < 5; i++ {
		rec := newTask(t, owner)
		rec.CreatedAt = base.Add(time.Duration(i) * time.Minute)
		rec.UpdatedAt = rec.CreatedAt
		require.NoError(t, s.Tasks.Create(ctx, rec))
		ids = append(ids, rec.ID)
	}
	require.NoError(t, s.Tasks.Create(ctx, newTask(t, uuid.New())))

	page, err := s.Tasks.List(ctx, store.TaskFilter{OwnerID: &owner, Page: store.Page{Limit: 2, Offset: 1}})
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, ids[3], page[0].ID)
	assert.Equal(t, ids[2], page[1].ID)

	pending := domain.TaskStatusPending
	stale, err := s.Tasks.FindStale(ctx, pending, base.Add(90*time.Second), 10)
	require.NoError(t, err)
	require.Len(t, stale, 2)
	assert.Equal(t, ids[0], stale[0].ID)
}

func TestBatchJobStore_Update(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestDB().Stores()
	job := newJob(t, 10)
	require.NoError(t, s.Jobs.Create(ctx, job))

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Jobs.Update(ctx, job.ID, func(j *domain.BatchJob) error {
				j.CompletedTasks++
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	got, err := s.Jobs.GetByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 10, got.CompletedTasks)

	t.Run("mutator error leaves job untouched", func(t *testing.T) {
		boom := errors.New("boom")
		_, err := s.Jobs.Update(ctx, job.ID, func(j *domain.BatchJob) error {
			j.Name = "changed"
			return boom
		})
		assert.ErrorIs(t, err, boom)
		got, err := s.Jobs.GetByID(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, "job", got.Name)
	})

	t.Run("invariant violation is rejected", func(t *testing.T) {
		_, err := s.Jobs.Update(ctx, job.ID, func(j *domain.BatchJob) error {
			j.FailedTasks = 1
			return nil
		})
		assert.ErrorIs(t, err, store.ErrInvalidEntity)
	})
}

func TestBatchJobStore_FindDue(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestDB().Stores()
	now := time.Now().UTC()

	due := newJob(t, 1)
	due.Status = domain.JobStatusScheduled
	due.ScheduleType = domain.ScheduleScheduled
	past := now.Add(-time.Minute)
	due.ScheduledAt = &past

	later := newJob(t, 1)
	later.Status = domain.JobStatusScheduled
	later.ScheduleType = domain.ScheduleScheduled
	future := now.Add(time.Hour)
	later.ScheduledAt = &future

	require.NoError(t, s.Jobs.Create(ctx, due))
	require.NoError(t, s.Jobs.Create(ctx, later))
	require.NoError(t, s.Jobs.Create(ctx, newJob(t, 1)))

	jobs, err := s.Jobs.FindDue(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, due.ID, jobs[0].ID)
}

func TestExecutionStore_ListByJobOrder(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestDB().Stores()
	job := newJob(t, 3)
	require.NoError(t, s.Jobs.Create(ctx, job))

	for _, idx := range []int{2, 0, 1} {
		rec := newTask(t, job.OwnerID)
		rec.ID = job.TaskID(idx)
		require.NoError(t, s.Tasks.Create(ctx, rec))
		require.NoError(t, s.Executions.Create(ctx, domain.NewTaskExecution(rec.ID, &job.ID, idx)))
	}

	execs, err := s.Executions.ListByJob(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, execs, 3)
	for i, e := range execs {
		assert.Equal(t, i, e.BatchIndex)
		assert.Equal(t, job.TaskID(i), e.TaskID)
	}

	err = s.Executions.Create(ctx, domain.NewTaskExecution(uuid.New(), nil, 0))
	assert.ErrorIs(t, err, store.ErrInvalidEntity)
}

func TestResultStore_WriteOnce(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestDB().Stores()
	rec := newTask(t, uuid.New())
	require.NoError(t, s.Tasks.Create(ctx, rec))

	res := &domain.TaskResult{
		TaskID:     rec.ID,
		ResultType: domain.ResultTypeJSON,
		Data:       json.RawMessage(`{"text":"hello"}`),
		CreatedAt:  time.Now().UTC(),
	}
	require.NoError(t, s.Results.Create(ctx, res))
	assert.ErrorIs(t, s.Results.Create(ctx, res), store.ErrResultExists)

	got, err := s.Results.ListByTasks(ctx, []uuid.UUID{rec.ID, uuid.New()})
	require.NoError(t, err)
	assert.Len(t, got, 1)
	assert.JSONEq(t, `{"text":"hello"}`, string(got[rec.ID].Data))
}

func TestDB_InTxRollsBack(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	db := newTestDB()
	job := newJob(t, 1)
	rec := newTask(t, job.OwnerID)
	boom := errors.New("boom")

	err := db.InTx(ctx, func(ctx context.Context, s store.Stores) error {
		if err := s.Jobs.Create(ctx, job); err != nil {
			return err
		}
		if err := s.Tasks.Create(ctx, rec); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	s := db.Stores()
	_, err = s.Jobs.GetByID(ctx, job.ID)
	assert.ErrorIs(t, err, store.ErrBatchJobNotFound)
	_, err = s.Tasks.GetByID(ctx, rec.ID)
	assert.ErrorIs(t, err, store.ErrTaskNotFound)

	require.NoError(t, db.InTx(ctx, func(ctx context.Context, s store.Stores) error {
		return s.Tasks.Create(ctx, rec)
	}))
	_, err = s.Tasks.GetByID(ctx, rec.ID)
	assert.NoError(t, err)
}
