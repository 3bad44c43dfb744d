package postgres_test

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/scry-queue/internal/domain"
	"github.com/phrazzld/scry-queue/internal/platform/postgres"
	"github.com/phrazzld/scry-queue/internal/store"
	"github.com/phrazzld/scry-queue/internal/testdb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func txStores(tx *sql.Tx) store.Stores {
	log := testLogger()
	return store.Stores{
		Tasks:      postgres.NewTaskStore(tx, log),
		Jobs:       postgres.NewBatchJobStore(tx, log),
		Executions: postgres.NewExecutionStore(tx, log),
		Results:    postgres.NewResultStore(tx, log),
	}
}

// expectFailure runs fn inside a savepoint so that a statement error does
// not abort the surrounding test transaction.
func expectFailure(t *testing.T, tx *sql.Tx, fn func() error) error {
	t.Helper()
	ctx := context.Background()
	_, err := tx.ExecContext(ctx, "SAVEPOINT expect_failure")
	require.NoError(t, err)
	ferr := fn()
	_, err = tx.ExecContext(ctx, "ROLLBACK TO SAVEPOINT expect_failure")
	require.NoError(t, err)
	return ferr
}

func newTask(t *testing.T, owner uuid.UUID) *domain.TaskRecord {
	t.Helper()
	rec, err := domain.NewTaskRecord(uuid.New(), domain.TaskTypeTextGeneration, owner,
		domain.PriorityNormal, json.RawMessage(`{"prompt":"hi"}`))
	require.NoError(t, err)
	rec.CreatedAt = rec.CreatedAt.Truncate(time.Microsecond)
	rec.UpdatedAt = rec.CreatedAt
	return rec
}

func newJob(t *testing.T, tasks int) *domain.BatchJob {
	t.Helper()
	now := time.Now().UTC().Truncate(time.Microsecond)
	specs := make([]domain.TaskSpec, tasks)
	for i := range specs {
		specs[i] = domain.TaskSpec{Payload: json.RawMessage(fmt.Sprintf(`{"prompt":"p%d"}`, i))}
	}
	return &domain.BatchJob{
		ID:                 uuid.New(),
		OwnerID:            uuid.New(),
		Name:               "nightly",
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

func TestTaskStore(t *testing.T) {
	db := testdb.GetTestDBWithT(t)
	ctx := context.Background()

	testdb.WithTx(t, db, func(t *testing.T, tx *sql.Tx) {
		s := txStores(tx)
		owner := uuid.New()
		rec := newTask(t, owner)
		require.NoError(t, s.Tasks.Create(ctx, rec))

		err := expectFailure(t, tx, func() error { return s.Tasks.Create(ctx, rec) })
		assert.True(t, store.IsDuplicateError(err))

		got, err := s.Tasks.GetByID(ctx, rec.ID)
		require.NoError(t, err)
		assert.Equal(t, rec.ID, got.ID)
		assert.Equal(t, owner, got.OwnerID)
		assert.Equal(t, domain.TaskStatusPending, got.Status)
		assert.JSONEq(t, `{"prompt":"hi"}`, string(got.InputConfig))
		assert.True(t, rec.CreatedAt.Equal(got.CreatedAt))
		assert.Nil(t, got.StartedAt)

		_, err = s.Tasks.GetByID(ctx, uuid.New())
		assert.ErrorIs(t, err, store.ErrTaskNotFound)

		t.Run("status transitions", func(t *testing.T) {
			running, err := s.Tasks.UpdateStatus(ctx, rec.ID, domain.StatusUpdate{
				Status:   domain.TaskStatusRunning,
				Progress: domain.IntPtr(10),
			})
			require.NoError(t, err)
			require.NotNil(t, running.StartedAt)

			progressed, err := s.Tasks.UpdateStatus(ctx, rec.ID, domain.StatusUpdate{
				Status:   domain.TaskStatusRunning,
				Progress: domain.IntPtr(140),
			})
			require.NoError(t, err)
			assert.Equal(t, 100, progressed.Progress)
			assert.True(t, progressed.UpdatedAt.After(running.UpdatedAt))

			failed, err := s.Tasks.UpdateStatus(ctx, rec.ID, domain.StatusUpdate{
				Status:       domain.TaskStatusFailed,
				ErrorMessage: domain.StringPtr("model unavailable"),
			})
			require.NoError(t, err)
			require.NotNil(t, failed.CompletedAt)

			cur, err := s.Tasks.UpdateStatus(ctx, rec.ID, domain.StatusUpdate{Status: domain.TaskStatusCompleted})
			assert.ErrorIs(t, err, domain.ErrInvalidTransition)
			require.NotNil(t, cur)
			assert.Equal(t, domain.TaskStatusFailed, cur.Status)

			again, err := s.Tasks.UpdateStatus(ctx, rec.ID, domain.StatusUpdate{Status: domain.TaskStatusFailed})
			require.NoError(t, err)
			assert.True(t, failed.UpdatedAt.Equal(again.UpdatedAt))

			stored, err := s.Tasks.GetByID(ctx, rec.ID)
			require.NoError(t, err)
			assert.Equal(t, "model unavailable", stored.ErrorMessage)
			assert.True(t, failed.UpdatedAt.Equal(stored.UpdatedAt))
		})

		t.Run("unknown task", func(t *testing.T) {
			_, err := s.Tasks.UpdateStatus(ctx, uuid.New(), domain.StatusUpdate{Status: domain.TaskStatusRunning})
			assert.ErrorIs(t, err, store.ErrTaskNotFound)
			assert.ErrorIs(t, s.Tasks.UpdateItemCounts(ctx, uuid.New(), 1, 1, 0), store.ErrTaskNotFound)
		})

		t.Run("item counts", func(t *testing.T) {
			other := newTask(t, owner)
			require.NoError(t, s.Tasks.Create(ctx, other))
			require.NoError(t, s.Tasks.UpdateItemCounts(ctx, other.ID, 10, 7, 2))

			got, err := s.Tasks.GetByID(ctx, other.ID)
			require.NoError(t, err)
			assert.Equal(t, 10, got.TotalItems)
			assert.Equal(t, 7, got.ProcessedItems)
			assert.Equal(t, 2, got.FailedItems)
			assert.True(t, got.UpdatedAt.After(other.UpdatedAt))
		})
	})
}

func TestTaskStore_ListAndFindStale(t *testing.T) {
	db := testdb.GetTestDBWithT(t)
	ctx := context.Background()

	testdb.WithTx(t, db, func(t *testing.T, tx *sql.Tx) {
		s := txStores(tx)
		owner := uuid.New()
		base := time.Now().UTC().Add(-time.Hour).Truncate(time.Microsecond)

		var ids []uuid.UUID
		for i := range 3 {
			rec := newTask(t, owner)
			rec.CreatedAt = base.Add(time.Duration(i) * time.Minute)
			rec.UpdatedAt = rec.CreatedAt
			require.NoError(t, s.Tasks.Create(ctx, rec))
			ids = append(ids, rec.ID)
		}
		require.NoError(t, s.Tasks.Create(ctx, newTask(t, uuid.New())))

		listed, err := s.Tasks.List(ctx, store.TaskFilter{OwnerID: &owner})
		require.NoError(t, err)
		require.Len(t, listed, 3)
		assert.Equal(t, []uuid.UUID{ids[2], ids[1], ids[0]},
			[]uuid.UUID{listed[0].ID, listed[1].ID, listed[2].ID})

		paged, err := s.Tasks.List(ctx, store.TaskFilter{OwnerID: &owner, Page: store.Page{Limit: 1, Offset: 1}})
		require.NoError(t, err)
		require.Len(t, paged, 1)
		assert.Equal(t, ids[1], paged[0].ID)

		running := domain.TaskStatusRunning
		none, err := s.Tasks.List(ctx, store.TaskFilter{OwnerID: &owner, Status: &running})
		require.NoError(t, err)
		assert.Empty(t, none)

		found, err := s.Tasks.GetByIDs(ctx, []uuid.UUID{ids[0], uuid.New(), ids[2]})
		require.NoError(t, err)
		assert.ElementsMatch(t, []uuid.UUID{ids[0], ids[2]}, []uuid.UUID{found[0].ID, found[1].ID})

		stale, err := s.Tasks.FindStale(ctx, domain.TaskStatusPending, base.Add(90*time.Second), 10)
		require.NoError(t, err)
		var staleIDs []uuid.UUID
		for _, rec := range stale {
			if rec.OwnerID == owner {
				staleIDs = append(staleIDs, rec.ID)
			}
		}
		assert.Equal(t, []uuid.UUID{ids[0], ids[1]}, staleIDs)
	})
}

func TestBatchJobStore(t *testing.T) {
	db := testdb.GetTestDBWithT(t)
	ctx := context.Background()

	testdb.WithTx(t, db, func(t *testing.T, tx *sql.Tx) {
		s := txStores(tx)
		job := newJob(t, 3)
		job.Config.Tasks[1].Priority = domain.PriorityHigh
		job.Config.Tasks[1].MaxRetries = domain.IntPtr(1)
		require.NoError(t, s.Jobs.Create(ctx, job))

		got, err := s.Jobs.GetByID(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, job.Name, got.Name)
		assert.Equal(t, 3, got.TotalTasks)
		require.Len(t, got.Config.Tasks, 3)
		assert.Equal(t, domain.PriorityHigh, got.Config.Tasks[1].Priority)
		require.NotNil(t, got.Config.Tasks[1].MaxRetries)
		assert.Equal(t, 1, *got.Config.Tasks[1].MaxRetries)
		assert.JSONEq(t, `{"prompt":"p2"}`, string(got.Config.Tasks[2].Payload))
		assert.Nil(t, got.ParentJobID)

		_, err = s.Jobs.GetByID(ctx, uuid.New())
		assert.ErrorIs(t, err, store.ErrBatchJobNotFound)

		t.Run("update", func(t *testing.T) {
			updated, err := s.Jobs.Update(ctx, job.ID, func(j *domain.BatchJob) error {
				j.CompletedTasks = 2
				j.FailedTasks = 1
				return nil
			})
			require.NoError(t, err)
			assert.Equal(t, 2, updated.CompletedTasks)

			boom := errors.New("boom")
			res, err := s.Jobs.Update(ctx, job.ID, func(j *domain.BatchJob) error {
				j.CompletedTasks = 0
				return boom
			})
			assert.ErrorIs(t, err, boom)
			assert.Nil(t, res)

			_, err = s.Jobs.Update(ctx, job.ID, func(j *domain.BatchJob) error {
				j.CompletedTasks = 3
				return nil
			})
			assert.ErrorIs(t, err, store.ErrInvalidEntity)

			stored, err := s.Jobs.GetByID(ctx, job.ID)
			require.NoError(t, err)
			assert.Equal(t, 2, stored.CompletedTasks)
			assert.Equal(t, 1, stored.FailedTasks)

			_, err = s.Jobs.Update(ctx, uuid.New(), func(*domain.BatchJob) error { return nil })
			assert.ErrorIs(t, err, store.ErrBatchJobNotFound)
		})

		t.Run("list and find due", func(t *testing.T) {
			now := time.Now().UTC().Truncate(time.Microsecond)
			owner := uuid.New()

			late := newJob(t, 1)
			late.OwnerID = owner
			late.Status = domain.JobStatusScheduled
			late.ScheduleType = domain.ScheduleScheduled
			lateAt := now.Add(-time.Minute)
			late.ScheduledAt = &lateAt

			early := newJob(t, 1)
			early.OwnerID = owner
			early.Status = domain.JobStatusScheduled
			early.ScheduleType = domain.ScheduleScheduled
			earlyAt := now.Add(-time.Hour)
			early.ScheduledAt = &earlyAt
			early.CreatedAt = now.Add(-2 * time.Hour)
			early.UpdatedAt = early.CreatedAt

			future := newJob(t, 1)
			future.OwnerID = owner
			future.Status = domain.JobStatusScheduled
			future.ScheduleType = domain.ScheduleScheduled
			futureAt := now.Add(time.Hour)
			future.ScheduledAt = &futureAt
			future.ParentJobID = &job.ID

			for _, j := range []*domain.BatchJob{late, early, future} {
				require.NoError(t, s.Jobs.Create(ctx, j))
			}

			due, err := s.Jobs.FindDue(ctx, now, 0)
			require.NoError(t, err)
			var dueIDs []uuid.UUID
			for _, j := range due {
				if j.OwnerID == owner {
					dueIDs = append(dueIDs, j.ID)
				}
			}
			assert.Equal(t, []uuid.UUID{early.ID, late.ID}, dueIDs)

			listed, err := s.Jobs.List(ctx, store.JobFilter{OwnerID: &owner})
			require.NoError(t, err)
			require.Len(t, listed, 3)
			assert.Equal(t, early.ID, listed[2].ID)

			child, err := s.Jobs.GetByID(ctx, future.ID)
			require.NoError(t, err)
			require.NotNil(t, child.ParentJobID)
			assert.Equal(t, job.ID, *child.ParentJobID)
			require.NotNil(t, child.ScheduledAt)
			assert.True(t, futureAt.Equal(*child.ScheduledAt))
		})
	})
}

func TestExecutionStore(t *testing.T) {
	db := testdb.GetTestDBWithT(t)
	ctx := context.Background()

	testdb.WithTx(t, db, func(t *testing.T, tx *sql.Tx) {
		s := txStores(tx)
		job := newJob(t, 2)
		require.NoError(t, s.Jobs.Create(ctx, job))

		first, second := newTask(t, job.OwnerID), newTask(t, job.OwnerID)
		require.NoError(t, s.Tasks.Create(ctx, first))
		require.NoError(t, s.Tasks.Create(ctx, second))

		execSecond := domain.NewTaskExecution(second.ID, &job.ID, 1)
		execFirst := domain.NewTaskExecution(first.ID, &job.ID, 0)
		require.NoError(t, s.Executions.Create(ctx, execSecond))
		require.NoError(t, s.Executions.Create(ctx, execFirst))

		err := expectFailure(t, tx, func() error {
			return s.Executions.Create(ctx, domain.NewTaskExecution(uuid.New(), nil, 0))
		})
		assert.ErrorIs(t, err, store.ErrInvalidEntity)

		byJob, err := s.Executions.ListByJob(ctx, job.ID)
		require.NoError(t, err)
		require.Len(t, byJob, 2)
		assert.Equal(t, execFirst.ID, byJob[0].ID)
		assert.Equal(t, execSecond.ID, byJob[1].ID)
		require.NotNil(t, byJob[0].JobID)
		assert.Equal(t, job.ID, *byJob[0].JobID)

		execFirst.Start("worker-1", 0, time.Now().UTC())
		require.NoError(t, s.Executions.Update(ctx, execFirst))
		execFirst.Finish(domain.TaskStatusCompleted, "", time.Now().UTC())
		require.NoError(t, s.Executions.Update(ctx, execFirst))

		retry := domain.NewTaskExecution(first.ID, &job.ID, 0)
		require.NoError(t, s.Executions.Create(ctx, retry))

		byTask, err := s.Executions.ListByTask(ctx, first.ID)
		require.NoError(t, err)
		require.Len(t, byTask, 2)
		assert.Equal(t, "worker-1", byTask[0].WorkerID)
		assert.Equal(t, domain.TaskStatusCompleted, byTask[0].Status)
		assert.NotNil(t, byTask[0].StartedAt)
		assert.NotNil(t, byTask[0].CompletedAt)
		assert.Equal(t, retry.ID, byTask[1].ID)

		missing := domain.NewTaskExecution(first.ID, nil, 0)
		assert.ErrorIs(t, s.Executions.Update(ctx, missing), store.ErrExecutionNotFound)
	})
}

func TestResultStore(t *testing.T) {
	db := testdb.GetTestDBWithT(t)
	ctx := context.Background()

	testdb.WithTx(t, db, func(t *testing.T, tx *sql.Tx) {
		s := txStores(tx)
		withResult, withoutResult := newTask(t, uuid.New()), newTask(t, uuid.New())
		require.NoError(t, s.Tasks.Create(ctx, withResult))
		require.NoError(t, s.Tasks.Create(ctx, withoutResult))

		res := &domain.TaskResult{
			TaskID:     withResult.ID,
			ResultType: domain.ResultTypeJSON,
			Data:       json.RawMessage(`{"z": 1, "a": [1, 2]}`),
			Metadata:   json.RawMessage(`{"model":"gemini"}`),
			CreatedAt:  time.Now().UTC(),
		}
		require.NoError(t, s.Results.Create(ctx, res))

		err := expectFailure(t, tx, func() error { return s.Results.Create(ctx, res) })
		assert.ErrorIs(t, err, store.ErrResultExists)

		err = expectFailure(t, tx, func() error {
			return s.Results.Create(ctx, &domain.TaskResult{TaskID: uuid.New(), ResultType: domain.ResultTypeText})
		})
		assert.ErrorIs(t, err, store.ErrInvalidEntity)

		got, err := s.Results.GetByTask(ctx, withResult.ID)
		require.NoError(t, err)
		assert.Equal(t, `{"z": 1, "a": [1, 2]}`, string(got.Data), "results come back exactly as written")
		assert.JSONEq(t, `{"model":"gemini"}`, string(got.Metadata))

		_, err = s.Results.GetByTask(ctx, withoutResult.ID)
		assert.ErrorIs(t, err, store.ErrResultNotFound)

		byTask, err := s.Results.ListByTasks(ctx, []uuid.UUID{withResult.ID, withoutResult.ID})
		require.NoError(t, err)
		assert.Len(t, byTask, 1)
		assert.Contains(t, byTask, withResult.ID)
	})
}

func TestDB_InTxRollsBack(t *testing.T) {
	sqlDB := testdb.GetTestDBWithT(t)
	ctx := context.Background()
	db := postgres.NewDB(sqlDB, testLogger())

	rec := newTask(t, uuid.New())
	boom := errors.New("boom")
	err := db.InTx(ctx, func(ctx context.Context, s store.Stores) error {
		if err := s.Tasks.Create(ctx, rec); err != nil {
			return err
		}
		if err := s.Executions.Create(ctx, domain.NewTaskExecution(rec.ID, nil, 0)); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	_, err = db.Stores().Tasks.GetByID(ctx, rec.ID)
	assert.ErrorIs(t, err, store.ErrTaskNotFound)
}

func TestTaskStore_ConcurrentStatusUpdates(t *testing.T) {
	sqlDB := testdb.GetTestDBWithT(t)
	ctx := context.Background()
	tasks := postgres.NewDB(sqlDB, testLogger()).Stores().Tasks

	rec := newTask(t, uuid.New())
	require.NoError(t, tasks.Create(ctx, rec))
	t.Cleanup(func() {
		_, _ = sqlDB.ExecContext(context.Background(), "DELETE FROM tasks WHERE id = $1", rec.ID)
	})

	// Every worker races to claim the pending task; the row lock lets
	// exactly one PENDING -> RUNNING transition through, the rest observe
	// RUNNING and report progress.
	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := tasks.UpdateStatus(ctx, rec.ID, domain.StatusUpdate{
				Status:   domain.TaskStatusRunning,
				Progress: domain.IntPtr(i * 10),
			})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}

	done, err := tasks.UpdateStatus(ctx, rec.ID, domain.StatusUpdate{Status: domain.TaskStatusCompleted})
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusCompleted, done.Status)
	require.NotNil(t, done.StartedAt)
	assert.False(t, done.CompletedAt.Before(*done.StartedAt))
}
