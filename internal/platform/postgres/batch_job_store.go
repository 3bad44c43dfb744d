package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/scry-queue/internal/domain"
	"github.com/phrazzld/scry-queue/internal/store"
)

const jobColumns = `id, owner_id, name, task_type, batch_config, total_tasks,
	completed_tasks, failed_tasks, max_concurrent_tasks, schedule_type,
	scheduled_at, cron_expression, parent_job_id, status, error_message,
	created_at, started_at, completed_at, updated_at`

// BatchJobStore implements store.BatchJobStore using PostgreSQL.
type BatchJobStore struct {
	db     store.DBTX
	sqlDB  *sql.DB
	logger *slog.Logger
}

var _ store.BatchJobStore = (*BatchJobStore)(nil)

// NewBatchJobStore creates a batch job store. db may be a *sql.DB or a *sql.Tx.
func NewBatchJobStore(db store.DBTX, logger *slog.Logger) *BatchJobStore {
	if db == nil {
		panic("db cannot be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	sqlDB, _ := db.(*sql.DB)
	return &BatchJobStore{
		db:     db,
		sqlDB:  sqlDB,
		logger: logger.With(slog.String("component", "batch_job_store")),
	}
}

// Create implements store.BatchJobStore.
func (s *BatchJobStore) Create(ctx context.Context, job *domain.BatchJob) error {
	if err := job.Validate(); err != nil {
		return fmt.Errorf("%w: %v", store.ErrInvalidEntity, err)
	}
	cfg, err := json.Marshal(job.Config)
	if err != nil {
		return fmt.Errorf("%w: batch config: %v", store.ErrInvalidEntity, err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO batch_jobs (`+jobColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10,
			$11, $12, $13, $14, $15, $16, $17, $18, $19)`,
		job.ID,
		job.OwnerID,
		job.Name,
		job.TaskType,
		string(cfg),
		job.TotalTasks,
		job.CompletedTasks,
		job.FailedTasks,
		job.MaxConcurrentTasks,
		string(job.ScheduleType),
		nullTime(job.ScheduledAt),
		job.CronExpression,
		nullUUID(job.ParentJobID),
		string(job.Status),
		job.ErrorMessage,
		job.CreatedAt.UTC(),
		nullTime(job.StartedAt),
		nullTime(job.CompletedAt),
		job.UpdatedAt.UTC(),
	)
	if err != nil {
		s.logger.Error("failed to create batch job", "job_id", job.ID, "error", err)
		return MapError(err)
	}
	return nil
}

// GetByID implements store.BatchJobStore.
func (s *BatchJobStore) GetByID(ctx context.Context, id uuid.UUID) (*domain.BatchJob, error) {
	return getJob(ctx, s.db, id, false)
}

func getJob(ctx context.Context, q store.DBTX, id uuid.UUID, forUpdate bool) (*domain.BatchJob, error) {
	query := `SELECT ` + jobColumns + ` FROM batch_jobs WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	j, err := scanJob(q.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrBatchJobNotFound
	}
	if err != nil {
		return nil, MapError(err)
	}
	return j, nil
}

// Update implements store.BatchJobStore. The row stays locked while fn
// runs; fn must not call back into the store outside the transaction.
func (s *BatchJobStore) Update(ctx context.Context, id uuid.UUID, fn store.JobMutator) (*domain.BatchJob, error) {
	var out *domain.BatchJob
	err := withLockedTx(ctx, s.sqlDB, s.db, func(q store.DBTX) error {
		job, err := getJob(ctx, q, id, true)
		if err != nil {
			return err
		}
		if err := fn(job); err != nil {
			return err
		}
		job.ID = id
		if err := job.Validate(); err != nil {
			return fmt.Errorf("%w: %v", store.ErrInvalidEntity, err)
		}
		cfg, err := json.Marshal(job.Config)
		if err != nil {
			return fmt.Errorf("%w: batch config: %v", store.ErrInvalidEntity, err)
		}

		_, err = q.ExecContext(ctx, `
			UPDATE batch_jobs
			SET name = $2, batch_config = $3, total_tasks = $4,
				completed_tasks = $5, failed_tasks = $6, max_concurrent_tasks = $7,
				schedule_type = $8, scheduled_at = $9, cron_expression = $10,
				status = $11, error_message = $12, started_at = $13,
				completed_at = $14, updated_at = $15
			WHERE id = $1`,
			id,
			job.Name,
			string(cfg),
			job.TotalTasks,
			job.CompletedTasks,
			job.FailedTasks,
			job.MaxConcurrentTasks,
			string(job.ScheduleType),
			nullTime(job.ScheduledAt),
			job.CronExpression,
			string(job.Status),
			job.ErrorMessage,
			nullTime(job.StartedAt),
			nullTime(job.CompletedAt),
			job.UpdatedAt.UTC(),
		)
		if err != nil {
			return MapError(err)
		}
		out = job
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// List implements store.BatchJobStore.
func (s *BatchJobStore) List(ctx context.Context, filter store.JobFilter) ([]*domain.BatchJob, error) {
	p := filter.Page.Normalize()

	var (
		where []string
		args  []any
	)
	if filter.OwnerID != nil {
		args = append(args, *filter.OwnerID)
		where = append(where, fmt.Sprintf("owner_id = $%d", len(args)))
	}
	if filter.Status != nil {
		args = append(args, string(*filter.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}

	query := `SELECT ` + jobColumns + ` FROM batch_jobs`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	args = append(args, p.Limit, p.Offset)
	query += fmt.Sprintf(` ORDER BY created_at DESC, id ASC LIMIT $%d OFFSET $%d`, len(args)-1, len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, MapError(err)
	}
	return collectJobs(rows)
}

// FindDue implements store.BatchJobStore.
func (s *BatchJobStore) FindDue(ctx context.Context, now time.Time, limit int) ([]*domain.BatchJob, error) {
	query := `SELECT ` + jobColumns + ` FROM batch_jobs
		WHERE status = $1 AND scheduled_at IS NOT NULL AND scheduled_at <= $2
		ORDER BY scheduled_at ASC`
	args := []any{string(domain.JobStatusScheduled), now.UTC()}
	if limit > 0 {
		query += ` LIMIT $3`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, MapError(err)
	}
	return collectJobs(rows)
}

// WithTx implements store.BatchJobStore.
func (s *BatchJobStore) WithTx(tx *sql.Tx) store.BatchJobStore {
	return &BatchJobStore{db: tx, logger: s.logger}
}

func scanJob(row rowScanner) (*domain.BatchJob, error) {
	var (
		j                                   domain.BatchJob
		cfg                                 []byte
		scheduleType, status                string
		scheduledAt, startedAt, completedAt sql.NullTime
		parent                              uuid.NullUUID
	)
	err := row.Scan(
		&j.ID,
		&j.OwnerID,
		&j.Name,
		&j.TaskType,
		&cfg,
		&j.TotalTasks,
		&j.CompletedTasks,
		&j.FailedTasks,
		&j.MaxConcurrentTasks,
		&scheduleType,
		&scheduledAt,
		&j.CronExpression,
		&parent,
		&status,
		&j.ErrorMessage,
		&j.CreatedAt,
		&startedAt,
		&completedAt,
		&j.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(cfg, &j.Config); err != nil {
		return nil, fmt.Errorf("decode batch config of job %s: %w", j.ID, err)
	}
	j.ScheduleType = domain.ScheduleType(scheduleType)
	j.Status = domain.JobStatus(status)
	j.ScheduledAt = timePtr(scheduledAt)
	j.StartedAt = timePtr(startedAt)
	j.CompletedAt = timePtr(completedAt)
	j.ParentJobID = uuidPtr(parent)
	j.CreatedAt = j.CreatedAt.UTC()
	j.UpdatedAt = j.UpdatedAt.UTC()
	return &j, nil
}

func collectJobs(rows *sql.Rows) ([]*domain.BatchJob, error) {
	defer func() { _ = rows.Close() }()

	out := make([]*domain.BatchJob, 0)
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, MapError(err)
		}
		out = append(out, j)
	}
	if err := rows.Err(); err != nil {
		return nil, MapError(err)
	}
	return out, nil
}
