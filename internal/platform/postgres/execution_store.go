package postgres

import (
	"context"
	"database/sql"
	"log/slog"

	"github.com/google/uuid"
	"github.com/phrazzld/scry-queue/internal/domain"
	"github.com/phrazzld/scry-queue/internal/store"
)

const executionColumns = `id, task_id, job_id, batch_index, worker_id, status,
	retry_count, error_message, created_at, started_at, completed_at`

// ExecutionStore implements store.ExecutionStore using PostgreSQL.
type ExecutionStore struct {
	db     store.DBTX
	logger *slog.Logger
}

var _ store.ExecutionStore = (*ExecutionStore)(nil)

// NewExecutionStore creates an execution store.
func NewExecutionStore(db store.DBTX, logger *slog.Logger) *ExecutionStore {
	if db == nil {
		panic("db cannot be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ExecutionStore{
		db:     db,
		logger: logger.With(slog.String("component", "execution_store")),
	}
}

// Create implements store.ExecutionStore. A missing task or job surfaces
// as store.ErrInvalidEntity through the foreign keys.
func (s *ExecutionStore) Create(ctx context.Context, exec *domain.TaskExecution) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO task_executions (`+executionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		exec.ID,
		exec.TaskID,
		nullUUID(exec.JobID),
		exec.BatchIndex,
		exec.WorkerID,
		string(exec.Status),
		exec.RetryCount,
		exec.ErrorMessage,
		exec.CreatedAt.UTC(),
		nullTime(exec.StartedAt),
		nullTime(exec.CompletedAt),
	)
	if err != nil {
		s.logger.Error("failed to create task execution",
			"execution_id", exec.ID,
			"task_id", exec.TaskID,
			"error", err)
		return MapError(err)
	}
	return nil
}

// Update implements store.ExecutionStore.
func (s *ExecutionStore) Update(ctx context.Context, exec *domain.TaskExecution) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE task_executions
		SET worker_id = $2, status = $3, retry_count = $4, error_message = $5,
			started_at = $6, completed_at = $7
		WHERE id = $1`,
		exec.ID,
		exec.WorkerID,
		string(exec.Status),
		exec.RetryCount,
		exec.ErrorMessage,
		nullTime(exec.StartedAt),
		nullTime(exec.CompletedAt),
	)
	if err != nil {
		return MapError(err)
	}
	return checkRowsAffected(res, store.ErrExecutionNotFound)
}

// ListByTask implements store.ExecutionStore.
func (s *ExecutionStore) ListByTask(ctx context.Context, taskID uuid.UUID) ([]*domain.TaskExecution, error) {
	return s.query(ctx, `SELECT `+executionColumns+` FROM task_executions
		WHERE task_id = $1 ORDER BY created_at ASC, id ASC`, taskID)
}

// ListByJob implements store.ExecutionStore.
func (s *ExecutionStore) ListByJob(ctx context.Context, jobID uuid.UUID) ([]*domain.TaskExecution, error) {
	return s.query(ctx, `SELECT `+executionColumns+` FROM task_executions
		WHERE job_id = $1 ORDER BY batch_index ASC, created_at ASC, id ASC`, jobID)
}

func (s *ExecutionStore) query(ctx context.Context, query string, args ...any) ([]*domain.TaskExecution, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, MapError(err)
	}
	defer func() { _ = rows.Close() }()

	out := make([]*domain.TaskExecution, 0)
	for rows.Next() {
		var (
			e                      domain.TaskExecution
			jobID                  uuid.NullUUID
			status                 string
			startedAt, completedAt sql.NullTime
		)
		if err := rows.Scan(
			&e.ID,
			&e.TaskID,
			&jobID,
			&e.BatchIndex,
			&e.WorkerID,
			&status,
			&e.RetryCount,
			&e.ErrorMessage,
			&e.CreatedAt,
			&startedAt,
			&completedAt,
		); err != nil {
			return nil, MapError(err)
		}
		e.JobID = uuidPtr(jobID)
		e.Status = domain.TaskStatus(status)
		e.CreatedAt = e.CreatedAt.UTC()
		e.StartedAt = timePtr(startedAt)
		e.CompletedAt = timePtr(completedAt)
		out = append(out, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, MapError(err)
	}
	return out, nil
}

// WithTx implements store.ExecutionStore.
func (s *ExecutionStore) WithTx(tx *sql.Tx) store.ExecutionStore {
	return &ExecutionStore{db: tx, logger: s.logger}
}
