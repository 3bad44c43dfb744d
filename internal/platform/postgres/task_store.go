package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/scry-queue/internal/domain"
	"github.com/phrazzld/scry-queue/internal/store"
)

const taskColumns = `id, task_type, owner_id, status, priority, progress,
	total_items, processed_items, failed_items, input_config, error_message,
	created_at, started_at, completed_at, updated_at`

// TaskStore implements store.TaskStore using PostgreSQL.
type TaskStore struct {
	db     store.DBTX
	sqlDB  *sql.DB
	logger *slog.Logger
}

var _ store.TaskStore = (*TaskStore)(nil)

// NewTaskStore creates a task store. db may be a *sql.DB or a *sql.Tx.
// If logger is nil, a default logger will be used.
func NewTaskStore(db store.DBTX, logger *slog.Logger) *TaskStore {
	if db == nil {
		panic("db cannot be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	sqlDB, _ := db.(*sql.DB)
	return &TaskStore{
		db:     db,
		sqlDB:  sqlDB,
		logger: logger.With(slog.String("component", "task_store")),
	}
}

// Create implements store.TaskStore.
func (s *TaskStore) Create(ctx context.Context, task *domain.TaskRecord) error {
	if err := task.Validate(); err != nil {
		return fmt.Errorf("%w: %v", store.ErrInvalidEntity, err)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tasks (`+taskColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		task.ID,
		task.TaskType,
		task.OwnerID,
		string(task.Status),
		string(task.Priority),
		task.Progress,
		task.TotalItems,
		task.ProcessedItems,
		task.FailedItems,
		jsonArg(task.InputConfig),
		task.ErrorMessage,
		task.CreatedAt.UTC(),
		nullTime(task.StartedAt),
		nullTime(task.CompletedAt),
		task.UpdatedAt.UTC(),
	)
	if err != nil {
		s.logger.Error("failed to create task", "task_id", task.ID, "error", err)
		return MapError(err)
	}
	return nil
}

// GetByID implements store.TaskStore.
func (s *TaskStore) GetByID(ctx context.Context, id uuid.UUID) (*domain.TaskRecord, error) {
	return getTask(ctx, s.db, id, false)
}

func getTask(ctx context.Context, q store.DBTX, id uuid.UUID, forUpdate bool) (*domain.TaskRecord, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	t, err := scanTask(q.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrTaskNotFound
	}
	if err != nil {
		return nil, MapError(err)
	}
	return t, nil
}

// GetByIDs implements store.TaskStore.
func (s *TaskStore) GetByIDs(ctx context.Context, ids []uuid.UUID) ([]*domain.TaskRecord, error) {
	if len(ids) == 0 {
		return []*domain.TaskRecord{}, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE id = ANY($1::text[]::uuid[])`,
		uuidArray(ids))
	if err != nil {
		return nil, MapError(err)
	}
	return collectTasks(rows)
}

// UpdateStatus implements store.TaskStore. The row is locked for the
// duration of the read-modify-write.
func (s *TaskStore) UpdateStatus(ctx context.Context, id uuid.UUID, update domain.StatusUpdate) (*domain.TaskRecord, error) {
	if !update.Status.Valid() {
		return nil, fmt.Errorf("%w: %q", domain.ErrInvalidStatus, update.Status)
	}

	var out *domain.TaskRecord
	err := withLockedTx(ctx, s.sqlDB, s.db, func(q store.DBTX) error {
		t, err := getTask(ctx, q, id, true)
		if err != nil {
			return err
		}
		if !t.Status.CanTransition(update.Status) {
			out = t
			return fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, t.Status, update.Status)
		}
		if t.Status == update.Status && t.Status.IsTerminal() {
			out = t
			return nil
		}

		update.Apply(t, domain.NextUpdateTime(t.UpdatedAt, dbNow()))
		_, err = q.ExecContext(ctx, `
			UPDATE tasks
			SET status = $2, progress = $3, error_message = $4,
				started_at = $5, completed_at = $6, updated_at = $7
			WHERE id = $1`,
			id,
			string(t.Status),
			t.Progress,
			t.ErrorMessage,
			nullTime(t.StartedAt),
			nullTime(t.CompletedAt),
			t.UpdatedAt.UTC(),
		)
		if err != nil {
			return MapError(err)
		}
		out = t
		return nil
	})
	if err != nil && !errors.Is(err, domain.ErrInvalidTransition) && !store.IsNotFoundError(err) {
		s.logger.Error("failed to update task status",
			"task_id", id,
			"status", update.Status,
			"error", err)
	}
	return out, err
}

// UpdateItemCounts implements store.TaskStore.
func (s *TaskStore) UpdateItemCounts(ctx context.Context, id uuid.UUID, total, processed, failed int) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks
		SET total_items = $2, processed_items = $3, failed_items = $4,
			updated_at = GREATEST($5::timestamptz, updated_at + interval '1 microsecond')
		WHERE id = $1`,
		id, total, processed, failed, dbNow())
	if err != nil {
		return MapError(err)
	}
	return checkRowsAffected(res, store.ErrTaskNotFound)
}

// List implements store.TaskStore.
func (s *TaskStore) List(ctx context.Context, filter store.TaskFilter) ([]*domain.TaskRecord, error) {
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
	if filter.TaskType != "" {
		args = append(args, filter.TaskType)
		where = append(where, fmt.Sprintf("task_type = $%d", len(args)))
	}

	query := `SELECT ` + taskColumns + ` FROM tasks`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	args = append(args, p.Limit, p.Offset)
	query += fmt.Sprintf(` ORDER BY created_at DESC, id ASC LIMIT $%d OFFSET $%d`, len(args)-1, len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, MapError(err)
	}
	return collectTasks(rows)
}

// FindStale implements store.TaskStore.
func (s *TaskStore) FindStale(ctx context.Context, status domain.TaskStatus, cutoff time.Time, limit int) ([]*domain.TaskRecord, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks
		WHERE status = $1 AND updated_at < $2
		ORDER BY updated_at ASC`
	args := []any{string(status), cutoff.UTC()}
	if limit > 0 {
		query += ` LIMIT $3`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, MapError(err)
	}
	return collectTasks(rows)
}

// WithTx implements store.TaskStore.
func (s *TaskStore) WithTx(tx *sql.Tx) store.TaskStore {
	return &TaskStore{db: tx, logger: s.logger}
}

func scanTask(row rowScanner) (*domain.TaskRecord, error) {
	var (
		t                      domain.TaskRecord
		status, priority       string
		input                  []byte
		startedAt, completedAt sql.NullTime
	)
	err := row.Scan(
		&t.ID,
		&t.TaskType,
		&t.OwnerID,
		&status,
		&priority,
		&t.Progress,
		&t.TotalItems,
		&t.ProcessedItems,
		&t.FailedItems,
		&input,
		&t.ErrorMessage,
		&t.CreatedAt,
		&startedAt,
		&completedAt,
		&t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	t.Status = domain.TaskStatus(status)
	t.Priority = domain.Priority(priority)
	t.InputConfig = rawJSON(input)
	t.CreatedAt = t.CreatedAt.UTC()
	t.UpdatedAt = t.UpdatedAt.UTC()
	t.StartedAt = timePtr(startedAt)
	t.CompletedAt = timePtr(completedAt)
	return &t, nil
}

func collectTasks(rows *sql.Rows) ([]*domain.TaskRecord, error) {
	defer func() { _ = rows.Close() }()

	out := make([]*domain.TaskRecord, 0)
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, MapError(err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, MapError(err)
	}
	return out, nil
}
