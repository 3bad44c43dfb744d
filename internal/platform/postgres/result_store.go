package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/phrazzld/scry-queue/internal/domain"
	"github.com/phrazzld/scry-queue/internal/store"
)

const resultColumns = `task_id, result_type, result_data, file_path, metadata, created_at`

// ResultStore implements store.ResultStore using PostgreSQL.
type ResultStore struct {
	db     store.DBTX
	logger *slog.Logger
}

var _ store.ResultStore = (*ResultStore)(nil)

// NewResultStore creates a result store.
func NewResultStore(db store.DBTX, logger *slog.Logger) *ResultStore {
	if db == nil {
		panic("db cannot be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ResultStore{
		db:     db,
		logger: logger.With(slog.String("component", "result_store")),
	}
}

// Create implements store.ResultStore.
func (s *ResultStore) Create(ctx context.Context, result *domain.TaskResult) error {
	if err := result.Validate(); err != nil {
		return fmt.Errorf("%w: %v", store.ErrInvalidEntity, err)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO task_results (`+resultColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		result.TaskID,
		string(result.ResultType),
		jsonArg(result.Data),
		result.FilePath,
		jsonArg(result.Metadata),
		result.CreatedAt.UTC(),
	)
	if err != nil {
		if !IsUniqueViolation(err) {
			s.logger.Error("failed to store task result", "task_id", result.TaskID, "error", err)
		}
		return mapUniqueViolation(err, store.ErrResultExists)
	}
	return nil
}

// GetByTask implements store.ResultStore.
func (s *ResultStore) GetByTask(ctx context.Context, taskID uuid.UUID) (*domain.TaskResult, error) {
	r, err := scanResult(s.db.QueryRowContext(ctx,
		`SELECT `+resultColumns+` FROM task_results WHERE task_id = $1`, taskID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrResultNotFound
	}
	if err != nil {
		return nil, MapError(err)
	}
	return r, nil
}

// ListByTasks implements store.ResultStore.
func (s *ResultStore) ListByTasks(ctx context.Context, taskIDs []uuid.UUID) (map[uuid.UUID]*domain.TaskResult, error) {
	out := make(map[uuid.UUID]*domain.TaskResult, len(taskIDs))
	if len(taskIDs) == 0 {
		return out, nil
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+resultColumns+` FROM task_results WHERE task_id = ANY($1::text[]::uuid[])`,
		uuidArray(taskIDs))
	if err != nil {
		return nil, MapError(err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		r, err := scanResult(rows)
		if err != nil {
			return nil, MapError(err)
		}
		out[r.TaskID] = r
	}
	if err := rows.Err(); err != nil {
		return nil, MapError(err)
	}
	return out, nil
}

// WithTx implements store.ResultStore.
func (s *ResultStore) WithTx(tx *sql.Tx) store.ResultStore {
	return &ResultStore{db: tx, logger: s.logger}
}

func scanResult(row rowScanner) (*domain.TaskResult, error) {
	var (
		r              domain.TaskResult
		resultType     string
		data, metadata []byte
	)
	if err := row.Scan(&r.TaskID, &resultType, &data, &r.FilePath, &metadata, &r.CreatedAt); err != nil {
		return nil, err
	}
	r.ResultType = domain.ResultType(resultType)
	r.Data = rawJSON(data)
	r.Metadata = rawJSON(metadata)
	r.CreatedAt = r.CreatedAt.UTC()
	return &r, nil
}
