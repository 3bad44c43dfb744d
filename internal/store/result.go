package store

import (
	"context"
	"database/sql"

	"github.com/google/uuid"
	"github.com/phrazzld/scry-queue/internal/domain"
)

// ResultStore defines the interface for task result persistence.
// Results are immutable once written.
type ResultStore interface {
	// Create stores a task's result. Returns ErrResultExists when the task
	// already has one.
	Create(ctx context.Context, result *domain.TaskResult) error

	// GetByTask returns the result of a task.
	// Returns ErrResultNotFound if none was stored.
	GetByTask(ctx context.Context, taskID uuid.UUID) (*domain.TaskResult, error)

	// ListByTasks returns the stored results for the given tasks keyed by
	// task ID. Tasks without a result are absent from the map.
	ListByTasks(ctx context.Context, taskIDs []uuid.UUID) (map[uuid.UUID]*domain.TaskResult, error)

	// WithTx returns a new ResultStore instance that uses the provided transaction.
	WithTx(tx *sql.Tx) ResultStore
}
