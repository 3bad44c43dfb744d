package store

import (
	"context"
	"database/sql"

	"github.com/google/uuid"
	"github.com/phrazzld/scry-queue/internal/domain"
)

// ExecutionStore defines the interface for task execution persistence.
type ExecutionStore interface {
	// Create saves a new execution.
	Create(ctx context.Context, exec *domain.TaskExecution) error

	// Update saves the mutable fields of an existing execution.
	// Returns ErrExecutionNotFound if it does not exist.
	Update(ctx context.Context, exec *domain.TaskExecution) error

	// ListByTask returns a task's executions in creation order.
	ListByTask(ctx context.Context, taskID uuid.UUID) ([]*domain.TaskExecution, error)

	// ListByJob returns the executions linked to a job ordered by batch
	// index, then creation time.
	ListByJob(ctx context.Context, jobID uuid.UUID) ([]*domain.TaskExecution, error)

	// WithTx returns a new ExecutionStore instance that uses the provided transaction.
	WithTx(tx *sql.Tx) ExecutionStore
}
