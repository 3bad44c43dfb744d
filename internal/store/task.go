package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/scry-queue/internal/domain"
)

// TaskStore defines the interface for task record persistence.
type TaskStore interface {
	// Create saves a new task record.
	// Returns ErrDuplicate if a record with the same ID exists.
	Create(ctx context.Context, task *domain.TaskRecord) error

	// GetByID retrieves a task record by its ID.
	// Returns ErrTaskNotFound if the record does not exist.
	GetByID(ctx context.Context, id uuid.UUID) (*domain.TaskRecord, error)

	// GetByIDs retrieves the records for the given IDs. Missing IDs are
	// skipped; the result order is unspecified.
	GetByIDs(ctx context.Context, ids []uuid.UUID) ([]*domain.TaskRecord, error)

	// UpdateStatus applies update as a single atomic read-modify-write and
	// returns the stored record. Transitions the task state machine does not
	// allow fail with domain.ErrInvalidTransition and leave the record
	// unchanged.
	UpdateStatus(ctx context.Context, id uuid.UUID, update domain.StatusUpdate) (*domain.TaskRecord, error)

	// UpdateItemCounts records per-item progress for multi-item tasks.
	UpdateItemCounts(ctx context.Context, id uuid.UUID, total, processed, failed int) error

	// List returns task records matching filter, newest first.
	List(ctx context.Context, filter TaskFilter) ([]*domain.TaskRecord, error)

	// FindStale returns records in status whose updated_at is before cutoff,
	// oldest first.
	FindStale(ctx context.Context, status domain.TaskStatus, cutoff time.Time, limit int) ([]*domain.TaskRecord, error)

	// WithTx returns a new TaskStore instance that uses the provided transaction.
	// The transaction should be created and managed by the caller.
	WithTx(tx *sql.Tx) TaskStore
}

// TaskFilter narrows a task listing. Zero values do not filter.
type TaskFilter struct {
	OwnerID  *uuid.UUID
	Status   *domain.TaskStatus
	TaskType string
	Page
}
