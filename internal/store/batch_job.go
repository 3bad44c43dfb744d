package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/scry-queue/internal/domain"
)

// JobMutator changes a batch job in place. Returning an error aborts the
// update and leaves the stored job untouched.
type JobMutator func(job *domain.BatchJob) error

// BatchJobStore defines the interface for batch job persistence.
type BatchJobStore interface {
	// Create saves a new batch job.
	Create(ctx context.Context, job *domain.BatchJob) error

	// GetByID retrieves a batch job by its ID.
	// Returns ErrBatchJobNotFound if the job does not exist.
	GetByID(ctx context.Context, id uuid.UUID) (*domain.BatchJob, error)

	// Update loads the job, applies fn, and saves the result as one atomic
	// operation so that concurrent updaters never lose each other's writes.
	Update(ctx context.Context, id uuid.UUID, fn JobMutator) (*domain.BatchJob, error)

	// List returns jobs matching filter, newest first.
	List(ctx context.Context, filter JobFilter) ([]*domain.BatchJob, error)

	// FindDue returns SCHEDULED jobs whose scheduled_at is at or before now,
	// earliest first.
	FindDue(ctx context.Context, now time.Time, limit int) ([]*domain.BatchJob, error)

	// WithTx returns a new BatchJobStore instance that uses the provided transaction.
	WithTx(tx *sql.Tx) BatchJobStore
}

// JobFilter narrows a batch job listing. Zero values do not filter.
type JobFilter struct {
	OwnerID *uuid.UUID
	Status  *domain.JobStatus
	Page
}
