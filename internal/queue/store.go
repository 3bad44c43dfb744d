package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/scry-queue/internal/domain"
)

var (
	// ErrStoreUnavailable wraps infrastructure failures of the queue store.
	ErrStoreUnavailable = errors.New("queue store unavailable")

	// ErrStatusNotFound is returned when no status record exists for a task.
	ErrStatusNotFound = errors.New("task status not found")

	// ErrDuplicateTask is returned when a status record already exists.
	ErrDuplicateTask = errors.New("task already enqueued")

	// ErrStaleAttempt is returned when a status change is made on behalf of
	// an attempt the task has since moved past, for instance after the
	// reaper re-queued it.
	ErrStaleAttempt = fmt.Errorf("%w: attempt superseded", domain.ErrInvalidTransition)
)

// StatusMutator changes a status record in place. Returning an error aborts
// the update.
type StatusMutator func(rec *StatusRecord) error

// Store is the storage contract behind Manager. Implementations must be safe
// for concurrent use by many processes or goroutines.
type Store interface {
	// Push appends env to the tail of its priority tier.
	Push(ctx context.Context, env *Envelope) error

	// PushDelayed adds env to the delayed index to fire at the given time.
	PushDelayed(ctx context.Context, env *Envelope, at time.Time) error

	// Pop atomically removes and returns the head of the highest non-empty
	// tier. It returns (nil, nil) when every tier is empty.
	Pop(ctx context.Context) (*Envelope, error)

	// PromoteDue moves up to limit delayed envelopes whose fire time is at or
	// before now to the tail of their tiers, earliest first. Each envelope is
	// moved by exactly one caller.
	PromoteDue(ctx context.Context, now time.Time, limit int) (int, error)

	// RemoveDelayed drops a task from the delayed index and reports whether it
	// was there.
	RemoveDelayed(ctx context.Context, taskID uuid.UUID) (bool, error)

	// CreateStatus stores the initial status record of a task. Returns
	// ErrDuplicateTask if one exists.
	CreateStatus(ctx context.Context, rec *StatusRecord) error

	// UpdateStatus applies fn to the stored record as one atomic
	// read-modify-write and returns the stored result. When fn fails the
	// record is left untouched and returned together with fn's error.
	UpdateStatus(ctx context.Context, taskID uuid.UUID, fn StatusMutator) (*StatusRecord, error)

	// GetStatus returns the status record of a task, or ErrStatusNotFound.
	GetStatus(ctx context.Context, taskID uuid.UUID) (*StatusRecord, error)

	// Stats returns tier and delayed-index depths.
	Stats(ctx context.Context) (Stats, error)
}
