package events

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/scry-queue/internal/domain"
)

// StatusChanged is emitted after a task status update has been stored.
type StatusChanged struct {
	// ID is a unique identifier for this event
	ID uuid.UUID `json:"id"`

	TaskID       uuid.UUID         `json:"task_id"`
	TaskType     string            `json:"task_type"`
	Status       domain.TaskStatus `json:"status"`
	Progress     int               `json:"progress"`
	RetryCount   int               `json:"retry_count"`
	ErrorMessage string            `json:"error_message,omitempty"`

	// OccurredAt mirrors the updated_at of the status record
	OccurredAt time.Time `json:"occurred_at"`
}

// NewStatusChanged creates an event with a fresh ID.
func NewStatusChanged(taskID uuid.UUID, taskType string, status domain.TaskStatus, progress int, at time.Time) StatusChanged {
	return StatusChanged{
		ID:         uuid.New(),
		TaskID:     taskID,
		TaskType:   taskType,
		Status:     status,
		Progress:   progress,
		OccurredAt: at,
	}
}

// Publisher defines an interface for components that can publish status
// events. Publish must not block on slow consumers and has no error result:
// delivery is best effort.
type Publisher interface {
	Publish(ctx context.Context, event StatusChanged)
}

// Discard is a Publisher that drops every event.
var Discard Publisher = discard{}

type discard struct{}

func (discard) Publish(context.Context, StatusChanged) {}
