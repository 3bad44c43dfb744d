package queue

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/scry-queue/internal/domain"
)

// Envelope is the unit stored in the queue.
type Envelope struct {
	TaskID      uuid.UUID       `json:"task_id"`
	TaskType    string          `json:"task_type"`
	Payload     json.RawMessage `json:"payload"`
	Priority    domain.Priority `json:"priority"`
	RetryCount  int             `json:"retry_count"`
	MaxRetries  int             `json:"max_retries"`
	CreatedAt   time.Time       `json:"created_at"`
	ScheduledAt time.Time       `json:"scheduled_at"`
}

// RetriesExhausted reports whether another attempt would exceed the
// envelope's retry budget.
func (e *Envelope) RetriesExhausted() bool {
	return e.RetryCount >= e.MaxRetries
}

// StatusRecord is the queue's view of a task's state.
type StatusRecord struct {
	TaskID       uuid.UUID         `json:"task_id"`
	TaskType     string            `json:"task_type"`
	Priority     domain.Priority   `json:"priority"`
	Status       domain.TaskStatus `json:"status"`
	Progress     int               `json:"progress"`
	RetryCount   int               `json:"retry_count"`
	MaxRetries   int               `json:"max_retries"`
	ErrorMessage string            `json:"error_message,omitempty"`
	UpdatedAt    time.Time         `json:"updated_at"`
}

// Stats reports the depth of each tier and of the delayed index.
type Stats struct {
	Pending map[domain.Priority]int `json:"pending"`
	Delayed int                     `json:"delayed"`
}

// Total returns the number of envelopes waiting in any tier.
func (s Stats) Total() int {
	n := 0
	for _, v := range s.Pending {
		n += v
	}
	return n
}
