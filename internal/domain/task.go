package domain

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// TaskStatus represents the lifecycle state of a task
type TaskStatus string

// Possible task status values
const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusCancelled TaskStatus = "cancelled"
)

// Valid reports whether s is a known task status.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskStatusPending, TaskStatusRunning, TaskStatusCompleted,
		TaskStatusFailed, TaskStatusCancelled:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether no further transitions are possible from s.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed || s == TaskStatusCancelled
}

// CanTransition reports whether a task may move from s to next.
//
// Same-status updates are accepted for RUNNING (progress reports) and for
// terminal states, where they are idempotent no-ops.
func (s TaskStatus) CanTransition(next TaskStatus) bool {
	if s == next {
		return s == TaskStatusRunning || s.IsTerminal()
	}
	switch s {
	case TaskStatusPending:
		return next == TaskStatusRunning || next == TaskStatusCancelled || next == TaskStatusFailed
	case TaskStatusRunning:
		return next == TaskStatusPending || next == TaskStatusCompleted ||
			next == TaskStatusFailed || next == TaskStatusCancelled
	default:
		return false
	}
}

// Priority is the scheduling tier of a task.
type Priority string

// Priority tiers, dequeued strictly high before normal before low.
const (
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

// Priorities lists every tier in dequeue order.
var Priorities = []Priority{PriorityHigh, PriorityNormal, PriorityLow}

// ParsePriority converts a case-insensitive string to a Priority.
// An empty string yields PriorityNormal.
func ParsePriority(s string) (Priority, error) {
	switch Priority(strings.ToLower(strings.TrimSpace(s))) {
	case "":
		return PriorityNormal, nil
	case PriorityHigh:
		return PriorityHigh, nil
	case PriorityNormal:
		return PriorityNormal, nil
	case PriorityLow:
		return PriorityLow, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidPriority, s)
	}
}

// Rank returns the dequeue order of p; lower ranks are served first.
func (p Priority) Rank() int {
	switch p {
	case PriorityHigh:
		return 0
	case PriorityLow:
		return 2
	default:
		return 1
	}
}

// Valid reports whether p is a known priority tier.
func (p Priority) Valid() bool {
	return p == PriorityHigh || p == PriorityNormal || p == PriorityLow
}

// TaskRecord is the durable record of a task, owned by the persistence layer.
type TaskRecord struct {
	ID             uuid.UUID       `json:"task_id"`
	TaskType       string          `json:"task_type"`
	OwnerID        uuid.UUID       `json:"owner_id"`
	Status         TaskStatus      `json:"status"`
	Priority       Priority        `json:"priority"`
	Progress       int             `json:"progress"`
	TotalItems     int             `json:"total_items"`
	ProcessedItems int             `json:"processed_items"`
	FailedItems    int             `json:"failed_items"`
	InputConfig    json.RawMessage `json:"input_config,omitempty"`
	ErrorMessage   string          `json:"error_message,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	StartedAt      *time.Time      `json:"started_at,omitempty"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// NewTaskRecord creates a pending task record.
func NewTaskRecord(id uuid.UUID, taskType string, ownerID uuid.UUID, priority Priority, input json.RawMessage) (*TaskRecord, error) {
	now := time.Now().UTC()
	t := &TaskRecord{
		ID:          id,
		TaskType:    taskType,
		OwnerID:     ownerID,
		Status:      TaskStatusPending,
		Priority:    priority,
		InputConfig: input,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return t, nil
}

// Validate checks the record for structural problems.
func (t *TaskRecord) Validate() error {
	if t.ID == uuid.Nil {
		return fmt.Errorf("%w: task ID cannot be empty", ErrValidation)
	}
	if strings.TrimSpace(t.TaskType) == "" {
		return fmt.Errorf("%w: task type cannot be empty", ErrValidation)
	}
	if !t.Status.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidStatus, t.Status)
	}
	if !t.Priority.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidPriority, t.Priority)
	}
	if t.Progress < 0 || t.Progress > 100 {
		return fmt.Errorf("%w: progress must be between 0 and 100", ErrValidation)
	}
	return nil
}

// StatusUpdate describes a change to a task's status. Nil fields are left
// unchanged.
type StatusUpdate struct {
	Status       TaskStatus
	Progress     *int
	ErrorMessage *string
}

// Apply mutates t according to u, stamping started/completed times.
// The transition must already have been checked by the caller.
func (u StatusUpdate) Apply(t *TaskRecord, now time.Time) {
	if u.Status == TaskStatusRunning && t.StartedAt == nil {
		started := now
		t.StartedAt = &started
	}
	if u.Status.IsTerminal() && t.CompletedAt == nil {
		completed := now
		t.CompletedAt = &completed
	}
	t.Status = u.Status
	if u.Progress != nil {
		t.Progress = ClampProgress(*u.Progress)
	}
	if u.ErrorMessage != nil {
		t.ErrorMessage = *u.ErrorMessage
	}
	t.UpdatedAt = now
}

// ClampProgress bounds a progress percentage to 0..100.
func ClampProgress(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}

// IntPtr returns a pointer to v.
func IntPtr(v int) *int {
	return &v
}

// StringPtr returns a pointer to v.
func StringPtr(v string) *string {
	return &v
}

// NextUpdateTime returns now, or the smallest instant after prev when the
// clock has not advanced past it, keeping updated_at strictly increasing.
func NextUpdateTime(prev, now time.Time) time.Time {
	if now.After(prev) {
		return now
	}
	return prev.Add(time.Microsecond)
}
