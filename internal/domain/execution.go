package domain

import (
	"time"

	"github.com/google/uuid"
)

// TaskExecution records one attempt at running a task. Batch tasks carry the
// owning job and their position in it.
type TaskExecution struct {
	ID           uuid.UUID  `json:"execution_id"`
	TaskID       uuid.UUID  `json:"task_id"`
	JobID        *uuid.UUID `json:"job_id,omitempty"`
	BatchIndex   int        `json:"batch_index"`
	WorkerID     string     `json:"worker_id,omitempty"`
	Status       TaskStatus `json:"status"`
	RetryCount   int        `json:"retry_count"`
	ErrorMessage string     `json:"error_message,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
}

// NewTaskExecution creates a pending execution for a task.
func NewTaskExecution(taskID uuid.UUID, jobID *uuid.UUID, batchIndex int) *TaskExecution {
	return &TaskExecution{
		ID:         uuid.New(),
		TaskID:     taskID,
		JobID:      jobID,
		BatchIndex: batchIndex,
		Status:     TaskStatusPending,
		CreatedAt:  time.Now().UTC(),
	}
}

// Start marks the execution as claimed by a worker.
func (e *TaskExecution) Start(workerID string, retryCount int, now time.Time) {
	e.WorkerID = workerID
	e.RetryCount = retryCount
	e.Status = TaskStatusRunning
	started := now
	e.StartedAt = &started
}

// Finish records the outcome of the attempt.
func (e *TaskExecution) Finish(status TaskStatus, errMsg string, now time.Time) {
	e.Status = status
	e.ErrorMessage = errMsg
	completed := now
	e.CompletedAt = &completed
}
