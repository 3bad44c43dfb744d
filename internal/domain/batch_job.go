package domain

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// JobStatus represents the lifecycle state of a batch job
type JobStatus string

// Possible batch job status values
const (
	JobStatusPending   JobStatus = "pending"
	JobStatusScheduled JobStatus = "scheduled"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// Valid reports whether s is a known job status.
func (s JobStatus) Valid() bool {
	switch s {
	case JobStatusPending, JobStatusScheduled, JobStatusRunning,
		JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether the job can no longer change state.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusCancelled
}

// ScheduleType determines when a batch job is expanded into tasks.
type ScheduleType string

// Schedule types
const (
	ScheduleImmediate ScheduleType = "immediate"
	ScheduleScheduled ScheduleType = "scheduled"
	ScheduleRecurring ScheduleType = "recurring"
)

// Valid reports whether t is a known schedule type.
func (t ScheduleType) Valid() bool {
	return t == ScheduleImmediate || t == ScheduleScheduled || t == ScheduleRecurring
}

// Batch job defaults.
const (
	DefaultMaxConcurrentTasks = 5
	DefaultMaxRetries         = 3
)

// TaskSpec describes one task of a batch job.
type TaskSpec struct {
	Payload    json.RawMessage `json:"payload" validate:"required"`
	Priority   Priority        `json:"priority,omitempty" validate:"omitempty,oneof=high normal low"`
	MaxRetries *int            `json:"max_retries,omitempty" validate:"omitempty,gte=0,lte=20"`
}

// BatchConfig is the per-job list of task specifications, in creation order.
type BatchConfig struct {
	Tasks []TaskSpec `json:"tasks" validate:"required,min=1,dive"`
}

// BatchJob groups many tasks created from one request. FailedTasks counts
// cancelled tasks as well as failed ones, so a job completes once
// CompletedTasks+FailedTasks reaches TotalTasks.
type BatchJob struct {
	ID                 uuid.UUID    `json:"job_id"`
	OwnerID            uuid.UUID    `json:"owner_id"`
	Name               string       `json:"name"`
	TaskType           string       `json:"task_type"`
	Config             BatchConfig  `json:"batch_config"`
	TotalTasks         int          `json:"total_tasks"`
	CompletedTasks     int          `json:"completed_tasks"`
	FailedTasks        int          `json:"failed_tasks"`
	MaxConcurrentTasks int          `json:"max_concurrent_tasks"`
	ScheduleType       ScheduleType `json:"schedule_type"`
	ScheduledAt        *time.Time   `json:"scheduled_at,omitempty"`
	CronExpression     string       `json:"cron_expression,omitempty"`
	ParentJobID        *uuid.UUID   `json:"parent_job_id,omitempty"`
	Status             JobStatus    `json:"status"`
	ErrorMessage       string       `json:"error_message,omitempty"`
	CreatedAt          time.Time    `json:"created_at"`
	StartedAt          *time.Time   `json:"started_at,omitempty"`
	CompletedAt        *time.Time   `json:"completed_at,omitempty"`
	UpdatedAt          time.Time    `json:"updated_at"`
}

// Validate checks the job's structural invariants.
func (j *BatchJob) Validate() error {
	if j.ID == uuid.Nil {
		return fmt.Errorf("%w: job ID cannot be empty", ErrValidation)
	}
	if strings.TrimSpace(j.TaskType) == "" {
		return fmt.Errorf("%w: task type cannot be empty", ErrValidation)
	}
	if !j.Status.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidStatus, j.Status)
	}
	if !j.ScheduleType.Valid() {
		return fmt.Errorf("%w: unknown schedule type %q", ErrValidation, j.ScheduleType)
	}
	if j.MaxConcurrentTasks < 1 {
		return fmt.Errorf("%w: max_concurrent_tasks must be at least 1", ErrValidation)
	}
	if j.TotalTasks != len(j.Config.Tasks) {
		return fmt.Errorf("%w: total_tasks does not match batch config", ErrValidation)
	}
	if j.CompletedTasks+j.FailedTasks > j.TotalTasks {
		return fmt.Errorf("%w: completed and failed tasks exceed total", ErrValidation)
	}
	return nil
}

// MarkRunning moves a pending or scheduled job to RUNNING.
func (j *BatchJob) MarkRunning(now time.Time) error {
	if j.Status != JobStatusPending && j.Status != JobStatusScheduled {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, j.Status, JobStatusRunning)
	}
	j.Status = JobStatusRunning
	if j.StartedAt == nil {
		started := now
		j.StartedAt = &started
	}
	j.UpdatedAt = now
	return nil
}

// Reopen moves a FAILED job back to RUNNING so that its expansion can be
// resumed.
func (j *BatchJob) Reopen(now time.Time) error {
	if j.Status != JobStatusFailed {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, j.Status, JobStatusRunning)
	}
	j.Status = JobStatusRunning
	j.ErrorMessage = ""
	j.CompletedAt = nil
	j.UpdatedAt = now
	return nil
}

// Finish moves the job to a terminal status. Terminal jobs are left untouched.
func (j *BatchJob) Finish(status JobStatus, errMsg string, now time.Time) error {
	if !status.IsTerminal() {
		return fmt.Errorf("%w: %s is not terminal", ErrInvalidTransition, status)
	}
	if j.Status.IsTerminal() {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, j.Status, status)
	}
	j.Status = status
	if errMsg != "" {
		j.ErrorMessage = errMsg
	}
	completed := now
	j.CompletedAt = &completed
	j.UpdatedAt = now
	return nil
}

// SpecMaxRetries returns the retry budget for the task at index i.
func (j *BatchJob) SpecMaxRetries(i int) int {
	if spec := j.Config.Tasks[i]; spec.MaxRetries != nil {
		return *spec.MaxRetries
	}
	return DefaultMaxRetries
}

// SpecPriority returns the priority for the task at index i.
func (j *BatchJob) SpecPriority(i int) Priority {
	if p := j.Config.Tasks[i].Priority; p.Valid() {
		return p
	}
	return PriorityNormal
}

// TaskID derives the identifier of the task at index i of the job. The
// derivation is deterministic so that re-running an expansion addresses the
// same tasks.
func (j *BatchJob) TaskID(i int) uuid.UUID {
	return uuid.NewSHA1(j.ID, []byte(fmt.Sprintf("task:%d", i)))
}

// TaskStatistics counts a job's tasks by status. Failed and Cancelled are
// kept apart here; the job's failed_tasks counter is their sum.
type TaskStatistics struct {
	Pending   int `json:"pending"`
	Running   int `json:"running"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Cancelled int `json:"cancelled"`
}

// Add counts one task in status s.
func (s *TaskStatistics) Add(status TaskStatus) {
	switch status {
	case TaskStatusPending:
		s.Pending++
	case TaskStatusRunning:
		s.Running++
	case TaskStatusCompleted:
		s.Completed++
	case TaskStatusFailed:
		s.Failed++
	case TaskStatusCancelled:
		s.Cancelled++
	}
}

// Terminal returns the number of tasks that reached a terminal status.
func (s TaskStatistics) Terminal() int {
	return s.Completed + s.Failed + s.Cancelled
}

// Total returns the number of tasks counted.
func (s TaskStatistics) Total() int {
	return s.Pending + s.Running + s.Terminal()
}
