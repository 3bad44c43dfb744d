package api

import (
	"encoding/json"
	"time"

	"github.com/phrazzld/scry-queue/internal/batch"
	"github.com/phrazzld/scry-queue/internal/domain"
	"github.com/phrazzld/scry-queue/internal/queue"
	"github.com/phrazzld/scry-queue/internal/results"
)

// CreateBatchJobRequest is the body of POST /api/batch-jobs.
type CreateBatchJobRequest struct {
	Name               string             `json:"name" validate:"max=255"`
	TaskType           string             `json:"task_type" validate:"required,max=100"`
	BatchConfig        domain.BatchConfig `json:"batch_config"`
	MaxConcurrentTasks int                `json:"max_concurrent_tasks" validate:"gte=0,lte=100"`
	ScheduleType       string             `json:"schedule_type" validate:"omitempty,oneof=immediate scheduled recurring"`
	ScheduledAt        *time.Time         `json:"scheduled_at,omitempty"`
	CronExpression     string             `json:"cron_expression,omitempty" validate:"required_if=ScheduleType recurring,max=100"`
}

// BatchJobAcceptedResponse acknowledges a created or resumed batch job.
type BatchJobAcceptedResponse struct {
	JobID       string     `json:"job_id"`
	TotalTasks  int        `json:"total_tasks"`
	Status      string     `json:"status"`
	ScheduledAt *time.Time `json:"scheduled_at,omitempty"`
}

// BatchJobResponse is a batch job without task statistics, used in listings.
// failed_tasks includes cancelled tasks.
type BatchJobResponse struct {
	JobID              string     `json:"job_id"`
	Name               string     `json:"name"`
	TaskType           string     `json:"task_type"`
	Status             string     `json:"status"`
	TotalTasks         int        `json:"total_tasks"`
	CompletedTasks     int        `json:"completed_tasks"`
	FailedTasks        int        `json:"failed_tasks"`
	MaxConcurrentTasks int        `json:"max_concurrent_tasks"`
	ScheduleType       string     `json:"schedule_type"`
	ScheduledAt        *time.Time `json:"scheduled_at,omitempty"`
	CronExpression     string     `json:"cron_expression,omitempty"`
	ParentJobID        string     `json:"parent_job_id,omitempty"`
	ErrorMessage       string     `json:"error_message,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
	StartedAt          *time.Time `json:"started_at,omitempty"`
	CompletedAt        *time.Time `json:"completed_at,omitempty"`
}

// BatchJobStatusResponse is a batch job with statistics aggregated from its
// tasks. task_statistics reports failed and cancelled tasks separately.
type BatchJobStatusResponse struct {
	BatchJobResponse
	TaskStatistics domain.TaskStatistics `json:"task_statistics"`
}

// BatchJobListResponse is a page of batch jobs.
type BatchJobListResponse struct {
	Jobs   []BatchJobResponse `json:"jobs"`
	Limit  int                `json:"limit"`
	Offset int                `json:"offset"`
}

// CancelResponse reports a successful cancellation.
type CancelResponse struct {
	JobID  string `json:"job_id,omitempty"`
	TaskID string `json:"task_id,omitempty"`
	Status string `json:"status"`
}

// BatchResultsResponse is the combined result list of a completed job.
type BatchResultsResponse struct {
	JobID   string        `json:"job_id"`
	Count   int           `json:"count"`
	Results []results.Row `json:"results"`
}

// EnqueueTaskRequest is the body of POST /api/tasks.
type EnqueueTaskRequest struct {
	TaskType     string          `json:"task_type" validate:"required,max=100"`
	Payload      json.RawMessage `json:"payload" validate:"required"`
	Priority     string          `json:"priority,omitempty" validate:"omitempty,oneof=high normal low"`
	MaxRetries   *int            `json:"max_retries,omitempty" validate:"omitempty,gte=0,lte=20"`
	DelaySeconds int             `json:"delay_seconds,omitempty" validate:"gte=0,lte=604800"`
}

// TaskAcceptedResponse acknowledges an enqueued task.
type TaskAcceptedResponse struct {
	TaskID string `json:"task_id"`
	Status string `json:"status"`
}

// TaskResponse is a task record together with the queue's retry view.
type TaskResponse struct {
	TaskID         string     `json:"task_id"`
	TaskType       string     `json:"task_type"`
	Status         string     `json:"status"`
	Priority       string     `json:"priority"`
	Progress       int        `json:"progress"`
	TotalItems     int        `json:"total_items"`
	ProcessedItems int        `json:"processed_items"`
	FailedItems    int        `json:"failed_items"`
	RetryCount     int        `json:"retry_count"`
	MaxRetries     int        `json:"max_retries"`
	ErrorMessage   string     `json:"error_message,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
}

func batchJobToResponse(job *domain.BatchJob) BatchJobResponse {
	resp := BatchJobResponse{
		JobID:              job.ID.String(),
		Name:               job.Name,
		TaskType:           job.TaskType,
		Status:             string(job.Status),
		TotalTasks:         job.TotalTasks,
		CompletedTasks:     job.CompletedTasks,
		FailedTasks:        job.FailedTasks,
		MaxConcurrentTasks: job.MaxConcurrentTasks,
		ScheduleType:       string(job.ScheduleType),
		ScheduledAt:        job.ScheduledAt,
		CronExpression:     job.CronExpression,
		ErrorMessage:       job.ErrorMessage,
		CreatedAt:          job.CreatedAt,
		StartedAt:          job.StartedAt,
		CompletedAt:        job.CompletedAt,
	}
	if job.ParentJobID != nil {
		resp.ParentJobID = job.ParentJobID.String()
	}
	return resp
}

func jobStatusToResponse(st *batch.JobStatus) BatchJobStatusResponse {
	return BatchJobStatusResponse{
		BatchJobResponse: batchJobToResponse(st.Job),
		TaskStatistics:   st.Statistics,
	}
}

// taskToResponse merges the durable record with the queue's status record,
// which may be nil once the queue has expired it.
func taskToResponse(rec *domain.TaskRecord, status *queue.StatusRecord) TaskResponse {
	resp := TaskResponse{
		TaskID:         rec.ID.String(),
		TaskType:       rec.TaskType,
		Status:         string(rec.Status),
		Priority:       string(rec.Priority),
		Progress:       rec.Progress,
		TotalItems:     rec.TotalItems,
		ProcessedItems: rec.ProcessedItems,
		FailedItems:    rec.FailedItems,
		ErrorMessage:   rec.ErrorMessage,
		CreatedAt:      rec.CreatedAt,
		StartedAt:      rec.StartedAt,
		CompletedAt:    rec.CompletedAt,
	}
	if status != nil {
		resp.RetryCount = status.RetryCount
		resp.MaxRetries = status.MaxRetries
	}
	return resp
}
