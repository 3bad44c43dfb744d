package domain

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ResultType describes how a task result is stored.
type ResultType string

// Result types
const (
	ResultTypeJSON ResultType = "json"
	ResultTypeText ResultType = "text"
	ResultTypeFile ResultType = "file"
)

// TaskResult is the immutable output of a completed task.
type TaskResult struct {
	TaskID     uuid.UUID       `json:"task_id"`
	ResultType ResultType      `json:"result_type"`
	Data       json.RawMessage `json:"result_data,omitempty"`
	FilePath   string          `json:"file_path,omitempty"`
	Metadata   json.RawMessage `json:"metadata,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}

// Validate checks the result for structural problems.
func (r *TaskResult) Validate() error {
	if r.TaskID == uuid.Nil {
		return fmt.Errorf("%w: result task ID cannot be empty", ErrValidation)
	}
	switch r.ResultType {
	case ResultTypeJSON, ResultTypeText:
		if len(r.Data) > 0 && !json.Valid(r.Data) {
			return fmt.Errorf("%w: result data is not valid JSON", ErrInvalidFormat)
		}
	case ResultTypeFile:
		if r.FilePath == "" {
			return fmt.Errorf("%w: file result requires a file path", ErrValidation)
		}
	default:
		return fmt.Errorf("%w: unknown result type %q", ErrValidation, r.ResultType)
	}
	if len(r.Metadata) > 0 && !json.Valid(r.Metadata) {
		return fmt.Errorf("%w: result metadata is not valid JSON", ErrInvalidFormat)
	}
	return nil
}
