package batch

import (
	"errors"
	"fmt"
)

var (
	// ErrCannotResume is returned when a job's expansion cannot be resumed
	// because the job is scheduled or already finished.
	ErrCannotResume = errors.New("batch job cannot be resumed")

	// ErrNotOwned is returned when a job is accessed by a user other than
	// its owner.
	ErrNotOwned = errors.New("batch job is owned by another user")

	// errNoChange aborts a job update that would not change anything.
	errNoChange = errors.New("job unchanged")

	// errJobCancelled interrupts the expansion of a cancelled job.
	errJobCancelled = errors.New("batch job cancelled")
)

// ServiceError wraps unexpected errors from the orchestrator with the
// operation that failed. Expected conditions are returned as sentinel errors
// instead.
type ServiceError struct {
	// Operation is the operation that failed (e.g., "create_batch_job")
	Operation string
	// Message is a human-readable description of the error
	Message string
	// Err is the underlying error that caused the failure
	Err error
}

// Error implements the error interface for ServiceError.
func (e *ServiceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s operation failed: %s: %v", e.Operation, e.Message, e.Err)
	}
	return fmt.Sprintf("%s operation failed: %s", e.Operation, e.Message)
}

// Unwrap returns the wrapped error to support errors.Is/errors.As.
func (e *ServiceError) Unwrap() error {
	return e.Err
}

func newServiceError(operation, message string, err error) *ServiceError {
	return &ServiceError{Operation: operation, Message: message, Err: err}
}
