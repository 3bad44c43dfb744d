package store

import (
	"errors"
	"fmt"
)

// Common store errors used across all store implementations.
var (
	// ErrNotFound is returned when a requested entity does not exist in the store.
	// Entity-specific variants wrap it.
	ErrNotFound = errors.New("entity not found")

	// ErrDuplicate is returned when an operation would create a duplicate
	// of a unique entity (e.g., a second result for the same task).
	ErrDuplicate = errors.New("entity already exists")

	// ErrInvalidEntity is returned when an entity fails validation before
	// being stored. Check the wrapped error for specific validation details.
	ErrInvalidEntity = errors.New("invalid entity")

	// ErrTransactionFailed is returned when a database transaction fails
	// to commit or when an operation within a transaction fails.
	ErrTransactionFailed = errors.New("transaction failed")

	// ErrTaskNotFound indicates that the requested task record does not exist.
	ErrTaskNotFound = fmt.Errorf("%w: task", ErrNotFound)

	// ErrBatchJobNotFound indicates that the requested batch job does not exist.
	ErrBatchJobNotFound = fmt.Errorf("%w: batch job", ErrNotFound)

	// ErrExecutionNotFound indicates that the requested execution does not exist.
	ErrExecutionNotFound = fmt.Errorf("%w: task execution", ErrNotFound)

	// ErrResultNotFound indicates that the task has no stored result.
	ErrResultNotFound = fmt.Errorf("%w: task result", ErrNotFound)

	// ErrResultExists indicates that a result was already stored for the task.
	// Results are written once.
	ErrResultExists = fmt.Errorf("%w: task result", ErrDuplicate)
)

// IsNotFoundError checks if the error is any kind of "not found" error.
func IsNotFoundError(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsDuplicateError checks if the error is any kind of "duplicate" error.
func IsDuplicateError(err error) bool {
	return errors.Is(err, ErrDuplicate)
}
