package domain

import "errors"

// Common domain errors used across the application.
var (
	// ErrValidation is returned when a domain entity fails validation.
	// This is often wrapped with a more specific error message.
	ErrValidation = errors.New("validation failed")

	// ErrInvalidFormat is returned when data is not in the expected format.
	ErrInvalidFormat = errors.New("invalid format")

	// ErrInvalidID is returned when an ID is malformed or invalid.
	ErrInvalidID = errors.New("invalid ID")

	// ErrInvalidStatus is returned when a status value is not recognized.
	ErrInvalidStatus = errors.New("invalid status")

	// ErrInvalidPriority is returned when a priority value is not recognized.
	ErrInvalidPriority = errors.New("invalid priority")

	// ErrInvalidTransition is returned when a status change is not allowed
	// by the task or job state machine.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrUnknownPayload is returned when a payload kind has no registered variant.
	ErrUnknownPayload = errors.New("unknown payload kind")

	// ErrTaskCancelled is the cancellation cause attached to a task's context
	// when the task is cancelled while a handler is running.
	ErrTaskCancelled = errors.New("task cancelled")

	// ErrUnauthorized is returned when an operation is not permitted.
	ErrUnauthorized = errors.New("unauthorized operation")
)
