package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/phrazzld/scry-queue/internal/api/shared"
	"github.com/phrazzld/scry-queue/internal/batch"
	"github.com/phrazzld/scry-queue/internal/domain"
	"github.com/phrazzld/scry-queue/internal/queue"
	"github.com/phrazzld/scry-queue/internal/results"
	"github.com/phrazzld/scry-queue/internal/service/auth"
	"github.com/phrazzld/scry-queue/internal/store"
)

// errAlreadyFinished is reported when a cancel request targets a job or
// task that has already finished.
var errAlreadyFinished = errors.New("already finished")

// errTaskNotOwned is reported when a task is accessed by another owner.
var errTaskNotOwned = errors.New("task is owned by another user")

// MapErrorToStatusCode maps internal errors to HTTP status codes without
// exposing the error itself.
func MapErrorToStatusCode(err error) int {
	switch {
	case errors.Is(err, auth.ErrInvalidToken),
		errors.Is(err, auth.ErrExpiredToken),
		errors.Is(err, auth.ErrTokenNotYetValid),
		errors.Is(err, auth.ErrWrongTokenType),
		errors.Is(err, auth.ErrMissingToken),
		errors.Is(err, domain.ErrUnauthorized):
		return http.StatusUnauthorized

	case errors.Is(err, batch.ErrNotOwned),
		errors.Is(err, errTaskNotOwned):
		return http.StatusForbidden

	case store.IsNotFoundError(err),
		errors.Is(err, queue.ErrStatusNotFound):
		return http.StatusNotFound

	case errors.Is(err, batch.ErrCannotResume),
		errors.Is(err, results.ErrJobNotCompleted),
		errors.Is(err, errAlreadyFinished),
		errors.Is(err, queue.ErrDuplicateTask),
		errors.Is(err, store.ErrDuplicate):
		return http.StatusConflict

	case errors.Is(err, domain.ErrValidation),
		errors.Is(err, domain.ErrInvalidFormat),
		errors.Is(err, domain.ErrInvalidID),
		errors.Is(err, domain.ErrInvalidStatus),
		errors.Is(err, domain.ErrInvalidPriority),
		errors.Is(err, domain.ErrUnknownPayload),
		errors.Is(err, results.ErrUnsupportedFormat),
		errors.Is(err, store.ErrInvalidEntity):
		return http.StatusBadRequest

	case errors.Is(err, queue.ErrStoreUnavailable):
		return http.StatusServiceUnavailable

	default:
		return http.StatusInternalServerError
	}
}

// GetSafeErrorMessage returns a client-facing message for err that carries
// no internal detail.
func GetSafeErrorMessage(err error) string {
	if err == nil {
		return "An unexpected error occurred"
	}

	switch {
	case errors.Is(err, auth.ErrExpiredToken):
		return "Token expired"
	case errors.Is(err, auth.ErrInvalidToken),
		errors.Is(err, auth.ErrTokenNotYetValid),
		errors.Is(err, auth.ErrWrongTokenType),
		errors.Is(err, auth.ErrMissingToken):
		return "Invalid token"
	case errors.Is(err, domain.ErrUnauthorized):
		return "Owner ID not found or invalid"

	case errors.Is(err, batch.ErrNotOwned):
		return "You do not own this batch job"
	case errors.Is(err, errTaskNotOwned):
		return "You do not own this task"

	case errors.Is(err, store.ErrBatchJobNotFound):
		return "Batch job not found"
	case errors.Is(err, store.ErrTaskNotFound),
		errors.Is(err, queue.ErrStatusNotFound):
		return "Task not found"
	case store.IsNotFoundError(err):
		return "Resource not found"

	case errors.Is(err, batch.ErrCannotResume):
		return "Batch job cannot be resumed in its current state"
	case errors.Is(err, results.ErrJobNotCompleted):
		return "Batch job is not completed"
	case errors.Is(err, errAlreadyFinished):
		return "Already finished"
	case errors.Is(err, queue.ErrDuplicateTask),
		errors.Is(err, store.ErrDuplicate):
		return "Resource already exists"

	case errors.Is(err, results.ErrUnsupportedFormat):
		return "Unsupported export format, use json or csv"
	case errors.Is(err, domain.ErrInvalidID):
		return "Invalid ID format"
	case errors.Is(err, domain.ErrInvalidPriority):
		return "Invalid priority, use high, normal or low"
	case errors.Is(err, domain.ErrUnknownPayload):
		return "Unknown task type"
	case errors.Is(err, domain.ErrInvalidFormat):
		return "Invalid payload format"
	case errors.Is(err, domain.ErrValidation),
		errors.Is(err, domain.ErrInvalidStatus),
		errors.Is(err, store.ErrInvalidEntity):
		return "Validation error"

	case errors.Is(err, queue.ErrStoreUnavailable):
		return "Queue temporarily unavailable"

	default:
		return "An unexpected error occurred"
	}
}

// HandleAPIError writes the status and safe message for err. A non-empty
// message overrides the safe message.
func HandleAPIError(w http.ResponseWriter, r *http.Request, err error, message string) {
	status := MapErrorToStatusCode(err)
	if message == "" {
		message = GetSafeErrorMessage(err)
	}
	shared.RespondWithErrorAndLog(w, r, status, message, err)
}

// SanitizeValidationError turns validator errors into a short message that
// names the first failing field. Other errors yield a generic message.
func SanitizeValidationError(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return "Validation error"
	}
	fe := verrs[0]
	field := jsonFieldName(fe.Namespace())
	if msg := getValidationTagMessage(fe.Tag()); msg != "" {
		return fmt.Sprintf("Invalid %s: %s", field, msg)
	}
	return fmt.Sprintf("Invalid %s", field)
}

// jsonFieldName converts a validator namespace such as
// "CreateBatchJobRequest.Tasks[2].Payload" to "tasks[2].payload".
func jsonFieldName(namespace string) string {
	parts := strings.Split(namespace, ".")
	if len(parts) > 1 {
		parts = parts[1:]
	}
	for i, p := range parts {
		parts[i] = toSnake(p)
	}
	return strings.Join(parts, ".")
}

func toSnake(s string) string {
	var b strings.Builder
	for i, r := range s {
		if r >= 'A' && r <= 'Z' {
			if i > 0 && s[i-1] != '[' {
				b.WriteByte('_')
			}
			r += 'a' - 'A'
		}
		b.WriteRune(r)
	}
	return b.String()
}

func getValidationTagMessage(tag string) string {
	switch tag {
	case "required":
		return "required field"
	case "min", "gte", "gt":
		return "too small"
	case "max", "lte", "lt":
		return "too large"
	case "oneof":
		return "invalid value"
	case "uuid", "uuid4":
		return "invalid UUID"
	default:
		return ""
	}
}
