package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/scry-queue/internal/api/shared"
	"github.com/phrazzld/scry-queue/internal/domain"
	"github.com/phrazzld/scry-queue/internal/platform/logger"
	"github.com/phrazzld/scry-queue/internal/queue"
	"github.com/phrazzld/scry-queue/internal/redact"
)

// TaskQueue is the part of the queue manager the API uses.
type TaskQueue interface {
	Enqueue(ctx context.Context, taskType string, payload json.RawMessage, opts ...queue.EnqueueOption) (uuid.UUID, error)
	Cancel(ctx context.Context, taskID uuid.UUID) (bool, error)
	Status(ctx context.Context, taskID uuid.UUID) (*queue.StatusRecord, error)
}

// TaskReader reads durable task records.
type TaskReader interface {
	GetByID(ctx context.Context, id uuid.UUID) (*domain.TaskRecord, error)
}

var _ TaskQueue = (*queue.Manager)(nil)

// TaskHandler serves /api/tasks, the single-task surface over the queue.
type TaskHandler struct {
	queue   TaskQueue
	records TaskReader
	logger  *slog.Logger
}

// NewTaskHandler creates a new TaskHandler.
func NewTaskHandler(q TaskQueue, records TaskReader, log *slog.Logger) *TaskHandler {
	if q == nil {
		panic("task queue cannot be nil")
	}
	if records == nil {
		panic("task reader cannot be nil")
	}
	if log == nil {
		log = slog.Default()
	}
	return &TaskHandler{
		queue:   q,
		records: records,
		logger:  log.With(slog.String("component", "task_handler")),
	}
}

// EnqueueTask handles POST /api/tasks.
func (h *TaskHandler) EnqueueTask(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContextOrDefault(r.Context(), h.logger)

	ownerID, ok := shared.OwnerIDFromContext(r.Context())
	if !ok {
		HandleAPIError(w, r, domain.ErrUnauthorized, "")
		return
	}

	var req EnqueueTaskRequest
	if err := shared.DecodeJSON(w, r, &req); err != nil {
		log.Debug("invalid task request body", slog.String("error", redact.Error(err)))
		shared.RespondWithError(w, r, http.StatusBadRequest, "Invalid request format")
		return
	}
	if err := shared.ValidateRequest(&req); err != nil {
		shared.RespondWithErrorAndLog(w, r, http.StatusBadRequest, SanitizeValidationError(err), err)
		return
	}
	if err := checkPayload(req.TaskType, req.Payload); err != nil {
		HandleAPIError(w, r, err, "Validation error: "+redact.Error(err))
		return
	}

	opts := []queue.EnqueueOption{
		queue.WithOwner(ownerID),
		queue.WithDelay(time.Duration(req.DelaySeconds) * time.Second),
	}
	if req.Priority != "" {
		opts = append(opts, queue.WithPriority(domain.Priority(req.Priority)))
	}
	if req.MaxRetries != nil {
		opts = append(opts, queue.WithMaxRetries(*req.MaxRetries))
	}

	taskID, err := h.queue.Enqueue(r.Context(), req.TaskType, req.Payload, opts...)
	if err != nil {
		HandleAPIError(w, r, err, "")
		return
	}

	log.Info("task accepted",
		slog.String("task_id", taskID.String()),
		slog.String("task_type", req.TaskType))
	shared.RespondWithJSON(w, r, http.StatusAccepted, TaskAcceptedResponse{
		TaskID: taskID.String(),
		Status: string(domain.TaskStatusPending),
	})
}

// GetTask handles GET /api/tasks/{id}.
func (h *TaskHandler) GetTask(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContextOrDefault(r.Context(), h.logger)
	rec, ok := h.ownedTask(w, r, log)
	if !ok {
		return
	}

	status, err := h.queue.Status(r.Context(), rec.ID)
	if err != nil && !errors.Is(err, queue.ErrStatusNotFound) {
		// the durable record is still worth returning
		log.Warn("failed to read queue status", slog.String("task_id", rec.ID.String()), slog.String("error", redact.Error(err)))
	}
	shared.RespondWithJSON(w, r, http.StatusOK, taskToResponse(rec, status))
}

// CancelTask handles POST /api/tasks/{id}/cancel.
func (h *TaskHandler) CancelTask(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContextOrDefault(r.Context(), h.logger)
	rec, ok := h.ownedTask(w, r, log)
	if !ok {
		return
	}

	cancelled, err := h.queue.Cancel(r.Context(), rec.ID)
	if err != nil {
		HandleAPIError(w, r, err, "Failed to cancel task")
		return
	}
	if !cancelled {
		HandleAPIError(w, r, fmt.Errorf("task %s: %w", rec.ID, errAlreadyFinished), "Task has already finished")
		return
	}
	shared.RespondWithJSON(w, r, http.StatusOK, CancelResponse{
		TaskID: rec.ID.String(),
		Status: string(domain.TaskStatusCancelled),
	})
}

func (h *TaskHandler) ownedTask(w http.ResponseWriter, r *http.Request, log *slog.Logger) (*domain.TaskRecord, bool) {
	ownerID, taskID, ok := handleOwnerAndPathUUID(w, r, "id", log)
	if !ok {
		return nil, false
	}
	rec, err := h.records.GetByID(r.Context(), taskID)
	if err != nil {
		HandleAPIError(w, r, err, "")
		return nil, false
	}
	if rec.OwnerID != ownerID {
		log.Warn("task accessed by another owner", slog.String("task_id", taskID.String()))
		HandleAPIError(w, r, errTaskNotOwned, "")
		return nil, false
	}
	return rec, true
}

// checkPayload decodes payloads of task types with a typed variant and
// requires other payloads to be JSON.
func checkPayload(taskType string, raw json.RawMessage) error {
	if domain.KnownTaskType(taskType) {
		_, err := domain.DecodePayload(taskType, raw)
		return err
	}
	if !json.Valid(raw) {
		return fmt.Errorf("%w: payload is not valid JSON", domain.ErrValidation)
	}
	return nil
}
