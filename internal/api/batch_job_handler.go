package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/phrazzld/scry-queue/internal/api/shared"
	"github.com/phrazzld/scry-queue/internal/batch"
	"github.com/phrazzld/scry-queue/internal/domain"
	"github.com/phrazzld/scry-queue/internal/platform/logger"
	"github.com/phrazzld/scry-queue/internal/redact"
	"github.com/phrazzld/scry-queue/internal/results"
	"github.com/phrazzld/scry-queue/internal/store"
)

// BatchJobService is the part of the batch orchestrator the API uses.
type BatchJobService interface {
	CreateBatchJob(ctx context.Context, req batch.CreateBatchJobRequest) (*domain.BatchJob, error)
	ListBatchJobs(ctx context.Context, filter store.JobFilter) ([]*domain.BatchJob, error)
	GetBatchJob(ctx context.Context, jobID uuid.UUID) (*domain.BatchJob, error)
	GetBatchJobStatus(ctx context.Context, jobID uuid.UUID) (*batch.JobStatus, error)
	CancelBatchJob(ctx context.Context, jobID uuid.UUID) (bool, error)
	ResumeBatchJob(ctx context.Context, jobID uuid.UUID) (*domain.BatchJob, error)
}

// ResultService reads and renders the results of completed batch jobs.
type ResultService interface {
	Collect(ctx context.Context, jobID uuid.UUID) ([]results.Row, error)
	Export(ctx context.Context, jobID uuid.UUID, format results.Format) (*results.Export, error)
}

var (
	_ BatchJobService = (*batch.Orchestrator)(nil)
	_ ResultService   = (*results.Aggregator)(nil)
)

// BatchJobHandler serves /api/batch-jobs.
type BatchJobHandler struct {
	jobs    BatchJobService
	results ResultService
	logger  *slog.Logger
}

// NewBatchJobHandler creates a new BatchJobHandler.
func NewBatchJobHandler(jobs BatchJobService, res ResultService, log *slog.Logger) *BatchJobHandler {
	if jobs == nil {
		panic("batch job service cannot be nil")
	}
	if res == nil {
		panic("result service cannot be nil")
	}
	if log == nil {
		log = slog.Default()
	}
	return &BatchJobHandler{
		jobs:    jobs,
		results: res,
		logger:  log.With(slog.String("component", "batch_job_handler")),
	}
}

// CreateBatchJob handles POST /api/batch-jobs. The job is accepted before
// any of its tasks run.
func (h *BatchJobHandler) CreateBatchJob(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContextOrDefault(r.Context(), h.logger)

	ownerID, ok := shared.OwnerIDFromContext(r.Context())
	if !ok {
		HandleAPIError(w, r, domain.ErrUnauthorized, "")
		return
	}

	var req CreateBatchJobRequest
	if err := shared.DecodeJSON(w, r, &req); err != nil {
		log.Debug("invalid batch job request body", slog.String("error", redact.Error(err)))
		shared.RespondWithError(w, r, http.StatusBadRequest, "Invalid request format")
		return
	}
	if err := shared.ValidateRequest(&req); err != nil {
		shared.RespondWithErrorAndLog(w, r, http.StatusBadRequest, SanitizeValidationError(err), err)
		return
	}

	job, err := h.jobs.CreateBatchJob(r.Context(), batch.CreateBatchJobRequest{
		OwnerID:            ownerID,
		Name:               req.Name,
		TaskType:           req.TaskType,
		Tasks:              req.BatchConfig.Tasks,
		MaxConcurrentTasks: req.MaxConcurrentTasks,
		ScheduleType:       domain.ScheduleType(req.ScheduleType),
		ScheduledAt:        req.ScheduledAt,
		CronExpression:     req.CronExpression,
	})
	if err != nil {
		message := ""
		if errors.Is(err, domain.ErrValidation) || errors.Is(err, domain.ErrInvalidFormat) {
			// validation messages name fields and limits, never internals
			message = "Validation error: " + redact.Error(err)
		}
		HandleAPIError(w, r, err, message)
		return
	}

	log.Info("batch job accepted",
		slog.String("job_id", job.ID.String()),
		slog.Int("total_tasks", job.TotalTasks))
	shared.RespondWithJSON(w, r, http.StatusAccepted, BatchJobAcceptedResponse{
		JobID:       job.ID.String(),
		TotalTasks:  job.TotalTasks,
		Status:      string(job.Status),
		ScheduledAt: job.ScheduledAt,
	})
}

// ListBatchJobs handles GET /api/batch-jobs?status=&limit=&offset=.
func (h *BatchJobHandler) ListBatchJobs(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := shared.OwnerIDFromContext(r.Context())
	if !ok {
		HandleAPIError(w, r, domain.ErrUnauthorized, "")
		return
	}

	page, err := parsePage(r)
	if err != nil {
		HandleAPIError(w, r, err, "")
		return
	}
	filter := store.JobFilter{OwnerID: &ownerID, Page: page}
	if s := r.URL.Query().Get("status"); s != "" {
		status := domain.JobStatus(s)
		if !status.Valid() {
			HandleAPIError(w, r, fmt.Errorf("%w: %q", domain.ErrInvalidStatus, s), "Invalid status filter")
			return
		}
		filter.Status = &status
	}

	jobs, err := h.jobs.ListBatchJobs(r.Context(), filter)
	if err != nil {
		HandleAPIError(w, r, err, "Failed to list batch jobs")
		return
	}

	resp := BatchJobListResponse{
		Jobs:   make([]BatchJobResponse, 0, len(jobs)),
		Limit:  page.Limit,
		Offset: page.Offset,
	}
	for _, job := range jobs {
		resp.Jobs = append(resp.Jobs, batchJobToResponse(job))
	}
	shared.RespondWithJSON(w, r, http.StatusOK, resp)
}

// GetBatchJob handles GET /api/batch-jobs/{id}. Task statistics are
// aggregated from the task records on every call.
func (h *BatchJobHandler) GetBatchJob(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContextOrDefault(r.Context(), h.logger)
	ownerID, jobID, ok := handleOwnerAndPathUUID(w, r, "id", log)
	if !ok {
		return
	}

	st, err := h.jobs.GetBatchJobStatus(r.Context(), jobID)
	if err != nil {
		HandleAPIError(w, r, err, "")
		return
	}
	if err := batch.CheckOwner(st.Job, ownerID); err != nil {
		HandleAPIError(w, r, err, "")
		return
	}
	shared.RespondWithJSON(w, r, http.StatusOK, jobStatusToResponse(st))
}

// CancelBatchJob handles POST /api/batch-jobs/{id}/cancel. A job that has
// already finished yields 409.
func (h *BatchJobHandler) CancelBatchJob(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContextOrDefault(r.Context(), h.logger)
	jobID, ok := h.ownedJob(w, r, log)
	if !ok {
		return
	}

	cancelled, err := h.jobs.CancelBatchJob(r.Context(), jobID)
	if err != nil {
		HandleAPIError(w, r, err, "Failed to cancel batch job")
		return
	}
	if !cancelled {
		HandleAPIError(w, r, fmt.Errorf("batch job %s: %w", jobID, errAlreadyFinished), "Batch job has already finished")
		return
	}

	log.Info("batch job cancelled by owner", slog.String("job_id", jobID.String()))
	shared.RespondWithJSON(w, r, http.StatusOK, CancelResponse{
		JobID:  jobID.String(),
		Status: string(domain.JobStatusCancelled),
	})
}

// ResumeBatchJob handles POST /api/batch-jobs/{id}/resume.
func (h *BatchJobHandler) ResumeBatchJob(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContextOrDefault(r.Context(), h.logger)
	jobID, ok := h.ownedJob(w, r, log)
	if !ok {
		return
	}

	job, err := h.jobs.ResumeBatchJob(r.Context(), jobID)
	if err != nil {
		HandleAPIError(w, r, err, "")
		return
	}
	shared.RespondWithJSON(w, r, http.StatusAccepted, BatchJobAcceptedResponse{
		JobID:      job.ID.String(),
		TotalTasks: job.TotalTasks,
		Status:     string(job.Status),
	})
}

// GetResults handles GET /api/batch-jobs/{id}/results.
func (h *BatchJobHandler) GetResults(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContextOrDefault(r.Context(), h.logger)
	jobID, ok := h.ownedJob(w, r, log)
	if !ok {
		return
	}

	rows, err := h.results.Collect(r.Context(), jobID)
	if err != nil {
		HandleAPIError(w, r, err, "")
		return
	}
	if rows == nil {
		rows = []results.Row{}
	}
	shared.RespondWithJSON(w, r, http.StatusOK, BatchResultsResponse{
		JobID:   jobID.String(),
		Count:   len(rows),
		Results: rows,
	})
}

// DownloadResults handles GET /api/batch-jobs/{id}/results/download?format=.
// The format defaults to json.
func (h *BatchJobHandler) DownloadResults(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContextOrDefault(r.Context(), h.logger)

	formatParam := r.URL.Query().Get("format")
	if formatParam == "" {
		formatParam = string(results.FormatJSON)
	}
	format, err := results.ParseFormat(formatParam)
	if err != nil {
		HandleAPIError(w, r, err, "")
		return
	}

	jobID, ok := h.ownedJob(w, r, log)
	if !ok {
		return
	}

	export, err := h.results.Export(r.Context(), jobID, format)
	if err != nil {
		HandleAPIError(w, r, err, "")
		return
	}

	log.Debug("serving results export",
		slog.String("job_id", jobID.String()),
		slog.String("format", string(format)),
		slog.Int("rows", export.Rows))
	w.Header().Set("Content-Type", export.ContentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", export.Filename))
	w.Header().Set("Content-Length", strconv.Itoa(len(export.Data)))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(export.Data); err != nil {
		log.Warn("failed to write results export", slog.String("error", err.Error()))
	}
}

// ownedJob resolves the {id} path parameter to a job owned by the caller.
func (h *BatchJobHandler) ownedJob(w http.ResponseWriter, r *http.Request, log *slog.Logger) (uuid.UUID, bool) {
	ownerID, jobID, ok := handleOwnerAndPathUUID(w, r, "id", log)
	if !ok {
		return uuid.Nil, false
	}
	job, err := h.jobs.GetBatchJob(r.Context(), jobID)
	if err != nil {
		HandleAPIError(w, r, err, "")
		return uuid.Nil, false
	}
	if err := batch.CheckOwner(job, ownerID); err != nil {
		log.Warn("batch job accessed by another owner", slog.String("job_id", jobID.String()))
		HandleAPIError(w, r, err, "")
		return uuid.Nil, false
	}
	return jobID, true
}
