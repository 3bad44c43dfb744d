package batch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/phrazzld/scry-queue/internal/domain"
	"github.com/phrazzld/scry-queue/internal/metrics"
	"github.com/phrazzld/scry-queue/internal/platform/logger"
	"github.com/phrazzld/scry-queue/internal/queue"
	"github.com/phrazzld/scry-queue/internal/redact"
	"github.com/phrazzld/scry-queue/internal/store"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// Config holds orchestrator limits.
type Config struct {
	// DefaultMaxConcurrent is the submission fan-out of jobs that do not set
	// max_concurrent_tasks.
	DefaultMaxConcurrent int

	// MaxTasksPerJob bounds the size of a single batch request.
	MaxTasksPerJob int
}

// DefaultConfig returns a Config with reasonable defaults.
func DefaultConfig() Config {
	return Config{
		DefaultMaxConcurrent: domain.DefaultMaxConcurrentTasks,
		MaxTasksPerJob:       1000,
	}
}

// CreateBatchJobRequest describes a batch job to create.
type CreateBatchJobRequest struct {
	OwnerID  uuid.UUID
	Name     string            `validate:"max=255"`
	TaskType string            `validate:"required,max=100"`
	Tasks    []domain.TaskSpec `validate:"required,min=1,dive"`

	// MaxConcurrentTasks of zero uses the configured default.
	MaxConcurrentTasks int `validate:"gte=0,lte=100"`

	// ScheduleType defaults to immediate.
	ScheduleType domain.ScheduleType `validate:"omitempty,oneof=immediate scheduled recurring"`

	// ScheduledAt is required for scheduled jobs. For recurring jobs it is
	// the first run and defaults to the next cron fire time.
	ScheduledAt    *time.Time
	CronExpression string
}

// JobStatus is a job together with statistics aggregated from its tasks at
// read time.
type JobStatus struct {
	Job        *domain.BatchJob
	Statistics domain.TaskStatistics
}

// Orchestrator creates, expands, tracks and cancels batch jobs.
type Orchestrator struct {
	jobs       store.BatchJobStore
	tasks      store.TaskStore
	executions store.ExecutionStore
	tx         store.Transactor
	manager    *queue.Manager
	validate   *validator.Validate
	cfg        Config
	logger     *slog.Logger

	// ctx bounds background expansions, which outlive the request that
	// created the job.
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	expanding map[uuid.UUID]context.CancelCauseFunc
}

// NewOrchestrator creates an orchestrator. stores must provide Tasks, Jobs
// and Executions; tx runs the per-task record creation atomically.
func NewOrchestrator(
	stores store.Stores,
	tx store.Transactor,
	manager *queue.Manager,
	cfg Config,
	log *slog.Logger,
) *Orchestrator {
	if stores.Tasks == nil || stores.Jobs == nil || stores.Executions == nil {
		panic("task, job and execution stores cannot be nil")
	}
	if tx == nil {
		panic("transactor cannot be nil")
	}
	if manager == nil {
		panic("queue manager cannot be nil")
	}
	if log == nil {
		log = slog.Default()
	}
	def := DefaultConfig()
	if cfg.DefaultMaxConcurrent <= 0 {
		cfg.DefaultMaxConcurrent = def.DefaultMaxConcurrent
	}
	if cfg.MaxTasksPerJob <= 0 {
		cfg.MaxTasksPerJob = def.MaxTasksPerJob
	}

	log = log.With("component", "batch_orchestrator")
	ctx, cancel := context.WithCancel(logger.WithLogger(context.Background(), log))
	return &Orchestrator{
		jobs:       stores.Jobs,
		tasks:      stores.Tasks,
		executions: stores.Executions,
		tx:         tx,
		manager:    manager,
		validate:   validator.New(validator.WithRequiredStructEnabled()),
		cfg:        cfg,
		logger:     log,
		ctx:        ctx,
		cancel:     cancel,
		expanding:  make(map[uuid.UUID]context.CancelCauseFunc),
	}
}

// CreateBatchJob validates req and persists the job. Immediate jobs start
// expanding in the background before CreateBatchJob returns; scheduled and
// recurring jobs are left for the Scheduler.
func (o *Orchestrator) CreateBatchJob(ctx context.Context, req CreateBatchJobRequest) (*domain.BatchJob, error) {
	log := logger.FromContextOrDefault(ctx, o.logger)

	job, err := o.buildJob(req)
	if err != nil {
		log.Debug("rejected batch job request", "error", err)
		return nil, err
	}

	if err := o.jobs.Create(ctx, job); err != nil {
		log.Error("failed to create batch job", "error", err)
		return nil, newServiceError("create_batch_job", "failed to save batch job", err)
	}
	log.Info("batch job created",
		"job_id", job.ID,
		"task_type", job.TaskType,
		"total_tasks", job.TotalTasks,
		"schedule_type", job.ScheduleType)

	if job.ScheduleType == domain.ScheduleImmediate {
		o.launch(job.ID)
	}
	return job, nil
}

func (o *Orchestrator) buildJob(req CreateBatchJobRequest) (*domain.BatchJob, error) {
	if req.OwnerID == uuid.Nil {
		return nil, fmt.Errorf("%w: owner ID cannot be empty", domain.ErrValidation)
	}
	if err := o.validate.Struct(req); err != nil {
		return nil, fmt.Errorf("%w: %s", domain.ErrValidation, describeValidationError(err))
	}
	if len(req.Tasks) > o.cfg.MaxTasksPerJob {
		return nil, fmt.Errorf("%w: a batch job may contain at most %d tasks", domain.ErrValidation, o.cfg.MaxTasksPerJob)
	}
	for i, spec := range req.Tasks {
		if err := validatePayload(req.TaskType, spec.Payload); err != nil {
			return nil, fmt.Errorf("task %d: %w", i, err)
		}
	}

	now := o.manager.Now()
	job := &domain.BatchJob{
		ID:                 uuid.New(),
		OwnerID:            req.OwnerID,
		Name:               strings.TrimSpace(req.Name),
		TaskType:           req.TaskType,
		Config:             domain.BatchConfig{Tasks: req.Tasks},
		TotalTasks:         len(req.Tasks),
		MaxConcurrentTasks: req.MaxConcurrentTasks,
		ScheduleType:       req.ScheduleType,
		Status:             domain.JobStatusPending,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if job.MaxConcurrentTasks == 0 {
		job.MaxConcurrentTasks = o.cfg.DefaultMaxConcurrent
	}
	if job.ScheduleType == "" {
		job.ScheduleType = domain.ScheduleImmediate
	}

	switch job.ScheduleType {
	case domain.ScheduleScheduled:
		if req.ScheduledAt == nil {
			return nil, fmt.Errorf("%w: scheduled_at is required for scheduled jobs", domain.ErrValidation)
		}
		at := req.ScheduledAt.UTC()
		job.ScheduledAt = &at
		job.Status = domain.JobStatusScheduled
	case domain.ScheduleRecurring:
		schedule, err := cron.ParseStandard(req.CronExpression)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid cron expression: %v", domain.ErrValidation, err)
		}
		at := schedule.Next(now).UTC()
		if req.ScheduledAt != nil {
			at = req.ScheduledAt.UTC()
		}
		job.CronExpression = req.CronExpression
		job.ScheduledAt = &at
		job.Status = domain.JobStatusScheduled
	}

	if err := job.Validate(); err != nil {
		return nil, err
	}
	return job, nil
}

// validatePayload decodes payloads of task types with a typed variant and
// checks that other payloads are JSON.
func validatePayload(taskType string, raw json.RawMessage) error {
	if domain.KnownTaskType(taskType) {
		_, err := domain.DecodePayload(taskType, raw)
		return err
	}
	if !json.Valid(raw) {
		return fmt.Errorf("%w: payload is not valid JSON", domain.ErrValidation)
	}
	return nil
}

func describeValidationError(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s failed on %s", fe.Namespace(), fe.Tag()))
	}
	return strings.Join(msgs, "; ")
}

// launch expands a job on a tracked background goroutine. It returns false
// when an expansion of the job is already running in this process.
func (o *Orchestrator) launch(jobID uuid.UUID) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.expanding[jobID]; ok {
		return false
	}
	ctx, cancel := context.WithCancelCause(o.ctx)
	o.expanding[jobID] = cancel

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer func() {
			o.mu.Lock()
			delete(o.expanding, jobID)
			o.mu.Unlock()
			cancel(nil)
		}()
		if err := o.expand(ctx, jobID); err != nil {
			o.logger.Error("batch job expansion failed", "job_id", jobID, "error", err)
		}
	}()
	return true
}

// stopExpansion interrupts a running expansion of the job, if any.
func (o *Orchestrator) stopExpansion(jobID uuid.UUID) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if cancel, ok := o.expanding[jobID]; ok {
		cancel(errJobCancelled)
	}
}

// Wait blocks until every background expansion has finished.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

// Stop cancels background expansions and waits for them. Interrupted jobs
// are marked FAILED and can be resumed.
func (o *Orchestrator) Stop() {
	o.cancel()
	o.wg.Wait()
}

// expand turns the job's task specs into queued tasks. Task identifiers are
// derived from the job, so tasks created by an earlier, interrupted
// expansion are skipped.
func (o *Orchestrator) expand(ctx context.Context, jobID uuid.UUID) error {
	log := logger.FromContextOrDefault(ctx, o.logger).With("job_id", jobID)

	job, err := o.jobs.Update(ctx, jobID, func(j *domain.BatchJob) error {
		if j.Status == domain.JobStatusRunning {
			return errNoChange
		}
		return j.MarkRunning(o.manager.Now())
	})
	switch {
	case errors.Is(err, errNoChange):
		if job, err = o.jobs.GetByID(ctx, jobID); err != nil {
			return fmt.Errorf("failed to load batch job: %w", err)
		}
	case errors.Is(err, domain.ErrInvalidTransition):
		log.Info("batch job is no longer expandable", "reason", err)
		return nil
	case err != nil:
		return fmt.Errorf("failed to start batch job: %w", err)
	}

	sem := semaphore.NewWeighted(int64(job.MaxConcurrentTasks))
	g, gctx := errgroup.WithContext(ctx)
	for i := range job.Config.Tasks {
		if err := sem.Acquire(gctx, 1); err != nil {
			break
		}
		g.Go(func() error {
			defer sem.Release(1)
			metrics.BatchSubmissionsInFlight.Inc()
			defer metrics.BatchSubmissionsInFlight.Dec()
			return o.submit(gctx, job, i)
		})
	}
	err = g.Wait()
	if err == nil && ctx.Err() != nil {
		err = context.Cause(ctx)
	}

	// the job may have been cancelled while expanding, in which case the
	// interrupted expansion is not a failure
	settle := context.WithoutCancel(ctx)
	current, gerr := o.jobs.GetByID(settle, jobID)
	if gerr != nil {
		if err == nil {
			return fmt.Errorf("failed to reload batch job: %w", gerr)
		}
	} else if current.Status == domain.JobStatusCancelled {
		// sweep up tasks whose submission was in flight during the cancel
		if n := o.cancelTasks(settle, jobID); n > 0 {
			log.Info("cancelled tasks submitted during job cancellation", "cancelled_tasks", n)
		}
		return nil
	}

	if err != nil {
		msg := "task expansion failed: " + redact.Error(err)
		log.Error("batch job expansion failed, created tasks are kept",
			"total_tasks", job.TotalTasks,
			"error", err)
		if _, uerr := o.jobs.Update(context.WithoutCancel(ctx), jobID, func(j *domain.BatchJob) error {
			return j.Finish(domain.JobStatusFailed, msg, o.manager.Now())
		}); uerr == nil {
			metrics.BatchJobsFinishedTotal.WithLabelValues(string(domain.JobStatusFailed)).Inc()
		} else if !errors.Is(uerr, domain.ErrInvalidTransition) {
			log.Error("failed to mark batch job failed", "error", uerr)
		}
		return err
	}
	log.Info("batch job expanded", "total_tasks", job.TotalTasks)

	// fast workers may already have finished every task
	_, err = o.Reconcile(ctx, jobID)
	return err
}

// submit creates the records of the task at index i and enqueues it. Each
// step is skipped when an earlier or concurrent expansion already did it.
// A submission that has started runs to completion even if ctx is cancelled
// meanwhile, so that no task is left with records but no envelope.
func (o *Orchestrator) submit(ctx context.Context, job *domain.BatchJob, i int) error {
	if err := ctx.Err(); err != nil {
		return context.Cause(ctx)
	}
	ctx = context.WithoutCancel(ctx)

	taskID := job.TaskID(i)
	if _, err := o.manager.Status(ctx, taskID); err == nil {
		return nil
	} else if !errors.Is(err, queue.ErrStatusNotFound) {
		return fmt.Errorf("task %d: %w", i, err)
	}

	spec := job.Config.Tasks[i]
	priority := job.SpecPriority(i)
	err := o.tx.InTx(ctx, func(ctx context.Context, s store.Stores) error {
		_, err := s.Tasks.GetByID(ctx, taskID)
		switch {
		case err == nil:
			return nil
		case !store.IsNotFoundError(err):
			return err
		}
		rec, err := domain.NewTaskRecord(taskID, job.TaskType, job.OwnerID, priority, spec.Payload)
		if err != nil {
			return err
		}
		if err := s.Tasks.Create(ctx, rec); err != nil {
			return err
		}
		return s.Executions.Create(ctx, domain.NewTaskExecution(taskID, &job.ID, i))
	})
	if err != nil && !store.IsDuplicateError(err) {
		return fmt.Errorf("task %d: failed to create task records: %w", i, err)
	}

	_, err = o.manager.Enqueue(ctx, job.TaskType, spec.Payload,
		queue.WithTaskID(taskID),
		queue.WithPriority(priority),
		queue.WithMaxRetries(job.SpecMaxRetries(i)))
	if err != nil && !errors.Is(err, queue.ErrDuplicateTask) {
		return fmt.Errorf("task %d: failed to enqueue: %w", i, err)
	}
	return nil
}

// ResumeBatchJob restarts the expansion of a job that failed or was
// interrupted while expanding. Tasks that already exist are not recreated.
func (o *Orchestrator) ResumeBatchJob(ctx context.Context, jobID uuid.UUID) (*domain.BatchJob, error) {
	job, err := o.jobs.Update(ctx, jobID, func(j *domain.BatchJob) error {
		switch j.Status {
		case domain.JobStatusFailed:
			return j.Reopen(o.manager.Now())
		case domain.JobStatusPending, domain.JobStatusRunning:
			return errNoChange
		default:
			return fmt.Errorf("%w: job is %s", ErrCannotResume, j.Status)
		}
	})
	switch {
	case errors.Is(err, errNoChange):
		if job, err = o.jobs.GetByID(ctx, jobID); err != nil {
			return nil, newServiceError("resume_batch_job", "failed to load batch job", err)
		}
	case store.IsNotFoundError(err), errors.Is(err, ErrCannotResume):
		return nil, err
	case err != nil:
		return nil, newServiceError("resume_batch_job", "failed to reopen batch job", err)
	}

	log := logger.FromContextOrDefault(ctx, o.logger).With("job_id", jobID)
	if !o.launch(jobID) {
		log.Info("batch job is already expanding")
		return job, nil
	}
	log.Info("resuming batch job expansion")
	return job, nil
}

// GetBatchJob returns a job without aggregating its tasks.
func (o *Orchestrator) GetBatchJob(ctx context.Context, jobID uuid.UUID) (*domain.BatchJob, error) {
	job, err := o.jobs.GetByID(ctx, jobID)
	if err != nil && !store.IsNotFoundError(err) {
		return nil, newServiceError("get_batch_job", "failed to load batch job", err)
	}
	return job, err
}

// ListBatchJobs returns jobs matching filter, newest first.
func (o *Orchestrator) ListBatchJobs(ctx context.Context, filter store.JobFilter) ([]*domain.BatchJob, error) {
	filter.Page = filter.Page.Normalize()
	jobs, err := o.jobs.List(ctx, filter)
	if err != nil {
		return nil, newServiceError("list_batch_jobs", "failed to list batch jobs", err)
	}
	return jobs, nil
}

// GetBatchJobStatus aggregates the job's task statuses from the task
// records. A running job whose tasks are all terminal is completed as part
// of the call. Tasks not created yet count as pending.
func (o *Orchestrator) GetBatchJobStatus(ctx context.Context, jobID uuid.UUID) (*JobStatus, error) {
	job, stats, err := o.reconcile(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if missing := job.TotalTasks - stats.Total(); missing > 0 {
		stats.Pending += missing
	}
	return &JobStatus{Job: job, Statistics: stats}, nil
}

// Reconcile refreshes the job's counters from its tasks and completes it
// once every task is terminal. Workers call it after each batch task.
func (o *Orchestrator) Reconcile(ctx context.Context, jobID uuid.UUID) (*domain.BatchJob, error) {
	job, _, err := o.reconcile(ctx, jobID)
	return job, err
}

func (o *Orchestrator) reconcile(ctx context.Context, jobID uuid.UUID) (*domain.BatchJob, domain.TaskStatistics, error) {
	job, err := o.jobs.GetByID(ctx, jobID)
	if err != nil {
		if store.IsNotFoundError(err) {
			return nil, domain.TaskStatistics{}, err
		}
		return nil, domain.TaskStatistics{}, newServiceError("get_batch_job_status", "failed to load batch job", err)
	}

	stats, err := o.aggregate(ctx, jobID)
	if err != nil {
		return nil, stats, newServiceError("get_batch_job_status", "failed to aggregate task statuses", err)
	}
	if job.Status != domain.JobStatusRunning {
		return job, stats, nil
	}

	completed := false
	updated, err := o.jobs.Update(ctx, jobID, func(j *domain.BatchJob) error {
		if j.Status != domain.JobStatusRunning {
			return errNoChange
		}
		// task outcomes are final, so counters only grow
		done := max(j.CompletedTasks, stats.Completed)
		failed := max(j.FailedTasks, stats.Failed+stats.Cancelled)
		if done == j.CompletedTasks && failed == j.FailedTasks && stats.Terminal() < j.TotalTasks {
			return errNoChange
		}
		j.CompletedTasks, j.FailedTasks = done, failed
		j.UpdatedAt = o.manager.Now()
		if stats.Terminal() >= j.TotalTasks {
			completed = true
			return j.Finish(domain.JobStatusCompleted, "", j.UpdatedAt)
		}
		return nil
	})
	switch {
	case errors.Is(err, errNoChange):
		latest, gerr := o.jobs.GetByID(ctx, jobID)
		if gerr != nil {
			return job, stats, nil
		}
		return latest, stats, nil
	case err != nil:
		return nil, stats, newServiceError("get_batch_job_status", "failed to update batch job", err)
	}

	if completed {
		metrics.BatchJobsFinishedTotal.WithLabelValues(string(domain.JobStatusCompleted)).Inc()
		logger.FromContextOrDefault(ctx, o.logger).Info("batch job completed",
			"job_id", jobID,
			"completed_tasks", updated.CompletedTasks,
			"failed_tasks", updated.FailedTasks)
	}
	return updated, stats, nil
}

// aggregate counts the job's tasks by their durable status.
func (o *Orchestrator) aggregate(ctx context.Context, jobID uuid.UUID) (domain.TaskStatistics, error) {
	var stats domain.TaskStatistics
	ids, err := o.taskIDs(ctx, jobID)
	if err != nil || len(ids) == 0 {
		return stats, err
	}
	records, err := o.tasks.GetByIDs(ctx, ids)
	if err != nil {
		return stats, err
	}
	for _, rec := range records {
		stats.Add(rec.Status)
	}
	return stats, nil
}

// taskIDs lists the job's tasks in batch order. A task has one execution
// per attempt, so duplicates are dropped.
func (o *Orchestrator) taskIDs(ctx context.Context, jobID uuid.UUID) ([]uuid.UUID, error) {
	execs, err := o.executions.ListByJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	seen := make(map[uuid.UUID]struct{}, len(execs))
	ids := make([]uuid.UUID, 0, len(execs))
	for _, e := range execs {
		if _, ok := seen[e.TaskID]; ok {
			continue
		}
		seen[e.TaskID] = struct{}{}
		ids = append(ids, e.TaskID)
	}
	return ids, nil
}

// CancelBatchJob cancels the job and every task of it that has not finished.
// It returns false when the job had already finished.
func (o *Orchestrator) CancelBatchJob(ctx context.Context, jobID uuid.UUID) (bool, error) {
	_, err := o.jobs.Update(ctx, jobID, func(j *domain.BatchJob) error {
		return j.Finish(domain.JobStatusCancelled, "", o.manager.Now())
	})
	switch {
	case errors.Is(err, domain.ErrInvalidTransition):
		return false, nil
	case store.IsNotFoundError(err):
		return false, err
	case err != nil:
		return false, newServiceError("cancel_batch_job", "failed to cancel batch job", err)
	}
	metrics.BatchJobsFinishedTotal.WithLabelValues(string(domain.JobStatusCancelled)).Inc()

	o.stopExpansion(jobID)
	cancelled := o.cancelTasks(ctx, jobID)
	logger.FromContextOrDefault(ctx, o.logger).Info("batch job cancelled",
		"job_id", jobID,
		"cancelled_tasks", cancelled)
	return true, nil
}

// cancelTasks cancels every pending or running task of the job and returns
// how many were cancelled. Failures are logged; finished tasks are left
// untouched.
func (o *Orchestrator) cancelTasks(ctx context.Context, jobID uuid.UUID) int {
	log := logger.FromContextOrDefault(ctx, o.logger).With("job_id", jobID)

	ids, err := o.taskIDs(ctx, jobID)
	if err != nil {
		log.Error("failed to list tasks of cancelled batch job", "error", err)
		return 0
	}
	records, err := o.tasks.GetByIDs(ctx, ids)
	if err != nil {
		log.Error("failed to load tasks of cancelled batch job", "error", err)
		return 0
	}

	cancelled := 0
	for _, rec := range records {
		if rec.Status.IsTerminal() {
			continue
		}
		ok, err := o.manager.Cancel(ctx, rec.ID)
		if err != nil {
			log.Error("failed to cancel batch task", "task_id", rec.ID, "error", err)
			continue
		}
		if ok {
			cancelled++
		}
	}
	return cancelled
}

// TaskIDs returns the job's task identifiers in batch order.
func (o *Orchestrator) TaskIDs(ctx context.Context, jobID uuid.UUID) ([]uuid.UUID, error) {
	return o.taskIDs(ctx, jobID)
}

// CheckOwner returns ErrNotOwned unless ownerID owns job.
func CheckOwner(job *domain.BatchJob, ownerID uuid.UUID) error {
	if job.OwnerID != ownerID {
		return ErrNotOwned
	}
	return nil
}
