package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/scry-queue/internal/domain"
	"github.com/phrazzld/scry-queue/internal/generation"
	"github.com/phrazzld/scry-queue/internal/metrics"
	"github.com/phrazzld/scry-queue/internal/platform/logger"
	"github.com/phrazzld/scry-queue/internal/queue"
	"github.com/phrazzld/scry-queue/internal/redact"
	"github.com/phrazzld/scry-queue/internal/store"
)

const (
	// InterruptedMessage closes executions of attempts that were handed back
	// to the queue because their worker stopped.
	InterruptedMessage = "worker stopped before the task finished"

	// SupersededMessage closes executions of attempts that were overtaken by
	// a later attempt of the same task.
	SupersededMessage = "attempt superseded by a later attempt"
)

// WorkerConfig holds the timing settings of a worker.
type WorkerConfig struct {
	// DequeueTimeout bounds each blocking dequeue so that shutdown is
	// noticed promptly.
	DequeueTimeout time.Duration

	// CancelCheckInterval is how often a running task is heartbeated and
	// checked for cancellation. It must stay well below the stuck-task age.
	CancelCheckInterval time.Duration
}

// DefaultWorkerConfig returns a WorkerConfig with reasonable defaults.
func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		DequeueTimeout:      time.Second,
		CancelCheckInterval: 500 * time.Millisecond,
	}
}

// JobReconciler is notified when a task that belongs to a batch job
// settles, so the job can complete without polling.
type JobReconciler interface {
	Reconcile(ctx context.Context, jobID uuid.UUID) (*domain.BatchJob, error)
}

// Worker processes one task at a time.
type Worker struct {
	id         string
	manager    *queue.Manager
	registry   *HandlerRegistry
	stores     store.Stores
	reconciler JobReconciler
	cfg        WorkerConfig
	logger     *slog.Logger
}

// NewWorker creates a worker. stores must provide Executions and Results;
// Tasks is optional and only used for item counts.
func NewWorker(
	id string,
	manager *queue.Manager,
	registry *HandlerRegistry,
	stores store.Stores,
	cfg WorkerConfig,
	log *slog.Logger,
) *Worker {
	if manager == nil {
		panic("queue manager cannot be nil")
	}
	if registry == nil {
		panic("handler registry cannot be nil")
	}
	if stores.Executions == nil || stores.Results == nil {
		panic("execution and result stores cannot be nil")
	}
	if log == nil {
		log = slog.Default()
	}
	def := DefaultWorkerConfig()
	if cfg.DequeueTimeout <= 0 {
		cfg.DequeueTimeout = def.DequeueTimeout
	}
	if cfg.CancelCheckInterval <= 0 {
		cfg.CancelCheckInterval = def.CancelCheckInterval
	}

	return &Worker{
		id:       id,
		manager:  manager,
		registry: registry,
		stores:   stores,
		cfg:      cfg,
		logger:   log.With("component", "task_worker", "worker_id", id),
	}
}

// SetReconciler sets who is told about settled batch tasks.
func (w *Worker) SetReconciler(r JobReconciler) {
	w.reconciler = r
}

// ID returns the worker's identifier.
func (w *Worker) ID() string {
	return w.id
}

// Run processes tasks until ctx is cancelled. A task in progress when ctx is
// cancelled is handed back to the queue.
func (w *Worker) Run(ctx context.Context) {
	w.logger.Debug("starting worker")
	defer w.logger.Debug("stopping worker")

	for ctx.Err() == nil {
		env, err := w.manager.Dequeue(ctx, w.cfg.DequeueTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.Error("failed to dequeue task", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(w.cfg.DequeueTimeout):
			}
			continue
		}
		if env == nil {
			continue
		}
		w.Process(ctx, env)
	}
}

// Process runs a single dequeued envelope to its next status.
func (w *Worker) Process(ctx context.Context, env *queue.Envelope) {
	started := time.Now()
	log := w.logger.With(
		"task_id", env.TaskID,
		"task_type", env.TaskType,
		"attempt", env.RetryCount)
	ctx = logger.WithLogger(ctx, log)

	handler, ok := w.registry.Lookup(env.TaskType)
	if !ok {
		log.Error("no handler registered for task type")
		w.fail(ctx, env, nil, fmt.Sprintf("no handler registered for task type %q", env.TaskType), "no_handler")
		return
	}

	payload, err := domain.DecodePayload(env.TaskType, env.Payload)
	if err != nil && !errors.Is(err, domain.ErrUnknownPayload) {
		msg := "invalid payload: " + redact.Error(err)
		log.Error("failed to decode task payload", "error", msg)
		w.fail(ctx, env, nil, msg, "invalid_payload")
		return
	}

	if _, err := w.manager.UpdateAttemptStatus(ctx, env, domain.StatusUpdate{
		Status:   domain.TaskStatusRunning,
		Progress: domain.IntPtr(0),
	}); err != nil {
		if errors.Is(err, domain.ErrInvalidTransition) {
			log.Info("task is no longer pending, skipping", "reason", err)
		} else {
			log.Error("failed to mark task running", "error", err)
		}
		return
	}
	metrics.TasksStartedTotal.WithLabelValues(env.TaskType, string(env.Priority)).Inc()
	log.Info("processing task")

	exec := w.claimExecution(ctx, env)

	runCtx, cancel := context.WithCancelCause(ctx)
	watchDone := make(chan struct{})
	go func() {
		defer close(watchDone)
		w.watchAttempt(runCtx, env, cancel)
	}()

	progressCtx, stopProgress := context.WithCancel(runCtx)
	reporter := newProgressReporter(progressCtx, log, func(ctx context.Context, percent int) error {
		_, err := w.manager.UpdateAttemptStatus(ctx, env, domain.StatusUpdate{
			Status:   domain.TaskStatusRunning,
			Progress: &percent,
		})
		return err
	})

	job := &Job{
		TaskID:     env.TaskID,
		TaskType:   env.TaskType,
		Payload:    payload,
		RawPayload: env.Payload,
		Attempt:    env.RetryCount,
		progress:   reporter,
	}
	outcome, herr := w.invoke(runCtx, handler, job)

	stopProgress()
	reporter.wait()
	cause := context.Cause(runCtx)
	cancel(nil)
	<-watchDone

	switch {
	case errors.Is(cause, domain.ErrTaskCancelled):
		log.Info("task cancelled while running")
		w.finishExecution(ctx, exec, domain.TaskStatusCancelled, "")
		w.reconcile(ctx, exec)
	case errors.Is(cause, queue.ErrStaleAttempt):
		w.supersede(ctx, exec)
	case herr == nil:
		w.complete(ctx, env, exec, outcome, started)
	case ctx.Err() != nil:
		log.Warn("worker stopping, returning task to the queue", "error", herr)
		w.requeue(context.WithoutCancel(ctx), env, exec)
	case IsPermanent(herr) || generation.IsPermanent(herr):
		msg := redact.Error(herr)
		log.Warn("task failed permanently", "error", msg)
		w.fail(ctx, env, exec, msg, "permanent")
	default:
		w.retry(ctx, env, exec, herr)
	}
}

func (w *Worker) invoke(ctx context.Context, h Handler, job *Job) (out *Outcome, err error) {
	defer func() {
		if p := recover(); p != nil {
			logger.FromContextOrDefault(ctx, w.logger).Error("task handler panicked",
				"panic", p,
				"stack", string(debug.Stack()))
			out, err = nil, Permanent(fmt.Errorf("handler panicked: %v", p))
		}
	}()
	return h.Handle(ctx, job)
}

// watchAttempt heartbeats the running attempt on every tick. It cancels the
// task context with domain.ErrTaskCancelled once the task is CANCELLED, and
// with queue.ErrStaleAttempt once the task has been re-queued under another
// attempt.
func (w *Worker) watchAttempt(ctx context.Context, env *queue.Envelope, cancel context.CancelCauseFunc) {
	ticker := time.NewTicker(w.cfg.CancelCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		st, err := w.manager.Heartbeat(ctx, env)
		switch {
		case errors.Is(err, queue.ErrStaleAttempt):
			cancel(err)
			return
		case err != nil:
			if ctx.Err() == nil {
				w.logger.Debug("failed to heartbeat task", "task_id", env.TaskID, "error", err)
			}
			continue
		}
		if st.Status == domain.TaskStatusCancelled {
			cancel(domain.ErrTaskCancelled)
			return
		}
	}
}

// claimExecution starts the pending execution prepared by batch expansion,
// or records a new one. Tasks without a durable record run without one.
func (w *Worker) claimExecution(ctx context.Context, env *queue.Envelope) *domain.TaskExecution {
	log := logger.FromContextOrDefault(ctx, w.logger)
	now := w.manager.Now()

	execs, err := w.stores.Executions.ListByTask(ctx, env.TaskID)
	if err != nil {
		log.Error("failed to load task executions", "error", err)
		return nil
	}

	var exec *domain.TaskExecution
	for _, e := range execs {
		if e.Status == domain.TaskStatusPending {
			exec = e
		}
	}
	if exec != nil {
		exec.Start(w.id, env.RetryCount, now)
		if err := w.stores.Executions.Update(ctx, exec); err != nil {
			log.Error("failed to claim task execution", "error", err)
			return nil
		}
		return exec
	}

	var jobID *uuid.UUID
	index := 0
	if n := len(execs); n > 0 {
		jobID, index = execs[n-1].JobID, execs[n-1].BatchIndex
	}
	exec = domain.NewTaskExecution(env.TaskID, jobID, index)
	exec.Start(w.id, env.RetryCount, now)
	if err := w.stores.Executions.Create(ctx, exec); err != nil {
		if errors.Is(err, store.ErrInvalidEntity) {
			log.Debug("task has no durable record, running without execution record")
		} else {
			log.Error("failed to record task execution", "error", err)
		}
		return nil
	}
	return exec
}

func (w *Worker) finishExecution(ctx context.Context, exec *domain.TaskExecution, status domain.TaskStatus, msg string) {
	if exec == nil {
		return
	}
	exec.Finish(status, msg, w.manager.Now())
	if err := w.stores.Executions.Update(ctx, exec); err != nil {
		logger.FromContextOrDefault(ctx, w.logger).Error("failed to update task execution",
			"execution_id", exec.ID,
			"status", status,
			"error", err)
	}
}

func (w *Worker) complete(ctx context.Context, env *queue.Envelope, exec *domain.TaskExecution, out *Outcome, started time.Time) {
	log := logger.FromContextOrDefault(ctx, w.logger)

	if err := w.persistOutcome(ctx, env, out); err != nil {
		if errors.Is(err, queue.ErrStaleAttempt) {
			w.supersede(ctx, exec)
			return
		}
		if IsPermanent(err) {
			msg := redact.Error(err)
			log.Error("task produced an unusable result", "error", msg)
			w.fail(ctx, env, exec, msg, "invalid_result")
			return
		}
		log.Error("failed to persist task result", "error", err)
		w.retry(ctx, env, exec, err)
		return
	}

	rec, err := w.manager.UpdateAttemptStatus(ctx, env, domain.StatusUpdate{
		Status:   domain.TaskStatusCompleted,
		Progress: domain.IntPtr(100),
	})
	switch {
	case errors.Is(err, queue.ErrStaleAttempt):
		w.supersede(ctx, exec)
		return
	case errors.Is(err, domain.ErrInvalidTransition):
		log.Info("task finished after it was cancelled, keeping cancellation")
		w.finishExecution(ctx, exec, domain.TaskStatusCancelled, "")
	case rec == nil || rec.Status != domain.TaskStatusCompleted:
		log.Error("failed to mark task completed", "error", err)
		return
	default:
		if err != nil {
			log.Warn("task completed without durable record update", "error", err)
		}
		w.finishExecution(ctx, exec, domain.TaskStatusCompleted, "")
		elapsed := time.Since(started)
		metrics.TasksCompletedTotal.WithLabelValues(env.TaskType).Inc()
		metrics.TaskDuration.WithLabelValues(env.TaskType).Observe(elapsed.Seconds())
		log.Info("task completed", "duration", elapsed)
	}
	w.reconcile(ctx, exec)
}

// persistOutcome writes the task's result once. Encoding failures are
// permanent.
func (w *Worker) persistOutcome(ctx context.Context, env *queue.Envelope, out *Outcome) error {
	if out == nil {
		return nil
	}
	if st, err := w.manager.Status(ctx, env.TaskID); err == nil {
		if st.RetryCount != env.RetryCount {
			return queue.ErrStaleAttempt
		}
		if st.Status.IsTerminal() {
			return nil
		}
	}

	result, err := buildResult(env.TaskID, out, w.manager.Now())
	if err != nil {
		return Permanent(err)
	}
	err = w.stores.Results.Create(ctx, result)
	switch {
	case err == nil, errors.Is(err, store.ErrResultExists):
	case errors.Is(err, store.ErrInvalidEntity):
		logger.FromContextOrDefault(ctx, w.logger).Warn("task has no durable record, result discarded")
		return nil
	default:
		return fmt.Errorf("failed to store task result: %w", err)
	}

	if out.TotalItems > 0 && w.stores.Tasks != nil {
		err := w.stores.Tasks.UpdateItemCounts(ctx, env.TaskID, out.TotalItems, out.ProcessedItems, out.FailedItems)
		if err != nil && !store.IsNotFoundError(err) {
			return fmt.Errorf("failed to record item counts: %w", err)
		}
	}
	return nil
}

func buildResult(taskID uuid.UUID, out *Outcome, now time.Time) (*domain.TaskResult, error) {
	resultType := out.ResultType
	if resultType == "" {
		resultType = domain.ResultTypeJSON
	}
	result := &domain.TaskResult{
		TaskID:     taskID,
		ResultType: resultType,
		FilePath:   out.FilePath,
		CreatedAt:  now,
	}
	if out.Data != nil {
		data, err := json.Marshal(out.Data)
		if err != nil {
			return nil, fmt.Errorf("failed to encode result data: %w", err)
		}
		result.Data = data
	}
	if len(out.Metadata) > 0 {
		meta, err := json.Marshal(out.Metadata)
		if err != nil {
			return nil, fmt.Errorf("failed to encode result metadata: %w", err)
		}
		result.Metadata = meta
	}
	if err := result.Validate(); err != nil {
		return nil, err
	}
	return result, nil
}

func (w *Worker) fail(ctx context.Context, env *queue.Envelope, exec *domain.TaskExecution, msg, reason string) {
	log := logger.FromContextOrDefault(ctx, w.logger)

	rec, err := w.manager.UpdateAttemptStatus(ctx, env, domain.StatusUpdate{
		Status:       domain.TaskStatusFailed,
		ErrorMessage: &msg,
	})
	status := domain.TaskStatusFailed
	switch {
	case errors.Is(err, queue.ErrStaleAttempt):
		w.supersede(ctx, exec)
		return
	case errors.Is(err, domain.ErrInvalidTransition):
		if rec != nil {
			status = rec.Status
		}
		log.Info("task already finished, not marking failed", "status", status)
	case rec == nil || rec.Status != domain.TaskStatusFailed:
		log.Error("failed to mark task failed", "error", err)
	default:
		metrics.TasksFailedTotal.WithLabelValues(env.TaskType, reason).Inc()
	}

	w.finishExecution(ctx, exec, status, msg)
	w.reconcile(ctx, exec)
}

func (w *Worker) retry(ctx context.Context, env *queue.Envelope, exec *domain.TaskExecution, cause error) {
	log := logger.FromContextOrDefault(ctx, w.logger)
	msg := redact.Error(cause)

	requeued, err := w.manager.Retry(ctx, env, errors.New(msg))
	if err != nil {
		log.Error("failed to retry task", "error", err)
	}
	if requeued {
		log.Warn("task attempt failed, retrying", "error", msg)
		w.finishExecution(ctx, exec, domain.TaskStatusFailed, msg)
		return
	}

	status := domain.TaskStatusFailed
	if st, err := w.manager.Status(ctx, env.TaskID); err == nil && st.Status == domain.TaskStatusCancelled {
		status = domain.TaskStatusCancelled
	}
	w.finishExecution(ctx, exec, status, msg)
	w.reconcile(ctx, exec)
}

// requeue hands the task back without spending a retry. The execution is
// closed as failed since this attempt did not finish.
func (w *Worker) requeue(ctx context.Context, env *queue.Envelope, exec *domain.TaskExecution) {
	log := logger.FromContextOrDefault(ctx, w.logger)

	requeued, err := w.manager.Requeue(ctx, env, InterruptedMessage)
	if err != nil {
		log.Error("failed to requeue task", "error", err)
	}
	status := domain.TaskStatusFailed
	if !requeued {
		if st, err := w.manager.Status(ctx, env.TaskID); err == nil && st.Status == domain.TaskStatusCancelled {
			status = domain.TaskStatusCancelled
		}
	}
	w.finishExecution(ctx, exec, status, InterruptedMessage)
}

// supersede closes the execution of an attempt that lost the task to a
// later attempt. The task's status belongs to the later attempt.
func (w *Worker) supersede(ctx context.Context, exec *domain.TaskExecution) {
	logger.FromContextOrDefault(ctx, w.logger).Warn("task was re-queued while this attempt ran, discarding its outcome")
	w.finishExecution(ctx, exec, domain.TaskStatusFailed, SupersededMessage)
}

func (w *Worker) reconcile(ctx context.Context, exec *domain.TaskExecution) {
	if exec == nil || exec.JobID == nil || w.reconciler == nil {
		return
	}
	if _, err := w.reconciler.Reconcile(ctx, *exec.JobID); err != nil {
		logger.FromContextOrDefault(ctx, w.logger).Warn("failed to reconcile batch job",
			"job_id", *exec.JobID,
			"error", err)
	}
}
