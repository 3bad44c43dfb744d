package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/scry-queue/internal/domain"
	"github.com/phrazzld/scry-queue/internal/events"
	"github.com/phrazzld/scry-queue/internal/metrics"
	"github.com/phrazzld/scry-queue/internal/platform/logger"
	"github.com/phrazzld/scry-queue/internal/store"
)

// MaxRetriesExceeded is the error message stored on tasks whose retry budget
// ran out.
const MaxRetriesExceeded = "max retries exceeded"

// errNoChange aborts a status mutation that would not change anything.
var errNoChange = errors.New("status unchanged")

// Config holds the tunables of a Manager.
type Config struct {
	// PollInterval is how often Dequeue re-checks empty tiers.
	PollInterval time.Duration

	// DefaultMaxRetries applies when Enqueue is not given WithMaxRetries.
	DefaultMaxRetries int

	// RetryBackoffBase, when positive, delays the n-th retry by
	// base * 2^(n-1) through the delayed index. Zero re-enqueues immediately.
	RetryBackoffBase time.Duration

	// RetryBackoffMax caps the retry delay. Zero means no cap.
	RetryBackoffMax time.Duration

	// PromoteBatchSize bounds how many delayed envelopes one store call moves.
	PromoteBatchSize int
}

// DefaultConfig returns a Config with reasonable defaults.
func DefaultConfig() Config {
	return Config{
		PollInterval:      100 * time.Millisecond,
		DefaultMaxRetries: domain.DefaultMaxRetries,
		PromoteBatchSize:  100,
	}
}

// Option configures optional collaborators of a Manager.
type Option func(*Manager)

// WithTaskRecords mirrors every status change into the durable task store.
func WithTaskRecords(records store.TaskStore) Option {
	return func(m *Manager) { m.records = records }
}

// WithPublisher sets where status-change events are published.
func WithPublisher(p events.Publisher) Option {
	return func(m *Manager) { m.publisher = p }
}

// WithClock replaces the wall clock, typically with a FakeClock in tests.
func WithClock(c Clock) Option {
	return func(m *Manager) { m.clock = c }
}

// Manager is the queue's public API.
type Manager struct {
	store     Store
	records   store.TaskStore
	publisher events.Publisher
	clock     Clock
	cfg       Config
	logger    *slog.Logger
}

// NewManager creates a Manager over s.
func NewManager(s Store, cfg Config, log *slog.Logger, opts ...Option) *Manager {
	if s == nil {
		panic("queue store cannot be nil")
	}
	if log == nil {
		log = slog.Default()
	}
	def := DefaultConfig()
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.DefaultMaxRetries < 0 {
		cfg.DefaultMaxRetries = def.DefaultMaxRetries
	}
	if cfg.PromoteBatchSize <= 0 {
		cfg.PromoteBatchSize = def.PromoteBatchSize
	}

	m := &Manager{
		store:     s,
		publisher: events.Discard,
		clock:     SystemClock,
		cfg:       cfg,
		logger:    log.With("component", "queue_manager"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// EnqueueOption customizes a single Enqueue call.
type EnqueueOption func(*enqueueOptions)

type enqueueOptions struct {
	priority   domain.Priority
	delay      time.Duration
	maxRetries *int
	taskID     uuid.UUID
	ownerID    *uuid.UUID
}

// WithPriority sets the tier of the task. The default is normal.
func WithPriority(p domain.Priority) EnqueueOption {
	return func(o *enqueueOptions) { o.priority = p }
}

// WithDelay defers the task by d through the delayed index.
func WithDelay(d time.Duration) EnqueueOption {
	return func(o *enqueueOptions) { o.delay = d }
}

// WithMaxRetries sets the retry budget of the task.
func WithMaxRetries(n int) EnqueueOption {
	return func(o *enqueueOptions) { o.maxRetries = &n }
}

// WithTaskID uses id instead of a fresh random identifier.
func WithTaskID(id uuid.UUID) EnqueueOption {
	return func(o *enqueueOptions) { o.taskID = id }
}

// WithOwner also creates the durable task record, owned by ownerID. Requires
// a Manager configured WithTaskRecords; callers that create the record
// themselves omit it.
func WithOwner(ownerID uuid.UUID) EnqueueOption {
	return func(o *enqueueOptions) { o.ownerID = &ownerID }
}

// Enqueue adds a task and returns its ID. Handler registration is not
// checked here; workers fail tasks whose type has no handler.
func (m *Manager) Enqueue(ctx context.Context, taskType string, payload json.RawMessage, opts ...EnqueueOption) (uuid.UUID, error) {
	o := enqueueOptions{priority: domain.PriorityNormal}
	for _, opt := range opts {
		opt(&o)
	}
	maxRetries := m.cfg.DefaultMaxRetries
	if o.maxRetries != nil {
		maxRetries = *o.maxRetries
	}

	switch {
	case strings.TrimSpace(taskType) == "":
		return uuid.Nil, fmt.Errorf("%w: task type cannot be empty", domain.ErrValidation)
	case !o.priority.Valid():
		return uuid.Nil, fmt.Errorf("%w: %q", domain.ErrInvalidPriority, o.priority)
	case o.delay < 0:
		return uuid.Nil, fmt.Errorf("%w: delay cannot be negative", domain.ErrValidation)
	case maxRetries < 0:
		return uuid.Nil, fmt.Errorf("%w: max retries cannot be negative", domain.ErrValidation)
	case o.ownerID != nil && m.records == nil:
		return uuid.Nil, errors.New("queue manager has no task record store")
	}

	id := o.taskID
	if id == uuid.Nil {
		id = uuid.New()
	}
	now := m.clock.Now()
	env := &Envelope{
		TaskID:      id,
		TaskType:    taskType,
		Payload:     payload,
		Priority:    o.priority,
		MaxRetries:  maxRetries,
		CreatedAt:   now,
		ScheduledAt: now.Add(o.delay),
	}
	log := logger.FromContextOrDefault(ctx, m.logger).With(
		"task_id", id,
		"task_type", taskType,
		"priority", o.priority)

	if o.ownerID != nil {
		rec, err := domain.NewTaskRecord(id, taskType, *o.ownerID, o.priority, payload)
		if err != nil {
			return uuid.Nil, err
		}
		if err := m.records.Create(ctx, rec); err != nil {
			log.Error("failed to create task record", "error", err)
			return uuid.Nil, fmt.Errorf("failed to create task record: %w", err)
		}
	}

	err := m.store.CreateStatus(ctx, &StatusRecord{
		TaskID:     id,
		TaskType:   taskType,
		Priority:   o.priority,
		Status:     domain.TaskStatusPending,
		MaxRetries: maxRetries,
		UpdatedAt:  now,
	})
	if err != nil {
		if errors.Is(err, ErrDuplicateTask) {
			return uuid.Nil, err
		}
		log.Error("failed to store task status", "error", err)
		return uuid.Nil, fmt.Errorf("%w: create status: %w", ErrStoreUnavailable, err)
	}

	if err := m.push(ctx, env, o.delay); err != nil {
		log.Error("failed to enqueue task", "error", err)
		m.failAfterPushError(ctx, env, err)
		return uuid.Nil, err
	}

	metrics.TasksEnqueuedTotal.WithLabelValues(taskType, string(o.priority)).Inc()
	m.publisher.Publish(ctx, events.NewStatusChanged(id, taskType, domain.TaskStatusPending, 0, now))
	log.Debug("task enqueued", "delay", o.delay, "max_retries", maxRetries)
	return id, nil
}

func (m *Manager) push(ctx context.Context, env *Envelope, delay time.Duration) error {
	var err error
	if delay > 0 {
		err = m.store.PushDelayed(ctx, env, m.clock.Now().Add(delay))
	} else {
		err = m.store.Push(ctx, env)
	}
	if err != nil {
		return fmt.Errorf("%w: push: %w", ErrStoreUnavailable, err)
	}
	return nil
}

// failAfterPushError marks a task whose envelope never reached the store so
// that it does not sit PENDING forever.
func (m *Manager) failAfterPushError(ctx context.Context, env *Envelope, cause error) {
	msg := "enqueue failed: " + cause.Error()
	if _, err := m.UpdateStatus(ctx, env.TaskID, domain.StatusUpdate{
		Status:       domain.TaskStatusFailed,
		ErrorMessage: &msg,
	}); err != nil {
		m.logger.Error("failed to mark unqueued task as failed",
			"task_id", env.TaskID,
			"error", err)
	}
}

// Dequeue returns the next envelope in strict priority order, blocking for
// up to timeout. It returns (nil, nil) when nothing arrived in time.
// Envelopes of tasks that reached a terminal status while queued, such as
// cancelled tasks, are discarded.
func (m *Manager) Dequeue(ctx context.Context, timeout time.Duration) (*Envelope, error) {
	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}
	var poll *time.Ticker

	for {
		env, err := m.popLive(ctx)
		if err != nil || env != nil {
			return env, err
		}
		if deadline == nil {
			return nil, nil
		}
		if poll == nil {
			poll = time.NewTicker(m.cfg.PollInterval)
			defer poll.Stop()
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline:
			return nil, nil
		case <-poll.C:
		}
	}
}

// popLive pops envelopes until it finds one whose task is still live or the
// tiers are empty.
func (m *Manager) popLive(ctx context.Context) (*Envelope, error) {
	for {
		env, err := m.store.Pop(ctx)
		if err != nil {
			m.logger.Error("failed to pop from queue store", "error", err)
			return nil, fmt.Errorf("%w: pop: %w", ErrStoreUnavailable, err)
		}
		if env == nil {
			return nil, nil
		}

		st, err := m.store.GetStatus(ctx, env.TaskID)
		switch {
		case errors.Is(err, ErrStatusNotFound):
			m.logger.Warn("dequeued task has no status record",
				"task_id", env.TaskID,
				"task_type", env.TaskType)
			return env, nil
		case err != nil:
			// The envelope is already off the queue; hand it out and let the
			// worker's status update surface the store problem.
			m.logger.Error("failed to read status of dequeued task",
				"task_id", env.TaskID,
				"error", err)
			return env, nil
		case st.Status.IsTerminal():
			m.logger.Debug("discarding envelope of finished task",
				"task_id", env.TaskID,
				"status", st.Status)
			continue
		}
		return env, nil
	}
}

// UpdateStatus changes a task's status. Repeating a terminal status is a
// no-op; transitions the state machine forbids fail with
// domain.ErrInvalidTransition and return the current record.
func (m *Manager) UpdateStatus(ctx context.Context, taskID uuid.UUID, update domain.StatusUpdate) (*StatusRecord, error) {
	rec, _, err := m.updateStatus(ctx, taskID, update, anyAttempt)
	return rec, err
}

// UpdateAttemptStatus is UpdateStatus on behalf of the attempt env was
// dequeued for. Once the task has been re-queued under a later attempt it
// fails with ErrStaleAttempt and leaves the record alone.
func (m *Manager) UpdateAttemptStatus(ctx context.Context, env *Envelope, update domain.StatusUpdate) (*StatusRecord, error) {
	rec, _, err := m.updateStatus(ctx, env.TaskID, update, env.RetryCount)
	return rec, err
}

// anyAttempt disables the attempt check of updateStatus.
const anyAttempt = -1

func (m *Manager) updateStatus(ctx context.Context, taskID uuid.UUID, update domain.StatusUpdate, attempt int) (*StatusRecord, bool, error) {
	if !update.Status.Valid() {
		return nil, false, fmt.Errorf("%w: %q", domain.ErrInvalidStatus, update.Status)
	}

	rec, changed, err := m.transition(ctx, taskID, func(r *StatusRecord) error {
		if attempt != anyAttempt && r.RetryCount != attempt {
			return fmt.Errorf("%w: attempt %d, task is at attempt %d", ErrStaleAttempt, attempt, r.RetryCount)
		}
		if !r.Status.CanTransition(update.Status) {
			return fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, r.Status, update.Status)
		}
		if r.Status == update.Status && r.Status.IsTerminal() {
			return errNoChange
		}
		r.Status = update.Status
		if update.Progress != nil {
			r.Progress = domain.ClampProgress(*update.Progress)
		}
		if update.ErrorMessage != nil {
			r.ErrorMessage = *update.ErrorMessage
		}
		return nil
	})
	if err != nil || !changed {
		return rec, changed, err
	}
	return rec, true, m.mirror(ctx, taskID, update)
}

// transition runs fn atomically, stamps updated_at and publishes the change.
func (m *Manager) transition(ctx context.Context, taskID uuid.UUID, fn StatusMutator) (*StatusRecord, bool, error) {
	rec, err := m.store.UpdateStatus(ctx, taskID, func(r *StatusRecord) error {
		if err := fn(r); err != nil {
			return err
		}
		r.UpdatedAt = domain.NextUpdateTime(r.UpdatedAt, m.clock.Now())
		return nil
	})
	switch {
	case errors.Is(err, errNoChange):
		return rec, false, nil
	case errors.Is(err, domain.ErrInvalidTransition), errors.Is(err, ErrStatusNotFound):
		return rec, false, err
	case err != nil:
		m.logger.Error("failed to update task status", "task_id", taskID, "error", err)
		return rec, false, fmt.Errorf("%w: update status: %w", ErrStoreUnavailable, err)
	}

	metrics.TaskTransitionsTotal.WithLabelValues(string(rec.Status)).Inc()
	ev := events.NewStatusChanged(rec.TaskID, rec.TaskType, rec.Status, rec.Progress, rec.UpdatedAt)
	ev.RetryCount = rec.RetryCount
	ev.ErrorMessage = rec.ErrorMessage
	m.publisher.Publish(ctx, ev)
	return rec, true, nil
}

// mirror copies a status change into the durable task store. Tasks without
// a durable record are skipped.
func (m *Manager) mirror(ctx context.Context, taskID uuid.UUID, update domain.StatusUpdate) error {
	if m.records == nil {
		return nil
	}
	_, err := m.records.UpdateStatus(ctx, taskID, update)
	switch {
	case err == nil, store.IsNotFoundError(err):
		return nil
	case errors.Is(err, domain.ErrInvalidTransition):
		m.logger.Warn("task record rejected mirrored status",
			"task_id", taskID,
			"status", update.Status,
			"error", err)
		return nil
	default:
		m.logger.Error("failed to mirror task status",
			"task_id", taskID,
			"status", update.Status,
			"error", err)
		return fmt.Errorf("failed to mirror task status: %w", err)
	}
}

// Cancel marks a task CANCELLED and removes it from the delayed index. A
// running handler is not interrupted here; workers observe the status and
// stop cooperatively. Returns false for unknown or already finished tasks.
func (m *Manager) Cancel(ctx context.Context, taskID uuid.UUID) (bool, error) {
	_, changed, err := m.updateStatus(ctx, taskID, domain.StatusUpdate{Status: domain.TaskStatusCancelled}, anyAttempt)
	switch {
	case errors.Is(err, ErrStatusNotFound), errors.Is(err, domain.ErrInvalidTransition):
		return false, nil
	case err != nil && !changed:
		return false, err
	case err != nil:
		// status changed but the durable mirror failed; the cancellation
		// itself stands
		m.logger.Warn("task cancelled without durable record update", "task_id", taskID, "error", err)
	}
	if !changed {
		return false, nil
	}

	if _, err := m.store.RemoveDelayed(ctx, taskID); err != nil {
		m.logger.Error("failed to remove cancelled task from delayed index",
			"task_id", taskID,
			"error", err)
	}
	m.logger.Info("task cancelled", "task_id", taskID)
	return true, nil
}

// Retry records a failed attempt of env. If the retry budget is spent the
// task becomes FAILED with MaxRetriesExceeded and Retry returns false.
// Otherwise the task moves RUNNING -> PENDING with an incremented retry
// count and is re-enqueued. Retry also returns false, without error, when the
// task is no longer RUNNING at this attempt, for example after cancellation.
func (m *Manager) Retry(ctx context.Context, env *Envelope, cause error) (bool, error) {
	log := logger.FromContextOrDefault(ctx, m.logger).With(
		"task_id", env.TaskID,
		"task_type", env.TaskType,
		"retry_count", env.RetryCount,
		"max_retries", env.MaxRetries)

	causeMsg := ""
	if cause != nil {
		causeMsg = cause.Error()
	}

	if env.RetriesExhausted() {
		msg := MaxRetriesExceeded
		if causeMsg != "" {
			msg += ": " + causeMsg
		}
		_, changed, err := m.updateStatus(ctx, env.TaskID, domain.StatusUpdate{
			Status:       domain.TaskStatusFailed,
			ErrorMessage: &msg,
		}, env.RetryCount)
		if errors.Is(err, domain.ErrInvalidTransition) {
			return false, nil
		}
		if changed {
			metrics.TasksFailedTotal.WithLabelValues(env.TaskType, "max_retries").Inc()
			log.Warn("task failed after exhausting retries")
		}
		return false, err
	}

	next := *env
	next.RetryCount++
	_, changed, err := m.transition(ctx, env.TaskID, func(r *StatusRecord) error {
		if r.Status != domain.TaskStatusRunning || r.RetryCount != env.RetryCount {
			return fmt.Errorf("%w: retry of attempt %d while %s at attempt %d",
				domain.ErrInvalidTransition, env.RetryCount, r.Status, r.RetryCount)
		}
		r.Status = domain.TaskStatusPending
		r.RetryCount = next.RetryCount
		r.ErrorMessage = causeMsg
		return nil
	})
	if errors.Is(err, domain.ErrInvalidTransition) || errors.Is(err, ErrStatusNotFound) {
		log.Debug("skipping retry of task that is no longer running", "reason", err)
		return false, nil
	}
	if err != nil || !changed {
		return false, err
	}

	if err := m.mirror(ctx, env.TaskID, domain.StatusUpdate{
		Status:       domain.TaskStatusPending,
		ErrorMessage: &causeMsg,
	}); err != nil {
		log.Warn("retrying task without durable record update", "error", err)
	}

	delay := m.backoff(next.RetryCount)
	next.ScheduledAt = m.clock.Now().Add(delay)
	if err := m.push(ctx, &next, delay); err != nil {
		log.Error("failed to re-enqueue task", "error", err)
		m.failAfterPushError(ctx, &next, err)
		return false, err
	}

	metrics.TasksRetriedTotal.WithLabelValues(env.TaskType).Inc()
	log.Info("task re-enqueued for retry", "attempt", next.RetryCount, "delay", delay)
	return true, nil
}

// Requeue hands a running task back to the queue without spending a retry,
// for attempts interrupted by a worker shutting down rather than failing.
// It returns false when the task is no longer running the attempt of env.
func (m *Manager) Requeue(ctx context.Context, env *Envelope, reason string) (bool, error) {
	log := logger.FromContextOrDefault(ctx, m.logger).With(
		"task_id", env.TaskID,
		"task_type", env.TaskType,
		"retry_count", env.RetryCount)

	_, changed, err := m.transition(ctx, env.TaskID, func(r *StatusRecord) error {
		if r.Status != domain.TaskStatusRunning || r.RetryCount != env.RetryCount {
			return fmt.Errorf("%w: requeue of attempt %d while %s at attempt %d",
				ErrStaleAttempt, env.RetryCount, r.Status, r.RetryCount)
		}
		r.Status = domain.TaskStatusPending
		r.Progress = 0
		return nil
	})
	if errors.Is(err, domain.ErrInvalidTransition) || errors.Is(err, ErrStatusNotFound) {
		log.Debug("skipping requeue of task that is no longer running", "reason", err)
		return false, nil
	}
	if err != nil || !changed {
		return false, err
	}

	if err := m.mirror(ctx, env.TaskID, domain.StatusUpdate{
		Status:   domain.TaskStatusPending,
		Progress: domain.IntPtr(0),
	}); err != nil {
		log.Warn("requeueing task without durable record update", "error", err)
	}

	next := *env
	next.ScheduledAt = m.clock.Now()
	if err := m.push(ctx, &next, 0); err != nil {
		log.Error("failed to requeue task", "error", err)
		m.failAfterPushError(ctx, &next, err)
		return false, err
	}
	log.Info("task returned to the queue", "reason", reason)
	return true, nil
}

// Heartbeat stamps updated_at of a task that is running the attempt of env,
// so that the stuck-task reaper leaves it alone. No event is published. The
// current record is returned either way; ErrStaleAttempt reports that the
// task moved on to another attempt.
func (m *Manager) Heartbeat(ctx context.Context, env *Envelope) (*StatusRecord, error) {
	var stale error
	rec, err := m.store.UpdateStatus(ctx, env.TaskID, func(r *StatusRecord) error {
		if r.RetryCount != env.RetryCount {
			stale = fmt.Errorf("%w: attempt %d, task is at attempt %d", ErrStaleAttempt, env.RetryCount, r.RetryCount)
			return stale
		}
		if r.Status != domain.TaskStatusRunning {
			return errNoChange
		}
		r.UpdatedAt = domain.NextUpdateTime(r.UpdatedAt, m.clock.Now())
		return nil
	})
	switch {
	case stale != nil:
		return rec, stale
	case errors.Is(err, errNoChange):
		return rec, nil
	case errors.Is(err, ErrStatusNotFound):
		return nil, err
	case err != nil:
		return nil, fmt.Errorf("%w: heartbeat: %w", ErrStoreUnavailable, err)
	}
	return rec, nil
}

// backoff returns the delay before the given retry attempt.
func (m *Manager) backoff(attempt int) time.Duration {
	if m.cfg.RetryBackoffBase <= 0 || attempt < 1 {
		return 0
	}
	d := m.cfg.RetryBackoffBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if m.cfg.RetryBackoffMax > 0 && d >= m.cfg.RetryBackoffMax {
			return m.cfg.RetryBackoffMax
		}
	}
	if m.cfg.RetryBackoffMax > 0 && d > m.cfg.RetryBackoffMax {
		return m.cfg.RetryBackoffMax
	}
	return d
}

// PromoteDelayedTasks moves every due delayed envelope to its tier and
// returns how many were moved.
func (m *Manager) PromoteDelayedTasks(ctx context.Context) (int, error) {
	now := m.clock.Now()
	total := 0
	for {
		n, err := m.store.PromoteDue(ctx, now, m.cfg.PromoteBatchSize)
		total += n
		if err != nil {
			m.logger.Error("failed to promote delayed tasks", "error", err, "promoted", total)
			return total, fmt.Errorf("%w: promote: %w", ErrStoreUnavailable, err)
		}
		if n < m.cfg.PromoteBatchSize {
			break
		}
	}
	if total > 0 {
		m.logger.Debug("promoted delayed tasks", "count", total)
	}
	return total, nil
}

// Status returns the queue's status record of a task.
func (m *Manager) Status(ctx context.Context, taskID uuid.UUID) (*StatusRecord, error) {
	rec, err := m.store.GetStatus(ctx, taskID)
	if err != nil && !errors.Is(err, ErrStatusNotFound) {
		return nil, fmt.Errorf("%w: get status: %w", ErrStoreUnavailable, err)
	}
	return rec, err
}

// Stats returns tier and delayed-index depths.
func (m *Manager) Stats(ctx context.Context) (Stats, error) {
	st, err := m.store.Stats(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("%w: stats: %w", ErrStoreUnavailable, err)
	}
	return st, nil
}

// Now returns the manager's notion of the current time.
func (m *Manager) Now() time.Time {
	return m.clock.Now()
}
