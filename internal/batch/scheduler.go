package batch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/scry-queue/internal/domain"
	"github.com/phrazzld/scry-queue/internal/platform/logger"
	"github.com/robfig/cron/v3"
)

// dueBatchSize caps how many due jobs one tick starts.
const dueBatchSize = 50

// Scheduler starts scheduled and recurring batch jobs when they fall due.
type Scheduler struct {
	orch     *Orchestrator
	interval time.Duration
	logger   *slog.Logger
}

// NewScheduler creates a scheduler that checks for due jobs every interval.
func NewScheduler(orch *Orchestrator, interval time.Duration, log *slog.Logger) *Scheduler {
	if orch == nil {
		panic("orchestrator cannot be nil")
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	return &Scheduler{
		orch:     orch,
		interval: interval,
		logger:   log.With("component", "batch_scheduler"),
	}
}

// Run ticks until ctx is cancelled. Ticks never overlap.
func (s *Scheduler) Run(ctx context.Context) {
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	c.Schedule(cron.Every(s.interval), cron.FuncJob(func() {
		if _, err := s.Tick(ctx); err != nil {
			s.logger.Error("scheduler tick failed", "error", err)
		}
	}))

	s.logger.Info("batch scheduler started", "interval", s.interval)
	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	s.logger.Info("batch scheduler stopped")
}

// Tick starts every job that is due and returns how many were started.
func (s *Scheduler) Tick(ctx context.Context) (int, error) {
	ctx = logger.WithLogger(ctx, s.logger)
	now := s.orch.manager.Now()

	due, err := s.orch.jobs.FindDue(ctx, now, dueBatchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to find due batch jobs: %w", err)
	}

	started := 0
	for _, job := range due {
		var err error
		if job.ScheduleType == domain.ScheduleRecurring {
			err = s.startRecurrence(ctx, job, now)
		} else {
			err = s.startScheduled(ctx, job)
		}
		switch {
		case errors.Is(err, errNoChange):
			// another scheduler instance got there first
		case err != nil:
			s.logger.Error("failed to start due batch job", "job_id", job.ID, "error", err)
		default:
			started++
		}
	}
	if started > 0 {
		s.logger.Info("started due batch jobs", "count", started)
	}
	return started, nil
}

func (s *Scheduler) startScheduled(ctx context.Context, job *domain.BatchJob) error {
	_, err := s.orch.jobs.Update(ctx, job.ID, func(j *domain.BatchJob) error {
		if j.Status != domain.JobStatusScheduled {
			return errNoChange
		}
		j.Status = domain.JobStatusPending
		j.UpdatedAt = s.orch.manager.Now()
		return nil
	})
	if err != nil {
		return err
	}
	s.logger.Info("scheduled batch job due", "job_id", job.ID)
	s.orch.launch(job.ID)
	return nil
}

// startRecurrence advances the recurring job to its next fire time and
// spawns a child job that runs this occurrence.
func (s *Scheduler) startRecurrence(ctx context.Context, job *domain.BatchJob, now time.Time) error {
	schedule, err := cron.ParseStandard(job.CronExpression)
	if err != nil {
		// unparseable schedules would otherwise be found due forever
		_, ferr := s.orch.jobs.Update(ctx, job.ID, func(j *domain.BatchJob) error {
			return j.Finish(domain.JobStatusFailed, "invalid cron expression: "+err.Error(), now)
		})
		return errors.Join(fmt.Errorf("invalid cron expression %q: %w", job.CronExpression, err), ferr)
	}

	next := schedule.Next(now).UTC()
	_, err = s.orch.jobs.Update(ctx, job.ID, func(j *domain.BatchJob) error {
		if j.Status != domain.JobStatusScheduled || j.ScheduledAt == nil || j.ScheduledAt.After(now) {
			return errNoChange
		}
		j.ScheduledAt = &next
		j.UpdatedAt = now
		return nil
	})
	if err != nil {
		return err
	}

	parentID := job.ID
	child := &domain.BatchJob{
		ID:                 uuid.New(),
		OwnerID:            job.OwnerID,
		Name:               job.Name,
		TaskType:           job.TaskType,
		Config:             job.Config,
		TotalTasks:         job.TotalTasks,
		MaxConcurrentTasks: job.MaxConcurrentTasks,
		ScheduleType:       domain.ScheduleImmediate,
		ParentJobID:        &parentID,
		Status:             domain.JobStatusPending,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := s.orch.jobs.Create(ctx, child); err != nil {
		return fmt.Errorf("failed to create recurrence of job %s: %w", job.ID, err)
	}
	s.logger.Info("recurring batch job fired",
		"job_id", job.ID,
		"run_job_id", child.ID,
		"next_run", next)
	s.orch.launch(child.ID)
	return nil
}
