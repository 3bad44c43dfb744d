package task

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/phrazzld/scry-queue/internal/domain"
	"github.com/phrazzld/scry-queue/internal/queue"
	"github.com/phrazzld/scry-queue/internal/store"
)

// StuckTaskMessage is the retry cause recorded for reaped tasks.
const StuckTaskMessage = "task stuck in running state"

const reapBatchSize = 100

// Reaper finds tasks that have been RUNNING without any update for too long,
// typically because their worker died, and hands them to Manager.Retry.
type Reaper struct {
	manager *queue.Manager
	records store.TaskStore
	maxAge  time.Duration
	logger  *slog.Logger
}

// NewReaper creates a reaper for tasks idle longer than maxAge.
func NewReaper(manager *queue.Manager, records store.TaskStore, maxAge time.Duration, logger *slog.Logger) *Reaper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reaper{
		manager: manager,
		records: records,
		maxAge:  maxAge,
		logger:  logger.With("component", "stuck_task_reaper"),
	}
}

// Reap retries every stuck task once and returns how many were re-enqueued.
func (r *Reaper) Reap(ctx context.Context) (int, error) {
	cutoff := r.manager.Now().Add(-r.maxAge)
	stuck, err := r.records.FindStale(ctx, domain.TaskStatusRunning, cutoff, reapBatchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to find stuck tasks: %w", err)
	}
	if len(stuck) == 0 {
		return 0, nil
	}
	r.logger.Info("found stuck tasks", "count", len(stuck))

	requeued := 0
	for _, rec := range stuck {
		log := r.logger.With("task_id", rec.ID, "task_type", rec.TaskType)

		st, err := r.manager.Status(ctx, rec.ID)
		if err != nil {
			if !errors.Is(err, queue.ErrStatusNotFound) {
				log.Error("failed to read status of stuck task", "error", err)
			}
			continue
		}
		// the queue's record is authoritative and may be fresher
		if st.Status != domain.TaskStatusRunning || st.UpdatedAt.After(cutoff) {
			continue
		}

		env := &queue.Envelope{
			TaskID:     rec.ID,
			TaskType:   rec.TaskType,
			Payload:    rec.InputConfig,
			Priority:   st.Priority,
			RetryCount: st.RetryCount,
			MaxRetries: st.MaxRetries,
			CreatedAt:  rec.CreatedAt,
		}
		ok, err := r.manager.Retry(ctx, env, errors.New(StuckTaskMessage))
		if err != nil {
			log.Error("failed to reset stuck task", "error", err)
			continue
		}
		if ok {
			requeued++
			log.Info("requeued stuck task", "retry_count", env.RetryCount+1)
		}
	}
	return requeued, nil
}
