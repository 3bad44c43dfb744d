package memory

import (
	"context"
	"database/sql"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/phrazzld/scry-queue/internal/domain"
	"github.com/phrazzld/scry-queue/internal/store"
)

// ExecutionStore implements store.ExecutionStore in memory.
type ExecutionStore struct {
	db *DB
	tx *memTx
}

var _ store.ExecutionStore = (*ExecutionStore)(nil)

// Create implements store.ExecutionStore.
func (s *ExecutionStore) Create(_ context.Context, exec *domain.TaskExecution) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()

	if _, ok := s.db.tasks[exec.TaskID]; !ok {
		return fmt.Errorf("%w: task %s does not exist", store.ErrInvalidEntity, exec.TaskID)
	}
	if exec.JobID != nil {
		if _, ok := s.db.jobs[*exec.JobID]; !ok {
			return fmt.Errorf("%w: batch job %s does not exist", store.ErrInvalidEntity, *exec.JobID)
		}
	}
	if _, exists := s.db.executions[exec.ID]; exists {
		return fmt.Errorf("%w: execution %s", store.ErrDuplicate, exec.ID)
	}

	s.db.executions[exec.ID] = cloneExecution(exec)
	id := exec.ID
	s.tx.record(func() { delete(s.db.executions, id) })
	return nil
}

// Update implements store.ExecutionStore.
func (s *ExecutionStore) Update(_ context.Context, exec *domain.TaskExecution) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()

	prev, ok := s.db.executions[exec.ID]
	if !ok {
		return store.ErrExecutionNotFound
	}
	next := cloneExecution(prev)
	next.WorkerID = exec.WorkerID
	next.Status = exec.Status
	next.RetryCount = exec.RetryCount
	next.ErrorMessage = exec.ErrorMessage
	next.StartedAt = cloneTime(exec.StartedAt)
	next.CompletedAt = cloneTime(exec.CompletedAt)

	s.db.executions[exec.ID] = next
	s.tx.record(func() { s.db.executions[prev.ID] = prev })
	return nil
}

// ListByTask implements store.ExecutionStore.
func (s *ExecutionStore) ListByTask(_ context.Context, taskID uuid.UUID) ([]*domain.TaskExecution, error) {
	return s.collect(func(e *domain.TaskExecution) bool { return e.TaskID == taskID }), nil
}

// ListByJob implements store.ExecutionStore.
func (s *ExecutionStore) ListByJob(_ context.Context, jobID uuid.UUID) ([]*domain.TaskExecution, error) {
	return s.collect(func(e *domain.TaskExecution) bool { return e.JobID != nil && *e.JobID == jobID }), nil
}

func (s *ExecutionStore) collect(match func(*domain.TaskExecution) bool) []*domain.TaskExecution {
	s.db.mu.RLock()
	out := make([]*domain.TaskExecution, 0)
	for _, e := range s.db.executions {
		if match(e) {
			out = append(out, cloneExecution(e))
		}
	}
	s.db.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].BatchIndex != out[j].BatchIndex {
			return out[i].BatchIndex < out[j].BatchIndex
		}
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return out
}

// WithTx implements store.ExecutionStore.
func (s *ExecutionStore) WithTx(_ *sql.Tx) store.ExecutionStore {
	return s
}
