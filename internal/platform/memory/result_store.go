package memory

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	"github.com/phrazzld/scry-queue/internal/domain"
	"github.com/phrazzld/scry-queue/internal/store"
)

// ResultStore implements store.ResultStore in memory.
type ResultStore struct {
	db *DB
	tx *memTx
}

var _ store.ResultStore = (*ResultStore)(nil)

// Create implements store.ResultStore.
func (s *ResultStore) Create(_ context.Context, result *domain.TaskResult) error {
	if err := result.Validate(); err != nil {
		return fmt.Errorf("%w: %v", store.ErrInvalidEntity, err)
	}

	s.db.mu.Lock()
	defer s.db.mu.Unlock()

	if _, ok := s.db.tasks[result.TaskID]; !ok {
		return fmt.Errorf("%w: task %s does not exist", store.ErrInvalidEntity, result.TaskID)
	}
	if _, exists := s.db.results[result.TaskID]; exists {
		return store.ErrResultExists
	}
	s.db.results[result.TaskID] = cloneResult(result)
	id := result.TaskID
	s.tx.record(func() { delete(s.db.results, id) })
	return nil
}

// GetByTask implements store.ResultStore.
func (s *ResultStore) GetByTask(_ context.Context, taskID uuid.UUID) (*domain.TaskResult, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()

	r, ok := s.db.results[taskID]
	if !ok {
		return nil, store.ErrResultNotFound
	}
	return cloneResult(r), nil
}

// ListByTasks implements store.ResultStore.
func (s *ResultStore) ListByTasks(_ context.Context, taskIDs []uuid.UUID) (map[uuid.UUID]*domain.TaskResult, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()

	out := make(map[uuid.UUID]*domain.TaskResult, len(taskIDs))
	for _, id := range taskIDs {
		if r, ok := s.db.results[id]; ok {
			out[id] = cloneResult(r)
		}
	}
	return out, nil
}

// WithTx implements store.ResultStore.
func (s *ResultStore) WithTx(_ *sql.Tx) store.ResultStore {
	return s
}
