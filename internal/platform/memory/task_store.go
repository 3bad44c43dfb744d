package memory

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/scry-queue/internal/domain"
	"github.com/phrazzld/scry-queue/internal/store"
)

// TaskStore implements store.TaskStore in memory.
type TaskStore struct {
	db *DB
	tx *memTx
}

var _ store.TaskStore = (*TaskStore)(nil)

// NewTaskStore returns a task store backed by db.
func NewTaskStore(db *DB) *TaskStore {
	return &TaskStore{db: db}
}

// Create implements store.TaskStore.
func (s *TaskStore) Create(_ context.Context, task *domain.TaskRecord) error {
	if err := task.Validate(); err != nil {
		return fmt.Errorf("%w: %v", store.ErrInvalidEntity, err)
	}

	s.db.mu.Lock()
	defer s.db.mu.Unlock()

	if _, exists := s.db.tasks[task.ID]; exists {
		return fmt.Errorf("%w: task %s", store.ErrDuplicate, task.ID)
	}
	s.db.tasks[task.ID] = cloneTask(task)
	id := task.ID
	s.tx.record(func() { delete(s.db.tasks, id) })
	return nil
}

// GetByID implements store.TaskStore.
func (s *TaskStore) GetByID(_ context.Context, id uuid.UUID) (*domain.TaskRecord, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()

	t, ok := s.db.tasks[id]
	if !ok {
		return nil, store.ErrTaskNotFound
	}
	return cloneTask(t), nil
}

// GetByIDs implements store.TaskStore.
func (s *TaskStore) GetByIDs(_ context.Context, ids []uuid.UUID) ([]*domain.TaskRecord, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()

	out := make([]*domain.TaskRecord, 0, len(ids))
	for _, id := range ids {
		if t, ok := s.db.tasks[id]; ok {
			out = append(out, cloneTask(t))
		}
	}
	return out, nil
}

// UpdateStatus implements store.TaskStore.
func (s *TaskStore) UpdateStatus(_ context.Context, id uuid.UUID, update domain.StatusUpdate) (*domain.TaskRecord, error) {
	if !update.Status.Valid() {
		return nil, fmt.Errorf("%w: %q", domain.ErrInvalidStatus, update.Status)
	}

	s.db.mu.Lock()
	defer s.db.mu.Unlock()

	t, ok := s.db.tasks[id]
	if !ok {
		return nil, store.ErrTaskNotFound
	}
	if !t.Status.CanTransition(update.Status) {
		return cloneTask(t), fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, t.Status, update.Status)
	}
	if t.Status == update.Status && t.Status.IsTerminal() {
		return cloneTask(t), nil
	}

	prev := cloneTask(t)
	update.Apply(t, domain.NextUpdateTime(t.UpdatedAt, time.Now().UTC()))
	s.tx.record(func() { s.db.tasks[id] = prev })
	return cloneTask(t), nil
}

// UpdateItemCounts implements store.TaskStore.
func (s *TaskStore) UpdateItemCounts(_ context.Context, id uuid.UUID, total, processed, failed int) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()

	t, ok := s.db.tasks[id]
	if !ok {
		return store.ErrTaskNotFound
	}
	prev := cloneTask(t)
	t.TotalItems, t.ProcessedItems, t.FailedItems = total, processed, failed
	t.UpdatedAt = domain.NextUpdateTime(t.UpdatedAt, time.Now().UTC())
	s.tx.record(func() { s.db.tasks[id] = prev })
	return nil
}

// List implements store.TaskStore.
func (s *TaskStore) List(_ context.Context, filter store.TaskFilter) ([]*domain.TaskRecord, error) {
	p := filter.Page.Normalize()

	s.db.mu.RLock()
	matched := make([]*domain.TaskRecord, 0)
	for _, t := range s.db.tasks {
		if filter.OwnerID != nil && t.OwnerID != *filter.OwnerID {
			continue
		}
		if filter.Status != nil && t.Status != *filter.Status {
			continue
		}
		if filter.TaskType != "" && t.TaskType != filter.TaskType {
			continue
		}
		matched = append(matched, cloneTask(t))
	}
	s.db.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		return newerFirst(matched[i].CreatedAt, matched[j].CreatedAt, matched[i].ID, matched[j].ID)
	})
	return page(matched, p.Offset, p.Limit), nil
}

// FindStale implements store.TaskStore.
func (s *TaskStore) FindStale(_ context.Context, status domain.TaskStatus, cutoff time.Time, limit int) ([]*domain.TaskRecord, error) {
	s.db.mu.RLock()
	stale := make([]*domain.TaskRecord, 0)
	for _, t := range s.db.tasks {
		if t.Status == status && t.UpdatedAt.Before(cutoff) {
			stale = append(stale, cloneTask(t))
		}
	}
	s.db.mu.RUnlock()

	sort.Slice(stale, func(i, j int) bool { return stale[i].UpdatedAt.Before(stale[j].UpdatedAt) })
	if limit > 0 && len(stale) > limit {
		stale = stale[:limit]
	}
	return stale, nil
}

// WithTx implements store.TaskStore. The memory backend has no SQL
// transactions; use DB.InTx instead.
func (s *TaskStore) WithTx(_ *sql.Tx) store.TaskStore {
	return s
}
