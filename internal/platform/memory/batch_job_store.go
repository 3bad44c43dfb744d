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

// BatchJobStore implements store.BatchJobStore in memory.
type BatchJobStore struct {
	db *DB
	tx *memTx
}

var _ store.BatchJobStore = (*BatchJobStore)(nil)

// Create implements store.BatchJobStore.
func (s *BatchJobStore) Create(_ context.Context, job *domain.BatchJob) error {
	if err := job.Validate(); err != nil {
		return fmt.Errorf("%w: %v", store.ErrInvalidEntity, err)
	}

	s.db.mu.Lock()
	defer s.db.mu.Unlock()

	if _, exists := s.db.jobs[job.ID]; exists {
		return fmt.Errorf("%w: batch job %s", store.ErrDuplicate, job.ID)
	}
	s.db.jobs[job.ID] = cloneJob(job)
	id := job.ID
	s.tx.record(func() { delete(s.db.jobs, id) })
	return nil
}

// GetByID implements store.BatchJobStore.
func (s *BatchJobStore) GetByID(_ context.Context, id uuid.UUID) (*domain.BatchJob, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()

	j, ok := s.db.jobs[id]
	if !ok {
		return nil, store.ErrBatchJobNotFound
	}
	return cloneJob(j), nil
}

// Update implements store.BatchJobStore. fn runs with the store locked and
// must not call back into the store.
func (s *BatchJobStore) Update(_ context.Context, id uuid.UUID, fn store.JobMutator) (*domain.BatchJob, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()

	current, ok := s.db.jobs[id]
	if !ok {
		return nil, store.ErrBatchJobNotFound
	}

	working := cloneJob(current)
	if err := fn(working); err != nil {
		return nil, err
	}
	working.ID = id
	if err := working.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", store.ErrInvalidEntity, err)
	}

	s.db.jobs[id] = working
	s.tx.record(func() { s.db.jobs[id] = current })
	return cloneJob(working), nil
}

// List implements store.BatchJobStore.
func (s *BatchJobStore) List(_ context.Context, filter store.JobFilter) ([]*domain.BatchJob, error) {
	p := filter.Page.Normalize()

	s.db.mu.RLock()
	matched := make([]*domain.BatchJob, 0)
	for _, j := range s.db.jobs {
		if filter.OwnerID != nil && j.OwnerID != *filter.OwnerID {
			continue
		}
		if filter.Status != nil && j.Status != *filter.Status {
			continue
		}
		matched = append(matched, cloneJob(j))
	}
	s.db.mu.RUnlock()

	sort.Slice(matched, func(i, k int) bool {
		return newerFirst(matched[i].CreatedAt, matched[k].CreatedAt, matched[i].ID, matched[k].ID)
	})
	return page(matched, p.Offset, p.Limit), nil
}

// FindDue implements store.BatchJobStore.
func (s *BatchJobStore) FindDue(_ context.Context, now time.Time, limit int) ([]*domain.BatchJob, error) {
	s.db.mu.RLock()
	due := make([]*domain.BatchJob, 0)
	for _, j := range s.db.jobs {
		if j.Status == domain.JobStatusScheduled && j.ScheduledAt != nil && !j.ScheduledAt.After(now) {
			due = append(due, cloneJob(j))
		}
	}
	s.db.mu.RUnlock()

	sort.Slice(due, func(i, k int) bool { return due[i].ScheduledAt.Before(*due[k].ScheduledAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

// WithTx implements store.BatchJobStore.
func (s *BatchJobStore) WithTx(_ *sql.Tx) store.BatchJobStore {
	return s
}
