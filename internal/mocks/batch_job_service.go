package mocks

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/phrazzld/scry-queue/internal/batch"
	"github.com/phrazzld/scry-queue/internal/domain"
	"github.com/phrazzld/scry-queue/internal/store"
)

// MockBatchJobService mocks the batch orchestrator as the API layer uses it.
// Unset functions return the default Job, Status and Err values.
type MockBatchJobService struct {
	CreateBatchJobFn    func(ctx context.Context, req batch.CreateBatchJobRequest) (*domain.BatchJob, error)
	ListBatchJobsFn     func(ctx context.Context, filter store.JobFilter) ([]*domain.BatchJob, error)
	GetBatchJobFn       func(ctx context.Context, jobID uuid.UUID) (*domain.BatchJob, error)
	GetBatchJobStatusFn func(ctx context.Context, jobID uuid.UUID) (*batch.JobStatus, error)
	CancelBatchJobFn    func(ctx context.Context, jobID uuid.UUID) (bool, error)
	ResumeBatchJobFn    func(ctx context.Context, jobID uuid.UUID) (*domain.BatchJob, error)

	Job    *domain.BatchJob
	Status *batch.JobStatus
	Err    error

	mu       sync.Mutex
	requests []batch.CreateBatchJobRequest
	filters  []store.JobFilter
}

// CreateBatchJob records req and delegates to CreateBatchJobFn.
func (m *MockBatchJobService) CreateBatchJob(ctx context.Context, req batch.CreateBatchJobRequest) (*domain.BatchJob, error) {
	m.mu.Lock()
	m.requests = append(m.requests, req)
	m.mu.Unlock()
	if m.CreateBatchJobFn != nil {
		return m.CreateBatchJobFn(ctx, req)
	}
	return m.Job, m.Err
}

// ListBatchJobs records filter and delegates to ListBatchJobsFn.
func (m *MockBatchJobService) ListBatchJobs(ctx context.Context, filter store.JobFilter) ([]*domain.BatchJob, error) {
	m.mu.Lock()
	m.filters = append(m.filters, filter)
	m.mu.Unlock()
	if m.ListBatchJobsFn != nil {
		return m.ListBatchJobsFn(ctx, filter)
	}
	if m.Job == nil {
		return nil, m.Err
	}
	return []*domain.BatchJob{m.Job}, m.Err
}

// GetBatchJob delegates to GetBatchJobFn.
func (m *MockBatchJobService) GetBatchJob(ctx context.Context, jobID uuid.UUID) (*domain.BatchJob, error) {
	if m.GetBatchJobFn != nil {
		return m.GetBatchJobFn(ctx, jobID)
	}
	return m.Job, m.Err
}

// GetBatchJobStatus delegates to GetBatchJobStatusFn.
func (m *MockBatchJobService) GetBatchJobStatus(ctx context.Context, jobID uuid.UUID) (*batch.JobStatus, error) {
	if m.GetBatchJobStatusFn != nil {
		return m.GetBatchJobStatusFn(ctx, jobID)
	}
	if m.Status == nil && m.Job != nil {
		return &batch.JobStatus{Job: m.Job}, m.Err
	}
	return m.Status, m.Err
}

// CancelBatchJob delegates to CancelBatchJobFn.
func (m *MockBatchJobService) CancelBatchJob(ctx context.Context, jobID uuid.UUID) (bool, error) {
	if m.CancelBatchJobFn != nil {
		return m.CancelBatchJobFn(ctx, jobID)
	}
	return m.Err == nil, m.Err
}

// ResumeBatchJob delegates to ResumeBatchJobFn.
func (m *MockBatchJobService) ResumeBatchJob(ctx context.Context, jobID uuid.UUID) (*domain.BatchJob, error) {
	if m.ResumeBatchJobFn != nil {
		return m.ResumeBatchJobFn(ctx, jobID)
	}
	return m.Job, m.Err
}

// Requests returns the create requests received so far.
func (m *MockBatchJobService) Requests() []batch.CreateBatchJobRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]batch.CreateBatchJobRequest(nil), m.requests...)
}

// Filters returns the list filters received so far.
func (m *MockBatchJobService) Filters() []store.JobFilter {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]store.JobFilter(nil), m.filters...)
}
