package mocks

import (
	"context"

	"github.com/google/uuid"
	"github.com/phrazzld/scry-queue/internal/results"
)

// MockResultService mocks the result aggregator.
type MockResultService struct {
	CollectFn func(ctx context.Context, jobID uuid.UUID) ([]results.Row, error)
	ExportFn  func(ctx context.Context, jobID uuid.UUID, format results.Format) (*results.Export, error)

	Rows []results.Row
	File *results.Export
	Err  error
}

// Collect delegates to CollectFn.
func (m *MockResultService) Collect(ctx context.Context, jobID uuid.UUID) ([]results.Row, error) {
	if m.CollectFn != nil {
		return m.CollectFn(ctx, jobID)
	}
	return m.Rows, m.Err
}

// Export delegates to ExportFn.
func (m *MockResultService) Export(ctx context.Context, jobID uuid.UUID, format results.Format) (*results.Export, error) {
	if m.ExportFn != nil {
		return m.ExportFn(ctx, jobID, format)
	}
	return m.File, m.Err
}
