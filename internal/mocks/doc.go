// Package mocks provides hand-written mocks of the service interfaces used
// by the API layer and the task handlers.
//
// Each mock exposes a function field per method. When the field is nil the
// mock returns its default values instead:
//
//	svc := &mocks.MockBatchJobService{Err: store.ErrBatchJobNotFound}
//	svc.GetBatchJobFn = func(ctx context.Context, id uuid.UUID) (*domain.BatchJob, error) {
//	    return job, nil
//	}
package mocks
