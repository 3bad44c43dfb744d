package task

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/phrazzld/scry-queue/internal/domain"
)

// Job is what a handler sees of the task it runs.
type Job struct {
	TaskID   uuid.UUID
	TaskType string

	// Payload is the decoded payload for task types with a typed variant and
	// nil otherwise; RawPayload is always set.
	Payload    domain.Payload
	RawPayload json.RawMessage

	// Attempt is the zero-based retry count of this execution.
	Attempt int

	progress *progressReporter
}

// ReportProgress publishes a progress percentage without blocking. Values
// are clamped to 0..100 and rapid reports are coalesced into the latest one.
// Safe for concurrent use.
func (j *Job) ReportProgress(percent int) {
	if j.progress != nil {
		j.progress.report(domain.ClampProgress(percent))
	}
}

// Outcome is what a successful handler produced.
type Outcome struct {
	ResultType domain.ResultType

	// Data is encoded as the result's JSON data. Slices become a list of
	// sub-results that result exports flatten into rows.
	Data     any
	FilePath string
	Metadata map[string]any

	// Item counts are recorded on the task record for multi-item tasks.
	TotalItems     int
	ProcessedItems int
	FailedItems    int
}

// progressReporter coalesces progress reports and delivers the latest one
// through send on its own goroutine.
type progressReporter struct {
	mu      sync.Mutex
	latest  int
	pending bool
	wake    chan struct{}
	done    chan struct{}
}

func newProgressReporter(ctx context.Context, log *slog.Logger, send func(ctx context.Context, percent int) error) *progressReporter {
	p := &progressReporter{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go func() {
		defer close(p.done)
		for {
			select {
			case <-ctx.Done():
				return
			case <-p.wake:
			}
			p.mu.Lock()
			percent, ok := p.latest, p.pending
			p.pending = false
			p.mu.Unlock()
			if !ok {
				continue
			}
			if err := send(ctx, percent); err != nil && ctx.Err() == nil {
				log.Debug("failed to record task progress", "progress", percent, "error", err)
			}
		}
	}()
	return p
}

func (p *progressReporter) report(percent int) {
	p.mu.Lock()
	p.latest = percent
	p.pending = true
	p.mu.Unlock()
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// wait blocks until the delivery goroutine has exited. The context given to
// newProgressReporter must be cancelled first.
func (p *progressReporter) wait() {
	<-p.done
}
