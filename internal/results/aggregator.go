package results

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"log/slog"

	"github.com/google/uuid"
	"github.com/phrazzld/scry-queue/internal/domain"
	"github.com/phrazzld/scry-queue/internal/platform/logger"
	"github.com/phrazzld/scry-queue/internal/store"
)

// ErrJobNotCompleted is returned when results are requested for a job that
// has not reached COMPLETED.
var ErrJobNotCompleted = errors.New("batch job is not completed")

// defaultChunkSize is how many tasks are loaded per store round trip.
const defaultChunkSize = 100

// Row is one entry of a job's combined results. A task whose result data is
// a JSON array contributes one row per element, numbered by ItemIndex.
type Row struct {
	TaskID     uuid.UUID         `json:"task_id"`
	BatchIndex int               `json:"batch_index"`
	ItemIndex  int               `json:"item_index"`
	ResultType domain.ResultType `json:"result_type"`
	Data       json.RawMessage   `json:"result_data,omitempty"`
	FilePath   string            `json:"file_path,omitempty"`
	Metadata   json.RawMessage   `json:"metadata,omitempty"`
}

// Aggregator reads the results of batch jobs. It never writes.
type Aggregator struct {
	jobs       store.BatchJobStore
	tasks      store.TaskStore
	executions store.ExecutionStore
	results    store.ResultStore
	chunkSize  int
	logger     *slog.Logger
}

// NewAggregator creates an aggregator over the record stores.
func NewAggregator(stores store.Stores, log *slog.Logger) *Aggregator {
	if stores.Jobs == nil || stores.Tasks == nil || stores.Executions == nil || stores.Results == nil {
		panic("job, task, execution and result stores cannot be nil")
	}
	if log == nil {
		log = slog.Default()
	}
	return &Aggregator{
		jobs:       stores.Jobs,
		tasks:      stores.Tasks,
		executions: stores.Executions,
		results:    stores.Results,
		chunkSize:  defaultChunkSize,
		logger:     log.With("component", "result_aggregator"),
	}
}

type taskRef struct {
	id    uuid.UUID
	index int
}

// GetResults returns the job's rows in batch order. Only tasks that
// completed contribute rows. The job must be COMPLETED. Records are loaded
// lazily, a chunk of tasks at a time, as the sequence is consumed; a load
// failure ends the sequence with the error.
func (a *Aggregator) GetResults(ctx context.Context, jobID uuid.UUID) (iter.Seq2[Row, error], error) {
	job, err := a.jobs.GetByID(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status != domain.JobStatusCompleted {
		return nil, fmt.Errorf("%w: job is %s", ErrJobNotCompleted, job.Status)
	}

	refs, err := a.taskRefs(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks of job %s: %w", jobID, err)
	}

	return func(yield func(Row, error) bool) {
		for start := 0; start < len(refs); start += a.chunkSize {
			rows, err := a.loadChunk(ctx, refs[start:min(start+a.chunkSize, len(refs))])
			if err != nil {
				logger.FromContextOrDefault(ctx, a.logger).Error("failed to load batch results",
					"job_id", jobID,
					"error", err)
				yield(Row{}, err)
				return
			}
			for _, row := range rows {
				if !yield(row, nil) {
					return
				}
			}
		}
	}, nil
}

// Collect drains GetResults into a slice.
func (a *Aggregator) Collect(ctx context.Context, jobID uuid.UUID) ([]Row, error) {
	seq, err := a.GetResults(ctx, jobID)
	if err != nil {
		return nil, err
	}
	rows := []Row{}
	for row, err := range seq {
		if err != nil {
			return nil, err
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// taskRefs lists the job's tasks once each, in batch order.
func (a *Aggregator) taskRefs(ctx context.Context, jobID uuid.UUID) ([]taskRef, error) {
	execs, err := a.executions.ListByJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	seen := make(map[uuid.UUID]struct{}, len(execs))
	refs := make([]taskRef, 0, len(execs))
	for _, e := range execs {
		if _, ok := seen[e.TaskID]; ok {
			continue
		}
		seen[e.TaskID] = struct{}{}
		refs = append(refs, taskRef{id: e.TaskID, index: e.BatchIndex})
	}
	return refs, nil
}

func (a *Aggregator) loadChunk(ctx context.Context, refs []taskRef) ([]Row, error) {
	ids := make([]uuid.UUID, len(refs))
	for i, r := range refs {
		ids[i] = r.id
	}

	records, err := a.tasks.GetByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}
	completed := make(map[uuid.UUID]bool, len(records))
	for _, rec := range records {
		completed[rec.ID] = rec.Status == domain.TaskStatusCompleted
	}

	stored, err := a.results.ListByTasks(ctx, ids)
	if err != nil {
		return nil, err
	}

	var rows []Row
	for _, ref := range refs {
		result, ok := stored[ref.id]
		if !ok || !completed[ref.id] {
			continue
		}
		expanded, err := expand(ref.index, result)
		if err != nil {
			return nil, fmt.Errorf("task %s: %w", ref.id, err)
		}
		rows = append(rows, expanded...)
	}
	return rows, nil
}

// expand turns one stored result into rows. JSON array data is split into
// its elements; everything else becomes a single row. Stored JSON is
// compacted so that rows do not depend on how the store formats JSON.
func expand(index int, result *domain.TaskResult) ([]Row, error) {
	base := Row{
		TaskID:     result.TaskID,
		BatchIndex: index,
		ResultType: result.ResultType,
		FilePath:   result.FilePath,
	}
	if len(result.Metadata) > 0 {
		meta, err := compact(result.Metadata)
		if err != nil {
			return nil, fmt.Errorf("invalid result metadata: %w", err)
		}
		base.Metadata = meta
	}
	if len(result.Data) == 0 {
		return []Row{base}, nil
	}

	data, err := compact(result.Data)
	if err != nil {
		return nil, fmt.Errorf("invalid result data: %w", err)
	}
	if result.ResultType != domain.ResultTypeJSON || data[0] != '[' {
		base.Data = data
		return []Row{base}, nil
	}

	var items []json.RawMessage
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, fmt.Errorf("invalid result data: %w", err)
	}
	rows := make([]Row, len(items))
	for i, item := range items {
		row := base
		row.ItemIndex = i
		row.Data = item
		rows[i] = row
	}
	return rows, nil
}

func compact(raw json.RawMessage) (json.RawMessage, error) {
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
