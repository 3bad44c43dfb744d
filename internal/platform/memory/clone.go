package memory

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/scry-queue/internal/domain"
)

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func cloneRaw(r json.RawMessage) json.RawMessage {
	if r == nil {
		return nil
	}
	return append(json.RawMessage(nil), r...)
}

func cloneTask(t *domain.TaskRecord) *domain.TaskRecord {
	c := *t
	c.InputConfig = cloneRaw(t.InputConfig)
	c.StartedAt = cloneTime(t.StartedAt)
	c.CompletedAt = cloneTime(t.CompletedAt)
	return &c
}

func cloneJob(j *domain.BatchJob) *domain.BatchJob {
	c := *j
	c.Config.Tasks = make([]domain.TaskSpec, len(j.Config.Tasks))
	for i, spec := range j.Config.Tasks {
		spec.Payload = cloneRaw(spec.Payload)
		if spec.MaxRetries != nil {
			v := *spec.MaxRetries
			spec.MaxRetries = &v
		}
		c.Config.Tasks[i] = spec
	}
	c.ScheduledAt = cloneTime(j.ScheduledAt)
	c.StartedAt = cloneTime(j.StartedAt)
	c.CompletedAt = cloneTime(j.CompletedAt)
	if j.ParentJobID != nil {
		v := *j.ParentJobID
		c.ParentJobID = &v
	}
	return &c
}

func cloneExecution(e *domain.TaskExecution) *domain.TaskExecution {
	c := *e
	if e.JobID != nil {
		v := *e.JobID
		c.JobID = &v
	}
	c.StartedAt = cloneTime(e.StartedAt)
	c.CompletedAt = cloneTime(e.CompletedAt)
	return &c
}

func cloneResult(r *domain.TaskResult) *domain.TaskResult {
	c := *r
	c.Data = cloneRaw(r.Data)
	c.Metadata = cloneRaw(r.Metadata)
	return &c
}

// page applies limit/offset to an already ordered slice.
func page[T any](items []T, offset, limit int) []T {
	if offset >= len(items) {
		return []T{}
	}
	end := offset + limit
	if end > len(items) {
		end = len(items)
	}
	return items[offset:end]
}

func newerFirst(aCreated, bCreated time.Time, aID, bID uuid.UUID) bool {
	if !aCreated.Equal(bCreated) {
		return aCreated.After(bCreated)
	}
	return aID.String() < bID.String()
}
