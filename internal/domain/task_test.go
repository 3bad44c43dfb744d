package domain

import (
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestTaskStatusCanTransition(t *testing.T) {
	t.Parallel()

	tests := []struct {
		from, to TaskStatus
		want     bool
	}{
		{TaskStatusPending, TaskStatusRunning, true},
		{TaskStatusPending, TaskStatusCancelled, true},
		{TaskStatusPending, TaskStatusFailed, true},
		{TaskStatusPending, TaskStatusCompleted, false},
		{TaskStatusRunning, TaskStatusRunning, true},
		{TaskStatusRunning, TaskStatusPending, true},
		{TaskStatusRunning, TaskStatusCompleted, true},
		{TaskStatusRunning, TaskStatusCancelled, true},
		{TaskStatusCompleted, TaskStatusCompleted, true},
		{TaskStatusCompleted, TaskStatusFailed, false},
		{TaskStatusCancelled, TaskStatusCompleted, false},
		{TaskStatusCancelled, TaskStatusCancelled, true},
		{TaskStatusFailed, TaskStatusPending, false},
	}

	for _, tc := range tests {
		if got := tc.from.CanTransition(tc.to); got != tc.want {
			t.Errorf("%s -> %s: expected %v, got %v", tc.from, tc.to, tc.want, got)
		}
	}
}

func TestParsePriority(t *testing.T) {
	t.Parallel()

	for in, want := range map[string]Priority{
		"":       PriorityNormal,
		"HIGH":   PriorityHigh,
		" low ":  PriorityLow,
		"normal": PriorityNormal,
		"Normal": PriorityNormal,
	} {
		got, err := ParsePriority(in)
		if err != nil {
			t.Fatalf("ParsePriority(%q) returned error: %v", in, err)
		}
		if got != want {
			t.Errorf("ParsePriority(%q) = %s, want %s", in, got, want)
		}
	}

	if _, err := ParsePriority("urgent"); !errors.Is(err, ErrInvalidPriority) {
		t.Errorf("expected ErrInvalidPriority, got %v", err)
	}

	if PriorityHigh.Rank() >= PriorityNormal.Rank() || PriorityNormal.Rank() >= PriorityLow.Rank() {
		t.Error("expected ranks high < normal < low")
	}
}

func TestStatusUpdateApply(t *testing.T) {
	t.Parallel()

	rec, err := NewTaskRecord(uuid.New(), TaskTypeTextGeneration, uuid.New(), PriorityNormal, nil)
	if err != nil {
		t.Fatalf("NewTaskRecord: %v", err)
	}

	now := time.Now().UTC()
	StatusUpdate{Status: TaskStatusRunning, Progress: IntPtr(0)}.Apply(rec, now)
	if rec.StartedAt == nil || !rec.StartedAt.Equal(now) {
		t.Error("expected started_at to be stamped on RUNNING")
	}

	StatusUpdate{Status: TaskStatusRunning, Progress: IntPtr(250)}.Apply(rec, now.Add(time.Second))
	if rec.Progress != 100 {
		t.Errorf("expected progress clamped to 100, got %d", rec.Progress)
	}

	StatusUpdate{Status: TaskStatusFailed, ErrorMessage: StringPtr("boom")}.Apply(rec, now.Add(2*time.Second))
	if rec.CompletedAt == nil {
		t.Error("expected completed_at on terminal status")
	}
	if rec.ErrorMessage != "boom" {
		t.Errorf("expected error message to be recorded, got %q", rec.ErrorMessage)
	}
	if !rec.StartedAt.Equal(now) {
		t.Error("started_at must not move after the first RUNNING update")
	}
}

func TestNewTaskRecordValidation(t *testing.T) {
	t.Parallel()

	if _, err := NewTaskRecord(uuid.Nil, "x", uuid.New(), PriorityHigh, nil); !errors.Is(err, ErrValidation) {
		t.Errorf("expected validation error for nil ID, got %v", err)
	}
	if _, err := NewTaskRecord(uuid.New(), " ", uuid.New(), PriorityHigh, nil); !errors.Is(err, ErrValidation) {
		t.Errorf("expected validation error for blank task type, got %v", err)
	}
	if _, err := NewTaskRecord(uuid.New(), "x", uuid.New(), Priority("urgent"), nil); !errors.Is(err, ErrInvalidPriority) {
		t.Errorf("expected priority error, got %v", err)
	}
}
