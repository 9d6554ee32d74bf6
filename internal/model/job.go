package model

import (
	"time"

	"github.com/google/uuid"
)

// JobStatus is the lifecycle state of an analysis job. Transitions only
// move forward: pending → processing → {completed, failed}.
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

// Terminal reports whether a job in this status can never change again.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// CanTransition reports whether the forward-only FSM allows moving from s
// to next.
func (s JobStatus) CanTransition(next JobStatus) bool {
	switch s {
	case JobStatusPending:
		return next == JobStatusProcessing
	case JobStatusProcessing:
		return next == JobStatusCompleted || next == JobStatusFailed
	default:
		return false
	}
}

// Job is a persisted, asynchronously processed orchestration request.
// Status is the only contended field (atomic claim); all other fields are
// written exactly once by the owning worker.
type Job struct {
	ID        uuid.UUID   `json:"id"`
	OwnerID   string      `json:"owner_id"`
	Status    JobStatus   `json:"status"`
	Task      TaskContext `json:"task"`

	// Result is nil until the job completes.
	Result *CompositeResult `json:"result,omitempty"`
	// Error holds the plain-language failure message for failed jobs,
	// including a retry suggestion. Never raw exception text.
	Error string `json:"error,omitempty"`

	CreatedAt  time.Time  `json:"created_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}
