package job

import (
	"time"
)

// Job status constants
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
	StatusCancelled  = "cancelled"
)

// IsTerminal reports whether a status admits no further transitions.
func IsTerminal(status string) bool {
	switch status {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// ValidStatus reports whether the given string is a known job status.
func ValidStatus(status string) bool {
	switch status {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Error is the structured failure attached to a job that ended in FAILED
// (or CANCELLED, where it records the cancellation).
type Error struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// ResultRef is a non-owning reference to a result artifact held by the
// artifact store. The store owns the file; the job only points at it.
type ResultRef struct {
	Filename string `json:"filename"`
	Size     int64  `json:"size"`
}

// Job represents a tracked, possibly long-running unit of work.
type Job struct {
	ID              string
	Status          string
	ProgressPercent int
	Message         string
	CreatedAt       time.Time
	StartedAt       *time.Time
	CompletedAt     *time.Time
	Result          *ResultRef
	Err             *Error
	Metadata        map[string]string
	CancelRequested bool
}

// Terminal reports whether the job has reached a terminal state.
func (j *Job) Terminal() bool {
	return IsTerminal(j.Status)
}
