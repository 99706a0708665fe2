package job

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a job id is unknown or already evicted
	ErrNotFound = errors.New("job not found")

	// ErrRegistryFull is returned by Create when the registry is at capacity
	// and holds no terminal job that could be evicted
	ErrRegistryFull = errors.New("job registry full")

	// ErrNilResult is returned by MarkCompleted when no result reference is
	// supplied; a completed job always carries one
	ErrNilResult = errors.New("completed job requires a result reference")
)

// InvalidTransitionError is returned when an operation would move a job
// along an edge the state machine does not allow.
type InvalidTransitionError struct {
	ID   string
	From string
	Op   string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition: cannot %s job %s in status %s", e.Op, e.ID, e.From)
}
