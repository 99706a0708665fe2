package job

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// EvictFunc is called after a job has been removed from the registry, with
// the id of the evicted job. Used to release the job's result artifact.
type EvictFunc func(jobID string)

// Registry is a bounded, concurrency-safe in-memory store of job records.
// All mutations are linearized by a single lock; readers always receive
// copies, never pointers into the store.
type Registry struct {
	mu      sync.Mutex
	jobs    map[string]*Job
	maxJobs int
	logger  *slog.Logger
	onEvict EvictFunc
	now     func() time.Time
}

// RegistryConfig holds registry construction parameters.
type RegistryConfig struct {
	MaxJobs int
	Logger  *slog.Logger
	OnEvict EvictFunc
}

// NewRegistry creates a registry holding at most cfg.MaxJobs records.
func NewRegistry(cfg *RegistryConfig) *Registry {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		jobs:    make(map[string]*Job),
		maxJobs: cfg.MaxJobs,
		logger:  logger,
		onEvict: cfg.OnEvict,
		now:     time.Now,
	}
}

// Create registers a new pending job and returns its id. Metadata is
// recorded as-is and never interpreted. When the registry is at capacity
// the oldest terminal job is evicted first; if every record is still
// active, Create fails with ErrRegistryFull.
func (r *Registry) Create(metadata map[string]string) (string, error) {
	r.mu.Lock()

	var evicted string
	if len(r.jobs) >= r.maxJobs {
		evicted = r.evictOldestTerminalLocked()
		if evicted == "" {
			r.mu.Unlock()
			return "", ErrRegistryFull
		}
	}

	id := uuid.New().String()
	meta := make(map[string]string, len(metadata))
	for k, v := range metadata {
		meta[k] = v
	}

	r.jobs[id] = &Job{
		ID:        id,
		Status:    StatusPending,
		CreatedAt: r.now(),
		Metadata:  meta,
	}
	r.mu.Unlock()

	if evicted != "" && r.onEvict != nil {
		r.onEvict(evicted)
	}

	r.logger.Debug("Job created", slog.String("job_id", id))
	return id, nil
}

// Get returns a copy of the job record.
func (r *Registry) Get(id string) (Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	j, ok := r.jobs[id]
	if !ok {
		return Job{}, ErrNotFound
	}
	return *j, nil
}

// List returns up to limit jobs, most recent first, optionally filtered by
// status. The result is a consistent snapshot taken under the lock.
func (r *Registry) List(status string, limit int) []Job {
	r.mu.Lock()
	snapshot := make([]Job, 0, len(r.jobs))
	for _, j := range r.jobs {
		if status != "" && j.Status != status {
			continue
		}
		snapshot = append(snapshot, *j)
	}
	r.mu.Unlock()

	sort.Slice(snapshot, func(i, k int) bool {
		if snapshot[i].CreatedAt.Equal(snapshot[k].CreatedAt) {
			return snapshot[i].ID > snapshot[k].ID
		}
		return snapshot[i].CreatedAt.After(snapshot[k].CreatedAt)
	})

	if limit > 0 && len(snapshot) > limit {
		snapshot = snapshot[:limit]
	}
	return snapshot
}

// Count returns the number of records currently held.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.jobs)
}

// MarkStarted transitions a pending job to processing.
func (r *Registry) MarkStarted(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	j, ok := r.jobs[id]
	if !ok {
		return ErrNotFound
	}
	if j.Status != StatusPending {
		return &InvalidTransitionError{ID: id, From: j.Status, Op: "start"}
	}

	now := r.now()
	j.Status = StatusProcessing
	j.StartedAt = &now
	return nil
}

// UpdateProgress records progress for a processing job. Percent is clamped
// to 0-100 and never decreases; the message always overwrites the previous
// one.
func (r *Registry) UpdateProgress(id string, percent int, message string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	j, ok := r.jobs[id]
	if !ok {
		return ErrNotFound
	}
	if j.Status != StatusProcessing {
		return &InvalidTransitionError{ID: id, From: j.Status, Op: "update progress of"}
	}

	if percent > 100 {
		percent = 100
	}
	if percent > j.ProgressPercent {
		j.ProgressPercent = percent
	}
	j.Message = message
	return nil
}

// MarkCompleted transitions a processing job to completed and attaches the
// result reference.
func (r *Registry) MarkCompleted(id string, result *ResultRef) error {
	if result == nil {
		return ErrNilResult
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	j, ok := r.jobs[id]
	if !ok {
		return ErrNotFound
	}
	if j.Status != StatusProcessing {
		return &InvalidTransitionError{ID: id, From: j.Status, Op: "complete"}
	}

	now := r.now()
	j.Status = StatusCompleted
	j.ProgressPercent = 100
	j.CompletedAt = &now
	j.Result = result
	return nil
}

// MarkFailed transitions a processing job to failed and attaches the
// structured error.
func (r *Registry) MarkFailed(id string, jobErr *Error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	j, ok := r.jobs[id]
	if !ok {
		return ErrNotFound
	}
	if j.Status != StatusProcessing {
		return &InvalidTransitionError{ID: id, From: j.Status, Op: "fail"}
	}

	now := r.now()
	j.Status = StatusFailed
	j.CompletedAt = &now
	j.Err = jobErr
	return nil
}

// RequestCancel asks a non-terminal job to stop. A pending job is cancelled
// immediately; a processing job only has its cancel flag raised and must
// observe it cooperatively. Returns the status the job held after the call.
func (r *Registry) RequestCancel(id string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	j, ok := r.jobs[id]
	if !ok {
		return "", ErrNotFound
	}

	switch j.Status {
	case StatusPending:
		now := r.now()
		j.Status = StatusCancelled
		j.CompletedAt = &now
		j.CancelRequested = true
		j.Err = &Error{Kind: "cancelled", Message: "cancelled before processing started"}
		return StatusCancelled, nil
	case StatusProcessing:
		j.CancelRequested = true
		return StatusProcessing, nil
	default:
		return j.Status, &InvalidTransitionError{ID: id, From: j.Status, Op: "cancel"}
	}
}

// CancelRequested reports whether cancellation has been requested for the
// job. Unknown ids report true so orphaned work stops promptly.
func (r *Registry) CancelRequested(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	j, ok := r.jobs[id]
	if !ok {
		return true
	}
	return j.CancelRequested
}

// MarkCancelled transitions a processing job to cancelled after its work
// acknowledged the cancel flag.
func (r *Registry) MarkCancelled(id string, message string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	j, ok := r.jobs[id]
	if !ok {
		return ErrNotFound
	}
	if j.Status != StatusProcessing {
		return &InvalidTransitionError{ID: id, From: j.Status, Op: "cancel"}
	}

	now := r.now()
	j.Status = StatusCancelled
	j.CompletedAt = &now
	if message == "" {
		message = "cancelled by request"
	}
	j.Err = &Error{Kind: "cancelled", Message: message}
	return nil
}

// Evict removes a job record. Ids are never reused, so eviction does not
// compromise id uniqueness.
func (r *Registry) Evict(id string) error {
	r.mu.Lock()
	_, ok := r.jobs[id]
	if ok {
		delete(r.jobs, id)
	}
	r.mu.Unlock()

	if !ok {
		return ErrNotFound
	}
	if r.onEvict != nil {
		r.onEvict(id)
	}
	return nil
}

// evictOldestTerminalLocked removes the terminal job with the oldest
// completion time. Returns the evicted id, or "" when every job is active.
// Caller holds the lock.
func (r *Registry) evictOldestTerminalLocked() string {
	var oldest *Job
	for _, j := range r.jobs {
		if !j.Terminal() {
			continue
		}
		if oldest == nil || completedBefore(j, oldest) {
			oldest = j
		}
	}
	if oldest == nil {
		return ""
	}

	delete(r.jobs, oldest.ID)
	r.logger.Debug("Evicted terminal job at capacity", slog.String("job_id", oldest.ID))
	return oldest.ID
}

func completedBefore(a, b *Job) bool {
	switch {
	case a.CompletedAt == nil:
		return true
	case b.CompletedAt == nil:
		return false
	default:
		return a.CompletedAt.Before(*b.CompletedAt)
	}
}
