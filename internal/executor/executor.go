package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tvanhle/medproc-be/internal/job"
)

var (
	// ErrCancelled is returned by work that stopped after observing its
	// cancel check; the executor turns it into a cancelled terminal state.
	ErrCancelled = errors.New("work cancelled")

	// ErrQueueFull is returned by Submit when the executor cannot accept
	// more work without blocking the request path.
	ErrQueueFull = errors.New("executor queue full")
)

// ProgressFunc reports work progress into the owning job.
type ProgressFunc func(percent int, message string)

// CancelCheck reports whether cancellation has been requested for the
// owning job. Work polls it at safe checkpoints.
type CancelCheck func() bool

// Work is a unit of work bound to a job. It reports progress through the
// sink, polls the cancel check between steps, and returns either a result
// reference or an error (ErrCancelled after an observed cancellation).
type Work func(ctx context.Context, report ProgressFunc, cancelled CancelCheck) (*job.ResultRef, error)

type submission struct {
	jobID   string
	work    Work
	cleanup func()
}

// release runs the submission's cleanup hook, if any.
func (s submission) release() {
	if s.cleanup != nil {
		s.cleanup()
	}
}

// Config holds executor configuration.
type Config struct {
	Registry    *job.Registry
	Logger      *slog.Logger
	Concurrency int
	QueueSize   int
	// JobTimeout is the execution ceiling applied to every unit of work.
	JobTimeout time.Duration
}

// Executor runs submitted work off the request path on a fixed pool of
// goroutines, translating outcomes into exactly one terminal transition
// per job.
type Executor struct {
	registry    *job.Registry
	logger      *slog.Logger
	concurrency int
	jobTimeout  time.Duration
	queue       chan submission
	wg          sync.WaitGroup
	stopChan    chan struct{}
}

// New creates an executor. Start must be called before Submit.
func New(cfg *Config) *Executor {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = concurrency * 4
	}

	return &Executor{
		registry:    cfg.Registry,
		logger:      logger,
		concurrency: concurrency,
		jobTimeout:  cfg.JobTimeout,
		queue:       make(chan submission, queueSize),
		stopChan:    make(chan struct{}),
	}
}

// Start spawns the worker pool.
func (e *Executor) Start(ctx context.Context) {
	e.logger.Info("Starting executor pool",
		slog.Int("concurrency", e.concurrency),
		slog.Duration("job_timeout", e.jobTimeout),
	)

	for i := 0; i < e.concurrency; i++ {
		e.wg.Add(1)
		go e.workerLoop(ctx, i)
	}
}

// Stop drains the pool and waits for in-flight work to finish. Submissions
// still queued are never run; their cleanup hooks fire here.
func (e *Executor) Stop() {
	e.logger.Info("Stopping executor...")
	close(e.stopChan)
	e.wg.Wait()

	for {
		select {
		case sub := <-e.queue:
			sub.release()
		default:
			e.logger.Info("Executor stopped")
			return
		}
	}
}

// Submit schedules work bound to jobID. It never blocks: when the queue is
// full the caller gets ErrQueueFull and should surface a capacity error.
// cleanup (optional) releases resources owned by the submission; it runs
// exactly once, whether the work ran, was skipped, or was never picked up.
func (e *Executor) Submit(jobID string, work Work, cleanup func()) error {
	select {
	case e.queue <- submission{jobID: jobID, work: work, cleanup: cleanup}:
		return nil
	default:
		return ErrQueueFull
	}
}

func (e *Executor) workerLoop(ctx context.Context, workerNum int) {
	defer e.wg.Done()

	for {
		select {
		case <-e.stopChan:
			return
		case <-ctx.Done():
			return
		case sub := <-e.queue:
			e.runJob(ctx, workerNum, sub)
		}
	}
}

// runJob drives one unit of work through its lifecycle. Whatever the work
// does (return, fail, acknowledge cancellation, panic), the job ends in
// exactly one terminal state and the worker goroutine survives.
func (e *Executor) runJob(ctx context.Context, workerNum int, sub submission) {
	defer sub.release()

	logger := e.logger.With(
		slog.String("job_id", sub.jobID),
		slog.Int("worker_num", workerNum),
	)

	if err := e.registry.MarkStarted(sub.jobID); err != nil {
		// Cancelled while pending, or evicted before pickup.
		logger.Info("Skipping job no longer pending", slog.String("reason", err.Error()))
		return
	}

	jobCtx := ctx
	cancel := context.CancelFunc(func() {})
	if e.jobTimeout > 0 {
		jobCtx, cancel = context.WithTimeout(ctx, e.jobTimeout)
	}
	defer cancel()

	report := func(percent int, message string) {
		if err := e.registry.UpdateProgress(sub.jobID, percent, message); err != nil {
			logger.Warn("Progress update dropped", slog.String("error", err.Error()))
		}
	}
	cancelled := func() bool {
		return e.registry.CancelRequested(sub.jobID)
	}

	result, err := e.invoke(jobCtx, sub.work, report, cancelled)

	switch {
	case err == nil && result == nil:
		// A success without a result reference would leave a completed job
		// with neither result nor error; record it as a failure instead.
		jobErr := &job.Error{Kind: "processing_error", Message: "work finished without producing a result"}
		if markErr := e.registry.MarkFailed(sub.jobID, jobErr); markErr != nil {
			logger.Error("Failed to mark job failed", slog.String("error", markErr.Error()))
			return
		}
		logger.Error("Job produced no result")

	case err == nil:
		if markErr := e.registry.MarkCompleted(sub.jobID, result); markErr != nil {
			logger.Error("Failed to mark job completed", slog.String("error", markErr.Error()))
			return
		}
		logger.Info("Job completed")

	case errors.Is(err, ErrCancelled):
		if markErr := e.registry.MarkCancelled(sub.jobID, "cancelled during processing"); markErr != nil {
			logger.Error("Failed to mark job cancelled", slog.String("error", markErr.Error()))
			return
		}
		logger.Info("Job cancelled")

	default:
		jobErr := toJobError(jobCtx, err)
		if markErr := e.registry.MarkFailed(sub.jobID, jobErr); markErr != nil {
			logger.Error("Failed to mark job failed", slog.String("error", markErr.Error()))
			return
		}
		logger.Error("Job failed",
			slog.String("kind", jobErr.Kind),
			slog.String("error", err.Error()),
		)
	}
}

// invoke runs the work with panic recovery at the executor boundary.
func (e *Executor) invoke(ctx context.Context, work Work, report ProgressFunc, cancelled CancelCheck) (result *job.ResultRef, err error) {
	defer func() {
		if r := recover(); r != nil {
			result = nil
			err = fmt.Errorf("work panicked: %v", r)
		}
	}()
	return work(ctx, report, cancelled)
}

func toJobError(ctx context.Context, err error) *job.Error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return &job.Error{Kind: "timeout", Message: "processing exceeded the execution ceiling"}
	}
	return &job.Error{Kind: "processing_error", Message: err.Error()}
}
