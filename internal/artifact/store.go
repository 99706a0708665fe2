package artifact

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// ErrNotFound is returned when no artifact exists for a job id, either
// because it was never stored or because it expired.
var ErrNotFound = errors.New("artifact not found")

// Ref describes a stored artifact.
type Ref struct {
	JobID    string
	Filename string
	Size     int64
	StoredAt time.Time
}

// Config holds artifact store construction parameters.
type Config struct {
	// Root is the directory holding one subdirectory per job id.
	Root string
	// TTL is how long an artifact outlives its job's completion.
	TTL time.Duration
	// SweepInterval is how often expired artifacts are collected.
	SweepInterval time.Duration
	Logger        *slog.Logger
}

// Store owns result artifact files on disk, keyed by job id. Each job owns
// at most one artifact; storing a second one replaces the first.
type Store struct {
	root          string
	ttl           time.Duration
	sweepInterval time.Duration
	logger        *slog.Logger

	mu      sync.Mutex
	entries map[string]*Ref

	stop chan struct{}
	done chan struct{}
}

// NewStore creates the root directory if needed and starts the TTL sweeper.
func NewStore(cfg *Config) (*Store, error) {
	if err := os.MkdirAll(cfg.Root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create artifact root: %w", err)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	sweepInterval := cfg.SweepInterval
	if sweepInterval <= 0 {
		sweepInterval = time.Minute
	}

	s := &Store{
		root:          cfg.Root,
		ttl:           cfg.TTL,
		sweepInterval: sweepInterval,
		logger:        logger,
		entries:       make(map[string]*Ref),
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
	}
	go s.sweepLoop()
	return s, nil
}

// Put stores the contents of src as the artifact owned by jobID.
func (s *Store) Put(jobID, filename string, src io.Reader) (*Ref, error) {
	dir := filepath.Join(s.root, jobID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create artifact dir: %w", err)
	}

	path := filepath.Join(dir, filepath.Base(filename))
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create artifact file: %w", err)
	}

	size, err := io.Copy(f, src)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.RemoveAll(dir)
		return nil, fmt.Errorf("failed to write artifact: %w", err)
	}

	ref := &Ref{
		JobID:    jobID,
		Filename: filepath.Base(filename),
		Size:     size,
		StoredAt: time.Now(),
	}

	s.mu.Lock()
	s.entries[jobID] = ref
	s.mu.Unlock()

	s.logger.Debug("Artifact stored",
		slog.String("job_id", jobID),
		slog.String("filename", ref.Filename),
		slog.Int64("size", size),
	)
	return ref, nil
}

// Open returns a reader over the artifact owned by jobID. The caller closes it.
func (s *Store) Open(jobID string) (io.ReadCloser, *Ref, error) {
	s.mu.Lock()
	ref, ok := s.entries[jobID]
	s.mu.Unlock()
	if !ok {
		return nil, nil, ErrNotFound
	}

	f, err := os.Open(filepath.Join(s.root, jobID, ref.Filename))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open artifact: %w", err)
	}
	return f, ref, nil
}

// Remove deletes the artifact owned by jobID. Removing a missing artifact
// is not an error; eviction and cancellation call this unconditionally.
func (s *Store) Remove(jobID string) {
	s.mu.Lock()
	_, ok := s.entries[jobID]
	delete(s.entries, jobID)
	s.mu.Unlock()

	if err := os.RemoveAll(filepath.Join(s.root, jobID)); err != nil {
		s.logger.Error("Failed to remove artifact files",
			slog.String("job_id", jobID),
			slog.String("error", err.Error()),
		)
		return
	}
	if ok {
		s.logger.Debug("Artifact removed", slog.String("job_id", jobID))
	}
}

// Close stops the TTL sweeper.
func (s *Store) Close() {
	close(s.stop)
	<-s.done
}

func (s *Store) sweepLoop() {
	defer close(s.done)

	ticker := time.NewTicker(s.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.sweepExpired(time.Now())
		}
	}
}

// sweepExpired removes artifacts whose TTL elapsed.
func (s *Store) sweepExpired(now time.Time) {
	if s.ttl <= 0 {
		return
	}

	s.mu.Lock()
	expired := make([]string, 0)
	for jobID, ref := range s.entries {
		if now.Sub(ref.StoredAt) > s.ttl {
			expired = append(expired, jobID)
		}
	}
	s.mu.Unlock()

	for _, jobID := range expired {
		s.Remove(jobID)
		s.logger.Info("Artifact expired", slog.String("job_id", jobID))
	}
}
