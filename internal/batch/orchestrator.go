package batch

import (
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/tvanhle/medproc-be/internal/executor"
	"github.com/tvanhle/medproc-be/internal/ingest"
	"github.com/tvanhle/medproc-be/internal/processor"
)

// ErrNoProcessableFiles is returned when an archive extracts cleanly but
// holds nothing any category processor can handle.
var ErrNoProcessableFiles = errors.New("archive contains no processable files")

// Config holds orchestrator construction parameters.
type Config struct {
	Limits ingest.Limits
	// Processors maps category names to their processor. A category with
	// no processor configured is reported as failed, not dropped silently.
	Processors map[string]processor.Processor
	// WorkRoot is where per-run scratch directories are created.
	WorkRoot string
	Logger   *slog.Logger
}

// Orchestrator drives one batch run from untrusted archive to consolidated
// result bundle: ingest, categorize, dispatch per category, aggregate. The
// same code path serves the synchronous and the asynchronous surface; only
// the caller's waiting strategy differs.
type Orchestrator struct {
	limits   ingest.Limits
	procs    map[string]processor.Processor
	workRoot string
	logger   *slog.Logger
	now      func() time.Time
}

// New creates an orchestrator.
func New(cfg *Config) *Orchestrator {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		limits:   cfg.Limits,
		procs:    cfg.Processors,
		workRoot: cfg.WorkRoot,
		logger:   logger,
		now:      time.Now,
	}
}

// Run processes the archive at archivePath and writes the consolidated
// result bundle to dst. Progress lands in the report sink; the cancel check
// is polled between categories. All scratch state is removed on every exit
// path.
func (o *Orchestrator) Run(
	ctx context.Context,
	archivePath, sourceName string,
	dst io.Writer,
	report executor.ProgressFunc,
	cancelled executor.CancelCheck,
) (*Summary, error) {
	workDir, err := os.MkdirTemp(o.workRoot, "batch-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create work directory: %w", err)
	}
	defer func() {
		if rmErr := os.RemoveAll(workDir); rmErr != nil {
			o.logger.Error("Failed to remove batch work directory",
				slog.String("work_dir", workDir),
				slog.String("error", rmErr.Error()),
			)
		}
	}()

	report(5, "extracting archive")
	extractDir := filepath.Join(workDir, "extracted")
	if err := os.MkdirAll(extractDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create extraction root: %w", err)
	}

	entries, err := ingest.Extract(archivePath, extractDir, o.limits)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, ErrNoProcessableFiles
	}

	report(15, "categorizing files")
	buckets := Categorize(entries)

	o.logger.Info("Archive categorized",
		slog.Int("extracted", len(entries)),
		slog.Int("images", len(buckets.Images)),
		slog.Int("signal_records", len(buckets.Signals)),
		slog.Int("text", len(buckets.Text)),
		slog.Int("unrecognized", len(buckets.Unrecognized)),
	)

	if buckets.ProcessableCount() == 0 {
		return nil, ErrNoProcessableFiles
	}

	summary := &Summary{
		SourceName:     sourceName,
		ExtractedFiles: len(entries),
		ImageFiles:     len(buckets.Images),
		SignalRecords:  len(buckets.Signals),
		TextFiles:      len(buckets.Text),
		Failed:         make(map[string]string),
	}
	for _, e := range buckets.Unrecognized {
		summary.Unrecognized = append(summary.Unrecognized, e.Name)
	}

	artifacts := o.dispatch(ctx, workDir, buckets, summary, report, cancelled)
	if cancelled() {
		return nil, executor.ErrCancelled
	}

	report(90, "bundling results")
	if err := o.bundle(dst, artifacts, summary); err != nil {
		return nil, err
	}

	report(100, "batch complete")
	return summary, nil
}

// dispatch invokes each non-empty category's processor. A failure in one
// category is recorded and never aborts the others; cancellation is checked
// between categories.
func (o *Orchestrator) dispatch(
	ctx context.Context,
	workDir string,
	buckets Buckets,
	summary *Summary,
	report executor.ProgressFunc,
	cancelled executor.CancelCheck,
) []*processor.Artifact {
	type categoryInput struct {
		name  string
		files []string
	}

	inputs := make([]categoryInput, 0, 3)
	if len(buckets.Images) > 0 {
		inputs = append(inputs, categoryInput{CategoryImages, entryPaths(buckets.Images)})
	}
	if len(buckets.Signals) > 0 {
		files := make([]string, 0)
		for _, rec := range buckets.Signals {
			files = append(files, entryPaths(rec.Files)...)
		}
		inputs = append(inputs, categoryInput{CategorySignals, files})
	}
	if len(buckets.Text) > 0 {
		inputs = append(inputs, categoryInput{CategoryText, entryPaths(buckets.Text)})
	}

	artifacts := make([]*processor.Artifact, 0, len(inputs))
	progress := 20
	step := 70 / len(inputs)

	for _, input := range inputs {
		if cancelled() {
			return artifacts
		}

		report(progress, fmt.Sprintf("processing %s", input.name))
		progress += step

		proc, ok := o.procs[input.name]
		if !ok {
			summary.Failed[input.name] = "no processor configured for this category"
			continue
		}

		artifact, err := proc.Process(ctx, input.files, processor.Options{WorkDir: workDir})
		if err != nil {
			var perr *processor.Error
			if errors.As(err, &perr) {
				summary.Failed[input.name] = perr.Message
			} else {
				o.logger.Error("Category processor failed",
					slog.String("category", input.name),
					slog.String("error", err.Error()),
				)
				summary.Failed[input.name] = "internal processing error"
			}
			continue
		}

		summary.Succeeded = append(summary.Succeeded, input.name)
		artifacts = append(artifacts, artifact)
	}

	return artifacts
}

// bundle writes the final result archive: one result file per successful
// category plus the consolidated report.
func (o *Orchestrator) bundle(dst io.Writer, artifacts []*processor.Artifact, summary *Summary) error {
	zw := zip.NewWriter(dst)

	for _, artifact := range artifacts {
		w, err := zw.Create(artifact.Name)
		if err != nil {
			return fmt.Errorf("failed to add %s to bundle: %w", artifact.Name, err)
		}
		f, err := os.Open(artifact.Path)
		if err != nil {
			return fmt.Errorf("failed to open category artifact: %w", err)
		}
		_, err = io.Copy(w, f)
		f.Close()
		if err != nil {
			return fmt.Errorf("failed to copy %s into bundle: %w", artifact.Name, err)
		}
	}

	w, err := zw.Create("processing_report.txt")
	if err != nil {
		return fmt.Errorf("failed to add report to bundle: %w", err)
	}
	if _, err := w.Write(buildReport(summary, o.now())); err != nil {
		return fmt.Errorf("failed to write report: %w", err)
	}

	if err := zw.Close(); err != nil {
		return fmt.Errorf("failed to finalize bundle: %w", err)
	}
	return nil
}

func entryPaths(entries []ingest.Entry) []string {
	paths := make([]string, len(entries))
	for i, e := range entries {
		paths[i] = e.Path
	}
	return paths
}
