package handler

import (
	"context"
	"fmt"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/tvanhle/medproc-be/internal/artifact"
	"github.com/tvanhle/medproc-be/internal/batch"
	"github.com/tvanhle/medproc-be/internal/executor"
	"github.com/tvanhle/medproc-be/internal/ingest"
	"github.com/tvanhle/medproc-be/internal/job"
)

// BatchHandler handles batch ingestion HTTP requests
type BatchHandler struct {
	logger       *slog.Logger
	registry     *job.Registry
	executor     *executor.Executor
	artifacts    *artifact.Store
	orchestrator *batch.Orchestrator
	limits       ingest.Limits
	upload       UploadLimits
	workDir      string
}

// NewBatchHandler creates a new BatchHandler instance
func NewBatchHandler(deps *Dependencies) *BatchHandler {
	return &BatchHandler{
		logger:       deps.Logger,
		registry:     deps.Registry,
		executor:     deps.Executor,
		artifacts:    deps.Artifacts,
		orchestrator: deps.Orchestrator,
		limits:       deps.IngestLimits,
		upload:       deps.Upload,
		workDir:      deps.WorkDir,
	}
}

// ProcessZip handles POST /api/v1/batch/process_zip
// Runs the batch pipeline over one uploaded archive. With ?async=true the
// work is submitted to the executor and a job id is returned instead of
// the result bundle.
func (h *BatchHandler) ProcessZip(c *gin.Context) {
	fh, err := c.FormFile("file")
	if err != nil {
		detail(c, http.StatusBadRequest, "a zip file upload named 'file' is required")
		return
	}

	if err := h.validateUpload(fh); err != nil {
		detail(c, http.StatusBadRequest, err.Error())
		return
	}

	tempDir, err := os.MkdirTemp(h.workDir, "upload-*")
	if err != nil {
		internalError(c, h.logger, err)
		return
	}

	archivePath := filepath.Join(tempDir, "upload.zip")
	if err := c.SaveUploadedFile(fh, archivePath); err != nil {
		os.RemoveAll(tempDir)
		internalError(c, h.logger, err)
		return
	}

	h.logger.Info("Archive received",
		slog.String("filename", fh.Filename),
		slog.Int64("size", fh.Size),
		slog.Bool("async", c.Query("async") == "true"),
	)

	if c.Query("async") == "true" {
		h.processAsync(c, tempDir, archivePath, fh.Filename)
		return
	}

	h.processSync(c, tempDir, archivePath, fh.Filename)
}

func (h *BatchHandler) processSync(c *gin.Context, tempDir, archivePath, sourceName string) {
	defer os.RemoveAll(tempDir)

	bundlePath := filepath.Join(tempDir, "bundle.zip")
	out, err := os.Create(bundlePath)
	if err != nil {
		internalError(c, h.logger, err)
		return
	}

	ctx := c.Request.Context()
	noProgress := func(int, string) {}
	clientGone := func() bool { return ctx.Err() != nil }

	_, err = h.orchestrator.Run(ctx, archivePath, sourceName, out, noProgress, clientGone)
	out.Close()
	if err != nil {
		writeDomainError(c, h.logger, err)
		return
	}

	c.FileAttachment(bundlePath, resultBundleName(sourceName))
}

func (h *BatchHandler) processAsync(c *gin.Context, tempDir, archivePath, sourceName string) {
	jobID, err := h.registry.Create(map[string]string{
		"operation": "batch_process_zip",
		"source":    sourceName,
	})
	if err != nil {
		os.RemoveAll(tempDir)
		writeDomainError(c, h.logger, err)
		return
	}

	bundleName := resultBundleName(sourceName)
	work := func(ctx context.Context, report executor.ProgressFunc, cancelled executor.CancelCheck) (*job.ResultRef, error) {
		bundlePath := filepath.Join(tempDir, "bundle.zip")
		out, err := os.Create(bundlePath)
		if err != nil {
			return nil, err
		}

		_, err = h.orchestrator.Run(ctx, archivePath, sourceName, out, report, cancelled)
		out.Close()
		if err != nil {
			return nil, err
		}

		in, err := os.Open(bundlePath)
		if err != nil {
			return nil, err
		}
		defer in.Close()

		ref, err := h.artifacts.Put(jobID, bundleName, in)
		if err != nil {
			return nil, err
		}
		return &job.ResultRef{Filename: ref.Filename, Size: ref.Size}, nil
	}

	// The upload dir outlives this request; the executor releases it once
	// the work finishes, is skipped, or is drained without running.
	cleanup := func() { os.RemoveAll(tempDir) }
	if err := h.executor.Submit(jobID, work, cleanup); err != nil {
		h.registry.Evict(jobID)
		os.RemoveAll(tempDir)
		writeDomainError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"job_id": jobID, "status": job.StatusPending})
}

// BatchInfo handles GET /api/v1/batch
// Describes the batch pipeline and its configured bounds.
func (h *BatchHandler) BatchInfo(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"message":         "Batch processing for mixed medical data archives",
		"endpoint":        "/api/v1/batch/process_zip",
		"supported_types": batch.SupportedExtensions(),
		"limits": gin.H{
			"max_files":             h.limits.MaxFiles,
			"max_size_mb":           h.limits.MaxExtractionSize / (1024 * 1024),
			"max_compression_ratio": h.limits.MaxCompressionRatio,
			"max_upload_bytes":      h.upload.MaxFileSize,
		},
	})
}

func (h *BatchHandler) validateUpload(fh *multipart.FileHeader) error {
	if !strings.HasSuffix(strings.ToLower(fh.Filename), ".zip") {
		return fmt.Errorf("uploaded file must be a zip archive, got %q", fh.Filename)
	}
	if h.upload.MaxFileSize > 0 && fh.Size > h.upload.MaxFileSize {
		return fmt.Errorf("uploaded file exceeds the %d byte limit", h.upload.MaxFileSize)
	}
	return nil
}

func resultBundleName(sourceName string) string {
	stem := strings.TrimSuffix(filepath.Base(sourceName), filepath.Ext(sourceName))
	if stem == "" {
		stem = "batch"
	}
	return stem + "_results.zip"
}
