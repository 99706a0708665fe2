package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/tvanhle/medproc-be/internal/artifact"
	"github.com/tvanhle/medproc-be/internal/batch"
	"github.com/tvanhle/medproc-be/internal/executor"
	"github.com/tvanhle/medproc-be/internal/ingest"
	"github.com/tvanhle/medproc-be/internal/job"
)

// UploadLimits bounds what a single multipart request may carry, before
// any archive-level inspection happens.
type UploadLimits struct {
	MaxFiles    int
	MaxFileSize int64
}

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Logger       *slog.Logger
	Registry     *job.Registry
	Executor     *executor.Executor
	Artifacts    *artifact.Store
	Orchestrator *batch.Orchestrator
	IngestLimits ingest.Limits
	Upload       UploadLimits
	WorkDir      string
}

// detail writes the uniform error envelope.
func detail(c *gin.Context, status int, msg string) {
	c.JSON(status, gin.H{"detail": msg})
}

// internalError logs the full failure and returns a generic detail keyed
// by a correlation id, so callers never see internals.
func internalError(c *gin.Context, logger *slog.Logger, err error) {
	correlationID := uuid.New().String()
	logger.Error("Internal error",
		slog.String("correlation_id", correlationID),
		slog.String("path", c.Request.URL.Path),
		slog.String("error", err.Error()),
	)
	c.JSON(http.StatusInternalServerError, gin.H{
		"detail":         "Internal processing error",
		"correlation_id": correlationID,
	})
}

// writeDomainError maps domain failures onto HTTP statuses. Violations name
// the specific bound they tripped; capacity exhaustion is a 503.
func writeDomainError(c *gin.Context, logger *slog.Logger, err error) {
	var violation *ingest.Violation
	switch {
	case errors.As(err, &violation):
		detail(c, http.StatusBadRequest, violation.Error())
	case errors.Is(err, batch.ErrNoProcessableFiles):
		detail(c, http.StatusBadRequest, err.Error())
	case errors.Is(err, job.ErrRegistryFull):
		detail(c, http.StatusServiceUnavailable, "job registry is full, retry later")
	case errors.Is(err, executor.ErrQueueFull):
		detail(c, http.StatusServiceUnavailable, "processing queue is full, retry later")
	case errors.Is(err, executor.ErrCancelled):
		// Synchronous work stopped because the caller went away; 499
		// follows the nginx convention for a closed client request.
		detail(c, 499, "request cancelled by client")
	case errors.Is(err, job.ErrNotFound):
		detail(c, http.StatusNotFound, "job not found")
	default:
		internalError(c, logger, err)
	}
}
