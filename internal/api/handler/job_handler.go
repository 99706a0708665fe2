package handler

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tvanhle/medproc-be/internal/api/dto"
	"github.com/tvanhle/medproc-be/internal/artifact"
	"github.com/tvanhle/medproc-be/internal/job"
)

const (
	defaultListLimit = 50
	maxListLimit     = 100
)

// JobHandler handles job-related HTTP requests
type JobHandler struct {
	logger    *slog.Logger
	registry  *job.Registry
	artifacts *artifact.Store
}

// NewJobHandler creates a new JobHandler instance
func NewJobHandler(deps *Dependencies) *JobHandler {
	return &JobHandler{
		logger:    deps.Logger,
		registry:  deps.Registry,
		artifacts: deps.Artifacts,
	}
}

// ListJobs handles GET /api/v1/jobs
// Lists tracked jobs, newest first, with optional status filtering.
func (h *JobHandler) ListJobs(c *gin.Context) {
	var req dto.ListJobsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		detail(c, http.StatusBadRequest, "invalid query parameters")
		return
	}

	if req.Status != "" && !job.ValidStatus(req.Status) {
		detail(c, http.StatusBadRequest, fmt.Sprintf("unknown status %q", req.Status))
		return
	}

	if req.Limit <= 0 {
		req.Limit = defaultListLimit
	}
	if req.Limit > maxListLimit {
		req.Limit = maxListLimit
	}

	jobs := h.registry.List(req.Status, req.Limit)

	resp := dto.ListJobsResponse{
		Total: len(jobs),
		Jobs:  make([]dto.JobDTO, len(jobs)),
	}
	for i, j := range jobs {
		resp.Jobs[i] = dto.FromJob(j)
	}

	c.JSON(http.StatusOK, resp)
}

// GetJob handles GET /api/v1/jobs/:job_id
// Returns the current snapshot of a single job.
func (h *JobHandler) GetJob(c *gin.Context) {
	jobID := c.Param("job_id")

	j, err := h.registry.Get(jobID)
	if err != nil {
		detail(c, http.StatusNotFound, fmt.Sprintf("job %s not found", jobID))
		return
	}

	c.JSON(http.StatusOK, dto.FromJob(j))
}

// DeleteJob handles DELETE /api/v1/jobs/:job_id
// Cancels an active job or evicts a terminal one, freeing its artifact.
func (h *JobHandler) DeleteJob(c *gin.Context) {
	jobID := c.Param("job_id")

	j, err := h.registry.Get(jobID)
	if err != nil {
		detail(c, http.StatusNotFound, fmt.Sprintf("job %s not found", jobID))
		return
	}

	if j.Terminal() {
		if err := h.registry.Evict(jobID); err != nil {
			writeDomainError(c, h.logger, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"job_id": jobID, "status": "removed"})
		return
	}

	status, err := h.registry.RequestCancel(jobID)
	if err != nil {
		var transition *job.InvalidTransitionError
		if errors.As(err, &transition) {
			detail(c, http.StatusConflict, transition.Error())
			return
		}
		writeDomainError(c, h.logger, err)
		return
	}

	h.logger.Info("Cancellation requested",
		slog.String("job_id", jobID),
		slog.String("status", status),
	)

	c.JSON(http.StatusOK, gin.H{"job_id": jobID, "status": status, "cancel_requested": true})
}

// GetJobResult handles GET /api/v1/jobs/:job_id/result
// Streams the result bundle of a completed job.
func (h *JobHandler) GetJobResult(c *gin.Context) {
	jobID := c.Param("job_id")

	j, err := h.registry.Get(jobID)
	if err != nil {
		detail(c, http.StatusNotFound, fmt.Sprintf("job %s not found", jobID))
		return
	}

	if j.Status != job.StatusCompleted || j.Result == nil {
		detail(c, http.StatusConflict, fmt.Sprintf("job %s has no result (status %s)", jobID, j.Status))
		return
	}

	rc, ref, err := h.artifacts.Open(jobID)
	if err != nil {
		if errors.Is(err, artifact.ErrNotFound) {
			detail(c, http.StatusNotFound, fmt.Sprintf("result for job %s has expired", jobID))
			return
		}
		internalError(c, h.logger, err)
		return
	}
	defer rc.Close()

	c.DataFromReader(http.StatusOK, ref.Size, "application/zip", rc, map[string]string{
		"Content-Disposition": fmt.Sprintf("attachment; filename=%s", ref.Filename),
	})
}
