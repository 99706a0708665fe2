package dto

import (
	"time"

	"github.com/tvanhle/medproc-be/internal/job"
)

// ErrorDTO is the wire shape of a structured job failure.
type ErrorDTO struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// ResultDTO describes a downloadable result artifact.
type ResultDTO struct {
	Filename string `json:"filename"`
	Size     int64  `json:"size"`
}

// JobDTO is the wire representation of a tracked job.
type JobDTO struct {
	JobID           string            `json:"job_id"`
	Status          string            `json:"status"`
	ProgressPercent int               `json:"progress_percent"`
	Message         string            `json:"message,omitempty"`
	CreatedAt       string            `json:"created_at"`
	StartedAt       *string           `json:"started_at"`
	CompletedAt     *string           `json:"completed_at"`
	Result          *ResultDTO        `json:"result"`
	Error           *ErrorDTO         `json:"error"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}

// ListJobsRequest carries the query parameters of the job listing endpoint.
type ListJobsRequest struct {
	Status string `form:"status"`
	Limit  int    `form:"limit"`
}

// ListJobsResponse is the job listing envelope.
type ListJobsResponse struct {
	Total int      `json:"total"`
	Jobs  []JobDTO `json:"jobs"`
}

// FromJob converts a registry snapshot into its wire representation.
func FromJob(j job.Job) JobDTO {
	d := JobDTO{
		JobID:           j.ID,
		Status:          j.Status,
		ProgressPercent: j.ProgressPercent,
		Message:         j.Message,
		CreatedAt:       j.CreatedAt.Format(time.RFC3339),
		StartedAt:       formatTime(j.StartedAt),
		CompletedAt:     formatTime(j.CompletedAt),
		Metadata:        j.Metadata,
	}
	if j.Result != nil {
		d.Result = &ResultDTO{Filename: j.Result.Filename, Size: j.Result.Size}
	}
	if j.Err != nil {
		d.Error = &ErrorDTO{Kind: j.Err.Kind, Message: j.Err.Message}
	}
	return d
}

func formatTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.Format(time.RFC3339)
	return &s
}
