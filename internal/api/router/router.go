package router

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tvanhle/medproc-be/internal/api/handler"
)

// RateLimit configures the per-client sliding window. A zero Calls value
// disables limiting.
type RateLimit struct {
	Calls  int
	Period int // seconds
}

// SetupRouter configures and returns the Gin router with all routes
func SetupRouter(deps *handler.Dependencies, rl RateLimit) *gin.Engine {
	r := gin.New()

	// Middleware
	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())
	r.Use(LoggerMiddleware(deps.Logger))
	r.Use(CORSMiddleware())
	if rl.Calls > 0 {
		r.Use(RateLimitMiddleware(deps.Logger, rl.Calls, rl.Period))
	}

	// Health check endpoint
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "healthy",
			"service": "medproc-api-service",
		})
	})

	jobHandler := handler.NewJobHandler(deps)
	batchHandler := handler.NewBatchHandler(deps)
	textHandler := handler.NewTextHandler(deps)

	// API v1 routes
	v1 := r.Group("/api/v1")
	{
		jobs := v1.Group("/jobs")
		{
			// GET /api/v1/jobs - List jobs with status filtering
			jobs.GET("", jobHandler.ListJobs)

			// GET /api/v1/jobs/:job_id - Get job details
			jobs.GET("/:job_id", jobHandler.GetJob)

			// GET /api/v1/jobs/:job_id/result - Download the result bundle
			jobs.GET("/:job_id/result", jobHandler.GetJobResult)

			// DELETE /api/v1/jobs/:job_id - Cancel or remove a job
			jobs.DELETE("/:job_id", jobHandler.DeleteJob)
		}

		batchGroup := v1.Group("/batch")
		{
			// GET /api/v1/batch - Pipeline description and limits
			batchGroup.GET("", batchHandler.BatchInfo)

			// POST /api/v1/batch/process_zip - Run the batch pipeline
			batchGroup.POST("/process_zip", batchHandler.ProcessZip)
		}

		text := v1.Group("/text")
		{
			// POST /api/v1/text/drop_columns - Remove columns from tables
			text.POST("/drop_columns", textHandler.DropColumns)

			// POST /api/v1/text/annotate - Annotate and split uploaded tables
			text.POST("/annotate", textHandler.AnnotateTables)
		}
	}

	return r
}
