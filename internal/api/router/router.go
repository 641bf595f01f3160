package router

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/draftloom/draftloom-be/internal/api/handler"
	"github.com/draftloom/draftloom-be/internal/api/identity"
)

// SetupRouter configures and returns the Gin router with all routes
func SetupRouter(deps *handler.Dependencies) *gin.Engine {
	r := gin.New()

	// Middleware
	r.Use(gin.Recovery())
	r.Use(LoggerMiddleware(deps.Logger))
	r.Use(CORSMiddleware())
	r.Use(identity.Middleware())

	// Health check endpoint
	r.GET("/health", func(c *gin.Context) {
		if deps.Health != nil {
			if err := deps.Health.HealthCheck(c.Request.Context()); err != nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{
					"status":  "degraded",
					"service": "draftloom-api",
					"error":   err.Error(),
				})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{
			"status":  "healthy",
			"service": "draftloom-api",
		})
	})

	// Initialize job handler
	jobHandler := handler.NewJobHandler(deps)

	// API v1 routes
	v1 := r.Group("/api/v1")
	{
		jobsGroup := v1.Group("/jobs")
		{
			// POST /api/v1/jobs - Create a new job
			jobsGroup.POST("", jobHandler.CreateJob)

			// GET /api/v1/jobs - List the caller's jobs
			jobsGroup.GET("", jobHandler.ListJobs)

			// GET /api/v1/jobs/:job_id - Get job status
			jobsGroup.GET("/:job_id", jobHandler.GetJob)

			// POST /api/v1/jobs/:job_id/retry - Retry a failed job
			jobsGroup.POST("/:job_id/retry", jobHandler.RetryJob)

			// POST /api/v1/jobs/:job_id/cancel - Request cancellation
			jobsGroup.POST("/:job_id/cancel", jobHandler.CancelJob)

			// GET /api/v1/jobs/:job_id/events - Replay the narrative stream
			jobsGroup.GET("/:job_id/events", jobHandler.GetJobEvents)
		}
	}

	return r
}
