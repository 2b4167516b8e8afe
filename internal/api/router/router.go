package router

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/sgbilod/docpipe/internal/api/handler"
)

// SetupRouter configures and returns the Gin router with all routes
func SetupRouter(deps *handler.Dependencies) *gin.Engine {
	r := gin.New()

	// Middleware
	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())
	r.Use(LoggerMiddleware(deps.Logger))
	r.Use(CORSMiddleware())

	// Health check endpoint
	r.GET("/health", func(c *gin.Context) {
		if deps.Health != nil {
			if err := deps.Health(c.Request.Context()); err != nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{
					"status":  "unhealthy",
					"service": "docpipe-api",
					"error":   err.Error(),
				})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{
			"status":  "healthy",
			"service": "docpipe-api",
		})
	})

	// Initialize job handler
	jobHandler := handler.NewJobHandler(deps)

	// API v1 routes
	v1 := r.Group("/api/v1")
	{
		jobs := v1.Group("/jobs")
		{
			// POST /api/v1/jobs - Submit a document for processing
			jobs.POST("", jobHandler.SubmitJob)

			// POST /api/v1/jobs/batch - Submit several documents at once
			jobs.POST("/batch", jobHandler.SubmitBatch)

			// POST /api/v1/jobs/status - Snapshot several jobs at once
			jobs.POST("/status", jobHandler.GetBatchStatus)

			// GET /api/v1/jobs/stats - Aggregate job statistics
			jobs.GET("/stats", jobHandler.GetStats)

			// GET /api/v1/jobs/:job_id - Get job status and result
			jobs.GET("/:job_id", jobHandler.GetJob)

			// POST /api/v1/jobs/:job_id/cancel - Request cancellation
			jobs.POST("/:job_id/cancel", jobHandler.CancelJob)
		}
	}

	return r
}
