package router

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/flowbotics/conductor/internal/metrics"
	"github.com/flowbotics/conductor/internal/orchestrator"
	"github.com/flowbotics/conductor/internal/orchestrator/handler"
)

// SetupRouter configures and returns the Gin router with all routes
func SetupRouter(deps *handler.Dependencies, ws *orchestrator.Server, collector *metrics.Collector) *gin.Engine {
	r := gin.New()

	// Middleware
	r.Use(gin.Recovery())
	r.Use(LoggerMiddleware(deps.Logger))
	r.Use(CORSMiddleware())

	// Health check endpoint
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "healthy",
			"service": "conductor-orchestrator",
		})
	})

	// Prometheus scrape endpoint
	r.GET("/metrics", gin.WrapH(collector.Handler()))

	// Robot coordination channel
	r.GET("/ws", ws.HandleWS)

	jobHandler := handler.NewJobHandler(deps)
	robotHandler := handler.NewRobotHandler(deps)

	// API v1 routes
	v1 := r.Group("/api/v1")
	{
		jobs := v1.Group("/jobs")
		{
			// POST /api/v1/jobs - Submit a job for dispatch
			jobs.POST("", jobHandler.CreateJob)

			// GET /api/v1/jobs - List jobs with filtering and pagination
			jobs.GET("", jobHandler.ListJobs)

			// GET /api/v1/jobs/:job_id - Get job details
			jobs.GET("/:job_id", jobHandler.GetJob)

			// POST /api/v1/jobs/:job_id/cancel - Cancel a job
			jobs.POST("/:job_id/cancel", jobHandler.CancelJob)

			// DELETE /api/v1/jobs/:job_id - Delete a terminal job
			jobs.DELETE("/:job_id", jobHandler.DeleteJob)
		}

		robots := v1.Group("/robots")
		{
			// GET /api/v1/robots - Live fleet view
			robots.GET("", robotHandler.ListRobots)

			// GET /api/v1/robots/:robot_id - Single robot detail
			robots.GET("/:robot_id", robotHandler.GetRobot)
		}
	}

	return r
}
