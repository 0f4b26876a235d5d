package router

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/hqbui/mediagen-be/internal/api/handler"
)

// SetupRouter configures and returns the Gin router with all routes.
func SetupRouter(deps *handler.Dependencies) *gin.Engine {
	r := gin.New()

	r.Use(gin.Recovery())
	r.Use(LoggerMiddleware(deps.Logger))
	r.Use(CORSMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "healthy",
			"service": "media-generation-api",
		})
	})

	jobHandler := handler.NewJobHandler(deps)

	v1 := r.Group("/api/v1")
	{
		// Submit a prompt for asynchronous generation.
		v1.POST("/generate", jobHandler.CreateJob)

		// Compact status view for polling clients.
		v1.GET("/status/:job_id", jobHandler.GetJobStatus)

		v1.GET("/stats", jobHandler.GetStats)

		jobs := v1.Group("/jobs")
		{
			jobs.GET("", jobHandler.ListJobs)
			jobs.GET("/:job_id", jobHandler.GetJobDetails)
			jobs.POST("/:job_id/cancel", jobHandler.CancelJob)
			jobs.POST("/:job_id/retry", jobHandler.RetryJob)
		}
	}

	return r
}
