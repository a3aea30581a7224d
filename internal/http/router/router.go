package router

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"basegraph.app/jobagent/internal/http/handler"
)

type Handlers struct {
	Jobs   *handler.JobHandler
	States *handler.StateHandler
	Status *handler.StatusHandler
}

func SetupRoutes(router *gin.Engine, h Handlers) {
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	v1 := router.Group("/api/v1")
	{
		JobRouter(v1, h.Jobs, h.States)
		v1.GET("/schema/job", handler.JobSchema())
		if h.Status != nil {
			v1.GET("/status/stream", h.Status.Stream)
		}
	}
}

func JobRouter(rg *gin.RouterGroup, jobs *handler.JobHandler, states *handler.StateHandler) {
	rg.POST("/jobs", jobs.Submit)
	rg.POST("/jobs/:id/cancel", jobs.Cancel)
	rg.GET("/jobs/:id/states", states.List)
	rg.POST("/queues/:queue/jobs", jobs.Enqueue)
	rg.GET("/broker", jobs.Broker)
}
