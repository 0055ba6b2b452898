package api

import (
	"github.com/gin-gonic/gin"

	"mediaqueue/config"
	"mediaqueue/store"
)

func SetupRouter(st *store.Store, cfg *config.Config) *gin.Engine {
	r := gin.Default()
	r.Use(CORSMiddleware(cfg))
	h := NewHandler(st, cfg)

	// Health check
	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, ok(gin.H{"status": "ok"}))
	})

	tasks := r.Group("/api/tasks")
	tasks.Use(AuthMiddleware(cfg))
	{
		tasks.POST("/demo/sleep", h.handleEnqueueSleep)
		tasks.POST("/ffmpeg/probe", h.handleEnqueueProbe)
		tasks.POST("/ffmpeg/pipeline", h.handleEnqueuePipeline)
		tasks.POST("/ffmpeg/search", h.handleEnqueueSearch)
		tasks.GET("/:taskId", h.handleGetTask)
		tasks.GET("/:taskId/events", h.handleTaskEvents)
	}
	return r
}
