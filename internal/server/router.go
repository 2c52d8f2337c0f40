package server

import (
	"net/http"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/tmardale/coursehub-backend/internal/observability"
)

type RouterConfig struct {
	Ops       *OpsHandler
	Materials *MaterialHandler
	Metrics   *observability.Metrics
}

func NewRouter(cfg RouterConfig) *gin.Engine {
	router := gin.Default()

	router.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"http://localhost:3000", "http://localhost:5173"},
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "PATCH", "OPTIONS"},
		AllowHeaders:     []string{"Authorization", "Content-Type", "X-Requested-With"},
		AllowCredentials: true,
	}))

	router.GET("/healthcheck", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if cfg.Metrics != nil {
		router.GET("/metrics", gin.WrapH(cfg.Metrics.Handler()))
	}

	if cfg.Materials != nil {
		router.POST("/courses/:id/materials", cfg.Materials.Upload)
	}

	ops := router.Group("/ops")
	{
		ops.GET("/status", cfg.Ops.Status)
		ops.GET("/batches/:id", cfg.Ops.GetBatch)
		ops.POST("/batches/:id/cancel", cfg.Ops.CancelBatch)
		ops.GET("/runs/:id", cfg.Ops.GetRun)
		ops.POST("/runs/:id/cancel", cfg.Ops.CancelRun)
		ops.POST("/cache/invalidate", cfg.Ops.InvalidateCache)
		ops.POST("/cache/warm", cfg.Ops.WarmCache)
	}

	return router
}
