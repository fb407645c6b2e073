package api

import (
	"github.com/yschiang/retry-herd-prevention/internal/metrics"
	"github.com/yschiang/retry-herd-prevention/internal/middleware"

	"github.com/gin-gonic/gin"
)

func RegisterRoutes(adminHandler *AdminHandler, signingKey string) *gin.Engine {
	r := gin.New()

	r.Use(
		middleware.CorsMiddleware(),
		middleware.RequestID(),
		middleware.GinZapLogger(),
		middleware.GinZapRecovery(),
		middleware.TraceMiddleware(),
	)
	r.SetTrustedProxies(nil)

	// Public Routes
	r.GET("/health", adminHandler.HealthCheck)
	r.GET("/metrics", gin.WrapH(metrics.Handler()))

	// Protected Routes (Control Plane)
	protected := r.Group("/v1")
	protected.Use(middleware.JWTMiddleware(signingKey))
	{
		protected.GET("/stats", adminHandler.GetStats)
		protected.GET("/dlq", adminHandler.ListDeadLetters)
		protected.POST("/dlq/replay", adminHandler.ReplayDeadLetters)
		protected.POST("/rate", adminHandler.OverrideRate)
	}
	return r
}
