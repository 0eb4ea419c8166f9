package api

import (
	"github.com/gin-gonic/gin"

	"github.com/charlesng35/authkit/internal/handlers"
	"github.com/charlesng35/authkit/internal/monitoring"
)

func registerHealthRoutes(r *gin.Engine, manager *monitoring.HealthManager) {
	r.GET("/health", handlers.Health(manager))
	r.GET("/health/live", handlers.Liveness(manager))
	r.GET("/health/ready", handlers.Readiness(manager))
}
