package api

import (
	"fmt"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gorm.io/gorm"

	"github.com/charlesng35/authkit/internal/app"
	iauth "github.com/charlesng35/authkit/internal/auth"
	"github.com/charlesng35/authkit/internal/middleware"
	"github.com/charlesng35/authkit/internal/monitoring"
	"github.com/charlesng35/authkit/internal/ratelimit"
	"github.com/charlesng35/authkit/internal/services"
)

// Dependencies are the long-lived services the router mounts.
type Dependencies struct {
	DB      *gorm.DB
	JWT     *iauth.JWTService
	Auth    *services.AuthService
	Limiter *ratelimit.Policy
	Config  *app.Config

	// Health is optional; without it readiness only probes the database.
	Health *monitoring.HealthManager
}

// NewRouter builds the Gin engine, wires middleware and registers the auth, health and metrics routes.
func NewRouter(deps Dependencies) (*gin.Engine, error) {
	if deps.DB == nil {
		return nil, fmt.Errorf("database handle must be provided")
	}
	if deps.JWT == nil {
		return nil, fmt.Errorf("jwt service must be provided")
	}
	if deps.Auth == nil {
		return nil, fmt.Errorf("auth service must be provided")
	}
	if deps.Config == nil {
		return nil, fmt.Errorf("config must be provided")
	}
	if deps.Config.RateLimit.Enabled && deps.Limiter == nil {
		return nil, fmt.Errorf("rate limiter must be provided when rate limiting is enabled")
	}

	r := gin.New()

	// Global middleware
	r.Use(middleware.Recovery())
	r.Use(middleware.Logger())
	r.Use(middleware.CORS(deps.Config.CORSConfig()))
	r.Use(middleware.Metrics())
	r.Use(middleware.SecurityHeaders())

	health := deps.Health
	if health == nil {
		health = monitoring.NewHealthManager()
		health.RegisterReadiness(monitoring.Database(deps.DB, 0))
	}
	registerHealthRoutes(r, health)

	if err := registerAuthRoutes(r, authRouteDeps{
		JWT:     deps.JWT,
		Auth:    deps.Auth,
		Limiter: deps.Limiter,
		Limits:  deps.Config.RateLimit,
	}); err != nil {
		return nil, err
	}

	// Metrics endpoint
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// NotFound fallback
	r.NoRoute(middleware.NotFoundHandler)

	return r, nil
}
