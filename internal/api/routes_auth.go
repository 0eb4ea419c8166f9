package api

import (
	"github.com/gin-gonic/gin"

	"github.com/charlesng35/authkit/internal/app"
	iauth "github.com/charlesng35/authkit/internal/auth"
	"github.com/charlesng35/authkit/internal/handlers"
	"github.com/charlesng35/authkit/internal/middleware"
	"github.com/charlesng35/authkit/internal/ratelimit"
	"github.com/charlesng35/authkit/internal/services"
)

type authRouteDeps struct {
	JWT     *iauth.JWTService
	Auth    *services.AuthService
	Limiter *ratelimit.Policy
	Limits  app.RateLimitConfig
}

func registerAuthRoutes(engine *gin.Engine, deps authRouteDeps) error {
	authHandler, err := handlers.NewAuthHandler(deps.Auth)
	if err != nil {
		return err
	}

	rules := ratelimit.AuthRules()
	limit := func(rule ratelimit.Rule) gin.HandlerFunc {
		if !deps.Limits.Enabled || deps.Limiter == nil {
			return func(c *gin.Context) { c.Next() }
		}
		return middleware.RateLimit(deps.Limiter, rule, middleware.WithFailOpen(deps.Limits.FailOpen))
	}
	requireAuth := middleware.Auth(deps.JWT)

	auth := engine.Group("/api/auth")
	{
		auth.POST("/register", limit(rules.Register), authHandler.Register)
		auth.POST("/login", limit(rules.Login), authHandler.Login)
		auth.POST("/refresh", limit(rules.TokenRefresh), authHandler.Refresh)
		auth.POST("/forgot-password", limit(rules.ForgotPassword), authHandler.ForgotPassword)
		auth.POST("/reset-password", limit(rules.ResetPassword), authHandler.ResetPassword)
		auth.POST("/verify-email", limit(rules.VerifyEmail), authHandler.VerifyEmail)
	}

	// Per-user limits need the identity, so authentication runs first.
	protected := engine.Group("/api/auth")
	protected.Use(requireAuth)
	{
		protected.GET("/me", limit(rules.APIRead), authHandler.Me)
		protected.POST("/logout", limit(rules.APIWrite.Named("logout")), authHandler.Logout)
		protected.POST("/change-password", limit(rules.APIWrite.Named("change_password")), authHandler.ChangePassword)
		protected.POST("/resend-verification", limit(rules.ResendVerification), authHandler.ResendVerification)
	}

	return nil
}
