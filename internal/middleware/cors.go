package middleware

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/cors"
)

// CORSConfig lists the browser origins allowed to call the API.
type CORSConfig struct {
	AllowedOrigins   []string
	AllowCredentials bool
	MaxAge           time.Duration
}

var (
	corsAllowedMethods = []string{
		http.MethodGet,
		http.MethodPost,
		http.MethodPut,
		http.MethodPatch,
		http.MethodDelete,
		http.MethodOptions,
	}

	corsAllowedHeaders = []string{
		"Accept",
		"Accept-Encoding",
		"Authorization",
		"Content-Type",
		"DNT",
		"Origin",
		"User-Agent",
		"X-Requested-With",
		"Cache-Control",
		"Content-Disposition",
	}

	// Rate limit headers must be readable by browser clients.
	corsExposedHeaders = []string{
		"Retry-After",
		"X-RateLimit-Limit",
		"X-RateLimit-Remaining",
		"X-RateLimit-Reset",
	}
)

// CORS answers preflight requests and decorates responses for allowed origins. An empty
// allowlist admits no cross-origin caller; "*" admits every origin.
func CORS(cfg CORSConfig) gin.HandlerFunc {
	opts := cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   corsAllowedMethods,
		AllowedHeaders:   corsAllowedHeaders,
		ExposedHeaders:   corsExposedHeaders,
		AllowCredentials: cfg.AllowCredentials,
		MaxAge:           int(cfg.MaxAge / time.Second),
	}
	if len(cfg.AllowedOrigins) == 0 {
		// rs/cors treats an empty list as "allow all".
		opts.AllowOriginFunc = func(string) bool { return false }
	}
	handler := cors.New(opts)

	return func(c *gin.Context) {
		handler.HandlerFunc(c.Writer, c.Request)
		if c.Request.Method == http.MethodOptions && c.GetHeader("Access-Control-Request-Method") != "" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
