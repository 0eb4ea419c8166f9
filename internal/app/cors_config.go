package app

import (
	"strings"

	"github.com/charlesng35/authkit/internal/middleware"
)

// CORSConfig returns the middleware settings. An empty allowlist falls back to the frontend
// origin, which is where verification and reset links send users.
func (c Config) CORSConfig() middleware.CORSConfig {
	origins := make([]string, 0, len(c.Server.CORS.AllowedOrigins))
	for _, origin := range c.Server.CORS.AllowedOrigins {
		if origin = strings.TrimRight(strings.TrimSpace(origin), "/"); origin != "" {
			origins = append(origins, origin)
		}
	}
	if len(origins) == 0 {
		if frontend := strings.TrimRight(strings.TrimSpace(c.Auth.FrontendURL), "/"); frontend != "" {
			origins = append(origins, frontend)
		}
	}

	return middleware.CORSConfig{
		AllowedOrigins:   origins,
		AllowCredentials: c.Server.CORS.AllowCredentials,
		MaxAge:           c.Server.CORS.MaxAge,
	}
}
