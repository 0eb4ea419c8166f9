package middleware

import (
	"bytes"
	"encoding/json"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/charlesng35/authkit/internal/ratelimit"
	apperrors "github.com/charlesng35/authkit/pkg/errors"
	"github.com/charlesng35/authkit/pkg/logger"
	"github.com/charlesng35/authkit/pkg/response"
)

const (
	// CtxRateLimitNearKey is true when the admitted request used (nearly) all of its budget.
	CtxRateLimitNearKey = "rateLimitNear"
	// CtxRateLimitedKey is true when a flag-only rule would have rejected the request.
	CtxRateLimitedKey = "rateLimited"

	maxFieldBodyBytes = 1 << 20
)

// RateLimitOption customises RateLimit.
type RateLimitOption func(*rateLimitConfig)

type rateLimitConfig struct {
	failOpen bool
}

// WithFailOpen admits requests when the counter store is unreachable. The default rejects them with 503.
func WithFailOpen(failOpen bool) RateLimitOption {
	return func(cfg *rateLimitConfig) {
		cfg.failOpen = failOpen
	}
}

// RateLimit applies rule to every request through policy.
func RateLimit(policy *ratelimit.Policy, rule ratelimit.Rule, opts ...RateLimitOption) gin.HandlerFunc {
	cfg := rateLimitConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}
	log := logger.WithModule("ratelimit")

	return func(c *gin.Context) {
		decision, err := policy.Evaluate(c.Request.Context(), rule, limiterRequest(c))
		if err != nil {
			if cfg.failOpen {
				log.Warn("rate limit store unavailable, admitting request",
					zap.String("rule", rule.Name), zap.Error(err))
				c.Next()
				return
			}
			log.Error("rate limit store unavailable, rejecting request",
				zap.String("rule", rule.Name), zap.Error(err))
			response.AbortWithError(c, apperrors.ErrServiceUnavailable.WithInternal(err))
			return
		}

		if decision.Skipped {
			c.Next()
			return
		}

		setRateLimitHeaders(c, decision)

		if !decision.Allowed {
			if rule.FlagOnly {
				c.Set(CtxRateLimitedKey, true)
				c.Set(CtxRateLimitNearKey, true)
				c.Next()
				return
			}
			retryAfter := decision.RetryAfterSeconds()
			c.Header("Retry-After", strconv.Itoa(retryAfter))
			c.AbortWithStatusJSON(apperrors.ErrRateLimit.StatusCode, gin.H{
				"error":       apperrors.ErrRateLimit.Message,
				"retry_after": retryAfter,
			})
			return
		}

		c.Set(CtxRateLimitedKey, false)
		c.Set(CtxRateLimitNearKey, decision.NearLimit)
		c.Next()
	}
}

func setRateLimitHeaders(c *gin.Context, decision ratelimit.Decision) {
	c.Header("X-RateLimit-Limit", strconv.Itoa(decision.Limit))
	c.Header("X-RateLimit-Remaining", strconv.Itoa(decision.Remaining))
	c.Header("X-RateLimit-Reset", strconv.Itoa(int(math.Ceil(decision.ResetAfter.Seconds()))))
}

func limiterRequest(c *gin.Context) ratelimit.Request {
	return ratelimit.Request{
		Method:        c.Request.Method,
		ClientAddress: c.ClientIP(),
		UserID:        c.GetString(CtxUserIDKey),
		Field: func(name string) string {
			return requestField(c, name)
		},
	}
}

// requestField reads name from a JSON body, a form body or the query string. The body is
// restored so handlers can bind it afterwards.
func requestField(c *gin.Context, name string) string {
	if c.Request.Body != nil && c.Request.Body != http.NoBody {
		contentType := c.ContentType()
		switch {
		case strings.Contains(contentType, "json") || contentType == "":
			if value, ok := jsonBodyField(c, name); ok {
				return value
			}
		case strings.HasPrefix(contentType, "application/x-www-form-urlencoded"),
			strings.HasPrefix(contentType, "multipart/form-data"):
			if value := c.PostForm(name); value != "" {
				return value
			}
		}
	}
	return c.Query(name)
}

func jsonBodyField(c *gin.Context, name string) (string, bool) {
	original := c.Request.Body
	raw, err := io.ReadAll(io.LimitReader(original, maxFieldBodyBytes))
	c.Request.Body = readCloser{
		Reader: io.MultiReader(bytes.NewReader(raw), original),
		Closer: original,
	}
	if err != nil || len(raw) == 0 || len(raw) == maxFieldBodyBytes {
		return "", false
	}

	var payload map[string]any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return "", false
	}
	value, ok := payload[name].(string)
	return value, ok
}

// readCloser replays the sniffed prefix ahead of the unread body and closes the original.
type readCloser struct {
	io.Reader
	io.Closer
}
