package middleware

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	apperrors "github.com/charlesng35/authkit/pkg/errors"
	"github.com/charlesng35/authkit/pkg/logger"
	"github.com/charlesng35/authkit/pkg/response"
)

// Recovery converts panics into a 500 response and logs the error.
func Recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				logger.WithModule("http").Error("panic",
					zap.String("method", c.Request.Method),
					zap.String("path", c.Request.URL.Path),
					zap.Any("error", r),
					zap.Stack("stack"),
				)
				// Avoid leaking internals to clients
				response.AbortWithError(c, apperrors.ErrInternalServer)
			}
		}()
		c.Next()
	}
}

// NotFoundHandler returns a JSON 404 response for unknown routes.
func NotFoundHandler(c *gin.Context) {
	response.Error(c, apperrors.New(apperrors.ErrNotFound.Code,
		fmt.Sprintf("route %s not found", c.Request.URL.Path), http.StatusNotFound))
}
