package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/charlesng35/authkit/internal/monitoring"
)

// Health reports the aggregated readiness status without per-probe detail.
func Health(manager *monitoring.HealthManager) gin.HandlerFunc {
	return func(c *gin.Context) {
		report := manager.EvaluateReadiness(requestContext(c))
		c.JSON(reportStatus(report), gin.H{
			"success":    report.Success,
			"status":     report.Status,
			"checked_at": time.Now().UTC(),
		})
	}
}

// Liveness reports whether the process is serving requests.
func Liveness(manager *monitoring.HealthManager) gin.HandlerFunc {
	return func(c *gin.Context) {
		writeHealthReport(c, manager.EvaluateLiveness(requestContext(c)))
	}
}

// Readiness lists every dependency probe and answers 503 unless all are up.
func Readiness(manager *monitoring.HealthManager) gin.HandlerFunc {
	return func(c *gin.Context) {
		writeHealthReport(c, manager.EvaluateReadiness(requestContext(c)))
	}
}

func writeHealthReport(c *gin.Context, report monitoring.HealthReport) {
	c.JSON(reportStatus(report), gin.H{
		"success":    report.Success,
		"status":     report.Status,
		"checks":     report.Checks,
		"checked_at": time.Now().UTC(),
	})
}

func reportStatus(report monitoring.HealthReport) int {
	if !report.Success {
		return http.StatusServiceUnavailable
	}
	return http.StatusOK
}
