package monitoring

import (
	"context"
	"time"

	"gorm.io/gorm"
)

const defaultProbeTimeout = 2 * time.Second

// Pinger is satisfied by cache backends with a network connection, such as the Redis store.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Database returns a readiness probe that pings the SQL connection pool.
func Database(db *gorm.DB, timeout time.Duration) Check {
	return NewCheck("database", func(ctx context.Context) ProbeResult {
		start := time.Now()
		if db == nil {
			return ProbeResult{Status: StatusDown, Details: "database not configured"}
		}

		sqlDB, err := db.DB()
		if err != nil {
			return ResultFromError(err, time.Since(start))
		}

		probeCtx, cancel := context.WithTimeout(ctx, chooseTimeout(timeout))
		defer cancel()

		return ResultFromError(sqlDB.PingContext(probeCtx), time.Since(start))
	})
}

// Cache returns a readiness probe for the shared counter store. Backends without a
// connection of their own (SQL, in-memory) pass nil and report up with the backend name.
func Cache(backend string, pinger Pinger, timeout time.Duration) Check {
	return NewCheck("cache", func(ctx context.Context) ProbeResult {
		if pinger == nil {
			return ProbeResult{Status: StatusUp, Details: backend}
		}

		start := time.Now()
		probeCtx, cancel := context.WithTimeout(ctx, chooseTimeout(timeout))
		defer cancel()

		result := ResultFromError(pinger.Ping(probeCtx), time.Since(start))
		if result.Details == "" {
			result.Details = backend
		}
		return result
	})
}

func chooseTimeout(provided time.Duration) time.Duration {
	if provided <= 0 {
		return defaultProbeTimeout
	}
	return provided
}
