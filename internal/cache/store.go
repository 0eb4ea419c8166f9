package cache

import (
	"context"
	"errors"
	"time"
)

// ErrNotInitialised is returned when a nil store is used.
var ErrNotInitialised = errors.New("cache: store not initialised")

// Store represents a shared cache interface used across the application.
//
// Counters follow fixed-window semantics: the TTL is attached when a key is created and is
// never extended by later increments, so a key expires exactly one window after its first hit.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error

	// IncrementWithTTL unconditionally increments key and returns the new count and remaining TTL.
	IncrementWithTTL(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error)

	// IncrementIfBelow increments key only when its current value is below limit. The read,
	// comparison and increment happen as one atomic step. When the increment is refused the
	// stored value is left untouched and the current value is returned with admitted=false.
	IncrementIfBelow(ctx context.Context, key string, limit int64, window time.Duration) (count int64, ttl time.Duration, admitted bool, err error)

	// TTL reports the remaining lifetime of key. ok is false when the key is missing or has no expiry.
	TTL(ctx context.Context, key string) (ttl time.Duration, ok bool, err error)
}

// Purger is implemented by stores that need an explicit sweep of expired entries.
type Purger interface {
	PurgeExpired(ctx context.Context) (int64, error)
}

// Option customises the clock used by the in-process and database stores.
type Option func(*options)

type options struct {
	now func() time.Time
}

// WithClock overrides the time source, primarily for tests.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

func applyOptions(opts []Option) options {
	o := options{now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	return o
}

func normaliseWindow(window time.Duration) time.Duration {
	if window <= 0 {
		return time.Minute
	}
	return window
}
