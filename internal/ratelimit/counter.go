package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/charlesng35/authkit/internal/cache"
)

// Decision is the outcome of a limiter check.
type Decision struct {
	Allowed    bool
	Skipped    bool
	Key        string
	Count      int64
	Limit      int
	Remaining  int
	RetryAfter time.Duration
	ResetAfter time.Duration
	NearLimit  bool
}

// RetryAfterSeconds renders RetryAfter as the whole number of seconds sent to clients.
func (d Decision) RetryAfterSeconds() int {
	return int(d.RetryAfter / time.Second)
}

// Counter is a fixed-window counter over a cache.Store.
type Counter struct {
	store cache.Store
}

func NewCounter(store cache.Store) *Counter {
	return &Counter{store: store}
}

// CheckAndIncrement admits the request and bumps the counter when it is below limit, or
// rejects it without touching the counter. Store failures wrap ErrStoreUnavailable.
func (c *Counter) CheckAndIncrement(ctx context.Context, key string, limit int, window time.Duration) (Decision, error) {
	if limit <= 0 || window <= 0 {
		return Decision{}, fmt.Errorf("%w: limit=%d window=%s", ErrInvalidRule, limit, window)
	}
	if c == nil || c.store == nil {
		return Decision{}, fmt.Errorf("%w: %w", ErrStoreUnavailable, cache.ErrNotInitialised)
	}

	count, ttl, admitted, err := c.store.IncrementIfBelow(ctx, key, int64(limit), window)
	if err != nil {
		return Decision{}, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}

	decision := Decision{
		Allowed:    admitted,
		Key:        key,
		Count:      count,
		Limit:      limit,
		Remaining:  max(limit-int(count), 0),
		ResetAfter: ttl,
	}

	if admitted {
		decision.NearLimit = decision.Remaining <= nearMargin(limit)
		return decision, nil
	}

	if ttl <= 0 {
		if remaining, ok, ttlErr := c.store.TTL(ctx, key); ttlErr == nil && ok {
			ttl = remaining
		} else {
			ttl = window
		}
	}
	decision.RetryAfter = roundUpSeconds(ttl)
	decision.ResetAfter = decision.RetryAfter
	decision.NearLimit = true
	return decision, nil
}

// nearMargin is the remaining budget at or below which a request counts as near the limit.
func nearMargin(limit int) int {
	return limit / 5
}

func roundUpSeconds(d time.Duration) time.Duration {
	if d < time.Second {
		return time.Second
	}
	if rem := d % time.Second; rem != 0 {
		d += time.Second - rem
	}
	return d
}
