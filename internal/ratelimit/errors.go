package ratelimit

import "errors"

var (
	// ErrStoreUnavailable wraps every failure of the backing cache. It is an infrastructure
	// error and must never be reported as a limit decision.
	ErrStoreUnavailable = errors.New("ratelimit: store unavailable")
	// ErrInvalidRule is returned for rules with a non-positive limit or window.
	ErrInvalidRule = errors.New("ratelimit: invalid rule")
)
