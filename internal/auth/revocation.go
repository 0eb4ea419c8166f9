package auth

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/charlesng35/authkit/internal/cache"
)

const revokedKeyPrefix = "jwt:revoked:"

// RevocationList remembers revoked token IDs in the shared cache until the tokens would
// have expired anyway.
type RevocationList struct {
	store cache.Store
	now   func() time.Time
}

func NewRevocationList(store cache.Store) *RevocationList {
	return &RevocationList{store: store, now: time.Now}
}

// Revoke blacklists jti until expiresAt. The claim is a single atomic store operation, so
// of several concurrent calls for the same jti exactly one reports revoked=true. Tokens that
// already expired are not recorded and report false.
func (r *RevocationList) Revoke(ctx context.Context, jti string, expiresAt time.Time) (bool, error) {
	if r == nil || r.store == nil {
		return false, cache.ErrNotInitialised
	}
	jti = strings.TrimSpace(jti)
	if jti == "" {
		return false, errors.New("revocation: token id is required")
	}

	ttl := expiresAt.Sub(r.now())
	if ttl <= 0 {
		return false, nil
	}
	_, _, admitted, err := r.store.IncrementIfBelow(ctx, revokedKeyPrefix+jti, 1, ttl)
	if err != nil {
		return false, err
	}
	return admitted, nil
}

// IsRevoked reports whether jti has been revoked.
func (r *RevocationList) IsRevoked(ctx context.Context, jti string) (bool, error) {
	if r == nil || r.store == nil {
		return false, cache.ErrNotInitialised
	}
	_, found, err := r.store.Get(ctx, revokedKeyPrefix+strings.TrimSpace(jti))
	if err != nil {
		return false, err
	}
	return found, nil
}
