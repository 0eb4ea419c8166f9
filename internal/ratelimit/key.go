// Package ratelimit implements fixed-window request limiting over a shared cache.
//
// Each (identifier, action) pair owns a counter that starts with the first admitted request
// and expires one window later. Windows are per key rather than aligned to wall-clock
// boundaries. As with any fixed window, a client can be admitted up to twice the limit in a
// short span straddling the end of one window and the start of the next.
package ratelimit

import (
	"crypto/sha256"
	"encoding/hex"
)

// KeyPrefix namespaces every counter key in the shared cache.
const KeyPrefix = "ratelimit"

// DeriveKey builds the cache key for identifier under action. Only the identifier is hashed
// (first 16 hex characters of its SHA-256) so raw addresses and emails never reach the cache.
func DeriveKey(identifier, action string) string {
	sum := sha256.Sum256([]byte(identifier))
	return KeyPrefix + ":" + action + ":" + hex.EncodeToString(sum[:])[:16]
}
