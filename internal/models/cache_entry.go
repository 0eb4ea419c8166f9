package models

import (
	"time"
)

// CacheEntry backs cache.DatabaseStore when Redis is not configured. Counters are
// stored as decimal strings in Value.
type CacheEntry struct {
	Key       string    `gorm:"primaryKey;size:256"`
	Value     []byte    `gorm:"type:blob"`
	ExpiresAt time.Time `gorm:"index"`
	CreatedAt time.Time
	UpdatedAt time.Time
}
