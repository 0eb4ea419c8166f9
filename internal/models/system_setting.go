package models

import "time"

// SystemSetting persists installation-wide values, such as a generated JWT secret, across restarts.
type SystemSetting struct {
	Key       string    `gorm:"primaryKey;size:128"`
	Value     string    `gorm:"not null"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
