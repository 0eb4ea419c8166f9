package database

import (
	"context"

	"gorm.io/gorm"

	"github.com/charlesng35/authkit/internal/models"
)

// AutoMigrate creates or updates the database schema for all models.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&models.User{},
		&models.AuthToken{},
		&models.EmailLog{},
		&models.EmailTemplate{},
		&models.CacheEntry{},
		&models.SystemSetting{},
	)
}

// SeedData records the schema generation so later releases can detect old databases.
func SeedData(db *gorm.DB) error {
	current, err := GetSystemSetting(context.Background(), db, SchemaVersionSetting)
	if err != nil {
		return err
	}
	if current == SchemaVersion {
		return nil
	}
	return UpsertSystemSetting(context.Background(), db, SchemaVersionSetting, SchemaVersion)
}
