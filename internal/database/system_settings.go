package database

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"gorm.io/gorm"

	"github.com/charlesng35/authkit/internal/models"
)

const (
	JWTSecretSetting     = "auth.jwt_secret"
	SchemaVersionSetting = "schema.version"
	SchemaVersion        = "1"
)

// GetSystemSetting retrieves a system setting by key. Returns an empty string when not found.
func GetSystemSetting(ctx context.Context, db *gorm.DB, key string) (string, error) {
	if db == nil {
		return "", fmt.Errorf("system settings: db is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	var setting models.SystemSetting
	err := db.WithContext(ctx).Take(&setting, "key = ?", key).Error
	if err == nil {
		return setting.Value, nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", nil
	}
	if strings.Contains(err.Error(), "no such table") {
		return "", nil
	}
	return "", fmt.Errorf("system settings: get %q: %w", key, err)
}

// UpsertSystemSetting stores or updates a system setting value.
func UpsertSystemSetting(ctx context.Context, db *gorm.DB, key, value string) error {
	if db == nil {
		return fmt.Errorf("system settings: db is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return fmt.Errorf("system settings: key is required")
	}

	record := models.SystemSetting{
		Key:   key,
		Value: value,
	}

	if err := db.WithContext(ctx).
		Where("key = ?", key).
		Assign(map[string]any{"value": value}).
		FirstOrCreate(&record).Error; err != nil {
		return fmt.Errorf("system settings: upsert %q: %w", key, err)
	}

	return nil
}

// ResolveJWTSecret returns the persisted signing secret, storing candidate when none exists yet.
// Generated secrets therefore survive restarts and issued tokens stay valid.
func ResolveJWTSecret(ctx context.Context, db *gorm.DB, candidate string) (string, error) {
	candidate = strings.TrimSpace(candidate)
	if candidate == "" {
		return "", fmt.Errorf("system settings: jwt secret is empty")
	}

	current, err := GetSystemSetting(ctx, db, JWTSecretSetting)
	if err != nil {
		return "", err
	}
	if current = strings.TrimSpace(current); current != "" {
		return current, nil
	}

	if err := UpsertSystemSetting(ctx, db, JWTSecretSetting, candidate); err != nil {
		return "", err
	}
	return candidate, nil
}
