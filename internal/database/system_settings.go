package database

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/charlesng35/netgate/internal/models"
)

// Keys for runtime-tunable settings read by the access control core.
const (
	SettingMaxDevicesPerUser = "devices.max_per_user"
	SettingAccessTokenTTL    = "auth.access_token_ttl"
	SettingRefreshTokenTTL   = "auth.refresh_token_ttl"
)

// GetSystemSetting retrieves a system setting by key. Returns an empty string when not found.
func GetSystemSetting(ctx context.Context, db *gorm.DB, key string) (string, error) {
	if db == nil {
		return "", fmt.Errorf("system settings: db is nil")
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

// GetIntSetting reads an integer setting, returning fallback when the key is
// absent or unparsable.
func GetIntSetting(ctx context.Context, db *gorm.DB, key string, fallback int) int {
	raw, err := GetSystemSetting(ctx, db, key)
	if err != nil || strings.TrimSpace(raw) == "" {
		return fallback
	}

	value, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || value <= 0 {
		return fallback
	}
	return value
}

// GetDurationSetting reads a duration setting such as "15m", returning
// fallback when the key is absent or unparsable.
func GetDurationSetting(ctx context.Context, db *gorm.DB, key string, fallback time.Duration) time.Duration {
	raw, err := GetSystemSetting(ctx, db, key)
	if err != nil || strings.TrimSpace(raw) == "" {
		return fallback
	}

	value, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil || value <= 0 {
		return fallback
	}
	return value
}
