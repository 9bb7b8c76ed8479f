package database

import (
	"fmt"

	"gorm.io/gorm"

	"github.com/charlesng35/netgate/internal/models"
	"github.com/charlesng35/netgate/pkg/crypto"
)

// AutoMigrate creates or updates the database schema for all models.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&models.User{},
		&models.Device{},
		&models.Session{},
		&models.Connection{},
		&models.AuditLog{},
		&models.SystemSetting{},
		&models.CacheEntry{},
	)
}

// SeedData populates default system settings when absent. The values mirror
// the file-configuration defaults so an empty database behaves identically to
// an unconfigured install.
func SeedData(db *gorm.DB) error {
	defaults := []models.SystemSetting{
		{Key: SettingMaxDevicesPerUser, Value: "4"},
		{Key: SettingAccessTokenTTL, Value: "15m"},
		{Key: SettingRefreshTokenTTL, Value: "168h"},
	}

	for _, setting := range defaults {
		if err := db.Where(models.SystemSetting{Key: setting.Key}).
			Attrs(setting).
			FirstOrCreate(&models.SystemSetting{}).Error; err != nil {
			return err
		}
	}

	return nil
}

// BootstrapAdminUsername is the account created on first run so the admin
// surface is reachable before any other user exists.
const BootstrapAdminUsername = "root"

// EnsureAdminUser creates the bootstrap administrator when the users table
// is empty. The generated password is returned exactly once so the caller
// can surface it; only the bcrypt hash is stored.
func EnsureAdminUser(db *gorm.DB) (password string, created bool, err error) {
	var count int64
	if err := db.Model(&models.User{}).Count(&count).Error; err != nil {
		return "", false, fmt.Errorf("count users: %w", err)
	}
	if count > 0 {
		return "", false, nil
	}

	password, err = crypto.GenerateToken(18)
	if err != nil {
		return "", false, fmt.Errorf("generate admin password: %w", err)
	}
	hashed, err := crypto.HashPassword(password)
	if err != nil {
		return "", false, fmt.Errorf("hash admin password: %w", err)
	}

	admin := &models.User{
		Username: BootstrapAdminUsername,
		Email:    BootstrapAdminUsername + "@localhost",
		Password: hashed,
		IsAdmin:  true,
		IsActive: true,
	}
	if err := db.Create(admin).Error; err != nil {
		return "", false, fmt.Errorf("create admin user: %w", err)
	}
	return password, true, nil
}
