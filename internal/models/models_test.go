package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func openModelTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	require.NoError(t, err)

	require.NoError(t, db.AutoMigrate(
		&User{},
		&Device{},
		&Session{},
		&Connection{},
		&AuditLog{},
		&SystemSetting{},
	))

	sqlDB, err := db.DB()
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = sqlDB.Close()
	})

	return db
}

func TestBaseModelGeneratesID(t *testing.T) {
	db := openModelTestDB(t)

	user := &User{Username: "alice", Email: "alice@example.com", Password: "x", IsActive: true}
	require.NoError(t, db.Create(user).Error)
	require.NotEmpty(t, user.ID)

	device := &Device{
		UserID:      user.ID,
		Fingerprint: "aa:bb:cc:dd:ee:ff",
		Active:      true,
		LastSeenAt:  time.Now(),
	}
	require.NoError(t, db.Create(device).Error)
	require.NotEmpty(t, device.ID)
}

func TestDeviceFingerprintUniquePerUser(t *testing.T) {
	db := openModelTestDB(t)

	user := &User{Username: "bob", Email: "bob@example.com", Password: "x", IsActive: true}
	require.NoError(t, db.Create(user).Error)

	first := &Device{UserID: user.ID, Fingerprint: "aa:bb:cc:dd:ee:01", LastSeenAt: time.Now()}
	require.NoError(t, db.Create(first).Error)

	dup := &Device{UserID: user.ID, Fingerprint: "aa:bb:cc:dd:ee:01", LastSeenAt: time.Now()}
	require.Error(t, db.Create(dup).Error)

	other := &User{Username: "carol", Email: "carol@example.com", Password: "x", IsActive: true}
	require.NoError(t, db.Create(other).Error)

	// The same fingerprint under a different owner is a distinct device.
	foreign := &Device{UserID: other.ID, Fingerprint: "aa:bb:cc:dd:ee:01", LastSeenAt: time.Now()}
	require.NoError(t, db.Create(foreign).Error)
}

func TestConnectionOpen(t *testing.T) {
	now := time.Now()
	conn := Connection{StartedAt: now}
	require.True(t, conn.Open())

	conn.ClosedAt = &now
	require.False(t, conn.Open())
}
