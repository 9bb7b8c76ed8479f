package maintenance

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	iauth "github.com/charlesng35/netgate/internal/auth"
	"github.com/charlesng35/netgate/internal/cache"
	"github.com/charlesng35/netgate/internal/database/testutil"
	"github.com/charlesng35/netgate/internal/models"
	"github.com/charlesng35/netgate/internal/services"
)

type recordingSweeper struct {
	calls   int
	idleFor time.Duration
	err     error
}

func (r *recordingSweeper) SweepIdle(ctx context.Context, idleFor time.Duration) (int, error) {
	r.calls++
	r.idleFor = idleFor
	return 0, r.err
}

func newCleanerFixture(t *testing.T, opts ...Option) (*Cleaner, *gorm.DB) {
	t.Helper()

	db := testutil.MustOpenTestDB(t, testutil.WithAutoMigrate())

	jwtService, err := iauth.NewJWTService(iauth.JWTConfig{Secret: "maintenance-test-secret"})
	require.NoError(t, err)

	sessions, err := iauth.NewSessionService(db, jwtService, iauth.SessionConfig{})
	require.NoError(t, err)

	audit, err := services.NewAuditService(db)
	require.NoError(t, err)

	return NewCleaner(sessions, audit, opts...), db
}

func seedCleanupUser(t *testing.T, db *gorm.DB) models.User {
	t.Helper()

	user := models.User{
		Username: "janitor-" + uuid.NewString()[:8],
		Email:    uuid.NewString()[:8] + "@example.com",
		Password: "irrelevant",
		IsActive: true,
	}
	require.NoError(t, db.Create(&user).Error)
	return user
}

func TestCleanerRunOncePurgesExpiredSessions(t *testing.T) {
	cleaner, db := newCleanerFixture(t)
	user := seedCleanupUser(t, db)

	expired := models.Session{
		UserID:       user.ID,
		RefreshToken: uuid.NewString(),
		ExpiresAt:    time.Now().Add(-time.Hour),
	}
	live := models.Session{
		UserID:       user.ID,
		RefreshToken: uuid.NewString(),
		ExpiresAt:    time.Now().Add(time.Hour),
	}
	require.NoError(t, db.Create(&expired).Error)
	require.NoError(t, db.Create(&live).Error)

	require.NoError(t, cleaner.RunOnce(context.Background()))

	var remaining []models.Session
	require.NoError(t, db.Find(&remaining).Error)
	require.Len(t, remaining, 1)
	require.Equal(t, live.ID, remaining[0].ID)
}

func TestCleanerRunOnceEnforcesAuditRetention(t *testing.T) {
	cleaner, db := newCleanerFixture(t, WithAuditRetentionDays(30))
	user := seedCleanupUser(t, db)

	stale := models.AuditLog{UserID: &user.ID, Action: "login", Result: "success"}
	fresh := models.AuditLog{UserID: &user.ID, Action: "logout", Result: "success"}
	require.NoError(t, db.Create(&stale).Error)
	require.NoError(t, db.Create(&fresh).Error)

	cutoff := time.Now().AddDate(0, 0, -31)
	require.NoError(t, db.Model(&models.AuditLog{}).
		Where("id = ?", stale.ID).
		Update("created_at", cutoff).Error)

	require.NoError(t, cleaner.RunOnce(context.Background()))

	var remaining []models.AuditLog
	require.NoError(t, db.Find(&remaining).Error)
	require.Len(t, remaining, 1)
	require.Equal(t, fresh.ID, remaining[0].ID)
}

func TestCleanerRunOncePurgesExpiredCacheEntries(t *testing.T) {
	cleaner, db := newCleanerFixture(t)
	cleaner.cacheDB = cache.NewDatabaseStore(db)

	require.NoError(t, db.Create(&models.CacheEntry{
		Key:       "stale",
		Value:     []byte("x"),
		ExpiresAt: time.Now().Add(-time.Minute),
	}).Error)
	require.NoError(t, db.Create(&models.CacheEntry{
		Key:   "permanent",
		Value: []byte("y"),
	}).Error)

	require.NoError(t, cleaner.RunOnce(context.Background()))

	var remaining []models.CacheEntry
	require.NoError(t, db.Find(&remaining).Error)
	require.Len(t, remaining, 1)
	require.Equal(t, "permanent", remaining[0].Key)
}

func TestCleanerRunOnceInvokesIdleSweep(t *testing.T) {
	sweeper := &recordingSweeper{}
	cleaner, _ := newCleanerFixture(t, WithIdleSweep(sweeper, 20*time.Minute))

	require.NoError(t, cleaner.RunOnce(context.Background()))

	require.Equal(t, 1, sweeper.calls)
	require.Equal(t, 20*time.Minute, sweeper.idleFor)
}

func TestCleanerStartRegistersJobs(t *testing.T) {
	sweeper := &recordingSweeper{}
	cleaner, _ := newCleanerFixture(t, WithIdleSweep(sweeper, time.Hour))

	require.NoError(t, cleaner.Start())
	t.Cleanup(func() {
		<-cleaner.Stop().Done()
	})
}
