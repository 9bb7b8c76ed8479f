package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/charlesng35/netgate/internal/database/testutil"
	"github.com/charlesng35/netgate/internal/models"
)

func TestDatabaseStoreSetGetDelete(t *testing.T) {
	db := testutil.MustOpenTestDB(t, testutil.WithAutoMigrate())
	store := NewDatabaseStore(db)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "k1", []byte("v1"), time.Minute))

	value, found, err := store.Get(ctx, "k1")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []byte("v1"), value)

	// Overwrites replace the value.
	require.NoError(t, store.Set(ctx, "k1", []byte("v2"), time.Minute))
	value, found, err = store.Get(ctx, "k1")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []byte("v2"), value)

	require.NoError(t, store.Delete(ctx, "k1"))
	_, found, err = store.Get(ctx, "k1")
	require.NoError(t, err)
	require.False(t, found)
}

func TestDatabaseStoreExpiry(t *testing.T) {
	db := testutil.MustOpenTestDB(t, testutil.WithAutoMigrate())
	store := NewDatabaseStore(db)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "k1", []byte("v1"), time.Minute))

	// Backdate the entry past its expiry.
	require.NoError(t, db.Model(&models.CacheEntry{}).
		Where("key = ?", "k1").
		Update("expires_at", time.Now().Add(-time.Second)).Error)

	_, found, err := store.Get(ctx, "k1")
	require.NoError(t, err)
	require.False(t, found)
}

func TestDatabaseStoreIncrementWithTTL(t *testing.T) {
	db := testutil.MustOpenTestDB(t, testutil.WithAutoMigrate())
	store := NewDatabaseStore(db)
	ctx := context.Background()

	count, ttl, err := store.IncrementWithTTL(ctx, "counter", time.Minute)
	require.NoError(t, err)
	require.EqualValues(t, 1, count)
	require.Greater(t, ttl, time.Duration(0))

	count, _, err = store.IncrementWithTTL(ctx, "counter", time.Minute)
	require.NoError(t, err)
	require.EqualValues(t, 2, count)

	// A lapsed window restarts the count.
	require.NoError(t, db.Model(&models.CacheEntry{}).
		Where("key = ?", "counter").
		Update("expires_at", time.Now().Add(-time.Second)).Error)

	count, _, err = store.IncrementWithTTL(ctx, "counter", time.Minute)
	require.NoError(t, err)
	require.EqualValues(t, 1, count)
}

func TestDatabaseStorePurgeExpired(t *testing.T) {
	db := testutil.MustOpenTestDB(t, testutil.WithAutoMigrate())
	store := NewDatabaseStore(db)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "live", []byte("v"), time.Hour))
	require.NoError(t, store.Set(ctx, "dead", []byte("v"), time.Minute))
	require.NoError(t, db.Model(&models.CacheEntry{}).
		Where("key = ?", "dead").
		Update("expires_at", time.Now().Add(-time.Minute)).Error)

	purged, err := store.PurgeExpired(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, purged)

	_, found, err := store.Get(ctx, "live")
	require.NoError(t, err)
	require.True(t, found)
}
