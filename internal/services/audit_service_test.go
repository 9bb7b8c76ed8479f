package services

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/charlesng35/netgate/internal/models"
)

func TestAuditServiceLogAndList(t *testing.T) {
	db := openServiceTestDB(t)
	svc, err := NewAuditService(db)
	require.NoError(t, err)

	ctx := context.Background()

	userID := "user-1"
	require.NoError(t, svc.Log(ctx, AuditEntry{
		UserID:   &userID,
		Username: "alice",
		Action:   "access.login",
		Resource: "device-1",
		Result:   "success",
		Metadata: map[string]any{"ip": "10.0.0.5"},
	}))
	require.NoError(t, svc.Log(ctx, AuditEntry{
		Action: "access.login",
		Result: "failure",
	}))

	require.Error(t, svc.Log(ctx, AuditEntry{Result: "success"}), "action is required")
	require.Error(t, svc.Log(ctx, AuditEntry{Action: "access.login"}), "result is required")

	logs, total, err := svc.List(ctx, AuditListOptions{Filters: AuditFilters{Action: "access.login"}})
	require.NoError(t, err)
	require.EqualValues(t, 2, total)
	require.Len(t, logs, 2)

	failures, total, err := svc.List(ctx, AuditListOptions{Filters: AuditFilters{Result: "failure"}})
	require.NoError(t, err)
	require.EqualValues(t, 1, total)
	require.Equal(t, "failure", failures[0].Result)
}

func TestAuditServiceCleanup(t *testing.T) {
	db := openServiceTestDB(t)
	svc, err := NewAuditService(db)
	require.NoError(t, err)

	old := models.AuditLog{Action: "access.login", Result: "success"}
	require.NoError(t, db.Create(&old).Error)
	require.NoError(t, db.Model(&old).Update("created_at", time.Now().AddDate(0, 0, -120)).Error)

	recent := models.AuditLog{Action: "access.logout", Result: "success"}
	require.NoError(t, db.Create(&recent).Error)

	removed, err := svc.CleanupOlderThan(context.Background(), 90)
	require.NoError(t, err)
	require.EqualValues(t, 1, removed)

	_, err = svc.CleanupOlderThan(context.Background(), 0)
	require.Error(t, err)
}
