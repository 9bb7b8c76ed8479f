package access

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"
	"gorm.io/gorm"

	"github.com/charlesng35/netgate/internal/auth"
	"github.com/charlesng35/netgate/internal/database/testutil"
	"github.com/charlesng35/netgate/internal/devices"
	"github.com/charlesng35/netgate/internal/firewall"
	"github.com/charlesng35/netgate/internal/firewall/firewalltest"
	"github.com/charlesng35/netgate/internal/models"
	"github.com/charlesng35/netgate/internal/services"
	"github.com/charlesng35/netgate/pkg/crypto"
	apperrors "github.com/charlesng35/netgate/pkg/errors"
)

type coordinatorFixture struct {
	db          *gorm.DB
	driver      *firewalltest.FakeDriver
	coordinator *Coordinator
	registry    *devices.Registry
	sessions    *auth.SessionService
	connections *services.ConnectionService
}

func newCoordinatorFixture(t *testing.T, cfg Config) *coordinatorFixture {
	t.Helper()

	db := testutil.MustOpenTestDB(t, testutil.WithSeedData())

	provider, err := auth.NewLocalProvider(db, auth.LocalConfig{})
	require.NoError(t, err)

	jwtService, err := auth.NewJWTService(auth.JWTConfig{Secret: "test-secret"})
	require.NoError(t, err)

	sessions, err := auth.NewSessionService(db, jwtService, auth.SessionConfig{})
	require.NoError(t, err)

	registry, err := devices.NewRegistry(db)
	require.NoError(t, err)

	connections, err := services.NewConnectionService(db)
	require.NoError(t, err)

	audit, err := services.NewAuditService(db)
	require.NoError(t, err)

	driver := firewalltest.NewFakeDriver()

	coordinator, err := NewCoordinator(Deps{
		Provider:    provider,
		Sessions:    sessions,
		Registry:    registry,
		Driver:      driver,
		Connections: connections,
		Audit:       audit,
	}, cfg)
	require.NoError(t, err)

	return &coordinatorFixture{
		db:          db,
		driver:      driver,
		coordinator: coordinator,
		registry:    registry,
		sessions:    sessions,
		connections: connections,
	}
}

func (f *coordinatorFixture) seedUser(t *testing.T, username string) *models.User {
	t.Helper()

	hashed, err := crypto.HashPassword("test-password")
	require.NoError(t, err)

	user := &models.User{
		Username: username,
		Email:    username + "@example.com",
		Password: hashed,
		IsActive: true,
	}
	require.NoError(t, f.db.Create(user).Error)
	return user
}

func loginInput(username string, deviceIdx int) LoginInput {
	return LoginInput{
		Identifier: username,
		Password:   "test-password",
		MACAddress: macForIdx(deviceIdx),
		IPAddress:  ipForIdx(deviceIdx),
		UserAgent:  "netgate-test/1.0",
	}
}

func macForIdx(i int) string {
	return fmt.Sprintf("aa:bb:cc:dd:ee:%02x", i)
}

func ipForIdx(i int) string {
	return fmt.Sprintf("10.0.0.%d", 20+i)
}

func TestCoordinatorLoginGrantsAccess(t *testing.T) {
	f := newCoordinatorFixture(t, Config{})
	user := f.seedUser(t, "alice")

	result, err := f.coordinator.Login(context.Background(), loginInput("alice", 1))
	require.NoError(t, err)
	require.True(t, result.NetworkGranted)
	require.NotEmpty(t, result.Tokens.AccessToken)
	require.NotEmpty(t, result.Tokens.RefreshToken)
	require.Equal(t, user.ID, result.User.ID)
	require.NotNil(t, result.Connection)
	require.True(t, result.Connection.Open())

	require.True(t, f.driver.HasGrant(firewall.Grant{
		MACAddress: macForIdx(1),
		IPAddress:  ipForIdx(1),
	}))

	// The session is bound to the admitted device.
	require.NotNil(t, result.Session.DeviceID)
	require.Equal(t, result.Device.ID, *result.Session.DeviceID)
}

func TestCoordinatorLoginRejectsBadPassword(t *testing.T) {
	f := newCoordinatorFixture(t, Config{})
	f.seedUser(t, "bob")

	_, err := f.coordinator.Login(context.Background(), LoginInput{
		Identifier: "bob",
		Password:   "wrong",
		MACAddress: macForIdx(1),
		IPAddress:  ipForIdx(1),
	})
	require.ErrorIs(t, err, apperrors.ErrInvalidCredentials)
	require.Zero(t, f.driver.GrantCount())
}

func TestCoordinatorLoginRejectsInactiveAccount(t *testing.T) {
	f := newCoordinatorFixture(t, Config{})
	user := f.seedUser(t, "carol")
	require.NoError(t, f.db.Model(user).Update("is_active", false).Error)

	_, err := f.coordinator.Login(context.Background(), loginInput("carol", 1))
	require.ErrorIs(t, err, apperrors.ErrAccountInactive)
	require.Zero(t, f.driver.GrantCount())
}

func TestCoordinatorLoginQuotaExceededLeavesFirewallUntouched(t *testing.T) {
	f := newCoordinatorFixture(t, Config{})
	f.seedUser(t, "dave")

	ctx := context.Background()
	max := f.registry.MaxDevicesForUser(ctx)

	for i := 0; i < max; i++ {
		_, err := f.coordinator.Login(ctx, loginInput("dave", i))
		require.NoError(t, err)
	}
	require.Equal(t, max, f.driver.GrantCount())

	_, err := f.coordinator.Login(ctx, loginInput("dave", max))
	require.ErrorIs(t, err, apperrors.ErrQuotaExceeded)

	var quotaErr *devices.QuotaExceededError
	require.ErrorAs(t, err, &quotaErr)
	require.Equal(t, max, quotaErr.Active)

	// The rejected device got no grant and no session.
	require.Equal(t, max, f.driver.GrantCount())
	var sessions int64
	require.NoError(t, f.db.Model(&models.Session{}).Count(&sessions).Error)
	require.EqualValues(t, max, sessions)
}

func TestCoordinatorLogoutFreesQuotaSlot(t *testing.T) {
	f := newCoordinatorFixture(t, Config{})
	f.seedUser(t, "erin")

	ctx := context.Background()
	max := f.registry.MaxDevicesForUser(ctx)

	var first *LoginResult
	for i := 0; i < max; i++ {
		result, err := f.coordinator.Login(ctx, loginInput("erin", i))
		require.NoError(t, err)
		if i == 0 {
			first = result
		}
	}

	_, err := f.coordinator.Login(ctx, loginInput("erin", max))
	require.ErrorIs(t, err, apperrors.ErrQuotaExceeded)

	f.driver.SetUsage(firewall.Grant{MACAddress: macForIdx(0), IPAddress: ipForIdx(0)},
		firewall.Usage{BytesOut: 4096, PacketsOut: 32, BytesIn: 1024, PacketsIn: 8})

	require.NoError(t, f.coordinator.Logout(ctx, first.Tokens.RefreshToken))

	// The grant is gone and the ledger entry carries the final counters.
	require.False(t, f.driver.HasGrant(firewall.Grant{MACAddress: macForIdx(0), IPAddress: ipForIdx(0)}))

	var conn models.Connection
	require.NoError(t, f.db.Take(&conn, "device_id = ?", first.Device.ID).Error)
	require.False(t, conn.Open())
	require.EqualValues(t, 4096, conn.BytesOut)
	require.EqualValues(t, 1024, conn.BytesIn)

	// The freed slot admits the previously rejected device.
	_, err = f.coordinator.Login(ctx, loginInput("erin", max))
	require.NoError(t, err)
}

func TestCoordinatorLogoutCompletesDespiteFilterFailure(t *testing.T) {
	f := newCoordinatorFixture(t, Config{})
	f.seedUser(t, "nick")

	ctx := context.Background()
	result, err := f.coordinator.Login(ctx, loginInput("nick", 1))
	require.NoError(t, err)

	f.driver.RevokeErr = apperrors.ErrFirewallCommandFailed

	err = f.coordinator.Logout(ctx, result.Tokens.RefreshToken)
	require.Error(t, err)

	// The logical logout still happened: the session is dead and the
	// quota slot is free. Only the rule is left behind.
	_, _, err = f.coordinator.Refresh(ctx, result.Tokens.RefreshToken)
	require.ErrorIs(t, err, apperrors.ErrTokenRevoked)

	active, err := f.registry.ListActiveForUser(ctx, result.User.ID)
	require.NoError(t, err)
	require.Empty(t, active)
	require.Equal(t, 1, f.driver.GrantCount())
}

func TestCoordinatorLoginFailOpenOnFirewallFailure(t *testing.T) {
	f := newCoordinatorFixture(t, Config{})
	f.seedUser(t, "frank")
	f.driver.GrantErr = apperrors.ErrFirewallCommandFailed

	result, err := f.coordinator.Login(context.Background(), loginInput("frank", 1))
	require.NoError(t, err)
	require.False(t, result.NetworkGranted)
	require.NotEmpty(t, result.Tokens.AccessToken)

	// The device keeps its slot so the resync can retry the grant.
	active, err := f.registry.ListActiveForUser(context.Background(), result.User.ID)
	require.NoError(t, err)
	require.Len(t, active, 1)
}

func TestCoordinatorLoginFailClosedOnFirewallFailure(t *testing.T) {
	f := newCoordinatorFixture(t, Config{FailClosed: true})
	user := f.seedUser(t, "grace")
	f.driver.GrantErr = apperrors.ErrFirewallCommandFailed

	_, err := f.coordinator.Login(context.Background(), loginInput("grace", 1))
	require.ErrorIs(t, err, apperrors.ErrFirewallCommandFailed)

	// Everything unwound: no live session, no held quota slot.
	var sessions int64
	require.NoError(t, f.db.Model(&models.Session{}).
		Where("revoked_at IS NULL").Count(&sessions).Error)
	require.Zero(t, sessions)

	active, err := f.registry.ListActiveForUser(context.Background(), user.ID)
	require.NoError(t, err)
	require.Empty(t, active)
}

func TestCoordinatorRefreshRotatesAndReplayIsRevoked(t *testing.T) {
	f := newCoordinatorFixture(t, Config{})
	f.seedUser(t, "heidi")

	ctx := context.Background()
	result, err := f.coordinator.Login(ctx, loginInput("heidi", 1))
	require.NoError(t, err)

	rotated, _, err := f.coordinator.Refresh(ctx, result.Tokens.RefreshToken)
	require.NoError(t, err)
	require.NotEqual(t, result.Tokens.RefreshToken, rotated.RefreshToken)

	// Replaying the rotated-away token is revocation, not expiry or a
	// missing session.
	_, _, err = f.coordinator.Refresh(ctx, result.Tokens.RefreshToken)
	require.ErrorIs(t, err, apperrors.ErrTokenRevoked)

	// The session was revoked wholesale, taking the new token with it.
	_, _, err = f.coordinator.Refresh(ctx, rotated.RefreshToken)
	require.ErrorIs(t, err, apperrors.ErrTokenRevoked)
}

func TestCoordinatorRefreshUnknownToken(t *testing.T) {
	f := newCoordinatorFixture(t, Config{})

	_, _, err := f.coordinator.Refresh(context.Background(), "never-issued")
	require.ErrorIs(t, err, apperrors.ErrTokenInvalid)
}

func TestCoordinatorDisconnectDevice(t *testing.T) {
	f := newCoordinatorFixture(t, Config{})
	f.seedUser(t, "ivan")

	ctx := context.Background()
	result, err := f.coordinator.Login(ctx, loginInput("ivan", 1))
	require.NoError(t, err)

	require.NoError(t, f.coordinator.DisconnectDevice(ctx, result.Device.ID))
	require.Zero(t, f.driver.GrantCount())

	// Sessions bound to the device no longer refresh.
	_, _, err = f.coordinator.Refresh(ctx, result.Tokens.RefreshToken)
	require.ErrorIs(t, err, apperrors.ErrTokenRevoked)

	err = f.coordinator.DisconnectDevice(ctx, "missing-device")
	require.ErrorIs(t, err, apperrors.ErrDeviceNotFound)
}

func TestCoordinatorDisconnectUserContinuesPastFailures(t *testing.T) {
	f := newCoordinatorFixture(t, Config{})
	user := f.seedUser(t, "judy")

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := f.coordinator.Login(ctx, loginInput("judy", i))
		require.NoError(t, err)
	}

	// Every revoke fails, but the fan-out must still visit each device
	// and report the damage instead of stopping at the first error.
	f.driver.RevokeErr = apperrors.ErrFirewallCommandFailed

	disconnected, err := f.coordinator.DisconnectUser(ctx, user.ID)
	require.Error(t, err)
	require.Len(t, multierr.Errors(err), 3)
	require.Zero(t, disconnected)

	// The filter never blocks the logical revocation: every quota slot
	// frees even though the rules are still installed.
	active, err := f.registry.ListActiveForUser(ctx, user.ID)
	require.NoError(t, err)
	require.Empty(t, active)
	require.Equal(t, 3, f.driver.GrantCount())

	// Sessions are revoked regardless: credentials never outlive an
	// admin disconnect.
	var live int64
	require.NoError(t, f.db.Model(&models.Session{}).
		Where("user_id = ? AND revoked_at IS NULL", user.ID).Count(&live).Error)
	require.Zero(t, live)
}

func TestCoordinatorDisconnectUserDeactivatesDespiteRevokeFailure(t *testing.T) {
	f := newCoordinatorFixture(t, Config{})
	user := f.seedUser(t, "mona")

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := f.coordinator.Login(ctx, loginInput("mona", i))
		require.NoError(t, err)
	}

	// Only the second device's rule refuses to come out.
	stuck := macForIdx(1)
	f.driver.RevokeErrFor = func(grant firewall.Grant) error {
		if grant.MACAddress == stuck {
			return apperrors.ErrFirewallCommandFailed
		}
		return nil
	}

	disconnected, err := f.coordinator.DisconnectUser(ctx, user.ID)
	require.Error(t, err)
	require.Len(t, multierr.Errors(err), 1)
	require.Equal(t, 2, disconnected)

	// The stuck device loses its slot like the others; only its rule is
	// left for the resync to deal with.
	active, err := f.registry.ListActiveForUser(ctx, user.ID)
	require.NoError(t, err)
	require.Empty(t, active)
	require.Equal(t, 1, f.driver.GrantCount())
	require.True(t, f.driver.HasGrant(firewall.Grant{MACAddress: stuck, IPAddress: ipForIdx(1)}))
}

func TestCoordinatorDisconnectAll(t *testing.T) {
	f := newCoordinatorFixture(t, Config{})
	f.seedUser(t, "kate")
	f.seedUser(t, "liam")

	ctx := context.Background()
	_, err := f.coordinator.Login(ctx, loginInput("kate", 1))
	require.NoError(t, err)
	_, err = f.coordinator.Login(ctx, loginInput("liam", 2))
	require.NoError(t, err)

	removed, err := f.coordinator.DisconnectAll(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, removed)
	require.Zero(t, f.driver.GrantCount())

	var open int64
	require.NoError(t, f.db.Model(&models.Connection{}).
		Where("closed_at IS NULL").Count(&open).Error)
	require.Zero(t, open)
}

func TestCoordinatorDeviceUsageRefreshesLedger(t *testing.T) {
	f := newCoordinatorFixture(t, Config{})
	f.seedUser(t, "mary")

	ctx := context.Background()
	result, err := f.coordinator.Login(ctx, loginInput("mary", 1))
	require.NoError(t, err)

	f.driver.SetUsage(firewall.Grant{MACAddress: macForIdx(1), IPAddress: ipForIdx(1)},
		firewall.Usage{BytesOut: 2048, PacketsOut: 16})

	usage, err := f.coordinator.DeviceUsage(ctx, result.Device.ID)
	require.NoError(t, err)
	require.EqualValues(t, 2048, usage.BytesOut)

	conn, err := f.connections.OpenForDevice(ctx, result.Device.ID)
	require.NoError(t, err)
	require.EqualValues(t, 2048, conn.BytesOut)
	require.EqualValues(t, 16, conn.PacketsOut)
}

func TestCoordinatorDeviceUsageZeroesWhenFilterUnavailable(t *testing.T) {
	f := newCoordinatorFixture(t, Config{})
	f.seedUser(t, "olga")

	ctx := context.Background()
	result, err := f.coordinator.Login(ctx, loginInput("olga", 1))
	require.NoError(t, err)

	f.driver.QueryErr = apperrors.ErrFirewallCommandFailed

	usage, err := f.coordinator.DeviceUsage(ctx, result.Device.ID)
	require.NoError(t, err)
	require.Zero(t, usage.BytesIn)
	require.Zero(t, usage.BytesOut)

	// An unknown device is still an error; only the accounting degrades.
	_, err = f.coordinator.DeviceUsage(ctx, "missing-device")
	require.ErrorIs(t, err, apperrors.ErrDeviceNotFound)
}

func TestCoordinatorResyncReinstallsGrants(t *testing.T) {
	f := newCoordinatorFixture(t, Config{})
	f.seedUser(t, "nina")

	ctx := context.Background()
	_, err := f.coordinator.Login(ctx, loginInput("nina", 1))
	require.NoError(t, err)
	_, err = f.coordinator.Login(ctx, loginInput("nina", 2))
	require.NoError(t, err)

	// Simulate a firewall flush out from under us.
	_, err = f.driver.DisconnectAll(ctx)
	require.NoError(t, err)
	require.Zero(t, f.driver.GrantCount())

	restored, err := f.coordinator.Resync(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, restored)
	require.Equal(t, 2, f.driver.GrantCount())
}
