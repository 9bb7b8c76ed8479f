package handlers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"github.com/charlesng35/netgate/internal/firewall"
	"github.com/charlesng35/netgate/internal/middleware"
)

func authedContext(t *testing.T, userID string) (*gin.Context, *httptest.ResponseRecorder) {
	t.Helper()

	recorder := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(recorder)
	c.Request = httptest.NewRequest(http.MethodGet, "/", nil)
	c.Set(middleware.CtxUserIDKey, userID)
	return c, recorder
}

func (f *handlerFixture) firstDeviceID(t *testing.T, userID string) string {
	t.Helper()

	list, err := f.registry.ListForUser(context.Background(), userID)
	require.NoError(t, err)
	require.NotEmpty(t, list)
	return list[0].ID
}

func TestDeviceHandlerListScopedToUser(t *testing.T) {
	fixture := newHandlerFixture(t)
	alice := fixture.seedUser(t, "alice")
	bob := fixture.seedUser(t, "bob")

	require.True(t, fixture.login(t, "alice", 1).Success)
	require.True(t, fixture.login(t, "alice", 2).Success)
	require.True(t, fixture.login(t, "bob", 3).Success)

	c, recorder := authedContext(t, alice.ID)
	fixture.devices.List(c)

	require.Equal(t, http.StatusOK, recorder.Code)
	payload := decodeResponse(t, recorder)
	data := payload.Data.(map[string]any)
	require.Len(t, data["devices"], 2)
	require.EqualValues(t, 4, data["max"])

	bobCtx, bobRecorder := authedContext(t, bob.ID)
	fixture.devices.List(bobCtx)
	bobData := decodeResponse(t, bobRecorder).Data.(map[string]any)
	require.Len(t, bobData["devices"], 1)
}

func TestDeviceHandlerRenameRejectsForeignDevice(t *testing.T) {
	fixture := newHandlerFixture(t)
	alice := fixture.seedUser(t, "alice")
	bob := fixture.seedUser(t, "bob")

	require.True(t, fixture.login(t, "bob", 1).Success)
	bobDevice := fixture.firstDeviceID(t, bob.ID)

	c, recorder := jsonContext(t, gin.H{"name": "stolen"})
	c.Params = gin.Params{gin.Param{Key: "id", Value: bobDevice}}
	c.Set(middleware.CtxUserIDKey, alice.ID)
	fixture.devices.Rename(c)

	require.Equal(t, http.StatusNotFound, recorder.Code)
	require.Equal(t, "DEVICE_NOT_FOUND", decodeResponse(t, recorder).Error.Code)
}

func TestDeviceHandlerDisconnectFreesSlot(t *testing.T) {
	fixture := newHandlerFixture(t)
	alice := fixture.seedUser(t, "alice")

	require.True(t, fixture.login(t, "alice", 1).Success)
	deviceID := fixture.firstDeviceID(t, alice.ID)
	require.Equal(t, 1, fixture.driver.GrantCount())

	c, recorder := authedContext(t, alice.ID)
	c.Params = gin.Params{gin.Param{Key: "id", Value: deviceID}}
	fixture.devices.Disconnect(c)

	require.Equal(t, http.StatusOK, recorder.Code)
	require.Zero(t, fixture.driver.GrantCount())

	active, err := fixture.registry.ListActiveForUser(context.Background(), alice.ID)
	require.NoError(t, err)
	require.Empty(t, active)
}

func TestDeviceHandlerDeleteRemovesRecordAndGrant(t *testing.T) {
	fixture := newHandlerFixture(t)
	alice := fixture.seedUser(t, "alice")

	require.True(t, fixture.login(t, "alice", 1).Success)
	deviceID := fixture.firstDeviceID(t, alice.ID)
	require.Equal(t, 1, fixture.driver.GrantCount())

	c, recorder := authedContext(t, alice.ID)
	c.Params = gin.Params{gin.Param{Key: "id", Value: deviceID}}
	fixture.devices.Delete(c)

	require.Equal(t, http.StatusOK, recorder.Code)
	require.Zero(t, fixture.driver.GrantCount())

	_, err := fixture.registry.Get(context.Background(), deviceID)
	require.Error(t, err)
}

func TestDeviceHandlerUsageReportsCounters(t *testing.T) {
	fixture := newHandlerFixture(t)
	alice := fixture.seedUser(t, "alice")

	require.True(t, fixture.login(t, "alice", 1).Success)
	deviceID := fixture.firstDeviceID(t, alice.ID)

	device, err := fixture.registry.Get(context.Background(), deviceID)
	require.NoError(t, err)
	fixture.driver.SetUsage(
		firewall.Grant{MACAddress: device.Fingerprint, IPAddress: device.IPAddress},
		firewall.Usage{PacketsIn: 10, BytesIn: 2048, PacketsOut: 20, BytesOut: 4096},
	)

	c, recorder := authedContext(t, alice.ID)
	c.Params = gin.Params{gin.Param{Key: "id", Value: deviceID}}
	fixture.devices.Usage(c)

	require.Equal(t, http.StatusOK, recorder.Code)
	data := decodeResponse(t, recorder).Data.(map[string]any)
	require.EqualValues(t, 2048, data["bytes_in"])
	require.EqualValues(t, 4096, data["bytes_out"])
}
