package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/charlesng35/netgate/internal/access"
	"github.com/charlesng35/netgate/internal/devices"
	"github.com/charlesng35/netgate/internal/services"
	appErrors "github.com/charlesng35/netgate/pkg/errors"
	"github.com/charlesng35/netgate/pkg/response"
)

// DeviceHandler lets users inspect and manage their own devices. Every
// operation is scoped to the authenticated user; cross-user access goes
// through the admin surface instead.
type DeviceHandler struct {
	registry    *devices.Registry
	coordinator *access.Coordinator
	connections *services.ConnectionService
}

func NewDeviceHandler(registry *devices.Registry, coordinator *access.Coordinator, connections *services.ConnectionService) *DeviceHandler {
	return &DeviceHandler{registry: registry, coordinator: coordinator, connections: connections}
}

// GET /api/devices
func (h *DeviceHandler) List(c *gin.Context) {
	userID := currentUserID(c)
	if userID == "" {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}

	list, err := h.registry.ListForUser(requestContext(c), userID)
	if err != nil {
		response.Error(c, err)
		return
	}

	payload := make([]gin.H, 0, len(list))
	for i := range list {
		payload = append(payload, devicePayload(&list[i]))
	}

	response.Success(c, http.StatusOK, gin.H{
		"devices": payload,
		"max":     h.registry.MaxDevicesForUser(requestContext(c)),
	})
}

// ownedDevice loads the device and enforces that it belongs to the caller.
// A foreign device is reported as not found rather than forbidden so the
// endpoint does not leak device identifiers across accounts.
func (h *DeviceHandler) ownedDevice(c *gin.Context, deviceID string) (string, bool) {
	userID := currentUserID(c)
	if userID == "" {
		response.Error(c, appErrors.ErrUnauthorized)
		return "", false
	}

	device, err := h.registry.Get(requestContext(c), deviceID)
	if err != nil {
		response.Error(c, err)
		return "", false
	}
	if device.UserID != userID {
		response.Error(c, appErrors.ErrDeviceNotFound)
		return "", false
	}

	return device.ID, true
}

type renameDeviceRequest struct {
	Name string `json:"name" validate:"required,max=64"`
}

// PATCH /api/devices/:id
func (h *DeviceHandler) Rename(c *gin.Context) {
	deviceID, ok := h.ownedDevice(c, c.Param("id"))
	if !ok {
		return
	}

	var req renameDeviceRequest
	if !bindAndValidate(c, &req) {
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		response.Error(c, appErrors.NewBadRequest("name is required"))
		return
	}

	device, err := h.registry.Rename(requestContext(c), deviceID, req.Name)
	if err != nil {
		response.Error(c, err)
		return
	}

	response.Success(c, http.StatusOK, devicePayload(device))
}

// POST /api/devices/:id/disconnect
//
// Disconnecting frees the quota slot immediately, which is how a user at
// their device limit makes room for a new device.
func (h *DeviceHandler) Disconnect(c *gin.Context) {
	deviceID, ok := h.ownedDevice(c, c.Param("id"))
	if !ok {
		return
	}

	if err := h.coordinator.DisconnectDevice(requestContext(c), deviceID); err != nil {
		response.Error(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{"disconnected": true})
}

// DELETE /api/devices/:id
//
// Removal tears down any live grant first so the firewall never keeps a
// rule for a device the registry no longer knows about.
func (h *DeviceHandler) Delete(c *gin.Context) {
	deviceID, ok := h.ownedDevice(c, c.Param("id"))
	if !ok {
		return
	}

	ctx := requestContext(c)
	if err := h.coordinator.DisconnectDevice(ctx, deviceID); err != nil {
		response.Error(c, err)
		return
	}
	if err := h.registry.Delete(ctx, deviceID); err != nil {
		response.Error(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{"deleted": true})
}

// GET /api/devices/:id/usage
func (h *DeviceHandler) Usage(c *gin.Context) {
	deviceID, ok := h.ownedDevice(c, c.Param("id"))
	if !ok {
		return
	}

	usage, err := h.coordinator.DeviceUsage(requestContext(c), deviceID)
	if err != nil {
		response.Error(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{
		"bytes_in":    usage.BytesIn,
		"bytes_out":   usage.BytesOut,
		"packets_in":  usage.PacketsIn,
		"packets_out": usage.PacketsOut,
	})
}

// GET /api/devices/:id/connections
func (h *DeviceHandler) Connections(c *gin.Context) {
	deviceID, ok := h.ownedDevice(c, c.Param("id"))
	if !ok {
		return
	}

	page := parseIntQuery(c, "page", 1)
	pageSize := parseIntQuery(c, "page_size", 20)

	list, total, err := h.connections.ListForDevice(requestContext(c), deviceID, services.ConnectionListOptions{
		Page:     page,
		PageSize: pageSize,
	})
	if err != nil {
		response.Error(c, err)
		return
	}

	response.SuccessWithMeta(c, http.StatusOK, gin.H{"connections": list}, &response.Meta{
		Page:    page,
		PerPage: pageSize,
		Total:   int(total),
	})
}
