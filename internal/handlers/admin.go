package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/charlesng35/netgate/internal/access"
	"github.com/charlesng35/netgate/internal/database"
	"github.com/charlesng35/netgate/internal/devices"
	"github.com/charlesng35/netgate/internal/services"
	appErrors "github.com/charlesng35/netgate/pkg/errors"
	"github.com/charlesng35/netgate/pkg/response"
)

// AdminHandler exposes the operator surface: forced disconnects, firewall
// resync, audit log queries, and runtime settings.
type AdminHandler struct {
	db          *gorm.DB
	coordinator *access.Coordinator
	registry    *devices.Registry
	connections *services.ConnectionService
	audit       *services.AuditService
}

func NewAdminHandler(db *gorm.DB, coordinator *access.Coordinator, registry *devices.Registry, connections *services.ConnectionService, audit *services.AuditService) *AdminHandler {
	return &AdminHandler{db: db, coordinator: coordinator, registry: registry, connections: connections, audit: audit}
}

// GET /api/admin/users/:id/devices
func (h *AdminHandler) UserDevices(c *gin.Context) {
	list, err := h.registry.ListForUser(requestContext(c), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}

	payload := make([]gin.H, 0, len(list))
	for i := range list {
		payload = append(payload, devicePayload(&list[i]))
	}

	response.Success(c, http.StatusOK, gin.H{"devices": payload})
}

// GET /api/admin/users/:id/connections
func (h *AdminHandler) UserConnections(c *gin.Context) {
	page := parseIntQuery(c, "page", 1)
	pageSize := parseIntQuery(c, "page_size", 20)

	list, total, err := h.connections.ListForUser(requestContext(c), c.Param("id"), services.ConnectionListOptions{
		Page:     page,
		PageSize: pageSize,
		OpenOnly: c.Query("open") == "true",
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

// POST /api/admin/users/:id/disconnect
func (h *AdminHandler) DisconnectUser(c *gin.Context) {
	disconnected, err := h.coordinator.DisconnectUser(requestContext(c), c.Param("id"))
	if err != nil {
		// Partial teardown still reports the devices that came off.
		response.ErrorWithDetails(c, err, gin.H{"disconnected": disconnected})
		return
	}

	response.Success(c, http.StatusOK, gin.H{"disconnected": disconnected})
}

// POST /api/admin/devices/:id/disconnect
func (h *AdminHandler) DisconnectDevice(c *gin.Context) {
	if err := h.coordinator.DisconnectDevice(requestContext(c), c.Param("id")); err != nil {
		response.Error(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{"disconnected": true})
}

// POST /api/admin/disconnect-all
func (h *AdminHandler) DisconnectAll(c *gin.Context) {
	removed, err := h.coordinator.DisconnectAll(requestContext(c))
	if err != nil {
		response.ErrorWithDetails(c, err, gin.H{"removed": removed})
		return
	}

	response.Success(c, http.StatusOK, gin.H{"removed": removed})
}

// POST /api/admin/resync
//
// Reinstalls grants for every active device, used after a firewall restart
// or rule flush.
func (h *AdminHandler) Resync(c *gin.Context) {
	restored, err := h.coordinator.Resync(requestContext(c))
	if err != nil {
		response.ErrorWithDetails(c, err, gin.H{"restored": restored})
		return
	}

	response.Success(c, http.StatusOK, gin.H{"restored": restored})
}

// GET /api/admin/audit
func (h *AdminHandler) AuditLogs(c *gin.Context) {
	page := parseIntQuery(c, "page", 1)
	pageSize := parseIntQuery(c, "page_size", 50)

	filters := services.AuditFilters{
		UserID:   c.Query("user_id"),
		Action:   c.Query("action"),
		Result:   c.Query("result"),
		Resource: c.Query("resource"),
	}
	if since := c.Query("since"); since != "" {
		if parsed, err := time.Parse(time.RFC3339, since); err == nil {
			filters.Since = &parsed
		}
	}
	if until := c.Query("until"); until != "" {
		if parsed, err := time.Parse(time.RFC3339, until); err == nil {
			filters.Until = &parsed
		}
	}

	logs, total, err := h.audit.List(requestContext(c), services.AuditListOptions{
		Page:     page,
		PageSize: pageSize,
		Filters:  filters,
	})
	if err != nil {
		response.Error(c, err)
		return
	}

	response.SuccessWithMeta(c, http.StatusOK, gin.H{"logs": logs}, &response.Meta{
		Page:    page,
		PerPage: pageSize,
		Total:   int(total),
	})
}

// GET /api/admin/settings
func (h *AdminHandler) Settings(c *gin.Context) {
	ctx := requestContext(c)

	response.Success(c, http.StatusOK, gin.H{
		"max_devices_per_user": database.GetIntSetting(ctx, h.db, database.SettingMaxDevicesPerUser, devices.DefaultMaxDevicesPerUser),
	})
}

type updateSettingsRequest struct {
	MaxDevicesPerUser *int `json:"max_devices_per_user" validate:"omitempty,min=1,max=64"`
}

// PUT /api/admin/settings
func (h *AdminHandler) UpdateSettings(c *gin.Context) {
	var req updateSettingsRequest
	if !bindAndValidate(c, &req) {
		return
	}

	ctx := requestContext(c)

	if req.MaxDevicesPerUser != nil {
		value := strconv.Itoa(*req.MaxDevicesPerUser)
		if err := database.UpsertSystemSetting(ctx, h.db, database.SettingMaxDevicesPerUser, value); err != nil {
			response.Error(c, appErrors.ErrInternalServer.WithInternal(err))
			return
		}
	}

	h.Settings(c)
}
