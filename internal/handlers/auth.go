package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/charlesng35/netgate/internal/access"
	"github.com/charlesng35/netgate/internal/devices"
	"github.com/charlesng35/netgate/internal/models"
	appErrors "github.com/charlesng35/netgate/pkg/errors"
	"github.com/charlesng35/netgate/pkg/response"
)

// AuthHandler exposes the access lifecycle over HTTP: login, token refresh,
// and logout. All of the orchestration lives in the access coordinator; the
// handler only translates between JSON and coordinator inputs.
type AuthHandler struct {
	coordinator *access.Coordinator
}

func NewAuthHandler(coordinator *access.Coordinator) *AuthHandler {
	return &AuthHandler{coordinator: coordinator}
}

type loginRequest struct {
	Identifier string `json:"identifier" validate:"required"`
	Password   string `json:"password" validate:"required"`
	MACAddress string `json:"mac_address" validate:"omitempty,mac"`
	DeviceName string `json:"device_name" validate:"omitempty,max=64"`
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

// POST /api/auth/login
func (h *AuthHandler) Login(c *gin.Context) {
	var req loginRequest
	if !bindAndValidate(c, &req) {
		return
	}
	req.Identifier = strings.TrimSpace(req.Identifier)
	if req.Identifier == "" {
		response.Error(c, appErrors.NewBadRequest("identifier is required"))
		return
	}

	result, err := h.coordinator.Login(requestContext(c), access.LoginInput{
		Identifier:      req.Identifier,
		Password:        req.Password,
		MACAddress:      req.MACAddress,
		IPAddress:       c.ClientIP(),
		UserAgent:       c.Request.UserAgent(),
		DeviceName:      req.DeviceName,
		ClientSignature: c.Request.UserAgent(),
	})
	if err != nil {
		writeAccessError(c, err)
		return
	}

	response.Success(c, http.StatusOK, loginPayload(result))
}

func loginPayload(result *access.LoginResult) gin.H {
	return gin.H{
		"tokens": tokenResponse{
			AccessToken:  result.Tokens.AccessToken,
			RefreshToken: result.Tokens.RefreshToken,
		},
		"user": gin.H{
			"id":        result.User.ID,
			"username":  result.User.Username,
			"email":     result.User.Email,
			"is_admin":  result.User.IsAdmin,
			"is_active": result.User.IsActive,
		},
		"device":          devicePayload(result.Device),
		"network_granted": result.NetworkGranted,
	}
}

func devicePayload(device *models.Device) gin.H {
	return gin.H{
		"id":               device.ID,
		"name":             device.Name,
		"fingerprint_kind": device.FingerprintKind,
		"ip_address":       device.IPAddress,
		"active":           device.Active,
		"last_seen_at":     device.LastSeenAt,
	}
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token" validate:"required"`
}

// POST /api/auth/refresh
func (h *AuthHandler) Refresh(c *gin.Context) {
	var req refreshRequest
	if !bindAndValidate(c, &req) {
		return
	}
	req.RefreshToken = strings.TrimSpace(req.RefreshToken)
	if req.RefreshToken == "" {
		response.Error(c, appErrors.NewBadRequest("refresh token is required"))
		return
	}

	tokens, _, err := h.coordinator.Refresh(requestContext(c), req.RefreshToken)
	if err != nil {
		response.Error(c, err)
		return
	}

	response.Success(c, http.StatusOK, tokenResponse{
		AccessToken:  tokens.AccessToken,
		RefreshToken: tokens.RefreshToken,
	})
}

type logoutRequest struct {
	RefreshToken string `json:"refresh_token" validate:"required"`
}

// POST /api/auth/logout
//
// Logout takes the refresh token rather than relying on the access token so
// a client whose access token already expired can still release its slot.
func (h *AuthHandler) Logout(c *gin.Context) {
	var req logoutRequest
	if !bindAndValidate(c, &req) {
		return
	}

	if err := h.coordinator.Logout(requestContext(c), strings.TrimSpace(req.RefreshToken)); err != nil {
		response.Error(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{"revoked": true})
}

// writeAccessError renders coordinator errors, attaching the quota counts to
// quota rejections so clients can tell users which device to disconnect.
func writeAccessError(c *gin.Context, err error) {
	var quotaErr *devices.QuotaExceededError
	if errors.As(err, &quotaErr) {
		response.ErrorWithDetails(c, appErrors.ErrQuotaExceeded, gin.H{
			"active": quotaErr.Active,
			"max":    quotaErr.Max,
		})
		return
	}
	response.Error(c, err)
}
