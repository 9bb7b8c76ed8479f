package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/charlesng35/netgate/internal/access"
	iauth "github.com/charlesng35/netgate/internal/auth"
	"github.com/charlesng35/netgate/internal/models"
	"github.com/charlesng35/netgate/internal/services"
	appErrors "github.com/charlesng35/netgate/pkg/errors"
	"github.com/charlesng35/netgate/pkg/response"
)

// UserHandler covers the admin user management surface plus the /me profile
// endpoints. Deactivating a user goes through the access coordinator so the
// account's devices are forced off the network at the same time.
type UserHandler struct {
	users       *services.UserService
	coordinator *access.Coordinator
	sessions    *iauth.SessionService
}

func NewUserHandler(users *services.UserService, coordinator *access.Coordinator, sessions *iauth.SessionService) *UserHandler {
	return &UserHandler{users: users, coordinator: coordinator, sessions: sessions}
}

func userPayload(user *models.User) gin.H {
	return gin.H{
		"id":            user.ID,
		"username":      user.Username,
		"email":         user.Email,
		"is_admin":      user.IsAdmin,
		"is_active":     user.IsActive,
		"last_login_at": user.LastLoginAt,
		"created_at":    user.CreatedAt,
	}
}

// GET /api/me
func (h *UserHandler) Me(c *gin.Context) {
	userID := currentUserID(c)
	if userID == "" {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}

	user, err := h.users.GetByID(requestContext(c), userID)
	if err != nil {
		response.Error(c, err)
		return
	}

	response.Success(c, http.StatusOK, userPayload(user))
}

type changePasswordRequest struct {
	CurrentPassword string `json:"current_password" validate:"required"`
	NewPassword     string `json:"new_password" validate:"required,min=8"`
}

// PUT /api/me/password
//
// Every session the user holds is revoked after the change, including the
// one making this request. Devices stay on the network; only the tokens
// minted under the old password die.
func (h *UserHandler) ChangePassword(c *gin.Context) {
	userID := currentUserID(c)
	if userID == "" {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}

	var req changePasswordRequest
	if !bindAndValidate(c, &req) {
		return
	}

	ctx := requestContext(c)
	if err := h.users.ChangePassword(ctx, userID, req.CurrentPassword, req.NewPassword); err != nil {
		response.Error(c, err)
		return
	}
	if err := h.sessions.RevokeUserSessions(userID); err != nil {
		response.Error(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{"changed": true})
}

// GET /api/admin/users
func (h *UserHandler) List(c *gin.Context) {
	page := parseIntQuery(c, "page", 1)
	pageSize := parseIntQuery(c, "page_size", 20)

	list, total, err := h.users.List(requestContext(c), services.ListUsersOptions{
		Page:     page,
		PageSize: pageSize,
		Filters:  services.UserFilters{Query: c.Query("q")},
	})
	if err != nil {
		response.Error(c, err)
		return
	}

	payload := make([]gin.H, 0, len(list))
	for i := range list {
		payload = append(payload, userPayload(&list[i]))
	}

	response.SuccessWithMeta(c, http.StatusOK, gin.H{"users": payload}, &response.Meta{
		Page:    page,
		PerPage: pageSize,
		Total:   int(total),
	})
}

type createUserRequest struct {
	Username string `json:"username" validate:"required,min=3,max=64"`
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required,min=8"`
	IsAdmin  bool   `json:"is_admin"`
}

// POST /api/admin/users
func (h *UserHandler) Create(c *gin.Context) {
	var req createUserRequest
	if !bindAndValidate(c, &req) {
		return
	}

	user, err := h.users.Create(requestContext(c), services.CreateUserInput{
		Username: req.Username,
		Email:    req.Email,
		Password: req.Password,
		IsAdmin:  req.IsAdmin,
	})
	if err != nil {
		response.Error(c, err)
		return
	}

	response.Success(c, http.StatusCreated, userPayload(user))
}

// GET /api/admin/users/:id
func (h *UserHandler) Get(c *gin.Context) {
	user, err := h.users.GetByID(requestContext(c), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, http.StatusOK, userPayload(user))
}

type updateUserRequest struct {
	Username *string `json:"username" validate:"omitempty,min=3,max=64"`
	Email    *string `json:"email" validate:"omitempty,email"`
	IsAdmin  *bool   `json:"is_admin"`
}

// PATCH /api/admin/users/:id
func (h *UserHandler) Update(c *gin.Context) {
	var req updateUserRequest
	if !bindAndValidate(c, &req) {
		return
	}

	user, err := h.users.Update(requestContext(c), c.Param("id"), services.UpdateUserInput{
		Username: req.Username,
		Email:    req.Email,
		IsAdmin:  req.IsAdmin,
	})
	if err != nil {
		response.Error(c, err)
		return
	}

	response.Success(c, http.StatusOK, userPayload(user))
}

type setActiveRequest struct {
	Active *bool `json:"active" validate:"required"`
}

// PUT /api/admin/users/:id/active
//
// Deactivation disconnects every one of the user's devices before flipping
// the flag, so a disabled account loses network access immediately rather
// than at its next token refresh. Firewall failures during the fan-out do
// not keep the account enabled; they are reported alongside the flipped
// state.
func (h *UserHandler) SetActive(c *gin.Context) {
	var req setActiveRequest
	if !bindAndValidate(c, &req) {
		return
	}

	userID := c.Param("id")
	ctx := requestContext(c)

	var disconnectErr error
	if !*req.Active {
		_, disconnectErr = h.coordinator.DisconnectUser(ctx, userID)
	}

	user, err := h.users.SetActive(ctx, userID, *req.Active)
	if err != nil {
		response.Error(c, err)
		return
	}

	if disconnectErr != nil {
		response.ErrorWithDetails(c, disconnectErr, gin.H{"user": userPayload(user)})
		return
	}

	response.Success(c, http.StatusOK, userPayload(user))
}

// DELETE /api/admin/users/:id
func (h *UserHandler) Delete(c *gin.Context) {
	userID := c.Param("id")
	ctx := requestContext(c)

	// Same rule as deactivation: a stuck firewall rule is not a reason
	// to keep the account around.
	_, disconnectErr := h.coordinator.DisconnectUser(ctx, userID)

	if err := h.users.Purge(ctx, userID); err != nil {
		response.Error(c, err)
		return
	}

	if disconnectErr != nil {
		response.ErrorWithDetails(c, disconnectErr, gin.H{"deleted": true})
		return
	}

	response.Success(c, http.StatusOK, gin.H{"deleted": true})
}
