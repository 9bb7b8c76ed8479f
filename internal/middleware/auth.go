package middleware

import (
	"errors"
	"strings"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	iauth "github.com/charlesng35/netgate/internal/auth"
	"github.com/charlesng35/netgate/internal/models"
	apperrors "github.com/charlesng35/netgate/pkg/errors"
	"github.com/charlesng35/netgate/pkg/response"
)

const (
	CtxClaimsKey    = "authClaims"
	CtxUserIDKey    = "userID"
	CtxSessionIDKey = "sessionID"
	CtxDeviceIDKey  = "deviceID"
)

// Auth enforces bearer token authentication. Tokens pass both structural
// validation and the subject liveness check, so a deactivated account's
// otherwise valid token is refused here.
func Auth(verifier *iauth.Verifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		authz := c.GetHeader("Authorization")
		if len(authz) < 8 || !strings.EqualFold(authz[:7], "Bearer ") {
			response.Error(c, apperrors.ErrUnauthorized)
			c.Abort()
			return
		}

		token := strings.TrimSpace(authz[7:])
		claims, err := verifier.Verify(c.Request.Context(), token)
		if err != nil {
			c.Header("WWW-Authenticate", "Bearer")
			response.Error(c, verifyError(err))
			c.Abort()
			return
		}

		c.Set(CtxClaimsKey, claims)
		c.Set(CtxUserIDKey, claims.UserID)
		if claims.SessionID != "" {
			c.Set(CtxSessionIDKey, claims.SessionID)
		}
		if claims.DeviceID != "" {
			c.Set(CtxDeviceIDKey, claims.DeviceID)
		}

		c.Next()
	}
}

// verifyError keeps the expired/invalid/inactive distinction in responses.
func verifyError(err error) error {
	switch {
	case errors.Is(err, iauth.ErrAccessTokenExpired):
		return apperrors.ErrTokenExpired
	case errors.Is(err, iauth.ErrAccountInactive):
		return apperrors.ErrAccountInactive
	case errors.Is(err, iauth.ErrAccessTokenInvalid):
		return apperrors.ErrTokenInvalid
	default:
		return apperrors.ErrUnauthorized
	}
}

// RequireAdmin allows only administrator accounts past. Must run after Auth.
func RequireAdmin(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.GetString(CtxUserIDKey)
		if userID == "" {
			response.Error(c, apperrors.ErrUnauthorized)
			c.Abort()
			return
		}

		var user models.User
		err := db.WithContext(c.Request.Context()).
			Select("id", "is_admin").
			Take(&user, "id = ?", userID).Error
		if err != nil || !user.IsAdmin {
			response.Error(c, apperrors.ErrForbidden)
			c.Abort()
			return
		}

		c.Next()
	}
}
