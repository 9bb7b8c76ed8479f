package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	iauth "github.com/charlesng35/netgate/internal/auth"
	"github.com/charlesng35/netgate/internal/database/testutil"
	"github.com/charlesng35/netgate/internal/models"
	"github.com/charlesng35/netgate/pkg/crypto"
)

func newAuthTestStack(t *testing.T) (*gorm.DB, *iauth.JWTService, *gin.Engine) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db := testutil.MustOpenTestDB(t, testutil.WithAutoMigrate())

	jwtService, err := iauth.NewJWTService(iauth.JWTConfig{Secret: "test-secret"})
	require.NoError(t, err)

	verifier, err := iauth.NewVerifier(jwtService, db)
	require.NoError(t, err)

	router := gin.New()
	router.GET("/protected", Auth(verifier), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"user_id": c.GetString(CtxUserIDKey)})
	})
	router.GET("/admin", Auth(verifier), RequireAdmin(db), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	return db, jwtService, router
}

func seedMiddlewareUser(t *testing.T, db *gorm.DB, username string, admin bool) *models.User {
	t.Helper()

	hashed, err := crypto.HashPassword("test-password")
	require.NoError(t, err)

	user := &models.User{
		Username: username,
		Email:    username + "@example.com",
		Password: hashed,
		IsActive: true,
		IsAdmin:  admin,
	}
	require.NoError(t, db.Create(user).Error)
	return user
}

func doRequest(router *gin.Engine, path, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, req)
	return recorder
}

func TestAuthMiddlewareAcceptsValidToken(t *testing.T) {
	db, jwtService, router := newAuthTestStack(t)
	user := seedMiddlewareUser(t, db, "alice", false)

	token, err := jwtService.GenerateAccessToken(iauth.AccessTokenInput{UserID: user.ID})
	require.NoError(t, err)

	resp := doRequest(router, "/protected", token)
	require.Equal(t, http.StatusOK, resp.Code)
	require.Contains(t, resp.Body.String(), user.ID)
}

func TestAuthMiddlewareRejectsMissingHeader(t *testing.T) {
	_, _, router := newAuthTestStack(t)

	resp := doRequest(router, "/protected", "")
	require.Equal(t, http.StatusUnauthorized, resp.Code)
}

func TestAuthMiddlewareRejectsGarbageToken(t *testing.T) {
	_, _, router := newAuthTestStack(t)

	resp := doRequest(router, "/protected", "not-a-token")
	require.Equal(t, http.StatusUnauthorized, resp.Code)
	require.Contains(t, resp.Body.String(), "TOKEN_INVALID")
}

func TestAuthMiddlewareRejectsDeactivatedUser(t *testing.T) {
	db, jwtService, router := newAuthTestStack(t)
	user := seedMiddlewareUser(t, db, "bob", false)

	token, err := jwtService.GenerateAccessToken(iauth.AccessTokenInput{UserID: user.ID})
	require.NoError(t, err)

	require.NoError(t, db.Model(user).Update("is_active", false).Error)

	resp := doRequest(router, "/protected", token)
	require.Equal(t, http.StatusForbidden, resp.Code)
	require.Contains(t, resp.Body.String(), "ACCOUNT_INACTIVE")
}

func TestRequireAdmin(t *testing.T) {
	db, jwtService, router := newAuthTestStack(t)
	admin := seedMiddlewareUser(t, db, "root", true)
	regular := seedMiddlewareUser(t, db, "carol", false)

	adminToken, err := jwtService.GenerateAccessToken(iauth.AccessTokenInput{UserID: admin.ID})
	require.NoError(t, err)
	regularToken, err := jwtService.GenerateAccessToken(iauth.AccessTokenInput{UserID: regular.ID})
	require.NoError(t, err)

	resp := doRequest(router, "/admin", adminToken)
	require.Equal(t, http.StatusOK, resp.Code)

	resp = doRequest(router, "/admin", regularToken)
	require.Equal(t, http.StatusForbidden, resp.Code)
}
