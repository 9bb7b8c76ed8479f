package auth

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/charlesng35/netgate/internal/models"
)

// Verifier validates access tokens and enforces the liveness check: a
// structurally valid token is still rejected when its subject is no longer an
// active account.
type Verifier struct {
	jwt *JWTService
	db  *gorm.DB
}

// NewVerifier constructs a Verifier.
func NewVerifier(jwtService *JWTService, db *gorm.DB) (*Verifier, error) {
	if jwtService == nil {
		return nil, errors.New("verifier: jwt service is required")
	}
	if db == nil {
		return nil, errors.New("verifier: db is required")
	}
	return &Verifier{jwt: jwtService, db: db}, nil
}

// Verify checks the bearer token and the liveness of its subject.
func (v *Verifier) Verify(ctx context.Context, token string) (*Claims, error) {
	claims, err := v.jwt.ValidateAccessToken(token)
	if err != nil {
		return nil, err
	}

	var user models.User
	err = v.db.WithContext(ctx).Select("id", "is_active").Take(&user, "id = ?", claims.UserID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrAccessTokenInvalid
	}
	if err != nil {
		return nil, fmt.Errorf("verifier: load user: %w", err)
	}

	if !user.IsActive {
		return nil, ErrAccountInactive
	}

	return claims, nil
}
