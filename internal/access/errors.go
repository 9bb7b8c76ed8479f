package access

import (
	"errors"

	"github.com/charlesng35/netgate/internal/auth"
	apperrors "github.com/charlesng35/netgate/pkg/errors"
)

// translateAuthErr maps auth-layer sentinels onto the API error taxonomy.
// Errors that are already AppErrors pass through untouched.
func translateAuthErr(err error) error {
	if err == nil {
		return nil
	}

	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		return err
	}

	switch {
	case errors.Is(err, auth.ErrInvalidCredentials):
		return apperrors.ErrInvalidCredentials
	case errors.Is(err, auth.ErrAccountInactive):
		return apperrors.ErrAccountInactive
	case errors.Is(err, auth.ErrAccountLocked):
		return apperrors.ErrAccountLocked
	case errors.Is(err, auth.ErrAccessTokenExpired), errors.Is(err, auth.ErrSessionExpired):
		return apperrors.ErrTokenExpired
	case errors.Is(err, auth.ErrSessionRevoked):
		return apperrors.ErrTokenRevoked
	case errors.Is(err, auth.ErrAccessTokenInvalid),
		errors.Is(err, auth.ErrSessionNotFound),
		errors.Is(err, auth.ErrSessionInvalidToken):
		return apperrors.ErrTokenInvalid
	}

	return apperrors.ErrInternalServer.WithInternal(err)
}
