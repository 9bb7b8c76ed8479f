package app

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestApplyRuntimeDefaultsGeneratesJWTSecret(t *testing.T) {
	cfg := &Config{}

	generated, err := ApplyRuntimeDefaults(cfg)
	require.NoError(t, err)

	require.True(t, generated["auth.jwt.secret"])
	require.NotEmpty(t, cfg.Auth.JWT.Secret)
}

func TestApplyRuntimeDefaultsKeepsExistingSecret(t *testing.T) {
	cfg := &Config{}
	cfg.Auth.JWT.Secret = "pinned"

	generated, err := ApplyRuntimeDefaults(cfg)
	require.NoError(t, err)

	require.Empty(t, generated)
	require.Equal(t, "pinned", cfg.Auth.JWT.Secret)
}

func TestApplyRuntimeDefaultsNilConfig(t *testing.T) {
	_, err := ApplyRuntimeDefaults(nil)
	require.Error(t, err)
}
