package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "8787", cfg.Server.Port)
	assert.Equal(t, 200, cfg.Server.MaxConnections)
	assert.True(t, cfg.Auth.Required)
	assert.Equal(t, 5, cfg.Limits.JoinPerMinute)
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "8787", cfg.Server.Port)
}

func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rail.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: "9999"
  allowed_origins: ["https://app.example.com"]
engine:
  coupling: 0.6
  cross_model_factor: 0.7
firewall:
  profile: paranoid
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "9999", cfg.Server.Port)
	assert.Equal(t, []string{"https://app.example.com"}, cfg.Server.AllowedOrigins)
	assert.InDelta(t, 0.6, cfg.Engine.Coupling, 1e-9)
	assert.Equal(t, "paranoid", cfg.Firewall.Profile)
	// Fields the file omits keep their defaults.
	assert.Equal(t, 200, cfg.Server.MaxConnections)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("PORT", "7070")
	t.Setenv("RAIL_ADMIN_SECRET", "hunter2")
	t.Setenv("RAIL_AUTH_REQUIRED", "false")
	t.Setenv("RAIL_ALLOWED_ORIGINS", "https://a.example.com, https://b.example.com")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "7070", cfg.Server.Port)
	assert.Equal(t, "hunter2", cfg.Auth.AdminSecret)
	assert.False(t, cfg.Auth.Required)
	assert.Equal(t, []string{"https://a.example.com", "https://b.example.com"}, cfg.Server.AllowedOrigins)
}

func TestLoad_EnvBeatsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rail.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: \"9999\"\n"), 0o644))
	t.Setenv("PORT", "7070")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "7070", cfg.Server.Port)
}
