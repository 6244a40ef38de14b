package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("JWT_SECRET", "secret")
	t.Setenv("CONFIG_FILE", "")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.HTTPPort)
	assert.Equal(t, "sqlite", cfg.DatabaseDriver)
	assert.Equal(t, 24*time.Hour, cfg.TokenTTL)
	assert.Equal(t, 30*time.Second, cfg.PingInterval)
	assert.Equal(t, 5, cfg.RateLimitBurst)
	assert.False(t, cfg.MockAI)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("JWT_SECRET", "secret")
	t.Setenv("HTTP_PORT", "9000")
	t.Setenv("MOCK_AI_RESPONSE", "true")
	t.Setenv("TOKEN_TTL", "1h")
	t.Setenv("ALLOWED_ORIGINS", "http://a.example, http://b.example")
	t.Setenv("RATE_LIMIT_PER_SECOND", "0.5")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.HTTPPort)
	assert.True(t, cfg.MockAI)
	assert.Equal(t, time.Hour, cfg.TokenTTL)
	assert.Equal(t, []string{"http://a.example", "http://b.example"}, cfg.AllowedOrigins)
	assert.Equal(t, 0.5, cfg.RateLimitPerSecond)
}

func TestLoadRequiresSecret(t *testing.T) {
	t.Setenv("JWT_SECRET", "")
	_, err := Load()
	assert.Error(t, err)
}

func TestLoadFileOverridesEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "chat.toml")
	content := `
http_port = 7000
database_driver = "postgres"
database_url = "postgres://localhost/chat"
stream_timeout = "45s"
allowed_origins = ["https://chat.example"]
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	t.Setenv("JWT_SECRET", "secret")
	t.Setenv("HTTP_PORT", "9000")
	t.Setenv("CONFIG_FILE", path)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 7000, cfg.HTTPPort)
	assert.Equal(t, "postgres", cfg.DatabaseDriver)
	assert.Equal(t, 45*time.Second, cfg.StreamTimeout)
	assert.Equal(t, []string{"https://chat.example"}, cfg.AllowedOrigins)
}

func TestValidateRejectsUnknownDriver(t *testing.T) {
	cfg := &Config{JWTSecret: "s", DatabaseDriver: "mongo", MockAI: true}
	assert.Error(t, cfg.Validate())
}
