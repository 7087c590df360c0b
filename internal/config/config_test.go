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
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, 5, cfg.Requests.MaxConcurrent)
	assert.Equal(t, 2*time.Second, cfg.Scheduler.PollInterval)
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "crawler.ini")
	content := `
[server]
port = 9090
log_level = debug

[database]
driver = postgres
dsn = postgres://crawler@localhost/catalog

[requestqueue]
MaxConcurrent = 8

[ratelimit]
TokensPerSecond = 2.5
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Server.Port)
	assert.Equal(t, "debug", cfg.Server.LogLevel)
	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.Equal(t, 8, cfg.Requests.MaxConcurrent)
	assert.Equal(t, 2.5, cfg.RateLimit.TokensPerSecond)

	// Untouched settings keep their defaults.
	assert.Equal(t, 20, cfg.Requests.MaxConcurrentLimit)
}

func TestEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "crawler.ini")
	require.NoError(t, os.WriteFile(path, []byte("[server]\nport = 9090\n"), 0o644))

	t.Setenv("PORT", "7070")
	t.Setenv("DATABASE_URL", "postgres://env@localhost/catalog")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "7070", cfg.Server.Port)
	assert.Equal(t, "postgres://env@localhost/catalog", cfg.Database.DSN)
}

func TestLoadMissingFileFails(t *testing.T) {
	_, err := Load("/nonexistent/crawler.ini")
	assert.Error(t, err)
}
