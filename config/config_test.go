package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nickman/tsdblite/errors"
)

func writeTemp(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 4242, cfg.Server.Port)
	assert.Equal(t, "0.0.0.0:4242", cfg.ListenAddr())
	assert.Equal(t, 1024, cfg.Server.MaxLineLength)
	assert.Equal(t, 60*time.Second, cfg.Server.IdleTimeout)
	assert.Equal(t, 1, cfg.Cache.MinTags)
	assert.Equal(t, 8, cfg.Cache.MaxTags)
	assert.Equal(t, 4, cfg.Cache.ExpiryWorkers)
	assert.False(t, cfg.NATS.Enabled)
}

func TestLoadJSON(t *testing.T) {
	path := writeTemp(t, "cfg.json", `{
		"server": {"port": 9999},
		"cache": {"max_tags": 12}
	}`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9999, cfg.Server.Port)
	assert.Equal(t, 12, cfg.Cache.MaxTags)
	// Untouched fields keep defaults.
	assert.Equal(t, 1, cfg.Cache.MinTags)
}

func TestLoadYAML(t *testing.T) {
	path := writeTemp(t, "cfg.yaml", `
server:
  port: 8888
log:
  level: debug
  format: json
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 8888, cfg.Server.Port)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load("/nonexistent/cfg.json")
	require.Error(t, err)
	assert.True(t, errors.IsFatal(err))
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("TSDBLITE_PORT", "5555")
	t.Setenv("TSDBLITE_NATS_URL", "nats://example:4222")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 5555, cfg.Server.Port)
	assert.True(t, cfg.NATS.Enabled)
	assert.Equal(t, "nats://example:4222", cfg.NATS.URL)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"port out of range", func(c *Config) { c.Server.Port = 0 }},
		{"negative line length", func(c *Config) { c.Server.MaxLineLength = 0 }},
		{"inverted tag bounds", func(c *Config) { c.Cache.MinTags = 5; c.Cache.MaxTags = 2 }},
		{"zero expiry", func(c *Config) { c.Cache.Expiry = 0 }},
		{"zero expiry workers", func(c *Config) { c.Cache.ExpiryWorkers = 0 }},
		{"nats enabled without url", func(c *Config) { c.NATS.Enabled = true; c.NATS.URL = "" }},
		{"bad log level", func(c *Config) { c.Log.Level = "verbose" }},
		{"bad log format", func(c *Config) { c.Log.Format = "xml" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.True(t, errors.IsFatal(err))
		})
	}
}
