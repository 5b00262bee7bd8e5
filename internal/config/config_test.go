package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)

	assert.Equal(t, 8090, cfg.Server.Port)
	assert.Equal(t, 5, cfg.Queue.MaxRetries)
	assert.Equal(t, 3, cfg.Queue.BatchSize)
	assert.Equal(t, int64(50<<20), cfg.Queue.MaxFileBytes)
	assert.Equal(t, int64(200<<20), cfg.Queue.MaxTotalBytes)
	assert.Equal(t, 5*time.Minute, cfg.Cache.DefaultTTL)
	assert.Equal(t, 10*time.Second, cfg.Connectivity.HealthCacheTTL)
	require.NoError(t, cfg.Validate())
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
server:
  port: 9000
queue:
  max_retries: 2
  batch_size: 10
backend:
  base_url: https://civic.example.org
connectivity:
  probe_address: 8.8.8.8:53
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, 2, cfg.Queue.MaxRetries)
	assert.Equal(t, 10, cfg.Queue.BatchSize)
	assert.Equal(t, "https://civic.example.org", cfg.Backend.BaseURL)
	assert.Equal(t, "8.8.8.8:53", cfg.Connectivity.ProbeAddress)

	// Untouched sections keep their defaults.
	assert.Equal(t, int64(50<<20), cfg.Queue.MaxFileBytes)
	assert.Equal(t, "/health", cfg.Backend.ProbePath)
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server: [not a map"), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("FIELDSYNC_PORT", "7070")
	t.Setenv("FIELDSYNC_DB_PATH", "/tmp/env.db")
	t.Setenv("FIELDSYNC_BACKEND_URL", "http://env.example.org")
	t.Setenv("FIELDSYNC_LOG_LEVEL", "debug")

	cfg := LoadFromEnv()
	assert.Equal(t, 7070, cfg.Server.Port)
	assert.Equal(t, "/tmp/env.db", cfg.Storage.Path)
	assert.Equal(t, "http://env.example.org", cfg.Backend.BaseURL)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid defaults", func(*Config) {}, ""},
		{"bad port", func(c *Config) { c.Server.Port = 0 }, "server port"},
		{"missing storage path", func(c *Config) { c.Storage.Path = "" }, "storage path"},
		{"missing backend url", func(c *Config) { c.Backend.BaseURL = "" }, "backend base url"},
		{"negative retries", func(c *Config) { c.Queue.MaxRetries = -1 }, "max retries"},
		{"zero batch", func(c *Config) { c.Queue.BatchSize = 0 }, "batch size"},
		{"total below per-file", func(c *Config) { c.Queue.MaxTotalBytes = c.Queue.MaxFileBytes - 1 }, "max total bytes"},
		{"zero cache ttl", func(c *Config) { c.Cache.DefaultTTL = 0 }, "cache default ttl"},
		{"missing probe address", func(c *Config) { c.Connectivity.ProbeAddress = "" }, "probe address"},
		{"bad log level", func(c *Config) { c.Logging.Level = "verbose" }, "invalid log level"},
		{"bad log format", func(c *Config) { c.Logging.Format = "xml" }, "invalid log format"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := defaults()
			tc.mutate(cfg)
			err := cfg.Validate()
			if tc.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.wantErr)
		})
	}
}
