package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.NotNil(t, cfg)

	// Check some default values
	assert.Equal(t, ":8490", cfg.Agent.Addr)
	assert.Equal(t, "madrasti-v2", cfg.Cache.Generation)
	assert.Equal(t, 10, cfg.Queue.MaxAttempts)
	assert.Equal(t, 5, cfg.Channel.MaxReconnectAttempts)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Contains(t, cfg.Cache.PrecacheManifest, "/offline.html")
}

func TestLoadFromFile(t *testing.T) {
	testConfig := `agent:
  addr: ":9090"
  upstream: "https://staging.madrasti.app"
cache:
  generation: "madrasti-v3"
logging:
  level: "debug"
`
	tempDir := t.TempDir()
	configFile := filepath.Join(tempDir, "config.yaml")

	err := os.WriteFile(configFile, []byte(testConfig), 0644)
	require.NoError(t, err)

	cfg, err := Load(configFile)
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Agent.Addr)
	assert.Equal(t, "https://staging.madrasti.app", cfg.Agent.Upstream)
	assert.Equal(t, "madrasti-v3", cfg.Cache.Generation)
	assert.Equal(t, "debug", cfg.Logging.Level)

	// Default values should be used for unspecified fields
	assert.Equal(t, 10, cfg.Queue.MaxAttempts)
	assert.Equal(t, 8765, cfg.Channel.Port)
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestEnvironmentOverrides(t *testing.T) {
	t.Setenv("MADRASTI_AGENT_ADDR", ":7777")
	t.Setenv("MADRASTI_CACHE_GENERATION", "madrasti-v9")
	t.Setenv("MADRASTI_CHANNEL_PORT", "9876")
	t.Setenv("MADRASTI_CHANNEL_SECURE", "false")
	t.Setenv("MADRASTI_LOG_LEVEL", "warn")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":7777", cfg.Agent.Addr)
	assert.Equal(t, "madrasti-v9", cfg.Cache.Generation)
	assert.Equal(t, 9876, cfg.Channel.Port)
	assert.False(t, cfg.Channel.Secure)
	assert.Equal(t, "warn", cfg.Logging.Level)
}

func TestInvalidChannelPortEnvIgnored(t *testing.T) {
	t.Setenv("MADRASTI_CHANNEL_PORT", "not-a-port")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 8765, cfg.Channel.Port)
}

func TestValidationRejectsBadConfig(t *testing.T) {
	testConfig := `agent:
  upstream: "not a url"
`
	tempDir := t.TempDir()
	configFile := filepath.Join(tempDir, "config.yaml")
	require.NoError(t, os.WriteFile(configFile, []byte(testConfig), 0644))

	_, err := Load(configFile)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "invalid configuration")
}
