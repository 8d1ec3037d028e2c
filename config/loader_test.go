package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "loom.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadDefaultsWithoutFile(t *testing.T) {
	cfg, err := NewLoader().Load()
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
	assert.NoError(t, cfg.Validate())
}

func TestLoadMissingFileFallsBackToDefaults(t *testing.T) {
	cfg, err := NewLoader().WithConfigPath("/nonexistent/loom.yaml").Load()
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestLoadFromYAMLFile(t *testing.T) {
	path := writeConfigFile(t, `
server:
  addr: ":9090"
  shutdown_timeout: 5s
database:
  path: /var/lib/loom/loom.db
engine:
  code_timeout: 3s
log:
  level: debug
  format: console
`)
	cfg, err := NewLoader().WithConfigPath(path).Load()
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Server.Addr)
	assert.Equal(t, 5*time.Second, cfg.Server.ShutdownTimeout)
	assert.Equal(t, "/var/lib/loom/loom.db", cfg.Database.Path)
	assert.Equal(t, 3*time.Second, cfg.Engine.CodeTimeout)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)

	// Untouched sections keep their defaults.
	assert.Equal(t, DefaultRedisConfig(), cfg.Redis)
	assert.Equal(t, DefaultAgentConfig(), cfg.Agent)
}

func TestLoadBadYAMLFails(t *testing.T) {
	path := writeConfigFile(t, "server: [not a mapping")
	_, err := NewLoader().WithConfigPath(path).Load()
	require.Error(t, err)
}

func TestEnvOverridesFile(t *testing.T) {
	path := writeConfigFile(t, "server:\n  addr: \":9090\"\n")

	t.Setenv("LOOM_SERVER_ADDR", ":7070")
	t.Setenv("LOOM_REDIS_ADDR", "redis.internal:6379")
	t.Setenv("LOOM_AGENT_MAX_ITERATIONS", "3")
	t.Setenv("LOOM_ENGINE_CODE_TIMEOUT", "2s")
	t.Setenv("LOOM_TELEMETRY_ENABLED", "true")
	t.Setenv("LOOM_TELEMETRY_SAMPLE_RATE", "0.5")
	t.Setenv("LOOM_LOG_OUTPUT_PATHS", "stdout, /var/log/loom.log")

	cfg, err := NewLoader().WithConfigPath(path).Load()
	require.NoError(t, err)

	assert.Equal(t, ":7070", cfg.Server.Addr, "env wins over file")
	assert.Equal(t, "redis.internal:6379", cfg.Redis.Addr)
	assert.Equal(t, 3, cfg.Agent.MaxIterations)
	assert.Equal(t, 2*time.Second, cfg.Engine.CodeTimeout)
	assert.True(t, cfg.Telemetry.Enabled)
	assert.Equal(t, 0.5, cfg.Telemetry.SampleRate)
	assert.Equal(t, []string{"stdout", "/var/log/loom.log"}, cfg.Log.OutputPaths)
}

func TestEnvPrefixOverride(t *testing.T) {
	t.Setenv("CUSTOM_SERVER_ADDR", ":6060")

	cfg, err := NewLoader().WithEnvPrefix("CUSTOM").Load()
	require.NoError(t, err)
	assert.Equal(t, ":6060", cfg.Server.Addr)
}

func TestEnvBadValueFails(t *testing.T) {
	t.Setenv("LOOM_AGENT_MAX_ITERATIONS", "many")

	_, err := NewLoader().Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "LOOM_AGENT_MAX_ITERATIONS")
}

func TestLoaderValidatorHook(t *testing.T) {
	called := false
	_, err := NewLoader().
		WithValidator(func(c *Config) error {
			called = true
			return c.Validate()
		}).
		Load()
	require.NoError(t, err)
	assert.True(t, called)
}

func TestConfigValidate(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	cfg.Server.Addr = ""
	cfg.Agent.MaxIterations = 0
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "server addr")
	assert.Contains(t, err.Error(), "max_iterations")

	cfg = DefaultConfig()
	cfg.Server.TLSCertFile = "cert.pem"
	err = cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "tls_cert_file and tls_key_file")
}
