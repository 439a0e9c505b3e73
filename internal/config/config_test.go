package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()

	require.NoError(t, cfg.Validate())
	assert.Equal(t, 50*time.Millisecond, cfg.Collab.BatchInterval)
	assert.Equal(t, 20*time.Second, cfg.Collab.PingInterval)
	assert.Equal(t, 10*time.Second, cfg.Collab.PingTimeout)
	assert.Equal(t, 30*time.Second, cfg.Collab.PresenceTTL)
	assert.Equal(t, 10_000, cfg.Collab.MaxOpSize)
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))

	require.NoError(t, err)
	assert.Equal(t, "sqlite", cfg.Storage.Driver)
}

func TestLoadYAMLOverlay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	yaml := `
server:
  addr: ":9090"
storage:
  driver: memory
bridge:
  driver: redis
  redis:
    addr: "redis:6379"
collab:
  batch_interval: 100ms
  max_op_size: 2048
auth:
  tokens:
    secret-1:
      user_id: owner-1
      display_name: Owner
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Server.Addr)
	assert.Equal(t, "memory", cfg.Storage.Driver)
	assert.Equal(t, "redis:6379", cfg.Bridge.Redis.Addr)
	assert.Equal(t, 100*time.Millisecond, cfg.Collab.BatchInterval)
	assert.Equal(t, 2048, cfg.Collab.MaxOpSize)
	assert.Equal(t, 20*time.Second, cfg.Collab.PingInterval)
	assert.Equal(t, TokenIdentity{UserID: "owner-1", DisplayName: "Owner"}, cfg.Auth.Tokens["secret-1"])
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("PORT", "7000")
	t.Setenv("STORAGE_DRIVER", "postgres")
	t.Setenv("DATABASE_URL", "postgres://u:p@db/planroom")
	t.Setenv("BRIDGE_DRIVER", "nats")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":7000", cfg.Server.Addr)
	assert.Equal(t, "postgres", cfg.Storage.Driver)
	assert.Equal(t, "postgres://u:p@db/planroom", cfg.Storage.PostgresDSN)
	assert.Equal(t, "nats", cfg.Bridge.Driver)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown storage", func(c *Config) { c.Storage.Driver = "mongo" }},
		{"postgres without dsn", func(c *Config) { c.Storage.Driver = "postgres"; c.Storage.PostgresDSN = "" }},
		{"unknown bridge", func(c *Config) { c.Bridge.Driver = "kafka" }},
		{"zero batch interval", func(c *Config) { c.Collab.BatchInterval = 0 }},
		{"zero op size", func(c *Config) { c.Collab.MaxOpSize = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
