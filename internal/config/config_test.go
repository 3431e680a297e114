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
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err, "the config file is optional")

	assert.Equal(t, 8090, cfg.Server.Port)
	assert.Equal(t, "sqlite", cfg.Server.Backend)
	assert.Equal(t, 30*time.Second, cfg.Engine.PresenceTTL)
	assert.False(t, cfg.Engine.LocalOnly)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
engine:
  data_dir: /var/lib/sketchsync
  remote:
    base_url: https://replica.example.com
    username: sync
    password: s3cret
  presence_ttl: 45s
server:
  port: 9000
  backend: postgres
  database:
    url: postgres://localhost/sketchsync
logging:
  level: debug
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/sketchsync", cfg.Engine.DataDir)
	assert.True(t, cfg.Engine.Remote.Complete())
	assert.Equal(t, 45*time.Second, cfg.Engine.PresenceTTL)
	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, "postgres", cfg.Server.Backend)
	assert.Equal(t, "debug", cfg.Logging.Level)

	// Unset fields keep their defaults
	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("engine: [not a map"), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestEnvironmentOverrides(t *testing.T) {
	t.Setenv("SKETCHSYNC_DATA_DIR", "/tmp/replicas")
	t.Setenv("SKETCHSYNC_REMOTE_URL", "https://env.example.com")
	t.Setenv("SKETCHSYNC_REMOTE_USERNAME", "env-user")
	t.Setenv("SKETCHSYNC_REMOTE_PASSWORD", "env-pass")
	t.Setenv("SKETCHSYNC_SERVER_PORT", "7070")
	t.Setenv("SKETCHSYNC_REDIS_URL", "redis://localhost:6379")
	t.Setenv("SKETCHSYNC_LOG_LEVEL", "warn")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "/tmp/replicas", cfg.Engine.DataDir)
	assert.True(t, cfg.Engine.Remote.Complete())
	assert.Equal(t, 7070, cfg.Server.Port)
	assert.True(t, cfg.Server.Redis.Enabled, "a redis url enables the fan-out")
	assert.Equal(t, "warn", cfg.Logging.Level)
}

func TestValidateEngine(t *testing.T) {
	cfg := DefaultConfig()
	assert.Error(t, cfg.ValidateEngine(), "remote config is required unless local-only")

	cfg.Engine.LocalOnly = true
	assert.NoError(t, cfg.ValidateEngine())

	cfg.Engine.LocalOnly = false
	cfg.Engine.Remote = RemoteConfig{BaseURL: "https://r", Username: "u", Password: "p"}
	assert.NoError(t, cfg.ValidateEngine())

	cfg.Engine.Remote.Password = ""
	assert.Error(t, cfg.ValidateEngine(), "a partial remote descriptor is a hard error")

	cfg.Engine.Remote.Password = "p"
	cfg.Engine.PresenceTTL = 0
	assert.Error(t, cfg.ValidateEngine())
}

func TestValidateServer(t *testing.T) {
	valid := func() *Config {
		cfg := DefaultConfig()
		cfg.Server.Auth.Accounts = []Account{{Username: "sync", PasswordHash: "$2a$10$hash"}}
		cfg.Server.Auth.TokenSecret = "secret"
		return cfg
	}

	assert.NoError(t, valid().ValidateServer())

	cfg := valid()
	cfg.Server.Port = 0
	assert.Error(t, cfg.ValidateServer())

	cfg = valid()
	cfg.Server.Backend = "etcd"
	assert.Error(t, cfg.ValidateServer())

	cfg = valid()
	cfg.Server.Backend = "postgres"
	assert.Error(t, cfg.ValidateServer(), "postgres backend needs a database url")
	cfg.Server.Database.URL = "postgres://localhost/sketchsync"
	assert.NoError(t, cfg.ValidateServer())

	cfg = valid()
	cfg.Server.Auth.Accounts = nil
	assert.Error(t, cfg.ValidateServer())

	cfg = valid()
	cfg.Server.Auth.TokenSecret = ""
	assert.Error(t, cfg.ValidateServer())

	cfg = valid()
	cfg.Server.Redis.Enabled = true
	assert.Error(t, cfg.ValidateServer(), "enabled redis needs a url")
}
