package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Load loads configuration from a YAML file with environment overrides.
// The file is optional; defaults plus environment variables are enough to
// run. Validation is left to the caller because the engine and server
// sections are validated independently.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
			// optional
		case err != nil:
			return nil, fmt.Errorf("read config %s: %w", path, err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}

	applyEnvironmentOverrides(cfg)
	return cfg, nil
}

// applyEnvironmentOverrides applies environment variable overrides.
// Environment variables take precedence over the file.
func applyEnvironmentOverrides(cfg *Config) {
	if v := os.Getenv("SKETCHSYNC_DATA_DIR"); v != "" {
		cfg.Engine.DataDir = v
	}
	if v := os.Getenv("SKETCHSYNC_REMOTE_URL"); v != "" {
		cfg.Engine.Remote.BaseURL = v
	}
	if v := os.Getenv("SKETCHSYNC_REMOTE_USERNAME"); v != "" {
		cfg.Engine.Remote.Username = v
	}
	if v := os.Getenv("SKETCHSYNC_REMOTE_PASSWORD"); v != "" {
		cfg.Engine.Remote.Password = v
	}
	if v := os.Getenv("SKETCHSYNC_LOCAL_ONLY"); v == "true" || v == "1" {
		cfg.Engine.LocalOnly = true
	}
	if v := os.Getenv("SKETCHSYNC_PRESENCE_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Engine.PresenceTTL = d
		}
	}

	if v := os.Getenv("SKETCHSYNC_SERVER_HOST"); v != "" {
		cfg.Server.Host = v
	}
	if v := os.Getenv("SKETCHSYNC_SERVER_PORT"); v != "" {
		var port int
		if _, err := fmt.Sscanf(v, "%d", &port); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("SKETCHSYNC_SERVER_BACKEND"); v != "" {
		cfg.Server.Backend = v
	}
	if v := os.Getenv("SKETCHSYNC_DATABASE_URL"); v != "" {
		cfg.Server.Database.URL = v
	}
	if v := os.Getenv("SKETCHSYNC_REDIS_URL"); v != "" {
		cfg.Server.Redis.URL = v
		cfg.Server.Redis.Enabled = true
	}
	if v := os.Getenv("SKETCHSYNC_TOKEN_SECRET"); v != "" {
		cfg.Server.Auth.TokenSecret = v
	}

	if v := os.Getenv("SKETCHSYNC_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}
