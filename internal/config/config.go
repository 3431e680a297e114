package config

import (
	"errors"
	"time"
)

// Config represents the complete SketchSync configuration.
// Engine is the client-side sync engine; Server is the remote replica
// server; they are configured from the same file so a single-binary
// deployment stays simple.
type Config struct {
	Engine  EngineConfig  `yaml:"engine"`
	Server  ServerConfig  `yaml:"server"`
	Metrics MetricsConfig `yaml:"metrics"`
	Logging LoggingConfig `yaml:"logging"`
}

// EngineConfig holds sync engine configuration
type EngineConfig struct {
	// DataDir is where per-tenant local replica files live
	DataDir string `yaml:"data_dir"`

	// LocalOnly disables replication entirely; the engine runs against
	// the local replica alone. Without it, an incomplete Remote section
	// is a hard configuration error.
	LocalOnly bool `yaml:"local_only"`

	Remote      RemoteConfig      `yaml:"remote"`
	Replication ReplicationConfig `yaml:"replication"`

	// PresenceTTL is the liveness threshold after which cursors are
	// considered stale and hidden.
	PresenceTTL time.Duration `yaml:"presence_ttl"`
}

// RemoteConfig is the remote replica connection descriptor
type RemoteConfig struct {
	BaseURL  string `yaml:"base_url"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// Complete reports whether every remote connection field is present
func (r *RemoteConfig) Complete() bool {
	return r.BaseURL != "" && r.Username != "" && r.Password != ""
}

// ReplicationConfig tunes the replication driver
type ReplicationConfig struct {
	BatchSize       int           `yaml:"batch_size"`
	PollInterval    time.Duration `yaml:"poll_interval"`
	InitialInterval time.Duration `yaml:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval"`
}

// ServerConfig holds replica server configuration
type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// Backend selects the storage backend: "postgres" or "sqlite"
	Backend string `yaml:"backend"`

	// DataDir backs the sqlite backend
	DataDir string `yaml:"data_dir"`

	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	Auth     AuthConfig     `yaml:"auth"`

	// RateLimit is requests per second per client, 0 disables limiting
	RateLimit float64 `yaml:"rate_limit"`
	RateBurst int     `yaml:"rate_burst"`

	// PresenceTTL drives the stale cursor reaper
	PresenceTTL   time.Duration `yaml:"presence_ttl"`
	ReapInterval  time.Duration `yaml:"reap_interval"`
	ReaperEnabled bool          `yaml:"reaper_enabled"`
}

// DatabaseConfig holds the Postgres backend configuration
type DatabaseConfig struct {
	URL            string `yaml:"url"`
	MaxConnections int    `yaml:"max_connections"`
}

// RedisConfig holds the cross-instance change fan-out configuration
type RedisConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`
}

// Account is a replica server login
type Account struct {
	Username string `yaml:"username"`

	// PasswordHash is a bcrypt hash of the account password
	PasswordHash string `yaml:"password_hash"`
}

// AuthConfig holds server authentication configuration
type AuthConfig struct {
	Accounts []Account `yaml:"accounts"`

	// TokenSecret signs short-lived feed tokens for the websocket feed
	TokenSecret string        `yaml:"token_secret"`
	TokenTTL    time.Duration `yaml:"token_ttl"`
}

// MetricsConfig holds Prometheus metrics configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// DefaultConfig returns the configuration defaults
func DefaultConfig() *Config {
	return &Config{
		Engine: EngineConfig{
			DataDir:     "./data/replicas",
			PresenceTTL: 30 * time.Second,
			Replication: ReplicationConfig{
				BatchSize:       100,
				PollInterval:    time.Second,
				InitialInterval: 500 * time.Millisecond,
				MaxInterval:     30 * time.Second,
			},
		},
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8090,
			ShutdownTimeout: 10 * time.Second,
			Backend:         "sqlite",
			DataDir:         "./data/server",
			Database: DatabaseConfig{
				MaxConnections: 10,
			},
			Auth: AuthConfig{
				TokenTTL: 5 * time.Minute,
			},
			RateLimit:     100,
			RateBurst:     200,
			PresenceTTL:   30 * time.Second,
			ReapInterval:  time.Minute,
			ReaperEnabled: true,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// ValidateEngine validates the engine section
func (c *Config) ValidateEngine() error {
	if c.Engine.DataDir == "" {
		return errors.New("engine.data_dir is required")
	}
	if !c.Engine.LocalOnly && !c.Engine.Remote.Complete() {
		return errors.New("engine.remote requires base_url, username and password unless local_only is set")
	}
	if c.Engine.PresenceTTL <= 0 {
		return errors.New("engine.presence_ttl must be positive")
	}
	return nil
}

// ValidateServer validates the server section
func (c *Config) ValidateServer() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return errors.New("server.port must be between 1 and 65535")
	}
	switch c.Server.Backend {
	case "sqlite":
		if c.Server.DataDir == "" {
			return errors.New("server.data_dir is required for the sqlite backend")
		}
	case "postgres":
		if c.Server.Database.URL == "" {
			return errors.New("server.database.url is required for the postgres backend")
		}
	default:
		return errors.New("server.backend must be \"sqlite\" or \"postgres\"")
	}
	if len(c.Server.Auth.Accounts) == 0 {
		return errors.New("server.auth.accounts must not be empty")
	}
	if c.Server.Auth.TokenSecret == "" {
		return errors.New("server.auth.token_secret is required")
	}
	if c.Server.Redis.Enabled && c.Server.Redis.URL == "" {
		return errors.New("server.redis.url is required when redis is enabled")
	}
	return nil
}
