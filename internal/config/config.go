// Package config handles configuration parsing for shellkeeper.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"github.com/acolita/shellkeeper/internal/ports"
)

// EnvPrefix prefixes every environment override, e.g. SHELLKEEPER_LISTEN.
const EnvPrefix = "SHELLKEEPER"

// Overflow policies for the per-session output buffer.
const (
	OverflowDropOldest = "drop_oldest"
	OverflowBlock      = "block"
)

// Delivery backends.
const (
	BackendLocal = "local"
	BackendRedis = "redis"
)

// DefaultConfigPath returns $XDG_CONFIG_HOME/shellkeeper/config.yaml or
// ~/.config/shellkeeper/config.yaml.
func DefaultConfigPath() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		dir = filepath.Join(home, ".config")
	}
	return filepath.Join(dir, "shellkeeper", "config.yaml")
}

// Config represents the top-level configuration.
type Config struct {
	Listen      string            `yaml:"listen"`
	Sessions    SessionsConfig    `yaml:"sessions"`
	SSH         SSHConfig         `yaml:"ssh"`
	Security    SecurityConfig    `yaml:"security"`
	Auth        AuthConfig        `yaml:"auth"`
	Database    DatabaseConfig    `yaml:"database"`
	Credentials CredentialsConfig `yaml:"credentials"`
	Delivery    DeliveryConfig    `yaml:"delivery"`
	Logging     LoggingConfig     `yaml:"logging"`
	Recording   RecordingConfig   `yaml:"recording"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	MCP         MCPConfig         `yaml:"mcp"`
	Profiles    []ProfileConfig   `yaml:"profiles"`
}

// SessionsConfig controls the session manager and reaper.
type SessionsConfig struct {
	IdleTimeout       time.Duration `yaml:"idle_timeout"`
	ReapInterval      time.Duration `yaml:"reap_interval"`
	BannerWait        time.Duration `yaml:"banner_wait"`
	CloseGrace        time.Duration `yaml:"close_grace"`
	OutputBufferLimit int           `yaml:"output_buffer_limit"` // bytes, 0 = unbounded
	OverflowPolicy    string        `yaml:"overflow_policy"`     // "drop_oldest" or "block"
	ReadChunkSize     int           `yaml:"read_chunk_size"`
	Term              string        `yaml:"term"`
	Cols              int           `yaml:"cols"`
	Rows              int           `yaml:"rows"`
	MaxPerUser        int           `yaml:"max_per_user"`
}

// SSHConfig controls outbound SSH connections.
type SSHConfig struct {
	ConnectTimeout        time.Duration `yaml:"connect_timeout"`
	KeepaliveInterval     time.Duration `yaml:"keepalive_interval"`
	KnownHostsPath        string        `yaml:"known_hosts"`
	InsecureIgnoreHostKey bool          `yaml:"insecure_ignore_host_key"`
}

// SecurityConfig defines auth failure throttling.
type SecurityConfig struct {
	MaxAuthFailures     int           `yaml:"max_auth_failures"`
	AuthLockoutDuration time.Duration `yaml:"auth_lockout_duration"`
}

// AuthConfig configures bearer token validation for the HTTP surface.
type AuthConfig struct {
	JWTSecret    string `yaml:"jwt_secret"`
	JWTSecretEnv string `yaml:"jwt_secret_env"`
	AdminScope   string `yaml:"admin_scope"`

	// RevocationKey prefixes Redis keys "<prefix>:<jti>" marking revoked
	// tokens. Checked only when the redis delivery backend is active.
	RevocationKey string `yaml:"revocation_key"`

	// AllowedOrigins are host patterns (path.Match syntax, e.g.
	// "*.example.com") whose pages may open the websocket. Same-host
	// origins are always allowed.
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// DatabaseConfig locates the connection profile database.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// CredentialsConfig says where the profile encryption key comes from. Sources
// are tried in order: Key, KeyEnv, the OS keyring (if UseKeyring), KeyFile.
type CredentialsConfig struct {
	Key        string `yaml:"key"`
	KeyEnv     string `yaml:"key_env"`
	UseKeyring bool   `yaml:"use_keyring"`
	KeyFile    string `yaml:"key_file"`
}

// DeliveryConfig selects how events reach users.
type DeliveryConfig struct {
	Backend string      `yaml:"backend"` // "local" or "redis"
	Redis   RedisConfig `yaml:"redis"`
	Kafka   KafkaConfig `yaml:"kafka"`
}

// RedisConfig configures the Redis pub/sub event bus.
type RedisConfig struct {
	Addr          string `yaml:"addr"`
	Password      string `yaml:"password"`
	DB            int    `yaml:"db"`
	PoolSize      int    `yaml:"pool_size"`
	ChannelPrefix string `yaml:"channel_prefix"`
}

// KafkaConfig configures the optional Kafka event mirror.
type KafkaConfig struct {
	Enabled bool     `yaml:"enabled"`
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

// LoggingConfig defines logging settings.
type LoggingConfig struct {
	Level    string `yaml:"level"`    // "debug", "info", "warn", "error"
	Sanitize bool   `yaml:"sanitize"` // sanitize sensitive data from logs
}

// RecordingConfig defines session recording settings.
type RecordingConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// MetricsConfig controls the prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// MCPConfig configures the MCP tool surface.
type MCPConfig struct {
	User string `yaml:"user"` // user id the MCP client acts as
}

// ProfileConfig seeds a connection profile into the database at startup.
// Secrets are read from the environment or from files, never from this file.
type ProfileConfig struct {
	Owner         string `yaml:"owner"`
	Name          string `yaml:"name"`
	Host          string `yaml:"host"`
	Port          int    `yaml:"port"`
	User          string `yaml:"user"`
	PasswordEnv   string `yaml:"password_env"`
	KeyPath       string `yaml:"key_path"`
	PassphraseEnv string `yaml:"passphrase_env"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Listen: ":8080",
		Sessions: SessionsConfig{
			IdleTimeout:       30 * time.Minute,
			ReapInterval:      5 * time.Minute,
			BannerWait:        500 * time.Millisecond,
			CloseGrace:        100 * time.Millisecond,
			OutputBufferLimit: 1 << 20,
			OverflowPolicy:    OverflowDropOldest,
			ReadChunkSize:     4096,
			Term:              "xterm-256color",
			Cols:              80,
			Rows:              24,
			MaxPerUser:        10,
		},
		SSH: SSHConfig{
			ConnectTimeout:    10 * time.Second,
			KeepaliveInterval: 30 * time.Second,
		},
		Security: SecurityConfig{
			MaxAuthFailures:     3,
			AuthLockoutDuration: 15 * time.Minute,
		},
		Auth: AuthConfig{
			AdminScope:    "admin",
			RevocationKey: "shellkeeper:jwt:revoked",
		},
		Database: DatabaseConfig{
			Path: "shellkeeper.db",
		},
		Credentials: CredentialsConfig{
			KeyFile: "encryption.key",
		},
		Delivery: DeliveryConfig{
			Backend: BackendLocal,
			Redis: RedisConfig{
				Addr:          "localhost:6379",
				PoolSize:      10,
				ChannelPrefix: "shellkeeper",
			},
			Kafka: KafkaConfig{
				Topic: "shellkeeper.events",
			},
		},
		Logging: LoggingConfig{
			Level:    "info",
			Sanitize: true,
		},
		Recording: RecordingConfig{
			Path: "/tmp/shellkeeper/recordings",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
	}
}

// Load reads a YAML file over the defaults. A missing file yields defaults.
// An optional FileSystem can be passed for testing; if omitted, the real OS is used.
func Load(path string, fsys ...ports.FileSystem) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	var (
		data []byte
		err  error
	)
	if len(fsys) > 0 && fsys[0] != nil {
		data, err = fsys[0].ReadFile(path)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	return cfg, nil
}

// envOverrides lists the settings deployments commonly inject through the
// environment. Empty values leave the file setting alone.
type envOverrides struct {
	Listen        string        `envconfig:"LISTEN"`
	LogLevel      string        `envconfig:"LOG_LEVEL"`
	DatabasePath  string        `envconfig:"DATABASE_PATH"`
	JWTSecret     string        `envconfig:"JWT_SECRET"`
	CredentialKey string        `envconfig:"CREDENTIAL_KEY"`
	Backend       string        `envconfig:"DELIVERY_BACKEND"`
	RedisAddr     string        `envconfig:"REDIS_ADDR"`
	RedisPassword string        `envconfig:"REDIS_PASSWORD"`
	KafkaBrokers  []string      `envconfig:"KAFKA_BROKERS"`
	Origins       []string      `envconfig:"ALLOWED_ORIGINS"`
	IdleTimeout   time.Duration `envconfig:"IDLE_TIMEOUT"`
	MCPUser       string        `envconfig:"MCP_USER"`
}

// ApplyEnv overlays SHELLKEEPER_* environment variables onto c.
func (c *Config) ApplyEnv() error {
	var o envOverrides
	if err := envconfig.Process(EnvPrefix, &o); err != nil {
		return fmt.Errorf("read environment overrides: %w", err)
	}
	setString(&c.Listen, o.Listen)
	setString(&c.Logging.Level, o.LogLevel)
	setString(&c.Database.Path, o.DatabasePath)
	setString(&c.Auth.JWTSecret, o.JWTSecret)
	setString(&c.Credentials.Key, o.CredentialKey)
	setString(&c.Delivery.Backend, o.Backend)
	setString(&c.Delivery.Redis.Addr, o.RedisAddr)
	setString(&c.Delivery.Redis.Password, o.RedisPassword)
	setString(&c.MCP.User, o.MCPUser)
	if len(o.Origins) > 0 {
		c.Auth.AllowedOrigins = o.Origins
	}
	if len(o.KafkaBrokers) > 0 {
		c.Delivery.Kafka.Brokers = o.KafkaBrokers
		c.Delivery.Kafka.Enabled = true
	}
	if o.IdleTimeout > 0 {
		c.Sessions.IdleTimeout = o.IdleTimeout
	}
	return nil
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

// JWTSecretValue resolves the token signing secret, preferring the
// environment variable named by JWTSecretEnv.
func (c *Config) JWTSecretValue() string {
	if c.Auth.JWTSecretEnv != "" {
		if v := os.Getenv(c.Auth.JWTSecretEnv); v != "" {
			return v
		}
	}
	return c.Auth.JWTSecret
}

// Validate fills zero values with defaults and rejects settings that cannot work.
func (c *Config) Validate() error {
	def := DefaultConfig()
	s := &c.Sessions
	if s.IdleTimeout <= 0 {
		s.IdleTimeout = def.Sessions.IdleTimeout
	}
	if s.ReapInterval <= 0 {
		s.ReapInterval = def.Sessions.ReapInterval
	}
	if s.ReadChunkSize <= 0 {
		s.ReadChunkSize = def.Sessions.ReadChunkSize
	}
	if s.Term == "" {
		s.Term = def.Sessions.Term
	}
	if s.Cols <= 0 {
		s.Cols = def.Sessions.Cols
	}
	if s.Rows <= 0 {
		s.Rows = def.Sessions.Rows
	}
	if s.MaxPerUser <= 0 {
		s.MaxPerUser = def.Sessions.MaxPerUser
	}
	if s.OverflowPolicy == "" {
		s.OverflowPolicy = OverflowDropOldest
	}
	if s.OutputBufferLimit < 0 {
		return fmt.Errorf("sessions.output_buffer_limit must not be negative")
	}
	if s.OverflowPolicy != OverflowDropOldest && s.OverflowPolicy != OverflowBlock {
		return fmt.Errorf("sessions.overflow_policy %q: want %q or %q", s.OverflowPolicy, OverflowDropOldest, OverflowBlock)
	}
	if s.OverflowPolicy == OverflowBlock && s.OutputBufferLimit == 0 {
		return fmt.Errorf("sessions.overflow_policy %q needs a non-zero output_buffer_limit", OverflowBlock)
	}

	if c.SSH.ConnectTimeout <= 0 {
		c.SSH.ConnectTimeout = def.SSH.ConnectTimeout
	}
	if c.Security.MaxAuthFailures <= 0 {
		c.Security.MaxAuthFailures = def.Security.MaxAuthFailures
	}
	if c.Security.AuthLockoutDuration <= 0 {
		c.Security.AuthLockoutDuration = def.Security.AuthLockoutDuration
	}

	switch c.Delivery.Backend {
	case "":
		c.Delivery.Backend = BackendLocal
	case BackendLocal:
	case BackendRedis:
		if c.Delivery.Redis.Addr == "" {
			return fmt.Errorf("delivery.redis.addr is required for the redis backend")
		}
	default:
		return fmt.Errorf("delivery.backend %q: want %q or %q", c.Delivery.Backend, BackendLocal, BackendRedis)
	}
	if c.Delivery.Kafka.Enabled && (len(c.Delivery.Kafka.Brokers) == 0 || c.Delivery.Kafka.Topic == "") {
		return fmt.Errorf("delivery.kafka needs brokers and a topic when enabled")
	}

	for i, p := range c.Profiles {
		if p.Owner == "" || p.Name == "" || p.Host == "" || p.User == "" {
			return fmt.Errorf("profiles[%d]: owner, name, host and user are required", i)
		}
		if p.Port == 0 {
			c.Profiles[i].Port = 22
		}
	}
	return nil
}
