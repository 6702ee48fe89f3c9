package config

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/acolita/shellkeeper/internal/testing/fakes/fakefs"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	s := cfg.Sessions
	if s.IdleTimeout != 30*time.Minute {
		t.Errorf("IdleTimeout = %v, want 30m", s.IdleTimeout)
	}
	if s.ReapInterval != 5*time.Minute {
		t.Errorf("ReapInterval = %v, want 5m", s.ReapInterval)
	}
	if s.BannerWait != 500*time.Millisecond {
		t.Errorf("BannerWait = %v, want 500ms", s.BannerWait)
	}
	if s.Term != "xterm-256color" || s.Cols != 80 || s.Rows != 24 {
		t.Errorf("terminal = %s %dx%d, want xterm-256color 80x24", s.Term, s.Cols, s.Rows)
	}
	if s.ReadChunkSize != 4096 {
		t.Errorf("ReadChunkSize = %d, want 4096", s.ReadChunkSize)
	}
	if s.OverflowPolicy != OverflowDropOldest {
		t.Errorf("OverflowPolicy = %q", s.OverflowPolicy)
	}
	if cfg.SSH.ConnectTimeout != 10*time.Second {
		t.Errorf("ConnectTimeout = %v, want 10s", cfg.SSH.ConnectTimeout)
	}
	if !cfg.Logging.Sanitize {
		t.Error("Logging.Sanitize = false, want true")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults do not validate: %v", err)
	}
}

func TestLoadEmptyPath(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load(\"\") error: %v", err)
	}
	if cfg.Listen != ":8080" {
		t.Errorf("Listen = %q", cfg.Listen)
	}
}

func TestLoadMissingFile(t *testing.T) {
	cfg, err := Load("/nonexistent/config.yaml", fakefs.New())
	if err != nil {
		t.Fatalf("Load(missing) error: %v", err)
	}
	if cfg.Sessions.MaxPerUser != 10 {
		t.Errorf("MaxPerUser = %d, want default 10", cfg.Sessions.MaxPerUser)
	}
}

func TestLoadInvalidYAML(t *testing.T) {
	fs := fakefs.New()
	fs.WriteFile("/etc/shellkeeper.yaml", []byte(":::invalid{{{"), 0o644)

	if _, err := Load("/etc/shellkeeper.yaml", fs); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestLoadValidConfig(t *testing.T) {
	fs := fakefs.New()
	fs.WriteFile("/etc/shellkeeper.yaml", []byte(`
listen: ":9000"
sessions:
  idle_timeout: 10m
  reap_interval: 1m
  output_buffer_limit: 65536
  overflow_policy: block
  cols: 120
  rows: 40
ssh:
  connect_timeout: 5s
  known_hosts: /home/svc/.ssh/known_hosts
delivery:
  backend: redis
  redis:
    addr: redis:6379
    channel_prefix: sk
  kafka:
    enabled: true
    brokers: [k1:9092, k2:9092]
    topic: audit.shell
profiles:
  - owner: "7"
    name: prod-db
    host: db.internal
    user: ops
    password_env: PROD_DB_PASSWORD
`), 0o644)

	cfg, err := Load("/etc/shellkeeper.yaml", fs)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() error: %v", err)
	}

	if cfg.Listen != ":9000" {
		t.Errorf("Listen = %q", cfg.Listen)
	}
	if cfg.Sessions.IdleTimeout != 10*time.Minute || cfg.Sessions.ReapInterval != time.Minute {
		t.Errorf("sessions timing = %v / %v", cfg.Sessions.IdleTimeout, cfg.Sessions.ReapInterval)
	}
	if cfg.Sessions.OverflowPolicy != OverflowBlock || cfg.Sessions.OutputBufferLimit != 65536 {
		t.Errorf("buffer = %d %s", cfg.Sessions.OutputBufferLimit, cfg.Sessions.OverflowPolicy)
	}
	if cfg.Sessions.Term != "xterm-256color" {
		t.Errorf("Term = %q, want default kept", cfg.Sessions.Term)
	}
	if cfg.SSH.KnownHostsPath != "/home/svc/.ssh/known_hosts" {
		t.Errorf("KnownHostsPath = %q", cfg.SSH.KnownHostsPath)
	}
	if cfg.Delivery.Backend != BackendRedis || cfg.Delivery.Redis.Addr != "redis:6379" {
		t.Errorf("delivery = %+v", cfg.Delivery)
	}
	if len(cfg.Delivery.Kafka.Brokers) != 2 {
		t.Errorf("kafka brokers = %v", cfg.Delivery.Kafka.Brokers)
	}
	if len(cfg.Profiles) != 1 || cfg.Profiles[0].Port != 22 {
		t.Errorf("profiles = %+v, want one profile with port defaulted to 22", cfg.Profiles)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"unknown overflow policy", func(c *Config) { c.Sessions.OverflowPolicy = "spill" }, "overflow_policy"},
		{"block without limit", func(c *Config) {
			c.Sessions.OverflowPolicy = OverflowBlock
			c.Sessions.OutputBufferLimit = 0
		}, "non-zero output_buffer_limit"},
		{"negative limit", func(c *Config) { c.Sessions.OutputBufferLimit = -1 }, "must not be negative"},
		{"unknown backend", func(c *Config) { c.Delivery.Backend = "nats" }, "delivery.backend"},
		{"redis without addr", func(c *Config) {
			c.Delivery.Backend = BackendRedis
			c.Delivery.Redis.Addr = ""
		}, "redis.addr"},
		{"kafka without brokers", func(c *Config) { c.Delivery.Kafka.Enabled = true }, "kafka"},
		{"profile without owner", func(c *Config) {
			c.Profiles = []ProfileConfig{{Name: "x", Host: "h", User: "u"}}
		}, "profiles[0]"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() = %v, want error containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestValidateFillsZeroValues(t *testing.T) {
	cfg := &Config{}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() error: %v", err)
	}
	if cfg.Sessions.MaxPerUser != 10 || cfg.Sessions.Cols != 80 || cfg.Sessions.Rows != 24 {
		t.Errorf("sessions not defaulted: %+v", cfg.Sessions)
	}
	if cfg.Delivery.Backend != BackendLocal {
		t.Errorf("Backend = %q", cfg.Delivery.Backend)
	}
	if cfg.Security.MaxAuthFailures != 3 {
		t.Errorf("MaxAuthFailures = %d", cfg.Security.MaxAuthFailures)
	}
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("SHELLKEEPER_LISTEN", ":7000")
	t.Setenv("SHELLKEEPER_REDIS_ADDR", "cache:6379")
	t.Setenv("SHELLKEEPER_KAFKA_BROKERS", "a:9092,b:9092")
	t.Setenv("SHELLKEEPER_IDLE_TIMEOUT", "45m")
	t.Setenv("SHELLKEEPER_CREDENTIAL_KEY", "k")
	t.Setenv("SHELLKEEPER_ALLOWED_ORIGINS", "console.example.com,*.ops.example.com")

	cfg := DefaultConfig()
	if err := cfg.ApplyEnv(); err != nil {
		t.Fatalf("ApplyEnv() error: %v", err)
	}
	if cfg.Listen != ":7000" {
		t.Errorf("Listen = %q", cfg.Listen)
	}
	if got := cfg.Auth.AllowedOrigins; len(got) != 2 || got[1] != "*.ops.example.com" {
		t.Errorf("AllowedOrigins = %v", got)
	}
	if cfg.Delivery.Redis.Addr != "cache:6379" {
		t.Errorf("Redis.Addr = %q", cfg.Delivery.Redis.Addr)
	}
	if !cfg.Delivery.Kafka.Enabled || len(cfg.Delivery.Kafka.Brokers) != 2 {
		t.Errorf("Kafka = %+v", cfg.Delivery.Kafka)
	}
	if cfg.Sessions.IdleTimeout != 45*time.Minute {
		t.Errorf("IdleTimeout = %v", cfg.Sessions.IdleTimeout)
	}
	if cfg.Credentials.Key != "k" {
		t.Errorf("Credentials.Key = %q", cfg.Credentials.Key)
	}
	if cfg.Logging.Level != "info" {
		t.Errorf("unset override changed Logging.Level to %q", cfg.Logging.Level)
	}
}

func TestApplyEnvRejectsBadDuration(t *testing.T) {
	t.Setenv("SHELLKEEPER_IDLE_TIMEOUT", "soon")
	if err := DefaultConfig().ApplyEnv(); err == nil {
		t.Fatal("expected error for unparsable duration")
	}
}

func TestJWTSecretValue(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Auth.JWTSecret = "from-file"
	if got := cfg.JWTSecretValue(); got != "from-file" {
		t.Errorf("JWTSecretValue() = %q", got)
	}
	t.Setenv("SK_TEST_JWT", "from-env")
	cfg.Auth.JWTSecretEnv = "SK_TEST_JWT"
	if got := cfg.JWTSecretValue(); got != "from-env" {
		t.Errorf("JWTSecretValue() = %q", got)
	}
}

func writeConfigFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestNewWatcher(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeConfigFile(t, path, "listen: \":9100\"\n")

	w, err := NewWatcher(path, nil)
	if err != nil {
		t.Fatalf("NewWatcher() error: %v", err)
	}
	defer w.Close()

	if got := w.Config().Listen; got != ":9100" {
		t.Errorf("Config().Listen = %q", got)
	}
}

func TestNewWatcherMissingDirectory(t *testing.T) {
	if _, err := NewWatcher("/nonexistent/config.yaml", nil); err == nil {
		t.Fatal("NewWatcher(missing dir) expected error, got nil")
	}
}

func TestWatcherReloadsOnFileChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeConfigFile(t, path, "sessions:\n  idle_timeout: 30m\n")

	var (
		mu      sync.Mutex
		changed *Config
	)
	w, err := NewWatcher(path, func(cfg *Config) {
		mu.Lock()
		changed = cfg
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("NewWatcher() error: %v", err)
	}
	defer w.Close()

	writeConfigFile(t, path, "sessions:\n  idle_timeout: 5m\n")

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		c := changed
		mu.Unlock()
		if c != nil && c.Sessions.IdleTimeout == 5*time.Minute {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}

	if got := w.Config().Sessions.IdleTimeout; got != 5*time.Minute {
		t.Errorf("IdleTimeout after reload = %v, want 5m", got)
	}
	mu.Lock()
	defer mu.Unlock()
	if changed == nil {
		t.Fatal("onChange was never called")
	}
}

func TestWatcherSkipsInvalidRevision(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeConfigFile(t, path, "sessions:\n  overflow_policy: drop_oldest\n")

	var (
		mu    sync.Mutex
		calls int
	)
	w, err := NewWatcher(path, func(*Config) {
		mu.Lock()
		calls++
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("NewWatcher() error: %v", err)
	}
	defer w.Close()

	writeConfigFile(t, path, "sessions:\n  overflow_policy: spill\n")
	time.Sleep(500 * time.Millisecond)

	if got := w.Config().Sessions.OverflowPolicy; got != OverflowDropOldest {
		t.Errorf("OverflowPolicy = %q, want previous revision kept", got)
	}
	mu.Lock()
	defer mu.Unlock()
	if calls != 0 {
		t.Errorf("onChange called %d times for an invalid revision", calls)
	}
}

func TestWatcherClose(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeConfigFile(t, path, "listen: \":1\"\n")

	w, err := NewWatcher(path, nil)
	if err != nil {
		t.Fatalf("NewWatcher() error: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Errorf("Close() error: %v", err)
	}
}
