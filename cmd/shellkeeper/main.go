// shellkeeper keeps interactive SSH shells alive between short client
// requests and delivers their output as events.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/golang-jwt/jwt/v5"

	"github.com/acolita/shellkeeper/internal/adapters/realclock"
	"github.com/acolita/shellkeeper/internal/adapters/realfs"
	"github.com/acolita/shellkeeper/internal/adapters/realsshdialer"
	"github.com/acolita/shellkeeper/internal/auth"
	"github.com/acolita/shellkeeper/internal/config"
	"github.com/acolita/shellkeeper/internal/credstore"
	"github.com/acolita/shellkeeper/internal/events"
	"github.com/acolita/shellkeeper/internal/logging"
	"github.com/acolita/shellkeeper/internal/mcp"
	"github.com/acolita/shellkeeper/internal/recording"
	"github.com/acolita/shellkeeper/internal/relay"
	"github.com/acolita/shellkeeper/internal/security"
	"github.com/acolita/shellkeeper/internal/server"
	"github.com/acolita/shellkeeper/internal/session"
	sshtransport "github.com/acolita/shellkeeper/internal/ssh"
)

// Version information - set at build time.
var (
	Version   = "0.1.0"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

type options struct {
	configPath  string
	logLevel    string
	mcpMode     bool
	showVersion bool
	issueToken  string
	tokenScopes string
	tokenTTL    time.Duration
}

func main() {
	var opts options
	flag.StringVar(&opts.configPath, "config", config.DefaultConfigPath(), "Path to configuration file")
	flag.StringVar(&opts.logLevel, "log-level", "", "Log level: debug, info, warn, error (overrides config)")
	flag.BoolVar(&opts.mcpMode, "mcp", false, "Serve MCP tools on stdio instead of HTTP")
	flag.BoolVar(&opts.showVersion, "version", false, "Show version information")
	flag.StringVar(&opts.issueToken, "issue-token", "", "Print a signed API token for this user id and exit")
	flag.StringVar(&opts.tokenScopes, "token-scopes", "", "Comma-separated scopes for -issue-token")
	flag.DurationVar(&opts.tokenTTL, "token-ttl", 24*time.Hour, "Lifetime of the token printed by -issue-token")
	flag.Parse()

	if opts.showVersion {
		fmt.Printf("shellkeeper version %s\n", Version)
		fmt.Printf("  Build time: %s\n", BuildTime)
		fmt.Printf("  Git commit: %s\n", GitCommit)
		os.Exit(0)
	}

	cfg, err := loadConfig(opts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	if opts.issueToken != "" {
		if err := printToken(cfg, opts); err != nil {
			fmt.Fprintf(os.Stderr, "Error issuing token: %v\n", err)
			os.Exit(1)
		}
		os.Exit(0)
	}

	logging.Setup(cfg.Logging.Level, cfg.Logging.Sanitize)
	slog.Info("starting shellkeeper",
		slog.String("version", Version),
		slog.Bool("mcp", opts.mcpMode),
	)

	if err := run(cfg, opts); err != nil {
		slog.Error("shellkeeper stopped", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func loadConfig(opts options) (*config.Config, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, err
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	applyFlags(cfg, opts)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyFlags(cfg *config.Config, opts options) {
	if opts.logLevel != "" {
		cfg.Logging.Level = opts.logLevel
	}
}

func printToken(cfg *config.Config, opts options) error {
	v, err := auth.NewValidator(cfg.JWTSecretValue(), nil, "")
	if err != nil {
		return err
	}
	var scopes []string
	if opts.tokenScopes != "" {
		scopes = strings.Split(opts.tokenScopes, ",")
	}
	now := time.Now()
	tok, err := v.Sign(auth.Claims{
		Scopes: scopes,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   opts.issueToken,
			ID:        fmt.Sprintf("%d", now.UnixNano()),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(opts.tokenTTL)),
		},
	})
	if err != nil {
		return err
	}
	fmt.Println(tok)
	return nil
}

func run(cfg *config.Config, opts options) error {
	fsys := realfs.New()
	clock := realclock.New()

	var keyring *security.KeyringStore
	if cfg.Credentials.UseKeyring {
		keyring = security.NewKeyringStore(security.KeyringService)
	}
	key, source, err := credstore.LoadKey(cfg.Credentials, fsys, keyring)
	if err != nil {
		return fmt.Errorf("load credential key: %w", err)
	}
	slog.Info("credential key loaded", slog.String("source", source))
	cipher, err := credstore.NewCipher(key)
	if err != nil {
		return err
	}

	store, err := credstore.Open(cfg.Database.Path, cipher)
	if err != nil {
		return err
	}
	defer store.Close()
	if len(cfg.Profiles) > 0 {
		n, err := store.Seed(cfg.Profiles, fsys)
		if err != nil {
			return fmt.Errorf("seed profiles: %w", err)
		}
		slog.Info("profiles seeded", slog.Int("count", n))
	}

	bus, err := events.Open(cfg.Delivery)
	if err != nil {
		return fmt.Errorf("open delivery backend: %w", err)
	}
	defer bus.Close()

	hostKeys, err := sshtransport.NewHostKeyPolicy(cfg.SSH.KnownHostsPath, cfg.SSH.InsecureIgnoreHostKey)
	if err != nil {
		return err
	}
	connector := sshtransport.NewConnector(sshtransport.ConnectorConfig{
		Timeout:           cfg.SSH.ConnectTimeout,
		KeepaliveInterval: cfg.SSH.KeepaliveInterval,
		HostKeys:          hostKeys,
		Clock:             clock,
		Dialer:            realsshdialer.New(),
	})

	limiter := security.NewAuthRateLimiter(cfg.Security.MaxAuthFailures, cfg.Security.AuthLockoutDuration, clock)
	manager := session.NewManager(cfg.Sessions, connector,
		session.WithClock(clock),
		session.WithRateLimiter(limiter),
		session.WithRecorder(recording.NewManager(cfg.Recording)),
		session.WithConnectTimeout(cfg.SSH.ConnectTimeout),
	)
	defer func() {
		n := manager.CloseAll()
		slog.Info("all sessions closed", slog.Int("count", n))
	}()

	reaper := session.NewReaper(manager, bus, limiter, cfg.Sessions.ReapInterval)
	reaper.Start()
	defer reaper.Stop()

	if watcher := watchConfig(opts, manager); watcher != nil {
		defer watcher.Close()
	}

	rl := relay.New(store, manager, bus)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if opts.mcpMode {
		return serveMCP(ctx, cfg, rl)
	}
	return serveHTTP(ctx, cfg, rl, manager, bus)
}

// watchConfig hot-reloads session settings and the log level. Connection,
// storage and delivery settings need a restart.
func watchConfig(opts options, manager *session.Manager) *config.Watcher {
	if opts.configPath == "" {
		return nil
	}
	if _, err := os.Stat(opts.configPath); err != nil {
		return nil
	}
	w, err := config.NewWatcher(opts.configPath, func(c *config.Config) {
		applyFlags(c, opts)
		logging.Setup(c.Logging.Level, c.Logging.Sanitize)
		manager.Reconfigure(c.Sessions)
		slog.Info("configuration reloaded")
	})
	if err != nil {
		slog.Warn("config hot-reload disabled", slog.String("error", err.Error()))
		return nil
	}
	slog.Info("config hot-reload enabled", slog.String("path", opts.configPath))
	return w
}

func serveMCP(ctx context.Context, cfg *config.Config, rl *relay.Relay) error {
	if cfg.MCP.User == "" {
		return errors.New("mcp.user must be set to run in MCP mode")
	}
	srv := mcp.NewServer(rl, cfg.MCP.User, Version)
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Run() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		slog.Info("received shutdown signal")
		return nil
	}
}

func serveHTTP(ctx context.Context, cfg *config.Config, rl *relay.Relay, manager *session.Manager, bus events.Bus) error {
	var rdb *redis.Client
	if cfg.Delivery.Backend == config.BackendRedis {
		client, err := events.NewRedisClient(cfg.Delivery.Redis)
		if err != nil {
			return fmt.Errorf("connect revocation store: %w", err)
		}
		defer client.Close()
		rdb = client
	}
	validator, err := auth.NewValidator(cfg.JWTSecretValue(), rdb, cfg.Auth.RevocationKey)
	if err != nil {
		return err
	}

	opts := server.Options{AdminScope: cfg.Auth.AdminScope, OriginPatterns: cfg.Auth.AllowedOrigins}
	if cfg.Metrics.Enabled {
		opts.MetricsPath = cfg.Metrics.Path
	}
	return server.New(rl, manager, bus, validator, opts).ListenAndServe(ctx, cfg.Listen)
}
