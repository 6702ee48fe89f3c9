package session

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/acolita/shellkeeper/internal/adapters/realclock"
	"github.com/acolita/shellkeeper/internal/adapters/realrand"
	"github.com/acolita/shellkeeper/internal/config"
	"github.com/acolita/shellkeeper/internal/metrics"
	"github.com/acolita/shellkeeper/internal/ports"
	"github.com/acolita/shellkeeper/internal/recording"
	"github.com/acolita/shellkeeper/internal/security"
)

const (
	idPrefix        = "sess_"
	idBytes         = 16
	pumpStopTimeout = 2 * time.Second
)

// Manager creates, drives and closes sessions.
type Manager struct {
	table     *Table
	connector ports.ShellConnector
	clock     ports.Clock
	random    ports.Random
	limiter   *security.AuthRateLimiter
	recorders *recording.Manager

	connectTimeout time.Duration

	mu  sync.RWMutex
	cfg config.SessionsConfig
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock sets the clock used for activity stamps and waits.
func WithClock(clock ports.Clock) Option {
	return func(m *Manager) { m.clock = clock }
}

// WithRandom sets the source of session ids.
func WithRandom(r ports.Random) Option {
	return func(m *Manager) { m.random = r }
}

// WithRateLimiter refuses user@host pairs locked out after auth failures.
func WithRateLimiter(l *security.AuthRateLimiter) Option {
	return func(m *Manager) { m.limiter = l }
}

// WithRecorder records every session's I/O.
func WithRecorder(r *recording.Manager) Option {
	return func(m *Manager) { m.recorders = r }
}

// WithConnectTimeout bounds connection setup.
func WithConnectTimeout(d time.Duration) Option {
	return func(m *Manager) { m.connectTimeout = d }
}

// NewManager creates a session manager opening shells through connector.
func NewManager(cfg config.SessionsConfig, connector ports.ShellConnector, opts ...Option) *Manager {
	m := &Manager{
		table:          NewTable(),
		connector:      connector,
		clock:          realclock.New(),
		random:         realrand.New(),
		connectTimeout: 10 * time.Second,
		cfg:            withSessionDefaults(cfg),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func withSessionDefaults(cfg config.SessionsConfig) config.SessionsConfig {
	d := config.DefaultConfig().Sessions
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = d.IdleTimeout
	}
	if cfg.ReapInterval <= 0 {
		cfg.ReapInterval = d.ReapInterval
	}
	if cfg.ReadChunkSize <= 0 {
		cfg.ReadChunkSize = d.ReadChunkSize
	}
	if cfg.Term == "" {
		cfg.Term = d.Term
	}
	if cfg.Cols <= 0 {
		cfg.Cols = d.Cols
	}
	if cfg.Rows <= 0 {
		cfg.Rows = d.Rows
	}
	if cfg.OverflowPolicy == "" {
		cfg.OverflowPolicy = d.OverflowPolicy
	}
	return cfg
}

func (m *Manager) config() config.SessionsConfig {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

// Reconfigure applies new session settings. Idle timeout and the per-user
// cap take effect immediately; buffer limits apply to live sessions too.
func (m *Manager) Reconfigure(cfg config.SessionsConfig) {
	cfg = withSessionDefaults(cfg)
	m.mu.Lock()
	m.cfg = cfg
	m.mu.Unlock()

	policy := OverflowPolicy(cfg.OverflowPolicy)
	for _, s := range m.table.Snapshot() {
		s.buffer.SetLimit(cfg.OutputBufferLimit, policy)
	}
	slog.Info("session settings reloaded",
		slog.Duration("idle_timeout", cfg.IdleTimeout),
		slog.Int("max_per_user", cfg.MaxPerUser),
		slog.Int("output_buffer_limit", cfg.OutputBufferLimit),
	)
}

// CreateRequest describes a shell to open.
type CreateRequest struct {
	Owner      string
	Host       string
	Port       int
	User       string
	Password   []byte
	PrivateKey []byte // PEM; takes precedence over Password
	Passphrase []byte
	Cols, Rows int // 0 uses the configured geometry
}

// CreateResult is returned by a successful Create.
type CreateResult struct {
	SessionID     string
	InitialOutput string
}

// Create connects, opens a PTY shell, registers the session and returns its
// id with whatever the shell printed during the banner wait. Secret slices
// in req are wiped before Create returns.
func (m *Manager) Create(ctx context.Context, req CreateRequest) (*CreateResult, error) {
	cred := ports.ShellCredential{Password: req.Password, PrivateKey: req.PrivateKey, Passphrase: req.Passphrase}
	defer security.WipeCredential(&cred)
	if len(cred.PrivateKey) > 0 {
		cred.Password = nil
		security.WipeBytes(req.Password)
	}

	if req.Owner == "" || req.Host == "" || req.User == "" {
		return nil, fmt.Errorf("%w: owner, host and user are required", ErrInvalidRequest)
	}
	if req.Port == 0 {
		req.Port = 22
	}
	cfg := m.config()

	if cfg.MaxPerUser > 0 && m.table.CountFor(req.Owner) >= cfg.MaxPerUser {
		metrics.SessionCreateFailures.WithLabelValues("limit").Inc()
		return nil, ErrSessionLimit
	}
	if m.limiter != nil {
		if locked, remaining := m.limiter.IsLocked(req.Host, req.User); locked {
			metrics.SessionCreateFailures.WithLabelValues("locked").Inc()
			return nil, &AuthError{Host: req.Host, User: req.User, RetryIn: remaining, Err: ErrLockedOut}
		}
	}

	target := ports.ShellTarget{Host: req.Host, Port: req.Port, User: req.User}
	cctx, cancel := context.WithTimeout(ctx, m.connectTimeout)
	transport, err := m.connector.Connect(cctx, target, cred)
	cancel()
	if err != nil {
		if errors.Is(err, ports.ErrAuthentication) {
			if m.limiter != nil {
				m.limiter.RecordFailure(req.Host, req.User)
			}
			metrics.SessionCreateFailures.WithLabelValues("auth").Inc()
			return nil, &AuthError{Host: req.Host, User: req.User, Err: err}
		}
		metrics.SessionCreateFailures.WithLabelValues("connect").Inc()
		return nil, &ConnectError{Host: req.Host, Port: req.Port, Err: err}
	}
	if m.limiter != nil {
		m.limiter.RecordSuccess(req.Host, req.User)
	}

	pty := ports.PTYRequest{Term: cfg.Term, Cols: cfg.Cols, Rows: cfg.Rows}
	if req.Cols > 0 && req.Rows > 0 {
		pty.Cols, pty.Rows = req.Cols, req.Rows
	}
	channel, err := transport.OpenShell(pty)
	if err != nil {
		transport.Close()
		metrics.SessionCreateFailures.WithLabelValues("shell").Inc()
		return nil, &ConnectError{Host: req.Host, Port: req.Port, Err: fmt.Errorf("open shell: %w", err)}
	}

	s, err := m.register(req.Owner, target, pty, cfg, transport, channel)
	if err != nil {
		channel.Close()
		transport.Close()
		if errors.Is(err, ErrSessionLimit) {
			metrics.SessionCreateFailures.WithLabelValues("limit").Inc()
			return nil, err
		}
		metrics.SessionCreateFailures.WithLabelValues("internal").Inc()
		return nil, &ConnectError{Host: req.Host, Port: req.Port, Err: err}
	}
	s.recorder = m.recorders.Start(s.ID, pty.Term, pty.Cols, pty.Rows)
	if !s.markAlive() {
		// Closed by CloseAll between insert and here; the pump still has to
		// run so the closer's wait on Done returns.
		m.recorders.Stop(s.ID)
		go pump(s, cfg.ReadChunkSize, m.clock)
		return nil, ErrClosed
	}
	go pump(s, cfg.ReadChunkSize, m.clock)

	metrics.SessionsCreated.Inc()
	metrics.ActiveSessions.Set(float64(m.table.Len()))
	slog.Info("session created",
		slog.String("session_id", s.ID),
		slog.String("owner", s.Owner),
		slog.String("host", req.Host),
		slog.Int("port", req.Port),
		slog.String("user", req.User),
	)

	m.clock.Sleep(cfg.BannerWait)
	return &CreateResult{SessionID: s.ID, InitialOutput: s.buffer.Drain()}, nil
}

// register builds the session record around its handles and inserts it in
// STARTING state.
func (m *Manager) register(owner string, target ports.ShellTarget, pty ports.PTYRequest, cfg config.SessionsConfig,
	transport ports.ShellTransport, channel ports.ShellChannel) (*Session, error) {
	buf := NewOutputBuffer(cfg.OutputBufferLimit, OverflowPolicy(cfg.OverflowPolicy))
	for attempt := 0; attempt < 3; attempt++ {
		id, err := m.newID()
		if err != nil {
			return nil, err
		}
		s := newSession(id, owner, target, pty, m.clock.Now(), buf)
		s.transport = transport
		s.channel = channel
		err = m.table.Insert(s, cfg.MaxPerUser)
		if errors.Is(err, errDuplicate) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return s, nil
	}
	return nil, fmt.Errorf("could not allocate a unique session id")
}

func (m *Manager) newID() (string, error) {
	b := make([]byte, idBytes)
	if _, err := io.ReadFull(m.random, b); err != nil {
		return "", fmt.Errorf("generate session id: %w", err)
	}
	return idPrefix + hex.EncodeToString(b), nil
}

// SendInput writes data to the shell after newline normalization.
func (m *Manager) SendInput(id, data string) error {
	s, ok := m.table.Get(id)
	if !ok {
		return ErrNotFound
	}
	if s.State() != StateAlive {
		return ErrClosed
	}

	data = NormalizeNewlines(data)
	s.writeMu.Lock()
	if s.State() != StateAlive {
		s.writeMu.Unlock()
		return ErrClosed
	}
	_, err := s.channel.Write([]byte(data))
	s.writeMu.Unlock()
	if err != nil {
		if s.markClosed(ReasonWriteError) {
			slog.Warn("session write failed",
				slog.String("session_id", id),
				slog.String("error", err.Error()),
			)
		}
		return fmt.Errorf("%w: %v", ErrClosed, err)
	}

	s.touch(m.clock.Now())
	if s.recorder != nil {
		s.recorder.RecordInput(data)
	}
	return nil
}

// GetOutput drains everything the pump buffered since the last call. It
// returns "" when there is nothing new. A session whose shell ended can
// still be drained until it is closed.
func (m *Manager) GetOutput(id string) (string, error) {
	s, ok := m.table.Get(id)
	if !ok {
		return "", ErrNotFound
	}
	out := s.buffer.Drain()
	s.touch(m.clock.Now())
	return out, nil
}

// Resize changes the terminal geometry. It returns false for unknown or
// closed sessions, non-positive sizes, or when the channel rejects it.
func (m *Manager) Resize(id string, rows, cols int) bool {
	if rows <= 0 || cols <= 0 {
		return false
	}
	s, ok := m.table.Get(id)
	if !ok || s.State() != StateAlive {
		return false
	}
	if err := s.channel.Resize(cols, rows); err != nil {
		slog.Debug("resize rejected",
			slog.String("session_id", id),
			slog.String("error", err.Error()),
		)
		return false
	}
	s.setSize(cols, rows)
	s.touch(m.clock.Now())
	if s.recorder != nil {
		s.recorder.RecordResize(cols, rows)
	}
	return true
}

// Close removes and shuts down a session. It returns false if id was not
// registered, so concurrent or repeated calls close the shell once.
func (m *Manager) Close(id string) bool {
	s, ok := m.table.Remove(id)
	if !ok {
		return false
	}
	m.shutdown(s, ReasonClosed)
	return true
}

// shutdown releases a session already removed from the table: mark it
// closed, ask the shell to exit, close the channel, wait for the pump, then
// close the transport.
func (m *Manager) shutdown(s *Session, reason string) {
	wasAlive := s.markClosed(reason)
	s.buffer.Close()

	if wasAlive {
		s.writeMu.Lock()
		s.channel.Write([]byte("exit\n"))
		s.writeMu.Unlock()
		m.clock.Sleep(m.config().CloseGrace)
	}
	if err := s.channel.Close(); err != nil && !errors.Is(err, io.EOF) {
		slog.Debug("channel close failed", slog.String("session_id", s.ID), slog.String("error", err.Error()))
	}

	select {
	case <-s.done:
	case <-m.clock.After(pumpStopTimeout):
		slog.Warn("output pump did not stop", slog.String("session_id", s.ID))
	}

	if err := s.transport.Close(); err != nil {
		slog.Debug("transport close failed", slog.String("session_id", s.ID), slog.String("error", err.Error()))
	}
	m.recorders.Stop(s.ID)

	metrics.SessionsClosed.WithLabelValues(s.CloseReason()).Inc()
	metrics.ActiveSessions.Set(float64(m.table.Len()))
	slog.Info("session closed",
		slog.String("session_id", s.ID),
		slog.String("owner", s.Owner),
		slog.String("reason", s.CloseReason()),
	)
}

// ActiveSessionCount returns how many sessions owner holds.
func (m *Manager) ActiveSessionCount(owner string) int {
	return m.table.CountFor(owner)
}

// Info returns a snapshot of one session.
func (m *Manager) Info(id string) (Info, bool) {
	s, ok := m.table.Get(id)
	if !ok {
		return Info{}, false
	}
	return s.Info(), true
}

// Sessions returns snapshots of every session, oldest first.
func (m *Manager) Sessions() []Info {
	return infos(m.table.Snapshot())
}

// SessionsFor returns snapshots of owner's sessions, oldest first.
func (m *Manager) SessionsFor(owner string) []Info {
	return infos(m.table.ForOwner(owner))
}

func infos(ss []*Session) []Info {
	out := make([]Info, len(ss))
	for i, s := range ss {
		out[i] = s.Info()
	}
	return out
}

// CloseAll closes every session. It is used on shutdown.
func (m *Manager) CloseAll() int {
	var wg sync.WaitGroup
	closed := 0
	for _, s := range m.table.Snapshot() {
		if _, ok := m.table.Remove(s.ID); !ok {
			continue
		}
		closed++
		wg.Add(1)
		go func(s *Session) {
			defer wg.Done()
			m.shutdown(s, ReasonShutdown)
		}(s)
	}
	wg.Wait()
	m.recorders.CloseAll()
	return closed
}
