package recording

import (
	"log/slog"
	"sync"

	"github.com/acolita/shellkeeper/internal/adapters/realclock"
	"github.com/acolita/shellkeeper/internal/adapters/realfs"
	"github.com/acolita/shellkeeper/internal/config"
	"github.com/acolita/shellkeeper/internal/ports"
)

// Manager hands out one Recorder per session when recording is enabled.
type Manager struct {
	mu        sync.Mutex
	recorders map[string]*Recorder
	dir       string
	enabled   bool
	fs        ports.FileSystem
	clock     ports.Clock
}

// Option configures a Manager.
type Option func(*Manager)

// WithFileSystem sets the filesystem recordings are written to.
func WithFileSystem(fs ports.FileSystem) Option {
	return func(m *Manager) { m.fs = fs }
}

// WithClock sets the clock used for event timestamps.
func WithClock(clock ports.Clock) Option {
	return func(m *Manager) { m.clock = clock }
}

// NewManager creates a recording manager from cfg.
func NewManager(cfg config.RecordingConfig, opts ...Option) *Manager {
	m := &Manager{
		recorders: make(map[string]*Recorder),
		dir:       cfg.Path,
		enabled:   cfg.Enabled,
		fs:        realfs.New(),
		clock:     realclock.New(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Enabled reports whether sessions are recorded.
func (m *Manager) Enabled() bool {
	return m != nil && m.enabled
}

// Start opens a recorder for sessionID. It returns nil when recording is
// disabled or the file cannot be created; a recording failure never blocks
// a session.
func (m *Manager) Start(sessionID, term string, cols, rows int) *Recorder {
	if !m.Enabled() {
		return nil
	}
	r, err := NewRecorder(m.dir, sessionID, term, cols, rows, m.fs, m.clock)
	if err != nil {
		slog.Warn("session recording disabled",
			slog.String("session_id", sessionID),
			slog.String("error", err.Error()),
		)
		return nil
	}

	m.mu.Lock()
	if existing, ok := m.recorders[sessionID]; ok {
		existing.Close()
	}
	m.recorders[sessionID] = r
	m.mu.Unlock()
	return r
}

// Stop closes and forgets the recorder for sessionID.
func (m *Manager) Stop(sessionID string) error {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	r, ok := m.recorders[sessionID]
	delete(m.recorders, sessionID)
	m.mu.Unlock()
	if !ok {
		return nil
	}
	return r.Close()
}

// Path returns the recording file of a live session, or "".
func (m *Manager) Path(sessionID string) string {
	if m == nil {
		return ""
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.recorders[sessionID]; ok {
		return r.Path()
	}
	return ""
}

// CloseAll closes every open recorder.
func (m *Manager) CloseAll() {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, r := range m.recorders {
		r.Close()
		delete(m.recorders, id)
	}
}
