// Package session keeps interactive SSH shells alive between client requests.
// A Manager owns every live Session in a single Table; each session has a
// pump goroutine draining the remote channel into its OutputBuffer, and a
// Reaper closes sessions nobody touched for the idle timeout.
package session

import (
	"sync"
	"time"

	"github.com/acolita/shellkeeper/internal/ports"
	"github.com/acolita/shellkeeper/internal/recording"
)

// State represents the session lifecycle. It only moves forward.
type State string

const (
	StateStarting State = "starting"
	StateAlive    State = "alive"
	StateClosed   State = "closed"
)

// Close reasons.
const (
	ReasonClosed     = "closed"
	ReasonExited     = "exited"
	ReasonInactive   = "inactive"
	ReasonReadError  = "read_error"
	ReasonWriteError = "write_error"
	ReasonShutdown   = "shutdown"
)

// Session is one interactive shell owned by one user.
type Session struct {
	ID        string
	Owner     string
	Host      string
	Port      int
	User      string
	Term      string
	CreatedAt time.Time

	transport ports.ShellTransport
	channel   ports.ShellChannel
	buffer    *OutputBuffer
	recorder  *recording.Recorder

	// writeMu serializes writes so concurrent SendInput calls reach the
	// channel whole and in call order.
	writeMu sync.Mutex

	mu           sync.Mutex
	state        State
	lastActivity time.Time
	cols, rows   int
	closeReason  string
	removed      bool

	done chan struct{} // closed when the pump exits
}

func newSession(id, owner string, target ports.ShellTarget, pty ports.PTYRequest, now time.Time, buf *OutputBuffer) *Session {
	return &Session{
		ID:           id,
		Owner:        owner,
		Host:         target.Host,
		Port:         target.Port,
		User:         target.User,
		Term:         pty.Term,
		CreatedAt:    now,
		buffer:       buf,
		state:        StateStarting,
		lastActivity: now,
		cols:         pty.Cols,
		rows:         pty.Rows,
		done:         make(chan struct{}),
	}
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// LastActivity returns when input, received output, output retrieval or a
// resize last touched the session.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

func (s *Session) touch(now time.Time) {
	s.mu.Lock()
	if now.After(s.lastActivity) {
		s.lastActivity = now
	}
	s.mu.Unlock()
}

func (s *Session) markAlive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateStarting {
		return false
	}
	s.state = StateAlive
	return true
}

// markClosed moves the session to CLOSED. It reports whether the session was
// alive before; the first reason recorded wins.
func (s *Session) markClosed(reason string) (wasAlive bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return false
	}
	wasAlive = s.state == StateAlive
	s.state = StateClosed
	s.closeReason = reason
	return wasAlive
}

// CloseReason returns why the session closed, or "" while it is open.
func (s *Session) CloseReason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeReason
}

// stopped reports whether the pump should exit.
func (s *Session) stopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removed || s.state == StateClosed
}

// Size returns the terminal geometry.
func (s *Session) Size() (cols, rows int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cols, s.rows
}

func (s *Session) setSize(cols, rows int) {
	s.mu.Lock()
	s.cols, s.rows = cols, rows
	s.mu.Unlock()
}

// Done is closed once the output pump has stopped.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Info is a read-only snapshot of a session.
type Info struct {
	ID             string    `json:"session_id"`
	Owner          string    `json:"owner"`
	Host           string    `json:"host"`
	Port           int       `json:"port"`
	User           string    `json:"username"`
	State          State     `json:"state"`
	CreatedAt      time.Time `json:"created_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
	Cols           int       `json:"cols"`
	Rows           int       `json:"rows"`
	Buffered       int       `json:"buffered_bytes"`
	CloseReason    string    `json:"close_reason,omitempty"`
}

// Info returns a snapshot of the session.
func (s *Session) Info() Info {
	s.mu.Lock()
	info := Info{
		ID:             s.ID,
		Owner:          s.Owner,
		Host:           s.Host,
		Port:           s.Port,
		User:           s.User,
		State:          s.state,
		CreatedAt:      s.CreatedAt,
		LastActivityAt: s.lastActivity,
		Cols:           s.cols,
		Rows:           s.rows,
		CloseReason:    s.closeReason,
	}
	s.mu.Unlock()
	info.Buffered = s.buffer.Len()
	return info
}
