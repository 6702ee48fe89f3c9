package ssh

import (
	"fmt"
	"io"
	"sync"

	"golang.org/x/crypto/ssh"

	"github.com/acolita/shellkeeper/internal/ports"
)

// Shell is an interactive login shell on a PTY channel. It implements
// ports.ShellChannel.
type Shell struct {
	session *ssh.Session
	stdin   io.WriteCloser
	stdout  io.Reader

	mu     sync.Mutex
	cols   int
	rows   int
	closed bool
}

// terminalModes are sent with every pty-req.
var terminalModes = ssh.TerminalModes{
	ssh.ECHO:          1,
	ssh.TTY_OP_ISPEED: 14400,
	ssh.TTY_OP_OSPEED: 14400,
}

// OpenShell requests a PTY on a new session channel and starts the user's
// login shell.
func OpenShell(client *Client, req ports.PTYRequest) (*Shell, error) {
	if req.Term == "" {
		req.Term = "xterm-256color"
	}
	if req.Cols <= 0 {
		req.Cols = 80
	}
	if req.Rows <= 0 {
		req.Rows = 24
	}

	session, err := client.NewSession()
	if err != nil {
		return nil, err
	}
	if err := session.RequestPty(req.Term, req.Rows, req.Cols, terminalModes); err != nil {
		session.Close()
		return nil, fmt.Errorf("request pty: %w", err)
	}
	stdin, err := session.StdinPipe()
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	if err := session.Shell(); err != nil {
		session.Close()
		return nil, fmt.Errorf("start shell: %w", err)
	}

	return &Shell{
		session: session,
		stdin:   stdin,
		stdout:  stdout,
		cols:    req.Cols,
		rows:    req.Rows,
	}, nil
}

// Read returns shell output. It yields io.EOF once the remote side closed
// the channel, which it does after the shell exits.
func (s *Shell) Read(b []byte) (int, error) {
	return s.stdout.Read(b)
}

func (s *Shell) Write(b []byte) (int, error) {
	return s.stdin.Write(b)
}

// Resize sends a window-change request.
func (s *Shell) Resize(cols, rows int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return io.ErrClosedPipe
	}
	if err := s.session.WindowChange(rows, cols); err != nil {
		return fmt.Errorf("window change: %w", err)
	}
	s.cols, s.rows = cols, rows
	return nil
}

// Size returns the last geometry acknowledged by Resize or the initial one.
func (s *Shell) Size() (cols, rows int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cols, s.rows
}

// Close closes the session channel, which unblocks a pending Read.
func (s *Shell) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	err := s.session.Close()
	if err == io.EOF {
		return nil
	}
	return err
}

var _ ports.ShellChannel = (*Shell)(nil)
