// Package mockssh runs an in-process SSH server backed by real shells on
// pseudo-terminals, for integration tests of the ssh transport and the
// session manager.
package mockssh

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"strconv"
	"sync"

	"github.com/creack/pty"
	"golang.org/x/crypto/ssh"
)

// Server is an SSH server listening on a random loopback port.
type Server struct {
	listener net.Listener
	config   *ssh.ServerConfig
	signer   ssh.Signer
	addr     string
	shell    string
	env      []string

	mu        sync.RWMutex
	passwords map[string]string
	keys      map[string][]ssh.PublicKey

	done    chan struct{}
	wg      sync.WaitGroup
	shellMu sync.Mutex
	shells  []*shellProc
}

type shellProc struct {
	channel ssh.Channel
	tty     *os.File
	cmd     *exec.Cmd
}

// Option configures the server.
type Option func(*Server)

// WithShell sets the program started for shell requests. Defaults to /bin/sh.
func WithShell(shell string) Option {
	return func(s *Server) { s.shell = shell }
}

// WithUser accepts password authentication for username.
func WithUser(username, password string) Option {
	return func(s *Server) { s.passwords[username] = password }
}

// WithAuthorizedKey accepts public key authentication for username.
func WithAuthorizedKey(username string, key ssh.PublicKey) Option {
	return func(s *Server) { s.keys[username] = append(s.keys[username], key) }
}

// WithEnv appends environment entries for spawned shells, e.g. "PS1=$ ".
func WithEnv(env ...string) Option {
	return func(s *Server) { s.env = append(s.env, env...) }
}

// New starts a server. The user "test" with password "test" is always accepted.
func New(opts ...Option) (*Server, error) {
	_, hostKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate host key: %w", err)
	}
	signer, err := ssh.NewSignerFromKey(hostKey)
	if err != nil {
		return nil, fmt.Errorf("create host signer: %w", err)
	}

	s := &Server{
		signer:    signer,
		shell:     "/bin/sh",
		env:       []string{"PS1=$ "},
		passwords: map[string]string{"test": "test"},
		keys:      map[string][]ssh.PublicKey{},
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.config = &ssh.ServerConfig{
		PasswordCallback:  s.checkPassword,
		PublicKeyCallback: s.checkKey,
	}
	s.config.AddHostKey(signer)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, fmt.Errorf("listen: %w", err)
	}
	s.listener = listener
	s.addr = listener.Addr().String()

	s.wg.Add(1)
	go s.acceptLoop()

	slog.Debug("mock ssh server started", slog.String("addr", s.addr))
	return s, nil
}

func (s *Server) checkPassword(c ssh.ConnMetadata, password []byte) (*ssh.Permissions, error) {
	s.mu.RLock()
	want, ok := s.passwords[c.User()]
	s.mu.RUnlock()
	if ok && string(password) == want {
		return nil, nil
	}
	return nil, fmt.Errorf("password rejected for %q", c.User())
}

func (s *Server) checkKey(c ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, k := range s.keys[c.User()] {
		if bytes.Equal(k.Marshal(), key.Marshal()) {
			return nil, nil
		}
	}
	return nil, fmt.Errorf("key rejected for %q", c.User())
}

// Addr returns host:port.
func (s *Server) Addr() string { return s.addr }

// Host returns the listening host.
func (s *Server) Host() string {
	host, _, _ := net.SplitHostPort(s.addr)
	return host
}

// Port returns the listening port.
func (s *Server) Port() int {
	_, port, _ := net.SplitHostPort(s.addr)
	n, _ := strconv.Atoi(port)
	return n
}

// HostKey returns the server's public host key.
func (s *Server) HostKey() ssh.PublicKey { return s.signer.PublicKey() }

// Close stops accepting connections and kills every running shell.
func (s *Server) Close() error {
	close(s.done)
	err := s.listener.Close()

	s.shellMu.Lock()
	for _, p := range s.shells {
		if p.cmd != nil && p.cmd.Process != nil {
			p.cmd.Process.Kill()
		}
		if p.tty != nil {
			p.tty.Close()
		}
		p.channel.Close()
	}
	s.shells = nil
	s.shellMu.Unlock()

	s.wg.Wait()
	return err
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
				slog.Debug("mock ssh accept failed", slog.String("error", err.Error()))
				continue
			}
		}
		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(netConn net.Conn) {
	defer s.wg.Done()
	defer netConn.Close()

	conn, chans, reqs, err := ssh.NewServerConn(netConn, s.config)
	if err != nil {
		slog.Debug("mock ssh handshake failed", slog.String("error", err.Error()))
		return
	}
	defer conn.Close()
	go ssh.DiscardRequests(reqs)

	for nc := range chans {
		if nc.ChannelType() != "session" {
			nc.Reject(ssh.UnknownChannelType, "unknown channel type")
			continue
		}
		ch, requests, err := nc.Accept()
		if err != nil {
			continue
		}
		s.wg.Add(1)
		go s.handleChannel(ch, requests)
	}
}

// ptyReqMsg is the RFC 4254 section 6.2 payload.
type ptyReqMsg struct {
	Term     string
	Columns  uint32
	Rows     uint32
	Width    uint32
	Height   uint32
	Modelist string
}

// windowChangeMsg is the RFC 4254 section 6.7 payload.
type windowChangeMsg struct {
	Columns uint32
	Rows    uint32
	Width   uint32
	Height  uint32
}

func (s *Server) handleChannel(ch ssh.Channel, requests <-chan *ssh.Request) {
	defer s.wg.Done()
	defer ch.Close()

	proc := &shellProc{channel: ch}
	s.shellMu.Lock()
	s.shells = append(s.shells, proc)
	s.shellMu.Unlock()

	var (
		term = "xterm"
		size = pty.Winsize{Cols: 80, Rows: 24}
	)

	for req := range requests {
		ok := true
		switch req.Type {
		case "pty-req":
			var msg ptyReqMsg
			if err := ssh.Unmarshal(req.Payload, &msg); err != nil {
				ok = false
				break
			}
			term = msg.Term
			size = pty.Winsize{Cols: uint16(msg.Columns), Rows: uint16(msg.Rows)}
		case "window-change":
			var msg windowChangeMsg
			if err := ssh.Unmarshal(req.Payload, &msg); err != nil {
				ok = false
				break
			}
			s.shellMu.Lock()
			if proc.tty != nil {
				pty.Setsize(proc.tty, &pty.Winsize{Cols: uint16(msg.Columns), Rows: uint16(msg.Rows)})
			}
			s.shellMu.Unlock()
		case "shell":
			if err := s.startShell(proc, term, size); err != nil {
				slog.Debug("mock ssh shell start failed", slog.String("error", err.Error()))
				ok = false
			}
		case "env":
		default:
			ok = false
		}
		if req.WantReply {
			req.Reply(ok, nil)
		}
	}
}

func (s *Server) startShell(proc *shellProc, term string, size pty.Winsize) error {
	cmd := exec.Command(s.shell)
	cmd.Env = append(append(os.Environ(), "TERM="+term), s.env...)

	tty, err := pty.StartWithSize(cmd, &size)
	if err != nil {
		return err
	}
	s.shellMu.Lock()
	proc.tty = tty
	proc.cmd = cmd
	s.shellMu.Unlock()

	go io.Copy(tty, proc.channel)
	go func() {
		io.Copy(proc.channel, tty)
		code := 0
		var exitErr *exec.ExitError
		if err := cmd.Wait(); errors.As(err, &exitErr) {
			code = exitErr.ExitCode()
		} else if err != nil {
			code = 1
		}
		sendExitStatus(proc.channel, code)
	}()
	return nil
}

func sendExitStatus(ch ssh.Channel, code int) {
	ch.CloseWrite()
	ch.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{uint32(code)}))
	ch.Close()
}
