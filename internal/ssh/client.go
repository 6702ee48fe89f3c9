// Package ssh provides the SSH transport for interactive shell sessions.
package ssh

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/acolita/shellkeeper/internal/adapters/realclock"
	"github.com/acolita/shellkeeper/internal/adapters/realsshdialer"
	"github.com/acolita/shellkeeper/internal/ports"
)

// ErrNotConnected is returned by operations on a client without a live connection.
var ErrNotConnected = errors.New("ssh: not connected")

// Client manages one SSH connection to a remote host.
type Client struct {
	conn   *ssh.Client
	config *ssh.ClientConfig
	host   string
	port   int
	mu     sync.Mutex

	keepaliveInterval time.Duration
	keepaliveStop     chan struct{}

	clock  ports.Clock
	dialer ports.SSHDialer
}

// ClientOptions configures SSH client behavior.
type ClientOptions struct {
	Host              string
	Port              int
	User              string
	AuthMethods       []ssh.AuthMethod
	HostKeyCallback   ssh.HostKeyCallback
	HostKeyAlgorithms []string
	Timeout           time.Duration
	KeepaliveInterval time.Duration // 0 disables keepalives
	Clock             ports.Clock
	Dialer            ports.SSHDialer
}

// NewClient validates opts and prepares a client. It does not dial.
func NewClient(opts ClientOptions) (*Client, error) {
	if opts.Host == "" {
		return nil, fmt.Errorf("host is required")
	}
	if opts.User == "" {
		return nil, fmt.Errorf("user is required")
	}
	if len(opts.AuthMethods) == 0 {
		return nil, fmt.Errorf("at least one auth method is required")
	}
	if opts.Port == 0 {
		opts.Port = 22
	}
	if opts.Timeout == 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.HostKeyCallback == nil {
		opts.HostKeyCallback = InsecureHostKeyCallback()
	}
	if opts.Clock == nil {
		opts.Clock = realclock.New()
	}
	if opts.Dialer == nil {
		opts.Dialer = realsshdialer.New()
	}

	return &Client{
		config: &ssh.ClientConfig{
			User:              opts.User,
			Auth:              opts.AuthMethods,
			HostKeyCallback:   opts.HostKeyCallback,
			HostKeyAlgorithms: opts.HostKeyAlgorithms,
			Timeout:           opts.Timeout,
		},
		host:              opts.Host,
		port:              opts.Port,
		keepaliveInterval: opts.KeepaliveInterval,
		clock:             opts.Clock,
		dialer:            opts.Dialer,
	}, nil
}

// Addr returns host:port.
func (c *Client) Addr() string {
	return net.JoinHostPort(c.host, strconv.Itoa(c.port))
}

// Connect dials and authenticates. If ctx ends first, Connect returns
// ctx.Err() and a late connection is closed as soon as it completes.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		return nil
	}

	type result struct {
		conn *ssh.Client
		err  error
	}
	addr := c.Addr()
	done := make(chan result, 1)
	go func() {
		conn, err := c.dialer.Dial(ctx, "tcp", addr, c.config)
		done <- result{conn, err}
	}()

	var res result
	select {
	case res = <-done:
	case <-ctx.Done():
		go func() {
			if r := <-done; r.conn != nil {
				r.conn.Close()
			}
		}()
		return ctx.Err()
	}
	if res.err != nil {
		return fmt.Errorf("ssh dial %s: %w", addr, res.err)
	}

	c.conn = res.conn
	if c.keepaliveInterval > 0 {
		c.keepaliveStop = make(chan struct{})
		go c.keepalive(res.conn, c.keepaliveStop)
	}
	return nil
}

// keepalive sends keepalive@openssh.com requests so idle NAT and firewall
// state does not drop a shell nobody is typing into.
func (c *Client) keepalive(conn *ssh.Client, stop <-chan struct{}) {
	ticker := c.clock.NewTicker(c.keepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C():
			if _, _, err := conn.SendRequest("keepalive@openssh.com", true, nil); err != nil {
				slog.Debug("ssh keepalive failed",
					slog.String("addr", c.Addr()),
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// NewSession opens a session channel on the connection.
func (c *Client) NewSession() (*ssh.Session, error) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		return nil, ErrNotConnected
	}
	session, err := conn.NewSession()
	if err != nil {
		return nil, fmt.Errorf("new session: %w", err)
	}
	return session, nil
}

// Close stops keepalives and closes the connection. Closing twice is a no-op.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.keepaliveStop != nil {
		close(c.keepaliveStop)
		c.keepaliveStop = nil
	}
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	if isConnectionClosed(err) {
		return nil
	}
	return err
}

// IsConnected returns true if the client holds a connection.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// isConnectionClosed reports errors that only say the connection is
// already gone.
func isConnectionClosed(err error) bool {
	return err != nil && errors.Is(err, net.ErrClosed)
}
