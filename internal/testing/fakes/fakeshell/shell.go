// Package fakeshell provides a scripted implementation of the shell ports:
// a connector handing out transports whose channels tests feed output into
// and whose input they inspect.
package fakeshell

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/acolita/shellkeeper/internal/ports"
)

// ErrChannelClosed is returned by Read and Write after Close.
var ErrChannelClosed = errors.New("fakeshell: channel closed")

// Channel is a scripted ports.ShellChannel.
type Channel struct {
	mu      sync.Mutex
	cond    *sync.Cond
	pending [][]byte
	written []byte
	resizes [][2]int
	echo    bool
	exited  bool
	closed  bool
	readErr error

	// WriteErr and ResizeErr, when set, fail the corresponding call.
	WriteErr  error
	ResizeErr error

	closeCount int
}

// NewChannel returns an open channel with no pending output.
func NewChannel() *Channel {
	c := &Channel{}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// SetEcho makes every Write also appear as output, like a terminal echoing
// typed characters.
func (c *Channel) SetEcho(on bool) {
	c.mu.Lock()
	c.echo = on
	c.mu.Unlock()
}

// Emit queues output for the next Read.
func (c *Channel) Emit(data string) {
	c.mu.Lock()
	c.pending = append(c.pending, []byte(data))
	c.mu.Unlock()
	c.cond.Broadcast()
}

// EmitBytes queues raw output, which need not be valid UTF-8.
func (c *Channel) EmitBytes(data []byte) {
	c.mu.Lock()
	c.pending = append(c.pending, append([]byte(nil), data...))
	c.mu.Unlock()
	c.cond.Broadcast()
}

// Exit simulates the remote shell terminating. Pending output is still
// delivered, then Read returns io.EOF.
func (c *Channel) Exit() {
	c.mu.Lock()
	c.exited = true
	c.mu.Unlock()
	c.cond.Broadcast()
}

// FailRead makes the next Read with no pending output return err.
func (c *Channel) FailRead(err error) {
	c.mu.Lock()
	c.readErr = err
	c.mu.Unlock()
	c.cond.Broadcast()
}

func (c *Channel) Read(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for len(c.pending) == 0 && !c.exited && !c.closed && c.readErr == nil {
		c.cond.Wait()
	}
	if c.closed {
		return 0, ErrChannelClosed
	}
	if len(c.pending) > 0 {
		n := copy(p, c.pending[0])
		if n < len(c.pending[0]) {
			c.pending[0] = c.pending[0][n:]
		} else {
			c.pending = c.pending[1:]
		}
		return n, nil
	}
	if c.readErr != nil {
		return 0, c.readErr
	}
	return 0, io.EOF
}

func (c *Channel) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, ErrChannelClosed
	}
	if c.WriteErr != nil {
		return 0, c.WriteErr
	}
	c.written = append(c.written, p...)
	if c.echo {
		c.pending = append(c.pending, append([]byte(nil), p...))
		c.cond.Broadcast()
	}
	return len(p), nil
}

func (c *Channel) Resize(cols, rows int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrChannelClosed
	}
	if c.ResizeErr != nil {
		return c.ResizeErr
	}
	c.resizes = append(c.resizes, [2]int{cols, rows})
	return nil
}

func (c *Channel) Close() error {
	c.mu.Lock()
	c.closed = true
	c.closeCount++
	c.mu.Unlock()
	c.cond.Broadcast()
	return nil
}

// Written returns every byte written so far.
func (c *Channel) Written() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]byte(nil), c.written...)
}

// Resizes returns the (cols, rows) pairs received, in order.
func (c *Channel) Resizes() [][2]int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][2]int(nil), c.resizes...)
}

// Closed reports whether Close was called.
func (c *Channel) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// CloseCount reports how many times Close was called.
func (c *Channel) CloseCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeCount
}

// Transport is a scripted ports.ShellTransport owning one Channel.
type Transport struct {
	mu      sync.Mutex
	channel *Channel
	pty     ports.PTYRequest
	closed  bool

	// OpenErr, when set, fails OpenShell.
	OpenErr error
}

func (t *Transport) OpenShell(req ports.PTYRequest) (ports.ShellChannel, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.OpenErr != nil {
		return nil, t.OpenErr
	}
	t.pty = req
	return t.channel, nil
}

func (t *Transport) Close() error {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	return nil
}

// Channel returns the channel OpenShell hands out.
func (t *Transport) Channel() *Channel { return t.channel }

// PTY returns the pseudo-terminal request OpenShell received.
func (t *Transport) PTY() ports.PTYRequest {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pty
}

// Closed reports whether Close was called.
func (t *Transport) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// Connector is a scripted ports.ShellConnector. Each successful Connect
// creates a fresh Transport and Channel; Banner is emitted on the channel
// before it is returned.
type Connector struct {
	mu         sync.Mutex
	transports []*Transport
	calls      []Call

	Banner string
	// Err, when set, fails Connect.
	Err error
	// OpenErr is copied into each new Transport.
	OpenErr error
	// Echo makes new channels echo their input.
	Echo bool
}

// Call records one Connect invocation.
type Call struct {
	Target     ports.ShellTarget
	Credential ports.ShellCredential
}

// NewConnector returns a connector that succeeds with no banner.
func NewConnector() *Connector {
	return &Connector{}
}

func (c *Connector) Connect(ctx context.Context, target ports.ShellTarget, cred ports.ShellCredential) (ports.ShellTransport, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, Call{
		Target: target,
		Credential: ports.ShellCredential{
			Password:   append([]byte(nil), cred.Password...),
			PrivateKey: append([]byte(nil), cred.PrivateKey...),
			Passphrase: append([]byte(nil), cred.Passphrase...),
		},
	})
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if c.Err != nil {
		return nil, c.Err
	}
	ch := NewChannel()
	ch.SetEcho(c.Echo)
	if c.Banner != "" {
		ch.Emit(c.Banner)
	}
	t := &Transport{channel: ch, OpenErr: c.OpenErr}
	c.transports = append(c.transports, t)
	return t, nil
}

// Transports returns every transport created, oldest first.
func (c *Connector) Transports() []*Transport {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*Transport(nil), c.transports...)
}

// Last returns the most recently created transport, or nil.
func (c *Connector) Last() *Transport {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.transports) == 0 {
		return nil
	}
	return c.transports[len(c.transports)-1]
}

// Calls returns every Connect invocation, with credentials copied before the
// caller could wipe them.
func (c *Connector) Calls() []Call {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Call(nil), c.calls...)
}

var (
	_ ports.ShellConnector = (*Connector)(nil)
	_ ports.ShellTransport = (*Transport)(nil)
	_ ports.ShellChannel   = (*Channel)(nil)
)
