// Package fakesshdialer provides a fake SSH dialer for testing.
package fakesshdialer

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/crypto/ssh"

	"github.com/acolita/shellkeeper/internal/ports"
)

// ErrNotConfigured is returned by a Dialer without a DialFunc.
var ErrNotConfigured = errors.New("fakesshdialer: not configured")

// Dialer records dial attempts and delegates to DialFunc.
type Dialer struct {
	mu       sync.Mutex
	dialFunc func(network, addr string, config *ssh.ClientConfig) (*ssh.Client, error)
	calls    []Call
}

// Call records one Dial invocation.
type Call struct {
	Network string
	Addr    string
	Config  *ssh.ClientConfig
}

// New creates a Dialer that fails every dial with ErrNotConfigured.
func New() *Dialer {
	return &Dialer{}
}

// Dial records the attempt. ctx is ignored; DialFunc decides when to return.
func (d *Dialer) Dial(_ context.Context, network, addr string, config *ssh.ClientConfig) (*ssh.Client, error) {
	d.mu.Lock()
	d.calls = append(d.calls, Call{Network: network, Addr: addr, Config: config})
	fn := d.dialFunc
	d.mu.Unlock()
	if fn == nil {
		return nil, ErrNotConfigured
	}
	return fn(network, addr, config)
}

// Calls returns a copy of the recorded calls.
func (d *Dialer) Calls() []Call {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Call(nil), d.calls...)
}

// SetDialFunc installs the function Dial delegates to.
func (d *Dialer) SetDialFunc(fn func(network, addr string, config *ssh.ClientConfig) (*ssh.Client, error)) {
	d.mu.Lock()
	d.dialFunc = fn
	d.mu.Unlock()
}

// SetError makes every subsequent dial fail with err.
func (d *Dialer) SetError(err error) {
	d.SetDialFunc(func(string, string, *ssh.ClientConfig) (*ssh.Client, error) {
		return nil, err
	})
}

var _ ports.SSHDialer = (*Dialer)(nil)
