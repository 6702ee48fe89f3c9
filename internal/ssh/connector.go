package ssh

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/acolita/shellkeeper/internal/ports"
)

// ConnectorConfig configures outbound connections.
type ConnectorConfig struct {
	Timeout           time.Duration
	KeepaliveInterval time.Duration
	HostKeys          *HostKeyPolicy
	Clock             ports.Clock
	Dialer            ports.SSHDialer
}

// Connector opens authenticated SSH transports. It implements
// ports.ShellConnector.
type Connector struct {
	cfg ConnectorConfig
}

// NewConnector creates a connector. A nil HostKeys accepts any host key.
func NewConnector(cfg ConnectorConfig) *Connector {
	if cfg.HostKeys == nil {
		cfg.HostKeys = &HostKeyPolicy{callback: InsecureHostKeyCallback()}
	}
	return &Connector{cfg: cfg}
}

// Connect authenticates to target. Credential rejections are returned
// wrapping ports.ErrAuthentication; every other failure is returned as is.
func (c *Connector) Connect(ctx context.Context, target ports.ShellTarget, cred ports.ShellCredential) (ports.ShellTransport, error) {
	methods, err := BuildAuthMethods(AuthConfigFrom(cred))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ports.ErrAuthentication, err)
	}

	client, err := NewClient(ClientOptions{
		Host:              target.Host,
		Port:              target.Port,
		User:              target.User,
		AuthMethods:       methods,
		HostKeyCallback:   c.cfg.HostKeys.Callback(),
		HostKeyAlgorithms: c.cfg.HostKeys.Algorithms(hostKeyAddr(target.Host, target.Port)),
		Timeout:           c.cfg.Timeout,
		KeepaliveInterval: c.cfg.KeepaliveInterval,
		Clock:             c.cfg.Clock,
		Dialer:            c.cfg.Dialer,
	})
	if err != nil {
		return nil, err
	}

	if err := client.Connect(ctx); err != nil {
		switch {
		case isAuthFailure(err):
			return nil, fmt.Errorf("%w: %v", ports.ErrAuthentication, err)
		case isHostKeyError(err):
			slog.Warn("host key verification failed",
				slog.String("addr", client.Addr()),
				slog.String("error", err.Error()),
			)
		}
		return nil, err
	}
	return &transport{client: client}, nil
}

type transport struct {
	client *Client
}

func (t *transport) OpenShell(req ports.PTYRequest) (ports.ShellChannel, error) {
	return OpenShell(t.client, req)
}

func (t *transport) Close() error {
	return t.client.Close()
}

var _ ports.ShellConnector = (*Connector)(nil)
