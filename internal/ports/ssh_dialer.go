package ports

import (
	"context"

	"golang.org/x/crypto/ssh"
)

// SSHDialer opens an authenticated SSH client connection. Implementations
// abandon the TCP dial when ctx ends.
type SSHDialer interface {
	Dial(ctx context.Context, network, addr string, config *ssh.ClientConfig) (*ssh.Client, error)
}
