package ports

import (
	"context"
	"errors"
)

// ErrAuthentication marks connector errors caused by the remote side
// rejecting the supplied credential. Callers test for it with errors.Is.
var ErrAuthentication = errors.New("authentication failed")

// ShellTarget identifies the remote account a shell is opened for.
type ShellTarget struct {
	Host string
	Port int
	User string
}

// ShellCredential carries decrypted secret material for one connection
// attempt. PrivateKey takes precedence over Password when both are set.
// Holders should wipe the slices once the transport is established.
type ShellCredential struct {
	Password   []byte
	PrivateKey []byte
	Passphrase []byte
}

// PTYRequest describes the pseudo-terminal attached to an interactive shell.
type PTYRequest struct {
	Term string
	Cols int
	Rows int
}

// ShellConnector authenticates against a remote host and returns a transport
// able to open interactive channels.
type ShellConnector interface {
	Connect(ctx context.Context, target ShellTarget, cred ShellCredential) (ShellTransport, error)
}

// ShellTransport is an authenticated connection to a remote host.
type ShellTransport interface {
	// OpenShell opens a channel with a pseudo-terminal and starts a login shell.
	OpenShell(req PTYRequest) (ShellChannel, error)

	// Close releases the underlying connection.
	Close() error
}

// ShellChannel is a full-duplex interactive shell stream.
//
// Read blocks until output is available. It returns io.EOF once the remote
// side has exited and all output has been delivered, and an error after
// Close. Read and Write may be called concurrently from different goroutines.
type ShellChannel interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)

	// Resize sends a window change for the given geometry.
	Resize(cols, rows int) error

	// Close tears the channel down and unblocks any pending Read.
	Close() error
}
