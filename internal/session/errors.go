package session

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound is returned for an unknown or already removed session id.
	ErrNotFound = errors.New("session not found")

	// ErrClosed is returned when input is sent to a session whose shell has
	// ended.
	ErrClosed = errors.New("session closed")

	// ErrSessionLimit is returned when the owner already holds the maximum
	// number of sessions.
	ErrSessionLimit = errors.New("session limit reached")

	// ErrInvalidRequest is returned for a create request missing a host,
	// user or owner.
	ErrInvalidRequest = errors.New("invalid session request")

	// ErrLockedOut is wrapped by AuthError when repeated failures locked
	// the user@host pair.
	ErrLockedOut = errors.New("too many authentication failures")

	errDuplicate = errors.New("duplicate session id")
)

// AuthError reports that the remote host rejected the credentials, or that
// the pair is locked out after earlier rejections.
type AuthError struct {
	Host    string
	User    string
	RetryIn time.Duration // non-zero while locked out
	Err     error
}

func (e *AuthError) Error() string {
	if e.RetryIn > 0 {
		return fmt.Sprintf("authentication for %s@%s locked, retry in %s: %v",
			e.User, e.Host, e.RetryIn.Round(time.Second), e.Err)
	}
	return fmt.Sprintf("authentication failed for %s@%s: %v", e.User, e.Host, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// ConnectError reports any other failure while establishing a session:
// network, host key, timeout or shell startup.
type ConnectError struct {
	Host string
	Port int
	Err  error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connect to %s:%d: %v", e.Host, e.Port, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }
