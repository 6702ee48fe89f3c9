// Package relay turns client requests (start, input, poll, resize, close)
// into session manager calls and publishes the resulting events to the
// requesting user's scope. It knows nothing about the transport the request
// arrived on.
package relay

import (
	"context"
	"errors"
	"log/slog"

	"github.com/acolita/shellkeeper/internal/credstore"
	"github.com/acolita/shellkeeper/internal/events"
	"github.com/acolita/shellkeeper/internal/ports"
	"github.com/acolita/shellkeeper/internal/security"
	"github.com/acolita/shellkeeper/internal/session"
)

// Messages sent to clients in error events.
const (
	MsgUnauthorized     = "Unauthorized"
	MsgDecryptionFailed = "Password decryption failed. Please edit connection."
)

var (
	// ErrUnauthorized is returned when the profile or session belongs to
	// another user, or the profile does not exist.
	ErrUnauthorized = errors.New(MsgUnauthorized)

	// ErrDecryptionFailed is returned when a profile's stored secret cannot
	// be recovered.
	ErrDecryptionFailed = errors.New(MsgDecryptionFailed)
)

// Default terminal size applied to resize requests that omit it.
const (
	DefaultRows = 24
	DefaultCols = 80
)

// Profiles resolves saved connection profiles.
type Profiles interface {
	Resolve(id uint) (*credstore.Profile, ports.ShellCredential, error)
	Touch(id uint) error
}

// Sessions is the subset of session.Manager the relay drives.
type Sessions interface {
	Create(ctx context.Context, req session.CreateRequest) (*session.CreateResult, error)
	SendInput(id, data string) error
	GetOutput(id string) (string, error)
	Resize(id string, rows, cols int) bool
	Close(id string) bool
	Info(id string) (session.Info, bool)
	ActiveSessionCount(owner string) int
	SessionsFor(owner string) []session.Info
}

// Relay dispatches user requests.
type Relay struct {
	profiles  Profiles
	sessions  Sessions
	publisher events.Publisher
}

// New creates a relay.
func New(profiles Profiles, sessions Sessions, publisher events.Publisher) *Relay {
	return &Relay{profiles: profiles, sessions: sessions, publisher: publisher}
}

// Start opens a session from one of user's saved profiles. On success the
// initial output, session_started and a count update are published; on
// failure an error event carries the reason.
func (r *Relay) Start(ctx context.Context, user string, profileID uint) (*session.CreateResult, error) {
	p, cred, err := r.profiles.Resolve(profileID)
	switch {
	case errors.Is(err, credstore.ErrProfileNotFound):
		return nil, r.fail(ctx, user, ErrUnauthorized)
	case errors.Is(err, credstore.ErrDecrypt):
		slog.Error("profile secret decryption failed",
			slog.Uint64("profile_id", uint64(profileID)),
			slog.String("error", err.Error()),
		)
		return nil, r.fail(ctx, user, ErrDecryptionFailed)
	case err != nil:
		return nil, r.fail(ctx, user, err)
	}
	if p.OwnerID != user {
		security.WipeCredential(&cred)
		return nil, r.fail(ctx, user, ErrUnauthorized)
	}
	if len(cred.Password) == 0 && len(cred.PrivateKey) == 0 {
		return nil, r.fail(ctx, user, ErrDecryptionFailed)
	}

	res, err := r.sessions.Create(ctx, session.CreateRequest{
		Owner:      user,
		Host:       p.Host,
		Port:       p.Port,
		User:       p.Username,
		Password:   cred.Password,
		PrivateKey: cred.PrivateKey,
		Passphrase: cred.Passphrase,
	})
	if err != nil {
		return nil, r.fail(ctx, user, err)
	}

	if err := r.profiles.Touch(profileID); err != nil {
		slog.Warn("could not update profile last use",
			slog.Uint64("profile_id", uint64(profileID)),
			slog.String("error", err.Error()),
		)
	}
	if res.InitialOutput != "" {
		r.publish(ctx, events.Output(user, res.SessionID, res.InitialOutput))
	}
	r.publish(ctx, events.SessionStarted(user, res.SessionID))
	r.publishCount(ctx, user)
	return res, nil
}

// Input forwards keystrokes. Empty input is ignored.
func (r *Relay) Input(ctx context.Context, user, sessionID, data string) error {
	if data == "" {
		return nil
	}
	if _, err := r.authorize(user, sessionID); err != nil {
		return r.fail(ctx, user, err)
	}
	if err := r.sessions.SendInput(sessionID, data); err != nil {
		return r.fail(ctx, user, err)
	}
	return nil
}

// Output drains the session's buffered output and publishes it. Once a
// session whose shell has ended is fully drained it is closed here and
// session_closed{exited} is published.
func (r *Relay) Output(ctx context.Context, user, sessionID string) (string, error) {
	if _, err := r.authorize(user, sessionID); err != nil {
		return "", err
	}
	out, err := r.sessions.GetOutput(sessionID)
	if err != nil {
		return "", err
	}
	if out != "" {
		r.publish(ctx, events.Output(user, sessionID, out))
	}

	info, ok := r.sessions.Info(sessionID)
	if ok && info.State == session.StateClosed && info.Buffered == 0 {
		if r.sessions.Close(sessionID) {
			r.publish(ctx, events.SessionClosed(user, sessionID, events.ReasonExited))
			r.publishCount(ctx, user)
		}
	}
	return out, nil
}

// Resize applies a new terminal size. Non-positive dimensions fall back to
// 80x24. It reports whether the shell accepted the change.
func (r *Relay) Resize(ctx context.Context, user, sessionID string, rows, cols int) (bool, error) {
	if _, err := r.authorize(user, sessionID); err != nil {
		return false, err
	}
	if rows <= 0 {
		rows = DefaultRows
	}
	if cols <= 0 {
		cols = DefaultCols
	}
	return r.sessions.Resize(sessionID, rows, cols), nil
}

// Close ends a session on the user's request.
func (r *Relay) Close(ctx context.Context, user, sessionID string) error {
	if _, err := r.authorize(user, sessionID); err != nil {
		return err
	}
	if !r.sessions.Close(sessionID) {
		return session.ErrNotFound
	}
	r.publish(ctx, events.SessionClosed(user, sessionID, events.ReasonClosed))
	r.publishCount(ctx, user)
	return nil
}

// Count returns how many sessions user holds.
func (r *Relay) Count(user string) int {
	return r.sessions.ActiveSessionCount(user)
}

// Sessions lists user's sessions, oldest first.
func (r *Relay) Sessions(user string) []session.Info {
	return r.sessions.SessionsFor(user)
}

func (r *Relay) authorize(user, sessionID string) (session.Info, error) {
	info, ok := r.sessions.Info(sessionID)
	if !ok {
		return session.Info{}, session.ErrNotFound
	}
	if info.Owner != user {
		slog.Warn("session access denied",
			slog.String("session_id", sessionID),
			slog.String("user", user),
		)
		return session.Info{}, ErrUnauthorized
	}
	return info, nil
}

// fail publishes err as an error event and returns it.
func (r *Relay) fail(ctx context.Context, user string, err error) error {
	r.publish(ctx, events.Error(user, err.Error()))
	return err
}

func (r *Relay) publishCount(ctx context.Context, user string) {
	r.publish(ctx, events.CountUpdate(user, r.sessions.ActiveSessionCount(user)))
}

func (r *Relay) publish(ctx context.Context, e events.Event) {
	if err := r.publisher.Publish(ctx, e); err != nil {
		slog.Warn("event publish failed",
			slog.String("type", string(e.Type)),
			slog.String("user", e.UserID),
			slog.String("error", err.Error()),
		)
	}
}
