// Package events delivers session events to the owning user's private scope.
// A Hub fans out in process; RedisBus distributes across processes; a
// KafkaMirror copies every event to a topic for auditing.
package events

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Type names an event kind.
type Type string

const (
	TypeSessionStarted Type = "session_started"
	TypeOutput         Type = "output"
	TypeSessionClosed  Type = "session_closed"
	TypeError          Type = "error"
	TypeCountUpdate    Type = "session_count_update"
)

// Close reasons carried by session_closed.
const (
	ReasonInactive = "inactive"
	ReasonClosed   = "closed"
	ReasonExited   = "exited"
)

// Event is one notification for a user.
type Event struct {
	ID          uuid.UUID `json:"id"`
	Type        Type      `json:"type"`
	UserID      string    `json:"user_id"`
	SessionID   string    `json:"session_id,omitempty"`
	Data        string    `json:"data,omitempty"`
	Reason      string    `json:"reason,omitempty"`
	Message     string    `json:"message,omitempty"`
	ActiveCount *int      `json:"active_count,omitempty"`
	Time        time.Time `json:"time"`
}

func newEvent(t Type, userID string) Event {
	return Event{ID: uuid.New(), Type: t, UserID: userID, Time: time.Now().UTC()}
}

// SessionStarted announces a new session.
func SessionStarted(userID, sessionID string) Event {
	e := newEvent(TypeSessionStarted, userID)
	e.SessionID = sessionID
	return e
}

// Output carries decoded terminal output.
func Output(userID, sessionID, data string) Event {
	e := newEvent(TypeOutput, userID)
	e.SessionID = sessionID
	e.Data = data
	return e
}

// SessionClosed reports that a session ended and why.
func SessionClosed(userID, sessionID, reason string) Event {
	e := newEvent(TypeSessionClosed, userID)
	e.SessionID = sessionID
	e.Reason = reason
	return e
}

// Error reports a failed request.
func Error(userID, message string) Event {
	e := newEvent(TypeError, userID)
	e.Message = message
	return e
}

// CountUpdate reports the user's live session count.
func CountUpdate(userID string, count int) Event {
	e := newEvent(TypeCountUpdate, userID)
	e.ActiveCount = &count
	return e
}

// Publisher sends an event to the scope of e.UserID.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// Subscriber streams a user's events until cancel is called or ctx ends.
type Subscriber interface {
	Subscribe(ctx context.Context, userID string) (events <-chan Event, cancel func(), err error)
}

// Bus is a full delivery backend.
type Bus interface {
	Publisher
	Subscriber
	Close() error
}
