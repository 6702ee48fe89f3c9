package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/acolita/shellkeeper/internal/events"
)

// Inbound websocket message types.
const (
	msgStartSession = "start_session"
	msgInput        = "input"
	msgGetOutput    = "get_output"
	msgResize       = "resize"
	msgCloseSession = "close_session"
)

const wsReadLimit = 1 << 20

type inbound struct {
	Type      string `json:"type"`
	ProfileID uint   `json:"profile_id,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	Data      string `json:"data,omitempty"`
	Rows      int    `json:"rows,omitempty"`
	Cols      int    `json:"cols,omitempty"`
}

// handleWebSocket streams every event in the caller's scope and accepts
// requests as JSON text messages.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	uid := user(r)
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.opts.OriginPatterns})
	if err != nil {
		slog.Warn("websocket accept failed", slog.String("error", err.Error()))
		return
	}
	defer conn.CloseNow()
	conn.SetReadLimit(wsReadLimit)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	evs, unsubscribe, err := s.subscriber.Subscribe(ctx, uid)
	if err != nil {
		slog.Error("event subscribe failed", slog.String("user", uid), slog.String("error", err.Error()))
		conn.Close(websocket.StatusInternalError, "subscribe failed")
		return
	}
	defer unsubscribe()
	slog.Info("websocket connected", slog.String("user", uid))

	go func() {
		defer cancel()
		for {
			select {
			case e, ok := <-evs:
				if !ok {
					return
				}
				if err := wsjson.Write(ctx, conn, e); err != nil {
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == -1 && ctx.Err() == nil {
				slog.Debug("websocket read failed", slog.String("user", uid), slog.String("error", err.Error()))
			}
			break
		}
		var msg inbound
		if err := json.Unmarshal(data, &msg); err != nil {
			s.reply(ctx, conn, uid, "Invalid message")
			continue
		}
		s.dispatch(ctx, conn, uid, msg)
	}
	slog.Info("websocket disconnected", slog.String("user", uid))
	conn.Close(websocket.StatusNormalClosure, "")
}

// dispatch runs one request. Start and Input publish their own error events;
// the rest report failures to this connection only.
func (s *Server) dispatch(ctx context.Context, conn *websocket.Conn, uid string, msg inbound) {
	var err error
	switch msg.Type {
	case msgStartSession:
		_, _ = s.relay.Start(ctx, uid, msg.ProfileID)
	case msgInput:
		_ = s.relay.Input(ctx, uid, msg.SessionID, msg.Data)
	case msgGetOutput:
		_, err = s.relay.Output(ctx, uid, msg.SessionID)
	case msgResize:
		_, err = s.relay.Resize(ctx, uid, msg.SessionID, msg.Rows, msg.Cols)
	case msgCloseSession:
		err = s.relay.Close(ctx, uid, msg.SessionID)
	default:
		s.reply(ctx, conn, uid, "Unknown message type: "+msg.Type)
		return
	}
	if err != nil {
		s.reply(ctx, conn, uid, err.Error())
	}
}

func (s *Server) reply(ctx context.Context, conn *websocket.Conn, uid, message string) {
	if err := wsjson.Write(ctx, conn, events.Error(uid, message)); err != nil {
		slog.Debug("websocket write failed", slog.String("user", uid), slog.String("error", err.Error()))
	}
}
