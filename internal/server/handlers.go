package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/acolita/shellkeeper/internal/auth"
	"github.com/acolita/shellkeeper/internal/relay"
	"github.com/acolita/shellkeeper/internal/session"
)

const maxBodyBytes = 1 << 20

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"error": detail})
}

// statusFor maps relay and session errors onto HTTP status codes.
func statusFor(err error) int {
	var authErr *session.AuthError
	var connErr *session.ConnectError
	switch {
	case errors.Is(err, session.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, relay.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, relay.ErrDecryptionFailed):
		return http.StatusUnprocessableEntity
	case errors.Is(err, session.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, session.ErrSessionLimit), errors.Is(err, session.ErrLockedOut):
		return http.StatusTooManyRequests
	case errors.Is(err, session.ErrClosed):
		return http.StatusGone
	case errors.As(err, &authErr), errors.As(err, &connErr):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return false
	}
	return true
}

func user(r *http.Request) string {
	u, _ := auth.UserFromContext(r.Context())
	return u
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.relay.Sessions(user(r)))
}

func (s *Server) countSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]int{"active_count": s.relay.Count(user(r))})
}

func (s *Server) debugSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.sessions.Sessions())
}

type startRequest struct {
	ProfileID uint `json:"profile_id"`
}

type startResponse struct {
	SessionID string `json:"session_id"`
	Output    string `json:"output"`
}

func (s *Server) startSession(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if !decode(w, r, &req) {
		return
	}
	if req.ProfileID == 0 {
		writeError(w, http.StatusBadRequest, "profile_id is required")
		return
	}
	res, err := s.relay.Start(r.Context(), user(r), req.ProfileID)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, startResponse{SessionID: res.SessionID, Output: res.InitialOutput})
}

type inputRequest struct {
	Data string `json:"data"`
}

func (s *Server) sendInput(w http.ResponseWriter, r *http.Request) {
	var req inputRequest
	if !decode(w, r, &req) {
		return
	}
	if err := s.relay.Input(r.Context(), user(r), chi.URLParam(r, "id"), req.Data); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) getOutput(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	out, err := s.relay.Output(r.Context(), user(r), id)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"session_id": id, "output": out})
}

type resizeRequest struct {
	Rows int `json:"rows"`
	Cols int `json:"cols"`
}

func (s *Server) resize(w http.ResponseWriter, r *http.Request) {
	var req resizeRequest
	if !decode(w, r, &req) {
		return
	}
	ok, err := s.relay.Resize(r.Context(), user(r), chi.URLParam(r, "id"), req.Rows, req.Cols)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"resized": ok})
}

func (s *Server) closeSession(w http.ResponseWriter, r *http.Request) {
	if err := s.relay.Close(r.Context(), user(r), chi.URLParam(r, "id")); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
