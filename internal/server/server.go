// Package server exposes the relay over HTTP and a websocket.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/acolita/shellkeeper/internal/auth"
	"github.com/acolita/shellkeeper/internal/events"
	"github.com/acolita/shellkeeper/internal/metrics"
	"github.com/acolita/shellkeeper/internal/relay"
	"github.com/acolita/shellkeeper/internal/session"
)

// SessionLister returns every live session. Used by the admin endpoint.
type SessionLister interface {
	Sessions() []session.Info
}

// Options tune the router.
type Options struct {
	AdminScope  string
	MetricsPath string // empty disables /metrics

	// OriginPatterns lists extra hosts allowed to open /ws from a browser.
	OriginPatterns []string
}

// Server holds the HTTP handlers.
type Server struct {
	relay      *relay.Relay
	sessions   SessionLister
	subscriber events.Subscriber
	validator  *auth.Validator
	opts       Options
}

// New creates a server.
func New(r *relay.Relay, sessions SessionLister, subscriber events.Subscriber, validator *auth.Validator, opts Options) *Server {
	if opts.AdminScope == "" {
		opts.AdminScope = "admin"
	}
	return &Server{
		relay:      r,
		sessions:   sessions,
		subscriber: subscriber,
		validator:  validator,
		opts:       opts,
	}
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(requestLogger)

	r.Get("/healthz", s.health)
	if s.opts.MetricsPath != "" {
		r.Handle(s.opts.MetricsPath, metrics.Handler())
	}

	r.Group(func(r chi.Router) {
		r.Use(auth.RequireAuth(s.validator))

		r.Get("/ws", s.handleWebSocket)

		r.Route("/api/v1", func(r chi.Router) {
			r.Get("/sessions", s.listSessions)
			r.Get("/sessions/count", s.countSessions)
			r.Post("/sessions", s.startSession)
			r.Post("/sessions/{id}/input", s.sendInput)
			r.Get("/sessions/{id}/output", s.getOutput)
			r.Post("/sessions/{id}/resize", s.resize)
			r.Delete("/sessions/{id}", s.closeSession)

			r.With(auth.RequireScope(s.opts.AdminScope)).Get("/debug/sessions", s.debugSessions)
		})
	})
	return r
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server listening", slog.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http shutdown: %w", err)
		}
		return nil
	}
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		slog.Debug("http request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", ww.Status()),
			slog.Duration("duration", time.Since(start)),
		)
	})
}
