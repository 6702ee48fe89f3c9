package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/acolita/shellkeeper/internal/events"
	"github.com/acolita/shellkeeper/internal/security"
)

// ReapIdle closes every session idle for longer than the idle timeout and
// returns snapshots of the ones it closed. Idle sessions are picked from one
// snapshot; each is removed only if it is still idle at removal time, and
// shells are shut down outside the table lock.
func (m *Manager) ReapIdle() []Info {
	now := m.clock.Now()
	idle := m.config().IdleTimeout
	isIdle := func(s *Session) bool { return now.Sub(s.LastActivity()) > idle }

	var victims []*Session
	for _, s := range m.table.Snapshot() {
		if isIdle(s) {
			victims = append(victims, s)
		}
	}

	var reaped []Info
	for _, s := range victims {
		if _, ok := m.table.RemoveIf(s.ID, isIdle); !ok {
			continue
		}
		if err := m.safeShutdown(s, ReasonInactive); err != nil {
			slog.Error("failed to close idle session",
				slog.String("session_id", s.ID),
				slog.Any("error", err),
			)
		}
		reaped = append(reaped, s.Info())
	}
	return reaped
}

// safeShutdown keeps one misbehaving transport from ending a reaper pass.
func (m *Manager) safeShutdown(s *Session, reason string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &panicError{value: r}
		}
	}()
	m.shutdown(s, reason)
	return nil
}

type panicError struct{ value any }

func (e *panicError) Error() string { return fmt.Sprintf("panic during close: %v", e.value) }

// Reaper periodically closes idle sessions and tells their owners.
type Reaper struct {
	manager   *Manager
	publisher events.Publisher
	limiter   *security.AuthRateLimiter
	interval  time.Duration

	mu   sync.Mutex
	cron *cron.Cron
}

// NewReaper creates a reaper running every interval. limiter may be nil.
func NewReaper(m *Manager, publisher events.Publisher, limiter *security.AuthRateLimiter, interval time.Duration) *Reaper {
	if interval <= 0 {
		interval = m.config().ReapInterval
	}
	return &Reaper{manager: m, publisher: publisher, limiter: limiter, interval: interval}
}

// Start schedules passes. Calling Start twice is a no-op.
func (r *Reaper) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cron != nil {
		return
	}
	r.cron = cron.New()
	r.cron.Schedule(cron.Every(r.interval), cron.FuncJob(r.Run))
	r.cron.Start()
	slog.Info("idle reaper started",
		slog.Duration("interval", r.interval),
		slog.Duration("idle_timeout", r.manager.config().IdleTimeout),
	)
}

// Stop cancels the schedule and waits for a running pass to finish.
func (r *Reaper) Stop() {
	r.mu.Lock()
	c := r.cron
	r.cron = nil
	r.mu.Unlock()
	if c != nil {
		<-c.Stop().Done()
	}
}

// Run performs one pass.
func (r *Reaper) Run() {
	reaped := r.manager.ReapIdle()
	ctx := context.Background()
	for _, info := range reaped {
		r.publish(ctx, events.SessionClosed(info.Owner, info.ID, events.ReasonInactive))
		r.publish(ctx, events.CountUpdate(info.Owner, r.manager.ActiveSessionCount(info.Owner)))
	}
	if len(reaped) > 0 {
		slog.Info("reaped idle sessions", slog.Int("count", len(reaped)))
	}
	if r.limiter != nil {
		if n := r.limiter.Cleanup(); n > 0 {
			slog.Debug("expired auth lockouts removed", slog.Int("count", n))
		}
	}
}

func (r *Reaper) publish(ctx context.Context, e events.Event) {
	if r.publisher == nil {
		return
	}
	if err := r.publisher.Publish(ctx, e); err != nil {
		slog.Warn("failed to publish reaper event",
			slog.String("user_id", e.UserID),
			slog.String("type", string(e.Type)),
			slog.String("error", err.Error()),
		)
	}
}
