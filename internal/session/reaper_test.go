package session

import (
	"context"
	"testing"
	"time"

	"github.com/acolita/shellkeeper/internal/config"
	"github.com/acolita/shellkeeper/internal/events"
	"github.com/acolita/shellkeeper/internal/security"
)

func TestReapIdle_Threshold(t *testing.T) {
	h := newHarness(t, nil)
	id := h.create(t, "alice")

	h.clock.Advance(30 * time.Minute)
	if got := h.m.ReapIdle(); len(got) != 0 {
		t.Fatalf("reaped at exactly the idle timeout: %+v", got)
	}
	h.clock.Advance(time.Minute)
	got := h.m.ReapIdle()
	if len(got) != 1 || got[0].ID != id || got[0].CloseReason != ReasonInactive {
		t.Fatalf("ReapIdle() = %+v", got)
	}
	if _, ok := h.m.Info(id); ok {
		t.Error("reaped session still registered")
	}
	if !h.conn.Last().Closed() {
		t.Error("transport of reaped session left open")
	}
}

func TestReapIdle_ActivityKeepsSessionAlive(t *testing.T) {
	h := newHarness(t, nil)
	busy := h.create(t, "alice")
	idle := h.create(t, "alice")

	h.clock.Advance(20 * time.Minute)
	h.m.SendInput(busy, "ls\n")
	h.clock.Advance(11 * time.Minute)

	got := h.m.ReapIdle()
	if len(got) != 1 || got[0].ID != idle {
		t.Fatalf("ReapIdle() = %+v, want only %s", got, idle)
	}
	if _, ok := h.m.Info(busy); !ok {
		t.Error("active session was reaped")
	}
}

func TestReapIdle_ExitedSessionsAreReapedToo(t *testing.T) {
	h := newHarness(t, nil)
	id := h.create(t, "alice")
	h.conn.Last().Channel().Exit()
	waitState(t, h.m, id, StateClosed)

	h.clock.Advance(31 * time.Minute)
	got := h.m.ReapIdle()
	if len(got) != 1 {
		t.Fatalf("ReapIdle() = %+v", got)
	}
	if got[0].CloseReason != ReasonExited {
		t.Errorf("reason = %q, the first recorded reason should stand", got[0].CloseReason)
	}
}

func TestReapIdle_Reconfigured(t *testing.T) {
	h := newHarness(t, nil)
	h.create(t, "alice")
	h.m.Reconfigure(config.SessionsConfig{IdleTimeout: 5 * time.Minute})
	h.clock.Advance(6 * time.Minute)
	if got := h.m.ReapIdle(); len(got) != 1 {
		t.Errorf("ReapIdle() with a 5m timeout = %+v", got)
	}
}

func TestReaper_RunPublishesToOwner(t *testing.T) {
	h := newHarness(t, nil)
	hub := events.NewHub()
	defer hub.Close()
	aliceEvents, cancel, _ := hub.Subscribe(context.Background(), "alice")
	defer cancel()

	id := h.create(t, "alice")
	keep := h.create(t, "alice")
	h.clock.Advance(29 * time.Minute)
	h.m.GetOutput(keep)
	h.clock.Advance(2 * time.Minute)

	limiter := security.NewAuthRateLimiter(1, time.Minute, h.clock)
	limiter.RecordFailure("h", "u")
	h.clock.Advance(time.Minute)

	r := NewReaper(h.m, hub, limiter, time.Minute)
	r.Run()

	closed := receiveEvent(t, aliceEvents)
	if closed.Type != events.TypeSessionClosed || closed.SessionID != id || closed.Reason != events.ReasonInactive {
		t.Errorf("first event = %+v", closed)
	}
	count := receiveEvent(t, aliceEvents)
	if count.Type != events.TypeCountUpdate || count.ActiveCount == nil || *count.ActiveCount != 1 {
		t.Errorf("second event = %+v", count)
	}
	if locked, _ := limiter.IsLocked("h", "u"); locked {
		t.Error("expired lockout survived the pass")
	}
}

func TestReaper_Schedule(t *testing.T) {
	h := newHarness(t, nil)
	hub := events.NewHub()
	defer hub.Close()
	ch, cancel, _ := hub.Subscribe(context.Background(), "alice")
	defer cancel()

	h.create(t, "alice")
	h.clock.Advance(31 * time.Minute)

	r := NewReaper(h.m, hub, nil, time.Second)
	r.Start()
	r.Start()
	defer r.Stop()

	select {
	case e := <-ch:
		if e.Type != events.TypeSessionClosed {
			t.Errorf("event = %+v", e)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("scheduled pass never ran")
	}
}

func receiveEvent(t *testing.T, ch <-chan events.Event) events.Event {
	t.Helper()
	select {
	case e := <-ch:
		return e
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return events.Event{}
}
