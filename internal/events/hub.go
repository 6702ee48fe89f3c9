package events

import (
	"context"
	"log/slog"
	"sync"

	"github.com/acolita/shellkeeper/internal/metrics"
)

const subscriberBuffer = 256

// Hub is an in-process Bus. A subscriber that falls behind loses events
// rather than stalling the publisher.
type Hub struct {
	mu     sync.RWMutex
	subs   map[string]map[*subscription]struct{}
	closed bool
}

type subscription struct {
	ch   chan Event
	done chan struct{}
	once sync.Once
}

func (s *subscription) close() {
	s.once.Do(func() {
		close(s.ch)
		close(s.done)
	})
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[string]map[*subscription]struct{})}
}

func (h *Hub) Publish(ctx context.Context, e Event) error {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for sub := range h.subs[e.UserID] {
		select {
		case sub.ch <- e:
		default:
			slog.Debug("dropping event for slow subscriber",
				slog.String("user_id", e.UserID),
				slog.String("type", string(e.Type)),
			)
		}
	}
	metrics.EventsPublished.WithLabelValues("local").Inc()
	return nil
}

func (h *Hub) Subscribe(ctx context.Context, userID string) (<-chan Event, func(), error) {
	sub := &subscription{ch: make(chan Event, subscriberBuffer), done: make(chan struct{})}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		sub.close()
		return sub.ch, func() {}, nil
	}
	if h.subs[userID] == nil {
		h.subs[userID] = make(map[*subscription]struct{})
	}
	h.subs[userID][sub] = struct{}{}
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		if set := h.subs[userID]; set != nil {
			delete(set, sub)
			if len(set) == 0 {
				delete(h.subs, userID)
			}
		}
		h.mu.Unlock()
		sub.close()
	}

	go func() {
		select {
		case <-ctx.Done():
			cancel()
		case <-sub.done:
		}
	}()
	return sub.ch, cancel, nil
}

// Subscribers returns the number of live subscriptions for userID.
func (h *Hub) Subscribers(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[userID])
}

// Close ends every subscription.
func (h *Hub) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for user, set := range h.subs {
		for sub := range set {
			sub.close()
		}
		delete(h.subs, user)
	}
	return nil
}

var _ Bus = (*Hub)(nil)
