package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/acolita/shellkeeper/internal/config"
	"github.com/acolita/shellkeeper/internal/metrics"
)

// RedisBus delivers events over Redis pub/sub, one channel per user, so
// every shellkeeper process can serve a user's websocket.
type RedisBus struct {
	client *redis.Client
	prefix string
}

// NewRedisClient connects and pings the server.
func NewRedisClient(cfg config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return client, nil
}

// NewRedisBus wraps a connected client. Channels are named
// "<prefix>:user:<id>".
func NewRedisBus(client *redis.Client, prefix string) *RedisBus {
	if prefix == "" {
		prefix = "shellkeeper"
	}
	return &RedisBus{client: client, prefix: prefix}
}

// Channel returns the pub/sub channel for userID.
func (b *RedisBus) Channel(userID string) string {
	return b.prefix + ":user:" + userID
}

func (b *RedisBus) Publish(ctx context.Context, e Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := b.client.Publish(ctx, b.Channel(e.UserID), data).Err(); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	metrics.EventsPublished.WithLabelValues("redis").Inc()
	return nil
}

func (b *RedisBus) Subscribe(ctx context.Context, userID string) (<-chan Event, func(), error) {
	ps := b.client.Subscribe(ctx, b.Channel(userID))
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, nil, fmt.Errorf("redis subscribe: %w", err)
	}

	out := make(chan Event, subscriberBuffer)
	done := make(chan struct{})
	var once sync.Once
	cancel := func() {
		once.Do(func() {
			close(done)
			ps.Close()
		})
	}

	go func() {
		defer close(out)
		msgs := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				cancel()
				return
			case <-done:
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var e Event
				if err := json.Unmarshal([]byte(msg.Payload), &e); err != nil {
					slog.Warn("discarding undecodable event",
						slog.String("channel", msg.Channel),
						slog.String("error", err.Error()),
					)
					continue
				}
				select {
				case out <- e:
				default:
					slog.Debug("dropping event for slow subscriber", slog.String("user_id", userID))
				}
			}
		}
	}()
	return out, cancel, nil
}

func (b *RedisBus) Close() error {
	return b.client.Close()
}

var _ Bus = (*RedisBus)(nil)
