package events

import (
	"fmt"
	"log/slog"

	"github.com/acolita/shellkeeper/internal/config"
)

// Open builds the delivery backend described by cfg.
func Open(cfg config.DeliveryConfig) (Bus, error) {
	var primary Bus
	switch cfg.Backend {
	case "", config.BackendLocal:
		primary = NewHub()
	case config.BackendRedis:
		client, err := NewRedisClient(cfg.Redis)
		if err != nil {
			return nil, err
		}
		primary = NewRedisBus(client, cfg.Redis.ChannelPrefix)
	default:
		return nil, fmt.Errorf("unknown delivery backend %q", cfg.Backend)
	}

	if !cfg.Kafka.Enabled {
		return primary, nil
	}
	mirror, err := NewKafkaMirror(cfg.Kafka.Brokers, cfg.Kafka.Topic)
	if err != nil {
		primary.Close()
		return nil, err
	}
	slog.Info("mirroring events to kafka",
		slog.String("topic", cfg.Kafka.Topic),
		slog.Any("brokers", cfg.Kafka.Brokers),
	)
	return Tee(primary, mirror), nil
}
