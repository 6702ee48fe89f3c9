package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/cenkalti/backoff/v4"

	"github.com/acolita/shellkeeper/internal/metrics"
)

const (
	kafkaMaxRetries     = 3
	kafkaInitialBackoff = 100 * time.Millisecond
	kafkaMaxBackoff     = 5 * time.Second
)

// KafkaMirror copies events to a Kafka topic keyed by user id. It is
// publish only; delivery to clients goes through the primary bus.
type KafkaMirror struct {
	producer sarama.SyncProducer
	topic    string

	mu     sync.RWMutex
	closed bool
}

// NewProducerConfig returns the producer settings the mirror expects.
func NewProducerConfig() *sarama.Config {
	cfg := sarama.NewConfig()
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Retry.Max = kafkaMaxRetries
	cfg.Producer.Return.Successes = true
	cfg.Producer.Compression = sarama.CompressionSnappy
	return cfg
}

// NewKafkaMirror connects a synchronous producer to brokers.
func NewKafkaMirror(brokers []string, topic string) (*KafkaMirror, error) {
	producer, err := sarama.NewSyncProducer(brokers, NewProducerConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to create Kafka producer: %w", err)
	}
	return NewKafkaMirrorWithProducer(producer, topic), nil
}

// NewKafkaMirrorWithProducer wraps an existing producer.
func NewKafkaMirrorWithProducer(producer sarama.SyncProducer, topic string) *KafkaMirror {
	return &KafkaMirror{producer: producer, topic: topic}
}

// Publish sends e, retrying with exponential backoff.
func (m *KafkaMirror) Publish(ctx context.Context, e Event) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return fmt.Errorf("kafka mirror is closed")
	}

	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	msg := &sarama.ProducerMessage{
		Topic: m.topic,
		Key:   sarama.StringEncoder(e.UserID),
		Value: sarama.ByteEncoder(data),
		Headers: []sarama.RecordHeader{
			{Key: []byte("event_type"), Value: []byte(e.Type)},
		},
		Timestamp: e.Time,
	}

	operation := func() error {
		_, _, err := m.producer.SendMessage(msg)
		return err
	}
	policy := backoff.WithContext(
		backoff.WithMaxRetries(
			backoff.NewExponentialBackOff(
				backoff.WithInitialInterval(kafkaInitialBackoff),
				backoff.WithMaxInterval(kafkaMaxBackoff),
			),
			kafkaMaxRetries,
		),
		ctx,
	)
	err = backoff.RetryNotify(operation, policy, func(err error, d time.Duration) {
		metrics.PublishRetries.WithLabelValues("kafka").Inc()
		slog.Warn("retrying kafka publish",
			slog.String("user_id", e.UserID),
			slog.String("error", err.Error()),
			slog.Duration("next", d),
		)
	})
	if err != nil {
		return fmt.Errorf("kafka publish: %w", err)
	}
	metrics.EventsPublished.WithLabelValues("kafka").Inc()
	return nil
}

func (m *KafkaMirror) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	return m.producer.Close()
}

var _ Publisher = (*KafkaMirror)(nil)
