package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
)

// KafkaRelay republishes domain events from the in-process bus to a Kafka
// topic for downstream consumers (analytics, projections). Viewer delivery
// never depends on it.
type KafkaRelay struct {
	writer *kafka.Writer
	log    zerolog.Logger
}

func NewKafkaRelay(brokers []string, topic string, log zerolog.Logger) *KafkaRelay {
	writer := &kafka.Writer{
		Addr:     kafka.TCP(brokers...),
		Topic:    topic,
		Balancer: &kafka.LeastBytes{},
	}

	return &KafkaRelay{
		writer: writer,
		log:    log.With().Str("component", "kafka-relay").Logger(),
	}
}

// Run consumes the given bus subscription until the context is cancelled
// or the subscription closes. Publish failures are logged and skipped; the
// relay never blocks the bus.
func (k *KafkaRelay) Run(ctx context.Context, sub <-chan Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub:
			if !ok {
				return
			}
			if err := k.publish(ctx, ev); err != nil {
				k.log.Error().Err(err).Str("event", string(ev.Type)).Msg("failed to relay event")
			}
		}
	}
}

func (k *KafkaRelay) publish(ctx context.Context, ev Event) error {
	messageJSON, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	msg := kafka.Message{
		Key:   []byte(uuid.New().String()),
		Value: messageJSON,
	}

	if err := k.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}

	return nil
}

func (k *KafkaRelay) Close() error {
	if err := k.writer.Close(); err != nil {
		return fmt.Errorf("failed to close writer: %w", err)
	}
	return nil
}
