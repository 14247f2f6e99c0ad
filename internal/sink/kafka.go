package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"companion-telemetry/internal/model"
)

// Kafka publishes each event in a batch as one message, keyed by session id so
// a session's events land on the same partition. The write succeeds or fails
// as a unit.
type Kafka struct {
	writer *kafka.Writer
}

// NewKafka returns a Kafka sink with sensible writer defaults.
func NewKafka(brokers []string, topic string) *Kafka {
	return &Kafka{writer: &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		Async:        false,
		BatchTimeout: 250 * time.Millisecond,
	}}
}

func (k *Kafka) Send(ctx context.Context, batch []model.Event) error {
	messages := make([]kafka.Message, 0, len(batch))
	for _, evt := range batch {
		payload, err := json.Marshal(evt)
		if err != nil {
			return fmt.Errorf("encode event %s: %w", evt.ID, err)
		}
		messages = append(messages, kafka.Message{
			Key:   []byte(evt.SessionID),
			Value: payload,
		})
	}
	if err := k.writer.WriteMessages(ctx, messages...); err != nil {
		return fmt.Errorf("write kafka: %w", err)
	}
	return nil
}

// Close releases the underlying writer.
func (k *Kafka) Close() error {
	return k.writer.Close()
}
