package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/homesense/event-resolver/internal/models"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes notifications to a topic keyed by resolved event id,
// so every state of one record lands on the same partition in order.
type KafkaPublisher struct {
	writer messageWriter
}

// NewKafkaPublisher creates a synchronous writer for topic.
func NewKafkaPublisher(brokers []string, topic string) (*KafkaPublisher, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("no kafka brokers configured")
	}
	if topic == "" {
		return nil, fmt.Errorf("kafka topic must not be empty")
	}
	return &KafkaPublisher{writer: &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		Async:        false,
	}}, nil
}

// Publish writes one notification.
func (p *KafkaPublisher) Publish(ctx context.Context, rec models.ResolvedEvent) error {
	payload, err := encode(rec)
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}
	msg := kafka.Message{Key: []byte(rec.ID), Value: payload, Time: time.Now()}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("kafka write: %w", err)
	}
	return nil
}

// Close flushes and closes the writer.
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}
