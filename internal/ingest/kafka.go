package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
)

// SourceKafka labels messages consumed from Kafka.
const SourceKafka = "kafka"

// KafkaConfig groups the consumer settings.
type KafkaConfig struct {
	Brokers []string
	GroupID string
	Topic   string
}

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaConsumer feeds sensor messages from a consumer group into a Handler.
type KafkaConsumer struct {
	reader  messageReader
	handler Handler
	logger  *slog.Logger
	topic   string
}

// NewKafkaConsumer creates a group reader for cfg.Topic.
func NewKafkaConsumer(cfg KafkaConfig, handler Handler, logger *slog.Logger) (*KafkaConsumer, error) {
	if handler == nil {
		return nil, fmt.Errorf("handler must not be nil")
	}
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("no kafka brokers configured")
	}
	if strings.TrimSpace(cfg.Topic) == "" {
		return nil, fmt.Errorf("kafka topic must not be empty")
	}
	if logger == nil {
		logger = slog.Default()
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     cfg.Brokers,
		GroupID:     cfg.GroupID,
		GroupTopics: []string{cfg.Topic},
		StartOffset: kafka.FirstOffset,
		MinBytes:    1,
		MaxBytes:    10e6,
	})
	return newKafkaConsumer(reader, cfg.Topic, handler, logger), nil
}

func newKafkaConsumer(reader messageReader, topic string, handler Handler, logger *slog.Logger) *KafkaConsumer {
	return &KafkaConsumer{
		reader:  reader,
		handler: handler,
		logger:  logger.With(slog.String("topic", topic)),
		topic:   topic,
	}
}

// Run consumes until ctx is cancelled. Every fetched message is committed,
// including ones that failed: a raw event that could not open a record is
// not retried.
func (c *KafkaConsumer) Run(ctx context.Context) error {
	defer func() {
		if err := c.reader.Close(); err != nil {
			c.logger.Error("kafka reader close failed", slog.Any("error", err))
		}
	}()
	c.logger.Info("kafka consumer started")

	backoff := time.Second
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
				c.logger.Info("kafka consumer stopped")
				return nil
			}
			c.logger.Error("kafka fetch failed", slog.Any("error", err), slog.Duration("backoff", backoff))
			select {
			case <-time.After(backoff):
				if backoff < 10*time.Second {
					backoff *= 2
				}
				continue
			case <-ctx.Done():
				c.logger.Info("kafka consumer stopped")
				return nil
			}
		}
		backoff = time.Second

		if err := c.handler.Handle(ctx, SourceKafka, msg.Value); err != nil && !errors.Is(err, ErrMalformed) {
			c.logger.Error("sensor message not processed",
				slog.Any("error", err),
				slog.Int64("offset", msg.Offset),
				slog.Int("partition", msg.Partition),
			)
		}
		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			c.logger.Error("kafka commit failed", slog.Any("error", err), slog.Int64("offset", msg.Offset))
		}
	}
}
