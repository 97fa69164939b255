package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// SourceMQTT labels messages received over MQTT.
const SourceMQTT = "mqtt"

// MQTTConfig describes the broker connection and subscription.
type MQTTConfig struct {
	Broker         string
	ClientID       string
	Username       string
	Password       string
	Topic          string
	QoS            byte
	ConnectTimeout time.Duration
}

// MQTTSubscriber forwards sensor hub messages published to a broker into a Handler.
type MQTTSubscriber struct {
	client  mqtt.Client
	cfg     MQTTConfig
	handler Handler
	logger  *slog.Logger
}

// NewMQTTSubscriber prepares a client; it connects when Run is called.
func NewMQTTSubscriber(cfg MQTTConfig, handler Handler, logger *slog.Logger) (*MQTTSubscriber, error) {
	if handler == nil {
		return nil, fmt.Errorf("handler must not be nil")
	}
	if strings.TrimSpace(cfg.Broker) == "" {
		return nil, fmt.Errorf("mqtt broker must not be empty")
	}
	if strings.TrimSpace(cfg.Topic) == "" {
		return nil, fmt.Errorf("mqtt topic must not be empty")
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectTimeout(cfg.ConnectTimeout).
		SetCleanSession(false)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		logger.Warn("mqtt connection lost", slog.Any("error", err))
	})

	return &MQTTSubscriber{
		client:  mqtt.NewClient(opts),
		cfg:     cfg,
		handler: handler,
		logger:  logger.With(slog.String("topic", cfg.Topic)),
	}, nil
}

// Run connects, subscribes and blocks until ctx is cancelled.
func (s *MQTTSubscriber) Run(ctx context.Context) error {
	token := s.client.Connect()
	if !token.WaitTimeout(s.cfg.ConnectTimeout) {
		return fmt.Errorf("mqtt connect to %s timed out", s.cfg.Broker)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	defer s.client.Disconnect(250)

	sub := s.client.Subscribe(s.cfg.Topic, s.cfg.QoS, s.messageHandler(ctx))
	sub.Wait()
	if err := sub.Error(); err != nil {
		return fmt.Errorf("mqtt subscribe %s: %w", s.cfg.Topic, err)
	}
	s.logger.Info("mqtt subscriber started", slog.String("broker", s.cfg.Broker))

	<-ctx.Done()
	if unsub := s.client.Unsubscribe(s.cfg.Topic); unsub.WaitTimeout(time.Second) && unsub.Error() != nil {
		s.logger.Warn("mqtt unsubscribe failed", slog.Any("error", unsub.Error()))
	}
	s.logger.Info("mqtt subscriber stopped")
	return nil
}

func (s *MQTTSubscriber) messageHandler(ctx context.Context) mqtt.MessageHandler {
	return func(_ mqtt.Client, msg mqtt.Message) {
		err := s.handler.Handle(ctx, SourceMQTT, msg.Payload())
		if err != nil && !errors.Is(err, ErrMalformed) {
			s.logger.Error("sensor message not processed", slog.Any("error", err), slog.String("msg_topic", msg.Topic()))
		}
	}
}
