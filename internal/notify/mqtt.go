package notify

import (
	"context"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/homesense/event-resolver/internal/models"
)

// MQTTPublisher publishes notifications to a broker topic for dashboards and tiles.
type MQTTPublisher struct {
	client  mqtt.Client
	topic   string
	qos     byte
	timeout time.Duration
}

// NewMQTTPublisher wraps a connected client.
func NewMQTTPublisher(client mqtt.Client, topic string, qos byte) (*MQTTPublisher, error) {
	if client == nil {
		return nil, fmt.Errorf("mqtt client must not be nil")
	}
	if topic == "" {
		return nil, fmt.Errorf("mqtt topic must not be empty")
	}
	return &MQTTPublisher{client: client, topic: topic, qos: qos, timeout: 5 * time.Second}, nil
}

// Publish sends one non-retained notification and waits for the broker ack.
func (p *MQTTPublisher) Publish(ctx context.Context, rec models.ResolvedEvent) error {
	payload, err := encode(rec)
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}
	token := p.client.Publish(p.topic, p.qos, false, payload)

	timeout := p.timeout
	if deadline, ok := ctx.Deadline(); ok {
		if d := time.Until(deadline); d < timeout {
			timeout = d
		}
	}
	if !token.WaitTimeout(timeout) {
		return fmt.Errorf("mqtt publish to %s timed out", p.topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt publish: %w", err)
	}
	return nil
}

// ConnectMQTT dials broker and returns a client ready for NewMQTTPublisher.
func ConnectMQTT(broker, clientID, username, password string, timeout time.Duration) (mqtt.Client, error) {
	if broker == "" {
		return nil, fmt.Errorf("mqtt broker must not be empty")
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	opts := mqtt.NewClientOptions().
		AddBroker(broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectTimeout(timeout)
	if username != "" {
		opts.SetUsername(username)
		opts.SetPassword(password)
	}

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(timeout) {
		return nil, fmt.Errorf("mqtt connect to %s timed out", broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}
	return client, nil
}
