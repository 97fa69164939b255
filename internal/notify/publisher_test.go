package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/segmentio/kafka-go"

	"github.com/homesense/event-resolver/internal/models"
)

func sampleRecord() models.ResolvedEvent {
	return models.ResolvedEvent{
		ID:             "rec-1",
		ResolutionName: "EVENT_Garage_Closed",
		ResolutionText: "Garage opened then closed",
		Confidence:     models.ConfidenceMedium,
		TreePath:       "EVENT_Garage_Opened.EVENT_Garage_Closed",
		AnchorEpoch:    1120,
		LastUpdatedAt:  time.Unix(2000, 0),
	}
}

type fakeWriter struct {
	msgs []kafka.Message
	err  error
}

func (f *fakeWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error { return nil }

func TestKafkaPublisherKeysByRecordID(t *testing.T) {
	w := &fakeWriter{}
	p := &KafkaPublisher{writer: w}

	if err := p.Publish(context.Background(), sampleRecord()); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if len(w.msgs) != 1 || string(w.msgs[0].Key) != "rec-1" {
		t.Fatalf("unexpected messages: %+v", w.msgs)
	}

	var n Notification
	if err := json.Unmarshal(w.msgs[0].Value, &n); err != nil {
		t.Fatalf("decode notification: %v", err)
	}
	if n.Confidence != "Medium" || n.AnchorEpoch != 1120 || !n.DeviceTime.Equal(time.Unix(1120, 0)) {
		t.Fatalf("unexpected notification: %+v", n)
	}
}

func TestKafkaPublisherWriteError(t *testing.T) {
	p := &KafkaPublisher{writer: &fakeWriter{err: errors.New("no leader")}}
	if err := p.Publish(context.Background(), sampleRecord()); err == nil {
		t.Fatalf("expected write error")
	}
	if _, err := NewKafkaPublisher(nil, "resolved-events"); err == nil {
		t.Fatalf("expected error without brokers")
	}
}

var closedChan = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()

type fakeToken struct {
	err error
}

func (t fakeToken) Wait() bool                     { return true }
func (t fakeToken) WaitTimeout(time.Duration) bool { return true }
func (t fakeToken) Done() <-chan struct{}          { return closedChan }
func (t fakeToken) Error() error                   { return t.err }

type fakeClient struct {
	mqtt.Client
	topic    string
	payloads [][]byte
	err      error
}

func (c *fakeClient) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	c.topic = topic
	c.payloads = append(c.payloads, payload.([]byte))
	return fakeToken{err: c.err}
}

func TestMQTTPublisher(t *testing.T) {
	client := &fakeClient{}
	p, err := NewMQTTPublisher(client, "home/resolutions", 1)
	if err != nil {
		t.Fatalf("new publisher: %v", err)
	}
	if err := p.Publish(context.Background(), sampleRecord()); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if client.topic != "home/resolutions" || len(client.payloads) != 1 {
		t.Fatalf("unexpected publish: %s %d", client.topic, len(client.payloads))
	}

	client.err = errors.New("not connected")
	if err := p.Publish(context.Background(), sampleRecord()); err == nil {
		t.Fatalf("expected publish error")
	}
}

type failingPublisher struct{ calls int }

func (f *failingPublisher) Publish(context.Context, models.ResolvedEvent) error {
	f.calls++
	return errors.New("unavailable")
}

func TestFanoutDeliversToAll(t *testing.T) {
	var buf bytes.Buffer
	logPub := NewLogPublisher(slog.New(slog.NewTextHandler(&buf, nil)))
	failing := &failingPublisher{}

	err := Fanout{failing, logPub}.Publish(context.Background(), sampleRecord())
	if err == nil {
		t.Fatalf("expected joined error")
	}
	if failing.calls != 1 {
		t.Fatalf("failing publisher not called")
	}
	if !bytes.Contains(buf.Bytes(), []byte("rec-1")) {
		t.Fatalf("log publisher did not run after a failure: %s", buf.String())
	}
}

func TestConnectMQTTRequiresBroker(t *testing.T) {
	if _, err := ConnectMQTT("", "client", "", "", time.Second); err == nil {
		t.Fatalf("expected error for empty broker")
	}
}
