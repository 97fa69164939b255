package notify

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/homesense/event-resolver/internal/models"
)

// Publisher announces resolved events to downstream consumers (tiles, mail, SMS).
type Publisher interface {
	Publish(ctx context.Context, rec models.ResolvedEvent) error
}

// Notification is the JSON document published for every new or refined resolution.
type Notification struct {
	ID             string    `json:"id"`
	ResolutionName string    `json:"resolutionName"`
	ResolutionText string    `json:"resolutionText"`
	Confidence     string    `json:"confidence"`
	TreePath       string    `json:"treePath"`
	AnchorEpoch    int64     `json:"anchorEpoch"`
	DeviceTime     time.Time `json:"deviceTime"`
	LastUpdatedAt  time.Time `json:"lastUpdatedAt"`
}

// NewNotification converts a record into its published form.
func NewNotification(rec models.ResolvedEvent) Notification {
	return Notification{
		ID:             rec.ID,
		ResolutionName: rec.ResolutionName,
		ResolutionText: rec.ResolutionText,
		Confidence:     string(rec.Confidence),
		TreePath:       rec.TreePath,
		AnchorEpoch:    rec.AnchorEpoch,
		DeviceTime:     rec.DeviceTime(),
		LastUpdatedAt:  rec.LastUpdatedAt.UTC(),
	}
}

func encode(rec models.ResolvedEvent) ([]byte, error) {
	return json.Marshal(NewNotification(rec))
}

// LogPublisher writes notifications to the structured log.
type LogPublisher struct {
	logger *slog.Logger
}

// NewLogPublisher returns a Publisher that only logs.
func NewLogPublisher(logger *slog.Logger) *LogPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogPublisher{logger: logger}
}

// Publish logs the notification.
func (p *LogPublisher) Publish(_ context.Context, rec models.ResolvedEvent) error {
	p.logger.Info("resolution",
		slog.String("id", rec.ID),
		slog.String("resolution", rec.ResolutionText),
		slog.String("confidence", string(rec.Confidence)),
		slog.Time("device_time", rec.DeviceTime()),
	)
	return nil
}

// Fanout delivers to every publisher and joins their errors.
type Fanout []Publisher

// Publish sends rec to all publishers even when some fail.
func (f Fanout) Publish(ctx context.Context, rec models.ResolvedEvent) error {
	var errs []error
	for _, p := range f {
		if err := p.Publish(ctx, rec); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
