package ingest

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/homesense/event-resolver/internal/metrics"
	"github.com/homesense/event-resolver/internal/models"
)

// EventResolver opens resolved events for incoming raw events.
type EventResolver interface {
	OnRawEvent(ctx context.Context, ev models.RawEvent) (*models.ResolvedEvent, error)
}

// EvidenceRecorder persists inbound evidence so later resolution cycles can read it.
type EvidenceRecorder interface {
	InsertRawEvent(ctx context.Context, ev models.RawEvent) error
	InsertUnitState(ctx context.Context, st models.UnitState) error
}

// Handler consumes one raw payload from a transport.
type Handler interface {
	Handle(ctx context.Context, source string, payload []byte) error
}

// Dispatcher decodes payloads, records evidence and hands events to the resolver.
type Dispatcher struct {
	logger   *slog.Logger
	resolver EventResolver
	recorder EvidenceRecorder
}

// NewDispatcher builds a Dispatcher. recorder may be nil when evidence is
// written by another system.
func NewDispatcher(logger *slog.Logger, resolver EventResolver, recorder EvidenceRecorder) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{logger: logger, resolver: resolver, recorder: recorder}
}

// Handle decodes payload and dispatches it. Malformed payloads return an error wrapping ErrMalformed.
func (d *Dispatcher) Handle(ctx context.Context, source string, payload []byte) error {
	msg, err := Decode(payload)
	if err != nil {
		metrics.ObserveIngest(source, metrics.OutcomeMalformed)
		d.logger.Warn("dropping malformed sensor message", slog.String("source", source), slog.Any("error", err))
		return err
	}
	_, err = d.Dispatch(ctx, source, msg)
	return err
}

// Dispatch processes an already decoded message and returns the resolved event it opened, if any.
func (d *Dispatcher) Dispatch(ctx context.Context, source string, msg Message) (*models.ResolvedEvent, error) {
	switch {
	case msg.State != nil:
		if d.recorder == nil {
			d.logger.Debug("unit state ignored; no evidence recorder", slog.Int("unit", msg.State.UnitNum))
			metrics.ObserveIngest(source, metrics.OutcomeAccepted)
			return nil, nil
		}
		if err := d.recorder.InsertUnitState(ctx, *msg.State); err != nil {
			metrics.ObserveIngest(source, metrics.OutcomeError)
			return nil, fmt.Errorf("record unit state: %w", err)
		}
		metrics.ObserveIngest(source, metrics.OutcomeAccepted)
		return nil, nil

	case msg.Event != nil:
		if d.recorder != nil {
			if err := d.recorder.InsertRawEvent(ctx, *msg.Event); err != nil {
				metrics.ObserveIngest(source, metrics.OutcomeError)
				return nil, fmt.Errorf("record raw event: %w", err)
			}
		}
		rec, err := d.resolver.OnRawEvent(ctx, *msg.Event)
		if err != nil {
			metrics.ObserveIngest(source, metrics.OutcomeError)
			return nil, err
		}
		metrics.ObserveIngest(source, metrics.OutcomeAccepted)
		return rec, nil

	default:
		metrics.ObserveIngest(source, metrics.OutcomeMalformed)
		return nil, fmt.Errorf("%w: empty message", ErrMalformed)
	}
}
