package store

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/homesense/event-resolver/internal/models"
)

func openTestPostgres(t *testing.T) *Postgres {
	t.Helper()
	dsn := os.Getenv("HOMESENSE_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("HOMESENSE_TEST_POSTGRES_DSN not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	db, err := OpenPostgres(ctx, dsn, 4)
	if err != nil {
		t.Fatalf("open postgres: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	s := NewPostgres(db)
	if err := s.EnsureSchema(ctx); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}
	return s
}

func TestPostgresResolvedEventLifecycle(t *testing.T) {
	s := openTestPostgres(t)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Microsecond)
	rec := models.ResolvedEvent{
		ID:             uuid.NewString(),
		ResolutionName: "EVENT_Garage_Opened",
		ResolutionText: "Garage door opened",
		Confidence:     models.ConfidenceCertain,
		TreePath:       "EVENT_Garage_Opened",
		AnchorEpoch:    1000,
		CreatedAt:      now,
		LastUpdatedAt:  now,
	}
	if err := s.InsertResolvedEvent(ctx, rec); err != nil {
		t.Fatalf("insert: %v", err)
	}

	open, err := s.FetchOpenResolvedEvents(ctx, 21)
	if err != nil {
		t.Fatalf("fetch open: %v", err)
	}
	if !containsID(open, rec.ID) {
		t.Fatalf("inserted record not returned as open")
	}

	upd := models.ResolutionUpdate{
		ResolutionName: "EVENT_Garage_Closed",
		ResolutionText: "Garage opened then closed",
		Confidence:     models.ConfidenceMedium,
		TreePath:       "EVENT_Garage_Opened.EVENT_Garage_Closed",
		AnchorEpoch:    1120,
	}
	if err := s.UpdateResolvedEvent(ctx, rec.ID, upd); err != nil {
		t.Fatalf("update: %v", err)
	}

	got, err := s.GetResolvedEvent(ctx, rec.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.TreePath != upd.TreePath || got.AnchorEpoch != 1120 || got.Confidence != models.ConfidenceMedium {
		t.Fatalf("unexpected record after update: %+v", got)
	}

	history, err := s.History(ctx, rec.ID)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("expected 2 history entries, got %d", len(history))
	}

	if err := s.CloseResolvedEvent(ctx, rec.ID); err != nil {
		t.Fatalf("close: %v", err)
	}
	open, err = s.FetchOpenResolvedEvents(ctx, 21)
	if err != nil {
		t.Fatalf("fetch open: %v", err)
	}
	if containsID(open, rec.ID) {
		t.Fatalf("closed record returned as open")
	}
}

func TestPostgresUpdateMissingRecord(t *testing.T) {
	s := openTestPostgres(t)
	err := s.UpdateResolvedEvent(context.Background(), uuid.NewString(), models.ResolutionUpdate{
		ResolutionName: "EVENT_X",
		Confidence:     models.ConfidenceLow,
		TreePath:       "EVENT_X",
	})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestPostgresEvidence(t *testing.T) {
	s := openTestPostgres(t)
	ctx := context.Background()

	base := time.Now().Unix()
	if err := s.InsertRawEvent(ctx, models.RawEvent{UnitNum: 8, EventCodeType: "O", EventCode: "C", DeviceEpoch: base}); err != nil {
		t.Fatalf("insert raw event: %v", err)
	}
	if err := s.InsertUnitState(ctx, models.UnitState{UnitNum: 8, Presence: models.PresenceAbsent, DeviceEpoch: base + 1}); err != nil {
		t.Fatalf("insert unit state: %v", err)
	}

	events, err := s.FetchRawEvents(ctx, base)
	if err != nil {
		t.Fatalf("fetch raw events: %v", err)
	}
	if len(events) == 0 || events[0].DeviceEpoch < base {
		t.Fatalf("unexpected events: %+v", events)
	}
	states, err := s.FetchUnitStates(ctx, base+1)
	if err != nil {
		t.Fatalf("fetch unit states: %v", err)
	}
	if len(states) == 0 || states[0].Presence != models.PresenceAbsent {
		t.Fatalf("unexpected states: %+v", states)
	}
}

func containsID(records []models.ResolvedEvent, id string) bool {
	for _, rec := range records {
		if rec.ID == id {
			return true
		}
	}
	return false
}
