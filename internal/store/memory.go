package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/homesense/event-resolver/internal/models"
)

// Memory keeps evidence and resolutions in process. It is used for local
// development and tests and is safe for concurrent use.
type Memory struct {
	mu      sync.RWMutex
	events  []models.RawEvent
	states  []models.UnitState
	records map[string]*models.ResolvedEvent
	order   []string
	history map[string][]models.ResolutionHistoryEntry
	now     func() time.Time
}

// NewMemory returns an empty in-process store.
func NewMemory() *Memory {
	return &Memory{
		records: make(map[string]*models.ResolvedEvent),
		history: make(map[string][]models.ResolutionHistoryEntry),
		now:     time.Now,
	}
}

// InsertRawEvent records one sensor event as evidence.
func (m *Memory) InsertRawEvent(_ context.Context, ev models.RawEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
	return nil
}

// InsertUnitState records one presence report as evidence.
func (m *Memory) InsertUnitState(_ context.Context, st models.UnitState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states = append(m.states, st)
	return nil
}

// FetchRawEvents returns raw events with a device epoch at or after since, oldest first.
func (m *Memory) FetchRawEvents(_ context.Context, since int64) ([]models.RawEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []models.RawEvent
	for _, ev := range m.events {
		if ev.DeviceEpoch >= since {
			out = append(out, ev)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].DeviceEpoch < out[j].DeviceEpoch })
	return out, nil
}

// FetchUnitStates returns presence reports with a device epoch at or after since, oldest first.
func (m *Memory) FetchUnitStates(_ context.Context, since int64) ([]models.UnitState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []models.UnitState
	for _, st := range m.states {
		if st.DeviceEpoch >= since {
			out = append(out, st)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].DeviceEpoch < out[j].DeviceEpoch })
	return out, nil
}

// FetchOpenResolvedEvents returns unclosed records touched within the last maxAgeMinutes.
func (m *Memory) FetchOpenResolvedEvents(_ context.Context, maxAgeMinutes int) ([]models.ResolvedEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	cutoff := m.now().Add(-time.Duration(maxAgeMinutes) * time.Minute)
	var out []models.ResolvedEvent
	for _, id := range m.order {
		rec := m.records[id]
		if rec.Closed || rec.LastUpdatedAt.Before(cutoff) {
			continue
		}
		out = append(out, *rec)
	}
	return out, nil
}

// GetResolvedEvent returns a single record, or ErrNotFound.
func (m *Memory) GetResolvedEvent(_ context.Context, id string) (models.ResolvedEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.records[id]
	if !ok {
		return models.ResolvedEvent{}, ErrNotFound
	}
	return *rec, nil
}

// InsertResolvedEvent stores a new record and its first history entry.
func (m *Memory) InsertResolvedEvent(_ context.Context, rec models.ResolvedEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if rec.LastUpdatedAt.IsZero() {
		rec.LastUpdatedAt = m.now().UTC()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = rec.LastUpdatedAt
	}
	if _, exists := m.records[rec.ID]; !exists {
		m.order = append(m.order, rec.ID)
	}
	stored := rec
	m.records[rec.ID] = &stored
	m.history[rec.ID] = append(m.history[rec.ID], rec.HistoryEntry(rec.LastUpdatedAt))
	return nil
}

// UpdateResolvedEvent overwrites the record with a deeper match and appends to its history.
func (m *Memory) UpdateResolvedEvent(_ context.Context, id string, upd models.ResolutionUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[id]
	if !ok {
		return ErrNotFound
	}
	at := m.now().UTC()
	rec.Apply(upd, at)
	m.history[id] = append(m.history[id], rec.HistoryEntry(at))
	return nil
}

// CloseResolvedEvent marks a record closed so it is no longer refined.
func (m *Memory) CloseResolvedEvent(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[id]
	if !ok {
		return ErrNotFound
	}
	rec.Closed = true
	return nil
}

// History returns every state a record passed through, oldest first.
func (m *Memory) History(_ context.Context, id string) ([]models.ResolutionHistoryEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]models.ResolutionHistoryEntry(nil), m.history[id]...), nil
}
