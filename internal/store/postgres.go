package store

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // Register pgx as database/sql driver

	"github.com/homesense/event-resolver/internal/models"
)

//go:embed schema.sql
var schemaSQL string

// ErrNotFound is returned when a resolved event id does not exist.
var ErrNotFound = models.ErrResolvedEventNotFound

// Postgres is the durable evidence and resolution store.
type Postgres struct {
	db *sql.DB
}

// OpenPostgres opens a pgx connection pool and verifies it is reachable.
func OpenPostgres(ctx context.Context, dsn string, maxOpenConns int) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("OpenPostgres: %w", err)
	}
	if maxOpenConns <= 0 {
		maxOpenConns = 10
	}
	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxOpenConns / 2)
	db.SetConnMaxLifetime(5 * time.Minute)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("OpenPostgres ping: %w", err)
	}
	return db, nil
}

// NewPostgres creates a store backed by the given connection pool.
func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

// EnsureSchema creates tables and indexes that do not exist yet.
func (s *Postgres) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("EnsureSchema: %w", err)
	}
	return nil
}

// InsertRawEvent records one sensor event as evidence.
func (s *Postgres) InsertRawEvent(ctx context.Context, ev models.RawEvent) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO raw_events (unit_num, event_code_type, event_code, device_epoch)
		VALUES ($1, $2, $3, $4)`,
		ev.UnitNum, ev.EventCodeType, ev.EventCode, ev.DeviceEpoch,
	)
	if err != nil {
		return fmt.Errorf("InsertRawEvent: %w", err)
	}
	return nil
}

// InsertUnitState records one presence report as evidence.
func (s *Postgres) InsertUnitState(ctx context.Context, st models.UnitState) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO unit_states (unit_num, presence, device_epoch)
		VALUES ($1, $2, $3)`,
		st.UnitNum, string(st.Presence), st.DeviceEpoch,
	)
	if err != nil {
		return fmt.Errorf("InsertUnitState: %w", err)
	}
	return nil
}

// FetchRawEvents returns raw events with a device epoch at or after since, oldest first.
func (s *Postgres) FetchRawEvents(ctx context.Context, since int64) ([]models.RawEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT unit_num, event_code_type, event_code, device_epoch
		FROM raw_events
		WHERE device_epoch >= $1
		ORDER BY device_epoch, id`, since,
	)
	if err != nil {
		return nil, fmt.Errorf("FetchRawEvents: %w", err)
	}
	defer rows.Close()

	var events []models.RawEvent
	for rows.Next() {
		var ev models.RawEvent
		if err := rows.Scan(&ev.UnitNum, &ev.EventCodeType, &ev.EventCode, &ev.DeviceEpoch); err != nil {
			return nil, fmt.Errorf("FetchRawEvents scan: %w", err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("FetchRawEvents rows: %w", err)
	}
	return events, nil
}

// FetchUnitStates returns presence reports with a device epoch at or after since, oldest first.
func (s *Postgres) FetchUnitStates(ctx context.Context, since int64) ([]models.UnitState, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT unit_num, presence, device_epoch
		FROM unit_states
		WHERE device_epoch >= $1
		ORDER BY device_epoch, id`, since,
	)
	if err != nil {
		return nil, fmt.Errorf("FetchUnitStates: %w", err)
	}
	defer rows.Close()

	var states []models.UnitState
	for rows.Next() {
		var (
			st       models.UnitState
			presence string
		)
		if err := rows.Scan(&st.UnitNum, &presence, &st.DeviceEpoch); err != nil {
			return nil, fmt.Errorf("FetchUnitStates scan: %w", err)
		}
		st.Presence = models.Presence(presence)
		states = append(states, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("FetchUnitStates rows: %w", err)
	}
	return states, nil
}

// FetchOpenResolvedEvents returns unclosed records touched within the last maxAgeMinutes.
func (s *Postgres) FetchOpenResolvedEvents(ctx context.Context, maxAgeMinutes int) ([]models.ResolvedEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, resolution_name, resolution_text, confidence, tree_path, closed,
		       anchor_epoch, created_at, last_updated_at
		FROM resolved_events
		WHERE NOT closed AND last_updated_at >= now() - make_interval(mins => $1)
		ORDER BY created_at, id`, maxAgeMinutes,
	)
	if err != nil {
		return nil, fmt.Errorf("FetchOpenResolvedEvents: %w", err)
	}
	defer rows.Close()

	var records []models.ResolvedEvent
	for rows.Next() {
		rec, err := scanResolvedEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("FetchOpenResolvedEvents scan: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("FetchOpenResolvedEvents rows: %w", err)
	}
	return records, nil
}

// GetResolvedEvent returns a single record, or ErrNotFound.
func (s *Postgres) GetResolvedEvent(ctx context.Context, id string) (models.ResolvedEvent, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, resolution_name, resolution_text, confidence, tree_path, closed,
		       anchor_epoch, created_at, last_updated_at
		FROM resolved_events WHERE id = $1`, id,
	)
	rec, err := scanResolvedEvent(row)
	if err == sql.ErrNoRows {
		return models.ResolvedEvent{}, ErrNotFound
	}
	if err != nil {
		return models.ResolvedEvent{}, fmt.Errorf("GetResolvedEvent: %w", err)
	}
	return rec, nil
}

// InsertResolvedEvent stores a new record and its first history entry.
func (s *Postgres) InsertResolvedEvent(ctx context.Context, rec models.ResolvedEvent) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("InsertResolvedEvent: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO resolved_events
			(id, resolution_name, resolution_text, confidence, tree_path, closed, anchor_epoch, created_at, last_updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		rec.ID, rec.ResolutionName, rec.ResolutionText, string(rec.Confidence), rec.TreePath,
		rec.Closed, rec.AnchorEpoch, rec.CreatedAt, rec.LastUpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("InsertResolvedEvent: %w", err)
	}
	if err := insertHistory(ctx, tx, rec.HistoryEntry(rec.LastUpdatedAt)); err != nil {
		return fmt.Errorf("InsertResolvedEvent: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("InsertResolvedEvent commit: %w", err)
	}
	return nil
}

// UpdateResolvedEvent overwrites the record with a deeper match and appends
// the new state to its history in one transaction.
func (s *Postgres) UpdateResolvedEvent(ctx context.Context, id string, upd models.ResolutionUpdate) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("UpdateResolvedEvent: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `
		UPDATE resolved_events SET
			resolution_name = $2,
			resolution_text = $3,
			confidence      = $4,
			tree_path       = $5,
			anchor_epoch    = $6,
			last_updated_at = now()
		WHERE id = $1
		RETURNING id, resolution_name, resolution_text, confidence, tree_path, closed,
		          anchor_epoch, created_at, last_updated_at`,
		id, upd.ResolutionName, upd.ResolutionText, string(upd.Confidence), upd.TreePath, upd.AnchorEpoch,
	)
	rec, err := scanResolvedEvent(row)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("UpdateResolvedEvent: %w", err)
	}
	if err := insertHistory(ctx, tx, rec.HistoryEntry(rec.LastUpdatedAt)); err != nil {
		return fmt.Errorf("UpdateResolvedEvent: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("UpdateResolvedEvent commit: %w", err)
	}
	return nil
}

// CloseResolvedEvent marks a record closed so it is no longer refined.
func (s *Postgres) CloseResolvedEvent(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE resolved_events SET closed = true WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("CloseResolvedEvent: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("CloseResolvedEvent: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// History returns every state a record passed through, oldest first.
func (s *Postgres) History(ctx context.Context, id string) ([]models.ResolutionHistoryEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT resolved_event_id, resolution_name, resolution_text, confidence, tree_path, anchor_epoch, recorded_at
		FROM resolution_history
		WHERE resolved_event_id = $1
		ORDER BY recorded_at, id`, id,
	)
	if err != nil {
		return nil, fmt.Errorf("History: %w", err)
	}
	defer rows.Close()

	var entries []models.ResolutionHistoryEntry
	for rows.Next() {
		var (
			e          models.ResolutionHistoryEntry
			confidence string
		)
		if err := rows.Scan(&e.ResolvedEventID, &e.ResolutionName, &e.ResolutionText, &confidence,
			&e.TreePath, &e.AnchorEpoch, &e.RecordedAt); err != nil {
			return nil, fmt.Errorf("History scan: %w", err)
		}
		e.Confidence = models.Confidence(confidence)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("History rows: %w", err)
	}
	return entries, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanResolvedEvent(row rowScanner) (models.ResolvedEvent, error) {
	var (
		rec        models.ResolvedEvent
		confidence string
	)
	err := row.Scan(&rec.ID, &rec.ResolutionName, &rec.ResolutionText, &confidence, &rec.TreePath,
		&rec.Closed, &rec.AnchorEpoch, &rec.CreatedAt, &rec.LastUpdatedAt)
	if err != nil {
		return models.ResolvedEvent{}, err
	}
	rec.Confidence = models.Confidence(confidence)
	return rec, nil
}

func insertHistory(ctx context.Context, tx *sql.Tx, e models.ResolutionHistoryEntry) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO resolution_history
			(resolved_event_id, resolution_name, resolution_text, confidence, tree_path, anchor_epoch, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		e.ResolvedEventID, e.ResolutionName, e.ResolutionText, string(e.Confidence), e.TreePath, e.AnchorEpoch, e.RecordedAt,
	)
	if err != nil {
		return fmt.Errorf("insert history: %w", err)
	}
	return nil
}
