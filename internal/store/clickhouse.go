package store

import (
	"context"
	"fmt"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/homesense/event-resolver/internal/models"
)

// ClickHouse reads sensor evidence from a ClickHouse telemetry database.
type ClickHouse struct {
	conn driver.Conn
}

// NewClickHouse opens a ClickHouse connection for evidence queries.
func NewClickHouse(ctx context.Context, dsn string) (*ClickHouse, error) {
	opts, err := clickhouse.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("NewClickHouse: %w", err)
	}

	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("NewClickHouse: %w", err)
	}
	if err := conn.Ping(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("NewClickHouse: %w", err)
	}
	return &ClickHouse{conn: conn}, nil
}

// Close closes the ClickHouse connection.
func (c *ClickHouse) Close() error {
	return c.conn.Close()
}

// FetchRawEvents returns raw events with a device epoch at or after since, oldest first.
func (c *ClickHouse) FetchRawEvents(ctx context.Context, since int64) ([]models.RawEvent, error) {
	rows, err := c.conn.Query(ctx, `
		SELECT unit_num, event_code_type, event_code, device_epoch
		FROM raw_events
		WHERE device_epoch >= @since
		ORDER BY device_epoch`,
		clickhouse.Named("since", since),
	)
	if err != nil {
		return nil, fmt.Errorf("FetchRawEvents: %w", err)
	}
	defer rows.Close()

	var events []models.RawEvent
	for rows.Next() {
		var (
			unit uint32
			ev   models.RawEvent
		)
		if err := rows.Scan(&unit, &ev.EventCodeType, &ev.EventCode, &ev.DeviceEpoch); err != nil {
			return nil, fmt.Errorf("FetchRawEvents scan: %w", err)
		}
		ev.UnitNum = int(unit)
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("FetchRawEvents rows: %w", err)
	}
	return events, nil
}

// FetchUnitStates returns presence reports with a device epoch at or after since, oldest first.
func (c *ClickHouse) FetchUnitStates(ctx context.Context, since int64) ([]models.UnitState, error) {
	rows, err := c.conn.Query(ctx, `
		SELECT unit_num, presence, device_epoch
		FROM unit_states
		WHERE device_epoch >= @since
		ORDER BY device_epoch`,
		clickhouse.Named("since", since),
	)
	if err != nil {
		return nil, fmt.Errorf("FetchUnitStates: %w", err)
	}
	defer rows.Close()

	var states []models.UnitState
	for rows.Next() {
		var (
			unit     uint32
			presence string
			st       models.UnitState
		)
		if err := rows.Scan(&unit, &presence, &st.DeviceEpoch); err != nil {
			return nil, fmt.Errorf("FetchUnitStates scan: %w", err)
		}
		st.UnitNum = int(unit)
		st.Presence = models.Presence(presence)
		states = append(states, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("FetchUnitStates rows: %w", err)
	}
	return states, nil
}
