package daemon

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Timeline event kinds.
const (
	EventAppStarted    = "app_started"
	EventAlertCreated  = "alert_created"
	EventAlertAck      = "alert_ack"
	EventMuteEnabled   = "mute_enabled"
	EventMuteDisabled  = "mute_disabled"
	EventPortUp        = "port_up"
	EventPortDown      = "port_down"
	EventNetworkStatus = "network_status"
)

// Severities shared by alerts and events.
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// InsertEvent appends one timeline event and assigns its ID. Meta, when
// present, is serialized to JSON.
func (s *Store) InsertEvent(ctx context.Context, ev *TimelineEvent) error {
	return insertEvent(ctx, s.db, ev)
}

func insertEvent(ctx context.Context, q execer, ev *TimelineEvent) error {
	var metaJSON any
	if ev.Meta != nil {
		data, err := json.Marshal(ev.Meta)
		if err != nil {
			return fmt.Errorf("marshal event meta: %w", err)
		}
		metaJSON = string(data)
	}
	res, err := q.ExecContext(ctx, `
		INSERT INTO events (ts_utc, kind, message, severity, meta_json)
		VALUES (?, ?, ?, ?, ?)`,
		formatTS(ev.TsUTC), ev.Kind, ev.Message, ev.Severity, metaJSON,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("event id: %w", err)
	}
	ev.ID = id
	return nil
}

// EventsSince returns events at or after since, newest first, capped at limit.
func (s *Store) EventsSince(ctx context.Context, since time.Time, limit int) ([]TimelineEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, ts_utc, kind, message, severity, meta_json
		FROM events WHERE ts_utc >= ? ORDER BY id DESC LIMIT ?`,
		formatTS(since), limit)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// LatestEvents returns the most recent events, newest first.
func (s *Store) LatestEvents(ctx context.Context, limit int) ([]TimelineEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, ts_utc, kind, message, severity, meta_json
		FROM events ORDER BY id DESC LIMIT ?`,
		limit)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

func scanEvents(rows *sql.Rows) ([]TimelineEvent, error) {
	var out []TimelineEvent
	for rows.Next() {
		var (
			ev   TimelineEvent
			ts   string
			meta sql.NullString
		)
		if err := rows.Scan(&ev.ID, &ts, &ev.Kind, &ev.Message, &ev.Severity, &meta); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		var err error
		if ev.TsUTC, err = parseTS(ts); err != nil {
			return nil, err
		}
		if meta.Valid {
			// Unparseable meta degrades to nil rather than failing the query.
			var m map[string]any
			if json.Unmarshal([]byte(meta.String), &m) == nil {
				ev.Meta = m
			}
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}
