package daemon

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Reserved alert_settings keys.
const settingMuteUntil = "mute_until_utc"

// Reserved app_state keys.
const (
	stateActiveProfile   = "active_profile_name"
	stateRollup1mCursor  = "rollup_raw_to_1m_next_start_utc"
	stateRollup15mCursor = "rollup_1m_to_15m_next_start_utc"
)

// InsertAlert stores an alert and assigns its ID.
func (s *Store) InsertAlert(ctx context.Context, a *Alert) error {
	return insertAlert(ctx, s.db, a)
}

func insertAlert(ctx context.Context, q execer, a *Alert) error {
	var ackTS any
	if a.AcknowledgedTsUTC != nil {
		ackTS = formatTS(*a.AcknowledgedTsUTC)
	}
	res, err := q.ExecContext(ctx, `
		INSERT INTO alerts (ts_utc, type, message, severity, acknowledged, acknowledged_ts_utc)
		VALUES (?, ?, ?, ?, ?, ?)`,
		formatTS(a.TsUTC), a.Type, a.Message, a.Severity, boolInt(a.Acknowledged), ackTS,
	)
	if err != nil {
		return fmt.Errorf("insert alert: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("alert id: %w", err)
	}
	a.ID = id
	return nil
}

// RecentAlerts returns the newest alerts first. When includeAck is false,
// acknowledged alerts are filtered out.
func (s *Store) RecentAlerts(ctx context.Context, limit int, includeAck bool) ([]Alert, error) {
	query := `SELECT id, ts_utc, type, message, severity, acknowledged, acknowledged_ts_utc
		FROM alerts`
	if !includeAck {
		query += ` WHERE acknowledged = 0`
	}
	query += ` ORDER BY id DESC LIMIT ?`

	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("query alerts: %w", err)
	}
	defer rows.Close()

	var out []Alert
	for rows.Next() {
		var (
			a     Alert
			ts    string
			ack   int
			ackTS sql.NullString
		)
		if err := rows.Scan(&a.ID, &ts, &a.Type, &a.Message, &a.Severity, &ack, &ackTS); err != nil {
			return nil, fmt.Errorf("scan alert: %w", err)
		}
		if a.TsUTC, err = parseTS(ts); err != nil {
			return nil, err
		}
		a.Acknowledged = ack != 0
		if ackTS.Valid {
			t, err := parseTS(ackTS.String)
			if err != nil {
				return nil, err
			}
			a.AcknowledgedTsUTC = &t
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// AcknowledgeAlert marks an alert acknowledged at ts. Returns false when the
// alert does not exist or was already acknowledged, so a second ack of the
// same ID reports false while the row stays acknowledged.
func (s *Store) AcknowledgeAlert(ctx context.Context, id int64, ts time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE alerts SET acknowledged = 1, acknowledged_ts_utc = ?
		WHERE id = ? AND acknowledged = 0`,
		formatTS(ts), id,
	)
	if err != nil {
		return false, fmt.Errorf("ack alert: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("ack alert rows: %w", err)
	}
	return n > 0, nil
}

// GetSetting reads one alert_settings value. ok is false when the key is absent.
func (s *Store) GetSetting(ctx context.Context, key string) (value string, ok bool, err error) {
	err = s.db.QueryRowContext(ctx,
		`SELECT value FROM alert_settings WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get setting %q: %w", key, err)
	}
	return value, true, nil
}

// SetSetting writes one alert_settings value, replacing any previous one.
func (s *Store) SetSetting(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO alert_settings (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, value,
	)
	if err != nil {
		return fmt.Errorf("set setting %q: %w", key, err)
	}
	return nil
}

// ClearSetting deletes one alert_settings key. Missing keys are a no-op.
func (s *Store) ClearSetting(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM alert_settings WHERE key = ?`, key); err != nil {
		return fmt.Errorf("clear setting %q: %w", key, err)
	}
	return nil
}

// GetState reads one app_state value. ok is false when the key is absent.
func (s *Store) GetState(ctx context.Context, key string) (string, bool, error) {
	return getState(ctx, s.db, key)
}

// SetState writes one app_state value.
func (s *Store) SetState(ctx context.Context, key, value string) error {
	return setState(ctx, s.db, key, value)
}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getState(ctx context.Context, q querier, key string) (string, bool, error) {
	var value string
	err := q.QueryRowContext(ctx,
		`SELECT value FROM app_state WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get state %q: %w", key, err)
	}
	return value, true, nil
}

func setState(ctx context.Context, q execer, key, value string) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO app_state (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, value,
	)
	if err != nil {
		return fmt.Errorf("set state %q: %w", key, err)
	}
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
