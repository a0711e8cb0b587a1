package daemon

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// currentSchemaVersion is incremented when the schema changes in a way that
// requires data migration (not just adding columns).
const currentSchemaVersion = 1

const schema = `
CREATE TABLE IF NOT EXISTS snapshots (
	id               INTEGER PRIMARY KEY AUTOINCREMENT,
	ts_utc           TEXT NOT NULL,
	cpu_percent      REAL,
	mem_percent      REAL,
	mem_used_bytes   INTEGER,
	mem_avail_bytes  INTEGER,
	mem_total_bytes  INTEGER,
	disk_percent     REAL,
	disk_used_bytes  INTEGER,
	disk_free_bytes  INTEGER,
	disk_total_bytes INTEGER,
	net_sent_bps     REAL,
	net_recv_bps     REAL
);
CREATE INDEX IF NOT EXISTS idx_snapshots_ts ON snapshots(ts_utc);

CREATE TABLE IF NOT EXISTS snapshots_1m (
	bucket_start_utc TEXT PRIMARY KEY,
	avg_cpu_percent  REAL,
	avg_mem_percent  REAL,
	avg_disk_percent REAL,
	avg_net_sent_bps REAL,
	avg_net_recv_bps REAL
);

CREATE TABLE IF NOT EXISTS snapshots_15m (
	bucket_start_utc TEXT PRIMARY KEY,
	avg_cpu_percent  REAL,
	avg_mem_percent  REAL,
	avg_disk_percent REAL,
	avg_net_sent_bps REAL,
	avg_net_recv_bps REAL
);

CREATE TABLE IF NOT EXISTS alerts (
	id                  INTEGER PRIMARY KEY AUTOINCREMENT,
	ts_utc              TEXT NOT NULL,
	type                TEXT NOT NULL,
	message             TEXT NOT NULL,
	severity            TEXT NOT NULL DEFAULT 'warning',
	acknowledged        INTEGER NOT NULL DEFAULT 0,
	acknowledged_ts_utc TEXT
);
CREATE INDEX IF NOT EXISTS idx_alerts_ts ON alerts(ts_utc);

CREATE TABLE IF NOT EXISTS alert_settings (
	key   TEXT PRIMARY KEY,
	value TEXT
);

CREATE TABLE IF NOT EXISTS app_state (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS events (
	id        INTEGER PRIMARY KEY AUTOINCREMENT,
	ts_utc    TEXT NOT NULL,
	kind      TEXT NOT NULL,
	message   TEXT NOT NULL,
	severity  TEXT NOT NULL DEFAULT 'info',
	meta_json TEXT
);
CREATE INDEX IF NOT EXISTS idx_events_ts ON events(ts_utc);
`

// Store manages SQLite persistence for snapshots, alerts, events and settings.
type Store struct {
	db   *sql.DB
	path string
}

// OpenStore opens or creates a SQLite database at the given path with WAL mode.
func OpenStore(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// One connection: the scheduler and retention writers serialize here,
	// and the busy_timeout covers reader/writer contention.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 10000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy_timeout: %w", err)
	}

	// Limit SQLite page cache to ~2MB (negative = KB).
	if _, err := db.Exec("PRAGMA cache_size = -2000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set cache_size: %w", err)
	}

	s := &Store{db: db, path: path}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	if _, err := db.ExecContext(context.Background(), schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	// Restrict database file permissions to owner-only.
	if err := os.Chmod(path, 0o600); err != nil {
		slog.Warn("failed to set database file permissions", "error", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate handles schema migrations using PRAGMA user_version for tracking.
func (s *Store) migrate() error {
	var version int
	if err := s.db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("read user_version: %w", err)
	}

	if version >= currentSchemaVersion {
		return nil
	}

	// No data migrations yet; version 1 is the initial schema.

	if _, err := s.db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}
	return nil
}

// execer is satisfied by *sql.DB and *sql.Tx so insert helpers can run both
// standalone and inside the per-tick transaction.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// --- Row types ---

// Snapshot is one point-in-time host reading. Pointer fields are nil when
// the corresponding probe failed for that tick. Rollup rows are mapped into
// the same shape with the bytes fields nil.
type Snapshot struct {
	ID             int64
	TsUTC          time.Time
	CPUPercent     *float64
	MemPercent     *float64
	MemUsedBytes   *int64
	MemAvailBytes  *int64
	MemTotalBytes  *int64
	DiskPercent    *float64
	DiskUsedBytes  *int64
	DiskFreeBytes  *int64
	DiskTotalBytes *int64
	NetSentBps     *float64
	NetRecvBps     *float64
}

// Alert severity and type values are listed in alert.go.
type Alert struct {
	ID                int64
	TsUTC             time.Time
	Type              string
	Message           string
	Severity          string
	Acknowledged      bool
	AcknowledgedTsUTC *time.Time
}

// TimelineEvent is one append-only event log row. Meta is stored as JSON;
// nil means no meta was recorded (or it failed to parse on read).
type TimelineEvent struct {
	ID       int64
	TsUTC    time.Time
	Kind     string
	Message  string
	Severity string
	Meta     map[string]any
}

// CommitTick persists everything a scheduler tick produced in one
// transaction: the snapshot, state-change events, and alerts. Each alert gets
// a mirror event of kind "alert_created" in the same transaction; the mirrors
// are returned in alert order so the caller can broadcast them after commit.
func (s *Store) CommitTick(ctx context.Context, snap *Snapshot, events []*TimelineEvent, alerts []*Alert) ([]*TimelineEvent, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tick tx: %w", err)
	}
	defer tx.Rollback()

	if snap != nil {
		if err := insertSnapshot(ctx, tx, snap); err != nil {
			return nil, err
		}
	}
	for _, ev := range events {
		if err := insertEvent(ctx, tx, ev); err != nil {
			return nil, err
		}
	}

	mirrors := make([]*TimelineEvent, 0, len(alerts))
	for _, a := range alerts {
		if err := insertAlert(ctx, tx, a); err != nil {
			return nil, err
		}
		mirror := &TimelineEvent{
			TsUTC:    a.TsUTC,
			Kind:     EventAlertCreated,
			Message:  a.Message,
			Severity: a.Severity,
			Meta:     map[string]any{"alert_id": a.ID, "alert_type": a.Type},
		}
		if err := insertEvent(ctx, tx, mirror); err != nil {
			return nil, err
		}
		mirrors = append(mirrors, mirror)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit tick tx: %w", err)
	}
	return mirrors, nil
}
