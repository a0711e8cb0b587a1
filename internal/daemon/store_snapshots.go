package daemon

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

const snapshotColumns = `id, ts_utc, cpu_percent, mem_percent,
	mem_used_bytes, mem_avail_bytes, mem_total_bytes,
	disk_percent, disk_used_bytes, disk_free_bytes, disk_total_bytes,
	net_sent_bps, net_recv_bps`

// InsertSnapshot stores one raw sample and assigns its ID.
func (s *Store) InsertSnapshot(ctx context.Context, snap *Snapshot) error {
	return insertSnapshot(ctx, s.db, snap)
}

func insertSnapshot(ctx context.Context, q execer, snap *Snapshot) error {
	res, err := q.ExecContext(ctx, `
		INSERT INTO snapshots (ts_utc, cpu_percent, mem_percent,
			mem_used_bytes, mem_avail_bytes, mem_total_bytes,
			disk_percent, disk_used_bytes, disk_free_bytes, disk_total_bytes,
			net_sent_bps, net_recv_bps)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		formatTS(snap.TsUTC),
		snap.CPUPercent, snap.MemPercent,
		snap.MemUsedBytes, snap.MemAvailBytes, snap.MemTotalBytes,
		snap.DiskPercent, snap.DiskUsedBytes, snap.DiskFreeBytes, snap.DiskTotalBytes,
		snap.NetSentBps, snap.NetRecvBps,
	)
	if err != nil {
		return fmt.Errorf("insert snapshot: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("snapshot id: %w", err)
	}
	snap.ID = id
	return nil
}

// LatestSnapshot returns the most recently inserted sample, or nil when the
// table is empty.
func (s *Store) LatestSnapshot(ctx context.Context) (*Snapshot, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+snapshotColumns+` FROM snapshots ORDER BY id DESC LIMIT 1`)
	snap, err := scanSnapshot(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest snapshot: %w", err)
	}
	return snap, nil
}

// SnapshotHistory returns raw samples at or after since, ascending.
func (s *Store) SnapshotHistory(ctx context.Context, since time.Time) ([]Snapshot, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+snapshotColumns+` FROM snapshots WHERE ts_utc >= ? ORDER BY ts_utc ASC`,
		formatTS(since))
	if err != nil {
		return nil, fmt.Errorf("query snapshots: %w", err)
	}
	defer rows.Close()

	var out []Snapshot
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}
		out = append(out, *snap)
	}
	return out, rows.Err()
}

// SnapshotHistory1m returns 1-minute rollups at or after since, ascending,
// mapped into the Snapshot shape (bytes fields nil).
func (s *Store) SnapshotHistory1m(ctx context.Context, since time.Time) ([]Snapshot, error) {
	return s.rollupHistory(ctx, "snapshots_1m", since)
}

// SnapshotHistory15m returns 15-minute rollups at or after since, ascending.
func (s *Store) SnapshotHistory15m(ctx context.Context, since time.Time) ([]Snapshot, error) {
	return s.rollupHistory(ctx, "snapshots_15m", since)
}

func (s *Store) rollupHistory(ctx context.Context, table string, since time.Time) ([]Snapshot, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT bucket_start_utc, avg_cpu_percent, avg_mem_percent, avg_disk_percent,
			avg_net_sent_bps, avg_net_recv_bps
		FROM `+table+` WHERE bucket_start_utc >= ? ORDER BY bucket_start_utc ASC`,
		formatTS(since))
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", table, err)
	}
	defer rows.Close()

	var out []Snapshot
	for rows.Next() {
		var bucket string
		var cpu, mem, disk, sent, recv sql.NullFloat64
		if err := rows.Scan(&bucket, &cpu, &mem, &disk, &sent, &recv); err != nil {
			return nil, fmt.Errorf("scan %s: %w", table, err)
		}
		ts, err := parseTS(bucket)
		if err != nil {
			return nil, err
		}
		out = append(out, Snapshot{
			TsUTC:       ts,
			CPUPercent:  nullFloat(cpu),
			MemPercent:  nullFloat(mem),
			DiskPercent: nullFloat(disk),
			NetSentBps:  nullFloat(sent),
			NetRecvBps:  nullFloat(recv),
		})
	}
	return out, rows.Err()
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanSnapshot(r rowScanner) (*Snapshot, error) {
	var (
		ts                            string
		cpu, mem, disk, sent, recv    sql.NullFloat64
		memUsed, memAvail, memTotal   sql.NullInt64
		diskUsed, diskFree, diskTotal sql.NullInt64
		snap                          Snapshot
	)
	err := r.Scan(&snap.ID, &ts, &cpu, &mem,
		&memUsed, &memAvail, &memTotal,
		&disk, &diskUsed, &diskFree, &diskTotal,
		&sent, &recv)
	if err != nil {
		return nil, err
	}
	snap.TsUTC, err = parseTS(ts)
	if err != nil {
		return nil, err
	}
	snap.CPUPercent = nullFloat(cpu)
	snap.MemPercent = nullFloat(mem)
	snap.MemUsedBytes = nullInt(memUsed)
	snap.MemAvailBytes = nullInt(memAvail)
	snap.MemTotalBytes = nullInt(memTotal)
	snap.DiskPercent = nullFloat(disk)
	snap.DiskUsedBytes = nullInt(diskUsed)
	snap.DiskFreeBytes = nullInt(diskFree)
	snap.DiskTotalBytes = nullInt(diskTotal)
	snap.NetSentBps = nullFloat(sent)
	snap.NetRecvBps = nullFloat(recv)
	return &snap, nil
}

func nullFloat(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}

func nullInt(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	i := v.Int64
	return &i
}
