package daemon

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Retention tuning. Rollups lag behind the clock so late raw rows still land
// in their bucket, and each pass is span-capped so a daemon that was down for
// days catches up in bounded transactions.
const (
	retentionInterval = time.Minute

	rawRetention  = 24 * time.Hour
	r1mRetention  = 7 * 24 * time.Hour
	r15mRetention = 30 * 24 * time.Hour

	rollup1mLag  = 2 * time.Minute
	rollup15mLag = 20 * time.Minute

	rollup1mMaxSpan  = 6 * time.Hour
	rollup15mMaxSpan = 48 * time.Hour

	// Oldest data the first pass on a fresh database will consider. The
	// initial cursor is the earliest source row, clamped to this horizon.
	rollupBackfillHorizon = 30 * 24 * time.Hour
)

const rollup1mSQL = `
INSERT INTO snapshots_1m (bucket_start_utc, avg_cpu_percent, avg_mem_percent,
	avg_disk_percent, avg_net_sent_bps, avg_net_recv_bps)
SELECT substr(ts_utc, 1, 16) || ':00.000000+00:00',
	AVG(cpu_percent), AVG(mem_percent), AVG(disk_percent),
	AVG(net_sent_bps), AVG(net_recv_bps)
FROM snapshots
WHERE ts_utc >= ? AND ts_utc < ?
GROUP BY substr(ts_utc, 1, 16)
ON CONFLICT(bucket_start_utc) DO UPDATE SET
	avg_cpu_percent  = excluded.avg_cpu_percent,
	avg_mem_percent  = excluded.avg_mem_percent,
	avg_disk_percent = excluded.avg_disk_percent,
	avg_net_sent_bps = excluded.avg_net_sent_bps,
	avg_net_recv_bps = excluded.avg_net_recv_bps`

const rollup15mSQL = `
INSERT INTO snapshots_15m (bucket_start_utc, avg_cpu_percent, avg_mem_percent,
	avg_disk_percent, avg_net_sent_bps, avg_net_recv_bps)
SELECT printf('%s%02d:00.000000+00:00', substr(bucket_start_utc, 1, 14),
		(CAST(substr(bucket_start_utc, 15, 2) AS INTEGER) / 15) * 15),
	AVG(avg_cpu_percent), AVG(avg_mem_percent), AVG(avg_disk_percent),
	AVG(avg_net_sent_bps), AVG(avg_net_recv_bps)
FROM snapshots_1m
WHERE bucket_start_utc >= ? AND bucket_start_utc < ?
GROUP BY 1
ON CONFLICT(bucket_start_utc) DO UPDATE SET
	avg_cpu_percent  = excluded.avg_cpu_percent,
	avg_mem_percent  = excluded.avg_mem_percent,
	avg_disk_percent = excluded.avg_disk_percent,
	avg_net_sent_bps = excluded.avg_net_sent_bps,
	avg_net_recv_bps = excluded.avg_net_recv_bps`

// RetentionService periodically rolls raw samples up into 1-minute and
// 15-minute averages and prunes each tier past its retention. Rollup cursors
// live in app_state so a restart resumes where the last pass finished, and
// pruning never outruns a cursor: raw rows survive until their 1-minute
// bucket is written, 1-minute rows until their 15-minute bucket is.
type RetentionService struct {
	store *Store
	now   func() time.Time

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewRetentionService creates the service over the shared store.
func NewRetentionService(store *Store) *RetentionService {
	return &RetentionService{store: store, now: time.Now}
}

// Start launches the periodic pass. Calling Start on a running service is a
// no-op.
func (r *RetentionService) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.done = make(chan struct{})

	go r.run(ctx)
	slog.Info("retention started", "interval", retentionInterval)
}

// Stop halts the service and waits for an in-flight pass.
func (r *RetentionService) Stop() {
	r.mu.Lock()
	cancel, done := r.cancel, r.done
	r.cancel, r.done = nil, nil
	r.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	slog.Info("retention stopped")
}

func (r *RetentionService) run(ctx context.Context) {
	defer close(r.done)

	ticker := time.NewTicker(retentionInterval)
	defer ticker.Stop()

	for {
		if err := r.RunOnce(ctx); err != nil && ctx.Err() == nil {
			slog.Error("retention pass failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RunOnce executes one rollup-and-prune pass in a single transaction, so a
// crash mid-pass leaves the cursors and tables consistent. Re-running a pass
// is idempotent: finished buckets are upserted with identical averages.
func (r *RetentionService) RunOnce(ctx context.Context) error {
	now := r.now()

	tx, err := r.store.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin retention tx: %w", err)
	}
	defer tx.Rollback()

	cursor1m, err := r.rollup(ctx, tx, rollupTier{
		cursorKey: stateRollup1mCursor,
		query:     rollup1mSQL,
		minSQL:    `SELECT MIN(ts_utc) FROM snapshots`,
		floor:     floorMinute,
		lagged:    now.Add(-rollup1mLag),
		maxSpan:   rollup1mMaxSpan,
	}, now)
	if err != nil {
		return err
	}
	cursor15m, err := r.rollup(ctx, tx, rollupTier{
		cursorKey: stateRollup15mCursor,
		query:     rollup15mSQL,
		minSQL:    `SELECT MIN(bucket_start_utc) FROM snapshots_1m`,
		floor:     floor15m,
		lagged:    now.Add(-rollup15mLag),
		maxSpan:   rollup15mMaxSpan,
	}, now)
	if err != nil {
		return err
	}

	// Prune behind both the retention horizon and the rollup cursor, so no
	// row disappears before it was aggregated.
	rawCutoff := minTime(now.Add(-rawRetention), cursor1m)
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM snapshots WHERE ts_utc < ?`, formatTS(rawCutoff)); err != nil {
		return fmt.Errorf("prune snapshots: %w", err)
	}

	cutoff1m := minTime(now.Add(-r1mRetention), cursor15m)
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM snapshots_1m WHERE bucket_start_utc < ?`, formatTS(cutoff1m)); err != nil {
		return fmt.Errorf("prune snapshots_1m: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM snapshots_15m WHERE bucket_start_utc < ?`,
		formatTS(now.Add(-r15mRetention))); err != nil {
		return fmt.Errorf("prune snapshots_15m: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit retention tx: %w", err)
	}
	return nil
}

// rollupTier describes one aggregation step (raw->1m or 1m->15m).
type rollupTier struct {
	cursorKey string
	query     string
	minSQL    string
	floor     func(time.Time) time.Time
	lagged    time.Time
	maxSpan   time.Duration
}

// rollup advances one tier inside tx and returns the new cursor (the start of
// the next unprocessed bucket). With no stored cursor the start is the
// earliest source row, clamped to the backfill horizon; the end is the lagged
// clock, bucket-floored and span-capped.
func (r *RetentionService) rollup(ctx context.Context, tx *sql.Tx, tier rollupTier, now time.Time) (time.Time, error) {
	var start time.Time
	if raw, ok, err := getState(ctx, tx, tier.cursorKey); err != nil {
		return time.Time{}, err
	} else if ok {
		parsed, err := parseTS(raw)
		if err != nil {
			return time.Time{}, fmt.Errorf("cursor %s: %w", tier.cursorKey, err)
		}
		start = tier.floor(parsed)
	} else {
		var minTS sql.NullString
		if err := tx.QueryRowContext(ctx, tier.minSQL).Scan(&minTS); err != nil {
			return time.Time{}, fmt.Errorf("source min for %s: %w", tier.cursorKey, err)
		}
		if !minTS.Valid {
			// Nothing to roll up yet; hold the cursor at the lagged clock so
			// pruning stays pinned to the retention horizon alone.
			return tier.floor(tier.lagged), nil
		}
		parsed, err := parseTS(minTS.String)
		if err != nil {
			return time.Time{}, fmt.Errorf("source min for %s: %w", tier.cursorKey, err)
		}
		start = tier.floor(parsed)
		if horizon := tier.floor(now.Add(-rollupBackfillHorizon)); start.Before(horizon) {
			start = horizon
		}
	}

	end := tier.floor(tier.lagged)
	if capped := start.Add(tier.maxSpan); end.After(capped) {
		end = capped
	}
	if !end.After(start) {
		return start, nil
	}

	if _, err := tx.ExecContext(ctx, tier.query, formatTS(start), formatTS(end)); err != nil {
		return time.Time{}, fmt.Errorf("rollup %s: %w", tier.cursorKey, err)
	}
	if err := setState(ctx, tx, tier.cursorKey, formatTS(end)); err != nil {
		return time.Time{}, err
	}
	return end, nil
}

func minTime(a, b time.Time) time.Time {
	if a.Before(b) {
		return a
	}
	return b
}
