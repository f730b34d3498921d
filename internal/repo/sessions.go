package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"pairengine/internal/errs"
)

const windowColumns = `id, business_date, idx, starts_at, ends_at, status, owner, lease_until_ms, attempts, config_version, started_at, completed_at, last_error, updated_at`

func scanWindow(row interface{ Scan(...any) error }) (*SessionWindow, error) {
	var w SessionWindow
	var started, completed sql.NullTime
	if err := row.Scan(&w.ID, &w.BusinessDate, &w.Index, &w.StartsAt, &w.EndsAt, &w.Status, &w.Owner, &w.LeaseUntilMS, &w.Attempts, &w.ConfigVersion, &started, &completed, &w.LastError, &w.UpdatedAt); err != nil {
		return nil, err
	}
	if started.Valid {
		w.StartedAt = &started.Time
	}
	if completed.Valid {
		w.CompletedAt = &completed.Time
	}
	return &w, nil
}

// EnsureWindow creates the window row in scheduled state if it does not exist.
func (q *Queries) EnsureWindow(ctx context.Context, w SessionWindow) error {
	const stmt = `
INSERT INTO session_windows (id, business_date, idx, starts_at, ends_at, status, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (id) DO NOTHING;
`
	if _, err := q.exec(ctx, stmt, w.ID, w.BusinessDate, w.Index, w.StartsAt.UTC(), w.EndsAt.UTC(), WindowScheduled, time.Now().UTC()); err != nil {
		return fmt.Errorf("ensure window: %w", err)
	}
	return nil
}

// GetWindow loads a window by id.
func (q *Queries) GetWindow(ctx context.Context, id string) (*SessionWindow, error) {
	w, err := scanWindow(q.queryRow(ctx, `SELECT `+windowColumns+` FROM session_windows WHERE id = ?;`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("window %s: %w", id, errs.ErrNotFound)
		}
		return nil, fmt.Errorf("get window: %w", err)
	}
	return w, nil
}

// ListWindows returns the windows of one business date.
func (q *Queries) ListWindows(ctx context.Context, businessDate string) ([]SessionWindow, error) {
	return q.listWindows(ctx, `SELECT `+windowColumns+` FROM session_windows WHERE business_date = ? ORDER BY idx ASC;`, businessDate)
}

// ListUnfinishedBefore returns windows of business dates before businessDate
// that never completed, oldest first.
func (q *Queries) ListUnfinishedBefore(ctx context.Context, businessDate string) ([]SessionWindow, error) {
	return q.listWindows(ctx, `SELECT `+windowColumns+` FROM session_windows WHERE business_date < ? AND status <> ? ORDER BY business_date ASC, idx ASC;`,
		businessDate, WindowCompleted)
}

func (q *Queries) listWindows(ctx context.Context, stmt string, args ...any) ([]SessionWindow, error) {
	rows, err := q.query(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("list windows: %w", err)
	}
	defer rows.Close()

	var res []SessionWindow
	for rows.Next() {
		w, err := scanWindow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan window: %w", err)
		}
		res = append(res, *w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate windows: %w", err)
	}
	return res, nil
}

// CountStuckWindows counts windows left running with an expired lease.
func (q *Queries) CountStuckWindows(ctx context.Context, nowMS int64) (int, error) {
	var n int
	err := q.queryRow(ctx, `SELECT COUNT(*) FROM session_windows WHERE status = ? AND lease_until_ms < ?;`, WindowRunning, nowMS).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count stuck windows: %w", err)
	}
	return n, nil
}

// AcquireWindow moves the window to running for owner until leaseUntilMS.
// It fails when another owner holds a live lease. A completed window is only
// reacquired when force is set.
func (q *Queries) AcquireWindow(ctx context.Context, id, owner string, nowMS, leaseUntilMS int64, configVersion int64, force bool) (bool, error) {
	stmt := `
UPDATE session_windows
SET status = ?, owner = ?, lease_until_ms = ?, attempts = attempts + 1, config_version = ?,
    started_at = ?, last_error = '', updated_at = ?
WHERE id = ?
  AND (status = ? OR (status = ? AND lease_until_ms < ?)`
	args := []any{WindowRunning, owner, leaseUntilMS, configVersion, time.Now().UTC(), time.Now().UTC(), id, WindowScheduled, WindowRunning, nowMS}
	if force {
		stmt += ` OR status = ?`
		args = append(args, WindowCompleted)
	}
	stmt += `);`

	ct, err := q.exec(ctx, stmt, args...)
	if err != nil {
		return false, fmt.Errorf("acquire window: %w", err)
	}
	n, _ := ct.RowsAffected()
	return n == 1, nil
}

// RenewLease extends a live lease held by owner; false when the lease was lost.
func (q *Queries) RenewLease(ctx context.Context, id, owner string, leaseUntilMS int64) (bool, error) {
	ct, err := q.exec(ctx, `UPDATE session_windows SET lease_until_ms = ?, updated_at = ? WHERE id = ? AND owner = ? AND status = ?;`,
		leaseUntilMS, time.Now().UTC(), id, owner, WindowRunning)
	if err != nil {
		return false, fmt.Errorf("renew lease: %w", err)
	}
	n, _ := ct.RowsAffected()
	return n == 1, nil
}

// CompleteWindow marks the run owned by owner as completed.
func (q *Queries) CompleteWindow(ctx context.Context, id, owner string) error {
	now := time.Now().UTC()
	ct, err := q.exec(ctx, `UPDATE session_windows SET status = ?, lease_until_ms = 0, completed_at = ?, updated_at = ? WHERE id = ? AND owner = ? AND status = ?;`,
		WindowCompleted, now, now, id, owner, WindowRunning)
	if err != nil {
		return fmt.Errorf("complete window: %w", err)
	}
	if n, _ := ct.RowsAffected(); n == 0 {
		return fmt.Errorf("complete window %s: lease lost", id)
	}
	return nil
}

// ReleaseWindow leaves the window running with an expired lease so the next tick resumes it.
func (q *Queries) ReleaseWindow(ctx context.Context, id, owner, lastError string) error {
	_, err := q.exec(ctx, `UPDATE session_windows SET lease_until_ms = 0, last_error = ?, updated_at = ? WHERE id = ? AND owner = ? AND status = ?;`,
		lastError, time.Now().UTC(), id, owner, WindowRunning)
	if err != nil {
		return fmt.Errorf("release window: %w", err)
	}
	return nil
}

// EngineEnabled reports the persisted start/stop flag; engines start enabled.
func (q *Queries) EngineEnabled(ctx context.Context) (bool, error) {
	var enabled bool
	err := q.queryRow(ctx, `SELECT enabled FROM engine_state WHERE id = 1;`).Scan(&enabled)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return true, nil
		}
		return false, fmt.Errorf("engine enabled: %w", err)
	}
	return enabled, nil
}

// SetEngineEnabled persists the start/stop flag.
func (q *Queries) SetEngineEnabled(ctx context.Context, enabled bool) error {
	const stmt = `
INSERT INTO engine_state (id, enabled, updated_at)
VALUES (1, ?, ?)
ON CONFLICT (id) DO UPDATE SET
    enabled = excluded.enabled,
    updated_at = excluded.updated_at;
`
	if _, err := q.exec(ctx, stmt, enabled, time.Now().UTC()); err != nil {
		return fmt.Errorf("set engine enabled: %w", err)
	}
	return nil
}

// InsertConfigVersion appends a business configuration payload and returns its version.
func (q *Queries) InsertConfigVersion(ctx context.Context, payload []byte, at time.Time) (int64, error) {
	var version int64
	err := q.queryRow(ctx, `INSERT INTO config_versions (payload, created_at) VALUES (?, ?) RETURNING version;`, string(payload), at.UTC()).Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("insert config version: %w", err)
	}
	return version, nil
}

// LatestConfigVersion returns the newest configuration payload.
func (q *Queries) LatestConfigVersion(ctx context.Context) (*ConfigVersion, error) {
	return q.configVersion(ctx, `SELECT version, payload, created_at FROM config_versions ORDER BY version DESC LIMIT 1;`)
}

// GetConfigVersion returns one configuration payload.
func (q *Queries) GetConfigVersion(ctx context.Context, version int64) (*ConfigVersion, error) {
	return q.configVersion(ctx, `SELECT version, payload, created_at FROM config_versions WHERE version = ?;`, version)
}

func (q *Queries) configVersion(ctx context.Context, stmt string, args ...any) (*ConfigVersion, error) {
	var cv ConfigVersion
	var payload string
	if err := q.queryRow(ctx, stmt, args...).Scan(&cv.Version, &payload, &cv.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("config version: %w", errs.ErrNotFound)
		}
		return nil, fmt.Errorf("get config version: %w", err)
	}
	cv.Payload = []byte(payload)
	return &cv, nil
}
