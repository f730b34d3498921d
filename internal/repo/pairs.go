package repo

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// ListAccumulators returns all package accumulators of a member, locked where supported.
func (q *Queries) ListAccumulators(ctx context.Context, userID int64) ([]Accumulator, error) {
	stmt := `SELECT user_id, package_code, left_pv, right_pv, needs_match FROM side_accumulators WHERE user_id = ? ORDER BY package_code ASC` + q.forUpdate()
	rows, err := q.query(ctx, stmt, userID)
	if err != nil {
		return nil, fmt.Errorf("list accumulators: %w", err)
	}
	defer rows.Close()

	var res []Accumulator
	for rows.Next() {
		var a Accumulator
		if err := rows.Scan(&a.UserID, &a.PackageCode, &a.Left, &a.Right, &a.NeedsMatch); err != nil {
			return nil, fmt.Errorf("scan accumulator: %w", err)
		}
		res = append(res, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate accumulators: %w", err)
	}
	return res, nil
}

// SaveAccumulator upserts the unmatched volume of one member package.
func (q *Queries) SaveAccumulator(ctx context.Context, a Accumulator) error {
	if a.Left.IsNegative() || a.Right.IsNegative() {
		return fmt.Errorf("save accumulator: negative volume for user %d package %s", a.UserID, a.PackageCode)
	}
	const stmt = `
INSERT INTO side_accumulators (user_id, package_code, left_pv, right_pv, needs_match, updated_at)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT (user_id, package_code) DO UPDATE SET
    left_pv = excluded.left_pv,
    right_pv = excluded.right_pv,
    needs_match = excluded.needs_match,
    updated_at = excluded.updated_at;
`
	if _, err := q.exec(ctx, stmt, a.UserID, a.PackageCode, a.Left, a.Right, a.NeedsMatch, time.Now().UTC()); err != nil {
		return fmt.Errorf("save accumulator: %w", err)
	}
	return nil
}

// LockVolumeCursor returns the last PV seq folded into the member's
// accumulators. The cursor row is created first so the row lock holds even
// for a member that has never been matched; engine writes for one member
// serialize on it across instances.
func (q *Queries) LockVolumeCursor(ctx context.Context, userID int64) (int64, error) {
	if _, err := q.exec(ctx, `INSERT INTO volume_cursors (user_id, last_seq, updated_at) VALUES (?, 0, ?) ON CONFLICT (user_id) DO NOTHING;`,
		userID, time.Now().UTC()); err != nil {
		return 0, fmt.Errorf("ensure volume cursor: %w", err)
	}
	var seq int64
	if err := q.queryRow(ctx, `SELECT last_seq FROM volume_cursors WHERE user_id = ?`+q.forUpdate(), userID).Scan(&seq); err != nil {
		return 0, fmt.Errorf("volume cursor: %w", err)
	}
	return seq, nil
}

// AdvanceVolumeCursor moves the cursor forward; it never moves back.
func (q *Queries) AdvanceVolumeCursor(ctx context.Context, userID, seq int64) error {
	const stmt = `
INSERT INTO volume_cursors (user_id, last_seq, updated_at)
VALUES (?, ?, ?)
ON CONFLICT (user_id) DO UPDATE SET
    last_seq = excluded.last_seq,
    updated_at = excluded.updated_at
WHERE volume_cursors.last_seq < excluded.last_seq;
`
	if _, err := q.exec(ctx, stmt, userID, seq, time.Now().UTC()); err != nil {
		return fmt.Errorf("advance volume cursor: %w", err)
	}
	return nil
}

// MarkPVPending flags a member as holding PV up to seq that no run has folded yet.
func (q *Queries) MarkPVPending(ctx context.Context, userID, seq int64) error {
	const stmt = `
INSERT INTO pv_pending (user_id, last_seq, updated_at)
VALUES (?, ?, ?)
ON CONFLICT (user_id) DO UPDATE SET
    last_seq = CASE WHEN excluded.last_seq > pv_pending.last_seq THEN excluded.last_seq ELSE pv_pending.last_seq END,
    updated_at = excluded.updated_at;
`
	if _, err := q.exec(ctx, stmt, userID, seq, time.Now().UTC()); err != nil {
		return fmt.Errorf("mark pv pending: %w", err)
	}
	return nil
}

// ClearPVPending drops the pending flag once everything up to folded is in
// the accumulators. PV marked past folded keeps the flag.
func (q *Queries) ClearPVPending(ctx context.Context, userID, folded int64) error {
	if _, err := q.exec(ctx, `DELETE FROM pv_pending WHERE user_id = ? AND last_seq <= ?;`, userID, folded); err != nil {
		return fmt.Errorf("clear pv pending: %w", err)
	}
	return nil
}

// ListMatchCandidates returns, ascending by id, members with unfolded PV,
// volume held back by an unmatchable package, or outstanding red pairs.
func (q *Queries) ListMatchCandidates(ctx context.Context) ([]int64, error) {
	const stmt = `
SELECT user_id FROM pv_pending
UNION
SELECT user_id FROM side_accumulators WHERE needs_match = ?
UNION
SELECT user_id FROM pairs WHERE state = 'red'
ORDER BY 1 ASC;
`
	rows, err := q.query(ctx, stmt, true)
	if err != nil {
		return nil, fmt.Errorf("list match candidates: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan candidate: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate candidates: %w", err)
	}
	return ids, nil
}

// InsertPair stores a pair record.
func (q *Queries) InsertPair(ctx context.Context, p Pair) (int64, error) {
	const stmt = `
INSERT INTO pairs (user_id, package_code, window_id, state, amount, created_at, released_window_id, released_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
RETURNING id;
`
	var releasedAt any
	if p.ReleasedAt != nil {
		releasedAt = p.ReleasedAt.UTC()
	}
	var id int64
	err := q.queryRow(ctx, stmt, p.UserID, p.PackageCode, p.WindowID, p.State, p.Amount, p.CreatedAt.UTC(), p.ReleasedWindowID, releasedAt).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert pair: %w", err)
	}
	return id, nil
}

// CountGreenInWindow counts pairs released as green for a member package in one window.
func (q *Queries) CountGreenInWindow(ctx context.Context, userID int64, packageCode, windowID string) (int, error) {
	var n int
	err := q.queryRow(ctx, `SELECT COUNT(*) FROM pairs WHERE user_id = ? AND package_code = ? AND state = 'green' AND released_window_id = ?;`,
		userID, packageCode, windowID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count green pairs: %w", err)
	}
	return n, nil
}

// ListRedBefore returns red pairs created before windowID, oldest first.
func (q *Queries) ListRedBefore(ctx context.Context, userID int64, packageCode, windowID string, limit int) ([]Pair, error) {
	const stmt = `
SELECT id, user_id, package_code, window_id, state, amount, created_at, released_window_id, released_at
FROM pairs
WHERE user_id = ? AND package_code = ? AND state = 'red' AND window_id < ?
ORDER BY id ASC
LIMIT ?;
`
	rows, err := q.query(ctx, stmt, userID, packageCode, windowID, limit)
	if err != nil {
		return nil, fmt.Errorf("list red pairs: %w", err)
	}
	defer rows.Close()
	return collectPairs(rows)
}

// ListRedPackages returns package codes with red pairs for the member.
func (q *Queries) ListRedPackages(ctx context.Context, userID int64) ([]string, error) {
	rows, err := q.query(ctx, `SELECT DISTINCT package_code FROM pairs WHERE user_id = ? AND state = 'red' ORDER BY package_code ASC;`, userID)
	if err != nil {
		return nil, fmt.Errorf("list red packages: %w", err)
	}
	defer rows.Close()

	var codes []string
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return nil, fmt.Errorf("scan red package: %w", err)
		}
		codes = append(codes, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate red packages: %w", err)
	}
	return codes, nil
}

// ReleasePair moves a red pair to green; false when it was no longer red.
func (q *Queries) ReleasePair(ctx context.Context, id int64, windowID string, amount decimal.Decimal, at time.Time) (bool, error) {
	ct, err := q.exec(ctx, `UPDATE pairs SET state = 'green', amount = ?, released_window_id = ?, released_at = ? WHERE id = ? AND state = 'red';`,
		amount, windowID, at.UTC(), id)
	if err != nil {
		return false, fmt.Errorf("release pair: %w", err)
	}
	n, _ := ct.RowsAffected()
	return n == 1, nil
}

// CapRedPairs moves red pairs created before the cutoff to the capped terminal state.
func (q *Queries) CapRedPairs(ctx context.Context, before time.Time, at time.Time) (int64, error) {
	ct, err := q.exec(ctx, `UPDATE pairs SET state = 'capped', released_at = ? WHERE state = 'red' AND window_id < ?;`,
		at.UTC(), WindowKeyBefore(before))
	if err != nil {
		return 0, fmt.Errorf("cap red pairs: %w", err)
	}
	n, _ := ct.RowsAffected()
	return n, nil
}

// WindowKeyBefore is the smallest window id on the date of t, usable as an exclusive bound.
func WindowKeyBefore(t time.Time) string {
	return t.Format("2006-01-02") + "/0"
}

// ListPairsForWindow returns the pairs a member created or released in a window.
func (q *Queries) ListPairsForWindow(ctx context.Context, userID int64, windowID string) ([]Pair, error) {
	const stmt = `
SELECT id, user_id, package_code, window_id, state, amount, created_at, released_window_id, released_at
FROM pairs
WHERE user_id = ? AND (window_id = ? OR released_window_id = ?)
ORDER BY id ASC;
`
	rows, err := q.query(ctx, stmt, userID, windowID, windowID)
	if err != nil {
		return nil, fmt.Errorf("list window pairs: %w", err)
	}
	defer rows.Close()
	return collectPairs(rows)
}

// CountPairsByWindow returns the number of pairs created in a window.
func (q *Queries) CountPairsByWindow(ctx context.Context, windowID string) (int, error) {
	var n int
	if err := q.queryRow(ctx, `SELECT COUNT(*) FROM pairs WHERE window_id = ?;`, windowID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count window pairs: %w", err)
	}
	return n, nil
}

// ListPairsByUser returns every pair of a member in creation order.
func (q *Queries) ListPairsByUser(ctx context.Context, userID int64) ([]Pair, error) {
	const stmt = `
SELECT id, user_id, package_code, window_id, state, amount, created_at, released_window_id, released_at
FROM pairs
WHERE user_id = ?
ORDER BY id ASC;
`
	rows, err := q.query(ctx, stmt, userID)
	if err != nil {
		return nil, fmt.Errorf("list pairs: %w", err)
	}
	defer rows.Close()
	return collectPairs(rows)
}

func collectPairs(rows *sql.Rows) ([]Pair, error) {
	var res []Pair
	for rows.Next() {
		var p Pair
		var releasedWindow sql.NullString
		var releasedAt sql.NullTime
		if err := rows.Scan(&p.ID, &p.UserID, &p.PackageCode, &p.WindowID, &p.State, &p.Amount, &p.CreatedAt, &releasedWindow, &releasedAt); err != nil {
			return nil, fmt.Errorf("scan pair: %w", err)
		}
		if releasedWindow.Valid {
			p.ReleasedWindowID = &releasedWindow.String
		}
		if releasedAt.Valid {
			p.ReleasedAt = &releasedAt.Time
		}
		res = append(res, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pairs: %w", err)
	}
	return res, nil
}
