package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"pairengine/internal/errs"
)

// InsertPurchase stores the raw purchase; ok is false when the order ref already exists.
func (q *Queries) InsertPurchase(ctx context.Context, p Purchase) (bool, error) {
	const stmt = `
INSERT INTO purchases (order_ref, user_id, package_code, kind, pv, bv, category, occurred_at, recorded_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (order_ref) DO NOTHING;
`
	ct, err := q.exec(ctx, stmt,
		p.OrderRef,
		p.UserID,
		p.PackageCode,
		p.Kind,
		p.PV,
		p.BV,
		p.Category,
		p.OccurredAt.UTC(),
		p.RecordedAt.UTC(),
	)
	if err != nil {
		return false, fmt.Errorf("insert purchase: %w", err)
	}
	n, _ := ct.RowsAffected()
	return n == 1, nil
}

// GetPurchase returns a purchase by order reference.
func (q *Queries) GetPurchase(ctx context.Context, orderRef string) (*Purchase, error) {
	const stmt = `
SELECT order_ref, user_id, package_code, kind, pv, bv, category, occurred_at, recorded_at
FROM purchases
WHERE order_ref = ?;
`
	var p Purchase
	err := q.queryRow(ctx, stmt, orderRef).Scan(&p.OrderRef, &p.UserID, &p.PackageCode, &p.Kind, &p.PV, &p.BV, &p.Category, &p.OccurredAt, &p.RecordedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("purchase %q: %w", orderRef, errs.ErrNotFound)
		}
		return nil, fmt.Errorf("get purchase: %w", err)
	}
	return &p, nil
}

// InsertPVEntry appends one leg volume credit and marks the member pending.
func (q *Queries) InsertPVEntry(ctx context.Context, e PVEntry) (int64, error) {
	const stmt = `
INSERT INTO pv_ledger (user_id, side, package_code, amount, order_ref, source_user_id, session_index, window_id, occurred_at, recorded_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
RETURNING seq;
`
	var seq int64
	err := q.queryRow(ctx, stmt,
		e.UserID,
		string(e.Side),
		e.PackageCode,
		e.Amount,
		e.OrderRef,
		e.SourceUserID,
		e.SessionIndex,
		e.WindowID,
		e.OccurredAt.UTC(),
		e.RecordedAt.UTC(),
	).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("insert pv entry: %w", err)
	}
	if err := q.MarkPVPending(ctx, e.UserID, seq); err != nil {
		return 0, err
	}
	return seq, nil
}

// ListPVAfter returns a member's PV credits with seq > afterSeq in ascending order.
func (q *Queries) ListPVAfter(ctx context.Context, userID, afterSeq int64, limit int) ([]PVEntry, error) {
	if limit <= 0 {
		limit = 10000
	}
	const stmt = `
SELECT seq, user_id, side, package_code, amount, order_ref, source_user_id, session_index, window_id, occurred_at, recorded_at
FROM pv_ledger
WHERE user_id = ? AND seq > ?
ORDER BY seq ASC
LIMIT ?;
`
	rows, err := q.query(ctx, stmt, userID, afterSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("list pv entries: %w", err)
	}
	defer rows.Close()

	var res []PVEntry
	for rows.Next() {
		var e PVEntry
		var side string
		if err := rows.Scan(&e.Seq, &e.UserID, &side, &e.PackageCode, &e.Amount, &e.OrderRef, &e.SourceUserID, &e.SessionIndex, &e.WindowID, &e.OccurredAt, &e.RecordedAt); err != nil {
			return nil, fmt.Errorf("scan pv entry: %w", err)
		}
		e.Side = Side(side)
		res = append(res, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pv entries: %w", err)
	}
	return res, nil
}

// ListPVByOrder returns the PV credits produced by one purchase.
func (q *Queries) ListPVByOrder(ctx context.Context, orderRef string) ([]PVEntry, error) {
	const stmt = `
SELECT seq, user_id, side, package_code, amount, order_ref, source_user_id, session_index, window_id, occurred_at, recorded_at
FROM pv_ledger
WHERE order_ref = ?
ORDER BY seq ASC;
`
	rows, err := q.query(ctx, stmt, orderRef)
	if err != nil {
		return nil, fmt.Errorf("list pv by order: %w", err)
	}
	defer rows.Close()

	var res []PVEntry
	for rows.Next() {
		var e PVEntry
		var side string
		if err := rows.Scan(&e.Seq, &e.UserID, &side, &e.PackageCode, &e.Amount, &e.OrderRef, &e.SourceUserID, &e.SessionIndex, &e.WindowID, &e.OccurredAt, &e.RecordedAt); err != nil {
			return nil, fmt.Errorf("scan pv entry: %w", err)
		}
		e.Side = Side(side)
		res = append(res, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pv entries: %w", err)
	}
	return res, nil
}

// ListPVByWindow returns the PV credits of a member folded by the given window.
func (q *Queries) ListPVByWindow(ctx context.Context, userID int64, windowID string) ([]PVEntry, error) {
	const stmt = `
SELECT seq, user_id, side, package_code, amount, order_ref, source_user_id, session_index, window_id, occurred_at, recorded_at
FROM pv_ledger
WHERE user_id = ? AND window_id = ?
ORDER BY seq ASC;
`
	rows, err := q.query(ctx, stmt, userID, windowID)
	if err != nil {
		return nil, fmt.Errorf("list pv by window: %w", err)
	}
	defer rows.Close()

	var res []PVEntry
	for rows.Next() {
		var e PVEntry
		var side string
		if err := rows.Scan(&e.Seq, &e.UserID, &side, &e.PackageCode, &e.Amount, &e.OrderRef, &e.SourceUserID, &e.SessionIndex, &e.WindowID, &e.OccurredAt, &e.RecordedAt); err != nil {
			return nil, fmt.Errorf("scan pv entry: %w", err)
		}
		e.Side = Side(side)
		res = append(res, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pv entries: %w", err)
	}
	return res, nil
}

// InsertBVEntry appends one business volume posting.
func (q *Queries) InsertBVEntry(ctx context.Context, e BVEntry) (int64, error) {
	const stmt = `
INSERT INTO bv_ledger (user_id, amount, category, order_ref, occurred_at, recorded_at)
VALUES (?, ?, ?, ?, ?, ?)
RETURNING seq;
`
	var seq int64
	err := q.queryRow(ctx, stmt, e.UserID, e.Amount, e.Category, e.OrderRef, e.OccurredAt.UTC(), e.RecordedAt.UTC()).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("insert bv entry: %w", err)
	}
	return seq, nil
}

const bvColumns = `seq, user_id, amount, category, order_ref, occurred_at, recorded_at, distributed_at`

func scanBV(row interface{ Scan(...any) error }) (*BVEntry, error) {
	var e BVEntry
	var distributed sql.NullTime
	if err := row.Scan(&e.Seq, &e.UserID, &e.Amount, &e.Category, &e.OrderRef, &e.OccurredAt, &e.RecordedAt, &distributed); err != nil {
		return nil, err
	}
	if distributed.Valid {
		e.DistributedAt = &distributed.Time
	}
	return &e, nil
}

// ListUndistributedBV returns pending BV postings with seq > afterSeq in ascending seq.
func (q *Queries) ListUndistributedBV(ctx context.Context, afterSeq int64, limit int) ([]BVEntry, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := q.query(ctx, `SELECT `+bvColumns+` FROM bv_ledger WHERE distributed_at IS NULL AND seq > ? ORDER BY seq ASC LIMIT ?;`, afterSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("list undistributed bv: %w", err)
	}
	defer rows.Close()
	return collectBV(rows)
}

// ListBVByUser returns a member's BV history, newest first.
func (q *Queries) ListBVByUser(ctx context.Context, userID int64, limit int) ([]BVEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := q.query(ctx, `SELECT `+bvColumns+` FROM bv_ledger WHERE user_id = ? ORDER BY seq DESC LIMIT ?;`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list bv by user: %w", err)
	}
	defer rows.Close()
	return collectBV(rows)
}

// GetBVEntry loads one BV posting; with lock it is row-locked where supported.
func (q *Queries) GetBVEntry(ctx context.Context, seq int64, lock bool) (*BVEntry, error) {
	stmt := `SELECT ` + bvColumns + ` FROM bv_ledger WHERE seq = ?`
	if lock {
		stmt += q.forUpdate()
	}
	e, err := scanBV(q.queryRow(ctx, stmt, seq))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("bv entry %d: %w", seq, errs.ErrNotFound)
		}
		return nil, fmt.Errorf("get bv entry: %w", err)
	}
	return e, nil
}

// MarkBVDistributed stamps the posting as fully processed.
func (q *Queries) MarkBVDistributed(ctx context.Context, seq int64, at time.Time) error {
	_, err := q.exec(ctx, `UPDATE bv_ledger SET distributed_at = ? WHERE seq = ? AND distributed_at IS NULL;`, at.UTC(), seq)
	if err != nil {
		return fmt.Errorf("mark bv distributed: %w", err)
	}
	return nil
}

func collectBV(rows *sql.Rows) ([]BVEntry, error) {
	var res []BVEntry
	for rows.Next() {
		e, err := scanBV(rows)
		if err != nil {
			return nil, fmt.Errorf("scan bv entry: %w", err)
		}
		res = append(res, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate bv entries: %w", err)
	}
	return res, nil
}
