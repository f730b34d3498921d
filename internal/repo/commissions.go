package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"pairengine/internal/errs"
)

const commissionColumns = `id, user_id, type, source_event, amount, level, rank, window_id, created_at`

// InsertCommission stores a posting keyed by (source_event, user_id, type).
// When the key already exists the stored entry is returned with inserted=false.
func (q *Queries) InsertCommission(ctx context.Context, e CommissionEntry) (inserted bool, existing *CommissionEntry, err error) {
	const stmt = `
INSERT INTO commission_entries (user_id, type, source_event, amount, level, rank, window_id, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (source_event, user_id, type) DO NOTHING;
`
	ct, err := q.exec(ctx, stmt, e.UserID, e.Type, e.SourceEvent, e.Amount, e.Level, e.Rank, e.WindowID, e.CreatedAt.UTC())
	if err != nil {
		return false, nil, fmt.Errorf("insert commission: %w", err)
	}
	if n, _ := ct.RowsAffected(); n == 1 {
		return true, nil, nil
	}
	existing, err = q.GetCommission(ctx, e.SourceEvent, e.UserID, e.Type)
	if err != nil {
		return false, nil, err
	}
	return false, existing, nil
}

// GetCommission loads a posting by its idempotency key.
func (q *Queries) GetCommission(ctx context.Context, sourceEvent string, userID int64, typ string) (*CommissionEntry, error) {
	row := q.queryRow(ctx, `SELECT `+commissionColumns+` FROM commission_entries WHERE source_event = ? AND user_id = ? AND type = ?;`,
		sourceEvent, userID, typ)
	var e CommissionEntry
	if err := row.Scan(&e.ID, &e.UserID, &e.Type, &e.SourceEvent, &e.Amount, &e.Level, &e.Rank, &e.WindowID, &e.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("commission %s/%d/%s: %w", sourceEvent, userID, typ, errs.ErrNotFound)
		}
		return nil, fmt.Errorf("get commission: %w", err)
	}
	return &e, nil
}

// ListCommissions returns postings filtered by member and/or type, oldest first.
// Zero userID and empty typ mean no filter.
func (q *Queries) ListCommissions(ctx context.Context, userID int64, typ string) ([]CommissionEntry, error) {
	stmt := `SELECT ` + commissionColumns + ` FROM commission_entries WHERE 1 = 1`
	var args []any
	if userID != 0 {
		stmt += ` AND user_id = ?`
		args = append(args, userID)
	}
	if typ != "" {
		stmt += ` AND type = ?`
		args = append(args, typ)
	}
	stmt += ` ORDER BY id ASC;`

	rows, err := q.query(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("list commissions: %w", err)
	}
	defer rows.Close()

	var res []CommissionEntry
	for rows.Next() {
		var e CommissionEntry
		if err := rows.Scan(&e.ID, &e.UserID, &e.Type, &e.SourceEvent, &e.Amount, &e.Level, &e.Rank, &e.WindowID, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan commission: %w", err)
		}
		res = append(res, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate commissions: %w", err)
	}
	return res, nil
}

// CountCommissions returns the total number of postings.
func (q *Queries) CountCommissions(ctx context.Context) (int, error) {
	var n int
	if err := q.queryRow(ctx, `SELECT COUNT(*) FROM commission_entries;`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count commissions: %w", err)
	}
	return n, nil
}

// RoyaltyLine returns the continuous BV total of a rank holder's line.
func (q *Queries) RoyaltyLine(ctx context.Context, userID int64) (decimal.Decimal, error) {
	var total decimal.Decimal
	err := q.queryRow(ctx, `SELECT total_bv FROM royalty_lines WHERE user_id = ?`+q.forUpdate(), userID).Scan(&total)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return decimal.Zero, nil
		}
		return decimal.Zero, fmt.Errorf("royalty line: %w", err)
	}
	return total, nil
}

// SaveRoyaltyLine stores the new continuous BV total.
func (q *Queries) SaveRoyaltyLine(ctx context.Context, userID int64, total decimal.Decimal) error {
	const stmt = `
INSERT INTO royalty_lines (user_id, total_bv, updated_at)
VALUES (?, ?, ?)
ON CONFLICT (user_id) DO UPDATE SET
    total_bv = excluded.total_bv,
    updated_at = excluded.updated_at;
`
	if _, err := q.exec(ctx, stmt, userID, total, time.Now().UTC()); err != nil {
		return fmt.Errorf("save royalty line: %w", err)
	}
	return nil
}
