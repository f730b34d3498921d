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

// AddFundContribution records a pool share of one BV posting and grows the pool.
// It returns false when the contribution was already recorded.
func (q *Queries) AddFundContribution(ctx context.Context, bvSeq int64, pool string, amount decimal.Decimal) (bool, error) {
	now := time.Now().UTC()
	ct, err := q.exec(ctx, `INSERT INTO fund_contributions (bv_seq, pool, amount, created_at) VALUES (?, ?, ?, ?) ON CONFLICT (bv_seq, pool) DO NOTHING;`,
		bvSeq, pool, amount, now)
	if err != nil {
		return false, fmt.Errorf("insert fund contribution: %w", err)
	}
	if n, _ := ct.RowsAffected(); n == 0 {
		return false, nil
	}
	current, err := q.GetFundPool(ctx, pool, true)
	if err != nil {
		return false, err
	}
	if err := q.saveFundPool(ctx, pool, current.Balance.Add(amount), now); err != nil {
		return false, err
	}
	return true, nil
}

// GetFundPool returns the pool balance; an unknown pool reads as zero.
// With lock the row is created first so the lock always holds.
func (q *Queries) GetFundPool(ctx context.Context, pool string, lock bool) (*FundPoolBalance, error) {
	stmt := `SELECT name, balance, updated_at FROM fund_pools WHERE name = ?`
	if lock {
		if _, err := q.exec(ctx, `INSERT INTO fund_pools (name, balance, updated_at) VALUES (?, ?, ?) ON CONFLICT (name) DO NOTHING;`,
			pool, decimal.Zero, time.Now().UTC()); err != nil {
			return nil, fmt.Errorf("ensure fund pool: %w", err)
		}
		stmt += q.forUpdate()
	}
	var f FundPoolBalance
	if err := q.queryRow(ctx, stmt, pool).Scan(&f.Name, &f.Balance, &f.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return &FundPoolBalance{Name: pool}, nil
		}
		return nil, fmt.Errorf("get fund pool: %w", err)
	}
	return &f, nil
}

// ListFundPools returns all pool balances.
func (q *Queries) ListFundPools(ctx context.Context) ([]FundPoolBalance, error) {
	rows, err := q.query(ctx, `SELECT name, balance, updated_at FROM fund_pools ORDER BY name ASC;`)
	if err != nil {
		return nil, fmt.Errorf("list fund pools: %w", err)
	}
	defer rows.Close()

	var res []FundPoolBalance
	for rows.Next() {
		var f FundPoolBalance
		if err := rows.Scan(&f.Name, &f.Balance, &f.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan fund pool: %w", err)
		}
		res = append(res, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate fund pools: %w", err)
	}
	return res, nil
}

// GetFundDistribution returns the payout claimed for (pool, period).
func (q *Queries) GetFundDistribution(ctx context.Context, pool, period string) (*FundDistribution, error) {
	var f FundDistribution
	err := q.queryRow(ctx, `SELECT pool, period, amount, members, created_at FROM fund_distributions WHERE pool = ? AND period = ?;`, pool, period).
		Scan(&f.Pool, &f.Period, &f.Amount, &f.Members, &f.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("fund distribution %s/%s: %w", pool, period, errs.ErrNotFound)
		}
		return nil, fmt.Errorf("get fund distribution: %w", err)
	}
	return &f, nil
}

// RecordFundDistribution claims (pool, period) and debits the pool; false when already distributed.
func (q *Queries) RecordFundDistribution(ctx context.Context, pool, period string, amount decimal.Decimal, members int) (bool, error) {
	now := time.Now().UTC()
	ct, err := q.exec(ctx, `INSERT INTO fund_distributions (pool, period, amount, members, created_at) VALUES (?, ?, ?, ?, ?) ON CONFLICT (pool, period) DO NOTHING;`,
		pool, period, amount, members, now)
	if err != nil {
		return false, fmt.Errorf("insert fund distribution: %w", err)
	}
	if n, _ := ct.RowsAffected(); n == 0 {
		return false, nil
	}
	current, err := q.GetFundPool(ctx, pool, true)
	if err != nil {
		return false, err
	}
	if err := q.saveFundPool(ctx, pool, current.Balance.Sub(amount), now); err != nil {
		return false, err
	}
	return true, nil
}

func (q *Queries) saveFundPool(ctx context.Context, pool string, balance decimal.Decimal, at time.Time) error {
	const stmt = `
INSERT INTO fund_pools (name, balance, updated_at)
VALUES (?, ?, ?)
ON CONFLICT (name) DO UPDATE SET
    balance = excluded.balance,
    updated_at = excluded.updated_at;
`
	if _, err := q.exec(ctx, stmt, pool, balance, at); err != nil {
		return fmt.Errorf("save fund pool: %w", err)
	}
	return nil
}
