package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// GetWallet returns the member wallet; a missing wallet reads as zero balances.
// With lock the row is created first, so concurrent postings for a new member
// still queue on the same row lock.
func (q *Queries) GetWallet(ctx context.Context, userID int64, lock bool) (*Wallet, error) {
	stmt := `SELECT user_id, main_balance, income_balance, repurchase_balance, updated_at FROM wallets WHERE user_id = ?`
	if lock {
		const ensure = `
INSERT INTO wallets (user_id, main_balance, income_balance, repurchase_balance, updated_at)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT (user_id) DO NOTHING;
`
		if _, err := q.exec(ctx, ensure, userID, decimal.Zero, decimal.Zero, decimal.Zero, time.Now().UTC()); err != nil {
			return nil, fmt.Errorf("ensure wallet: %w", err)
		}
		stmt += q.forUpdate()
	}
	var w Wallet
	err := q.queryRow(ctx, stmt, userID).Scan(&w.UserID, &w.MainBalance, &w.IncomeBalance, &w.RepurchaseBalance, &w.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return &Wallet{UserID: userID}, nil
		}
		return nil, fmt.Errorf("get wallet: %w", err)
	}
	return &w, nil
}

// SaveWallet upserts the balance row. Callers hold the row lock from GetWallet.
func (q *Queries) SaveWallet(ctx context.Context, w Wallet) error {
	const stmt = `
INSERT INTO wallets (user_id, main_balance, income_balance, repurchase_balance, updated_at)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT (user_id) DO UPDATE SET
    main_balance = excluded.main_balance,
    income_balance = excluded.income_balance,
    repurchase_balance = excluded.repurchase_balance,
    updated_at = excluded.updated_at;
`
	if _, err := q.exec(ctx, stmt, w.UserID, w.MainBalance, w.IncomeBalance, w.RepurchaseBalance, time.Now().UTC()); err != nil {
		return fmt.Errorf("save wallet: %w", err)
	}
	return nil
}

// InsertWalletTransaction appends a history row; false when the reference was already posted.
func (q *Queries) InsertWalletTransaction(ctx context.Context, t WalletTransaction) (bool, error) {
	var seq int64
	if err := q.queryRow(ctx, `SELECT COALESCE(MAX(seq), 0) + 1 FROM wallet_transactions WHERE user_id = ?;`, t.UserID).Scan(&seq); err != nil {
		return false, fmt.Errorf("next wallet seq: %w", err)
	}
	const stmt = `
INSERT INTO wallet_transactions (id, seq, user_id, account, amount, balance_after, kind, reference, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (reference, user_id, account) DO NOTHING;
`
	ct, err := q.exec(ctx, stmt, t.ID, seq, t.UserID, t.Account, t.Amount, t.BalanceAfter, t.Kind, t.Reference, t.CreatedAt.UTC())
	if err != nil {
		return false, fmt.Errorf("insert wallet transaction: %w", err)
	}
	n, _ := ct.RowsAffected()
	return n == 1, nil
}

// ListWalletTransactions returns history newest first. Zero limit returns everything.
func (q *Queries) ListWalletTransactions(ctx context.Context, userID int64, account string, limit, offset int) ([]WalletTransaction, error) {
	stmt := `SELECT id, user_id, account, amount, balance_after, kind, reference, created_at FROM wallet_transactions WHERE user_id = ?`
	args := []any{userID}
	if account != "" {
		stmt += ` AND account = ?`
		args = append(args, account)
	}
	stmt += ` ORDER BY seq DESC`
	if limit > 0 {
		stmt += ` LIMIT ? OFFSET ?`
		args = append(args, limit, offset)
	}

	rows, err := q.query(ctx, stmt+";", args...)
	if err != nil {
		return nil, fmt.Errorf("list wallet transactions: %w", err)
	}
	defer rows.Close()

	var res []WalletTransaction
	for rows.Next() {
		var t WalletTransaction
		if err := rows.Scan(&t.ID, &t.UserID, &t.Account, &t.Amount, &t.BalanceAfter, &t.Kind, &t.Reference, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan wallet transaction: %w", err)
		}
		res = append(res, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate wallet transactions: %w", err)
	}
	return res, nil
}

// ListWalletUsers returns every member that owns a wallet row.
func (q *Queries) ListWalletUsers(ctx context.Context) ([]int64, error) {
	rows, err := q.query(ctx, `SELECT user_id FROM wallets ORDER BY user_id ASC;`)
	if err != nil {
		return nil, fmt.Errorf("list wallet users: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan wallet user: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate wallet users: %w", err)
	}
	return ids, nil
}
